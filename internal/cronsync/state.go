package cronsync

import (
	"github.com/goiltpatpat/patze-control/internal/persistence"
)

// state is the offset/watermark file persisted at the bridge's configured
// sync-state path (§6.4: "Cron offset state: implementation-chosen
// watermark JSON"). Keyed by job/run id, it records the UpdatedAt value
// last successfully pushed so restarts don't resend unchanged records.
type state struct {
	Version         int               `json:"version"`
	JobWatermarks   map[string]string `json:"jobWatermarks"`
	RunWatermarks   map[string]string `json:"runWatermarks"`
	PlaneConfigHash string            `json:"planeConfigHash"`
}

func newState() *state {
	return &state{
		Version:       1,
		JobWatermarks: make(map[string]string),
		RunWatermarks: make(map[string]string),
	}
}

func loadState(path string) (*state, error) {
	st := newState()
	err := persistence.ReadJSON(path, st)
	if err != nil {
		if persistence.IsNotExist(err) {
			return newState(), nil
		}
		return nil, err
	}
	if st.JobWatermarks == nil {
		st.JobWatermarks = make(map[string]string)
	}
	if st.RunWatermarks == nil {
		st.RunWatermarks = make(map[string]string)
	}
	return st, nil
}

func (st *state) save(path string) error {
	return persistence.WriteJSONAtomic(path, st, false)
}

// diffJobs returns jobs whose UpdatedAt changed (or is new) since the last
// successful push, and records the new watermarks.
func (st *state) diffJobs(jobs []JobRecord) []JobRecord {
	var delta []JobRecord
	for _, j := range jobs {
		if st.JobWatermarks[j.JobID] == j.UpdatedAt {
			continue
		}
		delta = append(delta, j)
		st.JobWatermarks[j.JobID] = j.UpdatedAt
	}
	return delta
}

// diffRuns returns runs whose UpdatedAt changed (or is new) since the last
// successful push, and records the new watermarks.
func (st *state) diffRuns(runs []RunRecord) []RunRecord {
	var delta []RunRecord
	for _, r := range runs {
		if st.RunWatermarks[r.RunID] == r.UpdatedAt {
			continue
		}
		delta = append(delta, r)
		st.RunWatermarks[r.RunID] = r.UpdatedAt
	}
	return delta
}
