package cronsync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// scanDir reads every *.json file in dir and decodes each into a fresh T,
// skipping unreadable or malformed entries rather than failing the whole
// scan (matches bridgeruntime.FileCollector's tolerance).
func scanDir[T any](dir string) ([]T, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]T, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var rec T
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func expandTilde(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// scanJobs reads <jobsDir>/jobs/*.json.
func scanJobs(jobsDir string) ([]JobRecord, error) {
	return scanDir[JobRecord](filepath.Join(expandTilde(jobsDir), "jobs"))
}

// scanRuns reads <jobsDir>/runs/*.json.
func scanRuns(jobsDir string) ([]RunRecord, error) {
	return scanDir[RunRecord](filepath.Join(expandTilde(jobsDir), "runs"))
}

// readConfigRaw reads <jobsDir>/openclaw.json verbatim. A missing file is
// not an error: it mirrors as an empty config.
func readConfigRaw(jobsDir string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(expandTilde(jobsDir), "openclaw.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return []byte{}, nil
		}
		return nil, err
	}
	return data, nil
}
