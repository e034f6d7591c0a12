package taskstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goiltpatpat/patze-control/internal/persistence"
)

// historyLine is one JSONL row in the run-history file: the full RunRecord
// plus the id of the task it belongs to, so the file stands alone as an
// audit trail independent of the bounded in-memory Task.Runs ring.
type historyLine struct {
	TaskID string `json:"taskId"`
	RunRecord
}

// appendRunHistory appends run to path as one JSON line, then — if the file
// now exceeds maxBytes — drops the oldest lines until it fits (§6.4 "JSONL
// run history with size cap").
func appendRunHistory(path string, maxBytes int64, taskID string, run RunRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create run history dir: %w", err)
	}

	line, err := json.Marshal(historyLine{TaskID: taskID, RunRecord: run})
	if err != nil {
		return fmt.Errorf("marshal run history line: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append run history: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close run history: %w", err)
	}

	return trimRunHistory(path, maxBytes)
}

// trimRunHistory drops the oldest lines from path, in whole-line units,
// until its size is at or under maxBytes. Rewritten atomically so a reader
// never observes a half-truncated file.
func trimRunHistory(path string, maxBytes int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat run history: %w", err)
	}
	if info.Size() <= maxBytes {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open run history for trim: %w", err)
	}
	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, append([]byte(nil), scanner.Bytes()...))
	}
	f.Close()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan run history: %w", err)
	}

	var total int64
	keepFrom := len(lines)
	for i := len(lines) - 1; i >= 0; i-- {
		total += int64(len(lines[i])) + 1
		if total > maxBytes {
			keepFrom = i + 1
			break
		}
		keepFrom = i
	}

	var buf []byte
	for _, l := range lines[keepFrom:] {
		buf = append(buf, l...)
		buf = append(buf, '\n')
	}
	return persistence.WriteBytesAtomic(path, buf, false)
}

// ReadRunHistory loads every line of the run-history file at path. Absent
// file yields an empty slice.
func ReadRunHistory(path string) ([]RunRecord, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("open run history: %w", err)
	}
	defer f.Close()

	var runs []RunRecord
	var taskIDs []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var hl historyLine
		if err := json.Unmarshal(scanner.Bytes(), &hl); err != nil {
			continue
		}
		runs = append(runs, hl.RunRecord)
		taskIDs = append(taskIDs, hl.TaskID)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan run history: %w", err)
	}
	return runs, taskIDs, nil
}
