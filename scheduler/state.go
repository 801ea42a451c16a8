package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// RunStatus is the recorded outcome of one scheduled item run.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// ItemRunState is the persisted bookkeeping per schedulable item. It
// is read and written only by the scheduler process and decides both
// whether an item is due and whether its dependents may proceed.
type ItemRunState struct {
	LastRun    time.Time     `json:"last_run"`
	LastStatus RunStatus     `json:"last_status"`
	WorkflowID string        `json:"workflow_id,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
}

// stateFile is the scheduler's on-disk state.
type stateFile struct {
	Items         map[string]ItemRunState `json:"items"`
	LastHeartbeat time.Time               `json:"last_heartbeat,omitempty"`
}

func newStateFile() *stateFile {
	return &stateFile{Items: make(map[string]ItemRunState)}
}

// loadState reads the state file; a missing file yields empty state.
func loadState(path string) (*stateFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return newStateFile(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading scheduler state: %w", err)
	}

	st := newStateFile()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("parsing scheduler state: %w", err)
	}
	if st.Items == nil {
		st.Items = make(map[string]ItemRunState)
	}
	return st, nil
}

// saveState writes the state file atomically (temp file + rename) so a
// crash mid-write never corrupts the bookkeeping.
func saveState(path string, st *stateFile) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".scheduler-state-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
