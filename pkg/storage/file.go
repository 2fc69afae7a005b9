package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/relaypilot/relaypilot/pkg/types"
)

// FileStore implements Store on the local filesystem: one JSON state document
// plus an append-only JSONL action log.
type FileStore struct {
	statePath   string
	actionsPath string

	mu sync.Mutex
}

// configuredFile sets up the file provider flags.
func configuredFile() *FileStore {
	statePath := lflag.String("state-file", "relaypilot_state.json", "Path of the persisted state file")
	actionsPath := lflag.String("action-log", "", "Path of the action log (default: <state-file dir>/relaypilot_actions.jsonl)")

	f := &FileStore{}

	lflag.Do(func() {
		f.statePath = *statePath
		f.actionsPath = *actionsPath
		if f.actionsPath == "" {
			f.actionsPath = filepath.Join(filepath.Dir(f.statePath), "relaypilot_actions.jsonl")
		}
	})

	return f
}

// NewFileStore creates a FileStore at the given paths, mainly for tests and
// the simulator.
func NewFileStore(statePath, actionsPath string) *FileStore {
	return &FileStore{statePath: statePath, actionsPath: actionsPath}
}

// Validate checks if the provider is properly configured.
func (f *FileStore) Validate() error {
	if f.statePath == "" {
		return fmt.Errorf("state file path cannot be empty")
	}
	return nil
}

// LoadState reads and decodes the state file. A missing file is not an error.
func (f *FileStore) LoadState(ctx context.Context, deviceName string) (*StateFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.statePath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", f.statePath, err)
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", f.statePath, err)
	}
	cleaned, err := json.Marshal(stripDatatypeHints(decoded))
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode state file: %w", err)
	}

	var state StateFile
	if err := json.Unmarshal(cleaned, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state file %s: %w", f.statePath, err)
	}
	if state.StateFileType != types.StateFileType {
		return nil, fmt.Errorf("state file %s has unexpected type %q", f.statePath, state.StateFileType)
	}
	if state.SchemaVersion > types.SchemaVersion {
		return nil, fmt.Errorf("state file %s has schema version %d, newer than %d", f.statePath, state.SchemaVersion, types.SchemaVersion)
	}
	return &state, nil
}

// SaveState writes the state document atomically (temp file + rename), adding
// the datatype hints.
func (f *FileStore) SaveState(ctx context.Context, state StateFile) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if state.SchemaVersion == 0 {
		state.SchemaVersion = types.SchemaVersion
	}
	if state.StateFileType == "" {
		state.StateFileType = types.StateFileType
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("failed to decode state for hinting: %w", err)
	}
	hinted, err := json.MarshalIndent(addDatatypeHints(decoded), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal hinted state: %w", err)
	}

	tmp := f.statePath + ".tmp"
	if err := os.WriteFile(tmp, hinted, 0o644); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.statePath); err != nil {
		return fmt.Errorf("failed to replace state file %s: %w", f.statePath, err)
	}
	return nil
}

// InsertAction appends one record to the action log.
func (f *FileStore) InsertAction(ctx context.Context, deviceName string, rec ActionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal action record: %w", err)
	}
	file, err := os.OpenFile(f.actionsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open action log %s: %w", f.actionsPath, err)
	}
	defer file.Close()
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append to action log %s: %w", f.actionsPath, err)
	}
	return nil
}

// GetActionHistory scans the action log for records in [start, end).
func (f *FileStore) GetActionHistory(ctx context.Context, deviceName string, start, end time.Time) ([]ActionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.actionsPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open action log %s: %w", f.actionsPath, err)
	}
	defer file.Close()

	var records []ActionRecord
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var rec ActionRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("corrupt action log line: %w", err)
		}
		if rec.Timestamp.Before(start) || !rec.Timestamp.Before(end) {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan action log %s: %w", f.actionsPath, err)
	}
	return records, nil
}

// Close is a no-op for the file provider.
func (f *FileStore) Close() error {
	return nil
}
