// Package store provides crash-safe, file-backed persistence of recording
// session state: at most one active session plus an append-only map of
// finalized results. The on-disk representation is a single JSON document
// mutated only via write-to-temp-then-rename, so a reader never observes a
// torn file. An advisory file lock serializes read-modify-write cycles
// across processes on the same host.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"meetscribe/internal/probe"
)

var (
	// ErrRead indicates the state file exists but cannot be read or parsed.
	ErrRead = errors.New("failed to read recording state")

	// ErrWrite indicates the state file could not be persisted.
	ErrWrite = errors.New("failed to write recording state")
)

// document is the on-disk layout.
type document struct {
	ActiveRecording *ActiveRecording            `json:"active_recording,omitempty"`
	FinalizedTasks  map[string]*FinalizedResult `json:"finalized_tasks,omitempty"`
}

// Store owns the state document at a fixed path.
type Store struct {
	path string
	lock *flock.Flock
}

// New creates a store backed by the JSON document at path. The parent
// directory is created if needed.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create state directory: %v", ErrWrite, err)
	}
	return &Store{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

// Path returns the state file location.
func (s *Store) Path() string { return s.path }

func (s *Store) read() (*document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &document{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}
	doc := &document{}
	if err := json.Unmarshal(data, doc); err != nil {
		slog.Error("recording state file is corrupt", "path", s.path, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}
	return doc, nil
}

func (s *Store) write(doc *document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// GetActive returns the active session parsed into a Task, or nil when no
// session is active.
func (s *Store) GetActive() (*Task, error) {
	if err := s.lock.RLock(); err != nil {
		return nil, fmt.Errorf("%w: lock: %v", ErrRead, err)
	}
	defer s.lock.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	if doc.ActiveRecording == nil {
		return nil, nil
	}
	task := doc.ActiveRecording.Task()
	return &task, nil
}

// GetActiveRaw returns the full active entry including config, pids and the
// output directory, or nil when no session is active.
func (s *Store) GetActiveRaw() (*ActiveRecording, error) {
	if err := s.lock.RLock(); err != nil {
		return nil, fmt.Errorf("%w: lock: %v", ErrRead, err)
	}
	defer s.lock.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	return doc.ActiveRecording, nil
}

// SetActive replaces the active entry. Finalized results are preserved.
func (s *Store) SetActive(task Task, cfg *SessionConfig, pids map[string]int, outputDir string) error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("%w: lock: %v", ErrWrite, err)
	}
	defer s.lock.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	var startedAt *string
	if task.StartedAt != nil {
		v := FormatUTC(*task.StartedAt)
		startedAt = &v
	}
	doc.ActiveRecording = &ActiveRecording{
		ID:        task.ID,
		Status:    task.Status,
		StartedAt: startedAt,
		Config:    cfg,
		PIDs:      pids,
		OutputDir: outputDir,
	}
	return s.write(doc)
}

// ClearActive removes the active entry if present.
func (s *Store) ClearActive() error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("%w: lock: %v", ErrWrite, err)
	}
	defer s.lock.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	if doc.ActiveRecording == nil {
		return nil
	}
	doc.ActiveRecording = nil
	return s.write(doc)
}

// SaveFinalized records the terminal payload for a session and, when the
// active entry refers to the same session, clears it in the same atomic
// write.
func (s *Store) SaveFinalized(id string, result *FinalizedResult) error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("%w: lock: %v", ErrWrite, err)
	}
	defer s.lock.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	if doc.FinalizedTasks == nil {
		doc.FinalizedTasks = map[string]*FinalizedResult{}
	}
	doc.FinalizedTasks[id] = result
	if doc.ActiveRecording != nil && doc.ActiveRecording.ID == id {
		doc.ActiveRecording = nil
	}
	return s.write(doc)
}

// GetFinalized returns the finalized payload for a session id, or nil.
func (s *Store) GetFinalized(id string) (*FinalizedResult, error) {
	if err := s.lock.RLock(); err != nil {
		return nil, fmt.Errorf("%w: lock: %v", ErrRead, err)
	}
	defer s.lock.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	return doc.FinalizedTasks[id], nil
}

// FinalizedIDs lists all finalized session ids.
func (s *Store) FinalizedIDs() ([]string, error) {
	if err := s.lock.RLock(); err != nil {
		return nil, fmt.Errorf("%w: lock: %v", ErrRead, err)
	}
	defer s.lock.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(doc.FinalizedTasks))
	for id := range doc.FinalizedTasks {
		ids = append(ids, id)
	}
	return ids, nil
}

// FinalizedResult is the terminal payload for a session, written exactly
// once; later reads return the identical value.
type FinalizedResult struct {
	ID          string                     `json:"recording_task_id"`
	Status      Status                     `json:"status"`
	CompletedAt string                     `json:"completed_at"`
	Artifacts   map[string]*probe.Metadata `json:"artifacts"`
	AutoHandoff *HandoffResult             `json:"auto_handoff_result"`
	Warnings    []string                   `json:"warnings"`
	Error       *string                    `json:"error"`
}

// HandoffResult reports the outcome of the downstream-pipeline registration.
type HandoffResult struct {
	Started          bool    `json:"started"`
	ProcessingTaskID *string `json:"processing_task_id"`
	Message          string  `json:"message"`
}
