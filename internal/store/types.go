package store

import (
	"log/slog"
	"time"

	"meetscribe/internal/device"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusRecording  Status = "recording"
	StatusFinalizing Status = "finalizing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Task is the parsed view of the active session used for lifecycle guards.
type Task struct {
	ID        string
	Status    Status
	StartedAt *time.Time
}

// ActiveRecording is the persisted active-session entry.
type ActiveRecording struct {
	ID        string         `json:"recording_task_id"`
	Status    Status         `json:"status"`
	StartedAt *string        `json:"started_at"`
	Config    *SessionConfig `json:"config,omitempty"`
	PIDs      map[string]int `json:"pids,omitempty"`
	OutputDir string         `json:"output_dir,omitempty"`
}

// Task converts the raw entry into a Task, parsing the start timestamp
// tolerantly. An unparseable timestamp degrades to nil rather than failing:
// status() treats such sessions as inconsistent, never as errors.
func (a *ActiveRecording) Task() Task {
	t := Task{ID: a.ID, Status: a.Status}
	if a.StartedAt != nil && *a.StartedAt != "" {
		t.StartedAt = ParseTimestamp(*a.StartedAt)
	}
	return t
}

// SessionConfig is the capture configuration persisted with the session.
type SessionConfig struct {
	SeparateTracks bool        `json:"separate_tracks"`
	CreateMixed    bool        `json:"create_mixed"`
	SampleRate     int         `json:"sample_rate"`
	Format         string      `json:"format"`
	MixPolicy      string      `json:"mix_policy,omitempty"`
	DeviceMap      *device.Map `json:"device_map,omitempty"`
}

// FormatUTC renders a timestamp as RFC3339 UTC with a Z suffix.
func FormatUTC(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp accepts RFC3339 timestamps with Z or numeric offsets; a
// naive timestamp is assumed UTC with a logged warning. Returns nil when the
// value cannot be interpreted.
func ParseTimestamp(raw string) *time.Time {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		utc := t.UTC()
		return &utc
	}
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", raw); err == nil {
		slog.Warn("session timestamp has no timezone, assuming UTC", "value", raw)
		utc := t.UTC()
		return &utc
	}
	slog.Warn("failed to parse session timestamp, treating as missing", "value", raw)
	return nil
}
