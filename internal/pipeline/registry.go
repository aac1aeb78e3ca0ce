// Package pipeline is the boundary to the downstream audio-processing
// service. The capture side only registers finished artifacts; analysis of
// the audio happens elsewhere.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// TaskRecord is the registration payload handed to the processing service.
type TaskRecord struct {
	ProcessingTaskID string            `json:"processing_task_id"`
	FilePath         string            `json:"file_path"`
	OriginalFilename string            `json:"original_filename"`
	InputType        string            `json:"input_type"`
	Provenance       map[string]string `json:"provenance"`
	RegisteredAt     string            `json:"registered_at"`
}

// Registry queues processing tasks as JSON records in a spool directory that
// the processing service consumes.
type Registry struct {
	dir string
}

func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir}
}

// Register records a server-local file for downstream processing and returns
// the new processing task id.
func (r *Registry) Register(ctx context.Context, filePath, originalFilename string, provenance map[string]string) (string, error) {
	if _, err := os.Stat(filePath); err != nil {
		return "", fmt.Errorf("artifact not readable: %w", err)
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create processing spool: %w", err)
	}

	taskID := "proc-" + uuid.New().String()
	rec := TaskRecord{
		ProcessingTaskID: taskID,
		FilePath:         filePath,
		OriginalFilename: originalFilename,
		InputType:        "server_local",
		Provenance:       provenance,
		RegisteredAt:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize processing task: %w", err)
	}

	path := filepath.Join(r.dir, taskID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write processing task: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to publish processing task: %w", err)
	}
	slog.Info("registered artifact for processing",
		"processing_task_id", taskID, "file", filePath, "provenance", provenance)
	return taskID, nil
}

// Start kicks off processing for a registered task. It is fire-and-forget:
// the processing service owns the task from registration onward, so this
// only signals availability and logs failures.
func (r *Registry) Start(taskID string) {
	go func() {
		marker := filepath.Join(r.dir, taskID+".ready")
		if err := os.WriteFile(marker, nil, 0o644); err != nil {
			slog.Error("failed to signal processing start", "processing_task_id", taskID, "error", err)
			return
		}
		slog.Debug("processing task signalled", "processing_task_id", taskID)
	}()
}
