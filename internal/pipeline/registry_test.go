package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterWritesTaskRecord(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "mixed.wav")
	require.NoError(t, os.WriteFile(artifact, []byte("audio"), 0o644))

	reg := NewRegistry(filepath.Join(dir, "spool"))
	id, err := reg.Register(context.Background(), artifact, "mixed.wav",
		map[string]string{"source": "recording", "recording_task_id": "rec-1"})
	require.NoError(t, err)
	assert.Regexp(t, `^proc-[0-9a-f-]{36}$`, id)

	data, err := os.ReadFile(filepath.Join(dir, "spool", id+".json"))
	require.NoError(t, err)
	var rec TaskRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, id, rec.ProcessingTaskID)
	assert.Equal(t, artifact, rec.FilePath)
	assert.Equal(t, "mixed.wav", rec.OriginalFilename)
	assert.Equal(t, "server_local", rec.InputType)
	assert.Equal(t, "rec-1", rec.Provenance["recording_task_id"])
	assert.NotEmpty(t, rec.RegisteredAt)
}

func TestRegisterMissingArtifact(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	_, err := reg.Register(context.Background(),
		filepath.Join(t.TempDir(), "gone.wav"), "gone.wav", nil)
	assert.Error(t, err)
}

func TestRegisterLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "mic.wav")
	require.NoError(t, os.WriteFile(artifact, []byte("audio"), 0o644))

	spool := filepath.Join(dir, "spool")
	reg := NewRegistry(spool)
	_, err := reg.Register(context.Background(), artifact, "mic.wav", nil)
	require.NoError(t, err)

	entries, err := os.ReadDir(spool)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestStartWritesReadyMarker(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "mic.wav")
	require.NoError(t, os.WriteFile(artifact, []byte("audio"), 0o644))

	spool := filepath.Join(dir, "spool")
	reg := NewRegistry(spool)
	id, err := reg.Register(context.Background(), artifact, "mic.wav", nil)
	require.NoError(t, err)

	reg.Start(id)
	marker := filepath.Join(spool, id+".ready")
	assert.Eventually(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, time.Second, 10*time.Millisecond)
}
