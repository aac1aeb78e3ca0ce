package capture

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript creates an executable shell script that ignores its arguments,
// standing in for the capture tool.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func testSupervisor(tool string) *Supervisor {
	s := NewSupervisor(tool)
	s.LivenessDelay = 100 * time.Millisecond
	s.pollInterval = 50 * time.Millisecond
	return s
}

func TestDeviceArg(t *testing.T) {
	assert.Equal(t, ":0", Device{Index: 0}.Arg())
	assert.Equal(t, ":2", Device{Index: 2, Label: "BlackHole 2ch"}.Arg())
}

func TestMixFilter(t *testing.T) {
	graph, mapArgs := MixFilter("audible_mix")
	assert.Contains(t, graph, "volume=0.707")
	assert.Contains(t, graph, "amix=inputs=2:duration=longest")
	assert.Equal(t, []string{"-map", "[a]", "-ac", "2"}, mapArgs)

	graph, mapArgs = MixFilter("separation")
	assert.Contains(t, graph, "channel_layouts=mono")
	assert.Contains(t, graph, "join=inputs=2:channel_layout=stereo")
	assert.Equal(t, []string{"-map", "[a]"}, mapArgs)
}

func TestSpawnImmediateExitReportsDeviceOpenError(t *testing.T) {
	tool := writeScript(t, `echo ":0: Input/output error" >&2; exit 1`)
	s := testSupervisor(tool)

	h, err := s.Spawn(context.Background(), Device{Index: 0}, 48000,
		filepath.Join(t.TempDir(), "mic.wav"))
	require.Error(t, err)
	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrDeviceOpen)
	assert.Contains(t, err.Error(), "Input/output error")
}

func TestSpawnImmediateExitNeverLosesDiagnostics(t *testing.T) {
	// The stderr reader must reach EOF before the child is reaped;
	// otherwise reaping closes the pipe mid-read and the error loses
	// the device diagnostics intermittently.
	tool := writeScript(t, `echo "cannot open device :0" >&2; exit 1`)
	s := testSupervisor(tool)
	s.LivenessDelay = 50 * time.Millisecond

	for i := 0; i < 100; i++ {
		_, err := s.Spawn(context.Background(), Device{Index: 0}, 48000,
			filepath.Join(t.TempDir(), "mic.wav"))
		require.Error(t, err)
		require.ErrorIs(t, err, ErrDeviceOpen)
		require.Contains(t, err.Error(), "cannot open device :0",
			"run %d dropped the process diagnostics", i)
	}
}

func TestSpawnHealthyProcess(t *testing.T) {
	tool := writeScript(t, `sleep 30`)
	s := testSupervisor(tool)

	h, err := s.Spawn(context.Background(), Device{Index: 1}, 48000,
		filepath.Join(t.TempDir(), "system.wav"))
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Greater(t, h.PID, 0)

	graceful, err := s.Terminate(h.PID, 2*time.Second, time.Second)
	require.NoError(t, err)
	assert.True(t, graceful)
}

func TestDrainDiagnosticsWritesLogFile(t *testing.T) {
	tool := writeScript(t, `echo "device opened" >&2
sleep 30`)
	s := testSupervisor(tool)

	h, err := s.Spawn(context.Background(), Device{Index: 0}, 48000,
		filepath.Join(t.TempDir(), "mic.wav"))
	require.NoError(t, err)
	defer s.Terminate(h.PID, time.Second, time.Second)

	logPath := filepath.Join(t.TempDir(), "logs", "mic.ffmpeg.log")
	s.DrainDiagnostics(h, logPath)

	// The buffered line is flushed when the drain attaches.
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(logPath)
		return err == nil && strings.Contains(string(data), "device opened")
	}, 2*time.Second, 50*time.Millisecond)
}

func TestTerminateAlreadyGoneIsSuccess(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	require.NoError(t, cmd.Wait())

	s := testSupervisor("ffmpeg")
	graceful, err := s.Terminate(pid, time.Second, time.Second)
	require.NoError(t, err)
	assert.True(t, graceful)
}

func TestTerminateEscalatesWhenInterruptIgnored(t *testing.T) {
	cmd := exec.Command("sh", "-c", `trap "" INT; sleep 30`)
	require.NoError(t, cmd.Start())
	defer cmd.Wait()

	s := testSupervisor("ffmpeg")
	graceful, err := s.Terminate(cmd.Process.Pid, 300*time.Millisecond, 2*time.Second)
	require.NoError(t, err)
	assert.False(t, graceful, "process trapping SIGINT must be reported as non-graceful")
}

func TestHandleDiagnosticsBuffered(t *testing.T) {
	tool := writeScript(t, `echo "line one" >&2
echo "line two" >&2
sleep 30`)
	s := testSupervisor(tool)

	h, err := s.Spawn(context.Background(), Device{Index: 0}, 48000,
		filepath.Join(t.TempDir(), "out.wav"))
	require.NoError(t, err)
	defer s.Terminate(h.PID, time.Second, time.Second)

	require.Eventually(t, func() bool {
		diag := h.Diagnostics()
		return strings.Contains(diag, "line one") && strings.Contains(diag, "line two")
	}, 2*time.Second, 50*time.Millisecond)
}
