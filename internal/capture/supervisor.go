// Package capture spawns and supervises the external ffmpeg processes that
// perform the actual audio recording.
package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrDeviceOpen indicates the capture process exited immediately,
	// usually because the OS refused to open the device. The wrapped
	// message carries the process diagnostics.
	ErrDeviceOpen = errors.New("failed to open capture device")

	// ErrProcessStop indicates signal delivery failed for a reason other
	// than the process already being gone.
	ErrProcessStop = errors.New("failed to stop capture process")
)

// Device identifies a capture input by its platform-assigned index.
type Device struct {
	Index int
	Label string
}

// Arg renders the avfoundation device specifier.
func (d Device) Arg() string {
	return ":" + strconv.Itoa(d.Index)
}

// Handle tracks one spawned capture process.
type Handle struct {
	PID int

	cmd    *exec.Cmd
	stderr io.ReadCloser
	done   chan error

	// diagDone is closed once readStderr has drained the pipe. Wait
	// closes the stderr pipe, so the reaper must not run before this.
	diagDone chan struct{}

	mu      sync.Mutex
	diagBuf []byte
	logFile *os.File
}

// Supervisor launches capture processes and terminates them with two-phase
// timeout escalation.
type Supervisor struct {
	FFmpegPath string

	// LivenessDelay is how long Spawn waits before checking whether the
	// process died on startup.
	LivenessDelay time.Duration

	// pollInterval is the liveness poll cadence during Terminate.
	pollInterval time.Duration
}

func NewSupervisor(ffmpegPath string) *Supervisor {
	return &Supervisor{
		FFmpegPath:    ffmpegPath,
		LivenessDelay: 300 * time.Millisecond,
		pollInterval:  200 * time.Millisecond,
	}
}

// diagBufLimit caps the in-memory diagnostics kept per process.
const diagBufLimit = 64 * 1024

// Spawn launches a capture process recording the given device to outFile.
// After a short delay the process is checked for an immediate exit; a dead
// process yields ErrDeviceOpen carrying whatever it wrote to stderr.
func (s *Supervisor) Spawn(ctx context.Context, dev Device, sampleRate int, outFile string) (*Handle, error) {
	args := []string{
		"-hide_banner", "-nostats", "-loglevel", "error", "-nostdin", "-y",
		"-thread_queue_size", "4096",
		"-f", "avfoundation",
		"-i", dev.Arg(),
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		outFile,
	}
	return s.start(ctx, dev, args)
}

// SpawnMix launches a live-mix process capturing both devices at once and
// writing the combined track to outFile.
func (s *Supervisor) SpawnMix(ctx context.Context, mic, loopback Device, sampleRate int, policy string, outFile string) (*Handle, error) {
	graph, mapArgs := MixFilter(policy)
	args := []string{
		"-hide_banner", "-nostats", "-loglevel", "error", "-nostdin", "-y",
		"-thread_queue_size", "4096", "-f", "avfoundation", "-i", mic.Arg(),
		"-thread_queue_size", "4096", "-f", "avfoundation", "-i", loopback.Arg(),
		"-filter_complex", graph,
	}
	args = append(args, mapArgs...)
	args = append(args, "-ar", strconv.Itoa(sampleRate), outFile)
	return s.start(ctx, mic, args)
}

func (s *Supervisor) start(ctx context.Context, dev Device, args []string) (*Handle, error) {
	cmd := exec.Command(s.FFmpegPath, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	slog.Debug("spawning capture process", "device", dev.Arg(), "args", args)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start capture process: %w", err)
	}

	h := &Handle{
		PID:      cmd.Process.Pid,
		cmd:      cmd,
		stderr:   stderr,
		done:     make(chan error, 1),
		diagDone: make(chan struct{}),
	}
	go h.readStderr()
	go func() {
		// Wait closes the stderr pipe; reap only after the reader hit
		// EOF so no diagnostics are lost on an immediate exit.
		<-h.diagDone
		h.done <- cmd.Wait()
	}()

	// Liveness check: a device the OS refuses to open makes ffmpeg exit
	// within milliseconds. Catch that here instead of reporting a
	// recording that never started.
	select {
	case waitErr := <-h.done:
		diag := h.Diagnostics()
		slog.Error("capture process exited immediately",
			"device", dev.Arg(), "pid", h.PID, "error", waitErr, "stderr", diag)
		return nil, fmt.Errorf("%w %s: %s", ErrDeviceOpen, dev.Arg(), diag)
	case <-time.After(s.LivenessDelay):
	}
	if err := ctx.Err(); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}
	return h, nil
}

// readStderr copies process diagnostics into a bounded buffer and, once
// DrainDiagnostics attached a log file, into that file as well.
func (h *Handle) readStderr() {
	defer close(h.diagDone)
	scanner := bufio.NewScanner(h.stderr)
	for scanner.Scan() {
		line := scanner.Bytes()
		h.mu.Lock()
		if len(h.diagBuf) < diagBufLimit {
			h.diagBuf = append(h.diagBuf, line...)
			h.diagBuf = append(h.diagBuf, '\n')
		}
		if h.logFile != nil {
			if _, err := h.logFile.Write(append(line, '\n')); err != nil {
				slog.Warn("failed to write capture log", "pid", h.PID, "error", err)
				h.logFile.Close()
				h.logFile = nil
			}
		}
		h.mu.Unlock()
	}
	h.mu.Lock()
	if h.logFile != nil {
		h.logFile.Close()
		h.logFile = nil
	}
	h.mu.Unlock()
}

// Diagnostics returns the stderr captured so far.
func (h *Handle) Diagnostics() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return string(h.diagBuf)
}

// DrainDiagnostics routes the process's diagnostic stream to logPath for the
// lifetime of the process. Failures are logged, never surfaced: losing a log
// file must not take down a recording.
func (s *Supervisor) DrainDiagnostics(h *Handle, logPath string) {
	if h == nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		slog.Warn("failed to create capture log directory", "path", logPath, "error", err)
		return
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Warn("failed to open capture log", "path", logPath, "error", err)
		return
	}
	h.mu.Lock()
	if _, werr := f.Write(h.diagBuf); werr != nil {
		slog.Warn("failed to write buffered diagnostics", "path", logPath, "error", werr)
	}
	h.logFile = f
	h.mu.Unlock()
}

// Terminate stops the process with pid using two-phase escalation: SIGINT and
// up to grace of waiting, then SIGTERM and up to force of waiting. Returns
// whether the process exited within the graceful phase. A process that is
// already gone counts as a graceful success.
func (s *Supervisor) Terminate(pid int, grace, force time.Duration) (bool, error) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true, nil
	}

	if err := proc.Signal(syscall.SIGINT); err != nil {
		if processGoneErr(err) {
			return true, nil
		}
		return false, fmt.Errorf("%w: interrupt pid %d: %v", ErrProcessStop, pid, err)
	}
	if s.waitGone(proc, grace) {
		return true, nil
	}

	slog.Warn("capture process ignored interrupt, escalating", "pid", pid)
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if processGoneErr(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: terminate pid %d: %v", ErrProcessStop, pid, err)
	}
	s.waitGone(proc, force)
	return false, nil
}

// waitGone polls until the process no longer accepts signal 0 or the timeout
// elapses.
func (s *Supervisor) waitGone(proc *os.Process, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(s.pollInterval)
	}
}

func processGoneErr(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}

// SynthesizeMix combines two finished track files into a mixed output using
// the same filter graph as the live-mix path. Runs to completion.
func (s *Supervisor) SynthesizeMix(ctx context.Context, micFile, systemFile, outFile, policy string) error {
	graph, mapArgs := MixFilter(policy)
	args := []string{
		"-y", "-loglevel", "error",
		"-i", micFile, "-i", systemFile,
		"-filter_complex", graph,
	}
	args = append(args, mapArgs...)
	args = append(args, outFile)

	cmd := exec.CommandContext(ctx, s.FFmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("mix synthesis failed: %w (output: %s)", err, string(out))
	}
	return nil
}

// MixFilter returns the filter graph and output mapping arguments for a mix
// policy. audible_mix attenuates both inputs by -3 dB and sums them;
// separation places each mono source on its own stereo channel.
func MixFilter(policy string) (string, []string) {
	if policy == "audible_mix" {
		return "[0:a]volume=0.707[a0];[1:a]volume=0.707[a1];[a0][a1]amix=inputs=2:duration=longest[a]",
			[]string{"-map", "[a]", "-ac", "2"}
	}
	return "[0:a]aformat=channel_layouts=mono[a0];[1:a]aformat=channel_layouts=mono[a1];[a0][a1]join=inputs=2:channel_layout=stereo[a]",
		[]string{"-map", "[a]"}
}
