// Package session orchestrates the recording lifecycle: device resolution,
// capture process supervision, artifact probing and durable state, tied
// together by the idle → recording → finalizing → {completed, error} state
// machine. The state store is the single source of truth; no in-memory
// registry is authoritative.
package session

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"meetscribe/internal/capture"
	"meetscribe/internal/config"
	"meetscribe/internal/device"
	"meetscribe/internal/probe"
	"meetscribe/internal/store"
)

// DeviceResolver resolves which input indices to record from.
type DeviceResolver interface {
	Resolve(ctx context.Context, loopbackHint string, ignorePatterns []string, micHint string) (*device.Map, error)
}

// ProcessSupervisor manages the external capture processes.
type ProcessSupervisor interface {
	Spawn(ctx context.Context, dev capture.Device, sampleRate int, outFile string) (*capture.Handle, error)
	SpawnMix(ctx context.Context, mic, loopback capture.Device, sampleRate int, policy, outFile string) (*capture.Handle, error)
	DrainDiagnostics(h *capture.Handle, logPath string)
	Terminate(pid int, grace, force time.Duration) (bool, error)
	SynthesizeMix(ctx context.Context, micFile, systemFile, outFile, policy string) error
}

// ArtifactProber describes finished recordings.
type ArtifactProber interface {
	Probe(ctx context.Context, path string) probe.Metadata
}

// Handoff registers finished artifacts with the downstream processing
// pipeline.
type Handoff interface {
	Register(ctx context.Context, filePath, originalFilename string, provenance map[string]string) (string, error)
	Start(taskID string)
}

// StartConfig is the per-session capture configuration.
type StartConfig struct {
	SeparateTracks bool   `json:"separate_tracks"`
	CreateMixed    bool   `json:"create_mixed"`
	SampleRate     int    `json:"sample_rate"`
	Format         string `json:"format"`
}

// StartResult describes a newly started session.
type StartResult struct {
	Task      store.Task
	Config    StartConfig
	OutputDir string
}

// StatusView is the global recording status.
type StatusView struct {
	State           string   `json:"state"`
	RecordingTaskID *string  `json:"recording_task_id"`
	ElapsedSeconds  *float64 `json:"elapsed_seconds"`
}

// ActiveDetail is the synthesized in-progress view returned by Detail for a
// session that has not finalized yet.
type ActiveDetail struct {
	ID          string                     `json:"recording_task_id"`
	Status      store.Status               `json:"status"`
	StartedAt   *string                    `json:"started_at"`
	CompletedAt *string                    `json:"completed_at"`
	Artifacts   map[string]*probe.Metadata `json:"artifacts"`
	Warnings    []string                   `json:"warnings"`
	Error       *string                    `json:"error"`
	Config      *store.SessionConfig       `json:"config,omitempty"`
	History     []HistoryEntry             `json:"history"`
}

type HistoryEntry struct {
	State string  `json:"state"`
	At    *string `json:"at"`
}

// Track names; the mixed artifact key differs from its pid key.
const (
	trackMic    = "mic"
	trackSystem = "system"
	trackMix    = "mix"

	artifactMic    = "mic"
	artifactSystem = "system"
	artifactMixed  = "mixed"
)

// Manager implements the recording session lifecycle.
type Manager struct {
	cfg     *config.Config
	store   *store.Store
	devices DeviceResolver
	procs   ProcessSupervisor
	prober  ArtifactProber
	handoff Handoff

	// now is replaced in tests.
	now func() time.Time
}

func NewManager(cfg *config.Config, st *store.Store, devices DeviceResolver, procs ProcessSupervisor, prober ArtifactProber, handoff Handoff) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   st,
		devices: devices,
		procs:   procs,
		prober:  prober,
		handoff: handoff,
		now:     time.Now,
	}
}

// DefaultStartConfig returns the configured capture defaults.
func (m *Manager) DefaultStartConfig() StartConfig {
	return StartConfig{
		SeparateTracks: true,
		CreateMixed:    true,
		SampleRate:     m.cfg.Audio.SampleRate,
		Format:         m.cfg.Audio.Format,
	}
}

func newSessionID() string {
	u := uuid.New()
	return "rec-" + hex.EncodeToString(u[:])
}

// Start begins a new recording session. While another session is recording
// it fails with ErrConflict and spawns nothing. Any spawn failure terminates
// the sibling processes already started before the error propagates.
func (m *Manager) Start(ctx context.Context, cfg StartConfig) (*StartResult, error) {
	active, err := m.store.GetActive()
	if err != nil {
		return nil, err
	}
	if active != nil && active.Status == store.StatusRecording && active.StartedAt != nil {
		slog.Info("rejecting start, recording already active", "active_id", active.ID)
		return nil, fmt.Errorf("%w: %s", ErrConflict, active.ID)
	}

	id := newSessionID()
	outDir := filepath.Join(m.cfg.RecordingsDir(), id)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	dm, err := m.devices.Resolve(ctx,
		m.cfg.Recording.LoopbackDeviceName, m.cfg.IgnorePatterns(), m.cfg.Recording.MicNameHint)
	if err != nil {
		return nil, err
	}
	micIdx, loopIdx := dm.MicIndex, dm.LoopbackIndex
	if m.cfg.Recording.MicIndex >= 0 {
		micIdx = m.cfg.Recording.MicIndex
	}
	if m.cfg.Recording.LoopbackIndex >= 0 {
		loopIdx = m.cfg.Recording.LoopbackIndex
	}
	slog.Info("recording device map resolved",
		"mic_index", micIdx, "mic_name", dm.DeviceNames[micIdx],
		"loopback_index", loopIdx, "loopback_name", dm.DeviceNames[loopIdx])

	micDev := capture.Device{Index: micIdx, Label: dm.DeviceNames[micIdx]}
	loopDev := capture.Device{Index: loopIdx, Label: dm.DeviceNames[loopIdx]}

	var handles []*capture.Handle
	cleanup := func() {
		for _, h := range handles {
			if _, terr := m.procs.Terminate(h.PID, time.Second, time.Second); terr != nil {
				slog.Warn("failed to clean up capture process", "pid", h.PID, "error", terr)
			}
		}
	}

	micHandle, err := m.procs.Spawn(ctx, micDev, cfg.SampleRate, m.trackFile(outDir, trackMic, cfg.Format))
	if err != nil {
		return nil, err
	}
	handles = append(handles, micHandle)

	sysHandle, err := m.procs.Spawn(ctx, loopDev, cfg.SampleRate, m.trackFile(outDir, trackSystem, cfg.Format))
	if err != nil {
		cleanup()
		return nil, err
	}
	handles = append(handles, sysHandle)

	m.procs.DrainDiagnostics(micHandle, filepath.Join(outDir, "mic.ffmpeg.log"))
	m.procs.DrainDiagnostics(sysHandle, filepath.Join(outDir, "system.ffmpeg.log"))

	var mixHandle *capture.Handle
	if cfg.CreateMixed && m.cfg.Recording.UseLiveMix {
		mixHandle, err = m.procs.SpawnMix(ctx, micDev, loopDev, cfg.SampleRate,
			m.cfg.Recording.MixPolicy, filepath.Join(outDir, "mixed."+cfg.Format))
		if err != nil {
			cleanup()
			return nil, err
		}
		handles = append(handles, mixHandle)
		m.procs.DrainDiagnostics(mixHandle, filepath.Join(outDir, "mixed.ffmpeg.log"))
	}

	startedAt := m.now().UTC()
	task := store.Task{ID: id, Status: store.StatusRecording, StartedAt: &startedAt}
	pids := map[string]int{
		trackMic:    micHandle.PID,
		trackSystem: sysHandle.PID,
	}
	if mixHandle != nil {
		pids[trackMix] = mixHandle.PID
	}
	sessionCfg := &store.SessionConfig{
		SeparateTracks: cfg.SeparateTracks,
		CreateMixed:    cfg.CreateMixed,
		SampleRate:     cfg.SampleRate,
		Format:         cfg.Format,
		MixPolicy:      m.cfg.Recording.MixPolicy,
		DeviceMap: &device.Map{
			LoopbackIndex: loopIdx,
			MicIndex:      micIdx,
			DeviceNames:   dm.DeviceNames,
		},
	}
	if err := m.store.SetActive(task, sessionCfg, pids, outDir); err != nil {
		cleanup()
		return nil, err
	}

	slog.Info("recording started",
		"id", id, "sample_rate", cfg.SampleRate, "format", cfg.Format,
		"output_dir", outDir, "pids", pids)
	return &StartResult{Task: task, Config: cfg, OutputDir: outDir}, nil
}

func (m *Manager) trackFile(outDir, track, format string) string {
	return filepath.Join(outDir, track+"."+format)
}

// Stop finalizes the session with the given id. It is idempotent: once a
// finalized result exists, later calls return it unchanged without repeating
// any side effect.
func (m *Manager) Stop(ctx context.Context, id string, autoHandoff bool, preferredArtifact string) (*store.FinalizedResult, error) {
	if finalized, err := m.store.GetFinalized(id); err != nil {
		return nil, err
	} else if finalized != nil {
		slog.Debug("stop replaying finalized result", "id", id)
		return finalized, nil
	}

	raw, err := m.store.GetActiveRaw()
	if err != nil {
		return nil, err
	}
	if raw == nil || raw.ID != id || raw.Status != store.StatusRecording {
		return nil, fmt.Errorf("%w: %s", ErrNotActive, id)
	}

	cfg := startConfigFromStored(raw.Config, m.cfg)
	outDir := raw.OutputDir
	if outDir == "" {
		outDir = filepath.Join(m.cfg.RecordingsDir(), id)
	}
	slog.Info("stopping recording", "id", id, "output_dir", outDir, "pids", raw.PIDs)

	// The session leaves the recording state now; it is archived as
	// completed or error below.
	slog.Debug("session finalizing", "id", id)

	var warnings []string
	for _, track := range []string{trackMic, trackSystem, trackMix} {
		pid, ok := raw.PIDs[track]
		if !ok || pid <= 0 {
			continue
		}
		graceful, terr := m.procs.Terminate(pid, m.cfg.StopGrace(), m.cfg.StopForce())
		if terr != nil {
			slog.Warn("failed to stop capture process", "track", track, "pid", pid, "error", terr)
			warnings = append(warnings, track+"_stop_error")
			continue
		}
		if !graceful {
			slog.Warn("capture process required forced termination", "track", track, "pid", pid)
			warnings = append(warnings, track+"_terminate_timeout")
		}
	}

	micFile := m.trackFile(outDir, trackMic, cfg.Format)
	sysFile := m.trackFile(outDir, trackSystem, cfg.Format)
	mixedFile := filepath.Join(outDir, "mixed."+cfg.Format)

	if cfg.CreateMixed && !fileNonEmpty(mixedFile) {
		m.synthesizeMixed(ctx, raw.Config, micFile, sysFile, mixedFile)
	}

	artifacts := map[string]*probe.Metadata{
		artifactMic:    nil,
		artifactSystem: nil,
		artifactMixed:  nil,
	}
	if fileNonEmpty(micFile) {
		meta := m.prober.Probe(ctx, micFile)
		artifacts[artifactMic] = &meta
	} else {
		warnings = append(warnings, "mic_missing")
	}
	if fileNonEmpty(sysFile) {
		meta := m.prober.Probe(ctx, sysFile)
		artifacts[artifactSystem] = &meta
	} else {
		warnings = append(warnings, "system_missing")
	}
	if fileNonEmpty(mixedFile) {
		meta := m.prober.Probe(ctx, mixedFile)
		artifacts[artifactMixed] = &meta
	} else if cfg.CreateMixed {
		warnings = append(warnings, "mixed_missing")
	}

	if mismatch(artifacts[artifactMic], artifacts[artifactSystem]) {
		warnings = append(warnings, "duration_mismatch")
	}

	status := store.StatusCompleted
	var errTag *string
	if artifacts[artifactMic] == nil && artifacts[artifactSystem] == nil {
		status = store.StatusError
		tag := "no_artifacts_created"
		errTag = &tag
	}

	var handoffResult *store.HandoffResult
	if autoHandoff {
		handoffResult = m.runHandoff(ctx, id, artifacts, preferredArtifact)
	}

	if warnings == nil {
		warnings = []string{}
	}
	result := &store.FinalizedResult{
		ID:          id,
		Status:      status,
		CompletedAt: store.FormatUTC(m.now()),
		Artifacts:   artifacts,
		AutoHandoff: handoffResult,
		Warnings:    warnings,
		Error:       errTag,
	}

	if err := m.store.SaveFinalized(id, result); err != nil {
		return nil, err
	}

	slog.Info("recording stopped", "id", id, "status", status, "warnings", warnings, "output_dir", outDir)
	return result, nil
}

// synthesizeMixed builds the mixed track offline from the finished mic and
// system files. Failure only costs the mixed artifact, never the stop call.
func (m *Manager) synthesizeMixed(ctx context.Context, stored *store.SessionConfig, micFile, sysFile, mixedFile string) {
	if !fileNonEmpty(micFile) || !fileNonEmpty(sysFile) {
		return
	}
	policy := m.cfg.Recording.MixPolicy
	if stored != nil && stored.MixPolicy != "" {
		policy = stored.MixPolicy
	}
	if err := m.procs.SynthesizeMix(ctx, micFile, sysFile, mixedFile, policy); err != nil {
		slog.Warn("failed to create mixed track", "error", err)
	}
}

// runHandoff selects an artifact by preference order and registers it with
// the downstream pipeline. Handoff problems are reported in the payload and
// never fail the stop call.
func (m *Manager) runHandoff(ctx context.Context, id string, artifacts map[string]*probe.Metadata, preferred string) *store.HandoffResult {
	if preferred == "" {
		preferred = artifactMixed
	}
	order := []string{preferred, artifactMixed, artifactSystem, artifactMic}

	var chosen *probe.Metadata
	chosenKey := ""
	for _, key := range order {
		if a := artifacts[key]; a.Exists() {
			chosen = a
			chosenKey = key
			break
		}
	}
	if chosen == nil {
		return &store.HandoffResult{
			Started: false,
			Message: "No suitable artifact available for handoff",
		}
	}

	taskID, err := m.handoff.Register(ctx, chosen.Path, filepath.Base(chosen.Path), map[string]string{
		"source":            "recording",
		"recording_task_id": id,
	})
	if err != nil {
		slog.Error("auto-handoff failed", "id", id, "error", err)
		return &store.HandoffResult{
			Started: false,
			Message: fmt.Sprintf("Auto-handoff failed: %v", err),
		}
	}
	m.handoff.Start(taskID)
	return &store.HandoffResult{
		Started:          true,
		ProcessingTaskID: &taskID,
		Message:          fmt.Sprintf("Registered server-local file for processing (%s)", chosenKey),
	}
}

// Status reports the global recording state. An active entry marked
// recording without a valid start time is inconsistent and reported as idle
// with a logged warning, never as an error.
func (m *Manager) Status() (*StatusView, error) {
	task, err := m.store.GetActive()
	if err != nil {
		return nil, err
	}
	idle := &StatusView{State: "idle"}
	if task == nil {
		return idle, nil
	}
	if task.Status != store.StatusRecording {
		return idle, nil
	}
	if task.StartedAt == nil {
		slog.Warn("active session marked recording without a start time, reporting idle", "id", task.ID)
		return idle, nil
	}

	elapsed := m.now().Sub(*task.StartedAt).Seconds()
	if elapsed < 0 {
		slog.Warn("active session started in the future, clamping elapsed to zero", "id", task.ID)
		elapsed = 0
	}
	id := task.ID
	return &StatusView{
		State:           "recording",
		RecordingTaskID: &id,
		ElapsedSeconds:  &elapsed,
	}, nil
}

// Detail returns the finalized result for id, or a synthesized in-progress
// view when id is the active session. The return value is JSON-marshalable.
func (m *Manager) Detail(id string) (any, error) {
	finalized, err := m.store.GetFinalized(id)
	if err != nil {
		return nil, err
	}
	if finalized != nil {
		return finalized, nil
	}

	raw, err := m.store.GetActiveRaw()
	if err != nil {
		return nil, err
	}
	if raw == nil || raw.ID != id {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	status := raw.Status
	if status == "" {
		status = store.StatusRecording
	}
	return &ActiveDetail{
		ID:        id,
		Status:    status,
		StartedAt: raw.StartedAt,
		Artifacts: map[string]*probe.Metadata{
			artifactMic:    nil,
			artifactSystem: nil,
			artifactMixed:  nil,
		},
		Warnings: []string{},
		Config:   raw.Config,
		History: []HistoryEntry{
			{State: string(store.StatusRecording), At: raw.StartedAt},
		},
	}, nil
}

// ArtifactPath resolves a finalized artifact to a file on disk for download.
// key "best" (or empty) prefers mixed, then system, then mic.
func (m *Manager) ArtifactPath(id, key string) (path, resolvedKey string, err error) {
	finalized, err := m.store.GetFinalized(id)
	if err != nil {
		return "", "", err
	}
	if finalized == nil {
		return "", "", fmt.Errorf("%w: %s is not finalized", ErrNotFound, id)
	}

	if key == "" || key == "best" {
		for _, k := range []string{artifactMixed, artifactSystem, artifactMic} {
			if a := finalized.Artifacts[k]; a != nil && a.Path != "" {
				key = k
				break
			}
		}
		if key == "" || key == "best" {
			return "", "", fmt.Errorf("%w: no artifact available for %s", ErrNotFound, id)
		}
	}

	a := finalized.Artifacts[key]
	if a == nil || a.Path == "" {
		return "", "", fmt.Errorf("%w: artifact %q not available for %s", ErrNotFound, key, id)
	}
	if _, serr := os.Stat(a.Path); serr != nil {
		return "", "", fmt.Errorf("%w: artifact %q missing on disk", ErrNotFound, key)
	}
	return a.Path, key, nil
}

func startConfigFromStored(stored *store.SessionConfig, app *config.Config) StartConfig {
	cfg := StartConfig{
		SeparateTracks: true,
		CreateMixed:    true,
		SampleRate:     app.Audio.SampleRate,
		Format:         app.Audio.Format,
	}
	if stored != nil {
		cfg.SeparateTracks = stored.SeparateTracks
		cfg.CreateMixed = stored.CreateMixed
		if stored.SampleRate > 0 {
			cfg.SampleRate = stored.SampleRate
		}
		if stored.Format != "" {
			cfg.Format = stored.Format
		}
	}
	return cfg
}

func fileNonEmpty(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Size() > 0
}

// mismatch reports whether both tracks carry durations differing by more
// than two seconds, which signals capture drift or dropped audio.
func mismatch(mic, system *probe.Metadata) bool {
	if mic == nil || system == nil || mic.DurationSeconds == nil || system.DurationSeconds == nil {
		return false
	}
	dMic, dSys := *mic.DurationSeconds, *system.DurationSeconds
	if dMic == 0 || dSys == 0 {
		return false
	}
	diff := dMic - dSys
	if diff < 0 {
		diff = -diff
	}
	return diff > 2.0
}
