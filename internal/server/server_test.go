package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetscribe/internal/capture"
	"meetscribe/internal/config"
	"meetscribe/internal/device"
	"meetscribe/internal/probe"
	"meetscribe/internal/session"
	"meetscribe/internal/store"
)

type stubResolver struct{}

func (stubResolver) Resolve(ctx context.Context, hint string, ignore []string, micHint string) (*device.Map, error) {
	return &device.Map{
		LoopbackIndex: 1,
		MicIndex:      0,
		DeviceNames:   map[int]string{0: "Mic", 1: "BlackHole 2ch"},
	}, nil
}

type stubProcs struct{ pid int }

func (p *stubProcs) Spawn(ctx context.Context, dev capture.Device, rate int, outFile string) (*capture.Handle, error) {
	if err := os.WriteFile(outFile, []byte("RIFFdata"), 0o644); err != nil {
		return nil, err
	}
	p.pid++
	return &capture.Handle{PID: 2000 + p.pid}, nil
}

func (p *stubProcs) SpawnMix(ctx context.Context, mic, loopback capture.Device, rate int, policy, outFile string) (*capture.Handle, error) {
	return p.Spawn(ctx, mic, rate, outFile)
}

func (p *stubProcs) DrainDiagnostics(h *capture.Handle, logPath string) {}

func (p *stubProcs) Terminate(pid int, grace, force time.Duration) (bool, error) {
	return true, nil
}

func (p *stubProcs) SynthesizeMix(ctx context.Context, micFile, sysFile, outFile, policy string) error {
	return os.WriteFile(outFile, []byte("mixed"), 0o644)
}

type stubProber struct{}

func (stubProber) Probe(ctx context.Context, path string) probe.Metadata {
	meta := probe.Metadata{Path: path}
	if fi, err := os.Stat(path); err == nil {
		size := fi.Size()
		meta.SizeBytes = &size
	}
	return meta
}

type stubHandoff struct{}

func (stubHandoff) Register(ctx context.Context, filePath, origName string, prov map[string]string) (string, error) {
	return "proc-1", nil
}

func (stubHandoff) Start(taskID string) {}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	cfg := &config.Config{
		Workspace: t.TempDir(),
		Server:    config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Audio:     config.AudioConfig{SampleRate: 48000, Format: "wav"},
		Recording: config.RecordingConfig{
			MicIndex:         -1,
			LoopbackIndex:    -1,
			MixPolicy:        config.MixPolicyAudible,
			StopGraceSeconds: 0.1,
			StopForceSeconds: 0.1,
		},
	}
	st, err := store.New(cfg.StateFile())
	require.NoError(t, err)
	mgr := session.NewManager(cfg, st, stubResolver{}, &stubProcs{}, stubProber{}, stubHandoff{})
	return New(cfg, mgr), st
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusIdle(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/recordings/status", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var view session.StatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "idle", view.State)
	assert.Nil(t, view.RecordingTaskID)
}

func TestStartStopRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/recordings/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var started StartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	assert.Regexp(t, `^rec-[0-9a-f]{32}$`, started.RecordingTaskID)
	assert.Equal(t, store.StatusRecording, started.Status)
	require.NotNil(t, started.StartedAt)

	rec = doJSON(t, h, http.MethodGet, "/api/recordings/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view session.StatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "recording", view.State)

	rec = doJSON(t, h, http.MethodPost, "/api/recordings/stop",
		StopRequest{RecordingTaskID: started.RecordingTaskID})
	require.Equal(t, http.StatusOK, rec.Code)
	var final store.FinalizedResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &final))
	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.NotNil(t, final.Artifacts["mic"])
}

func TestStartConflictReturns409(t *testing.T) {
	srv, st := newTestServer(t)
	now := time.Now().UTC()
	require.NoError(t, st.SetActive(
		store.Task{ID: "rec-busy", Status: store.StatusRecording, StartedAt: &now}, nil, nil, ""))

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/recordings/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "rec-busy")
}

func TestStopWithoutIDTargetsActive(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/recordings/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/recordings/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var final store.FinalizedResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &final))
	assert.Equal(t, store.StatusCompleted, final.Status)
}

func TestStopWithoutActiveReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/recordings/stop", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopUnknownIDReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/recordings/stop",
		StopRequest{RecordingTaskID: "rec-missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDetailUnknownReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/recordings/rec-missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadServesArtifact(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/recordings/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var started StartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))

	rec = doJSON(t, h, http.MethodPost, "/api/recordings/stop",
		StopRequest{RecordingTaskID: started.RecordingTaskID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet,
		"/api/recordings/"+started.RecordingTaskID+"/download?artifact=mic", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	assert.Equal(t, "RIFFdata", rec.Body.String())
}

func TestDownloadUnknownReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/recordings/rec-x/download", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartBadJSONReturns400(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/recordings/start",
		bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
