// Package server exposes the recording lifecycle over a small JSON API.
// It is a thin translation layer: request decoding, error classification
// and response encoding. All semantics live in internal/session.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"time"

	"meetscribe/internal/config"
	"meetscribe/internal/session"
	"meetscribe/internal/store"
)

// Server serves the recording control API.
type Server struct {
	cfg      *config.Config
	sessions *session.Manager
}

func New(cfg *config.Config, sessions *session.Manager) *Server {
	return &Server{cfg: cfg, sessions: sessions}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/recordings/status", s.handleStatus)
	mux.HandleFunc("POST /api/recordings/start", s.handleStart)
	mux.HandleFunc("POST /api/recordings/stop", s.handleStop)
	mux.HandleFunc("GET /api/recordings/{id}", s.handleDetail)
	mux.HandleFunc("GET /api/recordings/{id}/download", s.handleDownload)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// ListenAndServe blocks serving the API until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("recording API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// StartRequest is the optional body of POST /api/recordings/start. Omitted
// fields fall back to the configured defaults.
type StartRequest struct {
	SeparateTracks *bool   `json:"separate_tracks"`
	CreateMixed    *bool   `json:"create_mixed"`
	SampleRate     *int    `json:"sample_rate"`
	Format         *string `json:"format"`
}

// StopRequest is the body of POST /api/recordings/stop. An empty
// recording_task_id targets the currently active session.
type StopRequest struct {
	RecordingTaskID   string `json:"recording_task_id"`
	AutoHandoff       bool   `json:"auto_handoff"`
	PreferredArtifact string `json:"preferred_artifact"`
}

// StartResponse describes a freshly started session.
type StartResponse struct {
	RecordingTaskID string              `json:"recording_task_id"`
	Status          store.Status        `json:"status"`
	StartedAt       *string             `json:"started_at"`
	OutputDir       string              `json:"output_dir"`
	Config          session.StartConfig `json:"config"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.sessions.Status()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	cfg := s.sessions.DefaultStartConfig()
	if r.Body != nil && r.ContentLength != 0 {
		var req StartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
			return
		}
		if req.SeparateTracks != nil {
			cfg.SeparateTracks = *req.SeparateTracks
		}
		if req.CreateMixed != nil {
			cfg.CreateMixed = *req.CreateMixed
		}
		if req.SampleRate != nil {
			cfg.SampleRate = *req.SampleRate
		}
		if req.Format != nil {
			cfg.Format = *req.Format
		}
	}

	res, err := s.sessions.Start(r.Context(), cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var startedAt *string
	if res.Task.StartedAt != nil {
		v := store.FormatUTC(*res.Task.StartedAt)
		startedAt = &v
	}
	writeJSON(w, http.StatusOK, StartResponse{
		RecordingTaskID: res.Task.ID,
		Status:          res.Task.Status,
		StartedAt:       startedAt,
		OutputDir:       res.OutputDir,
		Config:          res.Config,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
			return
		}
	}

	id := req.RecordingTaskID
	if id == "" {
		view, err := s.sessions.Status()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if view.RecordingTaskID == nil {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "no active recording"})
			return
		}
		id = *view.RecordingTaskID
	}

	result, err := s.sessions.Stop(r.Context(), id, req.AutoHandoff, req.PreferredArtifact)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := s.sessions.Detail(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	path, key, err := s.sessions.ArtifactPath(id, r.URL.Query().Get("artifact"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	filename := fmt.Sprintf("%s-%s%s", id, key, filepath.Ext(path))
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	http.ServeFile(w, r, path)
}

// writeError maps session errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, session.ErrNotActive), errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		slog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
