// Package api exposes the HTTP interface for managing mirror jobs.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/incogthemself/site-snapshot/internal/job"
	"github.com/incogthemself/site-snapshot/internal/progress"
	"github.com/incogthemself/site-snapshot/pkg/types"
)

// Server exposes the HTTP API for managing mirror jobs.
type Server struct {
	manager *job.Manager
	hub     *progress.Hub
	mux     *http.ServeMux
}

// NewServer wires handlers onto an HTTP mux. The hub is optional; without one
// the websocket route responds 404.
func NewServer(manager *job.Manager, hub *progress.Hub) *Server {
	s := &Server{
		manager: manager,
		hub:     hub,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP satisfies the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/mirror/jobs", s.handleJobs)
	s.mux.HandleFunc("/api/mirror/jobs/", s.handleJobByID)
	s.mux.HandleFunc("/api/mirror/estimate", s.handleEstimate)
	s.mux.HandleFunc("/openapi.yaml", s.handleOpenAPI)
	s.mux.HandleFunc("/docs", s.handleDocs)
	if s.hub != nil {
		s.mux.Handle("/ws/progress", s.hub)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listJobs(w, r)
	case http.MethodPost:
		s.createJob(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/mirror/jobs/"), "/")
	if trimmed == "" {
		http.NotFound(w, r)
		return
	}
	parts := strings.Split(trimmed, "/")
	jobID, err := url.PathUnescape(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.getJob(w, r, jobID)
		default:
			methodNotAllowed(w, r, http.MethodGet)
		}
		return
	}

	switch parts[1] {
	case "events":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		s.streamJobEvents(w, r, jobID)
	case "pause":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		s.pauseJob(w, r, jobID)
	case "resume":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		s.resumeJob(w, r, jobID)
	case "files":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		s.listJobFiles(w, r, jobID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json payload: %v", err))
		return
	}
	created, err := s.manager.StartMirror(r.Context(), req.URL, types.Strategy(req.Strategy), req.CrawlDepth)
	if err != nil {
		if strings.Contains(err.Error(), "queue full") {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.List())
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request, id string) {
	snap, err := s.manager.Status(id)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request, id string) {
	snap, err := s.manager.Pause(id)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			http.NotFound(w, r)
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request, id string) {
	snap, err := s.manager.Resume(r.Context(), id)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			http.NotFound(w, r)
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) listJobFiles(w http.ResponseWriter, r *http.Request, id string) {
	files, err := s.manager.Files(r.Context(), id)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			http.NotFound(w, r)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if files == nil {
		files = []types.Resource{}
	}
	writeJSON(w, http.StatusOK, FileListResponse{JobID: id, Files: files})
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req EstimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json payload: %v", err))
		return
	}
	est, err := s.manager.Estimate(r.Context(), req.URL, types.Strategy(req.Strategy), req.CrawlDepth)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) streamJobEvents(w http.ResponseWriter, r *http.Request, id string) {
	eventCh, cancel, err := s.manager.Subscribe(id)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case evt, open := <-eventCh:
			if !open {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
