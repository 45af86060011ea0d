// Package server exposes the running agent over a local JSON HTTP API so a
// desktop UI or the CLI can observe and control the pipeline.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/clinivoice/capture-agent/internal/capture"
	"github.com/clinivoice/capture-agent/internal/events"
	"github.com/clinivoice/capture-agent/internal/service"
)

// eventBacklog bounds the in-memory event ring served by /api/events.
const eventBacklog = 200

// pollWait is how long /api/events holds an empty response open waiting
// for a new event before returning.
const pollWait = 25 * time.Second

// Server is the agent control API.
type Server struct {
	svc  service.Service
	port string

	eventMutex sync.RWMutex
	recent     []events.Event
	arrived    chan struct{}
	pollWait   time.Duration
}

// New creates a server over the given service and subscribes to its events.
func New(svc service.Service, port string) *Server {
	s := &Server{svc: svc, port: port, arrived: make(chan struct{}), pollWait: pollWait}
	svc.Subscribe(s.recordEvent)
	return s
}

func (s *Server) recordEvent(ev events.Event) {
	s.eventMutex.Lock()
	defer s.eventMutex.Unlock()
	s.recent = append(s.recent, ev)
	if len(s.recent) > eventBacklog {
		s.recent = s.recent[len(s.recent)-eventBacklog:]
	}
	close(s.arrived)
	s.arrived = make(chan struct{})
}

// Start runs the HTTP server. Blocks until the listener fails.
func (s *Server) Start() error {
	addr := "127.0.0.1:" + s.port
	slog.Info("Agent control API listening", "addr", addr)
	return http.ListenAndServe(addr, s.routes())
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/sources", s.handleSources)
	mux.HandleFunc("/api/record/start", s.handleRecordStart)
	mux.HandleFunc("/api/record/pause", s.handleRecordPause)
	mux.HandleFunc("/api/record/resume", s.handleRecordResume)
	mux.HandleFunc("/api/record/stop", s.handleRecordStop)
	mux.HandleFunc("/api/record/discard", s.handleRecordDiscard)
	mux.HandleFunc("/api/queue", s.handleQueue)
	mux.HandleFunc("/api/queue/", s.handleQueueItem)
	mux.HandleFunc("/api/transcriptions", s.handleTranscriptions)
	mux.HandleFunc("/api/transcriptions/", s.handleTranscriptionItem)
	mux.HandleFunc("/api/recordings", s.handleRecordings)
	mux.HandleFunc("/api/recordings/", s.handleRecordingItem)
	mux.HandleFunc("/api/events", s.handleEvents)
	return mux
}

// StatusResponse is the /api/status payload.
type StatusResponse struct {
	CaptureState   string `json:"capture_state"`
	QueueLength    int    `json:"queue_length"`
	Transcriptions int    `json:"transcriptions"`
	StoredCount    int    `json:"stored_count"`
	StoredBytes    int64  `json:"stored_bytes"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	usage, err := s.svc.StorageUsage(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, StatusResponse{
		CaptureState:   s.svc.CaptureState().String(),
		QueueLength:    len(s.svc.Uploads()),
		Transcriptions: len(s.svc.Transcriptions()),
		StoredCount:    usage.Count,
		StoredBytes:    usage.TotalSize,
	})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.svc.ListSources(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]any{"sources": sources})
}

type recordStartRequest struct {
	Kind   string `json:"kind"`
	Target string `json:"target,omitempty"`
}

func (s *Server) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("POST required"))
		return
	}
	var req recordStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := s.svc.StartCapture(r.Context(), capture.SourceKind(req.Kind), req.Target); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, map[string]string{"state": s.svc.CaptureState().String()})
}

func (s *Server) handleRecordPause(w http.ResponseWriter, r *http.Request) {
	s.simpleCaptureAction(w, r, s.svc.PauseCapture)
}

func (s *Server) handleRecordResume(w http.ResponseWriter, r *http.Request) {
	s.simpleCaptureAction(w, r, s.svc.ResumeCapture)
}

func (s *Server) handleRecordDiscard(w http.ResponseWriter, r *http.Request) {
	s.simpleCaptureAction(w, r, s.svc.DiscardCapture)
}

func (s *Server) simpleCaptureAction(w http.ResponseWriter, r *http.Request, fn func() error) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("POST required"))
		return
	}
	if err := fn(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, map[string]string{"state": s.svc.CaptureState().String()})
}

type recordStopRequest struct {
	SessionID string `json:"session_id,omitempty"`
	PatientID string `json:"patient_id,omitempty"`
}

func (s *Server) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("POST required"))
		return
	}
	var req recordStopRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	uploadID, err := s.svc.StopAndQueue(r.Context(), req.SessionID, req.PatientID)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, map[string]string{"upload_id": uploadID})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"uploads": s.svc.Uploads()})
}

func (s *Server) handleQueueItem(w http.ResponseWriter, r *http.Request) {
	id, action := splitItemPath(r.URL.Path, "/api/queue/")
	if r.Method == http.MethodPost && action == "cancel" {
		if err := s.svc.CancelUpload(r.Context(), id); err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, map[string]string{"status": "canceled"})
		return
	}
	writeError(w, http.StatusNotFound, fmt.Errorf("unknown queue action"))
}

func (s *Server) handleTranscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"transcriptions": s.svc.Transcriptions()})
}

func (s *Server) handleTranscriptionItem(w http.ResponseWriter, r *http.Request) {
	id, _ := splitItemPath(r.URL.Path, "/api/transcriptions/")
	if r.Method == http.MethodDelete {
		s.svc.DismissTranscription(id)
		writeJSON(w, map[string]string{"status": "dismissed"})
		return
	}
	writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("DELETE required"))
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	recs, err := s.svc.LocalRecordings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]any{"recordings": recs})
}

func (s *Server) handleRecordingItem(w http.ResponseWriter, r *http.Request) {
	id, action := splitItemPath(r.URL.Path, "/api/recordings/")
	switch {
	case r.Method == http.MethodPost && action == "retry":
		uploadID, err := s.svc.RetryUpload(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, map[string]string{"upload_id": uploadID})
	case r.Method == http.MethodDelete && action == "":
		if err := s.svc.DeleteRecording(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown recording action"))
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	since := r.URL.Query().Get("since")
	var after time.Time
	if since != "" {
		if t, err := time.Parse(time.RFC3339Nano, since); err == nil {
			after = t
		}
	}

	out, arrived := s.eventsSince(after)
	if len(out) == 0 {
		// Long poll: hold the request open until a new event lands, the
		// client goes away, or the wait window closes.
		select {
		case <-arrived:
			out, _ = s.eventsSince(after)
		case <-r.Context().Done():
		case <-time.After(s.pollWait):
		}
	}

	writeJSON(w, map[string]any{"events": out})
}

func (s *Server) eventsSince(after time.Time) ([]events.Event, chan struct{}) {
	s.eventMutex.RLock()
	defer s.eventMutex.RUnlock()
	var out []events.Event
	for _, ev := range s.recent {
		if ev.Time.After(after) {
			out = append(out, ev)
		}
	}
	return out, s.arrived
}

func splitItemPath(path, prefix string) (id, action string) {
	rest := strings.TrimPrefix(path, prefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i], rest[i+1:]
	}
	return rest, ""
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
