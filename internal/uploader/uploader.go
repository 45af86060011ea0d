// Package uploader drives a completed capture through local save, remote
// session resolution, recording creation, byte upload and transcription
// start, as a background queue that survives navigation away from whatever
// surface initiated it. The local recording store is the durability
// backstop: bytes are persisted on-device before any network call.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinivoice/capture-agent/internal/api"
	"github.com/clinivoice/capture-agent/internal/auth"
	"github.com/clinivoice/capture-agent/internal/config"
	"github.com/clinivoice/capture-agent/internal/events"
)

// Status is the queue entry state. Transitions move strictly forward except
// failed, which is terminal but non-destructive: the local copy stays
// available for retry.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusUploading    Status = "uploading"
	StatusTranscribing Status = "transcribing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

var validNext = map[Status][]Status{
	StatusQueued:       {StatusUploading, StatusFailed},
	StatusUploading:    {StatusTranscribing, StatusCompleted, StatusFailed},
	StatusTranscribing: {StatusCompleted, StatusFailed},
}

var (
	// ErrBlobTooLarge rejects an upload before any queueing or network call.
	ErrBlobTooLarge = errors.New("recording exceeds the maximum upload size")

	// ErrAlreadyProcessing means cancellation came too late: processing has
	// begun and the upload runs to a terminal state.
	ErrAlreadyProcessing = errors.New("upload is already processing and can no longer be canceled")

	// ErrUnknownUpload is returned for ids not in the queue.
	ErrUnknownUpload = errors.New("unknown upload id")
)

// PendingUpload is one queue entry. The blob lives in memory; the local
// recording store holds the durable copy.
type PendingUpload struct {
	ID               string    `json:"id"`
	FileName         string    `json:"file_name"`
	MimeType         string    `json:"mime_type"`
	DurationSeconds  float64   `json:"duration_seconds"`
	TargetSessionID  string    `json:"target_session_id,omitempty"`
	TargetPatientID  string    `json:"target_patient_id,omitempty"`
	ClinicID         string    `json:"clinic_id"`
	UserID           string    `json:"user_id"`
	Status           Status    `json:"status"`
	ProgressPercent  int       `json:"progress_percent"`
	Error            string    `json:"error,omitempty"`
	LocalRecordingID string    `json:"local_recording_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`

	data []byte
}

// Backend is the slice of the remote API the orchestrator needs.
type Backend interface {
	CreateSession(ctx context.Context, req api.CreateSessionRequest) (*api.Session, error)
	CreateRecording(ctx context.Context, req api.CreateRecordingRequest) (*api.Recording, error)
	UpdateRecording(ctx context.Context, id string, durationSeconds float64) error
	UploadAudio(ctx context.Context, recordingID string, data []byte, fileName, mimeType string) (string, error)
	StartTranscription(ctx context.Context, recordingID string) error
	ExtendSession(ctx context.Context) error
}

// LocalStore is the slice of the local recording store the orchestrator needs.
type LocalStore interface {
	Save(ctx context.Context, data []byte, fileName string, durationSeconds float64, mimeType, sessionID string) (string, error)
	MarkUploaded(ctx context.Context, id, remoteRecordingID, remoteSessionID string) error
	MarkUploadFailed(ctx context.Context, id, errorMessage string) error
	Delete(ctx context.Context, id string) error
}

// Identity supplies the current user's ids.
type Identity interface {
	Claims() (*auth.Claims, error)
}

// Tracker receives recording ids whose transcription just started.
type Tracker interface {
	AddTranscription(recordingID, sessionID string, startedAt *time.Time)
}

// Orchestrator owns the in-memory upload queue. It is the single writer of
// PendingUpload state; callers observe through List and Get snapshots.
type Orchestrator struct {
	cfg      config.UploadConfig
	backend  Backend
	store    LocalStore
	identity Identity
	tracker  Tracker
	bus      *events.Bus

	mutex    sync.Mutex
	pending  map[string]*PendingUpload
	inFlight map[string]struct{}

	// injectable for tests
	now      func() time.Time
	schedule func(d time.Duration, fn func())
	// spawn decouples processing from the caller; tests replace it to run
	// synchronously.
	spawn func(fn func())
}

// New creates an empty queue.
func New(cfg config.UploadConfig, backend Backend, store LocalStore, identity Identity, tracker Tracker, bus *events.Bus) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		backend:  backend,
		store:    store,
		identity: identity,
		tracker:  tracker,
		bus:      bus,
		pending:  make(map[string]*PendingUpload),
		inFlight: make(map[string]struct{}),
		now:      time.Now,
		schedule: func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
		spawn:    func(fn func()) { go fn() },
	}
}

// QueueRequest describes a capture handed to the queue. SessionID and
// PatientID are both optional: a session id is reused, a patient id gets a
// new session attached to the patient, neither gets a freestanding session.
type QueueRequest struct {
	Data            []byte
	FileName        string
	MimeType        string
	DurationSeconds float64
	SessionID       string
	PatientID       string
}

// QueueUpload validates the blob, records a queued entry and schedules
// asynchronous processing. The size limit is enforced before anything else:
// an oversized blob is rejected with the limit and actual size, and no
// queue entry or network call ever happens.
func (o *Orchestrator) QueueUpload(req QueueRequest) (string, error) {
	if int64(len(req.Data)) > o.cfg.MaxBlobBytes {
		return "", fmt.Errorf("%w: recording is %d bytes, limit is %d bytes; record a shorter session",
			ErrBlobTooLarge, len(req.Data), o.cfg.MaxBlobBytes)
	}

	claims, err := o.identity.Claims()
	if err != nil {
		return "", err
	}

	entry := &PendingUpload{
		ID:              uuid.NewString(),
		FileName:        req.FileName,
		MimeType:        req.MimeType,
		DurationSeconds: req.DurationSeconds,
		TargetSessionID: req.SessionID,
		TargetPatientID: req.PatientID,
		ClinicID:        claims.ClinicID,
		UserID:          claims.UserID,
		Status:          StatusQueued,
		CreatedAt:       o.now(),
		data:            req.Data,
	}

	o.mutex.Lock()
	o.pending[entry.ID] = entry
	o.mutex.Unlock()

	slog.Info("Upload queued", "id", entry.ID, "file", entry.FileName, "bytes", len(req.Data))
	o.spawn(func() { o.Process(entry.ID) })

	return entry.ID, nil
}

// Cancel removes an entry that has not started processing, deleting its
// best-effort local copy. Once processing has begun the upload runs to a
// terminal state and cannot be canceled.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	o.mutex.Lock()
	entry, ok := o.pending[id]
	if !ok {
		o.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownUpload, id)
	}
	if _, busy := o.inFlight[id]; busy || entry.Status != StatusQueued {
		o.mutex.Unlock()
		return ErrAlreadyProcessing
	}
	localID := entry.LocalRecordingID
	delete(o.pending, id)
	o.mutex.Unlock()

	if localID != "" {
		if err := o.store.Delete(ctx, localID); err != nil {
			slog.Warn("Failed to delete local copy of canceled upload", "id", id, "local_id", localID, "error", err)
		}
	}
	slog.Info("Upload canceled", "id", id)
	return nil
}

// Get returns a snapshot of one entry.
func (o *Orchestrator) Get(id string) (PendingUpload, bool) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	entry, ok := o.pending[id]
	if !ok {
		return PendingUpload{}, false
	}
	return *entry, true
}

// List returns a snapshot of the queue.
func (o *Orchestrator) List() []PendingUpload {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	out := make([]PendingUpload, 0, len(o.pending))
	for _, entry := range o.pending {
		out = append(out, *entry)
	}
	return out
}

// Process runs one upload through the documented step sequence. Exactly one
// processing attempt per id may run at a time: a duplicate trigger while
// the first is in flight is a no-op.
func (o *Orchestrator) Process(id string) {
	o.mutex.Lock()
	entry, ok := o.pending[id]
	if !ok {
		o.mutex.Unlock()
		return
	}
	if _, busy := o.inFlight[id]; busy {
		o.mutex.Unlock()
		slog.Debug("Upload already processing, ignoring duplicate trigger", "id", id)
		return
	}
	if entry.Status != StatusQueued {
		o.mutex.Unlock()
		return
	}
	o.inFlight[id] = struct{}{}
	data := entry.data
	snapshot := *entry
	o.mutex.Unlock()

	defer func() {
		o.mutex.Lock()
		delete(o.inFlight, id)
		o.mutex.Unlock()
	}()

	ctx := context.Background()
	o.setStatus(id, StatusUploading, 0)

	// Long background work must not let the login idle out.
	if err := o.backend.ExtendSession(ctx); err != nil {
		slog.Debug("Session extend failed", "error", err)
	}

	// Local save is best-effort: the in-memory blob still drives this
	// attempt even if the durable copy could not be written.
	localID, err := o.store.Save(ctx, data, snapshot.FileName, snapshot.DurationSeconds, snapshot.MimeType, snapshot.TargetSessionID)
	if err != nil {
		slog.Warn("Local save failed, continuing with in-memory blob", "id", id, "error", err)
	} else {
		o.mutate(id, func(e *PendingUpload) { e.LocalRecordingID = localID })
	}
	o.setProgress(id, 10)

	sessionID, err := o.resolveSession(ctx, snapshot)
	if err != nil {
		o.fail(ctx, id, localID, fmt.Errorf("could not create the session for this recording: %w", err))
		return
	}
	o.setProgress(id, 20)

	rec, err := o.backend.CreateRecording(ctx, api.CreateRecordingRequest{
		SessionID: sessionID,
		UserID:    snapshot.UserID,
		FileName:  snapshot.FileName,
	})
	if err != nil {
		o.fail(ctx, id, localID, fmt.Errorf("could not create the recording record: %w", err))
		return
	}
	o.setProgress(id, 40)

	if _, err := o.backend.UploadAudio(ctx, rec.ID, data, snapshot.FileName, snapshot.MimeType); err != nil {
		o.fail(ctx, id, localID, fmt.Errorf("could not upload the audio: %w", err))
		return
	}
	o.setProgress(id, 70)

	if err := o.backend.UpdateRecording(ctx, rec.ID, snapshot.DurationSeconds); err != nil {
		o.fail(ctx, id, localID, fmt.Errorf("could not finalize the recording record: %w", err))
		return
	}

	if localID != "" {
		if err := o.store.MarkUploaded(ctx, localID, rec.ID, sessionID); err != nil {
			slog.Warn("Failed to mark local copy uploaded", "id", id, "local_id", localID, "error", err)
		}
	}
	o.setProgress(id, 80)

	// A failed transcription start does not fail the upload: the bytes are
	// safe server-side and transcription can be retried from elsewhere.
	o.setStatus(id, StatusTranscribing, 80)
	if err := o.backend.StartTranscription(ctx, rec.ID); err != nil {
		slog.Warn("Transcription did not auto-start", "recording_id", rec.ID, "error", err)
		o.bus.Notify(events.LevelInfo, "Transcription not started",
			"The recording uploaded successfully, but transcription could not be started automatically. It can be started from the session page.")
	} else if o.tracker != nil {
		started := o.now()
		o.tracker.AddTranscription(rec.ID, sessionID, &started)
	}

	o.bus.RefreshSessions(snapshot.ClinicID)
	if snapshot.TargetPatientID != "" {
		o.bus.RefreshPatientActivity(snapshot.TargetPatientID)
	}

	o.setStatus(id, StatusCompleted, 100)
	o.bus.Notify(events.LevelSuccess, "Recording uploaded", fmt.Sprintf("%s was uploaded and queued for transcription.", snapshot.FileName))
	slog.Info("Upload completed", "id", id, "recording_id", rec.ID, "session_id", sessionID)

	// Leave the success state visible briefly, then drop the entry.
	o.schedule(o.cfg.CompletedLinger, func() {
		o.mutex.Lock()
		delete(o.pending, id)
		o.mutex.Unlock()
	})
}

func (o *Orchestrator) resolveSession(ctx context.Context, entry PendingUpload) (string, error) {
	if entry.TargetSessionID != "" {
		return entry.TargetSessionID, nil
	}

	req := api.CreateSessionRequest{
		UserID:   entry.UserID,
		ClinicID: entry.ClinicID,
		Title:    fmt.Sprintf("Recording %s", entry.CreatedAt.Format("2006-01-02 15:04")),
	}
	if entry.TargetPatientID != "" {
		patientID := entry.TargetPatientID
		req.PatientID = &patientID
	}

	session, err := o.backend.CreateSession(ctx, req)
	if err != nil {
		return "", err
	}
	return session.ID, nil
}

// fail marks the local copy and the queue entry failed. The entry stays in
// the queue so the user can see what happened; retry is a new QueueUpload.
func (o *Orchestrator) fail(ctx context.Context, id, localID string, err error) {
	slog.Error("Upload failed", "id", id, "error", err)

	if localID != "" {
		if markErr := o.store.MarkUploadFailed(ctx, localID, err.Error()); markErr != nil {
			slog.Warn("Failed to record upload error on local copy", "local_id", localID, "error", markErr)
		}
	}

	o.mutate(id, func(e *PendingUpload) {
		e.Status = StatusFailed
		e.Error = err.Error()
	})
	o.bus.Notify(events.LevelError, "Upload failed", err.Error())
}

func (o *Orchestrator) setStatus(id string, status Status, progress int) {
	o.mutate(id, func(e *PendingUpload) {
		for _, allowed := range validNext[e.Status] {
			if allowed == status {
				e.Status = status
				if progress > e.ProgressPercent {
					e.ProgressPercent = progress
				}
				return
			}
		}
		slog.Error("Rejected upload status transition", "id", id, "from", e.Status, "to", status)
	})
}

func (o *Orchestrator) setProgress(id string, progress int) {
	o.mutate(id, func(e *PendingUpload) {
		if progress > e.ProgressPercent {
			e.ProgressPercent = progress
		}
	})
}

func (o *Orchestrator) mutate(id string, fn func(*PendingUpload)) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if entry, ok := o.pending[id]; ok {
		fn(entry)
	}
}
