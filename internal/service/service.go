// Package service wires the capture, storage, upload and monitoring
// components behind one interface consumed by the CLI and the agent's
// control server.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clinivoice/capture-agent/internal/api"
	"github.com/clinivoice/capture-agent/internal/auth"
	"github.com/clinivoice/capture-agent/internal/capture"
	"github.com/clinivoice/capture-agent/internal/config"
	"github.com/clinivoice/capture-agent/internal/events"
	"github.com/clinivoice/capture-agent/internal/monitor"
	"github.com/clinivoice/capture-agent/internal/store"
	"github.com/clinivoice/capture-agent/internal/uploader"
	"github.com/clinivoice/capture-agent/internal/vault"
)

// Service is the core agent interface.
type Service interface {
	// Capture operations
	StartCapture(ctx context.Context, kind capture.SourceKind, target string) error
	PauseCapture() error
	ResumeCapture() error
	StopAndQueue(ctx context.Context, sessionID, patientID string) (string, error)
	DiscardCapture() error
	CaptureState() capture.State
	ListSources(ctx context.Context) ([]capture.SourceInfo, error)

	// Upload queue operations
	Uploads() []uploader.PendingUpload
	CancelUpload(ctx context.Context, id string) error
	RetryUpload(ctx context.Context, localRecordingID string) (string, error)

	// Local recording operations
	LocalRecordings(ctx context.Context) ([]store.Metadata, error)
	DownloadRecording(ctx context.Context, id, destPath string) error
	DeleteRecording(ctx context.Context, id string) error
	WipeRecordings(ctx context.Context) error
	StorageUsage(ctx context.Context) (store.Usage, error)

	// Transcription operations
	Transcriptions() []monitor.Job
	DismissTranscription(recordingID string)
	RecoverTranscriptions(ctx context.Context, sessionID string) error

	// Account operations
	Login(token string) (*auth.Claims, error)
	Logout(ctx context.Context) error

	// Event subscription
	Subscribe(fn func(events.Event))

	Close() error
}

// captureSession is the common surface of the three capture sources.
type captureSession interface {
	Start(ctx context.Context) error
	Pause() error
	Resume() error
	Stop(ctx context.Context) (capture.CapturedAudio, error)
	Reset() error
	State() capture.State
	SetAutoStopHandler(fn func(capture.CapturedAudio))
}

// Agent is the production Service implementation.
type Agent struct {
	cfg      *config.Config
	provider *auth.Provider
	vault    *vault.Vault
	store    *store.Store
	client   *api.Client
	backend  capture.Backend
	queue    *uploader.Orchestrator
	monitor  *monitor.Monitor
	bus      *events.Bus

	captureMutex sync.Mutex
	active       captureSession
	activeKind   capture.SourceKind
}

// New assembles the full pipeline from configuration.
func New(cfg *config.Config) (*Agent, error) {
	bus := events.NewBus()
	provider := auth.New(cfg.API.TokenFile)
	v := vault.New(cfg.Storage.KeyFile)

	st, err := store.Open(cfg.Storage, v)
	if err != nil {
		return nil, fmt.Errorf("failed to open local recording store: %w", err)
	}

	client := api.NewClient(cfg.API, provider)
	mon := monitor.New(cfg.Monitor, client, provider, bus)
	queue := uploader.New(cfg.Upload, client, st, provider, mon, bus)

	return &Agent{
		cfg:      cfg,
		provider: provider,
		vault:    v,
		store:    st,
		client:   client,
		backend:  capture.NewPipeWireBackend(cfg.Audio.SampleRate),
		queue:    queue,
		monitor:  mon,
		bus:      bus,
	}, nil
}

func (a *Agent) captureOptions() capture.Options {
	return capture.Options{
		ChunkInterval:    a.cfg.Audio.ChunkInterval,
		StopFlushTimeout: a.cfg.Audio.StopFlushTimeout,
		MinCaptureBytes:  a.cfg.Audio.MinCaptureBytes,
	}
}

// StartCapture begins recording from the given source kind. For application
// capture, target names the application; for microphone capture it may name
// a specific device. One capture runs at a time.
func (a *Agent) StartCapture(ctx context.Context, kind capture.SourceKind, target string) error {
	a.captureMutex.Lock()
	defer a.captureMutex.Unlock()

	if a.active != nil {
		switch a.active.State() {
		case capture.StateRecording, capture.StatePaused, capture.StateSelecting, capture.StateStopping:
			return fmt.Errorf("a %s capture is already in progress", a.activeKind)
		}
	}

	opts := a.captureOptions()
	var session captureSession
	switch kind {
	case capture.SourceMic:
		device := target
		if device == "" {
			device = a.cfg.Audio.Device
		}
		session = capture.NewMicSource(a.backend, device, opts)
	case capture.SourceApp:
		session = capture.NewAppSource(a.backend, target, opts)
	case capture.SourceSystem:
		session = capture.NewSystemSource(a.backend, opts)
	default:
		return fmt.Errorf("unknown capture source: %s", kind)
	}

	session.SetAutoStopHandler(func(result capture.CapturedAudio) {
		a.bus.Notify(events.LevelInfo, "Capture ended",
			"The shared audio source went away; the recording was finalized and is ready to upload.")
	})

	if err := session.Start(ctx); err != nil {
		return err
	}

	a.active = session
	a.activeKind = kind
	return nil
}

// PauseCapture pauses the active capture.
func (a *Agent) PauseCapture() error {
	a.captureMutex.Lock()
	defer a.captureMutex.Unlock()
	if a.active == nil {
		return fmt.Errorf("no capture in progress")
	}
	return a.active.Pause()
}

// ResumeCapture resumes a paused capture.
func (a *Agent) ResumeCapture() error {
	a.captureMutex.Lock()
	defer a.captureMutex.Unlock()
	if a.active == nil {
		return fmt.Errorf("no capture in progress")
	}
	return a.active.Resume()
}

// StopAndQueue finalizes the active capture and hands the blob to the
// upload queue, routed to an existing session, a patient, or a brand-new
// freestanding session.
func (a *Agent) StopAndQueue(ctx context.Context, sessionID, patientID string) (string, error) {
	a.captureMutex.Lock()
	session := a.active
	kind := a.activeKind
	a.captureMutex.Unlock()

	if session == nil {
		return "", fmt.Errorf("no capture in progress")
	}

	result, err := session.Stop(ctx)
	if err != nil {
		return "", err
	}

	fileName := fmt.Sprintf("%s-%s.%s", kind, time.Now().Format("20060102-150405"), result.Ext)
	uploadID, err := a.queue.QueueUpload(uploader.QueueRequest{
		Data:            result.Data,
		FileName:        fileName,
		MimeType:        result.MimeType,
		DurationSeconds: result.DurationSeconds,
		SessionID:       sessionID,
		PatientID:       patientID,
	})
	if err != nil {
		return "", err
	}

	a.captureMutex.Lock()
	if a.active == session {
		if resetErr := session.Reset(); resetErr != nil {
			slog.Debug("Capture reset after queue failed", "error", resetErr)
		}
		a.active = nil
	}
	a.captureMutex.Unlock()

	return uploadID, nil
}

// DiscardCapture abandons the active capture without uploading.
func (a *Agent) DiscardCapture() error {
	a.captureMutex.Lock()
	defer a.captureMutex.Unlock()
	if a.active == nil {
		return fmt.Errorf("no capture in progress")
	}

	switch a.active.State() {
	case capture.StateRecording, capture.StatePaused:
		if _, err := a.active.Stop(context.Background()); err != nil {
			slog.Debug("Stop during discard", "error", err)
		}
	}
	if err := a.active.Reset(); err != nil {
		return err
	}
	a.active = nil
	return nil
}

// CaptureState reports the active capture's state, or IDLE without one.
func (a *Agent) CaptureState() capture.State {
	a.captureMutex.Lock()
	defer a.captureMutex.Unlock()
	if a.active == nil {
		return capture.StateIdle
	}
	return a.active.State()
}

// ListSources enumerates capturable sources.
func (a *Agent) ListSources(ctx context.Context) ([]capture.SourceInfo, error) {
	return a.backend.ListSources(ctx)
}

// Uploads returns the current queue snapshot.
func (a *Agent) Uploads() []uploader.PendingUpload {
	return a.queue.List()
}

// CancelUpload cancels a still-queued upload.
func (a *Agent) CancelUpload(ctx context.Context, id string) error {
	return a.queue.Cancel(ctx, id)
}

// RetryUpload re-queues a locally stored recording that previously failed
// to upload. Retry is a new queue entry over the still-available local
// bytes, not a resumption of the failed one.
func (a *Agent) RetryUpload(ctx context.Context, localRecordingID string) (string, error) {
	rec, err := a.store.Get(ctx, localRecordingID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", fmt.Errorf("local recording %s no longer exists (expired or deleted)", localRecordingID)
	}
	if rec.Uploaded {
		return "", fmt.Errorf("recording %s was already uploaded", localRecordingID)
	}

	return a.queue.QueueUpload(uploader.QueueRequest{
		Data:            rec.Data,
		FileName:        rec.FileName,
		MimeType:        rec.MimeType,
		DurationSeconds: rec.DurationSeconds,
		SessionID:       rec.SessionID,
	})
}

// LocalRecordings lists metadata for unuploaded local recordings.
func (a *Agent) LocalRecordings(ctx context.Context) ([]store.Metadata, error) {
	return a.store.ListUnuploaded(ctx)
}

// DownloadRecording materializes a local recording at destPath.
func (a *Agent) DownloadRecording(ctx context.Context, id, destPath string) error {
	return a.store.Download(ctx, id, destPath)
}

// DeleteRecording removes one local recording.
func (a *Agent) DeleteRecording(ctx context.Context, id string) error {
	return a.store.Delete(ctx, id)
}

// WipeRecordings deletes every local recording.
func (a *Agent) WipeRecordings(ctx context.Context) error {
	return a.store.ClearAll(ctx)
}

// StorageUsage reports the local store footprint.
func (a *Agent) StorageUsage(ctx context.Context) (store.Usage, error) {
	return a.store.Usage(ctx)
}

// Transcriptions returns the tracked transcription jobs.
func (a *Agent) Transcriptions() []monitor.Job {
	return a.monitor.Jobs()
}

// DismissTranscription stops tracking one job.
func (a *Agent) DismissTranscription(recordingID string) {
	a.monitor.RemoveTranscription(recordingID)
}

// RecoverTranscriptions re-tracks in-flight jobs after a restart.
func (a *Agent) RecoverTranscriptions(ctx context.Context, sessionID string) error {
	return a.monitor.Recover(ctx, sessionID)
}

// Login stores the backend credential.
func (a *Agent) Login(token string) (*auth.Claims, error) {
	return a.provider.Login(token)
}

// Logout removes the credential, wipes every local recording and destroys
// the encryption key. Nothing encrypted under the destroyed key is
// recoverable afterwards.
func (a *Agent) Logout(ctx context.Context) error {
	if err := a.store.ClearAll(ctx); err != nil {
		return err
	}
	if err := a.vault.Destroy(); err != nil {
		return err
	}
	if err := a.provider.Logout(); err != nil {
		return err
	}
	slog.Info("Logged out, local data wiped")
	return nil
}

// Subscribe attaches a handler to the agent's event bus.
func (a *Agent) Subscribe(fn func(events.Event)) {
	a.bus.Subscribe(fn)
}

// Close tears the pipeline down: scheduled polls are canceled and the local
// store is closed. No poll callback fires after Close returns.
func (a *Agent) Close() error {
	a.monitor.Stop()
	return a.store.Close()
}
