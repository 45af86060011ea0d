// Package monitor tracks remote transcription jobs to completion,
// independent of which surface started them. On startup it reconciles with
// the backend to pick up jobs that outlived the previous agent process, then
// polls each at an adaptive cadence with stuck-job detection so a silently
// dead job cannot spin forever.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clinivoice/capture-agent/internal/api"
	"github.com/clinivoice/capture-agent/internal/auth"
	"github.com/clinivoice/capture-agent/internal/config"
	"github.com/clinivoice/capture-agent/internal/events"
)

// JobStatus is the tracked job state. Both completed and failed are terminal.
type JobStatus string

const (
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Jobs older than this poll-sync on a tighter cadence.
const longRunnerAge = time.Hour

// Persistently erroring jobs get this many retries before abandonment
// applies (only past AbandonAge).
const abandonErrorBudget = 3

// Backend is the slice of the remote API the monitor needs.
type Backend interface {
	GetRecordingStatus(ctx context.Context, id string, sync bool) (*api.RecordingStatus, error)
	ListProcessingRecordings(ctx context.Context, sessionID string) ([]api.ProcessingRecording, error)
	MarkRecordingFailed(ctx context.Context, id, message string) error
	ExtendSession(ctx context.Context) error
}

// Identity supplies the current user's ids for clinic-scoped invalidation.
type Identity interface {
	Claims() (*auth.Claims, error)
}

// Job is the externally visible state of one tracked transcription.
type Job struct {
	RecordingID string    `json:"recording_id"`
	SessionID   string    `json:"session_id"`
	Status      JobStatus `json:"status"`
	FileName    string    `json:"file_name,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
}

type job struct {
	Job
	registeredAt time.Time
	errCount     int
	cancelNext   func()
}

// Monitor owns the tracked-jobs map and is its only writer.
type Monitor struct {
	cfg      config.MonitorConfig
	backend  Backend
	identity Identity
	bus      *events.Bus

	// OnCompleted and OnFailed fire after a job reaches a terminal state.
	// Set before Recover/AddTranscription.
	OnCompleted func(recordingID, sessionID string)
	OnFailed    func(recordingID, sessionID, message string)

	mutex   sync.Mutex
	jobs    map[string]*job
	stopped bool

	// injectable for tests
	now      func() time.Time
	schedule func(d time.Duration, fn func()) (cancel func())
}

// New creates a monitor with nothing tracked.
func New(cfg config.MonitorConfig, backend Backend, identity Identity, bus *events.Bus) *Monitor {
	return &Monitor{
		cfg:      cfg,
		backend:  backend,
		identity: identity,
		bus:      bus,
		jobs:     make(map[string]*job),
		now:      time.Now,
		schedule: func(d time.Duration, fn func()) func() {
			t := time.AfterFunc(d, fn)
			return func() { t.Stop() }
		},
	}
}

// Recover queries the backend for the user's recordings still processing,
// optionally filtered to one session, and begins tracking each. This is the
// path that survives a closed agent or crashed process.
func (m *Monitor) Recover(ctx context.Context, sessionID string) error {
	recs, err := m.backend.ListProcessingRecordings(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("recover processing transcriptions: %w", err)
	}

	for _, rec := range recs {
		m.addJob(rec.ID, rec.SessionID, rec.FileName, rec.StartedAt)
	}
	if len(recs) > 0 {
		slog.Info("Recovered in-flight transcriptions", "count", len(recs))
	}
	return nil
}

// AddTranscription registers a job right after transcription was started
// elsewhere. Re-adding an already tracked id is a no-op.
func (m *Monitor) AddTranscription(recordingID, sessionID string, startedAt *time.Time) {
	m.addJob(recordingID, sessionID, "", startedAt)
}

func (m *Monitor) addJob(recordingID, sessionID, fileName string, startedAt *time.Time) {
	m.mutex.Lock()
	if m.stopped {
		m.mutex.Unlock()
		return
	}
	if _, tracked := m.jobs[recordingID]; tracked {
		m.mutex.Unlock()
		return
	}

	now := m.now()
	started := now
	if startedAt != nil && !startedAt.IsZero() {
		started = *startedAt
	}
	j := &job{
		Job: Job{
			RecordingID: recordingID,
			SessionID:   sessionID,
			Status:      JobProcessing,
			FileName:    fileName,
			StartedAt:   started,
		},
		registeredAt: now,
	}
	m.jobs[recordingID] = j
	// Poll immediately for fast feedback on short recordings.
	j.cancelNext = m.schedule(0, func() { m.poll(recordingID) })
	m.mutex.Unlock()

	slog.Info("Tracking transcription", "recording_id", recordingID, "session_id", sessionID)
}

// RemoveTranscription stops polling and discards tracking state immediately.
func (m *Monitor) RemoveTranscription(recordingID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.dropLocked(recordingID)
}

func (m *Monitor) dropLocked(recordingID string) {
	if j, ok := m.jobs[recordingID]; ok {
		if j.cancelNext != nil {
			j.cancelNext()
		}
		delete(m.jobs, recordingID)
	}
}

// Jobs returns a snapshot of the visible set.
func (m *Monitor) Jobs() []Job {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.Job)
	}
	return out
}

// Stop cancels every scheduled poll. No poll fires after it returns.
func (m *Monitor) Stop() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.stopped = true
	for _, j := range m.jobs {
		if j.cancelNext != nil {
			j.cancelNext()
		}
	}
}

// poll runs one status check for a job. The next poll is scheduled only
// after this handler completes, so polls for one job never overlap; polls
// for different jobs are independent.
func (m *Monitor) poll(recordingID string) {
	m.mutex.Lock()
	if m.stopped {
		m.mutex.Unlock()
		return
	}
	j, ok := m.jobs[recordingID]
	if !ok || j.Status != JobProcessing {
		m.mutex.Unlock()
		return
	}
	j.Attempts++
	attempt := j.Attempts
	age := m.now().Sub(j.StartedAt)
	elapsed := m.now().Sub(j.registeredAt)
	snapshot := j.Job
	errCount := j.errCount
	m.mutex.Unlock()

	ctx := context.Background()

	// Every poll counts as user activity so unrelated session-timeout logic
	// does not fire mid-transcription.
	if err := m.backend.ExtendSession(ctx); err != nil {
		slog.Debug("Session extend failed", "error", err)
	}

	// Hard stuck: past this age the job is failed no matter what the remote
	// status says.
	if age > m.cfg.StuckHardAge {
		m.forceFail(ctx, snapshot, fmt.Sprintf("Transcription did not finish within %s and was marked as failed.", m.cfg.StuckHardAge))
		return
	}

	if attempt > m.cfg.MaxAttempts {
		m.forceFail(ctx, snapshot, "Transcription timed out after the maximum number of status checks.")
		return
	}

	sync := m.shouldSync(attempt, age)
	status, err := m.backend.GetRecordingStatus(ctx, recordingID, sync)
	if err != nil {
		m.handlePollError(snapshot, sync, age, errCount+1, err)
		return
	}

	m.mutex.Lock()
	if j, ok := m.jobs[recordingID]; ok {
		j.errCount = 0
	}
	m.mutex.Unlock()

	switch status.Status {
	case "completed":
		m.complete(snapshot)
	case "failed":
		msg := status.Error
		if msg == "" {
			msg = "Transcription failed. Please try again."
		}
		m.failJob(snapshot, msg)
	default:
		m.scheduleNext(recordingID, m.intervalFor(attempt, elapsed))
	}
}

// intervalFor implements the adaptive cadence: short for the first few
// attempts, medium until the job has been tracked for a while, then long
// indefinitely to tolerate very long audio without excessive polling.
func (m *Monitor) intervalFor(attempt int, elapsed time.Duration) time.Duration {
	switch {
	case attempt < m.cfg.ShortAttempts:
		return m.cfg.ShortInterval
	case elapsed < m.cfg.MediumPhase:
		return m.cfg.MediumInterval
	default:
		return m.cfg.LongInterval
	}
}

// shouldSync throttles the expensive reconcile against the transcription
// service: on the first poll when the job is already old at registration,
// at a couple of early attempts, then periodically, more often for jobs
// running unusually long.
func (m *Monitor) shouldSync(attempt int, age time.Duration) bool {
	switch {
	case attempt == 1 && age > m.cfg.StuckSoftAge:
		return true
	case attempt == 3 || attempt == 6:
		return true
	case age > longRunnerAge && attempt%5 == 0:
		return true
	case attempt%10 == 0:
		return true
	}
	return false
}

// handlePollError deals with transient failures: retry on a fixed backoff,
// fail a soft-stuck job whose reconcile attempt just failed, and silently
// abandon jobs that are days old and keep erroring.
func (m *Monitor) handlePollError(snapshot Job, sync bool, age time.Duration, errCount int, err error) {
	slog.Warn("Transcription status poll failed", "recording_id", snapshot.RecordingID, "sync", sync, "error", err)

	if sync && age > m.cfg.StuckSoftAge {
		m.failJob(snapshot, "Transcription appears stuck: its status could not be reconciled with the transcription service.")
		return
	}

	if age > m.cfg.AbandonAge && errCount >= abandonErrorBudget {
		slog.Warn("Abandoning transcription tracking, job presumed lost", "recording_id", snapshot.RecordingID, "age", age)
		m.mutex.Lock()
		m.dropLocked(snapshot.RecordingID)
		m.mutex.Unlock()
		return
	}

	m.mutex.Lock()
	if j, ok := m.jobs[snapshot.RecordingID]; ok {
		j.errCount = errCount
	}
	m.mutex.Unlock()
	m.scheduleNext(snapshot.RecordingID, m.cfg.ErrorBackoff)
}

func (m *Monitor) scheduleNext(recordingID string, d time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.stopped {
		return
	}
	if j, ok := m.jobs[recordingID]; ok && j.Status == JobProcessing {
		j.cancelNext = m.schedule(d, func() { m.poll(recordingID) })
	}
}

func (m *Monitor) complete(snapshot Job) {
	m.mutex.Lock()
	m.dropLocked(snapshot.RecordingID)
	m.mutex.Unlock()

	m.bus.RefreshSessions("")
	if claims, err := m.identity.Claims(); err == nil && claims.ClinicID != "" {
		m.bus.RefreshSessions(claims.ClinicID)
	}
	m.bus.Notify(events.LevelSuccess, "Transcription complete", displayName(snapshot)+" finished transcribing.")

	if m.OnCompleted != nil {
		m.OnCompleted(snapshot.RecordingID, snapshot.SessionID)
	}
	slog.Info("Transcription completed", "recording_id", snapshot.RecordingID)
}

// forceFail writes the terminal state server-side (best-effort) before
// failing locally, so the timeout is database-visible, not just a local
// impression.
func (m *Monitor) forceFail(ctx context.Context, snapshot Job, message string) {
	if err := m.backend.MarkRecordingFailed(ctx, snapshot.RecordingID, message); err != nil {
		slog.Warn("Could not record transcription failure server-side", "recording_id", snapshot.RecordingID, "error", err)
	}
	m.failJob(snapshot, message)
}

func (m *Monitor) failJob(snapshot Job, message string) {
	m.mutex.Lock()
	j, ok := m.jobs[snapshot.RecordingID]
	if !ok {
		m.mutex.Unlock()
		return
	}
	j.Status = JobFailed
	j.Error = message
	m.mutex.Unlock()

	m.bus.Notify(events.LevelError, "Transcription failed", message)
	if m.OnFailed != nil {
		m.OnFailed(snapshot.RecordingID, snapshot.SessionID, message)
	}
	slog.Error("Transcription failed", "recording_id", snapshot.RecordingID, "message", message)

	// Keep the failure visible briefly so the notification registers, then
	// drop the job from the visible set.
	m.mutex.Lock()
	if m.stopped {
		m.mutex.Unlock()
		return
	}
	j.cancelNext = m.schedule(m.cfg.FailedLinger, func() {
		m.mutex.Lock()
		m.dropLocked(snapshot.RecordingID)
		m.mutex.Unlock()
	})
	m.mutex.Unlock()
}

func displayName(j Job) string {
	if j.FileName != "" {
		return j.FileName
	}
	return "Recording " + j.RecordingID
}
