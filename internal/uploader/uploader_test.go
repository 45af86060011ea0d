package uploader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinivoice/capture-agent/internal/api"
	"github.com/clinivoice/capture-agent/internal/auth"
	"github.com/clinivoice/capture-agent/internal/config"
	"github.com/clinivoice/capture-agent/internal/events"
)

// stubBackend lets each test interleave assertions with the pipeline by
// swapping in per-call functions. Unset calls succeed with canned values.
type stubBackend struct {
	createSession      func(req api.CreateSessionRequest) (*api.Session, error)
	createRecording    func(req api.CreateRecordingRequest) (*api.Recording, error)
	updateRecording    func(id string, durationSeconds float64) error
	uploadAudio        func(recordingID string, data []byte, fileName, mimeType string) (string, error)
	startTranscription func(recordingID string) error
}

func (b *stubBackend) CreateSession(ctx context.Context, req api.CreateSessionRequest) (*api.Session, error) {
	if b.createSession != nil {
		return b.createSession(req)
	}
	return &api.Session{ID: "sess-remote"}, nil
}

func (b *stubBackend) CreateRecording(ctx context.Context, req api.CreateRecordingRequest) (*api.Recording, error) {
	if b.createRecording != nil {
		return b.createRecording(req)
	}
	return &api.Recording{ID: "rec-remote", FileName: req.FileName}, nil
}

func (b *stubBackend) UpdateRecording(ctx context.Context, id string, durationSeconds float64) error {
	if b.updateRecording != nil {
		return b.updateRecording(id, durationSeconds)
	}
	return nil
}

func (b *stubBackend) UploadAudio(ctx context.Context, recordingID string, data []byte, fileName, mimeType string) (string, error) {
	if b.uploadAudio != nil {
		return b.uploadAudio(recordingID, data, fileName, mimeType)
	}
	return "storage/path", nil
}

func (b *stubBackend) StartTranscription(ctx context.Context, recordingID string) error {
	if b.startTranscription != nil {
		return b.startTranscription(recordingID)
	}
	return nil
}

func (b *stubBackend) ExtendSession(ctx context.Context) error { return nil }

type fakeStore struct {
	mu       sync.Mutex
	saveErr  error
	saved    map[string][]byte
	uploaded map[string][2]string // local id -> remote recording id, session id
	failed   map[string]string    // local id -> error message
	deleted  []string
	nextID   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		saved:    make(map[string][]byte),
		uploaded: make(map[string][2]string),
		failed:   make(map[string]string),
	}
}

func (s *fakeStore) Save(ctx context.Context, data []byte, fileName string, durationSeconds float64, mimeType, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return "", s.saveErr
	}
	s.nextID++
	id := fmt.Sprintf("local-%d", s.nextID)
	s.saved[id] = data
	return id, nil
}

func (s *fakeStore) MarkUploaded(ctx context.Context, id, remoteRecordingID, remoteSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploaded[id] = [2]string{remoteRecordingID, remoteSessionID}
	return nil
}

func (s *fakeStore) MarkUploadFailed(ctx context.Context, id, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = errorMessage
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	return nil
}

type fakeIdentity struct{}

func (fakeIdentity) Claims() (*auth.Claims, error) {
	return &auth.Claims{UserID: "user-1", ClinicID: "clinic-1"}, nil
}

type fakeTracker struct {
	mu    sync.Mutex
	added [][2]string
}

func (t *fakeTracker) AddTranscription(recordingID, sessionID string, startedAt *time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.added = append(t.added, [2]string{recordingID, sessionID})
}

type scheduledCall struct {
	delay time.Duration
	fn    func()
}

type harness struct {
	o         *Orchestrator
	backend   *stubBackend
	store     *fakeStore
	tracker   *fakeTracker
	bus       *events.Bus
	events    []events.Event
	scheduled []scheduledCall
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		backend: &stubBackend{},
		store:   newFakeStore(),
		tracker: &fakeTracker{},
		bus:     events.NewBus(),
	}
	h.bus.Subscribe(func(ev events.Event) { h.events = append(h.events, ev) })

	cfg := config.UploadConfig{
		MaxBlobBytes:    100 * 1024 * 1024,
		CompletedLinger: 2 * time.Second,
	}
	h.o = New(cfg, h.backend, h.store, fakeIdentity{}, h.tracker, h.bus)
	h.o.spawn = func(fn func()) {} // tests drive Process explicitly
	h.o.schedule = func(d time.Duration, fn func()) {
		h.scheduled = append(h.scheduled, scheduledCall{delay: d, fn: fn})
	}
	return h
}

func (h *harness) queue(t *testing.T, data []byte) string {
	t.Helper()
	id, err := h.o.QueueUpload(QueueRequest{
		Data:            data,
		FileName:        "mic-20260829.webm",
		MimeType:        "audio/webm",
		DurationSeconds: 42,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) notifications() []events.Event {
	var out []events.Event
	for _, ev := range h.events {
		if ev.Type == events.TypeNotification {
			out = append(out, ev)
		}
	}
	return out
}

func TestQueueUploadRejectsOversizedBlob(t *testing.T) {
	h := newHarness(t)
	h.o.cfg.MaxBlobBytes = 100

	_, err := h.o.QueueUpload(QueueRequest{Data: make([]byte, 101), FileName: "big.webm"})
	require.ErrorIs(t, err, ErrBlobTooLarge)
	assert.Contains(t, err.Error(), "101 bytes")
	assert.Contains(t, err.Error(), "limit is 100 bytes")

	// Nothing was queued, saved or sent.
	assert.Empty(t, h.o.List())
	assert.Empty(t, h.store.saved)
}

func TestQueueUploadAcceptsBlobAtLimit(t *testing.T) {
	h := newHarness(t)
	h.o.cfg.MaxBlobBytes = 100

	_, err := h.o.QueueUpload(QueueRequest{Data: make([]byte, 100), FileName: "exact.webm"})
	require.NoError(t, err)
	assert.Len(t, h.o.List(), 1)
}

func TestProcessHappyPath(t *testing.T) {
	h := newHarness(t)

	// Each remote step asserts the progress milestone reached before it.
	var progressAt []int
	snapshot := func(id string) int {
		entry, ok := h.o.Get(id)
		require.True(t, ok)
		return entry.ProgressPercent
	}

	id := h.queue(t, []byte("audio"))
	h.backend.createSession = func(req api.CreateSessionRequest) (*api.Session, error) {
		progressAt = append(progressAt, snapshot(id))
		assert.Equal(t, "user-1", req.UserID)
		assert.Equal(t, "clinic-1", req.ClinicID)
		assert.Nil(t, req.PatientID)
		assert.Contains(t, req.Title, "Recording ")
		return &api.Session{ID: "sess-9"}, nil
	}
	h.backend.createRecording = func(req api.CreateRecordingRequest) (*api.Recording, error) {
		progressAt = append(progressAt, snapshot(id))
		assert.Equal(t, "sess-9", req.SessionID)
		return &api.Recording{ID: "rec-9"}, nil
	}
	h.backend.uploadAudio = func(recordingID string, data []byte, fileName, mimeType string) (string, error) {
		progressAt = append(progressAt, snapshot(id))
		assert.Equal(t, "rec-9", recordingID)
		assert.Equal(t, []byte("audio"), data)
		assert.Equal(t, "audio/webm", mimeType)
		return "storage/path", nil
	}
	h.backend.updateRecording = func(recID string, durationSeconds float64) error {
		progressAt = append(progressAt, snapshot(id))
		assert.Equal(t, 42.0, durationSeconds)
		return nil
	}
	h.backend.startTranscription = func(recordingID string) error {
		entry, _ := h.o.Get(id)
		assert.Equal(t, StatusTranscribing, entry.Status)
		progressAt = append(progressAt, snapshot(id))
		return nil
	}

	h.o.Process(id)

	assert.Equal(t, []int{10, 20, 40, 70, 80}, progressAt)

	entry, ok := h.o.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, entry.Status)
	assert.Equal(t, 100, entry.ProgressPercent)
	assert.Empty(t, entry.Error)

	// Durable copy saved first and marked uploaded with the remote ids.
	require.Len(t, h.store.uploaded, 1)
	assert.Equal(t, [2]string{"rec-9", "sess-9"}, h.store.uploaded[entry.LocalRecordingID])

	// Transcription is tracked for recovery.
	require.Len(t, h.tracker.added, 1)
	assert.Equal(t, [2]string{"rec-9", "sess-9"}, h.tracker.added[0])

	// Success stays visible briefly, then the entry is dropped.
	require.Len(t, h.scheduled, 1)
	assert.Equal(t, 2*time.Second, h.scheduled[0].delay)
	h.scheduled[0].fn()
	_, ok = h.o.Get(id)
	assert.False(t, ok)

	notes := h.notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, events.LevelSuccess, notes[0].Level)
}

func TestProcessReusesTargetSession(t *testing.T) {
	h := newHarness(t)
	h.backend.createSession = func(req api.CreateSessionRequest) (*api.Session, error) {
		t.Fatal("no session should be created when a target session is given")
		return nil, nil
	}
	var gotSession string
	h.backend.createRecording = func(req api.CreateRecordingRequest) (*api.Recording, error) {
		gotSession = req.SessionID
		return &api.Recording{ID: "rec-1"}, nil
	}

	id, err := h.o.QueueUpload(QueueRequest{Data: []byte("x"), FileName: "f.webm", SessionID: "sess-existing"})
	require.NoError(t, err)
	h.o.Process(id)

	assert.Equal(t, "sess-existing", gotSession)
}

func TestProcessCreatesPatientSession(t *testing.T) {
	h := newHarness(t)
	var got api.CreateSessionRequest
	h.backend.createSession = func(req api.CreateSessionRequest) (*api.Session, error) {
		got = req
		return &api.Session{ID: "sess-p"}, nil
	}

	id, err := h.o.QueueUpload(QueueRequest{Data: []byte("x"), FileName: "f.webm", PatientID: "patient-3"})
	require.NoError(t, err)
	h.o.Process(id)

	require.NotNil(t, got.PatientID)
	assert.Equal(t, "patient-3", *got.PatientID)

	// Patient-attached uploads additionally refresh that patient's activity.
	var patientRefreshes []string
	for _, ev := range h.events {
		if ev.Type == events.TypeRefreshPatientActivity {
			patientRefreshes = append(patientRefreshes, ev.PatientID)
		}
	}
	assert.Equal(t, []string{"patient-3"}, patientRefreshes)
}

func TestProcessDuplicateTriggerIsNoOp(t *testing.T) {
	h := newHarness(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var sessionCalls int
	h.backend.createSession = func(req api.CreateSessionRequest) (*api.Session, error) {
		sessionCalls++
		close(entered)
		<-release
		return &api.Session{ID: "sess-1"}, nil
	}

	id := h.queue(t, []byte("x"))
	done := make(chan struct{})
	go func() {
		h.o.Process(id)
		close(done)
	}()
	<-entered

	// Second trigger while the first attempt is in flight returns without
	// touching the backend.
	h.o.Process(id)
	assert.Equal(t, 1, sessionCalls)

	close(release)
	<-done

	// And a trigger after completion is equally a no-op.
	h.o.Process(id)
	assert.Equal(t, 1, sessionCalls)
}

func TestProcessSessionCreateFailure(t *testing.T) {
	h := newHarness(t)
	h.backend.createSession = func(req api.CreateSessionRequest) (*api.Session, error) {
		return nil, errors.New("backend down")
	}

	id := h.queue(t, []byte("x"))
	h.o.Process(id)

	entry, ok := h.o.Get(id)
	require.True(t, ok, "failed upload must stay visible in the queue")
	assert.Equal(t, StatusFailed, entry.Status)
	assert.Contains(t, entry.Error, "could not create the session")
	assert.Contains(t, entry.Error, "backend down")

	// The local copy carries the failure for later recovery.
	require.Len(t, h.store.failed, 1)
	assert.Equal(t, entry.Error, h.store.failed[entry.LocalRecordingID])
	assert.Empty(t, h.store.uploaded)

	notes := h.notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, events.LevelError, notes[0].Level)
	assert.Equal(t, "Upload failed", notes[0].Title)

	// No removal is scheduled for failures.
	assert.Empty(t, h.scheduled)
}

func TestProcessUploadFailureKeepsLocalCopy(t *testing.T) {
	h := newHarness(t)
	h.backend.uploadAudio = func(recordingID string, data []byte, fileName, mimeType string) (string, error) {
		return "", errors.New("connection reset")
	}

	id := h.queue(t, []byte("precious audio"))
	h.o.Process(id)

	entry, _ := h.o.Get(id)
	assert.Equal(t, StatusFailed, entry.Status)
	require.NotEmpty(t, entry.LocalRecordingID)
	assert.Equal(t, []byte("precious audio"), h.store.saved[entry.LocalRecordingID])
	assert.Empty(t, h.store.deleted)
}

func TestProcessLocalSaveFailureContinuesInMemory(t *testing.T) {
	h := newHarness(t)
	h.store.saveErr = errors.New("disk full")

	var uploadedData []byte
	h.backend.uploadAudio = func(recordingID string, data []byte, fileName, mimeType string) (string, error) {
		uploadedData = data
		return "storage/path", nil
	}

	id := h.queue(t, []byte("in-memory only"))
	h.o.Process(id)

	entry, _ := h.o.Get(id)
	assert.Equal(t, StatusCompleted, entry.Status)
	assert.Empty(t, entry.LocalRecordingID)
	assert.Equal(t, []byte("in-memory only"), uploadedData)
	assert.Empty(t, h.store.uploaded)
}

func TestProcessTranscriptionStartFailureStillCompletes(t *testing.T) {
	h := newHarness(t)
	h.backend.startTranscription = func(recordingID string) error {
		return errors.New("transcription service unavailable")
	}

	id := h.queue(t, []byte("x"))
	h.o.Process(id)

	entry, _ := h.o.Get(id)
	assert.Equal(t, StatusCompleted, entry.Status)
	assert.Equal(t, 100, entry.ProgressPercent)
	assert.Empty(t, h.tracker.added)

	// The user is told transcription needs a manual start, then success.
	notes := h.notifications()
	require.Len(t, notes, 2)
	assert.Equal(t, events.LevelInfo, notes[0].Level)
	assert.Equal(t, "Transcription not started", notes[0].Title)
	assert.Equal(t, events.LevelSuccess, notes[1].Level)
}

func TestCancelQueuedUpload(t *testing.T) {
	h := newHarness(t)
	id := h.queue(t, []byte("x"))

	require.NoError(t, h.o.Cancel(context.Background(), id))
	_, ok := h.o.Get(id)
	assert.False(t, ok)
}

func TestCancelUnknownUpload(t *testing.T) {
	h := newHarness(t)
	err := h.o.Cancel(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownUpload)
}

func TestCancelAfterProcessingStarted(t *testing.T) {
	h := newHarness(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.backend.createSession = func(req api.CreateSessionRequest) (*api.Session, error) {
		close(entered)
		<-release
		return &api.Session{ID: "sess-1"}, nil
	}

	id := h.queue(t, []byte("x"))
	done := make(chan struct{})
	go func() {
		h.o.Process(id)
		close(done)
	}()
	<-entered

	err := h.o.Cancel(context.Background(), id)
	assert.ErrorIs(t, err, ErrAlreadyProcessing)

	close(release)
	<-done
}
