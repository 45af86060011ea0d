package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinivoice/capture-agent/internal/auth"
	"github.com/clinivoice/capture-agent/internal/capture"
	"github.com/clinivoice/capture-agent/internal/events"
	"github.com/clinivoice/capture-agent/internal/monitor"
	"github.com/clinivoice/capture-agent/internal/store"
	"github.com/clinivoice/capture-agent/internal/uploader"
)

// stubService records calls and returns canned values; tests override the
// fields they care about.
type stubService struct {
	bus *events.Bus

	state       capture.State
	startErr    error
	started     []string
	stopSession string
	stopPatient string
	stopErr     error
	canceled    []string
	dismissed   []string
	retried     []string
	deleted     []string
	uploads     []uploader.PendingUpload
	jobs        []monitor.Job
	recordings  []store.Metadata
	usage       store.Usage
}

func newStubService() *stubService {
	return &stubService{bus: events.NewBus()}
}

func (s *stubService) StartCapture(ctx context.Context, kind capture.SourceKind, target string) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started = append(s.started, string(kind)+":"+target)
	s.state = capture.StateRecording
	return nil
}

func (s *stubService) PauseCapture() error {
	s.state = capture.StatePaused
	return nil
}

func (s *stubService) ResumeCapture() error {
	s.state = capture.StateRecording
	return nil
}

func (s *stubService) StopAndQueue(ctx context.Context, sessionID, patientID string) (string, error) {
	if s.stopErr != nil {
		return "", s.stopErr
	}
	s.stopSession, s.stopPatient = sessionID, patientID
	s.state = capture.StateIdle
	return "upload-1", nil
}

func (s *stubService) DiscardCapture() error {
	s.state = capture.StateIdle
	return nil
}

func (s *stubService) CaptureState() capture.State { return s.state }

func (s *stubService) ListSources(ctx context.Context) ([]capture.SourceInfo, error) {
	return []capture.SourceInfo{{Name: "Built-in Microphone", Kind: capture.SourceMic}}, nil
}

func (s *stubService) Uploads() []uploader.PendingUpload { return s.uploads }

func (s *stubService) CancelUpload(ctx context.Context, id string) error {
	s.canceled = append(s.canceled, id)
	return nil
}

func (s *stubService) RetryUpload(ctx context.Context, localRecordingID string) (string, error) {
	s.retried = append(s.retried, localRecordingID)
	return "upload-2", nil
}

func (s *stubService) LocalRecordings(ctx context.Context) ([]store.Metadata, error) {
	return s.recordings, nil
}

func (s *stubService) DownloadRecording(ctx context.Context, id, destPath string) error { return nil }

func (s *stubService) DeleteRecording(ctx context.Context, id string) error {
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *stubService) WipeRecordings(ctx context.Context) error { return nil }

func (s *stubService) StorageUsage(ctx context.Context) (store.Usage, error) {
	return s.usage, nil
}

func (s *stubService) Transcriptions() []monitor.Job { return s.jobs }

func (s *stubService) DismissTranscription(recordingID string) {
	s.dismissed = append(s.dismissed, recordingID)
}

func (s *stubService) RecoverTranscriptions(ctx context.Context, sessionID string) error { return nil }

func (s *stubService) Login(token string) (*auth.Claims, error) { return nil, nil }
func (s *stubService) Logout(ctx context.Context) error         { return nil }
func (s *stubService) Subscribe(fn func(events.Event))          { s.bus.Subscribe(fn) }
func (s *stubService) Close() error                             { return nil }

func newTestServer(t *testing.T) (*stubService, *httptest.Server) {
	t.Helper()
	svc := newStubService()
	srv := New(svc, "0")
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return svc, ts
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func postJSON(t *testing.T, url string, body any, out any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestStatusEndpoint(t *testing.T) {
	svc, ts := newTestServer(t)
	svc.state = capture.StateRecording
	svc.uploads = []uploader.PendingUpload{{ID: "u1"}}
	svc.jobs = []monitor.Job{{RecordingID: "r1"}, {RecordingID: "r2"}}
	svc.usage = store.Usage{Count: 3, TotalSize: 1234}

	var status StatusResponse
	resp := getJSON(t, ts.URL+"/api/status", &status)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "RECORDING", status.CaptureState)
	assert.Equal(t, 1, status.QueueLength)
	assert.Equal(t, 2, status.Transcriptions)
	assert.Equal(t, 3, status.StoredCount)
	assert.Equal(t, int64(1234), status.StoredBytes)
}

func TestRecordLifecycleEndpoints(t *testing.T) {
	svc, ts := newTestServer(t)

	var out map[string]string
	resp := postJSON(t, ts.URL+"/api/record/start", map[string]string{"kind": "application", "target": "meet"}, &out)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "RECORDING", out["state"])
	assert.Equal(t, []string{"application:meet"}, svc.started)

	postJSON(t, ts.URL+"/api/record/pause", nil, &out)
	assert.Equal(t, "PAUSED", out["state"])

	postJSON(t, ts.URL+"/api/record/resume", nil, &out)
	assert.Equal(t, "RECORDING", out["state"])

	resp = postJSON(t, ts.URL+"/api/record/stop", map[string]string{"session_id": "sess-1"}, &out)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "upload-1", out["upload_id"])
	assert.Equal(t, "sess-1", svc.stopSession)
}

func TestRecordStartConflict(t *testing.T) {
	svc, ts := newTestServer(t)
	svc.startErr = capture.ErrInvalidTransition

	var out map[string]string
	resp := postJSON(t, ts.URL+"/api/record/start", map[string]string{"kind": "microphone"}, &out)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.NotEmpty(t, out["error"])
}

func TestRecordStartRequiresPost(t *testing.T) {
	_, ts := newTestServer(t)
	resp := getJSON(t, ts.URL+"/api/record/start", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestQueueCancelEndpoint(t *testing.T) {
	svc, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/queue/u-123/cancel", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"u-123"}, svc.canceled)
}

func TestTranscriptionDismissEndpoint(t *testing.T) {
	svc, ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/transcriptions/rec-9", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"rec-9"}, svc.dismissed)
}

func TestRecordingRetryAndDelete(t *testing.T) {
	svc, ts := newTestServer(t)

	var out map[string]string
	resp := postJSON(t, ts.URL+"/api/recordings/local-1/retry", nil, &out)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "upload-2", out["upload_id"])
	assert.Equal(t, []string{"local-1"}, svc.retried)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/recordings/local-1", nil)
	require.NoError(t, err)
	dresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	dresp.Body.Close()
	assert.Equal(t, http.StatusOK, dresp.StatusCode)
	assert.Equal(t, []string{"local-1"}, svc.deleted)
}

func TestEventsEndpointFiltersBySince(t *testing.T) {
	svc, ts := newTestServer(t)

	svc.bus.Notify(events.LevelInfo, "first", "m1")
	cutoff := time.Now()
	time.Sleep(5 * time.Millisecond)
	svc.bus.Notify(events.LevelSuccess, "second", "m2")

	var out struct {
		Events []events.Event `json:"events"`
	}
	getJSON(t, ts.URL+"/api/events", &out)
	require.Len(t, out.Events, 2)

	out.Events = nil
	getJSON(t, ts.URL+"/api/events?since="+cutoff.Format(time.RFC3339Nano), &out)
	require.Len(t, out.Events, 1)
	assert.Equal(t, "second", out.Events[0].Title)
}

func TestEventsLongPollWakesOnNewEvent(t *testing.T) {
	svc := newStubService()
	srv := New(svc, "0")
	srv.pollWait = 5 * time.Second
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)

	go func() {
		time.Sleep(20 * time.Millisecond)
		svc.bus.Notify(events.LevelInfo, "late", "m")
	}()

	var out struct {
		Events []events.Event `json:"events"`
	}
	start := time.Now()
	getJSON(t, ts.URL+"/api/events", &out)
	require.Len(t, out.Events, 1)
	assert.Equal(t, "late", out.Events[0].Title)
	assert.Less(t, time.Since(start), srv.pollWait)
}

func TestEventsLongPollReturnsEmptyAfterWait(t *testing.T) {
	svc := newStubService()
	srv := New(svc, "0")
	srv.pollWait = 20 * time.Millisecond
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)

	svc.bus.Notify(events.LevelInfo, "old", "m")
	time.Sleep(5 * time.Millisecond)
	since := time.Now().Format(time.RFC3339Nano)

	var out struct {
		Events []events.Event `json:"events"`
	}
	getJSON(t, ts.URL+"/api/events?since="+since, &out)
	assert.Empty(t, out.Events)
}

func TestEventBacklogBounded(t *testing.T) {
	svc := newStubService()
	srv := New(svc, "0")

	for i := 0; i < eventBacklog+50; i++ {
		svc.bus.Notify(events.LevelInfo, "n", "m")
	}

	srv.eventMutex.RLock()
	defer srv.eventMutex.RUnlock()
	assert.Len(t, srv.recent, eventBacklog)
}
