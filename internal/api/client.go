// Package api is the HTTP client for the clinic backend: session and
// recording records, audio blob upload, transcription control and the
// session keepalive. Wire formats are owned by the backend; this client
// only speaks its request/response contracts.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/clinivoice/capture-agent/internal/config"
)

// TokenSource supplies the bearer credential for every request.
type TokenSource interface {
	Token() (string, error)
}

// Client talks to the clinic backend.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	uploader   *http.Client // longer timeout for blob uploads
}

// NewClient builds a client from configuration.
func NewClient(cfg config.APIConfig, tokens TokenSource) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		uploader:   &http.Client{Timeout: cfg.UploadTimeout},
	}
}

// Session is a remote clinical session record.
type Session struct {
	ID string `json:"id"`
}

// Recording is a remote recording record.
type Recording struct {
	ID       string `json:"id"`
	FileName string `json:"file_name"`
}

// RecordingStatus is the transcription status of one recording.
type RecordingStatus struct {
	Status string `json:"status"` // processing | completed | failed
	Error  string `json:"error,omitempty"`
}

// ProcessingRecording is a recording still in processing state, returned by
// the recovery query.
type ProcessingRecording struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	FileName  string     `json:"file_name,omitempty"`
	StartedAt *time.Time `json:"transcription_started_at,omitempty"`
}

// CreateSessionRequest creates a session, optionally attached to a patient.
type CreateSessionRequest struct {
	UserID    string  `json:"user_id"`
	ClinicID  string  `json:"clinic_id"`
	PatientID *string `json:"patient_id"`
	Title     string  `json:"title"`
}

// CreateSession creates a remote session and returns its id.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	var out Session
	if err := c.doJSON(ctx, http.MethodPost, "/api/sessions", req, &out); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &out, nil
}

// CreateRecordingRequest creates the metadata record before bytes move.
type CreateRecordingRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	FileName  string `json:"file_name"`
}

// CreateRecording creates the remote recording record (metadata only).
func (c *Client) CreateRecording(ctx context.Context, req CreateRecordingRequest) (*Recording, error) {
	var out Recording
	if err := c.doJSON(ctx, http.MethodPost, "/api/recordings", req, &out); err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	return &out, nil
}

// UpdateRecording sets the final duration on the remote record.
func (c *Client) UpdateRecording(ctx context.Context, id string, durationSeconds float64) error {
	body := map[string]float64{"duration_seconds": durationSeconds}
	if err := c.doJSON(ctx, http.MethodPatch, "/api/recordings/"+id, body, nil); err != nil {
		return fmt.Errorf("update recording: %w", err)
	}
	return nil
}

// GetRecordingStatus fetches the transcription status. With sync set, the
// backend reconciles against the transcription service before answering;
// callers throttle that because it is expensive.
func (c *Client) GetRecordingStatus(ctx context.Context, id string, sync bool) (*RecordingStatus, error) {
	path := "/api/recordings/" + id + "/status"
	if sync {
		path += "?sync=true"
	}
	var out RecordingStatus
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("get recording status: %w", err)
	}
	return &out, nil
}

// MarkRecordingFailed writes a terminal failure server-side, used by the
// monitor's timeout backstop.
func (c *Client) MarkRecordingFailed(ctx context.Context, id, message string) error {
	body := map[string]string{"status": "failed", "error": message}
	if err := c.doJSON(ctx, http.MethodPatch, "/api/recordings/"+id+"/status", body, nil); err != nil {
		return fmt.Errorf("mark recording failed: %w", err)
	}
	return nil
}

// ListProcessingRecordings returns the user's recordings still processing,
// optionally filtered to one session. This is the recovery query run at
// startup to re-track jobs that outlived the previous agent process.
func (c *Client) ListProcessingRecordings(ctx context.Context, sessionID string) ([]ProcessingRecording, error) {
	path := "/api/recordings?status=processing"
	if sessionID != "" {
		path += "&session_id=" + sessionID
	}
	var out []ProcessingRecording
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("list processing recordings: %w", err)
	}
	return out, nil
}

// UploadAudio sends the blob as multipart form data under a path keyed by
// the recording id and returns the storage path.
func (c *Client) UploadAudio(ctx context.Context, recordingID string, data []byte, fileName, mimeType string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("mime_type", mimeType); err != nil {
		return "", fmt.Errorf("upload audio: %w", err)
	}
	fw, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return "", fmt.Errorf("upload audio: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return "", fmt.Errorf("upload audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("upload audio: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/recordings/"+recordingID+"/audio", &body)
	if err != nil {
		return "", fmt.Errorf("upload audio: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if err := c.authorize(req); err != nil {
		return "", err
	}

	resp, err := c.uploader.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload audio: %s", readAPIError(resp))
	}

	var out struct {
		StoragePath string `json:"storage_path"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("upload audio: decode response: %w", err)
	}
	return out.StoragePath, nil
}

// StartTranscription kicks off asynchronous transcription. Fire-and-forget:
// completion is observed later via polling, not via this call.
func (c *Client) StartTranscription(ctx context.Context, recordingID string) error {
	if err := c.doJSON(ctx, http.MethodPost, "/api/recordings/"+recordingID+"/transcribe", nil, nil); err != nil {
		return fmt.Errorf("start transcription: %w", err)
	}
	return nil
}

// ExtendSession signals activity so the backend does not idle-expire the
// login while long-running background work is in flight. Best-effort.
func (c *Client) ExtendSession(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodPost, "/api/auth/extend", nil, nil); err != nil {
		return fmt.Errorf("extend session: %w", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s", readAPIError(resp))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) authorize(req *http.Request) error {
	token, err := c.tokens.Token()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func readAPIError(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Sprintf("server error (%d): %s", resp.StatusCode, apiErr.Error)
	}
	return fmt.Sprintf("server error (%d)", resp.StatusCode)
}
