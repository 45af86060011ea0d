package capture

import (
	"context"
	"io"
	"time"
)

// SourceKind identifies where a capture's audio comes from.
type SourceKind string

const (
	SourceMic    SourceKind = "microphone"
	SourceApp    SourceKind = "application"
	SourceSystem SourceKind = "system"
)

// CapturedAudio is the finished result of one capture: the encoded bytes,
// the negotiated mime type and the measured duration. It is not persisted
// here; callers hand it to the local recording store immediately.
type CapturedAudio struct {
	Data            []byte
	MimeType        string
	Ext             string
	DurationSeconds float64
}

// Stream is a live encoded audio stream. Read returns io.EOF when the
// underlying track ends, which happens when the user revokes a share or the
// captured application goes away; the recorder auto-stops on it.
type Stream interface {
	io.ReadCloser

	// RequestStop asks the encoder to finalize. Remaining data stays
	// readable until EOF; Close is the hard teardown.
	RequestStop() error
}

// Request identifies what a backend should open a stream for.
type Request struct {
	Kind     SourceKind
	Device   string // mic: optional device id
	AppMatch string // app: target application name
	Encoding Encoding
}

// Backend acquires live audio streams from the operating system.
type Backend interface {
	// OpenStream resolves the requested source and starts encoding. Errors
	// map onto the capture error categories (permission, device, audio
	// tracks, unsupported).
	OpenStream(ctx context.Context, req Request) (Stream, error)

	// Supports reports whether the backend can produce the encoding.
	Supports(enc Encoding) bool

	// ListSources enumerates capturable sources for pickers and diagnostics.
	ListSources(ctx context.Context) ([]SourceInfo, error)
}

// SourceInfo describes one capturable source.
type SourceInfo struct {
	Name string     `json:"name"`
	Kind SourceKind `json:"kind"`
}

// Options tunes the shared recorder engine.
type Options struct {
	// ChunkInterval is the time-slice at which buffered audio is cut into
	// chunks, guaranteeing partial data survives abrupt termination.
	ChunkInterval time.Duration
	// StopFlushTimeout bounds the wait for the final flush on stop. If the
	// encoder stalls past it, whatever chunks exist are assembled.
	StopFlushTimeout time.Duration
	// MinCaptureBytes is the floor applied by app/system sources.
	MinCaptureBytes int64
}
