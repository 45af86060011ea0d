package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Recorder is the shared capture engine behind all three sources. It buffers
// encoded audio in small time-sliced chunks while recording so that partial
// data survives an abrupt termination, and assembles the chunks into one
// blob on stop.
type Recorder struct {
	backend Backend
	opts    Options
	req     Request

	mutex    sync.Mutex
	state    State
	stream   Stream
	encoding Encoding

	chunks    [][]byte
	pending   []byte
	lastCut   time.Time
	paused    bool
	recorded  time.Duration
	segStart  time.Time
	readDone  chan struct{}
	readErr   error
	result    *CapturedAudio

	// onAutoStop fires when the stream ends on its own (revoked share,
	// captured application exiting).
	onAutoStop func(CapturedAudio)

	now func() time.Time
}

// NewRecorder creates an idle recorder for the given request.
func NewRecorder(backend Backend, req Request, opts Options) *Recorder {
	return &Recorder{
		backend: backend,
		req:     req,
		opts:    opts,
		state:   StateIdle,
		now:     time.Now,
	}
}

// SetAutoStopHandler registers a callback for stream-ended auto-stops. Must
// be called before Start.
func (r *Recorder) SetAutoStopHandler(fn func(CapturedAudio)) {
	r.onAutoStop = fn
}

// State returns the current lifecycle state.
func (r *Recorder) State() State {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.state
}

// Start negotiates an encoding, opens the stream and begins buffering.
// Failures leave the recorder in FAILED; the caller decides whether to
// Reset and Start again. Nothing is retried automatically.
func (r *Recorder) Start(ctx context.Context) error {
	r.mutex.Lock()
	next, err := transition(r.state, StateSelecting)
	if err != nil {
		r.mutex.Unlock()
		return err
	}
	r.state = next
	r.mutex.Unlock()

	enc, err := NegotiateEncoding(r.backend.Supports)
	if err != nil {
		r.fail(err)
		return err
	}

	req := r.req
	req.Encoding = enc
	stream, err := r.backend.OpenStream(ctx, req)
	if err != nil {
		r.fail(err)
		return err
	}

	r.mutex.Lock()
	next, terr := transition(r.state, StateRecording)
	if terr != nil {
		r.mutex.Unlock()
		stream.Close()
		return terr
	}
	r.state = next
	r.stream = stream
	r.encoding = enc
	r.chunks = nil
	r.pending = nil
	r.recorded = 0
	r.segStart = r.now()
	r.lastCut = r.segStart
	r.readDone = make(chan struct{})
	r.readErr = nil
	r.result = nil
	r.mutex.Unlock()

	go r.readLoop(stream)

	slog.Info("Capture started", "kind", r.req.Kind, "mime", enc.MimeType)
	return nil
}

// readLoop drains the stream, cutting the pending buffer into a chunk every
// ChunkInterval. Data read while paused is discarded, mirroring a pause that
// stops buffering without destroying the underlying stream.
func (r *Recorder) readLoop(stream Stream) {
	defer close(r.readDone)

	buf := make([]byte, 32*1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			r.mutex.Lock()
			if !r.paused {
				r.pending = append(r.pending, buf[:n]...)
				if now := r.now(); now.Sub(r.lastCut) >= r.opts.ChunkInterval {
					r.cutChunkLocked()
					r.lastCut = now
				}
			}
			r.mutex.Unlock()
		}
		if err != nil {
			r.mutex.Lock()
			r.cutChunkLocked()
			r.mutex.Unlock()
			r.handleStreamEnd(err)
			return
		}
	}
}

func (r *Recorder) cutChunkLocked() {
	if len(r.pending) > 0 {
		r.chunks = append(r.chunks, r.pending)
		r.pending = nil
	}
}

// handleStreamEnd deals with the stream finishing outside an explicit Stop:
// EOF means the track ended (auto-stop), anything else fails the capture.
func (r *Recorder) handleStreamEnd(err error) {
	r.mutex.Lock()
	if r.state == StateStopping || r.state == StateStopped || r.state == StateFailed {
		// explicit Stop in progress owns finalization
		r.mutex.Unlock()
		return
	}

	if !errors.Is(err, io.EOF) {
		r.readErr = err
		r.state = StateFailed
		r.mutex.Unlock()
		slog.Error("Capture stream failed", "kind", r.req.Kind, "error", err)
		return
	}

	slog.Info("Capture track ended, auto-stopping", "kind", r.req.Kind)
	if !r.paused {
		r.recorded += r.now().Sub(r.segStart)
	}
	result := r.finalizeLocked()
	r.mutex.Unlock()

	if r.onAutoStop != nil {
		r.onAutoStop(result)
	}
}

// Pause stops the duration timer and buffering without tearing the stream
// down.
func (r *Recorder) Pause() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	next, err := transition(r.state, StatePaused)
	if err != nil {
		return err
	}
	r.cutChunkLocked()
	r.recorded += r.now().Sub(r.segStart)
	r.paused = true
	r.state = next
	return nil
}

// Resume restarts buffering and the duration timer.
func (r *Recorder) Resume() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	next, err := transition(r.state, StateRecording)
	if err != nil {
		return err
	}
	r.paused = false
	r.segStart = r.now()
	r.lastCut = r.segStart
	r.state = next
	return nil
}

// Stop requests a final flush from the encoder, waits for it within the
// flush timeout, and assembles the buffered chunks into the finished blob.
// A stalled encoder cannot hang the capture: past the timeout whatever
// chunks exist are assembled.
func (r *Recorder) Stop(ctx context.Context) (CapturedAudio, error) {
	r.mutex.Lock()
	if r.state == StateStopped && r.result != nil {
		// stream ended on its own; hand back the assembled result
		res := *r.result
		r.mutex.Unlock()
		return res, nil
	}
	if r.state == StateFailed {
		err := r.readErr
		r.mutex.Unlock()
		if err == nil {
			err = fmt.Errorf("capture failed")
		}
		return CapturedAudio{}, err
	}

	next, err := transition(r.state, StateStopping)
	if err != nil {
		r.mutex.Unlock()
		return CapturedAudio{}, err
	}
	if !r.paused {
		r.recorded += r.now().Sub(r.segStart)
	}
	r.state = next
	stream := r.stream
	done := r.readDone
	r.mutex.Unlock()

	if stream != nil {
		if err := stream.RequestStop(); err != nil {
			slog.Warn("Failed to request encoder stop", "error", err)
		}
	}

	if done != nil {
		select {
		case <-done:
		case <-time.After(r.opts.StopFlushTimeout):
			slog.Warn("Encoder did not flush within timeout, assembling buffered chunks", "kind", r.req.Kind)
			if stream != nil {
				stream.Close()
			}
		case <-ctx.Done():
			if stream != nil {
				stream.Close()
			}
		}
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	result := r.finalizeLocked()
	return result, nil
}

// finalizeLocked assembles chunks, releases the stream and lands in STOPPED.
func (r *Recorder) finalizeLocked() CapturedAudio {
	r.cutChunkLocked()

	var buf bytes.Buffer
	for _, c := range r.chunks {
		buf.Write(c)
	}

	if r.state != StateStopping {
		if next, err := transition(r.state, StateStopping); err == nil {
			r.state = next
		}
	}
	r.paused = false
	if next, err := transition(r.state, StateStopped); err == nil {
		r.state = next
	}

	if r.stream != nil {
		r.stream.Close()
		r.stream = nil
	}

	result := CapturedAudio{
		Data:            buf.Bytes(),
		MimeType:        r.encoding.MimeType,
		Ext:             r.encoding.Ext,
		DurationSeconds: r.recorded.Seconds(),
	}
	r.result = &result
	r.chunks = nil

	slog.Info("Capture finished", "kind", r.req.Kind, "bytes", len(result.Data), "duration_s", result.DurationSeconds)
	return result
}

// Reset releases any held resources and returns the recorder to IDLE.
func (r *Recorder) Reset() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	next, err := transition(r.state, StateIdle)
	if err != nil {
		return err
	}
	if r.stream != nil {
		r.stream.Close()
		r.stream = nil
	}
	r.chunks = nil
	r.pending = nil
	r.result = nil
	r.readErr = nil
	r.paused = false
	r.recorded = 0
	r.state = next
	return nil
}

func (r *Recorder) fail(err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.readErr = err
	r.state = StateFailed
}
