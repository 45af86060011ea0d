package capture

import (
	"context"
	"fmt"
)

// MicSource records continuously from a microphone, optionally a specific
// device. Supports pause/resume without destroying the underlying stream.
type MicSource struct {
	*Recorder
}

// NewMicSource creates a microphone source.
func NewMicSource(backend Backend, device string, opts Options) *MicSource {
	return &MicSource{
		Recorder: NewRecorder(backend, Request{Kind: SourceMic, Device: device}, opts),
	}
}

// AppSource records the audio of a single running application, the desktop
// analog of capturing a browser tab. The SELECTING state covers resolving
// the target application's stream; a selection without audio is an error the
// user must fix by enabling audio for the target. Recording auto-stops if
// the application's stream goes away.
type AppSource struct {
	*Recorder
	minBytes int64
}

// NewAppSource creates an application-audio source targeting appMatch.
func NewAppSource(backend Backend, appMatch string, opts Options) *AppSource {
	return &AppSource{
		Recorder: NewRecorder(backend, Request{Kind: SourceApp, AppMatch: appMatch}, opts),
		minBytes: opts.MinCaptureBytes,
	}
}

// Stop finalizes the capture and rejects results below the minimum usable
// size as a failed or silent capture.
func (s *AppSource) Stop(ctx context.Context) (CapturedAudio, error) {
	result, err := s.Recorder.Stop(ctx)
	if err != nil {
		return CapturedAudio{}, err
	}
	if int64(len(result.Data)) < s.minBytes {
		return CapturedAudio{}, fmt.Errorf("%w: the application produced almost no audio (%d bytes); make sure it was playing sound and that audio sharing is enabled", ErrCaptureTooSmall, len(result.Data))
	}
	return result, nil
}

// SystemSource records the system-wide monitor (loopback) stream. Same
// zero-audio-stream policy and auto-stop behavior as AppSource, with its own
// remediation message for undersized results.
type SystemSource struct {
	*Recorder
	minBytes int64
}

// NewSystemSource creates a system-audio source.
func NewSystemSource(backend Backend, opts Options) *SystemSource {
	return &SystemSource{
		Recorder: NewRecorder(backend, Request{Kind: SourceSystem}, opts),
		minBytes: opts.MinCaptureBytes,
	}
}

// Stop finalizes the capture and applies the minimum-size floor.
func (s *SystemSource) Stop(ctx context.Context) (CapturedAudio, error) {
	result, err := s.Recorder.Stop(ctx)
	if err != nil {
		return CapturedAudio{}, err
	}
	if int64(len(result.Data)) < s.minBytes {
		return CapturedAudio{}, fmt.Errorf("%w: system audio capture was silent (%d bytes); check that system audio sharing is enabled and something was playing", ErrCaptureTooSmall, len(result.Data))
	}
	return result, nil
}
