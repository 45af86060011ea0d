package capture

import "errors"

// Capture failures are surfaced to the caller as one of these categories,
// each with an actionable message. None of them is retried automatically;
// the caller decides whether to invoke Start again.
var (
	ErrPermissionDenied = errors.New("audio capture permission denied: grant the agent access to audio devices and try again")

	ErrNoMatchingDevice = errors.New("no matching capture device found: check that the device is connected and not in use")

	ErrUnsupported = errors.New("audio capture is not supported on this system: no usable capture backend found")

	// ErrNoAudioTracks means the selected share exposes no audio stream. The
	// user must explicitly enable audio sharing for the selection.
	ErrNoAudioTracks = errors.New("the selected source has no audio: enable audio sharing for it and start again")

	// ErrCaptureTooSmall marks a result below the minimum usable size,
	// treated as a silent or failed capture rather than a recording.
	ErrCaptureTooSmall = errors.New("recording too short or no audio captured")
)
