package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// PipeWireBackend acquires audio through PipeWire, encoding with FFmpeg.
type PipeWireBackend struct {
	sampleRate int

	probeOnce sync.Once
	encoders  string
	probeErr  error
}

// NewPipeWireBackend creates the default capture backend.
func NewPipeWireBackend(sampleRate int) *PipeWireBackend {
	return &PipeWireBackend{sampleRate: sampleRate}
}

// Supports probes the installed FFmpeg encoder list once and checks the
// encoding's codec against it.
func (b *PipeWireBackend) Supports(enc Encoding) bool {
	b.probeOnce.Do(func() {
		out, err := exec.Command("ffmpeg", "-hide_banner", "-encoders").Output()
		if err != nil {
			b.probeErr = err
			return
		}
		b.encoders = string(out)
	})
	if b.probeErr != nil {
		return false
	}
	return strings.Contains(b.encoders, enc.Codec)
}

// ListSources enumerates PipeWire output ports and classifies them.
func (b *PipeWireBackend) ListSources(ctx context.Context) ([]SourceInfo, error) {
	out, err := exec.CommandContext(ctx, "pw-link", "-o").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire sources: %w", err)
	}

	var sources []SourceInfo
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sources = append(sources, SourceInfo{Name: line, Kind: classifySource(line)})
	}
	return sources, nil
}

func classifySource(port string) SourceKind {
	lower := strings.ToLower(port)
	switch {
	case strings.Contains(lower, "monitor"):
		return SourceSystem
	case strings.Contains(lower, "capture") || strings.Contains(lower, "alsa_input"):
		return SourceMic
	default:
		return SourceApp
	}
}

// OpenStream resolves the request to a PipeWire target and starts an FFmpeg
// process encoding it to stdout.
func (b *PipeWireBackend) OpenStream(ctx context.Context, req Request) (Stream, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg not installed", ErrUnsupported)
	}

	target := "default"
	switch req.Kind {
	case SourceMic:
		if req.Device != "" {
			target = req.Device
		}
	case SourceApp:
		port, err := b.resolveAppPort(ctx, req.AppMatch)
		if err != nil {
			return nil, err
		}
		target = port
	case SourceSystem:
		port, err := b.resolveMonitorPort(ctx)
		if err != nil {
			return nil, err
		}
		target = port
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "pulse",
		"-i", target,
		"-ac", "1",
		"-ar", fmt.Sprintf("%d", b.sampleRate),
		"-c:a", req.Encoding.Codec,
		"-f", req.Encoding.Container,
		"pipe:1",
	}

	cmd := exec.Command("ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	slog.Debug("FFmpeg capture process started", "kind", req.Kind, "target", target, "codec", req.Encoding.Codec)
	return &ffmpegStream{cmd: cmd, stdout: stdout, stderr: &stderr}, nil
}

// resolveAppPort finds the output port of a running application. Zero audio
// ports for a matched application is a user error, not a transient failure.
func (b *PipeWireBackend) resolveAppPort(ctx context.Context, appMatch string) (string, error) {
	if appMatch == "" {
		return "", fmt.Errorf("%w: no application selected", ErrNoMatchingDevice)
	}

	sources, err := b.ListSources(ctx)
	if err != nil {
		return "", err
	}

	match := strings.ToLower(appMatch)
	for _, src := range sources {
		if src.Kind == SourceApp && strings.Contains(strings.ToLower(src.Name), match) {
			return src.Name, nil
		}
	}

	// The application may be running without an audio stream.
	for _, src := range sources {
		if strings.Contains(strings.ToLower(src.Name), match) {
			return "", fmt.Errorf("%w: %q has no audio output", ErrNoAudioTracks, appMatch)
		}
	}
	return "", fmt.Errorf("%w: no running application matches %q", ErrNoMatchingDevice, appMatch)
}

func (b *PipeWireBackend) resolveMonitorPort(ctx context.Context) (string, error) {
	sources, err := b.ListSources(ctx)
	if err != nil {
		return "", err
	}
	for _, src := range sources {
		if src.Kind == SourceSystem {
			return src.Name, nil
		}
	}
	return "", fmt.Errorf("%w: no system monitor stream available", ErrNoAudioTracks)
}

// ffmpegStream adapts the encoder process to the Stream interface.
type ffmpegStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *strings.Builder

	waitOnce sync.Once
}

func (s *ffmpegStream) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if err != nil && err != io.EOF {
		return n, err
	}
	if err == io.EOF {
		s.reap()
		if msg := s.stderr.String(); msg != "" {
			if mapped := mapFFmpegError(msg); mapped != nil {
				return n, mapped
			}
		}
	}
	return n, err
}

// RequestStop asks FFmpeg to finalize the container; the remaining encoded
// data drains through stdout until EOF.
func (s *ffmpegStream) RequestStop() error {
	if s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Signal(os.Interrupt)
}

// Close hard-kills the encoder. Used when the flush timeout expires.
func (s *ffmpegStream) Close() error {
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.stdout.Close()
	s.reap()
	return nil
}

func (s *ffmpegStream) reap() {
	s.waitOnce.Do(func() {
		go s.cmd.Wait()
	})
}

// mapFFmpegError folds process stderr into the capture error categories so
// callers see an actionable message instead of encoder output.
func mapFFmpegError(stderr string) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "permission denied") || strings.Contains(lower, "access denied"):
		return fmt.Errorf("%w (%s)", ErrPermissionDenied, firstLine(stderr))
	case strings.Contains(lower, "no such device") || strings.Contains(lower, "device not found") || strings.Contains(lower, "connection refused"):
		return fmt.Errorf("%w (%s)", ErrNoMatchingDevice, firstLine(stderr))
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
