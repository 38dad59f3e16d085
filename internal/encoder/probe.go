package encoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// ProbeResult is the subset of ffprobe -show_format -show_streams output
// the server needs.
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// ProbeFormat contains container format information.
type ProbeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	BitRate    string `json:"bit_rate"`
}

// ProbeStream contains per-stream information.
type ProbeStream struct {
	Index     int    `json:"index"`
	CodecName string `json:"codec_name"`
	CodecType string `json:"codec_type"` // video, audio, subtitle, data
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// Duration returns the container duration, or 0 when unknown.
func (r *ProbeResult) Duration() time.Duration {
	secs, err := strconv.ParseFloat(r.Format.Duration, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// HasVideo reports whether any stream is video.
func (r *ProbeResult) HasVideo() bool {
	return r.hasType("video")
}

// HasAudio reports whether any stream is audio.
func (r *ProbeResult) HasAudio() bool {
	return r.hasType("audio")
}

func (r *ProbeResult) hasType(codecType string) bool {
	for _, s := range r.Streams {
		if s.CodecType == codecType {
			return true
		}
	}
	return false
}

// Prober runs ffprobe against local files.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
}

// NewProber creates a prober for the given binary.
func NewProber(ffprobePath string) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Prober{
		ffprobePath: ffprobePath,
		timeout:     15 * time.Second,
	}
}

// WithTimeout sets the probe timeout.
func (p *Prober) WithTimeout(timeout time.Duration) *Prober {
	p.timeout = timeout
	return p
}

// Probe inspects path. ErrProberUnavailable means ffprobe itself could not be
// run; ErrUnsupportedSource means it ran and rejected the file.
func (p *Prober) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrProberUnavailable, err)
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("probe timeout after %v", p.timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: ffprobe exit %d", ErrUnsupportedSource, exitErr.ExitCode())
		}
		return nil, fmt.Errorf("%w: %v", ErrProberUnavailable, err)
	}
	return parseProbe(output)
}

func parseProbe(output []byte) (*ProbeResult, error) {
	var result ProbeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output: %w", err)
	}
	if !result.HasVideo() && !result.HasAudio() {
		return nil, fmt.Errorf("%w: no audio or video streams", ErrUnsupportedSource)
	}
	return &result, nil
}
