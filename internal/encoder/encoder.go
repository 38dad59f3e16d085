// Package encoder supervises the external transcoder that turns a source file
// into fixed-duration transport-stream segments.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ManifestName is the playlist the encoder maintains in its output directory.
// It is never served; playlists are rebuilt from the committed segments.
const ManifestName = "encoder.m3u8"

var (
	// ErrStopped is reported by Handle.Err when the process exited because
	// Stop was called.
	ErrStopped = errors.New("encoder stopped")

	// ErrProberUnavailable means the probe binary could not be executed.
	ErrProberUnavailable = errors.New("prober unavailable")

	// ErrUnsupportedSource means the source could not be read as media.
	ErrUnsupportedSource = errors.New("unsupported source")
)

// ExitError is reported when the encoder exits non-zero on its own.
type ExitError struct {
	Code   int
	Stderr []string
}

func (e *ExitError) Error() string {
	if len(e.Stderr) == 0 {
		return fmt.Sprintf("encoder exited with code %d", e.Code)
	}
	return fmt.Sprintf("encoder exited with code %d: %s", e.Code, e.Stderr[len(e.Stderr)-1])
}

// Tail returns the captured stderr lines joined by newlines.
func (e *ExitError) Tail() string {
	return strings.Join(e.Stderr, "\n")
}

// Spec describes one encoder run.
type Spec struct {
	SourcePath string
	// Offset is where in the source the run starts; segment StartNumber
	// covers [Offset, Offset+SegmentDuration).
	Offset          time.Duration
	StartNumber     int
	SegmentDuration time.Duration
	OutputDir       string
	// SegmentPattern is a printf pattern with one %d for the index.
	SegmentPattern string
}

// Validate reports obviously unusable specs.
func (s Spec) Validate() error {
	switch {
	case s.SourcePath == "":
		return errors.New("source path is required")
	case s.OutputDir == "":
		return errors.New("output directory is required")
	case s.SegmentDuration <= 0:
		return errors.New("segment duration must be positive")
	case s.Offset < 0:
		return errors.New("offset must not be negative")
	case s.StartNumber < 0:
		return errors.New("start number must not be negative")
	case strings.Count(s.SegmentPattern, "%d") != 1:
		return fmt.Errorf("segment pattern %q must contain exactly one %%d", s.SegmentPattern)
	}
	return nil
}

// Encoder launches encoder runs.
type Encoder interface {
	Start(ctx context.Context, spec Spec) (Handle, error)
}

// Handle controls one running encoder.
type Handle interface {
	// Stop terminates the process and returns once it has been reaped, so no
	// segment is written after Stop returns. Safe to call repeatedly and
	// after the process exited.
	Stop(ctx context.Context) error
	Alive() bool
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// Err is valid after Done: nil for a clean exit, ErrStopped or *ExitError.
	Err() error
	Pid() int
	// Progress is how far into the run the encoder has written output.
	Progress() time.Duration
}
