package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"hls-ondemand/internal/encoder"
	"hls-ondemand/internal/platform/metrics"
)

// Prober inspects a source before a session is created.
type Prober interface {
	Probe(ctx context.Context, path string) (*encoder.ProbeResult, error)
}

// Forwarder asks a second screen to open a URL.
type Forwarder interface {
	Open(ctx context.Context, url string) error
}

// Service validates requests and delegates to the Registry and Sessions.
type Service struct {
	registry  *Registry
	prober    Prober
	forwarder Forwarder
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// NewService returns a Service. prober and forwarder may be nil: without a
// prober sources are only checked for readability, without a forwarder
// pushToTv requests are ignored.
func NewService(reg *Registry, prober Prober, fwd Forwarder, log *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{registry: reg, prober: prober, forwarder: fwd, log: log, metrics: m}
}

// Registry returns the underlying registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// CreateStream validates path and starts a new session for it.
func (s *Service) CreateStream(ctx context.Context, path string) (*Session, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: filePath is required", ErrInvalidInput)
	}
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("%w: filePath must be absolute", ErrInvalidInput)
	}
	path = filepath.Clean(path)

	if err := checkReadable(path); err != nil {
		return nil, err
	}

	duration, err := s.probe(ctx, path)
	if err != nil {
		return nil, err
	}

	return s.registry.Create(ctx, path, duration)
}

func checkReadable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrInvalidInput, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return f.Close()
}

// probe returns the source duration, 0 when it cannot be determined.
// Only a source the prober positively rejects is an error.
func (s *Service) probe(ctx context.Context, path string) (time.Duration, error) {
	if s.prober == nil {
		return 0, nil
	}
	res, err := s.prober.Probe(ctx, path)
	switch {
	case err == nil:
		return res.Duration(), nil
	case errors.Is(err, encoder.ErrUnsupportedSource):
		return 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	default:
		s.log.Warn("probe skipped", slog.String("source", path), slog.String("error", err.Error()))
		return 0, nil
	}
}

// PushToTV forwards url to the second-screen forwarder and reports whether
// it accepted it. Failures never affect the stream.
func (s *Service) PushToTV(ctx context.Context, url string) bool {
	if s.forwarder == nil {
		s.log.Debug("pushToTv requested but no forwarder configured")
		return false
	}
	if err := s.forwarder.Open(ctx, url); err != nil {
		s.log.Warn("push to tv failed", slog.String("url", url), slog.String("error", err.Error()))
		return false
	}
	s.log.Info("pushed stream to tv", slog.String("url", url))
	return true
}

// Seek moves stream id to position seconds.
func (s *Service) Seek(ctx context.Context, id StreamID, position float64) (SeekResult, error) {
	if math.IsNaN(position) || math.IsInf(position, 0) || position < 0 {
		return SeekResult{}, fmt.Errorf("%w: position must be a non-negative number of seconds", ErrInvalidInput)
	}
	sess, err := s.registry.Get(id)
	if err != nil {
		return SeekResult{}, err
	}

	start := time.Now()
	res, err := sess.Seek(ctx, time.Duration(position*float64(time.Second)))
	if s.metrics != nil {
		s.metrics.ObserveSeek(seekOutcome(res, err), time.Since(start))
	}
	return res, err
}

func seekOutcome(res SeekResult, err error) string {
	switch {
	case err == nil && res.Restarted:
		return metrics.SeekRestarted
	case err == nil:
		return metrics.SeekCovered
	case errors.Is(err, ErrSeekTimeout):
		return metrics.SeekTimeout
	case errors.Is(err, ErrSeekSuperseded):
		return metrics.SeekSuperseded
	case errors.Is(err, context.Canceled):
		return metrics.SeekCancelled
	default:
		return metrics.SeekFailed
	}
}

// Playlist renders the playlist of stream id.
func (s *Service) Playlist(id StreamID) (string, error) {
	sess, err := s.registry.Get(id)
	if err != nil {
		return "", err
	}
	return sess.Playlist()
}

// Segment returns the bytes of segment index of stream id.
func (s *Service) Segment(id StreamID, index int) ([]byte, error) {
	sess, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	data, err := sess.Segment(index)
	if s.metrics != nil {
		switch {
		case err == nil:
			s.metrics.IncSegmentsServed()
		case errors.Is(err, ErrSegmentNotReady):
			s.metrics.IncSegmentMisses()
		}
	}
	return data, err
}

// Info returns the status snapshot of stream id.
func (s *Service) Info(ctx context.Context, id StreamID) (Info, error) {
	sess, err := s.registry.Get(id)
	if err != nil {
		return Info{}, err
	}
	return sess.Info(ctx), nil
}

// List returns status snapshots of all streams.
func (s *Service) List(ctx context.Context) []Info {
	sessions := s.registry.List()
	out := make([]Info, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Info(ctx))
	}
	return out
}

// Stop terminates stream id and deletes its segments.
func (s *Service) Stop(ctx context.Context, id StreamID) error {
	return s.registry.Remove(ctx, id)
}
