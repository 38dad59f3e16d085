package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"hls-ondemand/internal/encoder"
	"hls-ondemand/internal/platform/metrics"
	"hls-ondemand/internal/segments"
)

// SessionConfig holds the tunables shared by every session.
type SessionConfig struct {
	SegmentDuration time.Duration
	// SeekTimeout bounds how long a seek waits for its target segment.
	SeekTimeout time.Duration
	// SeekTolerance is how many segments past the end of the contiguous run a
	// target may lie while still being left to the running encoder.
	SeekTolerance int
	// StartRetries is how many times an encoder that dies before producing
	// any segment is restarted at the same anchor.
	StartRetries int
	// StopTimeout bounds waiting for an encoder to be reaped.
	StopTimeout time.Duration
}

// DefaultSessionConfig returns the defaults used when the server is not
// configured otherwise.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SegmentDuration: 4 * time.Second,
		SeekTimeout:     30 * time.Second,
		SeekTolerance:   2,
		StartRetries:    1,
		StopTimeout:     15 * time.Second,
	}
}

func (c SessionConfig) withDefaults() SessionConfig {
	d := DefaultSessionConfig()
	if c.SegmentDuration <= 0 {
		c.SegmentDuration = d.SegmentDuration
	}
	if c.SeekTimeout <= 0 {
		c.SeekTimeout = d.SeekTimeout
	}
	if c.SeekTolerance < 0 {
		c.SeekTolerance = 0
	}
	if c.StartRetries < 0 {
		c.StartRetries = 0
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	return c
}

// Session binds one encoder to one segment store and owns the anchor.
//
// seekMu serializes everything that replaces the encoder (start, seek,
// restart after a crash, close), so at most one encoder is alive per session.
// mu guards the fields below it and is never held across process or disk
// operations.
type Session struct {
	id       StreamID
	source   string
	duration time.Duration
	cfg      SessionConfig
	enc      encoder.Encoder
	store    *segments.Store
	log      *slog.Logger
	metrics  *metrics.Metrics
	created  time.Time

	seekMu      sync.Mutex
	supervisors sync.WaitGroup

	mu         sync.Mutex
	status     Status
	anchor     time.Duration
	firstIndex int
	handle     encoder.Handle
	anchors    int
	retries    int
	failure    error
	lastAccess time.Time
	seekSeq    uint64
	cancelWait context.CancelFunc
	closed     bool
}

func newSession(id StreamID, source string, duration time.Duration, cfg SessionConfig,
	enc encoder.Encoder, store *segments.Store, log *slog.Logger, m *metrics.Metrics) *Session {
	now := time.Now()
	return &Session{
		id:         id,
		source:     source,
		duration:   duration,
		cfg:        cfg.withDefaults(),
		enc:        enc,
		store:      store,
		log:        log.With(slog.String("stream_id", string(id))),
		metrics:    m,
		created:    now,
		status:     StatusStarting,
		lastAccess: now,
	}
}

// ID returns the session id.
func (s *Session) ID() StreamID {
	return s.id
}

// Start launches the first encoder at offset 0.
func (s *Session) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.seekMu.Lock()
	defer s.seekMu.Unlock()

	if _, err := s.launch(0); err != nil {
		s.markFailed(err)
		return err
	}
	s.setStatus(StatusRunning)
	return nil
}

// Seek re-anchors the encoder so that the segment covering position becomes
// available. A target already inside the contiguous run is a no-op. Seek
// returns once the target segment is committed, the seek timeout elapses
// (ErrSeekTimeout), or a newer seek takes over (ErrSeekSuperseded).
func (s *Session) Seek(ctx context.Context, position time.Duration) (SeekResult, error) {
	if position < 0 {
		return SeekResult{}, fmt.Errorf("%w: negative position", ErrInvalidInput)
	}
	target := s.indexFor(position)
	res := SeekResult{TargetIndex: target}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return res, ErrUnknownStream
	}
	s.lastAccess = time.Now()
	if s.cancelWait != nil {
		s.cancelWait()
	}
	s.seekSeq++
	seq := s.seekSeq
	s.cancelWait = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.seekSeq == seq {
			s.cancelWait = nil
		}
		s.mu.Unlock()
	}()

	s.seekMu.Lock()
	defer s.seekMu.Unlock()

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return res, ErrUnknownStream
	case s.seekSeq != seq:
		s.mu.Unlock()
		return res, ErrSeekSuperseded
	case s.status == StatusFailed:
		err := s.failure
		s.mu.Unlock()
		return res, err
	}
	handle := s.handle
	firstIndex := s.firstIndex
	s.mu.Unlock()

	run := contiguousRun(s.store.ListPresent())
	if slices.Contains(run, target) {
		// A superseded re-anchor may have left the status at seeking.
		s.mu.Lock()
		if s.status == StatusSeeking {
			s.status = StatusRunning
		}
		s.mu.Unlock()
		res.FirstIndex = run[0]
		res.Ready = true
		s.log.Debug("seek target already covered", slog.Int("segment", target))
		return res, nil
	}

	if handle != nil && handle.Alive() && s.withinReach(target, firstIndex, run) {
		s.log.Debug("seek target within reach of running encoder", slog.Int("segment", target))
		res.FirstIndex = firstIndex
	} else {
		var err error
		handle, err = s.reanchor(target)
		if err != nil {
			return res, err
		}
		res.Restarted = true
		res.FirstIndex = target
	}

	err := s.awaitSegment(waitCtx, target, handle)

	s.mu.Lock()
	if errors.Is(err, context.Canceled) {
		switch {
		case s.closed:
			err = ErrUnknownStream
		case s.seekSeq != seq:
			err = ErrSeekSuperseded
		}
	}
	if s.status == StatusSeeking && !errors.Is(err, ErrSeekSuperseded) {
		s.status = StatusRunning
	}
	s.mu.Unlock()

	if err == nil {
		res.Ready = true
	}
	return res, err
}

// withinReach reports whether the running encoder will produce target soon
// enough that restarting it would be wasted work.
func (s *Session) withinReach(target, firstIndex int, run []int) bool {
	if target < firstIndex {
		return false
	}
	next := firstIndex
	if len(run) > 0 {
		if run[0] > firstIndex {
			return false
		}
		next = run[len(run)-1] + 1
	}
	return target >= next && target-next <= s.cfg.SeekTolerance
}

// reanchor stops the current encoder, clears the store and starts a new
// encoder at target. Caller holds seekMu.
func (s *Session) reanchor(target int) (encoder.Handle, error) {
	s.mu.Lock()
	old := s.handle
	s.handle = nil
	s.status = StatusSeeking
	s.retries = 0
	s.firstIndex = target
	s.anchor = time.Duration(target) * s.cfg.SegmentDuration
	s.mu.Unlock()

	s.log.Info("re-anchoring encoder",
		slog.Int("segment", target),
		slog.Float64("offset_s", (time.Duration(target) * s.cfg.SegmentDuration).Seconds()))

	// The old encoder must be gone before the store is cleared, otherwise it
	// could commit a segment from the previous anchor after the clear.
	if old != nil {
		if err := s.stopHandle(old); err != nil {
			s.log.Error("previous encoder did not stop cleanly", slog.Int("pid", old.Pid()), slog.String("error", err.Error()))
		}
	}
	if err := s.store.Clear(); err != nil {
		s.log.Warn("clear segment store", slog.String("error", err.Error()))
	}

	h, err := s.launch(target)
	if err != nil {
		s.markFailed(err)
		return nil, err
	}
	return h, nil
}

// awaitSegment waits for index to be committed. It handles the exit of h
// itself since the supervisor cannot take seekMu while a seek holds it.
func (s *Session) awaitSegment(ctx context.Context, index int, h encoder.Handle) error {
	timer := time.NewTimer(s.cfg.SeekTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		changed := s.store.Changed()
		if s.store.Has(index) {
			return nil
		}

		var done <-chan struct{}
		if h != nil {
			done = h.Done()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			s.log.Warn("seek timed out waiting for segment",
				slog.Int("segment", index),
				slog.Duration("timeout", s.cfg.SeekTimeout))
			return ErrSeekTimeout
		case <-changed:
		case <-ticker.C:
		case <-done:
			h = s.handleExit(h)
			if h != nil {
				continue
			}
			if s.store.Has(index) {
				return nil
			}
			s.mu.Lock()
			status, failure := s.status, s.failure
			s.mu.Unlock()
			if status == StatusFailed {
				return failure
			}
			// Encoder finished without reaching index.
			return ErrSeekTimeout
		}
	}
}

// launch starts an encoder at index, retrying a failed start up to
// StartRetries times. Caller holds seekMu.
func (s *Session) launch(index int) (encoder.Handle, error) {
	var err error
	for attempt := 0; attempt <= s.cfg.StartRetries; attempt++ {
		var h encoder.Handle
		h, err = s.startEncoder(index)
		if err == nil {
			return h, nil
		}
		if errors.Is(err, ErrUnknownStream) {
			return nil, err
		}
		s.log.Warn("encoder start failed", slog.Int("attempt", attempt+1), slog.String("error", err.Error()))
	}
	return nil, err
}

// startEncoder runs one encoder anchored at index and hands it to a
// supervisor. Caller holds seekMu.
func (s *Session) startEncoder(index int) (encoder.Handle, error) {
	anchor := time.Duration(index) * s.cfg.SegmentDuration
	spec := encoder.Spec{
		SourcePath:      s.source,
		Offset:          anchor,
		StartNumber:     index,
		SegmentDuration: s.cfg.SegmentDuration,
		OutputDir:       s.store.Dir(),
		SegmentPattern:  segments.FilenamePattern,
	}

	h, err := s.enc.Start(context.Background(), spec)
	if s.metrics != nil {
		s.metrics.IncEncoderStarts()
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncEncoderFailures()
		}
		return nil, fmt.Errorf("%w: %v", ErrEncoderFailure, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = s.stopHandle(h)
		return nil, ErrUnknownStream
	}
	s.handle = h
	s.anchor = anchor
	s.firstIndex = index
	s.anchors++
	s.supervisors.Add(1)
	s.mu.Unlock()

	go s.supervise(h)
	return h, nil
}

// supervise waits for h to exit and records the outcome.
func (s *Session) supervise(h encoder.Handle) {
	defer s.supervisors.Done()
	<-h.Done()

	s.seekMu.Lock()
	defer s.seekMu.Unlock()
	s.handleExit(h)
}

// handleExit records the exit of h if it is still the current encoder.
// An encoder that crashes before committing any segment is restarted at the
// same anchor while retries remain; the replacement is returned.
// Caller holds seekMu.
func (s *Session) handleExit(h encoder.Handle) encoder.Handle {
	exitErr := h.Err()

	// Watcher events for the last segments may still be queued. Completion
	// and the crash retry both depend on the full set.
	if !errors.Is(exitErr, encoder.ErrStopped) {
		if err := s.store.Sync(); err != nil {
			s.log.Debug("sync segment store", slog.String("error", err.Error()))
		}
	}

	s.mu.Lock()
	if s.closed || s.handle != h {
		s.mu.Unlock()
		return nil
	}
	s.handle = nil

	if errors.Is(exitErr, encoder.ErrStopped) {
		s.mu.Unlock()
		return nil
	}
	if exitErr == nil {
		s.status = StatusComplete
		s.mu.Unlock()
		s.log.Info("encoder finished", slog.Int("segments", s.store.Len()))
		return nil
	}

	if s.metrics != nil {
		s.metrics.IncEncoderFailures()
	}
	index := s.firstIndex
	retry := s.store.Len() == 0 && s.retries < s.cfg.StartRetries
	if retry {
		s.retries++
	}
	s.mu.Unlock()

	if retry {
		s.log.Warn("encoder crashed before first segment, restarting",
			slog.Int("segment", index),
			slog.String("error", exitErr.Error()))
		next, err := s.startEncoder(index)
		if err == nil {
			return next
		}
		exitErr = err
	}

	s.markFailed(fmt.Errorf("%w: %v", ErrEncoderFailure, exitErr))
	return nil
}

// Playlist renders the current playlist.
func (s *Session) Playlist() (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrUnknownStream
	}
	if s.status == StatusFailed {
		err := s.failure
		s.mu.Unlock()
		return "", err
	}
	s.lastAccess = time.Now()
	in := PlaylistInput{
		FirstIndex:      s.firstIndex,
		SegmentDuration: s.cfg.SegmentDuration,
		Complete:        s.status == StatusComplete,
		TotalDuration:   s.duration,
		URI:             s.segmentURI,
	}
	s.mu.Unlock()

	in.Present = s.store.ListPresent()
	return BuildPlaylist(in), nil
}

// Segment returns the bytes of a committed segment or ErrSegmentNotReady.
func (s *Session) Segment(index int) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrUnknownStream
	}
	if s.status == StatusFailed {
		err := s.failure
		s.mu.Unlock()
		return nil, err
	}
	s.lastAccess = time.Now()
	s.mu.Unlock()

	data, err := s.store.Get(index)
	if errors.Is(err, segments.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSegmentNotReady, segments.Filename(index))
	}
	return data, err
}

// Touch marks the session as recently used.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

// IdleFor returns how long the session has gone without a client request.
func (s *Session) IdleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastAccess)
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Info returns a snapshot for the status endpoint. Resource usage is sampled
// only while an encoder is running.
func (s *Session) Info(ctx context.Context) Info {
	s.mu.Lock()
	info := Info{
		StreamID:        s.id,
		SourcePath:      s.source,
		Status:          s.status,
		AnchorSeconds:   s.anchor.Seconds(),
		FirstSegment:    s.firstIndex,
		SegmentSeconds:  s.cfg.SegmentDuration.Seconds(),
		DurationSeconds: s.duration.Seconds(),
		Anchors:         s.anchors,
		CreatedAt:       s.created,
		LastAccess:      s.lastAccess,
	}
	if s.failure != nil {
		info.Error = s.failure.Error()
	}
	h := s.handle
	anchor := s.anchor
	s.mu.Unlock()

	present := s.store.ListPresent()
	info.Segments = len(present)
	info.Contiguous = len(contiguousRun(present))

	if h != nil && h.Alive() {
		info.EncoderAlive = true
		info.EncoderPID = h.Pid()
		info.EncodedSeconds = (anchor + h.Progress()).Seconds()
		if info.EncoderPID > 0 {
			if u, err := encoder.SampleUsage(ctx, info.EncoderPID); err == nil {
				info.Usage = &u
			}
		}
	}
	return info
}

// Close stops the encoder and deletes the segment directory. Any in-flight
// seek is cancelled. Close is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.cancelWait != nil {
		s.cancelWait()
	}
	s.mu.Unlock()

	s.seekMu.Lock()
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()
	var stopErr error
	if h != nil {
		stopErr = s.stopHandle(h)
	}
	s.seekMu.Unlock()

	waited := make(chan struct{})
	go func() {
		s.supervisors.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		s.log.Warn("timed out waiting for encoder supervisors")
	}

	removeErr := s.store.Remove()
	s.log.Info("stream closed")
	return errors.Join(stopErr, removeErr)
}

func (s *Session) stopHandle(h encoder.Handle) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer cancel()
	return h.Stop(ctx)
}

func (s *Session) indexFor(position time.Duration) int {
	idx := SegmentIndex(position, s.cfg.SegmentDuration)
	if s.duration > 0 {
		last := int((s.duration - 1) / s.cfg.SegmentDuration)
		if idx > last {
			idx = last
		}
	}
	return idx
}

func (s *Session) segmentURI(index int) string {
	return string(s.id) + "/" + segments.Filename(index)
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	if s.status != StatusFailed {
		s.status = st
	}
	s.mu.Unlock()
}

func (s *Session) markFailed(err error) {
	if !errors.Is(err, ErrEncoderFailure) {
		err = fmt.Errorf("%w: %v", ErrEncoderFailure, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.status = StatusFailed
	s.failure = err
	s.mu.Unlock()
	s.log.Error("stream failed", slog.String("error", err.Error()))
}
