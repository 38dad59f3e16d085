package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"hls-ondemand/internal/encoder"
	"hls-ondemand/internal/platform/metrics"
	"hls-ondemand/internal/segments"
)

// Registry is the process-wide map of stream sessions. Its lock covers only
// map access; starting, stopping and segment I/O happen outside it.
type Registry struct {
	mu     sync.RWMutex
	store  Store
	closed bool

	enc     encoder.Encoder
	scratch string
	cfg     SessionConfig
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewRegistry returns a registry that creates session directories under
// scratch and encodes with enc. m may be nil.
func NewRegistry(enc encoder.Encoder, scratch string, cfg SessionConfig, log *slog.Logger, m *metrics.Metrics) *Registry {
	return NewRegistryWithStore(NewInMemoryStore(), enc, scratch, cfg, log, m)
}

// NewRegistryWithStore is NewRegistry with an explicit session Store.
func NewRegistryWithStore(store Store, enc encoder.Encoder, scratch string, cfg SessionConfig, log *slog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		store:   store,
		enc:     enc,
		scratch: scratch,
		cfg:     cfg.withDefaults(),
		log:     log,
		metrics: m,
	}
}

// SessionConfig returns the configuration applied to new sessions.
func (r *Registry) SessionConfig() SessionConfig {
	return r.cfg
}

// Create allocates an id and a segment directory, starts the encoder at
// offset 0 and registers the session. duration may be 0 when unknown.
func (r *Registry) Create(ctx context.Context, sourcePath string, duration time.Duration) (*Session, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrShuttingDown
	}

	id := StreamID(StreamIDPrefix + uuid.NewString())
	dir := filepath.Join(r.scratch, DirPrefix+string(id))

	store, err := segments.Open(dir, r.log)
	if err != nil {
		return nil, fmt.Errorf("open segment store: %w", err)
	}

	sess := newSession(id, sourcePath, duration, r.cfg, r.enc, store, r.log, r.metrics)
	if err := sess.Start(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), r.cfg.StopTimeout)
		defer cancel()
		_ = sess.Close(closeCtx)
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		closeCtx, cancel := context.WithTimeout(context.Background(), r.cfg.StopTimeout)
		defer cancel()
		_ = sess.Close(closeCtx)
		return nil, ErrShuttingDown
	}
	r.store.SetSession(sess)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.IncStreamsCreated()
	}
	r.log.Info("stream created",
		slog.String("stream_id", string(id)),
		slog.String("source", sourcePath),
		slog.Float64("duration_s", duration.Seconds()))
	return sess, nil
}

// Get returns the session for id or ErrUnknownStream.
func (r *Registry) Get(id StreamID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.store.GetSession(id)
	if !ok {
		return nil, ErrUnknownStream
	}
	return sess, nil
}

// Remove unregisters id, stops its encoder and deletes its directory.
func (r *Registry) Remove(ctx context.Context, id StreamID) error {
	r.mu.Lock()
	sess, ok := r.store.DeleteSession(id)
	r.mu.Unlock()
	if !ok {
		return ErrUnknownStream
	}
	return sess.Close(ctx)
}

// List returns all sessions ordered by id.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := r.store.ListSessions()
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.Len()
}

// EvictIdle removes sessions that have not been accessed for maxIdle and
// returns how many were evicted.
func (r *Registry) EvictIdle(ctx context.Context, maxIdle time.Duration) int {
	now := time.Now()

	r.mu.Lock()
	var idle []*Session
	for _, sess := range r.store.ListSessions() {
		if sess.IdleFor(now) > maxIdle {
			r.store.DeleteSession(sess.ID())
			idle = append(idle, sess)
		}
	}
	r.mu.Unlock()

	for _, sess := range idle {
		r.log.Info("evicting idle stream", slog.String("stream_id", string(sess.ID())))
		if err := sess.Close(ctx); err != nil {
			r.log.Warn("close idle stream", slog.String("stream_id", string(sess.ID())), slog.String("error", err.Error()))
		}
	}
	if r.metrics != nil && len(idle) > 0 {
		r.metrics.AddStreamsEvicted(len(idle))
	}
	return len(idle)
}

// Run evicts idle sessions every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval, maxIdle time.Duration) error {
	if interval <= 0 || maxIdle <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.EvictIdle(ctx, maxIdle)
		}
	}
}

// Shutdown closes every session and refuses new ones. Pending seeks return
// as soon as their session is closed.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	all := r.store.ListSessions()
	for _, sess := range all {
		r.store.DeleteSession(sess.ID())
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(all))
	for i, sess := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = sess.Close(ctx)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
