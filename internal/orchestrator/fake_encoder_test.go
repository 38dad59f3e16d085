package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"hls-ondemand/internal/encoder"
)

// fakeEncoder stands in for ffmpeg. Each run commits segments numbered from
// Spec.StartNumber with a payload that names its anchor, so tests can
// tell segments of different anchors apart.
type fakeEncoder struct {
	mu sync.Mutex
	// count is how many segments a run writes; negative means until stopped.
	count    int
	interval time.Duration
	// finish makes a run exit cleanly after count segments instead of idling.
	finish bool
	// crashRuns is how many leading runs exit non-zero before any output.
	crashRuns int
	startErr  error
	specs     []encoder.Spec
	handles   []*fakeHandle
}

func newFakeEncoder() *fakeEncoder {
	return &fakeEncoder{count: -1, interval: 10 * time.Millisecond}
}

func (f *fakeEncoder) Start(_ context.Context, spec encoder.Spec) (encoder.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.specs = append(f.specs, spec)
	if f.startErr != nil {
		return nil, f.startErr
	}
	h := &fakeHandle{
		spec: spec,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	crash := f.crashRuns > 0
	if crash {
		f.crashRuns--
	}
	f.handles = append(f.handles, h)
	go h.run(f.count, f.interval, f.finish, crash)
	return h, nil
}

func (f *fakeEncoder) starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

func (f *fakeEncoder) lastSpec() encoder.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[len(f.specs)-1]
}

func (f *fakeEncoder) aliveHandles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, h := range f.handles {
		if h.Alive() {
			n++
		}
	}
	return n
}

func segmentPayload(anchor, index int) []byte {
	return []byte(fmt.Sprintf("anchor=%d index=%d", anchor, index))
}

type fakeHandle struct {
	spec     encoder.Spec
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

func (h *fakeHandle) run(count int, interval time.Duration, finish, crash bool) {
	defer close(h.done)
	if crash {
		h.setErr(&encoder.ExitError{Code: 1, Stderr: []string{"Invalid data found when processing input"}})
		return
	}
	for i := 0; count < 0 || i < count; i++ {
		select {
		case <-h.stop:
			h.setErr(encoder.ErrStopped)
			return
		case <-time.After(interval):
		}
		idx := h.spec.StartNumber + i
		path := filepath.Join(h.spec.OutputDir, fmt.Sprintf(h.spec.SegmentPattern, idx))
		if err := renameio.WriteFile(path, segmentPayload(h.spec.StartNumber, idx), 0o640); err != nil {
			h.setErr(&encoder.ExitError{Code: 1, Stderr: []string{err.Error()}})
			return
		}
	}
	if finish {
		return
	}
	<-h.stop
	h.setErr(encoder.ErrStopped)
}

func (h *fakeHandle) setErr(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

func (h *fakeHandle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stop) })
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *fakeHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *fakeHandle) Pid() int { return 0 }

func (h *fakeHandle) Progress() time.Duration { return 0 }

var errNoBinary = errors.New("exec: \"ffmpeg\": executable file not found in $PATH")
