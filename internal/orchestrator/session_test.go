package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"hls-ondemand/internal/platform/logger"
	"hls-ondemand/internal/segments"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() SessionConfig {
	return SessionConfig{
		SegmentDuration: 4 * time.Second,
		SeekTimeout:     2 * time.Second,
		SeekTolerance:   2,
		StartRetries:    1,
		StopTimeout:     2 * time.Second,
	}
}

func newTestSession(t *testing.T, enc *fakeEncoder, cfg SessionConfig, duration time.Duration) *Session {
	t.Helper()
	store, err := segments.Open(filepath.Join(t.TempDir(), "hls_local_test"), logger.Discard())
	require.NoError(t, err)
	sess := newSession("local_test", "/media/movie.mkv", duration, cfg, enc, store, logger.Discard(), nil)
	t.Cleanup(func() { _ = sess.Close(context.Background()) })
	return sess
}

func waitSegment(t *testing.T, sess *Session, index int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, sess.store.WaitFor(ctx, index), "segment %d never appeared", index)
}

func TestSegmentIndex(t *testing.T) {
	seg := 4 * time.Second
	cases := map[time.Duration]int{
		0:                       0,
		3999 * time.Millisecond: 0,
		4 * time.Second:         1,
		1800 * time.Second:      450,
		1801 * time.Second:      450,
		2099 * time.Second:      524,
		-5 * time.Second:        0,
	}
	for offset, want := range cases {
		assert.Equal(t, want, SegmentIndex(offset, seg), "offset %v", offset)
	}
}

func TestSession_Start_produces_segments(t *testing.T) {
	enc := newFakeEncoder()
	sess := newTestSession(t, enc, testConfig(), 0)

	require.NoError(t, sess.Start(context.Background()))
	assert.Equal(t, StatusRunning, sess.Status())
	waitSegment(t, sess, 2)

	pl, err := sess.Playlist()
	require.NoError(t, err)
	assert.Contains(t, pl, "#EXT-X-MEDIA-SEQUENCE:0\n")
	assert.Contains(t, pl, "local_test/index0.ts")
	assert.NotContains(t, pl, "#EXT-X-ENDLIST")

	spec := enc.lastSpec()
	assert.Equal(t, 0, spec.StartNumber)
	assert.Zero(t, spec.Offset)
	assert.Equal(t, segments.FilenamePattern, spec.SegmentPattern)
}

func TestSession_Seek_reanchors_on_segment_boundary(t *testing.T) {
	enc := newFakeEncoder()
	sess := newTestSession(t, enc, testConfig(), 3150*time.Second)
	require.NoError(t, sess.Start(context.Background()))
	waitSegment(t, sess, 0)

	res, err := sess.Seek(context.Background(), 1801*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Restarted)
	assert.True(t, res.Ready)
	assert.Equal(t, 450, res.TargetIndex)
	assert.Equal(t, 450, res.FirstIndex)

	spec := enc.lastSpec()
	assert.Equal(t, 450, spec.StartNumber)
	assert.Equal(t, 1800*time.Second, spec.Offset)

	present := sess.store.ListPresent()
	require.NotEmpty(t, present)
	assert.Equal(t, 450, present[0], "segments of the old anchor must be gone")

	data, err := sess.Segment(450)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	pl, err := sess.Playlist()
	require.NoError(t, err)
	assert.Contains(t, pl, "#EXT-X-MEDIA-SEQUENCE:450\n")
	assert.Equal(t, StatusRunning, sess.Status())
	assert.Equal(t, 1, enc.aliveHandles(), "exactly one encoder may be alive")
}

func TestSession_Seek_covered_is_noop(t *testing.T) {
	enc := newFakeEncoder()
	enc.count = 5
	sess := newTestSession(t, enc, testConfig(), 0)
	require.NoError(t, sess.Start(context.Background()))
	waitSegment(t, sess, 4)

	res, err := sess.Seek(context.Background(), 9*time.Second)
	require.NoError(t, err)
	assert.False(t, res.Restarted)
	assert.True(t, res.Ready)
	assert.Equal(t, 2, res.TargetIndex)
	assert.Equal(t, 1, enc.starts(), "encoder must not be restarted")
}

func TestSession_Seek_covered_restores_running(t *testing.T) {
	enc := newFakeEncoder()
	enc.count = 3
	sess := newTestSession(t, enc, testConfig(), 0)
	require.NoError(t, sess.Start(context.Background()))
	waitSegment(t, sess, 2)

	// State left behind by a re-anchor whose seek was superseded.
	sess.setStatus(StatusSeeking)

	_, err := sess.Seek(context.Background(), 4*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, sess.Status())
	assert.Equal(t, StatusRunning, sess.Info(context.Background()).Status)
}

func TestSession_Seek_within_tolerance_keeps_encoder(t *testing.T) {
	enc := newFakeEncoder()
	enc.interval = 50 * time.Millisecond
	sess := newTestSession(t, enc, testConfig(), 0)
	require.NoError(t, sess.Start(context.Background()))
	waitSegment(t, sess, 0)

	present := sess.store.ListPresent()
	target := present[len(present)-1] + 2

	res, err := sess.Seek(context.Background(), time.Duration(target)*4*time.Second)
	require.NoError(t, err)
	assert.False(t, res.Restarted)
	assert.True(t, res.Ready)
	assert.Equal(t, 1, enc.starts())
}

func TestSession_Seek_never_serves_stale_anchor(t *testing.T) {
	enc := newFakeEncoder()
	sess := newTestSession(t, enc, testConfig(), 0)
	require.NoError(t, sess.Start(context.Background()))
	waitSegment(t, sess, 3)

	before, err := sess.Segment(3)
	require.NoError(t, err)
	assert.Equal(t, string(segmentPayload(0, 3)), string(before))

	_, err = sess.Seek(context.Background(), 400*time.Second)
	require.NoError(t, err)

	_, err = sess.Segment(3)
	assert.True(t, errors.Is(err, ErrSegmentNotReady), "index 3 of the previous anchor leaked: %v", err)

	res, err := sess.Seek(context.Background(), 12*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Restarted)

	after, err := sess.Segment(3)
	require.NoError(t, err)
	assert.NotEqual(t, string(before), string(after))
	assert.Equal(t, string(segmentPayload(3, 3)), string(after))
}

func TestSession_Seek_newest_wins(t *testing.T) {
	enc := newFakeEncoder()
	enc.interval = 300 * time.Millisecond
	cfg := testConfig()
	cfg.SeekTimeout = 5 * time.Second
	sess := newTestSession(t, enc, cfg, 0)
	require.NoError(t, sess.Start(context.Background()))

	var (
		wg      sync.WaitGroup
		firstErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = sess.Seek(context.Background(), 400*time.Second)
	}()
	require.Eventually(t, func() bool { return enc.starts() == 2 }, 2*time.Second, 5*time.Millisecond)

	res, err := sess.Seek(context.Background(), 800*time.Second)
	require.NoError(t, err)
	wg.Wait()

	assert.True(t, errors.Is(firstErr, ErrSeekSuperseded), "got %v", firstErr)
	assert.Equal(t, 200, res.FirstIndex)
	assert.Equal(t, 200, enc.lastSpec().StartNumber)
	assert.Equal(t, 200, sess.store.ListPresent()[0])
	assert.Equal(t, 1, enc.aliveHandles())
}

func TestSession_Seek_timeout_is_soft(t *testing.T) {
	enc := newFakeEncoder()
	cfg := testConfig()
	cfg.SeekTimeout = 150 * time.Millisecond
	sess := newTestSession(t, enc, cfg, 0)
	require.NoError(t, sess.Start(context.Background()))
	waitSegment(t, sess, 0)

	enc.mu.Lock()
	enc.interval = 10 * time.Second
	enc.mu.Unlock()

	res, err := sess.Seek(context.Background(), 1000*time.Second)
	assert.True(t, errors.Is(err, ErrSeekTimeout), "got %v", err)
	assert.True(t, res.Restarted)
	assert.False(t, res.Ready)
	assert.Equal(t, StatusRunning, sess.Status(), "session stays usable after a timeout")
}

func TestSession_Seek_invalid_and_clamped(t *testing.T) {
	enc := newFakeEncoder()
	sess := newTestSession(t, enc, testConfig(), 100*time.Second)
	require.NoError(t, sess.Start(context.Background()))

	_, err := sess.Seek(context.Background(), -time.Second)
	assert.True(t, errors.Is(err, ErrInvalidInput))

	res, err := sess.Seek(context.Background(), 500*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 24, res.TargetIndex, "positions past the end clamp to the last segment")
}

func TestSession_crash_at_startup_is_retried_once(t *testing.T) {
	enc := newFakeEncoder()
	enc.crashRuns = 1
	sess := newTestSession(t, enc, testConfig(), 0)

	require.NoError(t, sess.Start(context.Background()))
	waitSegment(t, sess, 0)
	assert.Equal(t, 2, enc.starts())
	assert.Equal(t, StatusRunning, sess.Status())
}

func TestSession_repeated_crash_fails(t *testing.T) {
	enc := newFakeEncoder()
	enc.crashRuns = 2
	sess := newTestSession(t, enc, testConfig(), 0)

	require.NoError(t, sess.Start(context.Background()))
	require.Eventually(t, func() bool { return sess.Status() == StatusFailed }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, enc.starts())

	_, err := sess.Playlist()
	assert.True(t, errors.Is(err, ErrEncoderFailure))
	_, err = sess.Segment(0)
	assert.True(t, errors.Is(err, ErrEncoderFailure))
	_, err = sess.Seek(context.Background(), 8*time.Second)
	assert.True(t, errors.Is(err, ErrEncoderFailure))

	info := sess.Info(context.Background())
	assert.Equal(t, StatusFailed, info.Status)
	assert.Contains(t, info.Error, "Invalid data found")
}

func TestSession_Start_error(t *testing.T) {
	enc := newFakeEncoder()
	enc.startErr = errNoBinary
	sess := newTestSession(t, enc, testConfig(), 0)

	err := sess.Start(context.Background())
	assert.True(t, errors.Is(err, ErrEncoderFailure), "got %v", err)
	assert.Equal(t, 2, enc.starts(), "start is retried once")
	assert.Equal(t, StatusFailed, sess.Status())
}

func TestSession_complete(t *testing.T) {
	enc := newFakeEncoder()
	enc.count = 3
	enc.finish = true
	sess := newTestSession(t, enc, testConfig(), 10*time.Second)

	require.NoError(t, sess.Start(context.Background()))
	require.Eventually(t, func() bool { return sess.Status() == StatusComplete }, 2*time.Second, 5*time.Millisecond)

	pl, err := sess.Playlist()
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(pl, "#EXTINF:"))
	assert.Contains(t, pl, "#EXTINF:2.000,\nlocal_test/index2.ts")
	assert.True(t, strings.HasSuffix(pl, "#EXT-X-ENDLIST\n"))

	data, err := sess.Segment(1)
	require.NoError(t, err, "completed streams keep serving")
	assert.NotEmpty(t, data)
}

func TestSession_complete_lists_segments_the_watcher_missed(t *testing.T) {
	enc := newFakeEncoder()
	enc.count = 3
	enc.finish = true
	sess := newTestSession(t, enc, testConfig(), 12*time.Second)

	require.NoError(t, sess.Start(context.Background()))
	// Stopping the watcher leaves every segment event undelivered.
	require.NoError(t, sess.store.Close())
	require.Eventually(t, func() bool { return sess.Status() == StatusComplete }, 2*time.Second, 5*time.Millisecond)

	pl, err := sess.Playlist()
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(pl, "#EXTINF:"))
	assert.Contains(t, pl, "local_test/index2.ts\n#EXT-X-ENDLIST\n")
}

func TestSession_Info(t *testing.T) {
	enc := newFakeEncoder()
	sess := newTestSession(t, enc, testConfig(), 60*time.Second)
	require.NoError(t, sess.Start(context.Background()))
	waitSegment(t, sess, 1)

	info := sess.Info(context.Background())
	assert.Equal(t, StreamID("local_test"), info.StreamID)
	assert.Equal(t, StatusRunning, info.Status)
	assert.True(t, info.EncoderAlive)
	assert.GreaterOrEqual(t, info.Segments, 2)
	assert.Equal(t, 1, info.Anchors)
	assert.Equal(t, 60.0, info.DurationSeconds)
}

func TestSession_Close(t *testing.T) {
	enc := newFakeEncoder()
	sess := newTestSession(t, enc, testConfig(), 0)
	require.NoError(t, sess.Start(context.Background()))
	waitSegment(t, sess, 0)
	dir := sess.store.Dir()

	require.NoError(t, sess.Close(context.Background()))
	require.NoError(t, sess.Close(context.Background()))

	assert.Zero(t, enc.aliveHandles())
	_, err := os.Stat(dir)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	_, err = sess.Seek(context.Background(), 0)
	assert.True(t, errors.Is(err, ErrUnknownStream))
	_, err = sess.Playlist()
	assert.True(t, errors.Is(err, ErrUnknownStream))
}

func TestSession_Close_cancels_waiting_seek(t *testing.T) {
	enc := newFakeEncoder()
	cfg := testConfig()
	cfg.SeekTimeout = 10 * time.Second
	sess := newTestSession(t, enc, cfg, 0)
	require.NoError(t, sess.Start(context.Background()))

	enc.mu.Lock()
	enc.interval = time.Minute
	enc.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		_, err := sess.Seek(context.Background(), 400*time.Second)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return enc.starts() == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, sess.Close(context.Background()))
	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrUnknownStream), "got %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("seek did not return after Close")
	}
}
