package segments

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"hls-ondemand/internal/platform/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "hls_test"), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestParseFilename(t *testing.T) {
	cases := map[string]struct {
		idx int
		ok  bool
	}{
		"index0.ts":        {0, true},
		"index450.ts":      {450, true},
		"index450.ts.tmp":  {0, false},
		".index450.ts1234": {0, false},
		"index.ts":         {0, false},
		"index-1.ts":       {0, false},
		"indexab.ts":       {0, false},
		"index007.ts":      {0, false},
		"encoder.m3u8":     {0, false},
	}
	for name, want := range cases {
		idx, ok := ParseFilename(name)
		assert.Equal(t, want.ok, ok, name)
		assert.Equal(t, want.idx, idx, name)
	}
	assert.Equal(t, "index7.ts", Filename(7))
}

func TestStore_put_get(t *testing.T) {
	s := openStore(t)

	_, err := s.Get(3)
	require.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Put(3, []byte("segment-3")))
	got, err := s.Get(3)
	require.NoError(t, err)
	assert.Equal(t, "segment-3", string(got))

	size, ok := s.Size(3)
	assert.True(t, ok)
	assert.EqualValues(t, 9, size)
	assert.Equal(t, []int{3}, s.ListPresent())
}

func TestStore_put_rejects_negative(t *testing.T) {
	s := openStore(t)
	assert.Error(t, s.Put(-1, []byte("x")))
}

func TestStore_list_present_sorted(t *testing.T) {
	s := openStore(t)
	for _, i := range []int{5, 1, 3} {
		require.NoError(t, s.Put(i, []byte{byte(i)}))
	}
	assert.Equal(t, []int{1, 3, 5}, s.ListPresent())
	assert.Equal(t, 3, s.Len())
}

func TestStore_ignores_partial_writes(t *testing.T) {
	s := openStore(t)

	// The encoder writes to a temporary name first.
	tmp := filepath.Join(s.Dir(), "index0.ts.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("partial"), 0o640))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, s.Has(0))

	require.NoError(t, os.Rename(tmp, s.Path(0)))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitFor(ctx, 0))
	assert.Equal(t, []int{0}, s.ListPresent())
}

func TestStore_empty_file_not_present(t *testing.T) {
	s := openStore(t)
	require.NoError(t, os.WriteFile(s.Path(2), nil, 0o640))
	assert.False(t, s.Has(2))
}

func TestStore_indexes_existing_files(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "hls_existing")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index4.ts"), []byte("x"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "encoder.m3u8"), []byte("#EXTM3U"), 0o640))

	s, err := Open(dir, logger.Discard())
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, []int{4}, s.ListPresent())
}

func TestStore_clear(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Put(0, []byte("a")))
	require.NoError(t, s.Put(1, []byte("b")))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "encoder.m3u8"), []byte("#EXTM3U"), 0o640))

	require.NoError(t, s.Clear())
	assert.Empty(t, s.ListPresent())
	_, err := s.Get(0)
	assert.True(t, errors.Is(err, ErrNotFound))

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_changed_fires_on_put(t *testing.T) {
	s := openStore(t)
	ch := s.Changed()
	require.NoError(t, s.Put(9, []byte("x")))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("Changed not signalled")
	}
}

func TestStore_wait_for_timeout(t *testing.T) {
	s := openStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := s.WaitFor(ctx, 1)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestStore_wait_for_external_writer(t *testing.T) {
	s := openStore(t)
	go func() {
		time.Sleep(50 * time.Millisecond)
		tmp := filepath.Join(s.Dir(), "index12.ts.tmp")
		_ = os.WriteFile(tmp, []byte("payload"), 0o640)
		_ = os.Rename(tmp, s.Path(12))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitFor(ctx, 12))
	got, err := s.Get(12)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestStore_external_remove(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Put(1, []byte("x")))
	require.NoError(t, os.Remove(s.Path(1)))
	assert.False(t, s.Has(1))
}

func TestStore_remove_deletes_directory(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "hls_gone"), logger.Discard())
	require.NoError(t, err)
	require.NoError(t, s.Put(0, []byte("x")))

	require.NoError(t, s.Remove())
	_, err = os.Stat(s.Dir())
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.NoError(t, s.Close(), "Close after Remove is a no-op")
}

func TestSweep(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"hls_local_a", "hls_local_b", "keep"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0o750))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "hls_file"), []byte("x"), 0o640))

	n, err := Sweep(root, "hls_")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"hls_file", "keep"}, names)
}

func TestSweep_missing_root(t *testing.T) {
	n, err := Sweep(filepath.Join(t.TempDir(), "absent"), "hls_")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_sync_reconciles_without_watcher(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Put(0, []byte("seg-0")))
	require.NoError(t, s.Put(1, []byte("seg-1")))

	// With the watcher stopped only Sync can update the index.
	require.NoError(t, s.Close())
	require.NoError(t, os.WriteFile(s.Path(2), []byte("seg-2"), 0o644))
	require.NoError(t, os.Remove(s.Path(0)))
	assert.Equal(t, []int{0, 1}, s.ListPresent())

	require.NoError(t, s.Sync())
	assert.Equal(t, []int{1, 2}, s.ListPresent())
}
