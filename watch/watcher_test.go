package watch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	kinds []SourceKind
}

func (r *recorder) handle(kind SourceKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
}

func (r *recorder) count(kind SourceKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func appendTo(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func newWatcher(t *testing.T, debounce time.Duration) (*ChangeWatcher, *recorder, map[SourceKind]string) {
	t.Helper()
	dir := t.TempDir()
	files := map[SourceKind]string{
		SourceListener: filepath.Join(dir, "listener"),
		SourceReplog:   filepath.Join(dir, "replog"),
		SourceSchema:   filepath.Join(dir, "schema.conf"),
	}
	rec := &recorder{}
	w, err := New(files, debounce, rec.handle)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { w.Stop() })
	return w, rec, files
}

func TestChangeWatcher_MapsFilesToKinds(t *testing.T) {
	_, rec, files := newWatcher(t, 0)

	appendTo(t, files[SourceListener], "cn=a,dc=x a\n")
	assert.Eventually(t, func() bool { return rec.count(SourceListener) > 0 }, 2*time.Second, 10*time.Millisecond)

	appendTo(t, files[SourceSchema], "attributetype ( 1.2.3 )\n")
	assert.Eventually(t, func() bool { return rec.count(SourceSchema) > 0 }, 2*time.Second, 10*time.Millisecond)

	assert.Zero(t, rec.count(SourceReplog))
}

func TestChangeWatcher_IgnoresOtherFiles(t *testing.T) {
	_, rec, files := newWatcher(t, 0)

	appendTo(t, filepath.Join(filepath.Dir(files[SourceReplog]), "unrelated"), "x")
	appendTo(t, files[SourceReplog], "dn: cn=a\n")

	assert.Eventually(t, func() bool { return rec.count(SourceReplog) > 0 }, 2*time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, k := range rec.kinds {
		assert.Equal(t, SourceReplog, k)
	}
}

func TestChangeWatcher_Debounce(t *testing.T) {
	_, rec, files := newWatcher(t, 200*time.Millisecond)

	for i := 0; i < 20; i++ {
		appendTo(t, files[SourceListener], "cn=a,dc=x m\n")
	}

	assert.Eventually(t, func() bool { return rec.count(SourceListener) > 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Less(t, rec.count(SourceListener), 20)
}

func TestChangeWatcher_Trigger(t *testing.T) {
	w, rec, _ := newWatcher(t, time.Hour)

	w.Trigger(SourceReplog)
	assert.Equal(t, 1, rec.count(SourceReplog))
}

func TestChangeWatcher_StopIsIdempotent(t *testing.T) {
	w, _, _ := newWatcher(t, 0)

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
	assert.ErrorIs(t, w.Start(), ErrWatcherStopped)
}

func TestChangeWatcher_MissingDirectory(t *testing.T) {
	w, err := New(map[SourceKind]string{
		SourceReplog: filepath.Join(t.TempDir(), "missing", "replog"),
	}, 0, func(SourceKind) {})
	require.NoError(t, err)
	defer w.Stop()

	err = w.Start()
	var werr *WatcherError
	assert.ErrorAs(t, err, &werr)
}
