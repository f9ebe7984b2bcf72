package fsmonitor

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/iotrace/internal/trace"
)

// fakeBackend lets tests drive the dispatch path without a real inotify fd.
type fakeBackend struct {
	deliver func(rawEvent)
	nextWd  int32
	closed  bool
}

func (f *fakeBackend) start(deliver func(rawEvent)) error {
	f.deliver = deliver
	return nil
}

func (f *fakeBackend) addWatch(path string, mask uint32) (int32, error) {
	f.nextWd++
	return f.nextWd, nil
}

func (f *fakeBackend) removeWatch(wd int32) error { return nil }

func (f *fakeBackend) close() error {
	f.closed = true
	return nil
}

type recordingHandler struct {
	events []trace.FSFileEvent

	opens      int
	openDevID  uint64
	openFileID uint64
	openParent uint64
}

func (h *recordingHandler) HandleFSEvent(cpu int, ev trace.FSFileEvent) {
	h.events = append(h.events, ev)
}

func (h *recordingHandler) HandleOpen(cpu int, devID, fileID, parentID uint64) {
	h.opens++
	h.openDevID, h.openFileID, h.openParent = devID, fileID, parentID
}

func withFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{}
	orig := newBackendFunc
	newBackendFunc = func() backend { return fb }
	t.Cleanup(func() { newBackendFunc = orig })
	return fb
}

func TestWatchDispatchesCreateEvent(t *testing.T) {
	fb := withFakeBackend(t)
	h := &recordingHandler{}
	m := New(0, h)

	require.NoError(t, m.Start())
	defer m.Stop()

	require.NoError(t, m.Watch("/traced/dir"))
	fb.deliver(rawEvent{wd: fb.nextWd, mask: MaskCreate, name: "file.txt"})

	require.Equal(t, 1, h.opens)
	require.Len(t, h.events, 1)
	require.Equal(t, trace.FSEventCreate, h.events[0].Kind)
}

func TestWatchRejectsDuplicatePath(t *testing.T) {
	withFakeBackend(t)
	m := New(0, &recordingHandler{})
	require.NoError(t, m.Start())
	defer m.Stop()

	require.NoError(t, m.Watch("/traced/dir"))
	require.ErrorIs(t, m.Watch("/traced/dir"), ErrAlreadyWatching)
}

func TestSharedGroupReferenceCounted(t *testing.T) {
	fb := withFakeBackend(t)
	m1 := New(0, &recordingHandler{})
	m2 := New(1, &recordingHandler{})

	require.NoError(t, m1.Start())
	require.NoError(t, m2.Start())
	require.False(t, fb.closed)

	require.NoError(t, m1.Stop())
	require.False(t, fb.closed, "group must stay alive while m2 holds a reference")

	require.NoError(t, m2.Stop())
	require.True(t, fb.closed)
}

func TestTranslateResolvesRealInodeAndDeviceOnOpen(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("statIDs is only implemented via stat(2) on linux")
	}

	dir := t.TempDir()
	filePath := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0o644))

	var st unix.Stat_t
	require.NoError(t, unix.Stat(filePath, &st))

	fb := withFakeBackend(t)
	h := &recordingHandler{}
	m := New(0, h)
	require.NoError(t, m.Start())
	defer m.Stop()

	require.NoError(t, m.Watch(dir))
	fb.deliver(rawEvent{wd: fb.nextWd, mask: MaskOpen, name: "file.txt"})

	require.Equal(t, 1, h.opens)
	require.Equal(t, st.Ino, h.openFileID)
	require.Equal(t, uint64(st.Dev), h.openDevID)
	require.NotZero(t, h.openDevID, "dev_id must identify the real filesystem, not a path hash with no device component")
}

func TestTranslateFallsBackToHashWhenStatFails(t *testing.T) {
	fb := withFakeBackend(t)
	h := &recordingHandler{}
	m := New(0, h)
	require.NoError(t, m.Start())
	defer m.Stop()

	require.NoError(t, m.Watch("/nonexistent/traced/dir"))
	fb.deliver(rawEvent{wd: fb.nextWd, mask: MaskOpen, name: "ghost.txt"})

	require.Equal(t, 1, h.opens)
	require.Zero(t, h.openDevID, "fallback identity carries no device component")
	require.NotZero(t, h.openFileID)
}

func TestUnrelatedWatchDescriptorIsIgnored(t *testing.T) {
	fb := withFakeBackend(t)
	h := &recordingHandler{}
	m := New(0, h)
	require.NoError(t, m.Start())
	defer m.Stop()

	require.NoError(t, m.Watch("/traced/dir"))
	fb.deliver(rawEvent{wd: 999, mask: MaskCreate, name: "ghost.txt"})

	require.Empty(t, h.events)
	require.Zero(t, h.opens)
}
