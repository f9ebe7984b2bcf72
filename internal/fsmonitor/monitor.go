// Package fsmonitor subscribes to filesystem create/move/delete/open
// notifications on traced volumes, emitting fs_file_event records and
// seeding the inode-name cache on open so later sub-events on children are
// observable.
//
// Grounded on the zillode/notify inotify backend (vendored into syncthing):
// raw unix.InotifyInit1/InotifyAddWatch, and a read loop that parses
// unix.InotifyEvent headers plus a variable-length name suffix out of a
// single buffered read(2). Exactly one inotify group is kept alive
// process-wide; per-CPU tracers share it behind a reference count, the same
// shape the teacher uses for a queue's shared io_uring ring.
package fsmonitor

import (
	"errors"
	"path/filepath"
	"sync"

	"github.com/ehrlich-b/iotrace/internal/trace"
)

// Handler receives decoded filesystem events. The producer package
// implements this to classify and commit fs_file_event records into the
// ring of whichever CPU the notification happened to fire on.
type Handler interface {
	HandleFSEvent(cpu int, ev trace.FSFileEvent)
	// HandleOpen is called for an open/create notification so the caller
	// can seed the inode-name cache before any fs_meta referencing this
	// inode is committed.
	HandleOpen(cpu int, devID, fileID, parentID uint64)
}

// ErrAlreadyWatching is returned by Watch for a path already under watch by
// this Monitor instance.
var ErrAlreadyWatching = errors.New("fsmonitor: path already watched")

// group is the single process-wide inotify resource, reference-counted
// across Monitor instances the same way the teacher shares one io_uring
// ring across queues that opt into it.
type group struct {
	mu       sync.Mutex
	refCount int
	backend  backend // nil until the first Monitor.Start
}

var shared group

// newBackendFunc is overridden in tests to inject a fake transport instead
// of a real inotify file descriptor.
var newBackendFunc = newBackendPlatform

// backend is the OS-specific transport; inotifyBackend (linux) and
// stubBackend (other platforms) both implement it.
type backend interface {
	start(deliver func(rawEvent)) error
	addWatch(path string, mask uint32) (int32, error)
	removeWatch(wd int32) error
	close() error
}

// rawEvent is one decoded inotify record, prior to translation into the
// wire schema.
type rawEvent struct {
	wd     int32
	mask   uint32
	cookie uint32
	name   string
}

// Monitor watches a set of paths and dispatches decoded events to Handler.
// Multiple Monitor instances (typically one per traced device) share the
// single process-wide inotify group.
type Monitor struct {
	handler Handler
	cpu     int

	mu      sync.Mutex
	watches map[int32]string // wd -> path, for this Monitor only
}

// New creates a Monitor that reports events as having occurred on cpu (the
// CPU the eventual consumer/producer pairing runs on) and dispatches
// decoded events to handler.
func New(cpu int, handler Handler) *Monitor {
	return &Monitor{handler: handler, cpu: cpu, watches: make(map[int32]string)}
}

// Mask bits, named after the inotify constants they wrap so callers don't
// need to import golang.org/x/sys/unix directly.
const (
	MaskCreate   uint32 = 0x100 // IN_CREATE
	MaskDelete   uint32 = 0x200 // IN_DELETE
	MaskMovedTo  uint32 = 0x80  // IN_MOVED_TO
	MaskMoveFrom uint32 = 0x40  // IN_MOVED_FROM
	MaskOpen     uint32 = 0x20  // IN_OPEN
)

const watchMask = MaskCreate | MaskDelete | MaskMovedTo | MaskMoveFrom | MaskOpen

// Start acquires the shared inotify group (creating it on first use) and
// begins dispatching events for this Monitor's watches.
func (m *Monitor) Start() error {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	if shared.refCount == 0 {
		b := newBackendFunc()
		if err := b.start(m.deliverAny); err != nil {
			return err
		}
		shared.backend = b
	}
	shared.refCount++
	return nil
}

// deliverAny is installed as the shared backend's delivery callback; it is
// invoked for every watch across every live Monitor, so it looks up which
// Monitor owns the event's watch descriptor. In this package's usage one
// Monitor is created per CPU/device pairing and owns disjoint watches, so a
// simple per-Monitor map lookup suffices without a process-wide registry.
func (m *Monitor) deliverAny(ev rawEvent) {
	m.mu.Lock()
	path, ok := m.watches[ev.wd]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.translate(path, ev)
}

// translate resolves the watch-relative path and name carried in a raw
// inotify event into a stable (inode, dev) identity and dispatches the
// corresponding Handler call. It stats the entry itself (and falls back to
// a path hash only when the stat fails, e.g. a delete racing the unlink),
// rather than hashing the path — spec.md §4.4 keys the inode-name cache on
// (inode_id, dev_id) specifically so that two different filesystems'
// inodes never alias, which a path hash cannot provide since it carries no
// device identity at all.
func (m *Monitor) translate(path string, ev rawEvent) {
	full := path
	if ev.name != "" {
		full = filepath.Join(path, ev.name)
	}

	fileID, devID, ok := statIDs(full)
	if !ok {
		fileID, devID = fnvHash(full), 0
	}
	parentID, _, ok := statIDs(path)
	if !ok {
		parentID = fnvHash(path)
	}

	switch {
	case ev.mask&MaskOpen != 0:
		m.handler.HandleOpen(m.cpu, devID, fileID, parentID)
	case ev.mask&MaskCreate != 0:
		m.handler.HandleOpen(m.cpu, devID, fileID, parentID)
		m.handler.HandleFSEvent(m.cpu, trace.FSFileEvent{DevID: devID, FileID: fileID, ParentID: parentID, Kind: trace.FSEventCreate})
	case ev.mask&MaskDelete != 0:
		m.handler.HandleFSEvent(m.cpu, trace.FSFileEvent{DevID: devID, FileID: fileID, ParentID: parentID, Kind: trace.FSEventDelete})
	case ev.mask&MaskMoveFrom != 0:
		m.handler.HandleFSEvent(m.cpu, trace.FSFileEvent{DevID: devID, FileID: fileID, ParentID: parentID, Kind: trace.FSEventMoveFrom})
	case ev.mask&MaskMovedTo != 0:
		m.handler.HandleFSEvent(m.cpu, trace.FSFileEvent{DevID: devID, FileID: fileID, ParentID: parentID, Kind: trace.FSEventMoveTo})
	}
}

// Watch adds path to this Monitor's watch set.
func (m *Monitor) Watch(path string) error {
	shared.mu.Lock()
	b := shared.backend
	shared.mu.Unlock()
	if b == nil {
		return errors.New("fsmonitor: Start must be called before Watch")
	}

	m.mu.Lock()
	for _, p := range m.watches {
		if p == path {
			m.mu.Unlock()
			return ErrAlreadyWatching
		}
	}
	m.mu.Unlock()

	wd, err := b.addWatch(path, watchMask)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.watches[wd] = path
	m.mu.Unlock()
	return nil
}

// Unwatch removes path from this Monitor's watch set.
func (m *Monitor) Unwatch(path string) error {
	shared.mu.Lock()
	b := shared.backend
	shared.mu.Unlock()
	if b == nil {
		return nil
	}

	m.mu.Lock()
	var wd int32 = -1
	for k, p := range m.watches {
		if p == path {
			wd = k
			break
		}
	}
	if wd != -1 {
		delete(m.watches, wd)
	}
	m.mu.Unlock()

	if wd == -1 {
		return nil
	}
	return b.removeWatch(wd)
}

// Stop releases this Monitor's reference on the shared inotify group,
// tearing it down once the last reference is released.
func (m *Monitor) Stop() error {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	shared.refCount--
	if shared.refCount > 0 {
		return nil
	}
	if shared.backend == nil {
		return nil
	}
	err := shared.backend.close()
	shared.backend = nil
	return err
}

// fnvHash is the fallback identity used only when statIDs cannot resolve a
// path to a real (inode, dev) pair (the entry is already gone by the time
// translate runs). It has no device component and is not a substitute for
// a real inode number; translate prefers statIDs whenever the stat
// succeeds.
func fnvHash(parts ...string) uint64 {
	var h uint64 = 1469598103934665603
	for _, s := range parts {
		for i := 0; i < len(s); i++ {
			h ^= uint64(s[i])
			h *= 1099511628211
		}
		h ^= 0xff
		h *= 1099511628211
	}
	return h
}
