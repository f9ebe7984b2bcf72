package producer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/iotrace/internal/inodecache"
	"github.com/ehrlich-b/iotrace/internal/registry"
	"github.com/ehrlich-b/iotrace/internal/ring"
	"github.com/ehrlich-b/iotrace/internal/trace"
)

func newTestRing(t *testing.T, capacity uint64) *ring.Ring {
	t.Helper()
	data := make([]byte, capacity)
	header := make([]byte, ring.HeaderByteSize)
	r, err := ring.New(data, header, capacity, true)
	require.NoError(t, err)
	return r
}

// emitterFunc adapts a function to registry.DeviceDescEmitter.
type emitterFunc func(cpu int, dev registry.Device) error

func (f emitterFunc) EmitDeviceDesc(cpu int, dev registry.Device) error { return f(cpu, dev) }

// fakeResolver returns a fixed dentry chain for any (partition, fileID),
// standing in for a real d_parent walk.
type fakeResolver struct {
	chain []Ancestor
}

func (f *fakeResolver) Ancestors(partitionID, fileID uint64) []Ancestor { return f.chain }

func drainAll(r *ring.Ring) []trace.Header {
	var out []trace.Header
	for {
		rec, ok := r.Next()
		if !ok {
			return out
		}
		out = append(out, rec.Header)
		r.Release(rec)
	}
}

func TestRecordBioQueuedSkipsUntracedDevice(t *testing.T) {
	reg := registry.New(1, nil)
	r := newTestRing(t, 64*1024)
	p := New(reg, []*ring.Ring{r}, nil)

	traced, err := p.RecordBioQueued(0, BioQueued{ID: 1, QueueHandle: 0xdead, Operation: trace.OpRead})
	require.NoError(t, err)
	require.False(t, traced)
	require.Empty(t, drainAll(r))
}

func TestRecordBioQueuedEnrichesRegularFileAndDedupesOnSecondRead(t *testing.T) {
	r := newTestRing(t, 64*1024)

	// The registry's DeviceDescEmitter is the producer itself (the real
	// wiring between C3 and C6), so it must be constructed with a forward
	// reference and assigned once the producer exists.
	var p *Producer
	reg := registry.New(1, emitterFunc(func(cpu int, dev registry.Device) error {
		return p.EmitDeviceDesc(cpu, dev)
	}))

	resolver := &fakeResolver{chain: []Ancestor{
		{FileID: 10, ParentFileID: 11, Name: "file"},
		{FileID: 11, ParentFileID: 12, Name: "c"},
		{FileID: 12, ParentFileID: 13, Name: "b"},
		{FileID: 13, ParentFileID: 14, Name: "a"},
		{FileID: 14, ParentFileID: 0, Name: "m"},
	}}
	p = New(reg, []*ring.Ring{r}, resolver)

	dev, err := reg.Add("/dev/null")
	require.NoError(t, err)

	page := PageContext{Kind: PageRegularFile, Inode: InodeContext{PartitionID: 1, Ino: 10, SizeBytes: 4096}}
	traced, err := p.RecordBioQueued(0, BioQueued{ID: 1, QueueHandle: dev.QueueHandle, Operation: trace.OpRead, Page: page})
	require.NoError(t, err)
	require.True(t, traced)

	got := drainAll(r)
	require.Len(t, got, 8) // device_desc + io + fs_meta + 5x fs_file_name
	require.Equal(t, trace.RecordDeviceDesc, got[0].Type)
	require.Equal(t, trace.RecordIO, got[1].Type)
	require.Equal(t, trace.RecordFSMeta, got[2].Type)
	for i := 3; i < 8; i++ {
		require.Equal(t, trace.RecordFSFileName, got[i].Type)
	}

	// Re-reading the same file: the leaf inode is cached, so the whole
	// ancestor walk is skipped.
	traced, err = p.RecordBioQueued(0, BioQueued{ID: 2, QueueHandle: dev.QueueHandle, Operation: trace.OpRead, Page: page})
	require.NoError(t, err)
	require.True(t, traced)

	got = drainAll(r)
	require.Len(t, got, 2) // io + fs_meta only
	require.Equal(t, trace.RecordIO, got[0].Type)
	require.Equal(t, trace.RecordFSMeta, got[1].Type)
}

func TestRecordBioCompletedWritesCompletion(t *testing.T) {
	r := newTestRing(t, 64*1024)
	reg := registry.New(1, nil)
	p := New(reg, []*ring.Ring{r}, nil)

	err := p.RecordBioCompleted(0, BioCompleted{RefID: 42, DevID: 7, Error: 0})
	require.NoError(t, err)

	got := drainAll(r)
	require.Len(t, got, 1)
	require.Equal(t, trace.RecordIOCompletion, got[0].Type)
}

func TestHandleFSEventCommitsRecord(t *testing.T) {
	r := newTestRing(t, 64*1024)
	reg := registry.New(1, nil)
	p := New(reg, []*ring.Ring{r}, nil)

	p.HandleFSEvent(0, trace.FSFileEvent{DevID: 1, FileID: 2, ParentID: 3, Kind: trace.FSEventCreate})

	got := drainAll(r)
	require.Len(t, got, 1)
	require.Equal(t, trace.RecordFSFileEvent, got[0].Type)
}

func TestRecordBioQueuedSetsReadaheadFlagOnIORecord(t *testing.T) {
	r := newTestRing(t, 64*1024)
	var p *Producer
	reg := registry.New(1, emitterFunc(func(cpu int, dev registry.Device) error {
		return p.EmitDeviceDesc(cpu, dev)
	}))
	p = New(reg, []*ring.Ring{r}, nil)

	dev, err := reg.Add("/dev/null")
	require.NoError(t, err)

	page := PageContext{Kind: PageRegularFile, Readahead: true, Inode: InodeContext{SizeBytes: 4096}}
	traced, err := p.RecordBioQueued(0, BioQueued{ID: 1, QueueHandle: dev.QueueHandle, Operation: trace.OpRead, Page: page})
	require.NoError(t, err)
	require.True(t, traced)

	rec, ok := r.Next()
	require.True(t, ok)
	require.Equal(t, trace.RecordDeviceDesc, rec.Header.Type)
	r.Release(rec)

	rec, ok = r.Next()
	require.True(t, ok)
	require.Equal(t, trace.RecordIO, rec.Header.Type)
	var io trace.IO
	require.NoError(t, trace.UnmarshalIO(rec.Body, &io))
	require.True(t, io.Flags&trace.FlagReadahead != 0)
}

func TestHandleOpenSeedsCache(t *testing.T) {
	r := newTestRing(t, 64*1024)
	reg := registry.New(1, nil)
	p := New(reg, []*ring.Ring{r}, nil)

	p.HandleOpen(0, 5, 9, 1)
	require.True(t, p.caches[0].Lookup(inodecache.Key{Inode: 9, DevID: 5}))
}
