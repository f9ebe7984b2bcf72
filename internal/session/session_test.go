package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/iotrace/internal/consumer"
	"github.com/ehrlich-b/iotrace/internal/interfaces"
	"github.com/ehrlich-b/iotrace/internal/producer"
	"github.com/ehrlich-b/iotrace/internal/trace"
)

// mockSink is a tiny in-package test double, since the root package's
// MockSink cannot be imported here without recreating the very import
// cycle internal/interfaces exists to avoid.
type mockSink struct {
	preamble interfaces.Preamble
	records  []trace.Header
	trailer  interfaces.TraceSummary
}

func (m *mockSink) WritePreamble(p interfaces.Preamble) error {
	m.preamble = p
	return nil
}

func (m *mockSink) WriteRecord(cpu int, header trace.Header, body []byte) error {
	m.records = append(m.records, header)
	return nil
}

func (m *mockSink) WriteTrailer(summary interfaces.TraceSummary) error {
	m.trailer = summary
	return nil
}

func TestInstanceAndSessionDrainDeviceDesc(t *testing.T) {
	dir := t.TempDir()
	inst, err := NewInstance(InstanceConfig{NumCPU: 1, RingDir: dir, PerCPUBufferMB: 1})
	require.NoError(t, err)
	defer inst.Close()

	// Add a device before the session starts draining; this should commit
	// a device_desc record into CPU 0's ring via the producer/registry
	// wiring (the same EmitDeviceDesc path producer_test.go exercises).
	_, err = inst.Surface().AddDevice("/dev/null")
	require.NoError(t, err)

	sink := &mockSink{}
	sess, err := New(inst, consumer.Config{}, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sess.Start(ctx))
	defer cancel()

	// device_desc was committed before Start, and this light a load never
	// crosses the ring's almost-full watermark, so per spec.md the worker
	// stays parked in trace.wait until Stop issues trace.interrupt_wait and
	// drains what remains.
	require.NoError(t, sess.Stop())

	require.Len(t, sink.records, 1)
	require.Equal(t, trace.RecordDeviceDesc, sink.records[0].Type)
	require.Equal(t, interfaces.StateComplete, sink.trailer.State)
	require.Equal(t, "/dev/null", sink.preamble.Devices[0].Path)
}

func TestInstanceRecordBioQueuedReachesSink(t *testing.T) {
	dir := t.TempDir()
	inst, err := NewInstance(InstanceConfig{NumCPU: 1, RingDir: dir, PerCPUBufferMB: 1})
	require.NoError(t, err)
	defer inst.Close()

	dev, err := inst.Surface().AddDevice("/dev/null")
	require.NoError(t, err)

	sink := &mockSink{}
	sess, err := New(inst, consumer.Config{}, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sess.Start(ctx))

	traced, err := inst.Producer().RecordBioQueued(0, producer.BioQueued{
		ID:          1,
		QueueHandle: dev.QueueHandle,
		Operation:   trace.OpRead,
	})
	require.NoError(t, err)
	require.True(t, traced)

	// A single io record never crosses the almost-full watermark, so the
	// worker stays parked in trace.wait; Stop's trace.interrupt_wait is what
	// unblocks it and forces the final drain.
	cancel()
	require.NoError(t, sess.Stop())

	found := false
	for _, h := range sink.records {
		if h.Type == trace.RecordIO {
			found = true
		}
	}
	require.True(t, found)
}

func TestResizeRingBufferChangesActualRingCapacity(t *testing.T) {
	dir := t.TempDir()
	inst, err := NewInstance(InstanceConfig{NumCPU: 2, RingDir: dir, PerCPUBufferMB: 1})
	require.NoError(t, err)
	defer inst.Close()

	require.Equal(t, uint64(1*1024*1024), inst.producerRings[0].Capacity())
	require.Equal(t, uint64(1*1024*1024), inst.producerRings[1].Capacity())

	require.NoError(t, inst.ResizeRingBuffer(8))

	wantPerCPU := uint64(8 * 1024 * 1024 / 2)
	require.Equal(t, wantPerCPU, inst.producerRings[0].Capacity())
	require.Equal(t, wantPerCPU, inst.producerRings[1].Capacity())
	require.Equal(t, wantPerCPU, inst.surface.PerCPUCapacityBytes())

	// The producer must commit into the resized ring, not a stale one.
	dev, err := inst.Surface().AddDevice("/dev/null")
	require.NoError(t, err)
	traced, err := inst.Producer().RecordBioQueued(0, producer.BioQueued{
		ID: 1, QueueHandle: dev.QueueHandle, Operation: trace.OpRead,
	})
	require.NoError(t, err)
	require.True(t, traced)

	rec, ok := inst.producerRings[0].Next()
	require.True(t, ok)
	require.Equal(t, trace.RecordDeviceDesc, rec.Header.Type)
}

func TestResizeRingBufferRejectedWhileAttached(t *testing.T) {
	dir := t.TempDir()
	inst, err := NewInstance(InstanceConfig{NumCPU: 1, RingDir: dir, PerCPUBufferMB: 1})
	require.NoError(t, err)
	defer inst.Close()

	sink := &mockSink{}
	sess, err := New(inst, consumer.Config{}, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sess.Start(ctx))
	defer cancel()

	err = inst.ResizeRingBuffer(8)
	require.Error(t, err)
	require.Equal(t, uint64(1*1024*1024), inst.producerRings[0].Capacity())

	cancel()
	require.NoError(t, sess.Stop())
}

func TestNewInstanceRejectsInvalidConfig(t *testing.T) {
	_, err := NewInstance(InstanceConfig{NumCPU: 0, RingDir: filepath.Join(t.TempDir(), "x"), PerCPUBufferMB: 1})
	require.Error(t, err)

	_, err = NewInstance(InstanceConfig{NumCPU: 1, RingDir: filepath.Join(t.TempDir(), "y"), PerCPUBufferMB: 0})
	require.Error(t, err)
}
