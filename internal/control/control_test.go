package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	iotrace "github.com/ehrlich-b/iotrace"
	"github.com/ehrlich-b/iotrace/internal/registry"
)

func TestSetBufferSizeMBRejectsOutOfRange(t *testing.T) {
	s := New(4, 64, registry.New(4, nil))
	err := s.SetBufferSizeMB(0)
	require.True(t, iotrace.IsKind(err, iotrace.KindValidation))

	err = s.SetBufferSizeMB(MaxBufferMB + 1)
	require.True(t, iotrace.IsKind(err, iotrace.KindValidation))
}

func TestSetBufferSizeMBRejectsWhileAttached(t *testing.T) {
	s := New(4, 64, registry.New(4, nil))
	s.Attach()
	err := s.SetBufferSizeMB(128)
	require.True(t, iotrace.IsKind(err, iotrace.KindConflict))

	s.Detach()
	require.NoError(t, s.SetBufferSizeMB(128))
	require.Equal(t, 128, s.GetBufferSizeMB())
}

func TestPerCPUCapacityBytes(t *testing.T) {
	s := New(4, 64, registry.New(4, nil))
	require.Equal(t, uint64(16*1024*1024), s.PerCPUCapacityBytes())
}

func TestVersionFormat(t *testing.T) {
	s := New(1, 64, registry.New(1, nil))
	v := s.Version()
	require.Regexp(t, `^\d+\n\d+\n[0-9a-f]{16}\n$`, v)
}

func TestWaitBlocksUntilSignaled(t *testing.T) {
	s := New(1, 64, registry.New(1, nil))

	done := make(chan error, 1)
	go func() {
		done <- s.Wait(context.Background(), 0)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before being signaled")
	case <-time.After(20 * time.Millisecond):
	}

	s.Signal(0)
	require.NoError(t, <-done)
}

func TestInterruptWaitUnblocksWaiter(t *testing.T) {
	s := New(1, 64, registry.New(1, nil))

	done := make(chan error, 1)
	go func() { done <- s.Wait(context.Background(), 0) }()
	time.Sleep(10 * time.Millisecond)
	s.InterruptWait(0)
	require.NoError(t, <-done)
}

func TestWaitReturnsTransientOnContextCancel(t *testing.T) {
	s := New(1, 64, registry.New(1, nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Wait(ctx, 0)
	require.True(t, iotrace.IsKind(err, iotrace.KindTransient))
}

func TestAddRemoveDeviceThroughSurface(t *testing.T) {
	s := New(1, 64, registry.New(1, nil))
	dev, err := s.AddDevice("/dev/null")
	require.NoError(t, err)
	require.Contains(t, s.ListDevices(), dev.Name)

	require.NoError(t, s.RemoveDevice("/dev/null"))
	require.Empty(t, s.ListDevices())

	err = s.RemoveDevice("/dev/null")
	require.True(t, iotrace.IsKind(err, iotrace.KindNotFound))
}
