package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// recordingEmitter counts device_desc emissions per CPU and can be told to
// fail on a specific CPU, mirroring the teacher's MockBackend call-counting
// style.
type recordingEmitter struct {
	mu       sync.Mutex
	calls    []int // cpu indices, in emission order
	failOn   int
	failFrom bool
}

func (e *recordingEmitter) EmitDeviceDesc(cpu int, dev Device) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failFrom && cpu == e.failOn {
		return fmt.Errorf("emitter: simulated failure on cpu %d", cpu)
	}
	e.calls = append(e.calls, cpu)
	return nil
}

func TestAddBroadcastsToEveryCPU(t *testing.T) {
	em := &recordingEmitter{}
	r := New(4, em)

	devPath := "/dev/null" // exists on every test runner, stat-able

	dev, err := r.Add(devPath)
	require.NoError(t, err)
	require.Equal(t, uint64(1), dev.DevID)
	require.Len(t, em.calls, 4)

	for cpu := 0; cpu < 4; cpu++ {
		got, ok := r.IsTraced(cpu, dev.QueueHandle)
		require.True(t, ok)
		require.Equal(t, dev.DevID, got.DevID)
	}
}

func TestAddRejectsDuplicate(t *testing.T) {
	r := New(2, nil)
	_, err := r.Add("/dev/null")
	require.NoError(t, err)

	_, err = r.Add("/dev/null")
	require.ErrorIs(t, err, ErrDuplicateDevice)
}

func TestRemoveAllClearsEveryMirror(t *testing.T) {
	em := &recordingEmitter{}
	r := New(3, em)

	_, err := r.Add("/dev/null")
	require.NoError(t, err)
	_, err = r.Add("/dev/zero")
	require.NoError(t, err)
	require.Len(t, r.List(), 2)

	r.RemoveAll()
	require.Empty(t, r.List())
	for cpu := 0; cpu < 3; cpu++ {
		require.Empty(t, r.mirrors[cpu])
	}
}

func TestRemoveIsSymmetricAcrossMirrors(t *testing.T) {
	em := &recordingEmitter{}
	r := New(3, em)

	dev, err := r.Add("/dev/null")
	require.NoError(t, err)

	require.NoError(t, r.Remove("/dev/null"))
	for cpu := 0; cpu < 3; cpu++ {
		_, ok := r.IsTraced(cpu, dev.QueueHandle)
		require.False(t, ok)
	}

	require.ErrorIs(t, r.Remove("/dev/null"), ErrDeviceNotFound)
}

func TestAddUnwindsOnEmitterFailure(t *testing.T) {
	em := &recordingEmitter{failOn: 2, failFrom: true}
	r := New(4, em)

	_, err := r.Add("/dev/null")
	require.Error(t, err)
	require.Empty(t, r.List())
	handle, err := resolveQueueHandle("/dev/null")
	require.NoError(t, err)
	for cpu := 0; cpu < 4; cpu++ {
		_, ok := r.IsTraced(cpu, handle)
		require.False(t, ok)
	}
}

func TestListReflectsCurrentDevices(t *testing.T) {
	r := New(2, nil)
	_, err := r.Add("/dev/null")
	require.NoError(t, err)
	_, err = r.Add("/dev/zero")
	require.NoError(t, err)

	names := r.List()
	require.ElementsMatch(t, []string{"null", "zero"}, names)
}

func TestResolveQueueHandleRejectsMissingPath(t *testing.T) {
	r := New(1, nil)
	_, err := r.Add("/no/such/device/path")
	require.Error(t, err)
}
