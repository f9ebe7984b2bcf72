// Package control implements the management endpoint set exposed over the
// /proc/iotrace/ virtual filesystem tree: device add/remove/list, buffer
// sizing, version query, and the attach/detach client-lifecycle used to
// arbitrate when buffer size may change and when rings may be torn down.
//
// Grounded on the teacher's internal/ctrl.Controller: one owned resource
// (there, a control file descriptor; here, the registry and the per-CPU
// wait/interrupt channels) guarded by a single lock, with state mutation
// performed as a single critical section.
package control

import (
	"context"
	"fmt"
	"sync"

	iotrace "github.com/ehrlich-b/iotrace"
	"github.com/ehrlich-b/iotrace/internal/registry"
	"github.com/ehrlich-b/iotrace/internal/trace"
)

// MaxBufferMB bounds the total ring size across every CPU, per the
// control surface's buffer.size_mb contract (enforced <= 4 GiB).
const MaxBufferMB = 4096

// Surface is the process-wide control surface. One instance exists per
// tracer instance; its registry lock is the single point of mutual
// exclusion for device-set and buffer-size changes.
type Surface struct {
	mu sync.Mutex

	registry     *registry.Registry
	numCPU       int
	bufferSizeMB int
	attached     int

	// wake is the per-CPU trace.wait/trace.interrupt_wait handshake: a
	// buffered channel of capacity 1 so a pending signal is never lost
	// between a producer's almost-full check and the consumer actually
	// blocking on Wait.
	wake []chan struct{}
}

// New creates a Surface over numCPU CPUs with an initial buffer size.
func New(numCPU int, initialBufferSizeMB int, reg *registry.Registry) *Surface {
	wake := make([]chan struct{}, numCPU)
	for i := range wake {
		wake[i] = make(chan struct{}, 1)
	}
	return &Surface{
		registry:     reg,
		numCPU:       numCPU,
		bufferSizeMB: initialBufferSizeMB,
		wake:         wake,
	}
}

// AddDevice registers a block device for tracing. Endpoint: devices.add.
func (s *Surface) AddDevice(path string) (registry.Device, error) {
	dev, err := s.registry.Add(path)
	if err != nil {
		return registry.Device{}, classifyRegistryErr("control.AddDevice", err)
	}
	return dev, nil
}

// RemoveDevice unregisters a block device. Endpoint: devices.remove.
func (s *Surface) RemoveDevice(path string) error {
	if err := s.registry.Remove(path); err != nil {
		return classifyRegistryErr("control.RemoveDevice", err)
	}
	return nil
}

// ListDevices returns the names of every traced device. Endpoint:
// devices.list.
func (s *Surface) ListDevices() []string {
	return s.registry.List()
}

// GetBufferSizeMB returns the current total ring size across CPUs.
// Endpoint: buffer.size_mb.get.
func (s *Surface) GetBufferSizeMB() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufferSizeMB
}

// SetBufferSizeMB sets the total ring size across CPUs. Requires zero
// attached clients; per-CPU capacity is mb / numCPU. Endpoint:
// buffer.size_mb.set.
func (s *Surface) SetBufferSizeMB(mb int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mb <= 0 || mb > MaxBufferMB {
		return iotrace.New("control.SetBufferSizeMB", iotrace.KindValidation,
			fmt.Sprintf("buffer size %d MiB out of range (1..%d)", mb, MaxBufferMB))
	}
	if s.attached > 0 {
		return iotrace.New("control.SetBufferSizeMB", iotrace.KindConflict,
			"cannot change buffer size while clients are attached")
	}
	s.bufferSizeMB = mb
	return nil
}

// PerCPUCapacityBytes returns the per-CPU ring data-region size implied by
// the current buffer size: total / numCPU, in bytes.
func (s *Surface) PerCPUCapacityBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.numCPU == 0 {
		return 0
	}
	return uint64(s.bufferSizeMB) * 1024 * 1024 / uint64(s.numCPU)
}

// Version returns the control surface's version string, endpoint:
// version.get. Format: "{major}\n{minor}\n{magic:16hex}\n".
func (s *Surface) Version() string {
	return fmt.Sprintf("%d\n%d\n%016x\n", trace.VersionMajor, trace.VersionMinor, trace.Magic)
}

// Attach records a new client. While any client is attached,
// SetBufferSizeMB refuses to change the buffer size. Attach itself cannot
// fail.
func (s *Surface) Attach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached++
}

// Detach releases one client reference.
func (s *Surface) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached > 0 {
		s.attached--
	}
}

// AttachedCount reports the current client count.
func (s *Surface) AttachedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// Signal wakes a pending (or future) Wait call on cpu, used by the
// producer when a ring reaches its high watermark ("almost full").
// Non-blocking: a signal already pending is coalesced.
func (s *Surface) Signal(cpu int) {
	select {
	case s.wake[cpu] <- struct{}{}:
	default:
	}
}

// InterruptWait is the trace.interrupt_wait ioctl: it wakes the
// corresponding trace.wait on cpu without implying the ring is full,
// typically used at session stop.
func (s *Surface) InterruptWait(cpu int) {
	s.Signal(cpu)
}

// Wait is the trace.wait ioctl: it blocks until the producer signals
// almost-full on cpu, InterruptWait is called, or ctx is done.
func (s *Surface) Wait(ctx context.Context, cpu int) error {
	select {
	case <-s.wake[cpu]:
		return nil
	case <-ctx.Done():
		return iotrace.New("control.Wait", iotrace.KindTransient, "wait interrupted")
	}
}

func classifyRegistryErr(op string, err error) error {
	switch err {
	case registry.ErrDeviceNotFound:
		return iotrace.New(op, iotrace.KindNotFound, err.Error())
	case registry.ErrDuplicateDevice:
		return iotrace.New(op, iotrace.KindConflict, err.Error())
	case registry.ErrRegistryFull:
		return iotrace.New(op, iotrace.KindResource, err.Error())
	default:
		return iotrace.Wrap(op, err)
	}
}
