// Package registry tracks the set of block devices currently traced and
// mirrors that set to every per-CPU producer so the hot path ("is this
// request's device traced?") is a lock-free pointer walk.
//
// Grounded on the teacher's internal/ctrl.Controller: one owned resource
// (there, a control file descriptor; here, the registry's device slots)
// guarded by a single lock, with state mutation performed as a single
// critical section rather than field-by-field updates.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// MaxDevices bounds the number of simultaneously traced devices, per the
// fixed-capacity registry the hot-path mirrors are sized for.
const MaxDevices = 16

var (
	// ErrRegistryFull is returned by Add once MaxDevices are registered.
	ErrRegistryFull = errors.New("registry: device capacity exhausted")
	// ErrDuplicateDevice is returned by Add when the resolved queue handle
	// already has a slot.
	ErrDuplicateDevice = errors.New("registry: device already traced")
	// ErrDeviceNotFound is returned by Remove for an unregistered path.
	ErrDeviceNotFound = errors.New("registry: device not traced")
)

// Device is one traced block device's registry entry. QueueHandle stands in
// for the kernel request_queue pointer the original tracer keys on; here it
// is the device's (major, minor) pair, which is unique per block device on
// a running kernel.
type Device struct {
	DevID       uint64
	QueueHandle uint64 // packed (major<<32 | minor), the hot-path dedupe key
	Path        string
	Name        string
	Model       string
	SizeSectors uint64
}

// DeviceDescEmitter is called once per CPU when a device is added, so the
// caller can inject a device_desc record into that CPU's ring. Remove and
// RemoveAll do not call it. Implemented by the producer package in production; a
// registry_test.go double records calls for assertions.
type DeviceDescEmitter interface {
	EmitDeviceDesc(cpu int, dev Device) error
}

// Registry is the per-process device registry plus its per-CPU mirrors.
type Registry struct {
	mu      sync.Mutex
	numCPU  int
	nextID  uint64
	devices []Device   // canonical list, index has no meaning outside mu
	mirrors [][]Device // mirrors[cpu] is a copy of devices, read by IsTraced
	emitter DeviceDescEmitter
}

// New creates a registry sized for numCPU per-CPU mirrors. emitter may be
// nil, in which case device_desc injection is skipped (useful for tests
// that only exercise registry bookkeeping).
func New(numCPU int, emitter DeviceDescEmitter) *Registry {
	r := &Registry{
		numCPU:  numCPU,
		mirrors: make([][]Device, numCPU),
		emitter: emitter,
	}
	for i := range r.mirrors {
		r.mirrors[i] = nil
	}
	return r
}

// resolveQueueHandle stats path and packs its (major, minor) device number
// into the hot-path dedupe key, grounded on the teacher's device-path
// resolution in backend.go.
func resolveQueueHandle(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, fmt.Errorf("registry: stat %s: %w", path, err)
	}
	major := unix.Major(st.Rdev)
	minor := unix.Minor(st.Rdev)
	return uint64(major)<<32 | uint64(minor), nil
}

// Add keys the device on the (major, minor) number of path itself, rejects
// duplicates by that queue handle, and broadcasts the new slot to every
// per-CPU mirror while holding the registry lock. A partition path is not
// mapped to its whole disk, and path is not checked to be a block device.
func (r *Registry) Add(path string) (Device, error) {
	handle, err := resolveQueueHandle(path)
	if err != nil {
		return Device{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.devices) >= MaxDevices {
		return Device{}, ErrRegistryFull
	}
	for _, d := range r.devices {
		if d.QueueHandle == handle {
			return Device{}, ErrDuplicateDevice
		}
	}

	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Device{}, fmt.Errorf("registry: stat %s: %w", path, err)
	}

	r.nextID++
	dev := Device{
		DevID:       r.nextID,
		QueueHandle: handle,
		Path:        path,
		Name:        deviceName(path),
		Model:       "unknown",
		SizeSectors: deviceSizeSectors(path),
	}

	r.devices = append(r.devices, dev)
	for cpu := 0; cpu < r.numCPU; cpu++ {
		r.mirrors[cpu] = append(r.mirrors[cpu], dev)
		if r.emitter != nil {
			if err := r.emitter.EmitDeviceDesc(cpu, dev); err != nil {
				// Unwind: the broadcast is atomic from the registry's
				// perspective, so a partial emission failure rolls back
				// every mirror already updated for this device.
				for undoCPU := 0; undoCPU <= cpu; undoCPU++ {
					r.mirrors[undoCPU] = removeByHandle(r.mirrors[undoCPU], handle)
				}
				r.devices = r.devices[:len(r.devices)-1]
				r.nextID--
				return Device{}, fmt.Errorf("registry: emit device_desc on cpu %d: %w", cpu, err)
			}
		}
	}

	return dev, nil
}

// Remove unregisters the device at path, broadcasting removal to every
// per-CPU mirror before releasing the canonical slot.
func (r *Registry) Remove(path string) error {
	handle, err := resolveQueueHandle(path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, d := range r.devices {
		if d.QueueHandle == handle {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrDeviceNotFound
	}

	for cpu := 0; cpu < r.numCPU; cpu++ {
		r.mirrors[cpu] = removeByHandle(r.mirrors[cpu], handle)
	}
	r.devices = append(r.devices[:idx], r.devices[idx+1:]...)
	return nil
}

// RemoveAll unregisters every traced device, broadcasting each removal the
// same way Remove does.
func (r *Registry) RemoveAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for cpu := 0; cpu < r.numCPU; cpu++ {
		r.mirrors[cpu] = nil
	}
	r.devices = nil
}

// List returns the names of every currently traced device.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, len(r.devices))
	for i, d := range r.devices {
		names[i] = d.Name
	}
	return names
}

// Devices returns a copy of every currently traced device's full registry
// entry, for callers (the session preamble, status endpoints) that need
// more than just the name.
func (r *Registry) Devices() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// IsTraced performs the hot-path membership check against one CPU's
// mirror: a short linear scan over at most MaxDevices entries, with no
// locking — the mirror is only ever mutated from inside Add/Remove's
// critical section, which the caller is required to ensure cannot race
// with in-flight I/O on this CPU.
func (r *Registry) IsTraced(cpu int, queueHandle uint64) (Device, bool) {
	for _, d := range r.mirrors[cpu] {
		if d.QueueHandle == queueHandle {
			return d, true
		}
	}
	return Device{}, false
}

func removeByHandle(mirror []Device, handle uint64) []Device {
	for i, d := range mirror {
		if d.QueueHandle == handle {
			return append(mirror[:i], mirror[i+1:]...)
		}
	}
	return mirror
}

func deviceName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func deviceSizeSectors(path string) uint64 {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return 0
	}
	defer unix.Close(fd)

	var size uint64
	if err := blkGetSize64(fd, &size); err != nil {
		return 0
	}
	return size / 512
}
