// Package session wires a tracer Instance (the per-CPU ring arena, device
// registry, kernel producer, and fs-event monitors) together with a
// Session (a consumer-side mapping of those same rings, one Worker per
// CPU, and a TraceManager) into a runnable whole. It lives in its own
// package, separate from both the root iotrace package and
// internal/consumer, because internal/consumer already imports the root
// package for *iotrace.Metrics and *iotrace.Error — a package combining
// Instance/Session construction needs both, so it cannot live in either of
// them without creating an import cycle.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	iotrace "github.com/ehrlich-b/iotrace"
	"github.com/ehrlich-b/iotrace/internal/consumer"
	"github.com/ehrlich-b/iotrace/internal/control"
	"github.com/ehrlich-b/iotrace/internal/fsmonitor"
	"github.com/ehrlich-b/iotrace/internal/interfaces"
	"github.com/ehrlich-b/iotrace/internal/logging"
	"github.com/ehrlich-b/iotrace/internal/producer"
	"github.com/ehrlich-b/iotrace/internal/registry"
	"github.com/ehrlich-b/iotrace/internal/ring"
)

// InstanceConfig configures a tracer Instance: how many per-CPU rings to
// create, where their backing files live, and the per-CPU ring capacity.
type InstanceConfig struct {
	NumCPU         int
	RingDir        string // directory holding the per-CPU ring-backing files
	PerCPUBufferMB int
}

// Instance owns the process-wide tracer resources that outlive any one
// trace session: the per-CPU ring arena (producer side), the device
// registry, the kernel producer, and one fs-event monitor per CPU.
// Grounded on the teacher's Device, which owns its queue.Runner slice and
// Backend for the device's whole lifetime, independent of any one in-flight
// I/O — here generalized from one device to one tracer instance spanning N
// CPUs.
type Instance struct {
	cfg InstanceConfig

	registry      *registry.Registry
	producerRings []*ring.MappedRing
	producer      *producer.Producer
	monitors      []*fsmonitor.Monitor
	surface       *control.Surface
	logger        *logging.Logger
}

// NewInstance creates cfg.RingDir if needed, creates one producer-side
// mapped ring per CPU, and wires the registry, producer, fs-event monitors,
// and control surface over them.
func NewInstance(cfg InstanceConfig) (*Instance, error) {
	if cfg.NumCPU <= 0 {
		return nil, iotrace.New("session.NewInstance", iotrace.KindValidation, "NumCPU must be positive")
	}
	if cfg.PerCPUBufferMB <= 0 {
		return nil, iotrace.New("session.NewInstance", iotrace.KindValidation, "PerCPUBufferMB must be positive")
	}
	if err := os.MkdirAll(cfg.RingDir, 0o755); err != nil {
		return nil, iotrace.Wrap("session.NewInstance", err)
	}

	inst := &Instance{cfg: cfg, logger: logging.Default()}

	// The registry's DeviceDescEmitter is the producer itself, so the
	// registry must be constructed with a forward reference: the producer
	// cannot exist before the registry it depends on.
	var p *producer.Producer
	inst.registry = registry.New(cfg.NumCPU, emitterFunc(func(cpu int, dev registry.Device) error {
		return p.EmitDeviceDesc(cpu, dev)
	}))

	// The control surface is the single source of truth for ring capacity
	// (buffer.size_mb.get/set, spec.md §4.6); rings are always sized from
	// it, both here at creation and again whenever SetBufferSizeMB changes
	// it via ResizeRingBuffer, rather than from a capacity baked into
	// InstanceConfig at startup and never revisited.
	inst.surface = control.New(cfg.NumCPU, cfg.PerCPUBufferMB*cfg.NumCPU, inst.registry)

	capacityBytes := inst.surface.PerCPUCapacityBytes()
	inst.producerRings = make([]*ring.MappedRing, cfg.NumCPU)
	for cpu := 0; cpu < cfg.NumCPU; cpu++ {
		dataPath, headerPath := inst.ringPaths(cpu)
		mr, err := ring.CreateProducerSide(dataPath, headerPath, capacityBytes)
		if err != nil {
			inst.closeRings(cpu)
			return nil, iotrace.Wrap("session.NewInstance", err)
		}
		inst.producerRings[cpu] = mr
	}

	rings := make([]*ring.Ring, cfg.NumCPU)
	for i, mr := range inst.producerRings {
		rings[i] = mr.Ring
	}
	// No AncestorResolver is wired here: a real dentry-chain walk requires
	// an actual kernel d_parent traversal, which is the integration seam
	// this userspace reimplementation leaves for a future probe bridge
	// (SPEC_FULL.md §8). fs_meta is still emitted for every regular-file or
	// directory I/O; only the ancestor-name walk is skipped.
	p = producer.New(inst.registry, rings, nil)
	inst.producer = p
	p.SetSignaler(inst.surface)

	inst.monitors = make([]*fsmonitor.Monitor, cfg.NumCPU)
	for cpu := range inst.monitors {
		inst.monitors[cpu] = fsmonitor.New(cpu, inst.producer)
	}

	return inst, nil
}

// ResizeRingBuffer implements the buffer.size_mb.set endpoint's effect on
// the actual per-CPU rings: it validates and stores the new total size on
// the control surface (rejecting the change if any client is attached),
// then tears down and recreates every per-CPU producer-side ring at the
// new capacity and rewires the producer to commit into the new rings.
// Any open Session must be closed before calling this — the rings it has
// mmap'd become stale once this returns.
func (inst *Instance) ResizeRingBuffer(totalMB int) error {
	if err := inst.surface.SetBufferSizeMB(totalMB); err != nil {
		return err
	}

	capacityBytes := inst.surface.PerCPUCapacityBytes()
	for cpu := 0; cpu < inst.cfg.NumCPU; cpu++ {
		if inst.producerRings[cpu] != nil {
			if err := inst.producerRings[cpu].Close(); err != nil {
				return iotrace.Wrap("session.ResizeRingBuffer", err)
			}
		}
		dataPath, headerPath := inst.ringPaths(cpu)
		mr, err := ring.CreateProducerSide(dataPath, headerPath, capacityBytes)
		if err != nil {
			return iotrace.Wrap("session.ResizeRingBuffer", err)
		}
		inst.producerRings[cpu] = mr
		inst.producer.SetRing(cpu, mr.Ring)
	}
	return nil
}

func (inst *Instance) ringPaths(cpu int) (dataPath, headerPath string) {
	return filepath.Join(inst.cfg.RingDir, fmt.Sprintf("trace_ring.%d", cpu)),
		filepath.Join(inst.cfg.RingDir, fmt.Sprintf("consumer_hdr.%d", cpu))
}

func (inst *Instance) closeRings(upTo int) {
	for cpu := 0; cpu < upTo; cpu++ {
		if inst.producerRings[cpu] != nil {
			inst.producerRings[cpu].Close()
		}
	}
}

// Surface returns the instance's control surface (device add/remove, buffer
// sizing, version, wait/interrupt_wait).
func (inst *Instance) Surface() *control.Surface { return inst.surface }

// Producer returns the instance's kernel-producer entry points, for a probe
// bridge or test harness to drive.
func (inst *Instance) Producer() *producer.Producer { return inst.producer }

// StartMonitoring begins watching path for filesystem events on cpu,
// starting that CPU's fs-event monitor if this is its first watch.
func (inst *Instance) StartMonitoring(cpu int, path string) error {
	if cpu < 0 || cpu >= len(inst.monitors) {
		return iotrace.New("session.StartMonitoring", iotrace.KindValidation, "cpu out of range")
	}
	if err := inst.monitors[cpu].Start(); err != nil {
		return iotrace.Wrap("session.StartMonitoring", err)
	}
	if err := inst.monitors[cpu].Watch(path); err != nil {
		return iotrace.Wrap("session.StartMonitoring", err)
	}
	return nil
}

// Close tears down every per-CPU ring mapping and stops every fs-event
// monitor. Any attached Session must be stopped first.
func (inst *Instance) Close() error {
	var firstErr error
	for _, m := range inst.monitors {
		if m != nil {
			if err := m.Stop(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, mr := range inst.producerRings {
		if mr != nil {
			if err := mr.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// emitterFunc adapts a function to registry.DeviceDescEmitter, the same
// forward-reference pattern the producer package's own tests use.
type emitterFunc func(cpu int, dev registry.Device) error

func (f emitterFunc) EmitDeviceDesc(cpu int, dev registry.Device) error { return f(cpu, dev) }

// Session is one trace run over an Instance's rings: a consumer-side
// mapping of every per-CPU ring, a Worker per CPU, and the TraceManager
// owning session-level state. Grounded on the teacher's Device, generalized
// from "one device, N queue runners" to "one instance, N consumer workers".
type Session struct {
	inst    *Instance
	manager *consumer.Manager
	rings   []*ring.MappedRing
	workers []*consumer.Worker
	sink    interfaces.Sink

	wg sync.WaitGroup
}

// New opens a consumer-side mapping of every one of inst's per-CPU rings
// and creates a Worker for each, reporting into sink. The session starts in
// the Initializing state; call Start to begin draining.
func New(inst *Instance, cfg consumer.Config, sink interfaces.Sink) (*Session, error) {
	capacityBytes := inst.surface.PerCPUCapacityBytes()

	s := &Session{inst: inst, sink: sink, manager: consumer.NewManager(cfg)}
	s.rings = make([]*ring.MappedRing, inst.cfg.NumCPU)
	s.workers = make([]*consumer.Worker, inst.cfg.NumCPU)

	for cpu := 0; cpu < inst.cfg.NumCPU; cpu++ {
		dataPath, headerPath := inst.ringPaths(cpu)
		mr, err := ring.OpenConsumerSide(dataPath, headerPath, capacityBytes)
		if err != nil {
			for j := 0; j < cpu; j++ {
				s.rings[j].Close()
			}
			return nil, iotrace.Wrap("session.New", err)
		}
		s.rings[cpu] = mr
		s.workers[cpu] = consumer.NewWorker(cpu, mr.Ring, inst.surface, sink, s.manager)
	}

	return s, nil
}

// Start writes the session preamble, transitions the manager to Running,
// attaches to the instance's control surface, and spawns one goroutine per
// CPU running that Worker's drain loop.
func (s *Session) Start(ctx context.Context) error {
	preamble := interfaces.Preamble{
		Labels:    s.manager.Labels(),
		Devices:   s.inst.registry.Devices(),
		StartTime: time.Now(),
	}
	if err := s.sink.WritePreamble(preamble); err != nil {
		return iotrace.Wrap("session.Start", err)
	}

	s.inst.surface.Attach()
	s.manager.Start()

	for _, w := range s.workers {
		w := w
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := w.Run(ctx); err != nil {
				s.manager.ReportError(err)
			}
		}()
	}
	return nil
}

// Stop signals every worker to drain what remains and exit, waits for them,
// detaches from the control surface, transitions the manager to Complete
// (or leaves it Aborted if a worker already aborted it), closes the
// consumer-side ring mappings, and writes the trailer.
func (s *Session) Stop() error {
	s.manager.Stop()
	s.wg.Wait()
	s.inst.surface.Detach()
	s.manager.Complete()

	for _, mr := range s.rings {
		mr.Close()
	}

	return s.sink.WriteTrailer(s.manager.Summary())
}

// Metrics returns the session's live throughput/latency counters.
func (s *Session) Metrics() *iotrace.Metrics { return s.manager.Metrics() }

// State returns the session's current lifecycle state.
func (s *Session) State() interfaces.SessionState { return s.manager.State() }
