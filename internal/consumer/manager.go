// Package consumer implements the userspace half of the tracer: one
// worker per CPU draining its ring into a sink, and a TraceManager owning
// session-level state (labels, deadlines, summary) above them.
//
// Grounded on the teacher's internal/queue.Runner (one worker per queue,
// affinitised, blocking wait, straight-line drain loop between wakes) and
// the teacher's Device state machine (DeviceStateCreated ->
// DeviceStateRunning -> DeviceStateStopped), generalized here from one
// device to one session across N CPU workers.
package consumer

import (
	"sync"
	"time"

	iotrace "github.com/ehrlich-b/iotrace"
	"github.com/ehrlich-b/iotrace/internal/interfaces"
)

// SessionState, StateInitializing..StateAborted, Preamble, and
// TraceSummary are re-exported from internal/interfaces so callers of this
// package don't need to import it directly; the split exists only to let
// the root package's MockSink implement Sink without an import cycle.
type (
	SessionState = interfaces.SessionState
	Preamble     = interfaces.Preamble
	TraceSummary = interfaces.TraceSummary
	Sink         = interfaces.Sink
)

const (
	StateInitializing = interfaces.StateInitializing
	StateRunning      = interfaces.StateRunning
	StateStopping     = interfaces.StateStopping
	StateComplete     = interfaces.StateComplete
	StateAborted      = interfaces.StateAborted
)

// Config is the session configuration a TraceManager is created with.
type Config struct {
	Labels      map[string]string
	MaxDuration time.Duration // 0 means no duration limit
	MaxBytes    uint64        // 0 means no byte limit
}

// Manager owns session-level state shared by every per-CPU Worker: labels,
// the byte/duration budget, the state machine, and the first fatal error
// observed by any worker.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	state   SessionState
	started time.Time
	metrics *iotrace.Metrics

	stopCh   chan struct{}
	stopOnce sync.Once

	firstErr error
}

// NewManager creates a Manager in the Initializing state.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:     cfg,
		state:   StateInitializing,
		metrics: iotrace.NewMetrics(),
		stopCh:  make(chan struct{}),
	}
}

// Start transitions Initializing -> Running and stamps the session start
// time used for the duration deadline.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateRunning
	m.started = time.Now()
}

// State returns the current session state.
func (m *Manager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Metrics returns the session's shared throughput/latency counters, fed by
// every worker's drain loop.
func (m *Manager) Metrics() *iotrace.Metrics { return m.metrics }

// Stopped returns a channel closed once Stop has been called. Workers
// select on this alongside their own per-CPU wait.
func (m *Manager) Stopped() <-chan struct{} { return m.stopCh }

// Stop transitions the session to Stopping (idempotent) and closes the
// Stopped channel so every worker observes it at its next wake.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state == StateRunning || m.state == StateInitializing {
		m.state = StateStopping
	}
	m.mu.Unlock()
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Abort marks the session Aborted instead of Complete; used when a worker
// observes a fatal, non-recoverable error (e.g. CompatibilityError) and
// the manager decides to abort the whole session rather than continue
// other workers.
func (m *Manager) Abort(err error) {
	m.mu.Lock()
	if m.firstErr == nil {
		m.firstErr = err
	}
	m.state = StateAborted
	m.mu.Unlock()
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// ReportError records the first fatal error observed by any worker without
// forcing a global abort; the manager's caller decides whether to Abort
// based on policy (spec: "the consumer surfaces the first fatal error per
// worker and continues other workers unless the manager decides to abort
// globally").
func (m *Manager) ReportError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.firstErr == nil {
		m.firstErr = err
	}
}

// DeadlineExceeded reports whether the configured duration or byte budget
// has been exceeded. Workers call this at every wake; the first to observe
// true calls Stop.
func (m *Manager) DeadlineExceeded() bool {
	m.mu.Lock()
	started := m.started
	cfg := m.cfg
	m.mu.Unlock()

	if cfg.MaxDuration > 0 && !started.IsZero() && time.Since(started) >= cfg.MaxDuration {
		return true
	}
	if cfg.MaxBytes > 0 && m.metrics.Snapshot().BytesWritten >= cfg.MaxBytes {
		return true
	}
	return false
}

// Complete transitions Running/Stopping -> Complete. Called once every
// worker has exited cleanly.
func (m *Manager) Complete() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAborted {
		m.state = StateComplete
	}
	m.metrics.Stop()
}

// Summary builds the TraceSummary to populate the session trailer.
func (m *Manager) Summary() TraceSummary {
	m.mu.Lock()
	state := m.state
	started := m.started
	firstErr := m.firstErr
	m.mu.Unlock()

	snap := m.metrics.Snapshot()
	return TraceSummary{
		State:        state,
		BytesWritten: snap.BytesWritten,
		RecordsByType: map[string]uint64{
			"io":            snap.IORecords,
			"io_cmpl":       snap.IOCompletionRecs,
			"fs_meta":       snap.FSMetaRecords,
			"fs_file_name":  snap.FSFileNameRecords,
			"fs_file_event": snap.FSFileEventRecs,
			"device_desc":   snap.DeviceDescRecords,
		},
		RecordsLost: snap.LostRecords,
		Duration:    time.Since(started),
		FirstError:  firstErr,
	}
}

// Labels returns the session's label set. Endpoint glue (CLI -labels
// k=v,...) populates Config.Labels before NewManager is called.
func (m *Manager) Labels() map[string]string { return m.cfg.Labels }
