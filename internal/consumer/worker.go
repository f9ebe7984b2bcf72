package consumer

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	iotrace "github.com/ehrlich-b/iotrace"
	"github.com/ehrlich-b/iotrace/internal/control"
	"github.com/ehrlich-b/iotrace/internal/logging"
	"github.com/ehrlich-b/iotrace/internal/queue"
	"github.com/ehrlich-b/iotrace/internal/ring"
	"github.com/ehrlich-b/iotrace/internal/trace"
)

// Worker drains one CPU's ring, pinned to that CPU, blocking on the
// control surface's trace.wait handshake between wakes.
type Worker struct {
	cpu     int
	ring    *ring.Ring
	surface *control.Surface
	sink    Sink
	manager *Manager
	logger  *logging.Logger

	lastLostSeen uint64 // last ring.LostCount() value accounted into metrics
}

// NewWorker creates a Worker for cpu. r must already be opened/mapped for
// consumer use (ring.OpenConsumerSide).
func NewWorker(cpu int, r *ring.Ring, surface *control.Surface, sink Sink, mgr *Manager) *Worker {
	return &Worker{cpu: cpu, ring: r, surface: surface, sink: sink, manager: mgr, logger: logging.Default()}
}

// Run pins the calling goroutine's OS thread to w.cpu, validates the
// ring's protocol version, and loops: wait for almost-full or stop, drain
// what's available (bounded by the producer position observed at entry),
// repeat. It returns when the manager's session stops or ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var mask unix.CPUSet
	mask.Set(w.cpu)
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		w.logger.Warn("failed to pin consumer worker to cpu", "cpu", w.cpu, "err", err)
	}

	for {
		select {
		case <-w.manager.Stopped():
			w.surface.InterruptWait(w.cpu)
			w.drain()
			return nil
		case <-ctx.Done():
			w.drain()
			return nil
		default:
		}

		if w.manager.DeadlineExceeded() {
			w.manager.Stop()
			continue
		}

		waitCtx, cancel := w.waitContext(ctx)
		err := w.surface.Wait(waitCtx, w.cpu)
		cancel()
		if err != nil {
			if iotrace.IsKind(err, iotrace.KindTransient) {
				// Interrupted by a stop signal or ctx cancellation; loop
				// back around to observe it at the top.
				continue
			}
			w.manager.ReportError(err)
			return err
		}

		w.drain()
	}
}

// waitContext derives a context that is also canceled when the session
// stops, so a blocked Wait unblocks promptly on Stop even if the producer
// never reaches the high watermark again.
func (w *Worker) waitContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-w.manager.Stopped():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// drain consumes every record available at entry, bounded by the producer
// position observed when drain started; records committed mid-pass are
// left for the next wake.
func (w *Worker) drain() {
	bound := w.ring.ProducerPos()
	for w.ring.ConsumerPos() != bound {
		rec, ok := w.ring.Next()
		if !ok {
			return
		}

		start := time.Now()
		if rec.Header.VersionMajor != trace.VersionMajor {
			w.manager.Metrics().RecordCompatError()
			w.ring.Release(rec)
			w.manager.ReportError(iotrace.New("consumer.drain", iotrace.KindCompatibility, "major version mismatch"))
			return
		}
		if rec.Header.VersionMinor != trace.VersionMinor {
			w.logger.Debug("minor version mismatch, tolerated", "cpu", w.cpu, "got", rec.Header.VersionMinor, "want", trace.VersionMinor)
		}

		// The ring's Body slice aliases mmap'd memory that becomes invalid
		// the moment Release runs; stage it in a pooled buffer so the sink
		// call can outlive Release without an allocation per record.
		staged := queue.GetBuffer(uint32(len(rec.Body)))
		copy(staged, rec.Body)
		w.ring.Release(rec)

		err := w.sink.WriteRecord(w.cpu, rec.Header, staged)
		if err != nil && iotrace.IsKind(err, iotrace.KindTransient) {
			// A transient sink failure is retried once before it counts.
			err = w.sink.WriteRecord(w.cpu, rec.Header, staged)
		}
		if err != nil {
			w.manager.Metrics().RecordSinkError()
			w.logger.Warn("sink write failed", "cpu", w.cpu, "err", err)
		} else {
			w.manager.Metrics().RecordEmitted(uint16(rec.Header.Type), uint64(len(staged)))
			w.manager.Metrics().RecordSinkWrite(uint64(len(staged)), uint64(time.Since(start).Nanoseconds()))
		}
		queue.PutBuffer(staged)
	}

	if lost := w.ring.LostCount(); lost > w.lastLostSeen {
		w.manager.Metrics().RecordLost(lost - w.lastLostSeen)
		w.lastLostSeen = lost
	}
}
