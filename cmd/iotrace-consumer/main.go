package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/ehrlich-b/iotrace/internal/consumer"
	"github.com/ehrlich-b/iotrace/internal/logging"
	"github.com/ehrlich-b/iotrace/internal/session"
	"github.com/ehrlich-b/iotrace/internal/sink"
)

// watchFlag collects repeated -watch flags into a slice.
type watchFlag []string

func (w *watchFlag) String() string { return strings.Join(*w, ",") }
func (w *watchFlag) Set(v string) error {
	*w = append(*w, v)
	return nil
}

func main() {
	var (
		numCPU   = flag.Int("num-cpu", runtime.NumCPU(), "Number of per-CPU trace rings to create")
		ringDir  = flag.String("ring-dir", "/tmp/iotrace", "Directory holding the per-CPU ring-backing files")
		bufferMB = flag.Int("buffer-mb", 4, "Per-CPU ring capacity in MiB")
		device   = flag.String("device", "", "Block device path to register for tracing (e.g. /dev/sda)")
		outPath  = flag.String("out", "", "Trace output file (default: stdout)")
		duration = flag.Duration("duration", 0, "Stop the session automatically after this duration (0 = run until signaled)")
		labels   = flag.String("labels", "", "Comma-separated key=value labels attached to the session preamble")
		verbose  = flag.Bool("v", false, "Verbose output")
		watches  watchFlag
	)
	flag.Var(&watches, "watch", "Filesystem path to watch for fs_file_event records (repeatable)")
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	inst, err := session.NewInstance(session.InstanceConfig{
		NumCPU:         *numCPU,
		RingDir:        *ringDir,
		PerCPUBufferMB: *bufferMB,
	})
	if err != nil {
		logger.Error("failed to create tracer instance", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := inst.Close(); err != nil {
			logger.Error("error closing tracer instance", "error", err)
		}
	}()

	if *device != "" {
		dev, err := inst.Surface().AddDevice(*device)
		if err != nil {
			logger.Error("failed to register device", "device", *device, "error", err)
			os.Exit(1)
		}
		logger.Info("registered device", "path", dev.Path, "name", dev.Name)
	}

	for cpu, path := range spreadWatches(watches, *numCPU) {
		if path == "" {
			continue
		}
		if err := inst.StartMonitoring(cpu, path); err != nil {
			logger.Error("failed to start fs monitor", "cpu", cpu, "path", path, "error", err)
			os.Exit(1)
		}
		logger.Info("watching path", "cpu", cpu, "path", path)
	}

	out, err := openOutput(*outPath)
	if err != nil {
		logger.Error("failed to open output", "path", *outPath, "error", err)
		os.Exit(1)
	}

	sess, err := session.New(inst, consumerConfig(*duration, *labels), sink.NewFileSink(out))
	if err != nil {
		logger.Error("failed to create session", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sess.Start(ctx); err != nil {
		logger.Error("failed to start session", "error", err)
		os.Exit(1)
	}
	logger.Info("trace session started", "num_cpu", *numCPU, "ring_dir", *ringDir, "buffer_mb", *bufferMB)

	// Set up SIGUSR1 handler for stack trace dumps, matching the teacher's
	// diagnostic hook for a long-running daemon.
	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			logger.Info("=== GOROUTINE STACK TRACE DUMP ===")
			buf := make([]byte, 1024*1024)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])

			filename := fmt.Sprintf("iotrace-stacks-%d.txt", os.Getpid())
			if f, err := os.Create(filename); err == nil {
				fmt.Fprintf(f, "Process ID: %d\n\n", os.Getpid())
				f.Write(buf[:n])
				fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
				pprof.Lookup("goroutine").WriteTo(f, 2)
				f.Close()
				logger.Info("stack trace written to file", "file", filename)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	if *duration > 0 {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal")
		case <-time.After(*duration):
			logger.Info("session duration elapsed")
		}
	} else {
		<-sigCh
		logger.Info("received shutdown signal")
	}

	cancel()
	if err := sess.Stop(); err != nil {
		logger.Error("error stopping session", "error", err)
		os.Exit(1)
	}

	snap := sess.Metrics().Snapshot()
	logger.Info("trace session stopped", "emitted", snap.RecordsEmitted, "lost", snap.RecordsLost)
}

// spreadWatches assigns each -watch path round-robin across the available
// CPUs, so a single path still gets watched even when numCPU is 1.
func spreadWatches(watches watchFlag, numCPU int) map[int]string {
	out := make(map[int]string, len(watches))
	for i, path := range watches {
		out[i%numCPU] = path
	}
	return out
}

func openOutput(path string) (*os.File, error) {
	if path == "" {
		return os.Stdout, nil
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
}

func consumerConfig(maxDuration time.Duration, labelStr string) consumer.Config {
	return consumer.Config{
		Labels:      parseLabels(labelStr),
		MaxDuration: maxDuration,
	}
}

func parseLabels(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}
