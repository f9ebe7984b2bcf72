// Package interfaces provides internal interface definitions shared
// between the consumer package and the root package's test doubles.
// These are separate from both to avoid circular imports between the
// root package (which wants to provide a Mock* test double) and the
// internal packages that define the real interface — the same split the
// teacher uses between its root package and internal/interfaces.
package interfaces

import (
	"time"

	"github.com/ehrlich-b/iotrace/internal/registry"
	"github.com/ehrlich-b/iotrace/internal/trace"
)

// Sink receives framed records (and the session preamble/trailer) drained
// from one or more rings. The persisted trace-file format is outside the
// core's scope — the consumer is abstract over "a sink that accepts
// framed events".
type Sink interface {
	WritePreamble(Preamble) error
	WriteRecord(cpu int, header trace.Header, body []byte) error
	WriteTrailer(TraceSummary) error
}

// Preamble captures the fixed session-preamble fields a Sink writes before
// any records: labels, the device set, and the start time.
type Preamble struct {
	Labels    map[string]string
	Devices   []registry.Device
	StartTime time.Time
}

// SessionState is the TraceManager's state machine:
// Initializing -> Running -> Stopping -> Complete | Aborted.
type SessionState int

const (
	StateInitializing SessionState = iota
	StateRunning
	StateStopping
	StateComplete
	StateAborted
)

func (s SessionState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateComplete:
		return "complete"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// TraceSummary is populated at session stop time and written as the
// session trailer.
type TraceSummary struct {
	State         SessionState
	BytesWritten  uint64
	RecordsByType map[string]uint64
	RecordsLost   uint64
	Duration      time.Duration
	FirstError    error
}
