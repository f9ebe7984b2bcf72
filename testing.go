package iotrace

import (
	"sync"

	"github.com/ehrlich-b/iotrace/internal/interfaces"
	"github.com/ehrlich-b/iotrace/internal/trace"
)

// MockSink is an in-memory consumer.Sink for tests: it records every
// record written, call-counts preamble/trailer writes, and is guarded by a
// sync.RWMutex, matching the teacher's MockBackend shape.
type MockSink struct {
	mu sync.RWMutex

	preamble     interfaces.Preamble
	preambleSeen bool
	records      []MockRecord
	trailer      interfaces.TraceSummary
	trailerSeen  bool

	failWrites bool
}

// MockRecord is one record captured by MockSink.WriteRecord.
type MockRecord struct {
	CPU    int
	Header trace.Header
	Body   []byte
}

// NewMockSink creates an empty MockSink.
func NewMockSink() *MockSink { return &MockSink{} }

// WritePreamble implements interfaces.Sink.
func (s *MockSink) WritePreamble(p interfaces.Preamble) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return ErrMockSinkWriteFailed
	}
	s.preamble = p
	s.preambleSeen = true
	return nil
}

// WriteRecord implements interfaces.Sink. body is copied so the caller may
// reuse or release the underlying ring memory after the call returns.
func (s *MockSink) WriteRecord(cpu int, header trace.Header, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return ErrMockSinkWriteFailed
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	s.records = append(s.records, MockRecord{CPU: cpu, Header: header, Body: cp})
	return nil
}

// WriteTrailer implements interfaces.Sink.
func (s *MockSink) WriteTrailer(summary interfaces.TraceSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return ErrMockSinkWriteFailed
	}
	s.trailer = summary
	s.trailerSeen = true
	return nil
}

// Records returns a copy of every record captured so far, in write order.
func (s *MockSink) Records() []MockRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MockRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Preamble returns the captured preamble and whether one was written.
func (s *MockSink) Preamble() (interfaces.Preamble, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.preamble, s.preambleSeen
}

// Trailer returns the captured trailer and whether one was written.
func (s *MockSink) Trailer() (interfaces.TraceSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trailer, s.trailerSeen
}

// SetFailWrites makes every subsequent Write* call return
// ErrMockSinkWriteFailed, for exercising the consumer's Transient sink-
// retry error path.
func (s *MockSink) SetFailWrites(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = fail
}

// ErrMockSinkWriteFailed is returned by MockSink when SetFailWrites(true)
// is in effect.
var ErrMockSinkWriteFailed = New("mocksink.Write", KindTransient, "mock sink configured to fail")

var _ interfaces.Sink = (*MockSink)(nil)
