// Package sink provides the one concrete interfaces.Sink this module
// ships: a framed-record writer over any io.Writer. The persisted
// trace-file format is explicitly out of scope (SPEC_FULL.md §11, "no
// persistent trace-file format beyond a sink that accepts framed
// records") — this is the minimal such sink, not a format specification.
package sink

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/ehrlich-b/iotrace/internal/interfaces"
	"github.com/ehrlich-b/iotrace/internal/trace"
)

// preambleJSON and trailerJSON are the on-the-wire JSON shapes for the
// session preamble/trailer lines; kept separate from interfaces.Preamble/
// TraceSummary so the sink's serialization detail doesn't leak back into
// the shared interface types.
type preambleJSON struct {
	Labels    map[string]string `json:"labels,omitempty"`
	Devices   []string          `json:"devices"`
	StartTime string            `json:"start_time"`
}

type trailerJSON struct {
	State         string            `json:"state"`
	BytesWritten  uint64            `json:"bytes_written"`
	RecordsByType map[string]uint64 `json:"records_by_type"`
	RecordsLost   uint64            `json:"records_lost"`
	DurationMs    int64             `json:"duration_ms"`
	FirstError    string            `json:"first_error,omitempty"`
}

// FileSink writes one JSON preamble line, then every record as a 4-byte
// little-endian CPU index, the raw trace.Header and its body bytes, then
// one JSON trailer line. It
// is safe for concurrent WriteRecord calls from multiple consumer workers.
type FileSink struct {
	mu sync.Mutex
	w  *bufio.Writer
	f  io.Closer
}

// NewFileSink wraps w. If w also implements io.Closer, Close closes it too.
func NewFileSink(w io.Writer) *FileSink {
	fs := &FileSink{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		fs.f = c
	}
	return fs
}

// WritePreamble implements interfaces.Sink.
func (s *FileSink) WritePreamble(p interfaces.Preamble) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, len(p.Devices))
	for i, d := range p.Devices {
		names[i] = d.Name
	}
	line, err := json.Marshal(preambleJSON{
		Labels:    p.Labels,
		Devices:   names,
		StartTime: p.StartTime.Format("2006-01-02T15:04:05.000Z07:00"),
	})
	if err != nil {
		return err
	}
	if _, err := s.w.Write(line); err != nil {
		return err
	}
	return s.w.WriteByte('\n')
}

// WriteRecord implements interfaces.Sink: the writing CPU as a
// little-endian uint32, then the fixed trace.Header, then its body, with no
// length prefix — the reader knows the body length from header.Size.
func (s *FileSink) WriteRecord(cpu int, header trace.Header, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hdrBuf [trace.HeaderSize]byte
	if err := trace.MarshalHeader(&header, hdrBuf[:]); err != nil {
		return err
	}
	var cpuBuf [4]byte
	binary.LittleEndian.PutUint32(cpuBuf[:], uint32(cpu))
	if _, err := s.w.Write(cpuBuf[:]); err != nil {
		return err
	}
	if _, err := s.w.Write(hdrBuf[:]); err != nil {
		return err
	}
	_, err := s.w.Write(body)
	return err
}

// WriteTrailer implements interfaces.Sink, flushing the buffered writer and
// closing the underlying writer if it is an io.Closer.
func (s *FileSink) WriteTrailer(summary interfaces.TraceSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	firstErr := ""
	if summary.FirstError != nil {
		firstErr = summary.FirstError.Error()
	}
	line, err := json.Marshal(trailerJSON{
		State:         fmt.Sprint(summary.State),
		BytesWritten:  summary.BytesWritten,
		RecordsByType: summary.RecordsByType,
		RecordsLost:   summary.RecordsLost,
		DurationMs:    summary.Duration.Milliseconds(),
		FirstError:    firstErr,
	})
	if err != nil {
		return err
	}
	if _, err := s.w.Write(line); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.f != nil {
		return s.f.Close()
	}
	return nil
}

var _ interfaces.Sink = (*FileSink)(nil)
