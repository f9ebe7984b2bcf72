package producer

import "github.com/ehrlich-b/iotrace/internal/trace"

// sizeBucket pairs an upper bound (in bytes) with the IOClass assigned to
// requests at or below it. The boundaries are grounded on the original
// tracer's DSS_DATA_FILE_4KB..DSS_DATA_FILE_BULK bucket enum: power-of-two
// steps from 4K through 1G, with anything larger falling into the bulk
// class.
var sizeBuckets = []struct {
	upTo  uint64
	class trace.IOClass
}{
	{4 * 1024, trace.IOClassFile4KB},
	{16 * 1024, trace.IOClassFile16KB},
	{64 * 1024, trace.IOClassFile64KB},
	{256 * 1024, trace.IOClassFile256KB},
	{1 << 20, trace.IOClassFile1MB},
	{4 << 20, trace.IOClassFile4MB},
	{16 << 20, trace.IOClassFile16MB},
	{64 << 20, trace.IOClassFile64MB},
	{256 << 20, trace.IOClassFile256MB},
	{1 << 30, trace.IOClassFile1GB},
}

// ClassifyIOSize buckets a request size in bytes into an IOClass using the
// same power-of-two boundaries as the original tracer's DSS_* enum.
// Requests larger than the last bucket are IOClassFileBulk.
func ClassifyIOSize(sizeBytes uint64) trace.IOClass {
	for _, b := range sizeBuckets {
		if sizeBytes <= b.upTo {
			return b.class
		}
	}
	return trace.IOClassFileBulk
}

// ClassifyDirectory returns the fixed directory-traffic class, bypassing
// the size-bucket table entirely (directory I/O is classified by kind, not
// size, per the original tracer).
func ClassifyDirectory() trace.IOClass { return trace.IOClassDirectory }

// ClassifyDirect returns the fixed class for O_DIRECT requests that bypass
// the page cache, which the original tracer also exempts from size
// bucketing.
func ClassifyDirect() trace.IOClass { return trace.IOClassDirect }
