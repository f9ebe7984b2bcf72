// Package trace defines the wire-stable binary event schema shared between
// the per-CPU trace ring producer and the userspace consumer.
package trace

// RecordType identifies the body layout that follows a Header.
type RecordType uint16

const (
	// RecordPadding is a filler record emitted by the ring producer when a
	// reservation does not fit before the wrap; it carries no payload.
	RecordPadding RecordType = iota
	RecordDeviceDesc
	RecordIO
	RecordIOCompletion
	RecordFSMeta
	RecordFSFileName
	RecordFSFileEvent
)

// Protocol version. A major mismatch is a CompatibilityError; a minor
// mismatch is logged and tolerated.
const (
	VersionMajor uint8 = 1
	VersionMinor uint8 = 0
)

// Magic identifies the protocol build. It is embedded in the version
// control endpoint and in every consumer_header.
const Magic uint64 = 0x494f54524143453f // ASCII "IOTRACE?"-derived build identifier

// HeaderSize is the fixed size in bytes of the common record header.
const HeaderSize = 1 + 1 + 2 + 4 + 8 + 8 // version_major, version_minor, type, size, seq_id, timestamp_ns

// Operation identifies the kind of block I/O a record describes.
type Operation uint8

const (
	OpRead Operation = iota
	OpWrite
	OpDiscard
)

// Flags is a bitset of per-request attributes.
type Flags uint32

const (
	FlagFlush Flags = 1 << iota
	FlagFUA
	FlagDirect
	FlagMetadata
	FlagReadahead
)

// FSEventKind enumerates filesystem lifecycle notifications.
type FSEventKind uint8

const (
	FSEventCreate FSEventKind = iota
	FSEventDelete
	FSEventMoveFrom
	FSEventMoveTo
)

// IOClass is the storage-class taxonomy code attached to io records,
// mirroring the size-bucket classification used by downstream analysis
// (grounded on the original tracer's DSS_DATA_FILE_* bucket enum).
type IOClass uint16

const (
	IOClassUnclassified IOClass = iota
	IOClassMisc
	IOClassDirectory
	IOClassDirect
	IOClassFile4KB
	IOClassFile16KB
	IOClassFile64KB
	IOClassFile256KB
	IOClassFile1MB
	IOClassFile4MB
	IOClassFile16MB
	IOClassFile64MB
	IOClassFile256MB
	IOClassFile1GB
	IOClassFileBulk
)

// MaxAncestorDepth bounds the dentry-chain walk performed when attaching
// fs_file_name records for a newly observed inode.
const MaxAncestorDepth = 32

// MaxFileNameLen is the maximum length of a single path component recorded
// in an fs_file_name body.
const MaxFileNameLen = 255
