package trace

import "unsafe"

// Header is the common prefix of every record written into a trace ring.
// Layout must stay byte-stable: version_major, version_minor, type, size,
// seq_id, timestamp_ns, little-endian, no implicit padding.
type Header struct {
	VersionMajor uint8
	VersionMinor uint8
	Type         RecordType
	Size         uint32
	SeqID        uint64
	TimestampNs  uint64
}

// Compile-time size check, mirroring the teacher's var _ [N]byte assertions
// over its kernel-ABI structs.
var _ [HeaderSize]byte = [unsafe.Sizeof(Header{})]byte{}

// DeviceDesc announces a traced block device on a CPU's ring before any io
// record for that device can appear on the same CPU.
type DeviceDesc struct {
	DevID       uint64
	SizeSectors uint64
	Name        [32]byte
	Model       [64]byte
}

// FileID identifies an inode together with its creation time, distinguishing
// reused inode numbers across file lifetimes.
type FileID struct {
	Ino        uint64
	CtimeSec   int64
	CtimeNsec  uint32
	_          uint32 // explicit padding to keep the struct 8-byte aligned
}

// IO describes a block I/O request as it is queued.
type IO struct {
	ID         uint64
	LBA        uint64
	LenSectors uint32
	DevID      uint64
	Operation  Operation
	Flags      Flags
	WriteHint  uint8
	IOClass    IOClass
}

// IOCompletion describes the completion of a previously queued IO record.
// RefID matches IO.ID on the same CPU.
type IOCompletion struct {
	RefID      uint64
	LBA        uint64
	LenSectors uint32
	DevID      uint64
	Error      int32
}

// FSMeta attaches filesystem context to the immediately preceding IO record
// on the same CPU (RefID == that IO's ID).
type FSMeta struct {
	RefID             uint64
	PartitionID       uint64
	FileID            FileID
	FileOffsetSectors uint64
	FileSizeSectors   uint64
}

// FSFileName records one ancestor in a dentry chain, emitted only when the
// inode-name cache does not already hold an entry for it.
type FSFileName struct {
	PartitionID  uint64
	FileID       uint64
	ParentFileID uint64
	FileName     [MaxFileNameLen]byte
	FileNameLen  uint8
}

// FSFileEvent records a filesystem lifecycle notification (create, delete,
// move) observed by the FS-event monitor.
type FSFileEvent struct {
	DevID    uint64
	FileID   uint64
	ParentID uint64
	Kind     FSEventKind
}
