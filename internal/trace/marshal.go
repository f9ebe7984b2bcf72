package trace

import "encoding/binary"

// MarshalError reports a fixed-layout encode/decode failure.
type MarshalError string

func (e MarshalError) Error() string { return string(e) }

const (
	ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
	ErrUnknownType      MarshalError = "unknown record type for marshaling"
)

// MarshalHeader writes h into the first HeaderSize bytes of buf.
func MarshalHeader(h *Header, buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrInsufficientData
	}
	buf[0] = h.VersionMajor
	buf[1] = h.VersionMinor
	binary.LittleEndian.PutUint16(buf[2:4], uint16(h.Type))
	binary.LittleEndian.PutUint32(buf[4:8], h.Size)
	binary.LittleEndian.PutUint64(buf[8:16], h.SeqID)
	binary.LittleEndian.PutUint64(buf[16:24], h.TimestampNs)
	return nil
}

// UnmarshalHeader reads a Header from the first HeaderSize bytes of buf.
func UnmarshalHeader(buf []byte, h *Header) error {
	if len(buf) < HeaderSize {
		return ErrInsufficientData
	}
	h.VersionMajor = buf[0]
	h.VersionMinor = buf[1]
	h.Type = RecordType(binary.LittleEndian.Uint16(buf[2:4]))
	h.Size = binary.LittleEndian.Uint32(buf[4:8])
	h.SeqID = binary.LittleEndian.Uint64(buf[8:16])
	h.TimestampNs = binary.LittleEndian.Uint64(buf[16:24])
	return nil
}

const (
	deviceDescSize   = 8 + 8 + 32 + 64
	ioSize           = 8 + 8 + 4 + 8 + 1 + 4 + 1 + 2
	ioCompletionSize = 8 + 8 + 4 + 8 + 4
	fileIDSize       = 8 + 8 + 4 + 4
	fsMetaSize       = 8 + 8 + fileIDSize + 8 + 8
	fsFileNameSize   = 8 + 8 + 8 + MaxFileNameLen + 1
	fsFileEventSize  = 8 + 8 + 8 + 1
)

// BodySize returns the encoded size of the body that follows a Header of
// the given RecordType: 0 for RecordPadding (a header-only record), or -1
// for an unknown type.
func BodySize(t RecordType) int {
	switch t {
	case RecordPadding:
		return 0
	case RecordDeviceDesc:
		return deviceDescSize
	case RecordIO:
		return ioSize
	case RecordIOCompletion:
		return ioCompletionSize
	case RecordFSMeta:
		return fsMetaSize
	case RecordFSFileName:
		return fsFileNameSize
	case RecordFSFileEvent:
		return fsFileEventSize
	default:
		return -1
	}
}

// MarshalDeviceDesc encodes d into buf.
func MarshalDeviceDesc(d *DeviceDesc, buf []byte) error {
	if len(buf) < deviceDescSize {
		return ErrInsufficientData
	}
	binary.LittleEndian.PutUint64(buf[0:8], d.DevID)
	binary.LittleEndian.PutUint64(buf[8:16], d.SizeSectors)
	copy(buf[16:48], d.Name[:])
	copy(buf[48:112], d.Model[:])
	return nil
}

// UnmarshalDeviceDesc decodes buf into d.
func UnmarshalDeviceDesc(buf []byte, d *DeviceDesc) error {
	if len(buf) < deviceDescSize {
		return ErrInsufficientData
	}
	d.DevID = binary.LittleEndian.Uint64(buf[0:8])
	d.SizeSectors = binary.LittleEndian.Uint64(buf[8:16])
	copy(d.Name[:], buf[16:48])
	copy(d.Model[:], buf[48:112])
	return nil
}

// MarshalIO encodes rec into buf.
func MarshalIO(rec *IO, buf []byte) error {
	if len(buf) < ioSize {
		return ErrInsufficientData
	}
	binary.LittleEndian.PutUint64(buf[0:8], rec.ID)
	binary.LittleEndian.PutUint64(buf[8:16], rec.LBA)
	binary.LittleEndian.PutUint32(buf[16:20], rec.LenSectors)
	binary.LittleEndian.PutUint64(buf[20:28], rec.DevID)
	buf[28] = uint8(rec.Operation)
	binary.LittleEndian.PutUint32(buf[29:33], uint32(rec.Flags))
	buf[33] = rec.WriteHint
	binary.LittleEndian.PutUint16(buf[34:36], uint16(rec.IOClass))
	return nil
}

// UnmarshalIO decodes buf into rec.
func UnmarshalIO(buf []byte, rec *IO) error {
	if len(buf) < ioSize {
		return ErrInsufficientData
	}
	rec.ID = binary.LittleEndian.Uint64(buf[0:8])
	rec.LBA = binary.LittleEndian.Uint64(buf[8:16])
	rec.LenSectors = binary.LittleEndian.Uint32(buf[16:20])
	rec.DevID = binary.LittleEndian.Uint64(buf[20:28])
	rec.Operation = Operation(buf[28])
	rec.Flags = Flags(binary.LittleEndian.Uint32(buf[29:33]))
	rec.WriteHint = buf[33]
	rec.IOClass = IOClass(binary.LittleEndian.Uint16(buf[34:36]))
	return nil
}

// MarshalIOCompletion encodes rec into buf.
func MarshalIOCompletion(rec *IOCompletion, buf []byte) error {
	if len(buf) < ioCompletionSize {
		return ErrInsufficientData
	}
	binary.LittleEndian.PutUint64(buf[0:8], rec.RefID)
	binary.LittleEndian.PutUint64(buf[8:16], rec.LBA)
	binary.LittleEndian.PutUint32(buf[16:20], rec.LenSectors)
	binary.LittleEndian.PutUint64(buf[20:28], rec.DevID)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(rec.Error))
	return nil
}

// UnmarshalIOCompletion decodes buf into rec.
func UnmarshalIOCompletion(buf []byte, rec *IOCompletion) error {
	if len(buf) < ioCompletionSize {
		return ErrInsufficientData
	}
	rec.RefID = binary.LittleEndian.Uint64(buf[0:8])
	rec.LBA = binary.LittleEndian.Uint64(buf[8:16])
	rec.LenSectors = binary.LittleEndian.Uint32(buf[16:20])
	rec.DevID = binary.LittleEndian.Uint64(buf[20:28])
	rec.Error = int32(binary.LittleEndian.Uint32(buf[28:32]))
	return nil
}

func marshalFileID(f *FileID, buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], f.Ino)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(f.CtimeSec))
	binary.LittleEndian.PutUint32(buf[16:20], f.CtimeNsec)
}

func unmarshalFileID(buf []byte, f *FileID) {
	f.Ino = binary.LittleEndian.Uint64(buf[0:8])
	f.CtimeSec = int64(binary.LittleEndian.Uint64(buf[8:16]))
	f.CtimeNsec = binary.LittleEndian.Uint32(buf[16:20])
}

// MarshalFSMeta encodes rec into buf.
func MarshalFSMeta(rec *FSMeta, buf []byte) error {
	if len(buf) < fsMetaSize {
		return ErrInsufficientData
	}
	binary.LittleEndian.PutUint64(buf[0:8], rec.RefID)
	binary.LittleEndian.PutUint64(buf[8:16], rec.PartitionID)
	marshalFileID(&rec.FileID, buf[16:16+fileIDSize])
	off := 16 + fileIDSize
	binary.LittleEndian.PutUint64(buf[off:off+8], rec.FileOffsetSectors)
	binary.LittleEndian.PutUint64(buf[off+8:off+16], rec.FileSizeSectors)
	return nil
}

// UnmarshalFSMeta decodes buf into rec.
func UnmarshalFSMeta(buf []byte, rec *FSMeta) error {
	if len(buf) < fsMetaSize {
		return ErrInsufficientData
	}
	rec.RefID = binary.LittleEndian.Uint64(buf[0:8])
	rec.PartitionID = binary.LittleEndian.Uint64(buf[8:16])
	unmarshalFileID(buf[16:16+fileIDSize], &rec.FileID)
	off := 16 + fileIDSize
	rec.FileOffsetSectors = binary.LittleEndian.Uint64(buf[off : off+8])
	rec.FileSizeSectors = binary.LittleEndian.Uint64(buf[off+8 : off+16])
	return nil
}

// MarshalFSFileName encodes rec into buf. FileNameLen must already reflect
// the valid prefix of rec.FileName.
func MarshalFSFileName(rec *FSFileName, buf []byte) error {
	if len(buf) < fsFileNameSize {
		return ErrInsufficientData
	}
	binary.LittleEndian.PutUint64(buf[0:8], rec.PartitionID)
	binary.LittleEndian.PutUint64(buf[8:16], rec.FileID)
	binary.LittleEndian.PutUint64(buf[16:24], rec.ParentFileID)
	copy(buf[24:24+MaxFileNameLen], rec.FileName[:])
	buf[24+MaxFileNameLen] = rec.FileNameLen
	return nil
}

// UnmarshalFSFileName decodes buf into rec.
func UnmarshalFSFileName(buf []byte, rec *FSFileName) error {
	if len(buf) < fsFileNameSize {
		return ErrInsufficientData
	}
	rec.PartitionID = binary.LittleEndian.Uint64(buf[0:8])
	rec.FileID = binary.LittleEndian.Uint64(buf[8:16])
	rec.ParentFileID = binary.LittleEndian.Uint64(buf[16:24])
	copy(rec.FileName[:], buf[24:24+MaxFileNameLen])
	rec.FileNameLen = buf[24+MaxFileNameLen]
	return nil
}

// MarshalFSFileEvent encodes rec into buf.
func MarshalFSFileEvent(rec *FSFileEvent, buf []byte) error {
	if len(buf) < fsFileEventSize {
		return ErrInsufficientData
	}
	binary.LittleEndian.PutUint64(buf[0:8], rec.DevID)
	binary.LittleEndian.PutUint64(buf[8:16], rec.FileID)
	binary.LittleEndian.PutUint64(buf[16:24], rec.ParentID)
	buf[24] = uint8(rec.Kind)
	return nil
}

// UnmarshalFSFileEvent decodes buf into rec.
func UnmarshalFSFileEvent(buf []byte, rec *FSFileEvent) error {
	if len(buf) < fsFileEventSize {
		return ErrInsufficientData
	}
	rec.DevID = binary.LittleEndian.Uint64(buf[0:8])
	rec.FileID = binary.LittleEndian.Uint64(buf[8:16])
	rec.ParentID = binary.LittleEndian.Uint64(buf[16:24])
	rec.Kind = FSEventKind(buf[24])
	return nil
}
