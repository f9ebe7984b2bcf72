package trace

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		VersionMajor: VersionMajor,
		VersionMinor: VersionMinor,
		Type:         RecordIO,
		Size:         ioSize,
		SeqID:        42,
		TimestampNs:  1234567890,
	}
	buf := make([]byte, HeaderSize)
	require.NoError(t, MarshalHeader(&h, buf))

	var got Header
	require.NoError(t, UnmarshalHeader(buf, &got))
	require.Equal(t, h, got)
}

func TestHeaderInsufficientData(t *testing.T) {
	var h Header
	require.ErrorIs(t, UnmarshalHeader(make([]byte, HeaderSize-1), &h), ErrInsufficientData)

	buf := make([]byte, HeaderSize)
	require.ErrorIs(t, MarshalHeader(&h, buf[:HeaderSize-1]), ErrInsufficientData)
}

func TestDeviceDescRoundTrip(t *testing.T) {
	d := DeviceDesc{DevID: 7, SizeSectors: 1 << 20}
	copy(d.Name[:], "sda")
	copy(d.Model[:], "QEMU HARDDISK")

	buf := make([]byte, BodySize(RecordDeviceDesc))
	require.NoError(t, MarshalDeviceDesc(&d, buf))

	var got DeviceDesc
	require.NoError(t, UnmarshalDeviceDesc(buf, &got))
	require.Equal(t, d, got)
}

func TestIORoundTrip(t *testing.T) {
	rec := IO{
		ID:         99,
		LBA:        4096,
		LenSectors: 8,
		DevID:      7,
		Operation:  OpWrite,
		Flags:      FlagFUA | FlagDirect,
		WriteHint:  1,
		IOClass:    IOClassFile4KB,
	}
	buf := make([]byte, BodySize(RecordIO))
	require.NoError(t, MarshalIO(&rec, buf))

	var got IO
	require.NoError(t, UnmarshalIO(buf, &got))
	require.Equal(t, rec, got)
}

func TestIOCompletionRoundTrip(t *testing.T) {
	rec := IOCompletion{RefID: 99, LBA: 4096, LenSectors: 8, DevID: 7, Error: -5}
	buf := make([]byte, BodySize(RecordIOCompletion))
	require.NoError(t, MarshalIOCompletion(&rec, buf))

	var got IOCompletion
	require.NoError(t, UnmarshalIOCompletion(buf, &got))
	require.Equal(t, rec, got)
}

func TestFSMetaRoundTrip(t *testing.T) {
	rec := FSMeta{
		RefID:             99,
		PartitionID:       3,
		FileID:            FileID{Ino: 555, CtimeSec: 1700000000, CtimeNsec: 123},
		FileOffsetSectors: 16,
		FileSizeSectors:   2048,
	}
	buf := make([]byte, BodySize(RecordFSMeta))
	require.NoError(t, MarshalFSMeta(&rec, buf))

	var got FSMeta
	require.NoError(t, UnmarshalFSMeta(buf, &got))
	require.Equal(t, rec, got)
}

func TestFSFileNameRoundTrip(t *testing.T) {
	rec := FSFileName{PartitionID: 3, FileID: 555, ParentFileID: 554}
	name := "important-data.db"
	copy(rec.FileName[:], name)
	rec.FileNameLen = uint8(len(name))

	buf := make([]byte, BodySize(RecordFSFileName))
	require.NoError(t, MarshalFSFileName(&rec, buf))

	var got FSFileName
	require.NoError(t, UnmarshalFSFileName(buf, &got))
	require.Equal(t, rec, got)
	require.Equal(t, name, string(got.FileName[:got.FileNameLen]))
}

func TestFSFileEventRoundTrip(t *testing.T) {
	rec := FSFileEvent{DevID: 7, FileID: 555, ParentID: 554, Kind: FSEventMoveTo}
	buf := make([]byte, BodySize(RecordFSFileEvent))
	require.NoError(t, MarshalFSFileEvent(&rec, buf))

	var got FSFileEvent
	require.NoError(t, UnmarshalFSFileEvent(buf, &got))
	require.Equal(t, rec, got)
}

func TestMarshalRejectsShortBuffers(t *testing.T) {
	require.ErrorIs(t, MarshalDeviceDesc(&DeviceDesc{}, make([]byte, 1)), ErrInsufficientData)
	require.ErrorIs(t, MarshalIO(&IO{}, make([]byte, 1)), ErrInsufficientData)
	require.ErrorIs(t, MarshalIOCompletion(&IOCompletion{}, make([]byte, 1)), ErrInsufficientData)
	require.ErrorIs(t, MarshalFSMeta(&FSMeta{}, make([]byte, 1)), ErrInsufficientData)
	require.ErrorIs(t, MarshalFSFileName(&FSFileName{}, make([]byte, 1)), ErrInsufficientData)
	require.ErrorIs(t, MarshalFSFileEvent(&FSFileEvent{}, make([]byte, 1)), ErrInsufficientData)
}

func TestBodySizeUnknownType(t *testing.T) {
	require.Equal(t, -1, BodySize(RecordType(9999)))
}
