// Package metatree implements the content-addressed metadata store:
// a memory-mappable static image overlaid by an append-only journal of
// SET/SETV/UNSET/COPY/REMOVE operations, the same shape gvfs's own
// metadata daemon uses to answer attribute queries without round
// tripping to the remote filesystem for every stat.
package metatree

import (
	"encoding/binary"
	"fmt"
)

// Format constants for the on-disk image (spec.md §4.6).
var (
	imageMagic   = [6]byte{0xda, 0x1a, 'm', 'e', 't', 'a'}
	journalMagic = [6]byte{0xda, 0x1a, 'j', 'o', 'u', 'r'}
)

const (
	formatMajor = 1
	formatMinor = 0

	// rotatedFlagLive marks an image still being read from; rotatedFlagDone
	// marks one superseded by a completed rotation.
	rotatedFlagLive uint32 = 0
	rotatedFlagDone uint32 = 0xFFFFFFFF

	imageHeaderSize   = 6 + 1 + 1 + 4 + 4 + 4 + 4 + 8 // magic,major,minor,rotated,tag,root,attrs,time_base
	journalHeaderSize = 6 + 1 + 1 + 4 + 4 + 4          // magic,major,minor,tag,file_size,num_entries

	// journalPreallocSize is how much space a freshly created journal
	// reserves, zero-filled past the header (spec.md §4.6 "preallocated
	// (e.g. 32 KiB)").
	journalPreallocSize = 32 * 1024

	entryFixedSize = 4 + 4 + 8 + 1 // entry_size, crc32, mtime, type
)

// EntryType enumerates the journal operation kinds.
type EntryType uint8

const (
	SetKey EntryType = iota + 1
	SetVKey
	UnsetKey
	CopyPath
	RemovePath
)

func (e EntryType) String() string {
	switch e {
	case SetKey:
		return "SET_KEY"
	case SetVKey:
		return "SETV_KEY"
	case UnsetKey:
		return "UNSET_KEY"
	case CopyPath:
		return "COPY_PATH"
	case RemovePath:
		return "REMOVE_PATH"
	default:
		return "UNKNOWN"
	}
}

// imageHeader mirrors the Header struct of spec.md §4.6.
type imageHeader struct {
	Major, Minor      uint8
	RotatedFlag       uint32
	RandomTag         uint32
	RootPointer       uint32
	AttributesPointer uint32
	TimeBase          uint64
}

func encodeImageHeader(h imageHeader) []byte {
	buf := make([]byte, imageHeaderSize)
	copy(buf[0:6], imageMagic[:])
	buf[6] = h.Major
	buf[7] = h.Minor
	binary.BigEndian.PutUint32(buf[8:12], h.RotatedFlag)
	binary.BigEndian.PutUint32(buf[12:16], h.RandomTag)
	binary.BigEndian.PutUint32(buf[16:20], h.RootPointer)
	binary.BigEndian.PutUint32(buf[20:24], h.AttributesPointer)
	binary.BigEndian.PutUint64(buf[24:32], h.TimeBase)
	return buf
}

func decodeImageHeader(buf []byte) (imageHeader, error) {
	if len(buf) < imageHeaderSize {
		return imageHeader{}, fmt.Errorf("metatree: image header truncated")
	}
	if string(buf[0:6]) != string(imageMagic[:]) {
		return imageHeader{}, fmt.Errorf("metatree: bad image magic")
	}
	return imageHeader{
		Major:             buf[6],
		Minor:             buf[7],
		RotatedFlag:       binary.BigEndian.Uint32(buf[8:12]),
		RandomTag:         binary.BigEndian.Uint32(buf[12:16]),
		RootPointer:       binary.BigEndian.Uint32(buf[16:20]),
		AttributesPointer: binary.BigEndian.Uint32(buf[20:24]),
		TimeBase:          binary.BigEndian.Uint64(buf[24:32]),
	}, nil
}

// journalHeader mirrors JournalHeader of spec.md §4.6.
type journalHeader struct {
	Major, Minor uint8
	RandomTag    uint32
	FileSize     uint32
	NumEntries   uint32
}

func encodeJournalHeader(h journalHeader) []byte {
	buf := make([]byte, journalHeaderSize)
	copy(buf[0:6], journalMagic[:])
	buf[6] = h.Major
	buf[7] = h.Minor
	binary.BigEndian.PutUint32(buf[8:12], h.RandomTag)
	binary.BigEndian.PutUint32(buf[12:16], h.FileSize)
	binary.BigEndian.PutUint32(buf[16:20], h.NumEntries)
	return buf
}

func decodeJournalHeader(buf []byte) (journalHeader, error) {
	if len(buf) < journalHeaderSize {
		return journalHeader{}, fmt.Errorf("metatree: journal header truncated")
	}
	if string(buf[0:6]) != string(journalMagic[:]) {
		return journalHeader{}, fmt.Errorf("metatree: bad journal magic")
	}
	return journalHeader{
		Major:      buf[6],
		Minor:      buf[7],
		RandomTag:  binary.BigEndian.Uint32(buf[8:12]),
		FileSize:   binary.BigEndian.Uint32(buf[12:16]),
		NumEntries: binary.BigEndian.Uint32(buf[16:20]),
	}, nil
}

// align4 rounds n up to the next multiple of 4.
func align4(n int) int {
	return (n + 3) &^ 3
}

// Value is either a single string or a string list, mirroring the
// journal's SET_KEY / SETV_KEY distinction and the Data node's
// high-bit-tagged key_id (spec.md §4.6).
type Value struct {
	List []string // len==1 with IsList==false means a scalar string
	IsList bool
}

// String returns the scalar form (the sole element for a non-list
// Value), or "" if empty.
func (v Value) String() string {
	if len(v.List) == 0 {
		return ""
	}
	return v.List[0]
}
