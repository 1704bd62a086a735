package metatree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Entry is one decoded journal record.
type Entry struct {
	Type       EntryType
	MTime      uint64
	Path       string
	Key        string // SET_KEY/SETV_KEY/UNSET_KEY only
	Value      Value  // SET_KEY/SETV_KEY only
	SourcePath string // COPY_PATH only
}

// encodePayload serialises an Entry's type-specific payload, per
// spec.md §4.6's `path\0 [key\0 (value\0 | value_list)] | path\0
// source_path\0` grammar.
func encodePayload(e Entry) []byte {
	var buf bytes.Buffer
	buf.WriteString(e.Path)
	buf.WriteByte(0)
	switch e.Type {
	case SetKey:
		buf.WriteString(e.Key)
		buf.WriteByte(0)
		buf.WriteString(e.Value.String())
		buf.WriteByte(0)
	case SetVKey:
		buf.WriteString(e.Key)
		buf.WriteByte(0)
		for _, v := range e.Value.List {
			buf.WriteString(v)
			buf.WriteByte(0)
		}
		buf.WriteByte(0) // empty string terminates the list
	case UnsetKey:
		buf.WriteString(e.Key)
		buf.WriteByte(0)
	case CopyPath:
		buf.WriteString(e.SourcePath)
		buf.WriteByte(0)
	case RemovePath:
		// path alone
	}
	return buf.Bytes()
}

func decodePayload(typ EntryType, payload []byte) (Entry, error) {
	e := Entry{Type: typ}
	rest := payload

	path, rest, err := readCString(rest)
	if err != nil {
		return e, err
	}
	e.Path = path

	switch typ {
	case SetKey:
		key, r2, err := readCString(rest)
		if err != nil {
			return e, err
		}
		val, _, err := readCString(r2)
		if err != nil {
			return e, err
		}
		e.Key, e.Value = key, Value{List: []string{val}}
	case SetVKey:
		key, r2, err := readCString(rest)
		if err != nil {
			return e, err
		}
		var list []string
		for {
			s, r3, err := readCString(r2)
			if err != nil {
				return e, err
			}
			if s == "" {
				break
			}
			list = append(list, s)
			r2 = r3
		}
		e.Key, e.Value = key, Value{List: list, IsList: true}
	case UnsetKey:
		key, _, err := readCString(rest)
		if err != nil {
			return e, err
		}
		e.Key = key
	case CopyPath:
		src, _, err := readCString(rest)
		if err != nil {
			return e, err
		}
		e.SourcePath = src
	case RemovePath:
		// nothing further
	default:
		return e, fmt.Errorf("metatree: unknown entry type %d", typ)
	}
	return e, nil
}

func readCString(b []byte) (string, []byte, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", nil, fmt.Errorf("metatree: unterminated string in journal entry")
	}
	return string(b[:i]), b[i+1:], nil
}

// encodeEntry builds the full on-disk record: entry_size, crc32,
// mtime, type, payload, padding, duplicated entry_size.
func encodeEntry(e Entry) []byte {
	payload := encodePayload(e)
	unpadded := entryFixedSize + len(payload)
	size := align4(unpadded + 4) // +4 for the trailing duplicated size
	body := make([]byte, size)

	binary.BigEndian.PutUint64(body[8:16], e.MTime)
	body[16] = byte(e.Type)
	copy(body[17:], payload)

	crc := crc32.ChecksumIEEE(body[8 : len(body)-4])
	binary.BigEndian.PutUint32(body[0:4], uint32(size))
	binary.BigEndian.PutUint32(body[4:8], crc)
	binary.BigEndian.PutUint32(body[len(body)-4:], uint32(size))
	return body
}

// validateAndDecodeEntry checks alignment, size sanity, the duplicated
// trailing length, and the CRC-32, per spec.md §4.6's read-path
// validator. It returns the decoded entry and the number of bytes
// consumed, or an error if this entry is corrupt (callers must then
// stop reading further entries: the tail of the file is untrusted).
func validateAndDecodeEntry(buf []byte) (Entry, int, error) {
	if len(buf) < entryFixedSize+4 {
		return Entry{}, 0, fmt.Errorf("metatree: short journal entry")
	}
	size := binary.BigEndian.Uint32(buf[0:4])
	if size%4 != 0 || int(size) < entryFixedSize+4 || int(size) > len(buf) {
		return Entry{}, 0, fmt.Errorf("metatree: invalid entry size %d", size)
	}
	body := buf[:size]
	trailing := binary.BigEndian.Uint32(body[len(body)-4:])
	if trailing != size {
		return Entry{}, 0, fmt.Errorf("metatree: entry size mismatch (front %d, back %d)", size, trailing)
	}
	wantCRC := binary.BigEndian.Uint32(body[4:8])
	gotCRC := crc32.ChecksumIEEE(body[8 : len(body)-4])
	if gotCRC != wantCRC {
		return Entry{}, 0, fmt.Errorf("metatree: crc mismatch")
	}
	mtime := binary.BigEndian.Uint64(body[8:16])
	typ := EntryType(body[16])
	e, err := decodePayload(typ, body[17:len(body)-4])
	if err != nil {
		return Entry{}, 0, err
	}
	e.MTime = mtime
	return e, int(size), nil
}

// Journal owns one on-disk journal file: a header plus a sequence of
// appended entries in preallocated space. Appends are serialised by an
// in-process mutex and an flock-based file lock, matching spec.md §4.6
// ("a writer ... acquires the journal writer lock").
type Journal struct {
	mu   sync.Mutex
	path string
	f    *os.File

	randomTag  uint32
	fileSize   uint32
	numEntries uint32
	nextOffset uint32
}

// CreateJournal creates a fresh, preallocated journal file at path with
// the given random tag.
func CreateJournal(path string, randomTag uint32) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("metatree: create journal: %w", err)
	}
	hdr := journalHeader{Major: formatMajor, Minor: formatMinor, RandomTag: randomTag, FileSize: journalPreallocSize, NumEntries: 0}
	if err := f.Truncate(journalPreallocSize); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.WriteAt(encodeJournalHeader(hdr), 0); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	return &Journal{path: path, f: f, randomTag: randomTag, fileSize: journalPreallocSize, nextOffset: journalHeaderSize}, nil
}

// OpenJournal opens an existing journal file for appending, replaying
// its header (not its entries; callers validate those separately via
// ReadValidEntries as part of building the in-memory view).
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("metatree: open journal: %w", err)
	}
	hdrBuf := make([]byte, journalHeaderSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		f.Close()
		return nil, err
	}
	hdr, err := decodeJournalHeader(hdrBuf)
	if err != nil {
		f.Close()
		return nil, err
	}
	j := &Journal{path: path, f: f, randomTag: hdr.RandomTag, fileSize: hdr.FileSize, numEntries: hdr.NumEntries}
	valid, offset, err := j.readValidEntriesLocked()
	if err != nil {
		f.Close()
		return nil, err
	}
	j.nextOffset = uint32(offset)
	j.numEntries = uint32(len(valid))
	return j, nil
}

// RandomTag returns the journal's random tag, used to pair it with its image.
func (j *Journal) RandomTag() uint32 { return j.randomTag }

// NumEntries returns the number of entries validated so far.
func (j *Journal) NumEntries() uint32 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.numEntries
}

// Close releases the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// ReadValidEntries reads and validates every entry from the start of
// the journal, stopping at the first corrupt or short entry (spec.md
// §4.6: "The first failing entry marks the journal as
// invalid-from-here; earlier entries are still applied.").
func (j *Journal) ReadValidEntries() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	entries, _, err := j.readValidEntriesLocked()
	return entries, err
}

func (j *Journal) readValidEntriesLocked() ([]Entry, int, error) {
	raw, err := j.readRegion(journalHeaderSize, int(j.fileSize)-journalHeaderSize)
	if err != nil {
		return nil, journalHeaderSize, err
	}
	var entries []Entry
	offset := journalHeaderSize
	pos := 0
	for pos+entryFixedSize+4 <= len(raw) {
		// A zero-filled entry_size marks the boundary between written
		// entries and the preallocated, unwritten tail.
		if binary.BigEndian.Uint32(raw[pos:pos+4]) == 0 {
			break
		}
		e, n, err := validateAndDecodeEntry(raw[pos:])
		if err != nil {
			break
		}
		entries = append(entries, e)
		pos += n
		offset += n
	}
	return entries, offset, nil
}

func (j *Journal) readRegion(off, n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	_, err := j.f.ReadAt(buf, int64(off))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf, nil
}

// Append serialises e and writes it at the next free slot, recording
// the size (and thus the readable boundary) only after the bytes are
// durably in place so a crash mid-write leaves the prior state intact
// (spec.md §4.6: "record-first-then-increment-count").
//
// ErrJournalFull is returned when there is not enough preallocated
// space left; the caller (Store) must then trigger rotation.
func (j *Journal) Append(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.flock(); err != nil {
		return err
	}
	defer j.funlock()

	body := encodeEntry(e)
	if j.nextOffset+uint32(len(body)) > j.fileSize {
		return ErrJournalFull
	}
	if _, err := j.f.WriteAt(body, int64(j.nextOffset)); err != nil {
		return err
	}
	if err := j.f.Sync(); err != nil {
		return err
	}
	j.nextOffset += uint32(len(body))
	j.numEntries++
	if _, err := j.f.WriteAt(encodeJournalHeader(journalHeader{
		Major: formatMajor, Minor: formatMinor, RandomTag: j.randomTag,
		FileSize: j.fileSize, NumEntries: j.numEntries,
	}), 0); err != nil {
		return err
	}
	return j.f.Sync()
}

// ErrJournalFull signals Append found no remaining preallocated space.
var ErrJournalFull = fmt.Errorf("metatree: journal full, rotation required")

func (j *Journal) flock() error {
	return unix.Flock(int(j.f.Fd()), unix.LOCK_EX)
}

func (j *Journal) funlock() error {
	return unix.Flock(int(j.f.Fd()), unix.LOCK_UN)
}
