package segment

import (
	"encoding/binary"
	"errors"
	"io"
)

// EntryType tags the payload of one log entry.
type EntryType uint8

const (
	// EntryData is a tablet object write: a fixed key header followed by
	// an opaque value.
	EntryData EntryType = iota + 1

	// EntryLogDigest names every segment live in the log when it was
	// written; one is placed at the head of each new log segment.
	EntryLogDigest
)

const entryHeaderSize = 5

// ErrCorruptEntry means entry framing did not parse inside the certified
// prefix.
var ErrCorruptEntry = errors.New("segment: corrupt entry framing")

func putEntryHeader(b []byte, typ EntryType, length uint32) {
	b[0] = byte(typ)
	binary.LittleEndian.PutUint32(b[1:5], length)
}

// Entry is one decoded log entry.
type Entry struct {
	Type    EntryType
	Payload []byte
}

// Iterator walks the entries of a certified prefix of raw segment bytes.
// It refuses to read past the certificate boundary.
type Iterator struct {
	data []byte
	off  uint32
	end  uint32
}

// NewIterator validates the certificate over data and returns an iterator
// over the certified prefix.
func NewIterator(data []byte, cert Certificate) (*Iterator, error) {
	if !cert.Valid(data) {
		return nil, ErrBadCertificate
	}
	return &Iterator{data: data, end: cert.Length}, nil
}

// Next decodes the next entry. It returns io.EOF at the certificate
// boundary and ErrCorruptEntry when framing is broken.
func (it *Iterator) Next() (Entry, error) {
	if it.off == it.end {
		return Entry{}, io.EOF
	}
	if it.end-it.off < entryHeaderSize {
		return Entry{}, ErrCorruptEntry
	}
	typ := EntryType(it.data[it.off])
	n := binary.LittleEndian.Uint32(it.data[it.off+1 : it.off+5])
	if it.end-it.off-entryHeaderSize < n {
		return Entry{}, ErrCorruptEntry
	}
	e := Entry{Type: typ, Payload: it.data[it.off+entryHeaderSize : it.off+entryHeaderSize+n]}
	it.off += entryHeaderSize + n
	return e, nil
}

// DataEntry is the decoded form of an EntryData payload.
type DataEntry struct {
	TableID uint64
	KeyHash uint64
	Value   []byte
}

const dataEntryHeaderSize = 16

// MarshalDataEntry frames a tablet object write as an EntryData payload.
func MarshalDataEntry(e DataEntry) []byte {
	b := make([]byte, dataEntryHeaderSize+len(e.Value))
	binary.LittleEndian.PutUint64(b[0:8], e.TableID)
	binary.LittleEndian.PutUint64(b[8:16], e.KeyHash)
	copy(b[16:], e.Value)
	return b
}

// UnmarshalDataEntry decodes an EntryData payload.
func UnmarshalDataEntry(b []byte) (DataEntry, error) {
	if len(b) < dataEntryHeaderSize {
		return DataEntry{}, ErrCorruptEntry
	}
	return DataEntry{
		TableID: binary.LittleEndian.Uint64(b[0:8]),
		KeyHash: binary.LittleEndian.Uint64(b[8:16]),
		Value:   b[16:],
	}, nil
}
