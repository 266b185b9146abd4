// Package segment implements the fixed-size append-only segment of a
// master's in-memory log, along with the entry framing and the length
// certificate that gates what is visible after recovery.
package segment

import (
	"errors"
	"hash/crc32"
	"sync"

	"github.com/LiumxNL/RAMCloud/pkg/crc"
)

var (
	// ErrSegmentFull means an append does not fit in the remaining capacity.
	ErrSegmentFull = errors.New("segment: append exceeds segment capacity")

	// ErrBadCertificate means a certificate does not match the bytes it
	// claims to certify.
	ErrBadCertificate = errors.New("segment: certificate checksum mismatch")
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Certificate commits to a segment prefix: only the first Length bytes,
// whose crc matches Checksum, are visible after recovery.
type Certificate struct {
	Length   uint32
	Checksum uint32
}

// Valid reports whether data[:c.Length] matches the certificate.
func (c Certificate) Valid(data []byte) bool {
	if int(c.Length) > len(data) {
		return false
	}
	h := crc.New(0, crcTable)
	h.Write(data[:c.Length])
	return h.Sum32() == c.Checksum
}

// Segment is an append-only in-memory buffer. Appends and length queries
// are safe for concurrent use; the backing array is stable for the
// segment's lifetime so replication can read slices without copying.
type Segment struct {
	mu   sync.Mutex
	buf  []byte
	used uint32
}

// New returns an empty segment of the given capacity.
func New(capacity uint32) *Segment {
	return &Segment{buf: make([]byte, capacity)}
}

// Capacity returns the fixed byte capacity.
func (s *Segment) Capacity() uint32 { return uint32(len(s.buf)) }

// Append adds one entry. It fails with ErrSegmentFull when the framed
// entry does not fit.
func (s *Segment) Append(typ EntryType, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	need := uint32(entryHeaderSize + len(payload))
	if s.used+need > uint32(len(s.buf)) || s.used+need < s.used {
		return ErrSegmentFull
	}
	putEntryHeader(s.buf[s.used:], typ, uint32(len(payload)))
	copy(s.buf[s.used+entryHeaderSize:], payload)
	s.used += need
	return nil
}

// AppendedLength returns the current appended length and a certificate
// covering exactly that prefix.
func (s *Segment) AppendedLength() (uint32, Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := crc.New(0, crcTable)
	h.Write(s.buf[:s.used])
	return s.used, Certificate{Length: s.used, Checksum: h.Sum32()}
}

// ReadAt copies length bytes starting at offset into a fresh slice.
// Callers must not read past the certified length they hold.
func (s *Segment) ReadAt(offset, length uint32) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]byte, length)
	copy(out, s.buf[offset:offset+length])
	return out
}
