package segment

import "encoding/binary"

// LogDigest lists every segment live in the log at the moment it was
// written. Recovery uses the digest from the head segment to verify that
// no segment is missing.
type LogDigest struct {
	SegmentIDs []uint64
}

// MarshalLogDigest frames a digest as an EntryLogDigest payload.
func MarshalLogDigest(d LogDigest) []byte {
	b := make([]byte, 4+8*len(d.SegmentIDs))
	binary.LittleEndian.PutUint32(b[0:4], uint32(len(d.SegmentIDs)))
	for i, id := range d.SegmentIDs {
		binary.LittleEndian.PutUint64(b[4+8*i:], id)
	}
	return b
}

// UnmarshalLogDigest decodes an EntryLogDigest payload.
func UnmarshalLogDigest(b []byte) (LogDigest, error) {
	if len(b) < 4 {
		return LogDigest{}, ErrCorruptEntry
	}
	n := binary.LittleEndian.Uint32(b[0:4])
	if uint32(len(b)-4) < n*8 {
		return LogDigest{}, ErrCorruptEntry
	}
	d := LogDigest{SegmentIDs: make([]uint64, n)}
	for i := range d.SegmentIDs {
		d.SegmentIDs[i] = binary.LittleEndian.Uint64(b[4+8*i:])
	}
	return d, nil
}
