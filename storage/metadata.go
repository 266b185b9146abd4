package storage

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/LiumxNL/RAMCloud/pkg/crc"
	"github.com/LiumxNL/RAMCloud/segment"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ReplicaMetadata is the durable trailer describing the replica stored in
// a frame. The checksum computed over every other field decides at
// restart whether the frame holds a usable replica.
type ReplicaMetadata struct {
	MasterID        uint64
	SegmentID       uint64
	SegmentCapacity uint32
	SegmentEpoch    uint64
	Closed          bool
	Primary         bool

	// HasCertificate is false for replicas that were opened atomically
	// and never certified; such replicas expose zero bytes at recovery.
	HasCertificate bool
	Certificate    segment.Certificate
}

const (
	metadataChecksumSize = 4
	metadataBodySize     = 8 + 8 + 4 + 8 + 1 + 4 + 4
	metadataSize         = metadataChecksumSize + metadataBodySize
)

const (
	flagClosed = 1 << iota
	flagPrimary
	flagHasCertificate
)

// marshalMetadata lays the trailer into a fresh sector-sized block:
// checksum first, then the checksummed body.
func marshalMetadata(m ReplicaMetadata) []byte {
	b := make([]byte, SectorSize)
	body := b[metadataChecksumSize:metadataSize]
	binary.LittleEndian.PutUint64(body[0:8], m.MasterID)
	binary.LittleEndian.PutUint64(body[8:16], m.SegmentID)
	binary.LittleEndian.PutUint32(body[16:20], m.SegmentCapacity)
	binary.LittleEndian.PutUint64(body[20:28], m.SegmentEpoch)
	var flags byte
	if m.Closed {
		flags |= flagClosed
	}
	if m.Primary {
		flags |= flagPrimary
	}
	if m.HasCertificate {
		flags |= flagHasCertificate
	}
	body[28] = flags
	binary.LittleEndian.PutUint32(body[29:33], m.Certificate.Length)
	binary.LittleEndian.PutUint32(body[33:37], m.Certificate.Checksum)

	h := crc.New(0, crcTable)
	h.Write(body)
	binary.LittleEndian.PutUint32(b[0:metadataChecksumSize], h.Sum32())
	return b
}

// unmarshalMetadata decodes a trailer block. ok is false when the
// checksum does not cover the body, which marks the frame free.
func unmarshalMetadata(b []byte) (m ReplicaMetadata, ok bool) {
	if len(b) < metadataSize {
		return ReplicaMetadata{}, false
	}
	body := b[metadataChecksumSize:metadataSize]
	h := crc.New(0, crcTable)
	h.Write(body)
	if binary.LittleEndian.Uint32(b[0:metadataChecksumSize]) != h.Sum32() {
		return ReplicaMetadata{}, false
	}

	m.MasterID = binary.LittleEndian.Uint64(body[0:8])
	m.SegmentID = binary.LittleEndian.Uint64(body[8:16])
	m.SegmentCapacity = binary.LittleEndian.Uint32(body[16:20])
	m.SegmentEpoch = binary.LittleEndian.Uint64(body[20:28])
	flags := body[28]
	m.Closed = flags&flagClosed != 0
	m.Primary = flags&flagPrimary != 0
	m.HasCertificate = flags&flagHasCertificate != 0
	m.Certificate.Length = binary.LittleEndian.Uint32(body[29:33])
	m.Certificate.Checksum = binary.LittleEndian.Uint32(body[33:37])
	return m, true
}
