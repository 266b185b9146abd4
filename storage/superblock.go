package storage

import (
	"encoding/binary"

	"github.com/LiumxNL/RAMCloud/pkg/crc"
)

// Superblock records which cluster and server a backup's storage belongs
// to. It gates replica reuse across restarts: replicas are only adopted
// when the stored cluster name matches the configured one.
type Superblock struct {
	ClusterName string
	ServerID    uint64

	generation uint64
}

// Two alternating sector slots hold the superblock so a torn write
// preserves the previous generation.
const (
	superblockSlots  = 2
	superblockRegion = 4096
)

const maxClusterNameLen = SectorSize - 24

func marshalSuperblock(sb Superblock) []byte {
	b := make([]byte, SectorSize)
	name := sb.ClusterName
	if len(name) > maxClusterNameLen {
		name = name[:maxClusterNameLen]
	}
	binary.LittleEndian.PutUint64(b[4:12], sb.generation)
	binary.LittleEndian.PutUint64(b[12:20], sb.ServerID)
	binary.LittleEndian.PutUint32(b[20:24], uint32(len(name)))
	copy(b[24:], name)

	h := crc.New(0, crcTable)
	h.Write(b[4 : 24+len(name)])
	binary.LittleEndian.PutUint32(b[0:4], h.Sum32())
	return b
}

func unmarshalSuperblock(b []byte) (sb Superblock, ok bool) {
	if len(b) < 24 {
		return Superblock{}, false
	}
	nameLen := binary.LittleEndian.Uint32(b[20:24])
	if nameLen > uint32(maxClusterNameLen) || 24+nameLen > uint32(len(b)) {
		return Superblock{}, false
	}
	h := crc.New(0, crcTable)
	h.Write(b[4 : 24+nameLen])
	if binary.LittleEndian.Uint32(b[0:4]) != h.Sum32() {
		return Superblock{}, false
	}
	return Superblock{
		ClusterName: string(b[24 : 24+nameLen]),
		ServerID:    binary.LittleEndian.Uint64(b[12:20]),
		generation:  binary.LittleEndian.Uint64(b[4:12]),
	}, true
}
