// Package storage manages the fixed pool of segment-sized replica frames
// on one backup. Frames live either in volatile memory or in one
// preallocated file whose layout is, per frame:
//
//	[data : segmentCapacity][padding to sector][metadata trailer : sector]
//
// The metadata trailer carries a checksum over all of its other fields;
// a torn crash leaves either the prior durable trailer or the new one,
// never new data with a half-written trailer being trusted.
package storage

import (
	"errors"

	"github.com/LiumxNL/RAMCloud/pkg/xlog"
)

var logger = xlog.NewLogger("storage", xlog.INFO)

var (
	// ErrOutOfStorage means no frame is free; callers redirect to
	// another backup.
	ErrOutOfStorage = errors.New("storage: out of segment frames")

	// ErrSegmentOverflow means an append would exceed the frame's
	// segment capacity.
	ErrSegmentOverflow = errors.New("storage: append exceeds segment capacity")

	// ErrFrameFreed means the frame handle was used after its slot was
	// released.
	ErrFrameFreed = errors.New("storage: frame already freed")
)

// SectorSize is the unit of atomic durable writes assumed for trailers
// and superblocks.
const SectorSize = 512

// Storage is the frame pool shared by the in-memory and single-file
// implementations.
type Storage interface {
	// Open reserves a free frame for a new replica. With sync set,
	// appends to the frame persist before they are acknowledged.
	// Fails with ErrOutOfStorage when no frame is free.
	Open(sync bool) (*Frame, error)

	// Scan iterates all slots at restart. Slots whose trailer checksum
	// validates and whose recorded capacity matches the configured
	// segment size come back as live frames; all other slots stay free.
	Scan() ([]*Frame, error)

	// Capacity returns the fixed per-frame segment capacity in bytes.
	Capacity() uint32

	// FrameCount returns the size of the frame pool.
	FrameCount() int

	// FreeCount returns the number of unreserved slots.
	FreeCount() int

	// LoadSuperblock returns the stored cluster identity, if any.
	LoadSuperblock() (*Superblock, error)

	// WriteSuperblock durably records the cluster identity.
	WriteSuperblock(clusterName string, serverID uint64) error

	// Scribble overwrites every frame trailer so no stored replica can
	// be adopted by a future restart.
	Scribble() error

	// Close releases the backing resources. Frames handed out before
	// Close must not be used afterward.
	Close() error
}
