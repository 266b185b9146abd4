package storage

import (
	"fmt"
	"os"
	"sync"

	"github.com/LiumxNL/RAMCloud/pkg/fileutil"
)

// SingleFile stores all frames in one preallocated file. Frame i's data
// region starts at superblockRegion + i*frameLen; its metadata trailer
// occupies the final sector of the frame. Data is made durable before
// the trailer that describes it.
type SingleFile struct {
	path     string
	capacity uint32
	frameLen int64 // data region padded to sector, plus trailer sector

	mu   sync.Mutex
	file *os.File
	free []bool

	superGen uint64
}

var _ Storage = (*SingleFile)(nil)

// NewSingleFile opens or creates the backing file at path and sizes it
// for frameCount frames of segmentCapacity bytes.
func NewSingleFile(path string, segmentCapacity uint32, frameCount int) (*SingleFile, error) {
	if path == "" {
		f, err := os.CreateTemp("", "backup-storage-*")
		if err != nil {
			return nil, err
		}
		path = f.Name()
		f.Close()
	}
	f, err := fileutil.OpenToReadWrite(path)
	if err != nil {
		return nil, err
	}

	s := &SingleFile{
		path:     path,
		capacity: segmentCapacity,
		frameLen: padToSector(int64(segmentCapacity)) + SectorSize,
		file:     f,
		free:     make([]bool, frameCount),
	}
	for i := range s.free {
		s.free[i] = true
	}

	total := superblockRegion + s.frameLen*int64(frameCount)
	if err := fileutil.Preallocate(f, total, true); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: preallocate %q: %w", path, err)
	}
	return s, nil
}

func padToSector(n int64) int64 {
	return (n + SectorSize - 1) / SectorSize * SectorSize
}

// Path returns the backing file path.
func (s *SingleFile) Path() string { return s.path }

func (s *SingleFile) dataOffset(slot int) int64 {
	return superblockRegion + s.frameLen*int64(slot)
}

func (s *SingleFile) metaOffset(slot int) int64 {
	return s.dataOffset(slot) + s.frameLen - SectorSize
}

func (s *SingleFile) Open(sync bool) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, free := range s.free {
		if !free {
			continue
		}
		s.free[i] = false
		return newFrame(s, i, sync), nil
	}
	return nil, ErrOutOfStorage
}

func (s *SingleFile) Scan() ([]*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var frames []*Frame
	block := make([]byte, SectorSize)
	for i := range s.free {
		if _, err := s.file.ReadAt(block, s.metaOffset(i)); err != nil {
			return nil, fmt.Errorf("storage: scan frame %d: %w", i, err)
		}
		meta, ok := unmarshalMetadata(block)
		if !ok {
			continue
		}
		if meta.SegmentCapacity != s.capacity {
			logger.Warningf("frame %d has capacity %d, configured %d; treating as free",
				i, meta.SegmentCapacity, s.capacity)
			continue
		}
		s.free[i] = false
		fr := newFrame(s, i, true)
		fr.setScanned(meta)
		frames = append(frames, fr)
	}
	return frames, nil
}

func (s *SingleFile) Capacity() uint32 { return s.capacity }

func (s *SingleFile) segmentCapacity() uint32 { return s.capacity }

func (s *SingleFile) FrameCount() int { return len(s.free) }

func (s *SingleFile) FreeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, free := range s.free {
		if free {
			n++
		}
	}
	return n
}

func (s *SingleFile) LoadSuperblock() (*Superblock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Superblock
	block := make([]byte, SectorSize)
	for slot := 0; slot < superblockSlots; slot++ {
		if _, err := s.file.ReadAt(block, int64(slot)*SectorSize); err != nil {
			return nil, err
		}
		sb, ok := unmarshalSuperblock(block)
		if !ok {
			continue
		}
		if best == nil || sb.generation > best.generation {
			cp := sb
			best = &cp
		}
	}
	if best != nil && best.generation >= s.superGen {
		s.superGen = best.generation
	}
	return best, nil
}

func (s *SingleFile) WriteSuperblock(clusterName string, serverID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.superGen++
	sb := Superblock{ClusterName: clusterName, ServerID: serverID, generation: s.superGen}
	slot := int64(s.superGen % superblockSlots)
	if _, err := s.file.WriteAt(marshalSuperblock(sb), slot*SectorSize); err != nil {
		return err
	}
	return fileutil.Fdatasync(s.file)
}

func (s *SingleFile) Scribble() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	zero := make([]byte, SectorSize)
	for i := range s.free {
		if _, err := s.file.WriteAt(zero, s.metaOffset(i)); err != nil {
			return err
		}
	}
	return fileutil.Fdatasync(s.file)
}

// CorruptMetadataForTesting zeroes part of a frame's trailer so restart
// tests can exercise checksum rejection.
func (s *SingleFile) CorruptMetadataForTesting(slot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.file.WriteAt(make([]byte, metadataChecksumSize), s.metaOffset(slot))
	return err
}

func (s *SingleFile) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

func (s *SingleFile) writeFrame(slot int, data []byte, destOff uint32, metaBlock []byte, sync bool) error {
	if len(data) > 0 {
		if _, err := s.file.WriteAt(data, s.dataOffset(slot)+int64(destOff)); err != nil {
			return err
		}
	}
	// The trailer must not become durable before the data it certifies.
	if sync {
		if err := fileutil.Fdatasync(s.file); err != nil {
			return err
		}
	}
	if _, err := s.file.WriteAt(metaBlock, s.metaOffset(slot)); err != nil {
		return err
	}
	if sync {
		return fileutil.Fdatasync(s.file)
	}
	return nil
}

func (s *SingleFile) loadFrame(slot int) ([]byte, error) {
	buf := make([]byte, s.capacity)
	if _, err := s.file.ReadAt(buf, s.dataOffset(slot)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *SingleFile) releaseSlot(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free[slot] = true
}
