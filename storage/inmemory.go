package storage

import "sync"

// InMemory keeps all frames resident in volatile memory. Replicas do not
// survive a restart; Scan always comes back empty.
type InMemory struct {
	capacity uint32

	mu    sync.Mutex
	data  [][]byte
	metas [][]byte
	free  []bool

	superblock *Superblock
}

var _ Storage = (*InMemory)(nil)

// NewInMemory returns a volatile pool of frameCount frames of
// segmentCapacity bytes each.
func NewInMemory(segmentCapacity uint32, frameCount int) *InMemory {
	s := &InMemory{
		capacity: segmentCapacity,
		data:     make([][]byte, frameCount),
		metas:    make([][]byte, frameCount),
		free:     make([]bool, frameCount),
	}
	for i := range s.free {
		s.free[i] = true
	}
	return s
}

func (s *InMemory) Open(sync bool) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, free := range s.free {
		if !free {
			continue
		}
		s.free[i] = false
		s.data[i] = make([]byte, s.capacity)
		s.metas[i] = nil
		return newFrame(s, i, sync), nil
	}
	return nil, ErrOutOfStorage
}

func (s *InMemory) Scan() ([]*Frame, error) { return nil, nil }

func (s *InMemory) Capacity() uint32 { return s.capacity }

func (s *InMemory) FrameCount() int { return len(s.free) }

func (s *InMemory) FreeCount() int {
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

func (s *InMemory) LoadSuperblock() (*Superblock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.superblock, nil
}

func (s *InMemory) WriteSuperblock(clusterName string, serverID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.superblock = &Superblock{ClusterName: clusterName, ServerID: serverID}
	return nil
}

func (s *InMemory) Scribble() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.metas {
		s.metas[i] = nil
	}
	return nil
}

func (s *InMemory) Close() error { return nil }

func (s *InMemory) writeFrame(slot int, data []byte, destOff uint32, metaBlock []byte, sync bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.data[slot][destOff:], data)
	s.metas[slot] = metaBlock
	return nil
}

func (s *InMemory) loadFrame(slot int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[slot], nil
}

func (s *InMemory) releaseSlot(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free[slot] = true
	s.data[slot] = nil
	s.metas[slot] = nil
}

func (s *InMemory) segmentCapacity() uint32 { return s.capacity }
