package storage

import "sync"

// frameBackend is what a Frame needs from its owning pool.
type frameBackend interface {
	// writeFrame persists data at destOff and then the metadata block,
	// in that order, so the new trailer never becomes durable before
	// its data.
	writeFrame(slot int, data []byte, destOff uint32, metaBlock []byte, sync bool) error

	// loadFrame makes the frame's data addressable for reads.
	loadFrame(slot int) ([]byte, error)

	// releaseSlot returns the slot to the free pool.
	releaseSlot(slot int)

	segmentCapacity() uint32
}

// Frame is a handle on one replica slot. Handles are reference counted:
// the replica index holds one reference and an active recovery may hold
// another, which keeps the slot allocated (and its bytes loadable) until
// the recovery lets go.
type Frame struct {
	backend frameBackend
	slot    int
	sync    bool

	mu        sync.Mutex
	refs      int
	freed     bool
	meta      ReplicaMetadata
	metaValid bool
	loaded    []byte
}

func newFrame(b frameBackend, slot int, sync bool) *Frame {
	return &Frame{backend: b, slot: slot, sync: sync, refs: 1}
}

// Index returns the frame's slot number in the pool.
func (f *Frame) Index() int { return f.slot }

// Ref takes an additional reference on the frame.
func (f *Frame) Ref() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.freed {
		logger.Panicf("ref of freed frame %d", f.slot)
	}
	f.refs++
}

// Unref drops one reference. When the last reference goes the slot
// returns to the free pool and the handle becomes unusable.
func (f *Frame) Unref() {
	f.mu.Lock()
	if f.freed {
		f.mu.Unlock()
		logger.Panicf("unref of freed frame %d", f.slot)
	}
	f.refs--
	if f.refs > 0 {
		f.mu.Unlock()
		return
	}
	f.freed = true
	f.loaded = nil
	f.mu.Unlock()

	f.backend.releaseSlot(f.slot)
}

// Append copies length bytes of data starting at sourceOffset into the
// frame at destOffset and atomically replaces the durable metadata
// trailer.
func (f *Frame) Append(data []byte, sourceOffset, length, destOffset uint32, meta ReplicaMetadata) error {
	if destOffset+length > f.backend.segmentCapacity() || destOffset+length < destOffset {
		return ErrSegmentOverflow
	}

	f.mu.Lock()
	if f.freed {
		f.mu.Unlock()
		return ErrFrameFreed
	}
	f.mu.Unlock()

	block := marshalMetadata(meta)
	err := f.backend.writeFrame(f.slot, data[sourceOffset:sourceOffset+length], destOffset, block, f.sync)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.meta = meta
	f.metaValid = true
	f.loaded = nil // drop any stale cached view
	f.mu.Unlock()
	return nil
}

// Load returns the frame's data, paging it in from backing storage if
// necessary. The returned slice stays valid while the caller holds a
// reference.
func (f *Frame) Load() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.freed {
		return nil, ErrFrameFreed
	}
	if f.loaded != nil {
		return f.loaded, nil
	}
	data, err := f.backend.loadFrame(f.slot)
	if err != nil {
		return nil, err
	}
	f.loaded = data
	return data, nil
}

// Metadata returns the cached trailer; ok is false when the frame has
// never carried valid metadata.
func (f *Frame) Metadata() (meta ReplicaMetadata, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meta, f.metaValid
}

func (f *Frame) setScanned(meta ReplicaMetadata) {
	f.mu.Lock()
	f.meta = meta
	f.metaValid = true
	f.mu.Unlock()
}
