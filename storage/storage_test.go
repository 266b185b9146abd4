package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/LiumxNL/RAMCloud/segment"
)

func TestMetadataRoundTrip(t *testing.T) {
	m := ReplicaMetadata{
		MasterID:        70,
		SegmentID:       88,
		SegmentCapacity: 4096,
		SegmentEpoch:    3,
		Closed:          true,
		Primary:         true,
		HasCertificate:  true,
		Certificate:     segment.Certificate{Length: 10, Checksum: 0xdeadbeef},
	}
	block := marshalMetadata(m)
	if len(block) != SectorSize {
		t.Fatalf("block size expected %d, got %d", SectorSize, len(block))
	}
	got, ok := unmarshalMetadata(block)
	if !ok {
		t.Fatalf("metadata expected to validate")
	}
	if got != m {
		t.Fatalf("metadata expected %+v, got %+v", m, got)
	}
}

func TestMetadataBadChecksum(t *testing.T) {
	block := marshalMetadata(ReplicaMetadata{MasterID: 70, SegmentID: 90, SegmentCapacity: 4096})
	block[7] ^= 0xff
	if _, ok := unmarshalMetadata(block); ok {
		t.Fatalf("corrupted metadata expected to fail validation")
	}
}

func TestMetadataZeroBlockInvalid(t *testing.T) {
	if _, ok := unmarshalMetadata(make([]byte, SectorSize)); ok {
		t.Fatalf("zeroed metadata expected to fail validation")
	}
}

func TestInMemoryOpenWriteFree(t *testing.T) {
	s := NewInMemory(4096, 5)
	if s.FreeCount() != 5 {
		t.Fatalf("free count expected 5, got %d", s.FreeCount())
	}

	f, err := s.Open(true)
	if err != nil {
		t.Fatal(err)
	}
	if s.FreeCount() != 4 {
		t.Fatalf("free count expected 4, got %d", s.FreeCount())
	}

	meta := ReplicaMetadata{MasterID: 99, SegmentID: 88, SegmentCapacity: 4096}
	if err := f.Append([]byte("test"), 0, 4, 10, meta); err != nil {
		t.Fatal(err)
	}
	data, err := f.Load()
	if err != nil {
		t.Fatal(err)
	}
	if string(data[10:14]) != "test" {
		t.Fatalf("data expected %q, got %q", "test", data[10:14])
	}

	f.Unref()
	if s.FreeCount() != 5 {
		t.Fatalf("free count expected 5 after free, got %d", s.FreeCount())
	}
}

func TestInMemoryOutOfStorage(t *testing.T) {
	s := NewInMemory(4096, 2)
	for i := 0; i < 2; i++ {
		if _, err := s.Open(true); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Open(true); err != ErrOutOfStorage {
		t.Fatalf("err expected %v, got %v", ErrOutOfStorage, err)
	}
}

func TestFrameAppendOverflow(t *testing.T) {
	s := NewInMemory(64, 1)
	f, err := s.Open(true)
	if err != nil {
		t.Fatal(err)
	}
	err = f.Append(make([]byte, 32), 0, 32, 40, ReplicaMetadata{SegmentCapacity: 64})
	if err != ErrSegmentOverflow {
		t.Fatalf("err expected %v, got %v", ErrSegmentOverflow, err)
	}
}

func TestFrameRefKeepsSlotAllocated(t *testing.T) {
	s := NewInMemory(64, 1)
	f, err := s.Open(true)
	if err != nil {
		t.Fatal(err)
	}
	f.Ref() // recovery reference

	f.Unref() // owner lets go
	if s.FreeCount() != 0 {
		t.Fatalf("free count expected 0 while recovery holds the frame, got %d", s.FreeCount())
	}

	f.Unref() // recovery lets go
	if s.FreeCount() != 1 {
		t.Fatalf("free count expected 1, got %d", s.FreeCount())
	}
}

func newTestSingleFile(t *testing.T, capacity uint32, frames int) *SingleFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backup.storage")
	s, err := NewSingleFile(path, capacity, frames)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSingleFileRestartRoundTrip(t *testing.T) {
	s := newTestSingleFile(t, 4096, 6)
	path := s.Path()

	writeReplica := func(meta ReplicaMetadata) {
		f, err := s.Open(true)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.Append([]byte("payload"), 0, 7, 0, meta); err != nil {
			t.Fatal(err)
		}
	}
	writeReplica(ReplicaMetadata{MasterID: 70, SegmentID: 88, SegmentCapacity: 4096, Closed: true})
	writeReplica(ReplicaMetadata{MasterID: 70, SegmentID: 89, SegmentCapacity: 4096})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewSingleFile(path, 4096, 6)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	frames, err := reopened.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 {
		t.Fatalf("scanned frames expected 2, got %d", len(frames))
	}
	byID := make(map[uint64]ReplicaMetadata)
	for _, f := range frames {
		meta, ok := f.Metadata()
		if !ok {
			t.Fatalf("scanned frame has no metadata")
		}
		byID[meta.SegmentID] = meta

		data, err := f.Load()
		if err != nil {
			t.Fatal(err)
		}
		if string(data[:7]) != "payload" {
			t.Fatalf("data expected %q, got %q", "payload", data[:7])
		}
	}
	if !byID[88].Closed {
		t.Fatalf("segment 88 expected closed")
	}
	if byID[89].Closed {
		t.Fatalf("segment 89 expected open")
	}
	if reopened.FreeCount() != 4 {
		t.Fatalf("free count expected 4, got %d", reopened.FreeCount())
	}
}

func TestSingleFileScanClassification(t *testing.T) {
	s := newTestSingleFile(t, 4096, 6)
	path := s.Path()

	open := func(meta ReplicaMetadata) *Frame {
		f, err := s.Open(true)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.Append(nil, 0, 0, 0, meta); err != nil {
			t.Fatal(err)
		}
		return f
	}
	open(ReplicaMetadata{MasterID: 70, SegmentID: 88, SegmentCapacity: 4096, Closed: true})
	open(ReplicaMetadata{MasterID: 70, SegmentID: 89, SegmentCapacity: 4096})
	badChecksum := open(ReplicaMetadata{MasterID: 70, SegmentID: 90, SegmentCapacity: 4096, Closed: true})
	open(ReplicaMetadata{MasterID: 70, SegmentID: 91, SegmentCapacity: 8192, Closed: true})
	open(ReplicaMetadata{MasterID: 71, SegmentID: 89, SegmentCapacity: 4096})

	// corrupt frame 2's trailer on disk
	if err := s.CorruptMetadataForTesting(badChecksum.Index()); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewSingleFile(path, 4096, 6)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	frames, err := reopened.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 3 {
		t.Fatalf("scanned frames expected 3, got %d", len(frames))
	}
	var ids []uint64
	for _, f := range frames {
		meta, _ := f.Metadata()
		ids = append(ids, meta.MasterID*1000+meta.SegmentID)
	}
	want := map[uint64]bool{70088: true, 70089: true, 71089: true}
	for _, id := range ids {
		if !want[id] {
			t.Fatalf("unexpected surviving replica %d", id)
		}
	}
	// slots 2 (bad checksum) and 3 (wrong capacity) return to the free pool
	if reopened.FreeCount() != 3 {
		t.Fatalf("free count expected 3, got %d", reopened.FreeCount())
	}
}

func TestSingleFileScribble(t *testing.T) {
	s := newTestSingleFile(t, 4096, 3)
	path := s.Path()

	f, err := s.Open(true)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Append(nil, 0, 0, 0, ReplicaMetadata{MasterID: 70, SegmentID: 88, SegmentCapacity: 4096}); err != nil {
		t.Fatal(err)
	}
	if err := s.Scribble(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewSingleFile(path, 4096, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	frames, err := reopened.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 0 {
		t.Fatalf("scanned frames expected 0 after scribble, got %d", len(frames))
	}
}

func TestSuperblockRoundTrip(t *testing.T) {
	s := newTestSingleFile(t, 4096, 1)
	path := s.Path()

	sb, err := s.LoadSuperblock()
	if err != nil {
		t.Fatal(err)
	}
	if sb != nil {
		t.Fatalf("superblock expected nil on fresh storage, got %+v", sb)
	}

	if err := s.WriteSuperblock("testing", 42); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteSuperblock("testing", 43); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewSingleFile(path, 4096, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	sb, err = reopened.LoadSuperblock()
	if err != nil {
		t.Fatal(err)
	}
	if sb == nil {
		t.Fatalf("superblock expected after restart")
	}
	if sb.ClusterName != "testing" || sb.ServerID != 43 {
		t.Fatalf("superblock expected testing/43, got %q/%d", sb.ClusterName, sb.ServerID)
	}
}

func TestSingleFileAutoTempPath(t *testing.T) {
	s, err := NewSingleFile("", 4096, 1)
	if err != nil {
		t.Fatal(err)
	}
	path := s.Path()
	defer os.Remove(path)
	defer s.Close()
	if path == "" {
		t.Fatalf("auto-generated path expected")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal(err)
	}
}
