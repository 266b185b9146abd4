package backup

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/LiumxNL/RAMCloud/cluster"
	"github.com/LiumxNL/RAMCloud/config"
	"github.com/LiumxNL/RAMCloud/segment"
	"github.com/LiumxNL/RAMCloud/storage"
	"github.com/LiumxNL/RAMCloud/transport"
)

const testSegmentSize = 4096

func newTestService(t *testing.T, frames int) (*Service, *storage.InMemory, *cluster.View) {
	t.Helper()
	cfg := config.Default()
	cfg.SegmentSize = testSegmentSize
	cfg.NumSegmentFrames = frames

	st := storage.NewInMemory(testSegmentSize, frames)
	view := cluster.NewView()
	s, err := NewService(cfg, 5, st, view, nil)
	require.NoError(t, err)
	return s, st, view
}

func emptyCertificate() *segment.Certificate {
	_, cert := segment.New(testSegmentSize).AppendedLength()
	return &cert
}

func openSegment(t *testing.T, s *Service, masterID cluster.ServerID, segmentID uint64, primary bool) []cluster.ServerID {
	t.Helper()
	resp, err := s.WriteSegment(&transport.WriteSegmentRequest{
		MasterID:    masterID,
		SegmentID:   segmentID,
		Certificate: emptyCertificate(),
		Open:        true,
		Primary:     primary,
	})
	require.NoError(t, err)
	return resp.Group
}

func closeSegment(t *testing.T, s *Service, masterID cluster.ServerID, segmentID uint64) {
	t.Helper()
	_, err := s.WriteSegment(&transport.WriteSegmentRequest{
		MasterID:    masterID,
		SegmentID:   segmentID,
		Certificate: emptyCertificate(),
		Close:       true,
	})
	require.NoError(t, err)
}

func writeRaw(s *Service, masterID cluster.ServerID, segmentID uint64, offset uint32, data string, close bool) error {
	_, err := s.WriteSegment(&transport.WriteSegmentRequest{
		MasterID:  masterID,
		SegmentID: segmentID,
		Data:      []byte(data),
		Offset:    offset,
		Close:     close,
	})
	return err
}

func TestWriteSegmentIdempotentWrites(t *testing.T) {
	s, _, _ := newTestService(t, 5)
	openSegment(t, s, 99, 88, true)

	for i := 0; i < 2; i++ {
		require.NoError(t, writeRaw(s, 99, 88, 10, "test", false))
	}
	replica := s.index.Lookup(Key{MasterID: 99, SegmentID: 88})
	require.NotNil(t, replica)
	data, err := replica.Frame.Load()
	require.NoError(t, err)
	require.Equal(t, "test", string(data[10:14]))
}

func TestWriteSegmentIdempotentOpen(t *testing.T) {
	s, _, _ := newTestService(t, 5)
	for i := 0; i < 2; i++ {
		openSegment(t, s, 99, 88, true)
		replica := s.index.Lookup(Key{MasterID: 99, SegmentID: 88})
		require.NotNil(t, replica)
		meta, ok := replica.Frame.Metadata()
		require.True(t, ok)
		require.True(t, meta.Primary)
	}
	require.Equal(t, 1, s.index.Len())
}

func TestWriteSegmentOpenSecondary(t *testing.T) {
	s, _, _ := newTestService(t, 5)
	openSegment(t, s, 99, 88, false)
	replica := s.index.Lookup(Key{MasterID: 99, SegmentID: 88})
	meta, ok := replica.Frame.Metadata()
	require.True(t, ok)
	require.False(t, meta.Primary)
}

func TestWriteSegmentResponseGroup(t *testing.T) {
	s, _, _ := newTestService(t, 5)
	require.NoError(t, s.AssignReplicationGroup(100, []cluster.ServerID{15, 16, 33}))

	group := openSegment(t, s, 99, 88, true)
	require.Equal(t, []cluster.ServerID{15, 16, 33}, group)

	require.NoError(t, s.AssignReplicationGroup(0, []cluster.ServerID{99}))
	group = openSegment(t, s, 99, 88, true)
	require.Equal(t, []cluster.ServerID{99}, group)
}

func TestWriteSegmentNotOpen(t *testing.T) {
	s, _, _ := newTestService(t, 5)
	require.ErrorIs(t, writeRaw(s, 99, 88, 10, "test", false), ErrBadSegmentID)
}

func TestWriteSegmentClosed(t *testing.T) {
	s, _, _ := newTestService(t, 5)
	openSegment(t, s, 99, 88, true)
	closeSegment(t, s, 99, 88)
	require.ErrorIs(t, writeRaw(s, 99, 88, 10, "test", false), ErrBadSegmentID)
}

func TestWriteSegmentRedundantClose(t *testing.T) {
	// Throwing on a redundant closing write beats idempotence: either
	// the original response already reached the caller, or the request
	// is stale after a crash and the replica should not exist.
	s, _, _ := newTestService(t, 5)
	openSegment(t, s, 99, 88, true)
	closeSegment(t, s, 99, 88)
	require.ErrorIs(t, writeRaw(s, 99, 88, 10, "test", true), ErrBadSegmentID)
}

func TestWriteSegmentBadOffset(t *testing.T) {
	s, _, _ := newTestService(t, 5)
	openSegment(t, s, 99, 88, true)
	require.ErrorIs(t, writeRaw(s, 99, 88, 500000, "test", false), storage.ErrSegmentOverflow)
}

func TestWriteSegmentBadLength(t *testing.T) {
	s, _, _ := newTestService(t, 5)
	openSegment(t, s, 99, 88, true)
	_, err := s.WriteSegment(&transport.WriteSegmentRequest{
		MasterID:  99,
		SegmentID: 88,
		Data:      make([]byte, testSegmentSize+1),
	})
	require.ErrorIs(t, err, storage.ErrSegmentOverflow)
}

func TestWriteSegmentBadOffsetPlusLength(t *testing.T) {
	s, _, _ := newTestService(t, 5)
	openSegment(t, s, 99, 88, true)
	_, err := s.WriteSegment(&transport.WriteSegmentRequest{
		MasterID:  99,
		SegmentID: 88,
		Data:      make([]byte, testSegmentSize),
		Offset:    1,
	})
	require.ErrorIs(t, err, storage.ErrSegmentOverflow)
}

func TestWriteSegmentOpenOutOfStorage(t *testing.T) {
	s, _, _ := newTestService(t, 5)
	for segmentID := uint64(85); segmentID < 90; segmentID++ {
		openSegment(t, s, 99, segmentID, true)
	}
	_, err := s.WriteSegment(&transport.WriteSegmentRequest{
		MasterID:    99,
		SegmentID:   90,
		Certificate: emptyCertificate(),
		Open:        true,
	})
	require.ErrorIs(t, err, storage.ErrOutOfStorage)
}

func TestOpenWriteCloseFree(t *testing.T) {
	s, st, _ := newTestService(t, 5)
	initialFree := st.FreeCount()

	openSegment(t, s, 99, 88, true)
	require.NoError(t, writeRaw(s, 99, 88, 10, "test", false))
	closeSegment(t, s, 99, 88)

	require.NoError(t, s.FreeSegment(99, 88))
	require.Nil(t, s.index.Lookup(Key{MasterID: 99, SegmentID: 88}))
	require.Equal(t, initialFree, st.FreeCount())

	// freeing again is a no-op
	require.NoError(t, s.FreeSegment(99, 88))
}

func TestFreeSegmentStillOpen(t *testing.T) {
	s, _, _ := newTestService(t, 5)
	openSegment(t, s, 99, 88, true)
	require.NoError(t, s.FreeSegment(99, 88))
	require.Nil(t, s.index.Lookup(Key{MasterID: 99, SegmentID: 88}))
}

func TestFreeSegmentUnderRecovery(t *testing.T) {
	s, st, _ := newTestService(t, 5)
	total := st.FreeCount()
	openSegment(t, s, 99, 88, true)

	tablets := []transport.Tablet{{TableID: 123, StartKeyHash: 0, EndKeyHash: ^uint64(0), Partition: 0}}
	_, err := s.StartReadingData(456, 99, tablets)
	require.NoError(t, err)

	require.NoError(t, s.FreeSegment(99, 88))
	// The recovery's reference keeps the frame allocated even though
	// the index entry is gone.
	require.Equal(t, total-1, st.FreeCount())
	require.Nil(t, s.index.Lookup(Key{MasterID: 99, SegmentID: 88}))
}

func TestStartReadingData(t *testing.T) {
	s, _, _ := newTestService(t, 5)
	openSegment(t, s, 99, 88, true)
	closeSegment(t, s, 99, 88)
	openSegment(t, s, 99, 89, true)
	closeSegment(t, s, 99, 89)

	resp, err := s.StartReadingData(456, 99, nil)
	require.NoError(t, err)
	require.Len(t, resp.Replicas, 2)
	require.Len(t, s.recoveries, 1)

	// same recovery id returns the cached response
	again, err := s.StartReadingData(456, 99, nil)
	require.NoError(t, err)
	require.Same(t, resp, again)
	require.Len(t, s.recoveries, 1)

	// a new recovery id abandons the old recovery and builds a fresh one
	fresh, err := s.StartReadingData(457, 99, nil)
	require.NoError(t, err)
	require.NotSame(t, resp, fresh)
	require.Len(t, fresh.Replicas, 2)
	require.Len(t, s.recoveries, 1)
	require.Equal(t, uint64(457), s.recoveries[99].recoveryID)

	// draining the queue frees the abandoned recovery and lets the fresh
	// one filter every replica
	for s.queue.PerformTask() {
	}
	require.True(t, s.recoveries[99].next == len(s.recoveries[99].replicas))
}

func TestGetRecoveryData(t *testing.T) {
	s, _, _ := newTestService(t, 5)

	seg := segment.New(testSegmentSize)
	require.NoError(t, seg.Append(segment.EntryData,
		segment.MarshalDataEntry(segment.DataEntry{TableID: 123, KeyHash: 5, Value: []byte("p0")})))
	require.NoError(t, seg.Append(segment.EntryData,
		segment.MarshalDataEntry(segment.DataEntry{TableID: 123, KeyHash: 50, Value: []byte("p1")})))
	length, cert := seg.AppendedLength()

	_, err := s.WriteSegment(&transport.WriteSegmentRequest{
		MasterID:    99,
		SegmentID:   88,
		Data:        seg.ReadAt(0, length),
		Certificate: &cert,
		Open:        true,
		Close:       true,
		Primary:     true,
	})
	require.NoError(t, err)

	tablets := []transport.Tablet{
		{TableID: 123, StartKeyHash: 0, EndKeyHash: 9, Partition: 0},
		{TableID: 123, StartKeyHash: 10, EndKeyHash: ^uint64(0), Partition: 1},
	}
	_, err = s.StartReadingData(456, 99, tablets)
	require.NoError(t, err)

	for s.queue.PerformTask() {
	}

	for partition, want := range map[int]string{0: "p0", 1: "p1"} {
		rd, err := s.GetRecoveryData(456, 99, 88, partition)
		require.NoError(t, err)
		it, err := segment.NewIterator(rd.Data, rd.Certificate)
		require.NoError(t, err)
		e, err := it.Next()
		require.NoError(t, err)
		de, err := segment.UnmarshalDataEntry(e.Payload)
		require.NoError(t, err)
		require.Equal(t, want, string(de.Value))
	}

	// a stale recovery id is rejected
	_, err = s.GetRecoveryData(457, 99, 88, 0)
	require.ErrorIs(t, err, ErrBadSegmentID)

	// an unknown segment is rejected
	_, err = s.GetRecoveryData(456, 99, 77, 0)
	require.ErrorIs(t, err, ErrBadSegmentID)
}

func TestStartReadingDataReturnsDigest(t *testing.T) {
	s, _, _ := newTestService(t, 5)

	seg := segment.New(testSegmentSize)
	require.NoError(t, seg.Append(segment.EntryLogDigest,
		segment.MarshalLogDigest(segment.LogDigest{SegmentIDs: []uint64{88}})))
	length, cert := seg.AppendedLength()
	_, err := s.WriteSegment(&transport.WriteSegmentRequest{
		MasterID:    99,
		SegmentID:   88,
		Data:        seg.ReadAt(0, length),
		Certificate: &cert,
		Open:        true,
		Primary:     true,
	})
	require.NoError(t, err)

	resp, err := s.StartReadingData(456, 99, nil)
	require.NoError(t, err)
	require.NotNil(t, resp.LogDigest)
	require.Equal(t, []uint64{88}, resp.LogDigest.SegmentIDs)
	require.Equal(t, uint64(88), resp.LogDigestSegmentID)
}
