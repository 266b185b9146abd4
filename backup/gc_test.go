package backup

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/LiumxNL/RAMCloud/cluster"
	"github.com/LiumxNL/RAMCloud/config"
	"github.com/LiumxNL/RAMCloud/storage"
	"github.com/LiumxNL/RAMCloud/transport"
)

// scriptedMaster answers isReplicaNeeded probes from a canned sequence.
type scriptedMaster struct {
	id      cluster.ServerID
	answers []bool
	probes  []uint64
}

type scriptedBoolRPC struct {
	val bool
	err error
}

func (r *scriptedBoolRPC) Ready() bool         { return true }
func (r *scriptedBoolRPC) Wait() (bool, error) { return r.val, r.err }

func (m *scriptedMaster) StartIsReplicaNeeded(backupID cluster.ServerID, segmentID uint64) transport.BoolRPC {
	m.probes = append(m.probes, segmentID)
	if len(m.answers) == 0 {
		return &scriptedBoolRPC{err: cluster.ErrServerNotUp}
	}
	answer := m.answers[0]
	m.answers = m.answers[1:]
	return &scriptedBoolRPC{val: answer}
}

func (m *scriptedMaster) Recover(recoveryID uint64, crashedMasterID cluster.ServerID, partition int, replicaMap []transport.SegmentLocation) error {
	return nil
}

func (m *scriptedMaster) GetServerID() (cluster.ServerID, error) { return m.id, nil }

// masterOnlyTransport resolves a single scripted master and nothing else.
type masterOnlyTransport struct {
	master *scriptedMaster
}

func (tr *masterOnlyTransport) Backup(id cluster.ServerID) (transport.BackupClient, error) {
	return nil, cluster.ErrServerNotUp
}

func (tr *masterOnlyTransport) Master(id cluster.ServerID) (transport.MasterClient, error) {
	if tr.master != nil && tr.master.id == id {
		return tr.master, nil
	}
	return nil, cluster.ErrServerNotUp
}

func (tr *masterOnlyTransport) Coordinator() (transport.CoordinatorClient, error) {
	return nil, cluster.ErrServerNotUp
}

func newGCService(t *testing.T, master *scriptedMaster) (*Service, *storage.InMemory, *cluster.View) {
	t.Helper()
	cfg := config.Default()
	cfg.SegmentSize = testSegmentSize
	cfg.NumSegmentFrames = 8

	st := storage.NewInMemory(testSegmentSize, 8)
	view := cluster.NewView()
	s, err := NewService(cfg, 5, st, view, &masterOnlyTransport{master: master})
	require.NoError(t, err)
	return s, st, view
}

func TestGarbageCollectReplicasFoundOnStorage(t *testing.T) {
	master := &scriptedMaster{id: 13, answers: []bool{false, true}}
	s, _, view := newGCService(t, master)
	view.Add(13)

	for _, segmentID := range []uint64{10, 11, 12} {
		openSegment(t, s, 13, segmentID, true)
		closeSegment(t, s, 13, segmentID)
	}

	task := newGarbageCollectReplicasFoundOnStorageTask(s, 13)
	task.addSegmentID(10)
	task.addSegmentID(11)
	task.addSegmentID(12)
	s.queue.Schedule(task)
	s.SetGC(true)

	// probe 10, then consume the "not needed" answer: replica freed
	require.Nil(t, task.rpc)
	s.queue.PerformTask()
	require.NotNil(t, task.rpc)
	s.queue.PerformTask()
	require.Nil(t, task.rpc)
	require.Nil(t, s.index.Lookup(Key{MasterID: 13, SegmentID: 10}))
	require.NotNil(t, s.index.Lookup(Key{MasterID: 13, SegmentID: 11}))
	require.NotNil(t, s.index.Lookup(Key{MasterID: 13, SegmentID: 12}))

	// probe 11, then consume the "needed" answer: replica retained and
	// dropped from the probe list (its master knows about it)
	s.queue.PerformTask()
	require.NotNil(t, task.rpc)
	s.queue.PerformTask()
	require.Nil(t, task.rpc)
	require.NotNil(t, s.index.Lookup(Key{MasterID: 13, SegmentID: 11}))

	// the master crashes: freeing must wait for the cluster to recover
	view.Crashed(13)
	s.queue.PerformTask()
	require.Nil(t, task.rpc)
	require.NotNil(t, s.index.Lookup(Key{MasterID: 13, SegmentID: 12}))

	// once the master is fully removed the replica is freed without a
	// probe
	view.Remove(13)
	s.queue.PerformTask()
	require.Nil(t, s.index.Lookup(Key{MasterID: 13, SegmentID: 12}))

	// the removal also scheduled a down-server sweep; draining the
	// queue retires it along with this task
	for s.queue.PerformTask() {
	}
	require.Equal(t, 0, s.queue.Outstanding())

	// exactly one probe was outstanding at any time, in segment order
	require.Equal(t, []uint64{10, 11}, master.probes)
}

func TestGarbageCollectReplicasFreedFirst(t *testing.T) {
	s, _, _ := newGCService(t, nil)

	task := newGarbageCollectReplicasFoundOnStorageTask(s, 99)
	task.addSegmentID(88)
	s.queue.Schedule(task)
	s.SetGC(true)

	// the replica is already gone; the task pops it and then retires
	s.queue.PerformTask()
	s.queue.PerformTask()
	require.Equal(t, 0, s.queue.Outstanding())
}

func TestGarbageCollectDisabled(t *testing.T) {
	master := &scriptedMaster{id: 13, answers: []bool{false}}
	s, _, view := newGCService(t, master)
	view.Add(13)

	openSegment(t, s, 13, 10, true)
	task := newGarbageCollectReplicasFoundOnStorageTask(s, 13)
	task.addSegmentID(10)
	s.queue.Schedule(task)

	// GC is disabled: the task retires immediately, freeing nothing
	s.queue.PerformTask()
	require.Equal(t, 0, s.queue.Outstanding())
	require.NotNil(t, s.index.Lookup(Key{MasterID: 13, SegmentID: 10}))
	require.Empty(t, master.probes)
}

func TestGarbageCollectDownServer(t *testing.T) {
	s, _, _ := newGCService(t, nil)
	s.SetGC(true)

	openSegment(t, s, 99, 88, true)
	openSegment(t, s, 99, 89, true)
	openSegment(t, s, 98, 88, true)

	_, err := s.StartReadingData(456, 99, nil)
	require.NoError(t, err)
	require.Len(t, s.recoveries, 1)

	task := newGarbageCollectDownServerTask(s, 99)
	s.queue.Schedule(task)
	// the recovery's filter task was queued first and runs on the first
	// step; the sweep runs on the second
	s.queue.PerformTask()
	s.queue.PerformTask()

	require.Nil(t, s.index.Lookup(Key{MasterID: 99, SegmentID: 88}))
	require.Nil(t, s.index.Lookup(Key{MasterID: 99, SegmentID: 89}))
	require.NotNil(t, s.index.Lookup(Key{MasterID: 98, SegmentID: 88}))
	require.Empty(t, s.recoveries)

	// the abandoned recovery frees itself on the queue
	for s.queue.PerformTask() {
	}
}

func TestTrackerChangesEnqueued(t *testing.T) {
	s, _, view := newGCService(t, nil)

	view.Add(99)
	view.Crashed(99)
	require.Equal(t, 0, s.queue.Outstanding())

	view.Remove(99)
	view.Add(98)
	view.Remove(98)
	require.Equal(t, 2, s.queue.Outstanding())

	s.queue.PerformTask()
	s.queue.PerformTask()
	require.Equal(t, 0, s.queue.Outstanding())
}
