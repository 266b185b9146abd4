package backup

import (
	"sort"

	"github.com/LiumxNL/RAMCloud/cluster"
	"github.com/LiumxNL/RAMCloud/transport"
)

// GarbageCollectReplicasFoundOnStorageTask probes a master about each
// replica this backup restarted with, freeing the ones the master no
// longer needs. At most one probe is in flight; replicas are probed one
// at a time in segment order.
type GarbageCollectReplicasFoundOnStorageTask struct {
	s          *Service
	masterID   cluster.ServerID
	segmentIDs []uint64
	rpc        transport.BoolRPC
}

func newGarbageCollectReplicasFoundOnStorageTask(s *Service, masterID cluster.ServerID) *GarbageCollectReplicasFoundOnStorageTask {
	return &GarbageCollectReplicasFoundOnStorageTask{s: s, masterID: masterID}
}

func (t *GarbageCollectReplicasFoundOnStorageTask) addSegmentID(segmentID uint64) {
	i := sort.Search(len(t.segmentIDs), func(i int) bool { return t.segmentIDs[i] >= segmentID })
	t.segmentIDs = append(t.segmentIDs, 0)
	copy(t.segmentIDs[i+1:], t.segmentIDs[i:])
	t.segmentIDs[i] = segmentID
}

// PerformTask drives one step of the probe loop. With GC disabled the
// task retires immediately without freeing anything.
func (t *GarbageCollectReplicasFoundOnStorageTask) PerformTask() {
	t.s.mu.Lock()
	enabled := t.s.gcEnabled
	t.s.mu.Unlock()
	if !enabled {
		return
	}

	if len(t.segmentIDs) == 0 {
		return
	}
	segmentID := t.segmentIDs[0]
	key := Key{MasterID: t.masterID, SegmentID: segmentID}

	t.s.mu.Lock()
	replica := t.s.index.Lookup(key)
	t.s.mu.Unlock()
	if replica == nil {
		// Already freed through the normal path.
		t.segmentIDs = t.segmentIDs[1:]
		t.s.queue.Schedule(t)
		return
	}

	if t.rpc != nil {
		if !t.rpc.Ready() {
			t.s.queue.Schedule(t)
			return
		}
		needed, err := t.rpc.Wait()
		t.rpc = nil
		if err != nil {
			// The view decides what to do with an unreachable master on
			// the next pass.
			t.s.queue.Schedule(t)
			return
		}
		if needed {
			// The master still tracks this replica, so the normal free
			// path will reclaim it; this task only hunts orphans.
			logger.Infof("server has not recovered from lost replica; retaining replica "+
				"for <%s,%d>", t.masterID, segmentID)
			t.segmentIDs = t.segmentIDs[1:]
			t.s.queue.Schedule(t)
			return
		}
		logger.Infof("server has recovered from lost replica; freeing replica for <%s,%d>",
			t.masterID, segmentID)
		t.s.mu.Lock()
		t.s.freeReplicaLocked(key)
		t.s.mu.Unlock()
		t.segmentIDs = t.segmentIDs[1:]
		t.s.queue.Schedule(t)
		return
	}

	status, known := t.s.view.Status(t.masterID)
	switch {
	case known && status == cluster.ServerCrashed:
		logger.Infof("server %s marked crashed; waiting for cluster to recover from its "+
			"failure before freeing <%s,%d>", t.masterID, t.masterID, segmentID)
		t.s.queue.Schedule(t)
	case !known:
		logger.Infof("server %s marked down; cluster has recovered from its failure", t.masterID)
		logger.Infof("server has recovered from lost replica; freeing replica for <%s,%d>",
			t.masterID, segmentID)
		t.s.mu.Lock()
		t.s.freeReplicaLocked(key)
		t.s.mu.Unlock()
		t.segmentIDs = t.segmentIDs[1:]
		t.s.queue.Schedule(t)
	default:
		mc, err := t.s.transport.Master(t.masterID)
		if err != nil {
			// Transport lags the view; try again later.
			t.s.queue.Schedule(t)
			return
		}
		t.rpc = mc.StartIsReplicaNeeded(t.s.serverID, segmentID)
		t.s.queue.Schedule(t)
	}
}

// GarbageCollectDownServerTask frees every replica of a master the
// cluster has fully recovered from, and abandons any recovery for it.
type GarbageCollectDownServerTask struct {
	s        *Service
	masterID cluster.ServerID
}

func newGarbageCollectDownServerTask(s *Service, masterID cluster.ServerID) *GarbageCollectDownServerTask {
	return &GarbageCollectDownServerTask{s: s, masterID: masterID}
}

// PerformTask frees the master's replicas in one shot. With GC disabled
// the task retires immediately.
func (t *GarbageCollectDownServerTask) PerformTask() {
	t.s.mu.Lock()
	if !t.s.gcEnabled {
		t.s.mu.Unlock()
		return
	}
	for _, r := range t.s.index.IterByMaster(t.masterID) {
		t.s.freeReplicaLocked(r.Key)
	}
	rec := t.s.recoveries[t.masterID]
	if rec != nil {
		delete(t.s.recoveries, t.masterID)
	}
	t.s.mu.Unlock()

	if rec != nil {
		rec.free()
	}
}
