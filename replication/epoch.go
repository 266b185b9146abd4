package replication

// UpdateReplicationEpochTask pushes per-segment replication epochs to
// the coordinator so stale open replicas left behind by failed backups
// can never be mistaken for the log head. It is shared by all of a
// master's segments and keeps at most one RPC in flight.
type UpdateReplicationEpochTask struct {
	mgr *Manager

	// current is the highest epoch known recorded at the coordinator
	// per segment; pending holds requested updates not yet sent.
	current map[uint64]uint64
	pending map[uint64]uint64

	rpc          epochRPC
	rpcSegmentID uint64
	rpcEpoch     uint64
}

type epochRPC interface {
	Ready() bool
	Wait() error
}

func newUpdateReplicationEpochTask(mgr *Manager) *UpdateReplicationEpochTask {
	return &UpdateReplicationEpochTask{
		mgr:     mgr,
		current: make(map[uint64]uint64),
		pending: make(map[uint64]uint64),
	}
}

// IsAtLeast reports whether the coordinator is known to have recorded
// at least epoch for segmentID.
func (t *UpdateReplicationEpochTask) IsAtLeast(segmentID, epoch uint64) bool {
	return t.current[segmentID] >= epoch
}

// UpdateToAtLeast asks for the coordinator's record for segmentID to
// reach epoch; the task sends it asynchronously.
func (t *UpdateReplicationEpochTask) UpdateToAtLeast(segmentID, epoch uint64) {
	if t.current[segmentID] >= epoch {
		return
	}
	if t.pending[segmentID] < epoch {
		t.pending[segmentID] = epoch
	}
	t.mgr.queue.Schedule(t)
}

// PerformTask drives the in-flight update and starts the next pending
// one. Runs under the manager's data mutex like every manager task.
func (t *UpdateReplicationEpochTask) PerformTask() {
	if t.rpc != nil {
		if !t.rpc.Ready() {
			t.mgr.queue.Schedule(t)
			return
		}
		err := t.rpc.Wait()
		t.rpc = nil
		if err == nil {
			if t.current[t.rpcSegmentID] < t.rpcEpoch {
				t.current[t.rpcSegmentID] = t.rpcEpoch
			}
		} else {
			logger.Warningf("updating replication epoch for segment %d failed: %v; retrying",
				t.rpcSegmentID, err)
			if t.pending[t.rpcSegmentID] < t.rpcEpoch {
				t.pending[t.rpcSegmentID] = t.rpcEpoch
			}
		}
	}

	for segmentID, epoch := range t.pending {
		delete(t.pending, segmentID)
		coord, err := t.mgr.transport.Coordinator()
		if err != nil {
			t.pending[segmentID] = epoch
			t.mgr.queue.Schedule(t)
			return
		}
		t.rpc = coord.StartUpdateReplicationEpoch(t.mgr.masterID, segmentID, epoch)
		t.rpcSegmentID = segmentID
		t.rpcEpoch = epoch
		t.mgr.queue.Schedule(t)
		return
	}
}
