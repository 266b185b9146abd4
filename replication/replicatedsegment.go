package replication

import (
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/LiumxNL/RAMCloud/backup"
	"github.com/LiumxNL/RAMCloud/cluster"
	"github.com/LiumxNL/RAMCloud/segment"
	"github.com/LiumxNL/RAMCloud/storage"
	"github.com/LiumxNL/RAMCloud/transport"
)

// ReplicatedSegment drives the replication of one in-memory segment to
// its N backup replicas. All state is guarded by the owning Manager's
// data mutex; PerformTask runs with that mutex held and never blocks.
type ReplicatedSegment struct {
	mgr *Manager

	segmentID uint64
	masterID  cluster.ServerID
	seg       *segment.Segment

	// normalLogSegment is true for log heads (they carry a digest and
	// take part in the head chain), false for cleaner-generated ones.
	normalLogSegment bool

	openLen                 uint32
	openingWriteCertificate segment.Certificate

	queued            Progress
	queuedCertificate segment.Certificate

	freeQueued bool

	// followingSegment, while set, must observe this segment's open and
	// close commits; the back-reference is dropped once close-commit
	// has propagated.
	followingSegment *ReplicatedSegment

	precedingSegmentOpenCommitted  bool
	precedingSegmentCloseCommitted bool

	recoveringFromLostOpenReplicas bool

	replicas []replica

	// syncMu serializes concurrent Sync callers so only one thread
	// advances queued.Bytes and drives the task queue at a time.
	// Otherwise back-to-back chunked writes could starve
	// certificate-bearing ones.
	syncMu sync.Mutex
}

func newReplicatedSegment(mgr *Manager, segmentID uint64, seg *segment.Segment,
	normalLogSegment bool, numReplicas int) *ReplicatedSegment {
	s := &ReplicatedSegment{
		mgr:                            mgr,
		segmentID:                      segmentID,
		masterID:                       mgr.masterID,
		seg:                            seg,
		normalLogSegment:               normalLogSegment,
		precedingSegmentOpenCommitted:  true,
		precedingSegmentCloseCommitted: true,
		replicas:                       make([]replica, numReplicas),
	}
	s.openLen, s.openingWriteCertificate = seg.AppendedLength()
	s.queued = Progress{Open: true, Bytes: s.openLen}
	s.queuedCertificate = s.openingWriteCertificate
	s.schedule()
	return s
}

// SegmentID returns the log-unique id of the segment being replicated.
func (s *ReplicatedSegment) SegmentID() uint64 { return s.segmentID }

func (s *ReplicatedSegment) schedule() {
	if len(s.replicas) == 0 {
		return
	}
	s.mgr.queue.Schedule(s)
}

// getCommitted folds the per-replica committed progress into the weakest
// value: what every replica has durably acknowledged.
func (s *ReplicatedSegment) getCommitted() Progress {
	if len(s.replicas) == 0 {
		return s.queued
	}
	p := s.replicas[0].committed
	for i := 1; i < len(s.replicas); i++ {
		p = p.min(s.replicas[i].committed)
	}
	return p
}

// IsSynced reports whether any further work is needed to durably
// replicate the segment in its current state.
func (s *ReplicatedSegment) IsSynced() bool {
	s.mgr.mu.Lock()
	defer s.mgr.mu.Unlock()
	return s.isSynced()
}

func (s *ReplicatedSegment) isSynced() bool {
	appended, _ := s.seg.AppendedLength()
	if s.queued.Bytes != appended {
		return false
	}
	return !s.recoveringFromLostOpenReplicas && s.getCommitted().Equal(s.queued)
}

// Close snapshots the segment's appended length and queues the closing
// write. After Close the only legal further call is Free.
func (s *ReplicatedSegment) Close() {
	s.mgr.mu.Lock()
	defer s.mgr.mu.Unlock()

	if s.queued.Close {
		logger.Panicf("segment %d closed twice", s.segmentID)
	}
	s.queued.Close = true
	// The segment believes it is fully replicated when queued.Close and
	// committed bytes match queued bytes, so the length snapshot must
	// happen here.
	s.queued.Bytes, s.queuedCertificate = s.seg.AppendedLength()
	s.schedule()

	logger.Debugf("segment %d closed (length %d)", s.segmentID, s.queued.Bytes)
}

// Free quiesces outstanding work, cancels what it can, and schedules
// the replicas' teardown. The segment must already be closed.
func (s *ReplicatedSegment) Free() {
	// Leave the heavy lifting of waiting out in-flight work to Sync;
	// locking against failure notifications is tricky there.
	s.SyncToClose()

	s.mgr.mu.Lock()
	defer s.mgr.mu.Unlock()

	if !s.queued.Close || s.followingSegment != nil || !s.getCommitted().Close {
		logger.Panicf("free of segment %d before close committed", s.segmentID)
	}

	// Cancellation is advisory on zero-copy transports; the metadata
	// checksum keeps a concurrently transmitted write from being
	// resurrected as a valid replica.
	for i := range s.replicas {
		r := &s.replicas[i]
		if r.isActive && r.writeRPC != nil {
			r.writeRPC.Cancel()
		}
	}

	s.freeQueued = true
	s.schedule()
}

// HandleBackupFailure resets every replica stored on the failed backup.
// Losing an open replica bumps the epoch and starts lost-open recovery.
func (s *ReplicatedSegment) HandleBackupFailure(failedID cluster.ServerID) {
	someOpenReplicaLost := false
	for i := range s.replicas {
		r := &s.replicas[i]
		if !r.isActive || r.backupID != failedID {
			continue
		}
		logger.Debugf("segment %d recovering from lost replica which was on backup %s",
			s.segmentID, failedID)

		if !r.committed.Close && !r.replicateAtomically {
			someOpenReplicaLost = true
			logger.Debugf("lost replica(s) for segment %d while open due to crash of backup %s",
				s.segmentID, failedID)
		}

		r.failed()
		s.schedule()
	}
	if someOpenReplicaLost {
		s.queued.Epoch++
		s.recoveringFromLostOpenReplicas = true
	}
}

// Sync blocks until a certificate covering at least offset bytes has
// been durably committed on all replicas.
func (s *ReplicatedSegment) Sync(offset uint32) {
	s.sync(offset, false)
}

// SyncToClose blocks until all enqueued data and the closing flag are
// durable on all replicas. This is the only safe way to wait for a
// closed segment to be fully replicated.
func (s *ReplicatedSegment) SyncToClose() {
	s.sync(0, true)
}

func (s *ReplicatedSegment) sync(offset uint32, waitClose bool) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.mgr.mu.Lock()

	// While recovering from a lost open replica the data is not durable
	// until it is re-replicated along with a durable close and the
	// coordinator's replicationEpoch has advanced past the stale
	// replicas. Until the flag clears, the usual definition is off.
	if !s.recoveringFromLostOpenReplicas && s.syncSatisfied(offset, waitClose) {
		s.mgr.mu.Unlock()
		return
	}

	appended, cert := s.seg.AppendedLength()
	if appended > s.queued.Bytes {
		s.queued.Bytes = appended
		s.queuedCertificate = cert
		s.schedule()
	}

	syncStart := s.mgr.clock.Now()
	for {
		s.mgr.queue.PerformTask()
		if !s.recoveringFromLostOpenReplicas && s.syncSatisfied(offset, waitClose) {
			s.mgr.mu.Unlock()
			return
		}
		if s.mgr.clock.Now().Sub(syncStart) > time.Second {
			logger.Warningf("log write sync has taken over 1s; seems to be stuck")
			s.dumpProgress()
			syncStart = s.mgr.clock.Now()
		}
		// Drop the lock so the failure monitor can interject.
		s.mgr.mu.Unlock()
		runtime.Gosched()
		s.mgr.mu.Lock()
	}
}

func (s *ReplicatedSegment) syncSatisfied(offset uint32, waitClose bool) bool {
	if waitClose {
		return s.getCommitted().Close
	}
	return s.getCommitted().Bytes >= offset
}

// PerformTask checks replication state and makes progress in restoring
// its invariants; it is invoked by the Manager's task queue and
// reschedules the segment whenever future work is possible.
func (s *ReplicatedSegment) PerformTask() {
	if s.freeQueued && !s.recoveringFromLostOpenReplicas {
		for i := range s.replicas {
			s.performFree(&s.replicas[i])
		}
		if !s.mgr.queue.IsScheduled(s) {
			// Everything is freed; drop the segment.
			s.mgr.destroySegment(s)
		}
	} else if !s.freeQueued {
		for i := range s.replicas {
			s.performWrite(&s.replicas[i])
		}
	}
	// These steps must run even with a free enqueued, otherwise lost
	// open replicas could still be detected as the head of the log
	// during a recovery.
	if s.recoveringFromLostOpenReplicas {
		if s.getCommitted().Equal(s.queued) {
			// Check against queued.Epoch, not the committed epoch: once
			// enough replicas are closed on backups it is safe to shoot
			// down stale replicas regardless of the epoch they carry.
			if s.mgr.epoch.IsAtLeast(s.segmentID, s.queued.Epoch) {
				logger.Debugf("replicationEpoch ok, lost open replica recovery complete "+
					"on segment %d", s.segmentID)
				s.recoveringFromLostOpenReplicas = false
			} else {
				logger.Debugf("updating replicationEpoch to %d,%d on coordinator to ensure "+
					"lost replicas will not be reused", s.segmentID, s.queued.Epoch)
				s.mgr.epoch.UpdateToAtLeast(s.segmentID, s.queued.Epoch)
				s.schedule()
			}
		} else {
			s.schedule()
		}
	}
}

// performFree makes progress in freeing one replica, whatever state it
// is in locally and remotely.
func (s *ReplicatedSegment) performFree(r *replica) {
	// Like performWrite, this is a set of nested if-else clauses with a
	// return at the end of each block, splitting the states until
	// exactly one case runs.
	if !r.isActive {
		// No replica, nothing to free.
		return
	}

	if r.freeRPC != nil {
		if r.freeRPC.Ready() {
			err := r.freeRPC.Wait()
			if err != nil && errors.Is(err, cluster.ErrServerNotUp) {
				// The backup is already out of the cluster; if the
				// replica turns up on storage after a restart the
				// backup's garbage collector owns it.
				err = nil
			}
			if err != nil {
				logger.Warningf("free of segment %d replica on backup %s: %v",
					s.segmentID, r.backupID, err)
			}
			r.reset()
			return
		}
		// Not finished; stay scheduled to poll it.
		s.schedule()
		return
	}

	if r.writeRPC != nil {
		// Impossible by construction: Free cancels writes first.
		logger.Panicf("segment %d freeing replica with write outstanding", s.segmentID)
	}

	r.freeRPC = r.client.StartFreeSegment(s.masterID, s.segmentID)
	s.schedule()
}

// performWrite makes progress in durably writing segment data to one
// replica, issuing at most one RPC.
func (s *ReplicatedSegment) performWrite(r *replica) {
	if r.freeRPC != nil {
		logger.Panicf("segment %d writing replica with free outstanding", s.segmentID)
	}

	if r.isActive && r.committed.Equal(s.queued) {
		// Synced; no work for now.
		return
	}

	if !r.isActive {
		// Choose a backup. Selection is separate from sending the open
		// so a failed open retries on the same backup unless that
		// backup is discovered failed; anything else risks a lost open
		// replica that is never recovered from.
		var constraints []cluster.ServerID
		for i := range s.replicas {
			if s.replicas[i].isActive {
				constraints = append(constraints, s.replicas[i].backupID)
			}
		}
		var backupID cluster.ServerID
		if s.replicaIsPrimary(r) {
			backupID = s.mgr.selector.SelectPrimary(constraints)
		} else {
			backupID = s.mgr.selector.SelectSecondary(constraints)
		}
		if !backupID.IsValid() {
			s.schedule()
			return
		}

		client, err := s.mgr.transport.Backup(backupID)
		if err != nil {
			s.schedule()
			return
		}
		logger.Debugf("starting replication of segment %d replica slot %d on backup %s",
			s.segmentID, s.replicaSlot(r), backupID)
		r.start(backupID, client)
		// Fall through into the no-rpc-outstanding case to send the
		// open.
	}

	if r.writeRPC != nil {
		if !r.writeRPC.Ready() {
			// Not finished; stay scheduled to poll it.
			s.schedule()
			return
		}
		_, err := r.writeRPC.Wait()
		switch {
		case err == nil:
			r.acked = r.sent
			// committed advances whenever a certificate was sent, which
			// happens when all queued data was acked or when the
			// opening write was acked.
			if r.acked.Equal(s.queued) || r.acked.Bytes == s.openLen {
				r.committed = r.acked
			}
			if s.getCommitted().Open && s.followingSegment != nil {
				s.followingSegment.precedingSegmentOpenCommitted = true
			}
			if s.getCommitted().Close && s.followingSegment != nil {
				s.followingSegment.precedingSegmentCloseCommitted = true
				// Don't poke at potentially dead segments later.
				s.followingSegment = nil
			}
		case errors.Is(err, cluster.ErrServerNotUp):
			// Retry; the failure monitor will reset the replica and
			// break the loop if the backup is really gone.
			r.sent = r.acked
			logger.Warningf("couldn't write to backup %s; server is down", r.backupID)
		case errors.Is(err, backup.ErrOpenRejected) || errors.Is(err, storage.ErrOutOfStorage):
			logger.Infof("couldn't open replica on backup %s; server may be overloaded or "+
				"may already have a replica for this segment which was found on disk "+
				"after a crash; will choose another backup", r.backupID)
			r.reset()
		default:
			// Transport errors surface as ServerNotUp once the failure
			// monitor observes the change; until then, retry.
			r.sent = r.acked
			logger.Warningf("write to backup %s failed: %v", r.backupID, err)
		}
		r.writeRPC = nil
		s.mgr.writeRPCsInFlight--
		if !r.committed.Equal(s.queued) || s.recoveringFromLostOpenReplicas {
			s.schedule()
		}
		return
	}

	if !r.committed.Open {
		// No outstanding write, not yet durably open.
		if !s.precedingSegmentOpenCommitted {
			logger.Debugf("cannot open segment %d until preceding segment is durably open",
				s.segmentID)
			s.schedule()
			return
		}
		if s.mgr.writeRPCsInFlight == s.mgr.maxWriteRPCsInFlight {
			s.schedule()
			return
		}

		// A replica being re-replicated gets no certificate with its
		// opening write; the backup commits it atomically once it has
		// fully caught up.
		var cert *segment.Certificate
		if !r.replicateAtomically {
			c := s.openingWriteCertificate
			cert = &c
		}

		logger.Debugf("sending open to backup %s", r.backupID)
		r.writeRPC = r.client.StartWriteSegment(&transport.WriteSegmentRequest{
			MasterID:    s.masterID,
			SegmentID:   s.segmentID,
			Epoch:       s.queued.Epoch,
			Data:        s.seg.ReadAt(0, s.openLen),
			Offset:      0,
			Certificate: cert,
			Open:        true,
			Close:       false,
			Primary:     s.replicaIsPrimary(r),
		})
		s.mgr.writeRPCsInFlight++
		r.sent.Open = true
		r.sent.Bytes = s.openLen
		r.sent.Epoch = s.queued.Epoch
		s.schedule()
		return
	}

	if r.sent.Less(s.queued) {
		// Part of the data has not been sent yet. A later segment's
		// data must not become durable while an earlier segment could
		// still be dropped by the log's head-finding phase.
		if !s.precedingSegmentCloseCommitted {
			logger.Debugf("cannot write segment %d until preceding segment is durably closed",
				s.segmentID)
			s.schedule()
			return
		}

		offset := r.sent.Bytes
		length := s.queued.Bytes - offset
		var cert *segment.Certificate
		c := s.queuedCertificate
		cert = &c

		// Chunking breaks atomicity of log entries, but that can happen
		// anyway if a segment is partially written to disk.
		if length > s.mgr.maxBytesPerWriteRPC {
			length = s.mgr.maxBytesPerWriteRPC
			cert = nil
		}

		sendClose := s.queued.Close && offset+length == s.queued.Bytes
		if sendClose && s.followingSegment != nil && !s.followingSegment.getCommitted().Open {
			// Keep one open segment visible to recovery at all times so
			// the coordinator knows it has found the whole log.
			logger.Debugf("cannot close segment %d until following segment is durably open",
				s.segmentID)
			s.schedule()
			return
		}

		if s.mgr.writeRPCsInFlight == s.mgr.maxWriteRPCsInFlight {
			logger.Debugf("cannot write segment %d, too many writes in flight", s.segmentID)
			s.schedule()
			return
		}

		logger.Debugf("sending write to backup %s", r.backupID)
		r.writeRPC = r.client.StartWriteSegment(&transport.WriteSegmentRequest{
			MasterID:    s.masterID,
			SegmentID:   s.segmentID,
			Epoch:       s.queued.Epoch,
			Data:        s.seg.ReadAt(offset, length),
			Offset:      offset,
			Certificate: cert,
			Open:        false,
			Close:       sendClose,
			Primary:     s.replicaIsPrimary(r),
		})
		s.mgr.writeRPCsInFlight++
		r.sent.Bytes += length
		r.sent.Epoch = s.queued.Epoch
		r.sent.Close = sendClose
		s.schedule()
		return
	}

	// Replica not synced, no RPC outstanding, all data sent: impossible
	// with one in-flight RPC per replica.
	logger.Panicf("segment %d replica on backup %s in impossible write state",
		s.segmentID, r.backupID)
}

func (s *ReplicatedSegment) replicaIsPrimary(r *replica) bool {
	return s.replicaSlot(r) == 0
}

func (s *ReplicatedSegment) replicaSlot(r *replica) int {
	for i := range s.replicas {
		if &s.replicas[i] == r {
			return i
		}
	}
	return -1
}

// dumpProgress logs the full replication state of the segment; useful
// when a sync seems stuck.
func (s *ReplicatedSegment) dumpProgress() {
	committed := s.getCommitted()
	logger.Debugf("ReplicatedSegment <%s,%d> queued: open %v, bytes %d, close %v; "+
		"committed: open %v, bytes %d, close %v",
		s.masterID, s.segmentID,
		s.queued.Open, s.queued.Bytes, s.queued.Close,
		committed.Open, committed.Bytes, committed.Close)
	for i := range s.replicas {
		r := &s.replicas[i]
		logger.Debugf("  replica %d on backup %s sent: %+v acked: %+v committed: %+v "+
			"write rpc outstanding: %v", i, r.backupID, r.sent, r.acked, r.committed,
			r.writeRPC != nil)
	}
}
