package backup

import (
	"io"
	"sort"
	"sync"

	"github.com/LiumxNL/RAMCloud/cluster"
	"github.com/LiumxNL/RAMCloud/segment"
	"github.com/LiumxNL/RAMCloud/storage"
	"github.com/LiumxNL/RAMCloud/transport"
)

// recoveryReplica is one of the crashed master's replicas, pinned for
// the duration of the recovery.
type recoveryReplica struct {
	segmentID uint64
	primary   bool
	frame     *storage.Frame
	meta      storage.ReplicaMetadata
	built     bool
}

type segPartKey struct {
	segmentID uint64
	partition int
}

type builtPartition struct {
	data []byte
	cert segment.Certificate
}

// MasterRecovery holds a backup's state for one crashed master: frame
// references on every replica, the filter progress, and the per
// (segment, partition) recovery buffers. The filter task runs on the
// service's task queue, one replica per tick, primaries first.
type MasterRecovery struct {
	service    *Service
	recoveryID uint64
	crashed    cluster.ServerID
	tablets    []transport.Tablet
	partitions int

	mu       sync.Mutex
	cond     *sync.Cond
	replicas []*recoveryReplica
	known    map[uint64]*recoveryReplica
	next     int
	built    map[segPartKey]*builtPartition
	freed    bool
	released bool

	response *transport.StartReadingDataResponse
}

func newMasterRecovery(s *Service, recoveryID uint64, crashed cluster.ServerID,
	tablets []transport.Tablet, replicas []*Replica) *MasterRecovery {
	rec := &MasterRecovery{
		service:    s,
		recoveryID: recoveryID,
		crashed:    crashed,
		tablets:    tablets,
		known:      make(map[uint64]*recoveryReplica),
		built:      make(map[segPartKey]*builtPartition),
	}
	rec.cond = sync.NewCond(&rec.mu)
	for _, t := range tablets {
		if t.Partition >= rec.partitions {
			rec.partitions = t.Partition + 1
		}
	}

	for _, r := range replicas {
		meta, ok := r.Frame.Metadata()
		if !ok {
			continue
		}
		r.Frame.Ref()
		rr := &recoveryReplica{
			segmentID: r.Key.SegmentID,
			primary:   r.Primary,
			frame:     r.Frame,
			meta:      meta,
		}
		rec.replicas = append(rec.replicas, rr)
		rec.known[rr.segmentID] = rr
	}

	// Primaries are filtered first: they are the common case and the
	// recovery masters need them soonest.
	sort.SliceStable(rec.replicas, func(i, j int) bool {
		if rec.replicas[i].primary != rec.replicas[j].primary {
			return rec.replicas[i].primary
		}
		return rec.replicas[i].segmentID < rec.replicas[j].segmentID
	})

	rec.response = rec.buildResponse()
	logger.Infof("recovery %d building %d recovery segments for each replica of crashed master %s",
		recoveryID, rec.partitions, crashed)
	return rec
}

// buildResponse inventories the replicas and extracts the log digest
// from the newest replica carrying one (greatest segment id, then
// greatest certified length).
func (rec *MasterRecovery) buildResponse() *transport.StartReadingDataResponse {
	resp := &transport.StartReadingDataResponse{}

	byNewest := append([]*recoveryReplica(nil), rec.replicas...)
	sort.Slice(byNewest, func(i, j int) bool {
		if byNewest[i].segmentID != byNewest[j].segmentID {
			return byNewest[i].segmentID > byNewest[j].segmentID
		}
		return byNewest[i].meta.Certificate.Length > byNewest[j].meta.Certificate.Length
	})
	for _, rr := range byNewest {
		if !rr.meta.HasCertificate {
			continue
		}
		digest, ok := findLogDigest(rr.frame, rr.meta)
		if !ok {
			continue
		}
		resp.LogDigest = &digest
		resp.LogDigestSegmentID = rr.segmentID
		resp.LogDigestLength = rr.meta.Certificate.Length
		break
	}

	primaries := 0
	for _, rr := range rec.replicas {
		var length uint32
		if rr.meta.HasCertificate {
			length = rr.meta.Certificate.Length
		}
		resp.Replicas = append(resp.Replicas, transport.ReplicaInfo{
			SegmentID: rr.segmentID,
			Length:    length,
			Primary:   rr.primary,
		})
		if rr.primary {
			primaries++
		}
		state := "secondary"
		if rr.primary {
			state = "primary"
		}
		logger.Debugf("crashed master %s had segment %d (%s) with len %d",
			rec.crashed, rr.segmentID, state, length)
	}
	logger.Infof("sending %d segment ids for crashed master %s (%d primary)",
		len(resp.Replicas), rec.crashed, primaries)
	return resp
}

func findLogDigest(frame *storage.Frame, meta storage.ReplicaMetadata) (segment.LogDigest, bool) {
	data, err := frame.Load()
	if err != nil {
		return segment.LogDigest{}, false
	}
	it, err := segment.NewIterator(data, meta.Certificate)
	if err != nil {
		return segment.LogDigest{}, false
	}
	for {
		e, err := it.Next()
		if err != nil {
			return segment.LogDigest{}, false
		}
		if e.Type == segment.EntryLogDigest {
			d, err := segment.UnmarshalLogDigest(e.Payload)
			if err != nil {
				return segment.LogDigest{}, false
			}
			return d, true
		}
	}
}

// free marks the recovery abandoned. The task queue releases its frame
// references and deletes it at the next opportunity.
func (rec *MasterRecovery) free() {
	rec.mu.Lock()
	rec.freed = true
	rec.mu.Unlock()
	rec.cond.Broadcast()
	logger.Infof("recovery %d for crashed master %s is no longer needed; will clean up "+
		"at next possible chance", rec.recoveryID, rec.crashed)
	rec.service.queue.Schedule(rec)
}

// PerformTask filters one replica per tick into per-partition recovery
// segments, rescheduling itself until every replica is processed.
func (rec *MasterRecovery) PerformTask() {
	rec.mu.Lock()
	if rec.freed {
		rec.releaseLocked()
		rec.mu.Unlock()
		logger.Infof("state for recovery %d for crashed master %s freed on backup",
			rec.recoveryID, rec.crashed)
		return
	}
	if rec.next >= len(rec.replicas) {
		rec.mu.Unlock()
		return
	}
	rr := rec.replicas[rec.next]
	rec.next++
	rec.mu.Unlock()

	built := rec.filterReplica(rr)

	rec.mu.Lock()
	for k, v := range built {
		rec.built[k] = v
	}
	rr.built = true
	more := rec.next < len(rec.replicas)
	rec.mu.Unlock()
	rec.cond.Broadcast()

	if more {
		rec.service.queue.Schedule(rec)
	}
}

func (rec *MasterRecovery) releaseLocked() {
	if rec.released {
		return
	}
	rec.released = true
	for _, rr := range rec.replicas {
		rr.frame.Unref()
	}
}

// filterReplica walks the replica's certified entries and appends each
// data entry to the recovery segment of the partition owning its key.
func (rec *MasterRecovery) filterReplica(rr *recoveryReplica) map[segPartKey]*builtPartition {
	out := make(map[segPartKey]*builtPartition, rec.partitions)
	segs := make([]*segment.Segment, rec.partitions)
	for p := 0; p < rec.partitions; p++ {
		segs[p] = segment.New(rec.service.storage.Capacity())
	}

	if rr.meta.HasCertificate {
		data, err := rr.frame.Load()
		if err != nil {
			logger.Errorf("cannot load replica <%s,%d>: %v", rec.crashed, rr.segmentID, err)
		} else if it, err := segment.NewIterator(data, rr.meta.Certificate); err != nil {
			logger.Errorf("replica <%s,%d> failed certificate validation: %v",
				rec.crashed, rr.segmentID, err)
		} else {
			for {
				e, err := it.Next()
				if err == io.EOF {
					break
				}
				if err != nil {
					logger.Errorf("replica <%s,%d> has corrupt entry: %v",
						rec.crashed, rr.segmentID, err)
					break
				}
				if e.Type != segment.EntryData {
					continue
				}
				de, err := segment.UnmarshalDataEntry(e.Payload)
				if err != nil {
					continue
				}
				p := rec.partitionFor(de.TableID, de.KeyHash)
				if p < 0 {
					continue
				}
				if err := segs[p].Append(segment.EntryData, e.Payload); err != nil {
					logger.Errorf("recovery segment overflow for <%s,%d> partition %d",
						rec.crashed, rr.segmentID, p)
				}
			}
		}
	}

	for p := 0; p < rec.partitions; p++ {
		length, cert := segs[p].AppendedLength()
		out[segPartKey{segmentID: rr.segmentID, partition: p}] = &builtPartition{
			data: segs[p].ReadAt(0, length),
			cert: cert,
		}
	}
	return out
}

func (rec *MasterRecovery) partitionFor(tableID, keyHash uint64) int {
	for _, t := range rec.tablets {
		if t.TableID == tableID && t.StartKeyHash <= keyHash && keyHash <= t.EndKeyHash {
			return t.Partition
		}
	}
	return -1
}

// getRecoveryData blocks until the partition's data for segmentID has
// been produced, then returns it. Responses are idempotent.
func (rec *MasterRecovery) getRecoveryData(segmentID uint64, partition int) (*transport.RecoveryData, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rr, ok := rec.known[segmentID]
	if !ok || partition < 0 || partition >= rec.partitions {
		return nil, ErrBadSegmentID
	}
	for !rr.built && !rec.freed {
		rec.cond.Wait()
	}
	if rec.freed {
		return nil, ErrBadSegmentID
	}
	bp := rec.built[segPartKey{segmentID: segmentID, partition: partition}]
	if bp == nil {
		return nil, ErrBadSegmentID
	}
	return &transport.RecoveryData{Data: bp.data, Certificate: bp.cert}, nil
}
