// Package backup implements a backup server's replica store: the request
// handlers that masters write replicas through, crash-safe restart from
// storage, per-crashed-master recovery state and the replica garbage
// collector.
package backup

import (
	"errors"
	"sync"

	"github.com/LiumxNL/RAMCloud/cluster"
	"github.com/LiumxNL/RAMCloud/config"
	"github.com/LiumxNL/RAMCloud/pkg/xlog"
	"github.com/LiumxNL/RAMCloud/storage"
	"github.com/LiumxNL/RAMCloud/taskqueue"
	"github.com/LiumxNL/RAMCloud/transport"
)

var logger = xlog.NewLogger("backup", xlog.INFO)

var (
	// ErrBadSegmentID means the referenced replica is in a state
	// incompatible with the operation: never opened, already closed, or
	// unknown to the targeted recovery.
	ErrBadSegmentID = errors.New("backup: bad segment id")

	// ErrOpenRejected means the backup declines a new open because it
	// would collide with a replica restored from storage. Masters react
	// by picking a different backup.
	ErrOpenRejected = errors.New("backup: open rejected")
)

// Service is one backup server's replica store and request handler.
type Service struct {
	cfg      config.Config
	serverID cluster.ServerID

	mu               sync.Mutex
	storage          storage.Storage
	index            *ReplicaIndex
	replicationID    uint64
	replicationGroup []cluster.ServerID
	recoveries       map[cluster.ServerID]*MasterRecovery
	formerServerID   cluster.ServerID

	queue     *taskqueue.Queue
	transport transport.Transport
	view      *cluster.View
	tracker   *cluster.Tracker

	// knownServers remembers ids seen added so a later removal can be
	// distinguished from noise about servers this backup never knew.
	knownServers map[cluster.ServerID]struct{}

	// gcEnabled mirrors cfg.GC but is mutable so tests can flip it
	// after construction.
	gcEnabled bool
}

var _ transport.BackupServer = (*Service)(nil)

// NewService builds the service around st, adopting or discarding any
// replicas found there according to the cluster-name gate, and registers
// for membership changes on view.
func NewService(cfg config.Config, serverID cluster.ServerID, st storage.Storage,
	view *cluster.View, tr transport.Transport) (*Service, error) {
	s := &Service{
		cfg:          cfg,
		serverID:     serverID,
		storage:      st,
		index:        NewReplicaIndex(),
		recoveries:   make(map[cluster.ServerID]*MasterRecovery),
		queue:        taskqueue.New(),
		transport:    tr,
		view:         view,
		knownServers: make(map[cluster.ServerID]struct{}),
		gcEnabled:    cfg.GC,
	}

	sb, err := st.LoadSuperblock()
	if err != nil {
		return nil, err
	}
	switch {
	case cfg.ClusterName == config.UnnamedCluster:
		logger.Infof("cluster %q; ignoring existing backup storage. Any replicas stored "+
			"will not be reusable by future backups. Specify cluster-name for persistence "+
			"across backup restarts", cfg.ClusterName)
	case sb == nil || sb.ClusterName != cfg.ClusterName:
		logger.Infof("backup storing replicas with cluster name %q. Future backups must be "+
			"restarted with the same cluster name for replicas stored on this backup to be reused",
			cfg.ClusterName)
		if sb != nil {
			logger.Infof("replicas stored on disk have a different cluster name (%q); scribbling "+
				"storage to ensure any stale replicas left behind by old backups aren't used "+
				"by future backups", sb.ClusterName)
			if err := st.Scribble(); err != nil {
				return nil, err
			}
		}
	default:
		logger.Infof("replicas stored on disk have matching cluster name (%q); scanning storage "+
			"to find all replicas and to make them available to recoveries", cfg.ClusterName)
		s.formerServerID = cluster.ServerID(sb.ServerID)
		if err := s.restartFromStorage(); err != nil {
			return nil, err
		}
		if s.formerServerID.IsValid() {
			logger.Infof("will enlist as a replacement for formerly crashed server %s "+
				"which left replicas behind on disk", s.formerServerID)
		}
	}
	if err := st.WriteSuperblock(cfg.ClusterName, uint64(serverID)); err != nil {
		return nil, err
	}

	if view != nil {
		s.tracker = view.NewTracker()
		s.tracker.SetNotify(s.TrackerChangesEnqueued)
	}
	return s, nil
}

// ServerID returns this backup's id.
func (s *Service) ServerID() cluster.ServerID { return s.serverID }

// FormerServerID returns the id of the crashed server whose replicas
// this backup restarted with, if any.
func (s *Service) FormerServerID() cluster.ServerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.formerServerID
}

// TaskQueue exposes the maintenance queue so production can Start it and
// tests can step it.
func (s *Service) TaskQueue() *taskqueue.Queue { return s.queue }

// SetGC enables or disables garbage collection after construction.
func (s *Service) SetGC(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcEnabled = enabled
}

// restartFromStorage adopts every frame whose metadata validated during
// the storage scan and schedules one GC probe task per master found.
func (s *Service) restartFromStorage() error {
	frames, err := s.storage.Scan()
	if err != nil {
		return err
	}

	tasks := make(map[cluster.ServerID]*GarbageCollectReplicasFoundOnStorageTask)
	for _, fr := range frames {
		meta, ok := fr.Metadata()
		if !ok {
			logger.Panicf("scanned frame %d has no metadata", fr.Index())
		}
		state := "open"
		if meta.Closed {
			state = "closed"
		}
		logger.Infof("found stored replica <%d,%d> on backup storage in frame which was %s",
			meta.MasterID, meta.SegmentID, state)

		key := Key{MasterID: cluster.ServerID(meta.MasterID), SegmentID: meta.SegmentID}
		s.index.Insert(&Replica{
			Key:     key,
			Frame:   fr,
			Closed:  meta.Closed,
			Primary: meta.Primary,
		})

		t := tasks[key.MasterID]
		if t == nil {
			t = newGarbageCollectReplicasFoundOnStorageTask(s, key.MasterID)
			tasks[key.MasterID] = t
		}
		t.addSegmentID(meta.SegmentID)
	}
	for _, t := range tasks {
		s.queue.Schedule(t)
	}
	return nil
}

// WriteSegment appends replica data, creating the replica when the open
// flag is set.
func (s *Service) WriteSegment(req *transport.WriteSegmentRequest) (*transport.WriteSegmentResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	capacity := s.storage.Capacity()
	length := uint32(len(req.Data))
	if length > capacity || req.Offset+length > capacity || req.Offset+length < req.Offset {
		return nil, storage.ErrSegmentOverflow
	}

	key := Key{MasterID: req.MasterID, SegmentID: req.SegmentID}
	replica := s.index.Lookup(key)

	if replica != nil && replica.Closed {
		if req.Open {
			// A closed replica left by a restart must not be silently
			// reopened; the master picks another backup.
			return nil, ErrOpenRejected
		}
		// Rejecting a redundant closing retry beats pretending
		// idempotence: either the original response already reached the
		// caller, or the request is stale after a crash and the replica
		// genuinely should not be written.
		return nil, ErrBadSegmentID
	}

	if replica == nil {
		if !req.Open {
			return nil, ErrBadSegmentID
		}
		frame, err := s.storage.Open(s.cfg.WriteSync)
		if err != nil {
			return nil, err
		}
		replica = &Replica{Key: key, Frame: frame, Primary: req.Primary}
		s.index.Insert(replica)
	}

	meta := storage.ReplicaMetadata{
		MasterID:        uint64(req.MasterID),
		SegmentID:       req.SegmentID,
		SegmentCapacity: capacity,
		SegmentEpoch:    req.Epoch,
		Closed:          req.Close,
		Primary:         replica.Primary,
	}
	if req.Certificate != nil {
		meta.HasCertificate = true
		meta.Certificate = *req.Certificate
	} else if prev, ok := replica.Frame.Metadata(); ok {
		// A write without a certificate leaves the previously durable
		// certificate in place.
		meta.HasCertificate = prev.HasCertificate
		meta.Certificate = prev.Certificate
	}

	if err := replica.Frame.Append(req.Data, 0, length, req.Offset, meta); err != nil {
		return nil, err
	}
	replica.Closed = req.Close

	return &transport.WriteSegmentResponse{
		GroupID: s.replicationID,
		Group:   append([]cluster.ServerID(nil), s.replicationGroup...),
	}, nil
}

// FreeSegment removes the replica and releases its frame. A recovery
// holding the frame keeps its bytes loaded until the recovery lets go,
// but the index entry goes away immediately.
func (s *Service) FreeSegment(masterID cluster.ServerID, segmentID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freeReplicaLocked(Key{MasterID: masterID, SegmentID: segmentID})
	return nil
}

func (s *Service) freeReplicaLocked(key Key) {
	replica := s.index.Remove(key)
	if replica == nil {
		return
	}
	logger.Infof("freeing replica for master %s segment %d", key.MasterID, key.SegmentID)
	replica.Frame.Unref()
}

// AssignReplicationGroup replaces the backup's replication group.
// Subsequent opens return the new group; already-open replicas are
// unaffected.
func (s *Service) AssignReplicationGroup(groupID uint64, members []cluster.ServerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replicationID = groupID
	s.replicationGroup = append([]cluster.ServerID(nil), members...)
	return nil
}

// TrackerChangesEnqueued drains pending membership events, scheduling a
// down-server GC task for every server that was added and later removed.
func (s *Service) TrackerChangesEnqueued() {
	for {
		ev, ok := s.tracker.Next()
		if !ok {
			return
		}
		s.mu.Lock()
		switch ev.Status {
		case cluster.ServerUp:
			s.knownServers[ev.ID] = struct{}{}
		case cluster.ServerRemoved:
			if _, known := s.knownServers[ev.ID]; known {
				delete(s.knownServers, ev.ID)
				s.queue.Schedule(newGarbageCollectDownServerTask(s, ev.ID))
			}
		}
		s.mu.Unlock()
	}
}
