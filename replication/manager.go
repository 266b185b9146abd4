package replication

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/LiumxNL/RAMCloud/cluster"
	"github.com/LiumxNL/RAMCloud/config"
	"github.com/LiumxNL/RAMCloud/segment"
	"github.com/LiumxNL/RAMCloud/taskqueue"
	"github.com/LiumxNL/RAMCloud/transport"
)

// Manager owns all ReplicatedSegments of one master: the shared
// write-RPC budget, the backup selector, the replication-epoch updater
// and the task queue that drives per-segment progress. One mutex (the
// data mutex) guards all of it.
type Manager struct {
	mu sync.Mutex

	masterID  cluster.ServerID
	transport transport.Transport
	queue     *taskqueue.Queue
	selector  BackupSelector
	epoch     *UpdateReplicationEpochTask
	clock     clock.Clock

	numReplicas          int
	maxBytesPerWriteRPC  uint32
	maxWriteRPCsInFlight int

	// writeRPCsInFlight caps write concurrency across every segment of
	// this master; mutated only under mu.
	writeRPCsInFlight int

	segments map[uint64]*ReplicatedSegment
	head     *ReplicatedSegment

	tracker *cluster.Tracker
	stopc   chan struct{}
	donec   chan struct{}
}

// NewManager builds a replication manager for masterID over the given
// transport and cluster view.
func NewManager(cfg config.Config, masterID cluster.ServerID, tr transport.Transport,
	view *cluster.View, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	m := &Manager{
		masterID:             masterID,
		transport:            tr,
		queue:                taskqueue.New(),
		selector:             NewViewSelector(view, masterID),
		clock:                clk,
		numReplicas:          cfg.NumReplicas,
		maxBytesPerWriteRPC:  uint32(cfg.MaxBytesPerWriteRPC.Bytes()),
		maxWriteRPCsInFlight: cfg.MaxWriteRPCsInFlight,
		segments:             make(map[uint64]*ReplicatedSegment),
	}
	m.epoch = newUpdateReplicationEpochTask(m)
	if view != nil {
		m.tracker = view.NewTracker()
	}
	return m
}

// SetSelector replaces the backup selector; only sensible before any
// segment is allocated.
func (m *Manager) SetSelector(sel BackupSelector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selector = sel
}

// ServerID returns the master's id.
func (m *Manager) ServerID() cluster.ServerID { return m.masterID }

// AllocateHead starts replication of a new head segment, wiring it into
// the head chain: the previous head observes the new head's open commit
// before it may close, and the new head's non-opening writes wait for
// the previous head's close commit.
func (m *Manager) AllocateHead(segmentID uint64, seg *segment.Segment) *ReplicatedSegment {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := newReplicatedSegment(m, segmentID, seg, true, m.numReplicas)
	if m.head != nil {
		prev := m.head
		committed := prev.getCommitted()
		s.precedingSegmentOpenCommitted = committed.Open
		s.precedingSegmentCloseCommitted = committed.Close
		prev.followingSegment = s
	}
	m.head = s
	m.segments[segmentID] = s
	return s
}

// destroySegment drops a fully freed segment; called with mu held from
// the segment's own PerformTask.
func (m *Manager) destroySegment(s *ReplicatedSegment) {
	logger.Debugf("segment %d fully freed", s.segmentID)
	delete(m.segments, s.segmentID)
	if m.head == s {
		m.head = nil
	}
}

// Proceed performs one task-queue tick under the data mutex. Tests use
// it to step the replication state machine deterministically.
func (m *Manager) Proceed() {
	m.mu.Lock()
	m.queue.PerformTask()
	m.mu.Unlock()
}

// OutstandingTasks returns the number of queued tasks.
func (m *Manager) OutstandingTasks() int { return m.queue.Outstanding() }

// WriteRPCsInFlight returns the current in-flight write count.
func (m *Manager) WriteRPCsInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeRPCsInFlight
}

// HandleBackupFailure tells every segment about a failed backup,
// holding the data mutex briefly per segment.
func (m *Manager) HandleBackupFailure(failedID cluster.ServerID) {
	m.mu.Lock()
	segments := make([]*ReplicatedSegment, 0, len(m.segments))
	for _, s := range m.segments {
		segments = append(segments, s)
	}
	m.mu.Unlock()

	for _, s := range segments {
		m.mu.Lock()
		s.HandleBackupFailure(failedID)
		m.mu.Unlock()
	}
}

// IsReplicaNeeded answers a backup's garbage-collection probe: a
// replica is needed as long as its segment is still tracked here.
func (m *Manager) IsReplicaNeeded(backupID cluster.ServerID, segmentID uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.segments[segmentID]
	return ok, nil
}

// StartFailureMonitor consumes membership changes and injects failure
// notifications into every segment.
func (m *Manager) StartFailureMonitor() {
	if m.tracker == nil {
		logger.Panicf("failure monitor needs a cluster view")
	}
	m.stopc = make(chan struct{})
	m.donec = make(chan struct{})
	go func() {
		defer close(m.donec)
		for {
			for {
				ev, ok := m.tracker.Next()
				if !ok {
					break
				}
				if ev.Status == cluster.ServerCrashed || ev.Status == cluster.ServerRemoved {
					logger.Infof("backup %s marked %s; scheduling re-replication", ev.ID, ev.Status)
					m.HandleBackupFailure(ev.ID)
				}
			}
			select {
			case <-m.stopc:
				return
			case <-m.tracker.Chan():
			}
		}
	}()
}

// StopFailureMonitor stops the monitor goroutine.
func (m *Manager) StopFailureMonitor() {
	if m.stopc == nil {
		return
	}
	close(m.stopc)
	<-m.donec
	m.stopc = nil
}

// Start drives the task queue on a background goroutine; ticks idle at
// the given pace when no work is queued.
func (m *Manager) Start(idle time.Duration) func() {
	stopc := make(chan struct{})
	donec := make(chan struct{})
	go func() {
		defer close(donec)
		for {
			select {
			case <-stopc:
				return
			default:
			}
			m.mu.Lock()
			ran := m.queue.PerformTask()
			m.mu.Unlock()
			if !ran {
				m.clock.Sleep(idle)
			}
		}
	}()
	return func() {
		close(stopc)
		<-donec
	}
}
