package replication

import (
	"sync"

	"github.com/LiumxNL/RAMCloud/cluster"
	"github.com/LiumxNL/RAMCloud/transport"
)

// mockWriteRPC is completed explicitly by the test (or immediately, in
// auto mode).
type mockWriteRPC struct {
	req      *transport.WriteSegmentRequest
	ready    bool
	err      error
	resp     *transport.WriteSegmentResponse
	canceled bool
}

func (r *mockWriteRPC) Ready() bool { return r.ready }

func (r *mockWriteRPC) Wait() (*transport.WriteSegmentResponse, error) { return r.resp, r.err }

func (r *mockWriteRPC) Cancel() { r.canceled = true }

func (r *mockWriteRPC) complete(err error) {
	r.ready = true
	r.err = err
}

type mockFreeRPC struct {
	masterID  cluster.ServerID
	segmentID uint64
	ready     bool
	err       error
}

func (r *mockFreeRPC) Ready() bool { return r.ready }
func (r *mockFreeRPC) Wait() error { return r.err }

// mockBackup records every RPC the state machine issues to one backup.
type mockBackup struct {
	id     cluster.ServerID
	net    *mockNetwork
	mu     sync.Mutex
	writes []*mockWriteRPC
	frees  []*mockFreeRPC

	// openErr, when set, fails the next open write.
	openErr error
}

func (b *mockBackup) StartWriteSegment(req *transport.WriteSegmentRequest) transport.WriteRPC {
	b.mu.Lock()
	defer b.mu.Unlock()
	rpc := &mockWriteRPC{req: req, resp: &transport.WriteSegmentResponse{}}
	if req.Open && b.openErr != nil {
		rpc.complete(b.openErr)
		b.openErr = nil
	} else if b.net.auto {
		rpc.complete(nil)
	}
	b.writes = append(b.writes, rpc)
	return rpc
}

func (b *mockBackup) StartFreeSegment(masterID cluster.ServerID, segmentID uint64) transport.FreeRPC {
	b.mu.Lock()
	defer b.mu.Unlock()
	rpc := &mockFreeRPC{masterID: masterID, segmentID: segmentID, ready: b.net.auto}
	b.frees = append(b.frees, rpc)
	return rpc
}

func (b *mockBackup) AssignReplicationGroup(groupID uint64, members []cluster.ServerID) error {
	return nil
}

func (b *mockBackup) StartReadingData(recoveryID uint64, crashedMasterID cluster.ServerID, tablets []transport.Tablet) (*transport.StartReadingDataResponse, error) {
	return &transport.StartReadingDataResponse{}, nil
}

func (b *mockBackup) GetRecoveryData(recoveryID uint64, crashedMasterID cluster.ServerID, segmentID uint64, partition int) (*transport.RecoveryData, error) {
	return &transport.RecoveryData{}, nil
}

func (b *mockBackup) GetServerID() (cluster.ServerID, error) { return b.id, nil }

func (b *mockBackup) pendingWrites() []*mockWriteRPC {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*mockWriteRPC
	for _, w := range b.writes {
		if !w.ready {
			out = append(out, w)
		}
	}
	return out
}

func (b *mockBackup) allWrites() []*mockWriteRPC {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*mockWriteRPC(nil), b.writes...)
}

// mockCoordinator records replication-epoch updates.
type mockCoordinator struct {
	mu     sync.Mutex
	epochs map[uint64]uint64
}

type mockEpochRPC struct{}

func (mockEpochRPC) Ready() bool { return true }
func (mockEpochRPC) Wait() error { return nil }

func (c *mockCoordinator) StartUpdateReplicationEpoch(masterID cluster.ServerID, segmentID, epoch uint64) transport.EpochRPC {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epochs[segmentID] < epoch {
		c.epochs[segmentID] = epoch
	}
	return mockEpochRPC{}
}

func (c *mockCoordinator) epoch(segmentID uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epochs[segmentID]
}

// mockNetwork is a transport over scripted backups.
type mockNetwork struct {
	view    *cluster.View
	backups map[cluster.ServerID]*mockBackup
	coord   *mockCoordinator
	auto    bool
}

func newMockNetwork(auto bool, backupIDs ...cluster.ServerID) *mockNetwork {
	n := &mockNetwork{
		view:    cluster.NewView(),
		backups: make(map[cluster.ServerID]*mockBackup),
		coord:   &mockCoordinator{epochs: make(map[uint64]uint64)},
		auto:    auto,
	}
	for _, id := range backupIDs {
		n.backups[id] = &mockBackup{id: id, net: n}
		n.view.Add(id)
	}
	return n
}

func (n *mockNetwork) Backup(id cluster.ServerID) (transport.BackupClient, error) {
	b, ok := n.backups[id]
	if !ok {
		return nil, cluster.ErrServerNotUp
	}
	return b, nil
}

func (n *mockNetwork) Master(id cluster.ServerID) (transport.MasterClient, error) {
	return nil, cluster.ErrServerNotUp
}

func (n *mockNetwork) Coordinator() (transport.CoordinatorClient, error) {
	return n.coord, nil
}
