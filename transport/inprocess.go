package transport

import (
	"sync"

	"github.com/LiumxNL/RAMCloud/cluster"
)

// Network binds servers in-process by id. Calls execute synchronously on
// the caller's goroutine and the returned RPC handles are immediately
// ready, which keeps tests deterministic. It doubles as the transport
// for single-process clusters.
type Network struct {
	mu          sync.Mutex
	backups     map[cluster.ServerID]BackupServer
	masters     map[cluster.ServerID]MasterServer
	coordinator CoordinatorServer
}

var _ Transport = (*Network)(nil)

// NewNetwork returns an empty in-process network.
func NewNetwork() *Network {
	return &Network{
		backups: make(map[cluster.ServerID]BackupServer),
		masters: make(map[cluster.ServerID]MasterServer),
	}
}

// AddBackup registers a backup server under its id.
func (n *Network) AddBackup(s BackupServer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.backups[s.ServerID()] = s
}

// AddMaster registers a master server under its id.
func (n *Network) AddMaster(s MasterServer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.masters[s.ServerID()] = s
}

// SetCoordinator registers the coordinator handler.
func (n *Network) SetCoordinator(s CoordinatorServer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.coordinator = s
}

// RemoveServer drops a server from the network; subsequent calls to it
// fail with cluster.ErrServerNotUp.
func (n *Network) RemoveServer(id cluster.ServerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.backups, id)
	delete(n.masters, id)
}

func (n *Network) Backup(id cluster.ServerID) (BackupClient, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.backups[id]
	if !ok {
		return nil, cluster.ErrServerNotUp
	}
	return &inprocBackupClient{net: n, id: id, server: s}, nil
}

func (n *Network) Master(id cluster.ServerID) (MasterClient, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.masters[id]
	if !ok {
		return nil, cluster.ErrServerNotUp
	}
	return &inprocMasterClient{net: n, id: id, server: s}, nil
}

func (n *Network) Coordinator() (CoordinatorClient, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.coordinator == nil {
		return nil, cluster.ErrServerNotUp
	}
	return &inprocCoordinatorClient{server: n.coordinator}, nil
}

// lookupBackup re-resolves the server on every call so a removed server
// turns into ErrServerNotUp mid-stream, like a real transport.
func (n *Network) lookupBackup(id cluster.ServerID) (BackupServer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.backups[id]
	if !ok {
		return nil, cluster.ErrServerNotUp
	}
	return s, nil
}

func (n *Network) lookupMaster(id cluster.ServerID) (MasterServer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.masters[id]
	if !ok {
		return nil, cluster.ErrServerNotUp
	}
	return s, nil
}

type inprocBackupClient struct {
	net    *Network
	id     cluster.ServerID
	server BackupServer
}

func (c *inprocBackupClient) StartWriteSegment(req *WriteSegmentRequest) WriteRPC {
	s, err := c.net.lookupBackup(c.id)
	if err != nil {
		return &readyWriteRPC{err: err}
	}
	resp, err := s.WriteSegment(req)
	return &readyWriteRPC{resp: resp, err: err}
}

func (c *inprocBackupClient) StartFreeSegment(masterID cluster.ServerID, segmentID uint64) FreeRPC {
	s, err := c.net.lookupBackup(c.id)
	if err != nil {
		return &readyFreeRPC{err: err}
	}
	return &readyFreeRPC{err: s.FreeSegment(masterID, segmentID)}
}

func (c *inprocBackupClient) AssignReplicationGroup(groupID uint64, members []cluster.ServerID) error {
	s, err := c.net.lookupBackup(c.id)
	if err != nil {
		return err
	}
	return s.AssignReplicationGroup(groupID, members)
}

func (c *inprocBackupClient) StartReadingData(recoveryID uint64, crashedMasterID cluster.ServerID, tablets []Tablet) (*StartReadingDataResponse, error) {
	s, err := c.net.lookupBackup(c.id)
	if err != nil {
		return nil, err
	}
	return s.StartReadingData(recoveryID, crashedMasterID, tablets)
}

func (c *inprocBackupClient) GetRecoveryData(recoveryID uint64, crashedMasterID cluster.ServerID, segmentID uint64, partition int) (*RecoveryData, error) {
	s, err := c.net.lookupBackup(c.id)
	if err != nil {
		return nil, err
	}
	return s.GetRecoveryData(recoveryID, crashedMasterID, segmentID, partition)
}

func (c *inprocBackupClient) GetServerID() (cluster.ServerID, error) {
	s, err := c.net.lookupBackup(c.id)
	if err != nil {
		return 0, err
	}
	return s.ServerID(), nil
}

type inprocMasterClient struct {
	net    *Network
	id     cluster.ServerID
	server MasterServer
}

func (c *inprocMasterClient) StartIsReplicaNeeded(backupID cluster.ServerID, segmentID uint64) BoolRPC {
	s, err := c.net.lookupMaster(c.id)
	if err != nil {
		return &readyBoolRPC{err: err}
	}
	needed, err := s.IsReplicaNeeded(backupID, segmentID)
	return &readyBoolRPC{val: needed, err: err}
}

func (c *inprocMasterClient) Recover(recoveryID uint64, crashedMasterID cluster.ServerID, partition int, replicaMap []SegmentLocation) error {
	s, err := c.net.lookupMaster(c.id)
	if err != nil {
		return err
	}
	return s.Recover(recoveryID, crashedMasterID, partition, replicaMap)
}

func (c *inprocMasterClient) GetServerID() (cluster.ServerID, error) {
	s, err := c.net.lookupMaster(c.id)
	if err != nil {
		return 0, err
	}
	return s.ServerID(), nil
}

type inprocCoordinatorClient struct {
	server CoordinatorServer
}

func (c *inprocCoordinatorClient) StartUpdateReplicationEpoch(masterID cluster.ServerID, segmentID, epoch uint64) EpochRPC {
	return &readyEpochRPC{err: c.server.UpdateReplicationEpoch(masterID, segmentID, epoch)}
}

type readyWriteRPC struct {
	resp *WriteSegmentResponse
	err  error
}

func (r *readyWriteRPC) Ready() bool { return true }

func (r *readyWriteRPC) Wait() (*WriteSegmentResponse, error) { return r.resp, r.err }

func (r *readyWriteRPC) Cancel() {}

type readyFreeRPC struct{ err error }

func (r *readyFreeRPC) Ready() bool { return true }
func (r *readyFreeRPC) Wait() error { return r.err }

type readyBoolRPC struct {
	val bool
	err error
}

func (r *readyBoolRPC) Ready() bool { return true }

func (r *readyBoolRPC) Wait() (bool, error) { return r.val, r.err }

type readyEpochRPC struct{ err error }

func (r *readyEpochRPC) Ready() bool { return true }
func (r *readyEpochRPC) Wait() error { return r.err }
