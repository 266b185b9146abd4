// Package transport defines the design-level wire contracts between
// masters, backups and the coordinator. Serialization and the RPC layer
// itself are external; this package fixes the request/response shapes
// and the polling contract replication code drives RPCs through.
package transport

import (
	"github.com/LiumxNL/RAMCloud/cluster"
	"github.com/LiumxNL/RAMCloud/segment"
)

// WriteSegmentRequest appends replica data on a backup.
type WriteSegmentRequest struct {
	MasterID  cluster.ServerID
	SegmentID uint64
	Epoch     uint64

	Data   []byte
	Offset uint32 // destination offset within the replica

	// Certificate, when non-nil, makes the written prefix visible to
	// recovery. A write without one leaves the prior durable
	// certificate in place.
	Certificate *segment.Certificate

	Open    bool
	Close   bool
	Primary bool
}

// WriteSegmentResponse returns the backup's current replication group.
type WriteSegmentResponse struct {
	GroupID uint64
	Group   []cluster.ServerID
}

// Tablet is one key-hash range being recovered, tagged with the
// partition that will own it.
type Tablet struct {
	TableID      uint64
	StartKeyHash uint64
	EndKeyHash   uint64
	Partition    int
}

// ReplicaInfo describes one replica in a startReadingData response.
type ReplicaInfo struct {
	SegmentID uint64
	Length    uint32 // bytes at the latest certificate
	Primary   bool
}

// StartReadingDataResponse inventories a crashed master's replicas on
// one backup.
type StartReadingDataResponse struct {
	Replicas []ReplicaInfo

	// LogDigest, when present, came from the replica named by
	// LogDigestSegmentID/LogDigestLength.
	LogDigest          *segment.LogDigest
	LogDigestSegmentID uint64
	LogDigestLength    uint32
}

// RecoveryData is one filtered recovery segment partition.
type RecoveryData struct {
	Data        []byte
	Certificate segment.Certificate
}

// SegmentLocation tells a recovery master where to fetch one segment.
type SegmentLocation struct {
	SegmentID uint64
	BackupID  cluster.ServerID
	Length    uint32
	Primary   bool
}

// WriteRPC is an in-flight writeSegment call. The replication state
// machine polls Ready and never blocks in Wait before Ready is true.
type WriteRPC interface {
	Ready() bool
	Wait() (*WriteSegmentResponse, error)

	// Cancel is advisory; zero-copy transports may not abort
	// transmission. The metadata checksum guards against resurrected
	// garbage replicas.
	Cancel()
}

// FreeRPC is an in-flight freeSegment call.
type FreeRPC interface {
	Ready() bool
	Wait() error
}

// BoolRPC is an in-flight boolean query, such as isReplicaNeeded.
type BoolRPC interface {
	Ready() bool
	Wait() (bool, error)
}

// EpochRPC is an in-flight replication-epoch update at the coordinator.
type EpochRPC interface {
	Ready() bool
	Wait() error
}

// BackupClient issues RPCs to one backup.
type BackupClient interface {
	StartWriteSegment(req *WriteSegmentRequest) WriteRPC
	StartFreeSegment(masterID cluster.ServerID, segmentID uint64) FreeRPC
	AssignReplicationGroup(groupID uint64, members []cluster.ServerID) error
	StartReadingData(recoveryID uint64, crashedMasterID cluster.ServerID, tablets []Tablet) (*StartReadingDataResponse, error)
	GetRecoveryData(recoveryID uint64, crashedMasterID cluster.ServerID, segmentID uint64, partition int) (*RecoveryData, error)
	GetServerID() (cluster.ServerID, error)
}

// MasterClient issues RPCs to one master.
type MasterClient interface {
	StartIsReplicaNeeded(backupID cluster.ServerID, segmentID uint64) BoolRPC
	Recover(recoveryID uint64, crashedMasterID cluster.ServerID, partition int, replicaMap []SegmentLocation) error
	GetServerID() (cluster.ServerID, error)
}

// CoordinatorClient issues RPCs to the coordinator.
type CoordinatorClient interface {
	StartUpdateReplicationEpoch(masterID cluster.ServerID, segmentID, epoch uint64) EpochRPC
}

// Transport resolves server ids to clients. Lookups of servers absent
// from the cluster view fail with cluster.ErrServerNotUp.
type Transport interface {
	Backup(id cluster.ServerID) (BackupClient, error)
	Master(id cluster.ServerID) (MasterClient, error)
	Coordinator() (CoordinatorClient, error)
}
