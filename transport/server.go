package transport

import "github.com/LiumxNL/RAMCloud/cluster"

// BackupServer is the handler side of the backup wire operations.
type BackupServer interface {
	WriteSegment(req *WriteSegmentRequest) (*WriteSegmentResponse, error)
	FreeSegment(masterID cluster.ServerID, segmentID uint64) error
	AssignReplicationGroup(groupID uint64, members []cluster.ServerID) error
	StartReadingData(recoveryID uint64, crashedMasterID cluster.ServerID, tablets []Tablet) (*StartReadingDataResponse, error)
	GetRecoveryData(recoveryID uint64, crashedMasterID cluster.ServerID, segmentID uint64, partition int) (*RecoveryData, error)
	ServerID() cluster.ServerID
}

// MasterServer is the handler side of the master wire operations that
// backups and the recovery coordinator call.
type MasterServer interface {
	IsReplicaNeeded(backupID cluster.ServerID, segmentID uint64) (bool, error)
	Recover(recoveryID uint64, crashedMasterID cluster.ServerID, partition int, replicaMap []SegmentLocation) error
	ServerID() cluster.ServerID
}

// CoordinatorServer is the handler side of the coordinator operations
// the replication core consumes.
type CoordinatorServer interface {
	UpdateReplicationEpoch(masterID cluster.ServerID, segmentID, epoch uint64) error
}
