package replication

import (
	"github.com/LiumxNL/RAMCloud/cluster"
	"github.com/LiumxNL/RAMCloud/transport"
)

// replica is one slot of a ReplicatedSegment: the state of the copy on
// a single backup. Slot 0 is the primary.
type replica struct {
	isActive bool
	backupID cluster.ServerID
	client   transport.BackupClient

	// sent only grows (except when a failed write is rolled back for
	// retry or the slot is reset); committed ≤ acked
	// ≤ sent, and committed advances only when an acknowledged RPC
	// carried a certificate.
	sent      Progress
	acked     Progress
	committed Progress

	// replicateAtomically suppresses the opening certificate so the
	// backup cannot expose the replica until catch-up completes.
	replicateAtomically bool

	writeRPC transport.WriteRPC
	freeRPC  transport.FreeRPC
}

// start activates the slot on the chosen backup.
func (r *replica) start(backupID cluster.ServerID, client transport.BackupClient) {
	r.isActive = true
	r.backupID = backupID
	r.client = client
}

// reset returns the slot to the unplaced state; a later performWrite
// picks a fresh backup.
func (r *replica) reset() {
	*r = replica{}
}

// failed resets the slot after its backup crashed. The replacement
// replica is replicated atomically so a partially caught-up copy can
// never be mistaken for a valid replica.
func (r *replica) failed() {
	r.reset()
	r.replicateAtomically = true
}
