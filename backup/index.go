package backup

import (
	"github.com/google/btree"

	"github.com/LiumxNL/RAMCloud/cluster"
	"github.com/LiumxNL/RAMCloud/storage"
)

// Key names one replica: the master whose log the segment belongs to
// plus the segment id.
type Key struct {
	MasterID  cluster.ServerID
	SegmentID uint64
}

func (k Key) less(o Key) bool {
	if k.MasterID != o.MasterID {
		return k.MasterID < o.MasterID
	}
	return k.SegmentID < o.SegmentID
}

// Replica is the backup-side state of one stored segment replica.
type Replica struct {
	Key     Key
	Frame   *storage.Frame
	Closed  bool
	Primary bool
}

// ReplicaIndex maps replica keys to their owning frames. At most one
// replica may exist per key; violations are programming errors and
// panic the process.
type ReplicaIndex struct {
	tree *btree.BTreeG[*Replica]
}

// NewReplicaIndex returns an empty index.
func NewReplicaIndex() *ReplicaIndex {
	return &ReplicaIndex{
		tree: btree.NewG(8, func(a, b *Replica) bool { return a.Key.less(b.Key) }),
	}
}

// Insert adds a replica; a duplicate key panics.
func (ix *ReplicaIndex) Insert(r *Replica) {
	if _, dup := ix.tree.ReplaceOrInsert(r); dup {
		logger.Panicf("duplicate replica <%s,%d>", r.Key.MasterID, r.Key.SegmentID)
	}
}

// Lookup returns the replica for key, or nil.
func (ix *ReplicaIndex) Lookup(key Key) *Replica {
	r, ok := ix.tree.Get(&Replica{Key: key})
	if !ok {
		return nil
	}
	return r
}

// Remove deletes the replica for key; removing an absent key is a no-op.
func (ix *ReplicaIndex) Remove(key Key) *Replica {
	r, ok := ix.tree.Delete(&Replica{Key: key})
	if !ok {
		return nil
	}
	return r
}

// IterByMaster returns the master's replicas in ascending segment order.
func (ix *ReplicaIndex) IterByMaster(masterID cluster.ServerID) []*Replica {
	var out []*Replica
	ix.tree.AscendGreaterOrEqual(&Replica{Key: Key{MasterID: masterID}}, func(r *Replica) bool {
		if r.Key.MasterID != masterID {
			return false
		}
		out = append(out, r)
		return true
	})
	return out
}

// Len returns the number of indexed replicas.
func (ix *ReplicaIndex) Len() int { return ix.tree.Len() }
