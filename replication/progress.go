// Package replication drives the master-side replication of log
// segments: a per-segment state machine that opens, appends, closes and
// frees its replicas on backups, honoring the log's head-chain ordering
// constraints and recovering from backup failures.
package replication

import (
	"github.com/LiumxNL/RAMCloud/pkg/xlog"
)

var logger = xlog.NewLogger("replication", xlog.INFO)

// Progress tracks how much of a segment has reached one replica. The
// triple (open, bytes, close) is ordered lexicographically; the epoch
// rides along and is compared separately.
type Progress struct {
	Open  bool
	Bytes uint32
	Close bool
	Epoch uint64
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Less orders progress by (open, bytes, close).
func (p Progress) Less(o Progress) bool {
	if p.Open != o.Open {
		return b2i(p.Open) < b2i(o.Open)
	}
	if p.Bytes != o.Bytes {
		return p.Bytes < o.Bytes
	}
	return b2i(p.Close) < b2i(o.Close)
}

// Equal compares (open, bytes, close) only. The epoch is deliberately
// left out: once enough replicas are caught up it is safe to shoot down
// stale replicas through the coordinator's replication epoch even if
// some committed epochs lag.
func (p Progress) Equal(o Progress) bool {
	return p.Open == o.Open && p.Bytes == o.Bytes && p.Close == o.Close
}

// min folds o into p, field-wise: conjunction of flags, minimum of
// bytes and epoch.
func (p Progress) min(o Progress) Progress {
	out := Progress{
		Open:  p.Open && o.Open,
		Close: p.Close && o.Close,
		Bytes: p.Bytes,
		Epoch: p.Epoch,
	}
	if o.Bytes < out.Bytes {
		out.Bytes = o.Bytes
	}
	if o.Epoch < out.Epoch {
		out.Epoch = o.Epoch
	}
	return out
}
