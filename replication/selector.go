package replication

import (
	"sort"
	"sync"

	"github.com/LiumxNL/RAMCloud/cluster"
)

// BackupSelector chooses where replicas are placed. Implementations
// must never return a constrained (already used) backup; returning the
// zero id means no backup is currently eligible.
type BackupSelector interface {
	SelectPrimary(constraints []cluster.ServerID) cluster.ServerID
	SelectSecondary(constraints []cluster.ServerID) cluster.ServerID
}

// ViewSelector places replicas using the cluster view. Primaries prefer
// the backup carrying the fewest primaries so recovery load spreads;
// secondaries merely avoid colocation with this segment's other
// replicas. The master itself is never selected.
type ViewSelector struct {
	view     *cluster.View
	masterID cluster.ServerID

	mu           sync.Mutex
	primaryCount map[cluster.ServerID]int
}

var _ BackupSelector = (*ViewSelector)(nil)

// NewViewSelector returns a selector over view for masterID.
func NewViewSelector(view *cluster.View, masterID cluster.ServerID) *ViewSelector {
	return &ViewSelector{
		view:         view,
		masterID:     masterID,
		primaryCount: make(map[cluster.ServerID]int),
	}
}

func (v *ViewSelector) eligible(constraints []cluster.ServerID) []cluster.ServerID {
	var out []cluster.ServerID
	for _, id := range v.view.Servers() {
		if id == v.masterID || !v.view.IsUp(id) {
			continue
		}
		excluded := false
		for _, c := range constraints {
			if c == id {
				excluded = true
				break
			}
		}
		if !excluded {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (v *ViewSelector) SelectPrimary(constraints []cluster.ServerID) cluster.ServerID {
	v.mu.Lock()
	defer v.mu.Unlock()

	var best cluster.ServerID
	bestCount := -1
	for _, id := range v.eligible(constraints) {
		if bestCount == -1 || v.primaryCount[id] < bestCount {
			best = id
			bestCount = v.primaryCount[id]
		}
	}
	if best.IsValid() {
		v.primaryCount[best]++
	}
	return best
}

func (v *ViewSelector) SelectSecondary(constraints []cluster.ServerID) cluster.ServerID {
	candidates := v.eligible(constraints)
	if len(candidates) == 0 {
		return 0
	}
	return candidates[0]
}
