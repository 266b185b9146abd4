package backup

import (
	"github.com/LiumxNL/RAMCloud/cluster"
	"github.com/LiumxNL/RAMCloud/transport"
)

// StartReadingData begins (or re-joins) a recovery of crashedMasterID.
// A request repeating a known recoveryID returns the cached response; a
// new recoveryID for the same master abandons the prior recovery and
// builds a fresh one.
func (s *Service) StartReadingData(recoveryID uint64, crashedMasterID cluster.ServerID,
	tablets []transport.Tablet) (*transport.StartReadingDataResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prior := s.recoveries[crashedMasterID]; prior != nil {
		if prior.recoveryID == recoveryID {
			return prior.response, nil
		}
		logger.Infof("got startReadingData for recovery %d for crashed master %s; "+
			"abandoning existing recovery %d for that master and starting anew",
			recoveryID, crashedMasterID, prior.recoveryID)
		delete(s.recoveries, crashedMasterID)
		prior.free()
	}

	rec := newMasterRecovery(s, recoveryID, crashedMasterID, tablets,
		s.index.IterByMaster(crashedMasterID))
	s.recoveries[crashedMasterID] = rec
	s.queue.Schedule(rec)
	return rec.response, nil
}

// GetRecoveryData returns one filtered recovery segment partition,
// blocking until the filter task has produced it.
func (s *Service) GetRecoveryData(recoveryID uint64, crashedMasterID cluster.ServerID,
	segmentID uint64, partition int) (*transport.RecoveryData, error) {
	s.mu.Lock()
	rec := s.recoveries[crashedMasterID]
	s.mu.Unlock()

	if rec == nil || rec.recoveryID != recoveryID {
		return nil, ErrBadSegmentID
	}
	// Blocks on the filter task; must not hold the service mutex.
	return rec.getRecoveryData(segmentID, partition)
}
