// Package recovery implements the coordinator-side fan-out that rebuilds
// a crashed master's tablets from backup replicas: inventorying every
// backup, verifying log completeness against the head digest, and
// dispatching partitions to substitute masters.
package recovery

import (
	"errors"
	"sort"
	"sync"

	"github.com/LiumxNL/RAMCloud/cluster"
	"github.com/LiumxNL/RAMCloud/pkg/xlog"
	"github.com/LiumxNL/RAMCloud/segment"
	"github.com/LiumxNL/RAMCloud/transport"
)

var logger = xlog.NewLogger("recovery", xlog.INFO)

var (
	// ErrLogIncomplete means the head digest references a segment no
	// backup produced; the recovery cannot proceed.
	ErrLogIncomplete = errors.New("recovery: log digest references missing segments")

	// ErrNoHead means no backup returned a log digest, so the head of
	// the log cannot be established.
	ErrNoHead = errors.New("recovery: no log digest found on any backup")

	// ErrInsufficientMasters means there are fewer substitute masters
	// than partitions; fatal for the recovery.
	ErrInsufficientMasters = errors.New("recovery: not enough masters for all partitions")
)

// Coordinator runs recoveries of crashed masters.
type Coordinator struct {
	transport transport.Transport
}

// NewCoordinator returns a coordinator over the given transport.
func NewCoordinator(tr transport.Transport) *Coordinator {
	return &Coordinator{transport: tr}
}

// Recovery is the assembled state for one crashed master.
type Recovery struct {
	RecoveryID      uint64
	CrashedMasterID cluster.ServerID
	Tablets         []transport.Tablet

	// Locations lists, primaries first and newer segments earlier, the
	// best replica found for each segment.
	Locations []transport.SegmentLocation

	// Digest is the head segment's log digest, from the replica with
	// the greatest segment id (ties broken by greatest certified
	// length).
	Digest          *segment.LogDigest
	DigestSegmentID uint64

	Partitions int
}

type backupResponse struct {
	backupID cluster.ServerID
	resp     *transport.StartReadingDataResponse
}

// Start contacts every backup, assembles and verifies the segment
// inventory, and dispatches one recovery per partition to the substitute
// masters. It fails fatally when the log is incomplete or there are not
// enough masters.
func (c *Coordinator) Start(recoveryID uint64, crashedMasterID cluster.ServerID,
	tablets []transport.Tablet, backups, masters []cluster.ServerID) (*Recovery, error) {
	rec := &Recovery{
		RecoveryID:      recoveryID,
		CrashedMasterID: crashedMasterID,
		Tablets:         tablets,
	}
	for _, t := range tablets {
		if t.Partition >= rec.Partitions {
			rec.Partitions = t.Partition + 1
		}
	}

	responses := c.readAllBackups(recoveryID, crashedMasterID, tablets, backups)
	rec.buildSegmentLocations(responses)
	if err := rec.verifyCompleteLog(); err != nil {
		return nil, err
	}

	logger.Infof("starting recovery %d of master %s for %d partitions",
		recoveryID, crashedMasterID, rec.Partitions)
	if err := c.dispatch(rec, masters); err != nil {
		return nil, err
	}
	return rec, nil
}

// readAllBackups fans startReadingData out to every backup in parallel.
// Unreachable backups are skipped; their replicas are simply not
// available to this recovery.
func (c *Coordinator) readAllBackups(recoveryID uint64, crashedMasterID cluster.ServerID,
	tablets []transport.Tablet, backups []cluster.ServerID) []backupResponse {
	var (
		mu        sync.Mutex
		responses []backupResponse
		wg        sync.WaitGroup
	)
	for _, id := range backups {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, err := c.transport.Backup(id)
			if err != nil {
				logger.Warningf("backup %s unreachable for recovery %d: %v", id, recoveryID, err)
				return
			}
			resp, err := client.StartReadingData(recoveryID, crashedMasterID, tablets)
			if err != nil {
				logger.Warningf("startReadingData on backup %s failed: %v", id, err)
				return
			}
			mu.Lock()
			responses = append(responses, backupResponse{backupID: id, resp: resp})
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Deterministic assembly regardless of response arrival order.
	sort.Slice(responses, func(i, j int) bool {
		return responses[i].backupID < responses[j].backupID
	})
	return responses
}

// buildSegmentLocations keeps, for each segment, the responding replica
// of greatest certified length, breaking ties primary before secondary.
// It also picks the digest from the newest replica carrying one.
func (rec *Recovery) buildSegmentLocations(responses []backupResponse) {
	best := make(map[uint64]transport.SegmentLocation)
	var digestLength uint32
	for _, br := range responses {
		for _, info := range br.resp.Replicas {
			loc := transport.SegmentLocation{
				SegmentID: info.SegmentID,
				BackupID:  br.backupID,
				Length:    info.Length,
				Primary:   info.Primary,
			}
			cur, ok := best[info.SegmentID]
			if !ok || loc.Length > cur.Length ||
				(loc.Length == cur.Length && loc.Primary && !cur.Primary) {
				best[info.SegmentID] = loc
			}
		}
		if br.resp.LogDigest != nil {
			if rec.Digest == nil ||
				br.resp.LogDigestSegmentID > rec.DigestSegmentID ||
				(br.resp.LogDigestSegmentID == rec.DigestSegmentID &&
					br.resp.LogDigestLength > digestLength) {
				rec.Digest = br.resp.LogDigest
				rec.DigestSegmentID = br.resp.LogDigestSegmentID
				digestLength = br.resp.LogDigestLength
			}
		}
	}

	rec.Locations = rec.Locations[:0]
	for _, loc := range best {
		rec.Locations = append(rec.Locations, loc)
	}
	// Recovery masters replay primaries first; within a class, newer
	// segments come earlier.
	sort.Slice(rec.Locations, func(i, j int) bool {
		a, b := rec.Locations[i], rec.Locations[j]
		if a.Primary != b.Primary {
			return a.Primary
		}
		return a.SegmentID > b.SegmentID
	})
}

// verifyCompleteLog checks that every segment named by the head digest
// was obtained from some backup.
func (rec *Recovery) verifyCompleteLog() error {
	if rec.Digest == nil {
		return ErrNoHead
	}
	have := make(map[uint64]bool, len(rec.Locations))
	for _, loc := range rec.Locations {
		have[loc.SegmentID] = true
	}
	logger.Debugf("segment %d is the head of the log", rec.DigestSegmentID)

	missing := 0
	for _, id := range rec.Digest.SegmentIDs {
		if !have[id] {
			logger.Errorf("segment %d is missing!", id)
			missing++
		}
	}
	if missing > 0 {
		logger.Errorf("%d segments in the digest, but not obtained from backups!", missing)
		return ErrLogIncomplete
	}
	return nil
}

// dispatch assigns one substitute master per partition and kicks off
// the replays.
func (c *Coordinator) dispatch(rec *Recovery, masters []cluster.ServerID) error {
	if len(masters) < rec.Partitions {
		return ErrInsufficientMasters
	}
	for partition := 0; partition < rec.Partitions; partition++ {
		masterID := masters[partition]
		client, err := c.transport.Master(masterID)
		if err != nil {
			return err
		}
		if err := client.Recover(rec.RecoveryID, rec.CrashedMasterID, partition, rec.Locations); err != nil {
			return err
		}
	}
	return nil
}
