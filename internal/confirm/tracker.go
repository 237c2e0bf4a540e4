package confirm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/sirupsen/logrus"

	"github.com/satstream/bsv-monitor/internal/db"
	"github.com/satstream/bsv-monitor/internal/svnode"
	"github.com/satstream/bsv-monitor/pkg/models"
)

// ErrCycleInProgress is returned when a manual trigger lands while a cycle is
// already running.
var ErrCycleInProgress = errors.New("confirmation cycle already in progress")

// Store is the slice of the store the tracker needs.
type Store interface {
	PendingTransactions(ctx context.Context, limit int64) ([]models.ActiveTransaction, error)
	ApplyVerification(ctx context.Context, txid string, v db.VerificationUpdate) error
	ArchiveCandidates(ctx context.Context, cutoffHeight int64) ([]models.ActiveTransaction, error)
	ArchiveTransaction(ctx context.Context, arch *models.ArchivedTransaction) error
	RecordAddressActivity(ctx context.Context, addrs []string, at time.Time) error
}

// Events receives state-change notifications.
type Events interface {
	TransactionEvent(ctx context.Context, tx *models.ActiveTransaction, changes map[string]interface{})
}

// Config tunes a tracker.
type Config struct {
	BatchSize        int64         // per-cycle cap on verified transactions
	Concurrency      int           // parallel node calls per chunk
	ArchiveThreshold int64         // confirmations before archival
	RetryDelay       time.Duration // wait before re-verifying a failed lookup
	MaxRetries       int           // per-transaction lookup retries
	ChunkPause       time.Duration // pause between worker chunks
}

// Tracker turns block arrivals into confirmation updates and archival. One
// cycle runs at a time; block notifications landing mid-cycle are absorbed
// by the next one.
type Tracker struct {
	store  Store
	node   svnode.NodeClient
	events Events
	cfg    Config
	log    *logrus.Logger

	inProgress atomic.Bool

	// Ephemeral retry queue for transient lookup failures. Lost on restart,
	// which is fine: the next cycle re-reads everything unarchived anyway.
	retryMu sync.Mutex
	retries []retryEntry

	cycles   atomic.Int64
	verified atomic.Int64
	archived atomic.Int64
	reorgs   atomic.Int64
	failures atomic.Int64
	lastTip  atomic.Int64
	lastRun  atomic.Int64 // unix seconds
}

type retryEntry struct {
	tx       models.ActiveTransaction
	attempts int
	due      time.Time
}

// maxRetriesPerCycle caps how much of a cycle's budget replayed failures can
// consume.
const maxRetriesPerCycle = 10

// Stats is the tracker's /stats snapshot.
type Stats struct {
	Cycles      int64  `json:"cycles"`
	Verified    int64  `json:"verified"`
	Archived    int64  `json:"archived"`
	Reorgs      int64  `json:"reorgs"`
	Failures    int64  `json:"failures"`
	RetryQueued int    `json:"retry_queued"`
	LastTip     int64  `json:"last_tip"`
	LastRun     string `json:"last_run,omitempty"`
	InProgress  bool   `json:"in_progress"`
}

// NewTracker builds a tracker with defaults filled in.
func NewTracker(store Store, node svnode.NodeClient, events Events, cfg Config, log *logrus.Logger) *Tracker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ArchiveThreshold <= 0 {
		cfg.ArchiveThreshold = 144
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ChunkPause < 0 {
		cfg.ChunkPause = 0
	} else if cfg.ChunkPause == 0 {
		cfg.ChunkPause = 200 * time.Millisecond
	}
	return &Tracker{store: store, node: node, events: events, cfg: cfg, log: log}
}

// OnBlockHash handles a hashblock notification. The hash itself is only
// logged; the cycle re-derives everything from the node.
func (t *Tracker) OnBlockHash(ctx context.Context, blockHash string) {
	t.log.WithField("block", blockHash).Info("New block")
	if err := t.ProcessNewBlock(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
		t.log.WithError(err).Warn("Confirmation cycle failed")
	}
}

// ProcessNewBlock runs one verification plus archival cycle. Overlapping
// calls return ErrCycleInProgress.
func (t *Tracker) ProcessNewBlock(ctx context.Context) error {
	if !t.inProgress.CompareAndSwap(false, true) {
		return ErrCycleInProgress
	}
	defer t.inProgress.Store(false)

	tip, err := t.node.GetBlockCount(ctx)
	if err != nil {
		t.failures.Add(1)
		return err
	}
	t.lastTip.Store(tip)
	t.lastRun.Store(time.Now().Unix())
	t.cycles.Add(1)

	batch, err := t.store.PendingTransactions(ctx, t.cfg.BatchSize)
	if err != nil {
		return err
	}
	batch = t.appendDueRetries(batch)

	t.verifyBatch(ctx, tip, batch)
	return t.archiveMatured(ctx, tip)
}

// appendDueRetries folds due retry-queue entries into the batch, skipping
// txids the fresh read already covers.
func (t *Tracker) appendDueRetries(batch []models.ActiveTransaction) []models.ActiveTransaction {
	t.retryMu.Lock()
	defer t.retryMu.Unlock()

	if len(t.retries) == 0 {
		return batch
	}
	inBatch := make(map[string]struct{}, len(batch))
	for i := range batch {
		inBatch[batch[i].TxID] = struct{}{}
	}

	now := time.Now()
	var keep []retryEntry
	taken := 0
	for _, e := range t.retries {
		if _, dup := inBatch[e.tx.TxID]; dup {
			continue
		}
		if taken < maxRetriesPerCycle && !e.due.After(now) {
			batch = append(batch, e.tx)
			taken++
			continue
		}
		keep = append(keep, e)
	}
	t.retries = keep
	return batch
}

// verifyBatch runs node lookups in chunks of cfg.Concurrency with a pause in
// between so a large backlog cannot saturate the node.
func (t *Tracker) verifyBatch(ctx context.Context, tip int64, batch []models.ActiveTransaction) {
	for start := 0; start < len(batch); start += t.cfg.Concurrency {
		end := start + t.cfg.Concurrency
		if end > len(batch) {
			end = len(batch)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(tx models.ActiveTransaction) {
				defer wg.Done()
				t.verifyOne(ctx, tip, tx)
			}(batch[i])
		}
		wg.Wait()

		if end < len(batch) && t.cfg.ChunkPause > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.cfg.ChunkPause):
			}
		}
	}
}

// verifyOne checks one transaction against the node and persists whatever
// changed.
func (t *Tracker) verifyOne(ctx context.Context, tip int64, tx models.ActiveTransaction) {
	raw, err := t.node.GetRawTransaction(ctx, tx.TxID)
	if err != nil {
		t.handleLookupFailure(tx, err)
		return
	}

	now := time.Now().UTC()

	if !raw.Mined() {
		// Unmined, or fell out of a block in a reorg. Either way the block
		// linkage is cleared and the record waits as pending.
		if err := t.store.ApplyVerification(ctx, tx.TxID, db.VerificationUpdate{VerifiedAt: now}); err != nil {
			t.log.WithError(err).WithField("txid", tx.TxID).Warn("Failed to apply verification")
			return
		}
		t.verified.Add(1)
		if tx.Status == models.StatusConfirming {
			t.reorgs.Add(1)
			t.log.WithField("txid", tx.TxID).Warn("Transaction lost its block, reverting to pending")
			updated := tx
			updated.Status = models.StatusPending
			updated.Confirmations = 0
			updated.BlockHeight = nil
			updated.BlockHash = nil
			t.emit(ctx, &updated, map[string]interface{}{
				"status":        models.StatusPending,
				"confirmations": int64(0),
			})
		}
		return
	}

	height := raw.HeightOr(tip)
	conf := int64(raw.Confirmations)
	var blockTime *time.Time
	if raw.Blocktime > 0 {
		bt := time.Unix(raw.Blocktime, 0).UTC()
		blockTime = &bt
	}

	// A block hash with zero confirmations can show up when the node's tip
	// moves mid-call; confirming always implies at least one confirmation.
	status := models.StatusConfirming
	if conf == 0 {
		status = models.StatusPending
	}

	update := db.VerificationUpdate{
		BlockHeight:   &height,
		BlockHash:     &raw.BlockHash,
		BlockTime:     blockTime,
		Confirmations: conf,
		Status:        status,
		VerifiedAt:    now,
	}
	if tx.Hex == "" {
		update.Hex = raw.Hex
	}
	if err := t.store.ApplyVerification(ctx, tx.TxID, update); err != nil {
		t.log.WithError(err).WithField("txid", tx.TxID).Warn("Failed to apply verification")
		return
	}
	t.verified.Add(1)

	changes := map[string]interface{}{}
	if tx.Status != status {
		changes["status"] = status
		changes["block_height"] = height
	}
	if tx.Confirmations != conf {
		changes["confirmations"] = conf
	}
	if len(changes) == 0 {
		return
	}

	updated := tx
	updated.Status = status
	updated.Confirmations = conf
	updated.BlockHeight = &height
	updated.BlockHash = &raw.BlockHash
	t.emit(ctx, &updated, changes)
}

// handleLookupFailure queues a transient failure for a later retry. A node
// that simply does not know the txid yet (fresh broadcast racing the lookup,
// or an evicted transaction) gets the same treatment until retries run out.
func (t *Tracker) handleLookupFailure(tx models.ActiveTransaction, err error) {
	t.failures.Add(1)

	attempts := 1
	t.retryMu.Lock()
	defer t.retryMu.Unlock()
	for i := range t.retries {
		if t.retries[i].tx.TxID == tx.TxID {
			attempts = t.retries[i].attempts + 1
			t.retries = append(t.retries[:i], t.retries[i+1:]...)
			break
		}
	}

	var rpcErr *btcjson.RPCError
	notFound := errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCNoTxInfo

	if attempts > t.cfg.MaxRetries {
		// Give up on active retrying; the record stays pending and the next
		// full cycle picks it up again naturally.
		t.log.WithError(err).WithFields(logrus.Fields{
			"txid":     tx.TxID,
			"attempts": attempts,
		}).Warn("Giving up on transaction lookup for now")
		return
	}

	t.retries = append(t.retries, retryEntry{
		tx:       tx,
		attempts: attempts,
		due:      time.Now().Add(t.cfg.RetryDelay),
	})
	entry := t.log.WithError(err).WithField("txid", tx.TxID)
	if notFound {
		entry.Debug("Transaction not known to node yet, queued for retry")
	} else {
		entry.Warn("Transaction lookup failed, queued for retry")
	}
}

// archiveMatured moves every confirming transaction at or past the archive
// threshold into the archive collection.
func (t *Tracker) archiveMatured(ctx context.Context, tip int64) error {
	cutoff := tip - t.cfg.ArchiveThreshold + 1
	candidates, err := t.store.ArchiveCandidates(ctx, cutoff)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i := range candidates {
		tx := &candidates[i]
		if tx.BlockHeight == nil {
			continue
		}
		final := tip - *tx.BlockHeight + 1

		arch := &models.ArchivedTransaction{
			TxID:               tx.TxID,
			Addresses:          tx.Addresses,
			BlockHeight:        *tx.BlockHeight,
			FinalConfirmations: final,
			FirstSeen:          tx.FirstSeen,
			IsHistorical:       tx.IsHistorical,
			ArchivedAt:         now,
			ArchiveHeight:      tip,
		}
		if tx.BlockHash != nil {
			arch.BlockHash = *tx.BlockHash
		}
		if err := t.store.ArchiveTransaction(ctx, arch); err != nil {
			t.log.WithError(err).WithField("txid", tx.TxID).Error("Failed to archive transaction")
			continue
		}
		t.archived.Add(1)

		if err := t.store.RecordAddressActivity(ctx, tx.Addresses, now); err != nil {
			t.log.WithError(err).WithField("txid", tx.TxID).Warn("Failed to record archival activity")
		}

		t.log.WithFields(logrus.Fields{
			"txid":          tx.TxID,
			"confirmations": final,
		}).Info("Archived transaction")

		updated := *tx
		updated.Confirmations = final
		t.emit(ctx, &updated, map[string]interface{}{
			"status":        "archived",
			"confirmations": final,
		})
	}
	return nil
}

func (t *Tracker) emit(ctx context.Context, tx *models.ActiveTransaction, changes map[string]interface{}) {
	if t.events != nil {
		t.events.TransactionEvent(ctx, tx, changes)
	}
}

// Snapshot returns the tracker counters.
func (t *Tracker) Snapshot() Stats {
	t.retryMu.Lock()
	queued := len(t.retries)
	t.retryMu.Unlock()

	s := Stats{
		Cycles:      t.cycles.Load(),
		Verified:    t.verified.Load(),
		Archived:    t.archived.Load(),
		Reorgs:      t.reorgs.Load(),
		Failures:    t.failures.Load(),
		RetryQueued: queued,
		LastTip:     t.lastTip.Load(),
		InProgress:  t.inProgress.Load(),
	}
	if ts := t.lastRun.Load(); ts > 0 {
		s.LastRun = time.Unix(ts, 0).UTC().Format(time.RFC3339)
	}
	return s
}
