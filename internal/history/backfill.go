package history

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/satstream/bsv-monitor/internal/explorer"
	"github.com/satstream/bsv-monitor/internal/svnode"
	"github.com/satstream/bsv-monitor/pkg/models"
)

// Store is the slice of the store the backfill needs.
type Store interface {
	TransactionKnown(ctx context.Context, txid string) (bool, error)
	BulkInsertActive(ctx context.Context, docs []models.ActiveTransaction) (int, error)
	BulkInsertArchived(ctx context.Context, docs []models.ArchivedTransaction) (int, error)
	MarkHistoricalFetched(ctx context.Context, addr string, at time.Time) error
	AddressesNeedingBackfill(ctx context.Context) ([]string, error)
}

// Config tunes the backfill.
type Config struct {
	MaxPerAddress    int   // on-chain history cap per address
	ArchiveThreshold int64 // confirmations at which history lands in the archive
	QueueSize        int
}

// Backfiller pulls the confirmed on-chain history of newly registered
// addresses from the explorer, one address at a time. The explorer client
// already rate-limits requests; the single worker keeps ordering simple.
type Backfiller struct {
	store    Store
	explorer explorer.Client
	node     svnode.NodeClient
	cfg      Config
	log      *logrus.Logger

	queue chan string

	processed      atomic.Int64
	insertedActive atomic.Int64
	insertedArch   atomic.Int64
	skippedKnown   atomic.Int64
	dropped        atomic.Int64
	errors         atomic.Int64
}

// Stats is the backfill's /stats snapshot.
type Stats struct {
	Processed        int64 `json:"processed"`
	InsertedActive   int64 `json:"inserted_active"`
	InsertedArchived int64 `json:"inserted_archived"`
	SkippedKnown     int64 `json:"skipped_known"`
	Dropped          int64 `json:"dropped"`
	Errors           int64 `json:"errors"`
	QueueLength      int   `json:"queue_length"`
}

// NewBackfiller builds a backfiller with defaults filled in.
func NewBackfiller(store Store, ex explorer.Client, node svnode.NodeClient, cfg Config, log *logrus.Logger) *Backfiller {
	if cfg.MaxPerAddress <= 0 {
		cfg.MaxPerAddress = 500
	}
	if cfg.ArchiveThreshold <= 0 {
		cfg.ArchiveThreshold = 144
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Backfiller{
		store:    store,
		explorer: ex,
		node:     node,
		cfg:      cfg,
		log:      log,
		queue:    make(chan string, cfg.QueueSize),
	}
}

// Enqueue schedules an address for backfill. A full queue drops the request;
// the startup sweep will pick the address up again since its fetched marker
// stays unset.
func (b *Backfiller) Enqueue(addr string) {
	select {
	case b.queue <- addr:
	default:
		b.dropped.Add(1)
		b.log.WithField("address", addr).Warn("Backfill queue full, dropping request")
	}
}

// Run drains the queue until the context is cancelled.
func (b *Backfiller) Run(ctx context.Context) {
	b.log.Info("Starting historical backfill worker")
	for {
		select {
		case <-ctx.Done():
			b.log.Info("Stopping historical backfill worker")
			return
		case addr := <-b.queue:
			b.ProcessAddress(ctx, addr)
		}
	}
}

// SweepPending enqueues every active address whose history was never
// fetched. Run at startup so addresses registered during downtime are not
// left behind.
func (b *Backfiller) SweepPending(ctx context.Context) error {
	addrs, err := b.store.AddressesNeedingBackfill(ctx)
	if err != nil {
		return err
	}
	for _, a := range addrs {
		b.Enqueue(a)
	}
	if len(addrs) > 0 {
		b.log.WithField("count", len(addrs)).Info("Queued addresses for historical backfill")
	}
	return nil
}

// ProcessAddress fetches and stores one address's confirmed history. The
// fetched marker is only set after a successful explorer read, so a failed
// attempt is retried by the next sweep.
func (b *Backfiller) ProcessAddress(ctx context.Context, addr string) {
	items, err := b.explorer.ConfirmedHistory(ctx, addr, b.cfg.MaxPerAddress)
	if err != nil {
		b.errors.Add(1)
		b.log.WithError(err).WithField("address", addr).Warn("Historical fetch failed")
		return
	}

	now := time.Now().UTC()

	// One tip read per address. Without it confirmations cannot be derived,
	// so everything lands as pending and the tracker sorts it out.
	tip, err := b.node.GetBlockCount(ctx)
	if err != nil {
		tip = 0
		b.log.WithError(err).WithField("address", addr).Warn("No tip for backfill, storing history as pending")
	}

	var active []models.ActiveTransaction
	var archived []models.ArchivedTransaction
	for _, item := range items {
		known, err := b.store.TransactionKnown(ctx, item.TxHash)
		if err != nil {
			b.errors.Add(1)
			b.log.WithError(err).WithField("txid", item.TxHash).Warn("Dedup check failed")
			continue
		}
		if known {
			b.skippedKnown.Add(1)
			continue
		}

		firstSeen := now
		if item.Time > 0 {
			firstSeen = time.Unix(item.Time, 0).UTC()
		}

		var conf int64
		if item.Height > 0 && tip > 0 {
			conf = tip - item.Height + 1
		}

		if conf >= b.cfg.ArchiveThreshold {
			// Deep history goes straight to the archive. The explorer does
			// not report block hashes, so that field stays empty here.
			archived = append(archived, models.ArchivedTransaction{
				TxID:               item.TxHash,
				Addresses:          []string{addr},
				BlockHeight:        item.Height,
				FinalConfirmations: conf,
				FirstSeen:          firstSeen,
				IsHistorical:       true,
				ArchivedAt:         now,
				ArchiveHeight:      tip,
			})
			continue
		}

		tx := models.ActiveTransaction{
			TxID:          item.TxHash,
			Addresses:     []string{addr},
			Confirmations: conf,
			FirstSeen:     firstSeen,
			Status:        models.StatusPending,
			IsHistorical:  true,
		}
		if conf > 0 {
			h := item.Height
			tx.BlockHeight = &h
			tx.Status = models.StatusConfirming
		}
		active = append(active, tx)
	}

	nActive, err := b.store.BulkInsertActive(ctx, active)
	if err != nil {
		b.errors.Add(1)
		b.log.WithError(err).WithField("address", addr).Error("Failed to store backfilled transactions")
		return
	}
	nArch, err := b.store.BulkInsertArchived(ctx, archived)
	if err != nil {
		b.errors.Add(1)
		b.log.WithError(err).WithField("address", addr).Error("Failed to store backfilled archive")
		return
	}
	b.insertedActive.Add(int64(nActive))
	b.insertedArch.Add(int64(nArch))

	if err := b.store.MarkHistoricalFetched(ctx, addr, now); err != nil {
		b.errors.Add(1)
		b.log.WithError(err).WithField("address", addr).Warn("Failed to mark history fetched")
		return
	}
	b.processed.Add(1)

	b.log.WithFields(logrus.Fields{
		"address":  addr,
		"active":   nActive,
		"archived": nArch,
		"fetched":  len(items),
	}).Info("Historical backfill complete")
}

// Snapshot returns the backfill counters.
func (b *Backfiller) Snapshot() Stats {
	return Stats{
		Processed:        b.processed.Load(),
		InsertedActive:   b.insertedActive.Load(),
		InsertedArchived: b.insertedArch.Load(),
		SkippedKnown:     b.skippedKnown.Load(),
		Dropped:          b.dropped.Load(),
		Errors:           b.errors.Load(),
		QueueLength:      len(b.queue),
	}
}
