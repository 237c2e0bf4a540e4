package intake

import (
	"context"
	"encoding/hex"
	"errors"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/sirupsen/logrus"

	"github.com/satstream/bsv-monitor/internal/txparse"
	"github.com/satstream/bsv-monitor/internal/watchlist"
	"github.com/satstream/bsv-monitor/pkg/models"
)

// Store is the slice of the store the intake path needs.
type Store interface {
	ActiveWatchedAddresses(ctx context.Context, addrs []string) ([]models.WatchedAddress, error)
	UpsertActiveTransaction(ctx context.Context, txid string, addrs []string, txHex string, now time.Time) (*models.ActiveTransaction, []string, error)
	RecordAddressActivity(ctx context.Context, addrs []string, at time.Time) error
}

// Events receives state-change notifications for matched transactions.
type Events interface {
	TransactionEvent(ctx context.Context, tx *models.ActiveTransaction, changes map[string]interface{})
}

// Processor is the realtime ingest path: every broadcast transaction is
// parsed, pre-screened against the in-memory membership set, confirmed
// against the store, and recorded on first sight.
type Processor struct {
	watch     *watchlist.Set
	store     Store
	events    Events
	params    *chaincfg.Params
	maxTxSize int
	log       *logrus.Logger

	received  atomic.Int64
	matched   atomic.Int64
	inserted  atomic.Int64
	repeats   atomic.Int64
	malformed atomic.Int64
	oversize  atomic.Int64
}

// Stats is the intake counter snapshot for /stats.
type Stats struct {
	Received  int64 `json:"received"`
	Matched   int64 `json:"matched"`
	Inserted  int64 `json:"inserted"`
	Repeats   int64 `json:"repeats"`
	Malformed int64 `json:"malformed"`
	Oversize  int64 `json:"oversize"`
}

// NewProcessor wires the ingest path.
func NewProcessor(watch *watchlist.Set, store Store, events Events, params *chaincfg.Params, maxTxSize int, log *logrus.Logger) *Processor {
	return &Processor{
		watch:     watch,
		store:     store,
		events:    events,
		params:    params,
		maxTxSize: maxTxSize,
		log:       log,
	}
}

// ProcessRawTx handles one broadcast transaction. Malformed or oversized
// payloads are counted and dropped; they never take the feed down.
func (p *Processor) ProcessRawTx(ctx context.Context, raw []byte) {
	p.received.Add(1)

	ex, err := txparse.Extract(raw, p.params, p.maxTxSize)
	if err != nil {
		switch {
		case errors.Is(err, txparse.ErrTxTooLarge):
			p.oversize.Add(1)
			p.log.WithField("size", len(raw)).Debug("Dropping oversized transaction")
		default:
			p.malformed.Add(1)
			p.log.WithError(err).Debug("Dropping malformed transaction")
		}
		return
	}

	// Cheap in-memory pre-screen; the overwhelming majority of broadcast
	// traffic stops here.
	candidates := p.watch.Filter(ex.AllAddresses)
	if len(candidates) == 0 {
		return
	}

	// The set can run momentarily ahead of or behind the store, so hits are
	// confirmed against the source of truth before anything is written.
	records, err := p.store.ActiveWatchedAddresses(ctx, candidates)
	if err != nil {
		p.log.WithError(err).WithField("txid", ex.TxID).Warn("Failed to confirm watched addresses")
		return
	}
	if len(records) == 0 {
		return
	}
	confirmed := make([]string, len(records))
	for i := range records {
		confirmed[i] = records[i].Address
	}
	p.matched.Add(1)

	// Millisecond precision: the store rounds datetimes, and the first-sight
	// check below compares against the stored value.
	now := time.Now().UTC().Truncate(time.Millisecond)
	doc, added, err := p.store.UpsertActiveTransaction(ctx, ex.TxID, confirmed, hex.EncodeToString(raw), now)
	if err != nil {
		p.log.WithError(err).WithField("txid", ex.TxID).Error("Failed to record transaction")
		return
	}

	// The upsert stamps first_seen only on insert, so a matching timestamp
	// identifies the first sighting. A rebroadcast merges silently, but an
	// address watched since the first sighting still gets its activity
	// counted the first time it lands on the record.
	if !doc.FirstSeen.Equal(now) {
		p.repeats.Add(1)
		if len(added) > 0 {
			if err := p.store.RecordAddressActivity(ctx, added, now); err != nil {
				p.log.WithError(err).WithField("txid", ex.TxID).Warn("Failed to record address activity")
			}
		}
		return
	}
	p.inserted.Add(1)

	if err := p.store.RecordAddressActivity(ctx, confirmed, now); err != nil {
		p.log.WithError(err).WithField("txid", ex.TxID).Warn("Failed to record address activity")
	}

	p.log.WithFields(logrus.Fields{
		"txid":      ex.TxID,
		"addresses": len(confirmed),
	}).Info("New transaction for watched addresses")

	if p.events != nil {
		p.events.TransactionEvent(ctx, doc, map[string]interface{}{"status": "new"})
	}
}

// ProcessRawTxHex is ProcessRawTx for hex-encoded input, used by the replay
// and test paths.
func (p *Processor) ProcessRawTxHex(ctx context.Context, txHex string) {
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		p.received.Add(1)
		p.malformed.Add(1)
		return
	}
	p.ProcessRawTx(ctx, raw)
}

// Snapshot returns the intake counters.
func (p *Processor) Snapshot() Stats {
	return Stats{
		Received:  p.received.Load(),
		Matched:   p.matched.Load(),
		Inserted:  p.inserted.Load(),
		Repeats:   p.repeats.Load(),
		Malformed: p.malformed.Load(),
		Oversize:  p.oversize.Load(),
	}
}
