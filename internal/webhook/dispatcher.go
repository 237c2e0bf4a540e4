package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/satstream/bsv-monitor/pkg/models"
)

// DefaultBackoff is the retry schedule; attempts past the last step reuse it.
var DefaultBackoff = []time.Duration{
	time.Second,
	5 * time.Second,
	30 * time.Second,
	5 * time.Minute,
	time.Hour,
}

const maxResponseBody = 1024

// QueueStore is the slice of the store the dispatcher needs.
type QueueStore interface {
	ClaimDueDeliveries(ctx context.Context, limit int, now time.Time) ([]models.WebhookDelivery, error)
	CancelSuperseded(ctx context.Context, webhookID, txID, exceptID string, now time.Time) (int64, error)
	CompleteDelivery(ctx context.Context, id string, status int, body string, now time.Time) error
	RetryDelivery(ctx context.Context, id string, attempts int, nextRetry time.Time, lastErr string) error
	FailDelivery(ctx context.Context, id string, attempts int, lastErr string, now time.Time) error
	CleanupTerminalDeliveries(ctx context.Context, olderThan time.Time) (int64, error)
}

// Config tunes the dispatcher loop.
type Config struct {
	Interval    time.Duration // queue poll interval
	Timeout     time.Duration // per-POST request timeout
	BatchSize   int
	MaxRetries  int
	CleanupDays int
	Backoff     []time.Duration
}

// Dispatcher drains the durable delivery queue: claims due entries, POSTs
// them, and applies the retry/failure rules. One ProcessQueue runs at a
// time; overlapping wake-ups are dropped.
type Dispatcher struct {
	store      QueueStore
	httpClient *http.Client
	cfg        Config
	log        *logrus.Logger

	inProgress atomic.Bool

	// Stats counters (atomic for concurrent snapshot reads).
	cycles    atomic.Int64
	delivered atomic.Int64
	retried   atomic.Int64
	failed    atomic.Int64
}

// Stats is the dispatcher's /stats snapshot.
type Stats struct {
	Cycles    int64 `json:"cycles"`
	Delivered int64 `json:"delivered"`
	Retried   int64 `json:"retried"`
	Failed    int64 `json:"failed"`
}

// NewDispatcher builds a dispatcher with defaults filled in.
func NewDispatcher(store QueueStore, cfg Config, log *logrus.Logger) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.CleanupDays <= 0 {
		cfg.CleanupDays = 7
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultBackoff
	}
	return &Dispatcher{
		store:      store,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		log:        log,
	}
}

// Run drives the processing loop plus a daily cleanup sweep until the
// context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.WithField("interval", d.cfg.Interval).Info("Starting webhook dispatcher")

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	cleanup := time.NewTicker(24 * time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("Stopping webhook dispatcher")
			return
		case <-cleanup.C:
			d.runCleanup(ctx)
		case <-ticker.C:
			d.ProcessQueue(ctx)
		}
	}
}

// ProcessQueue claims and delivers one batch. Concurrent calls are dropped
// while a batch is in flight.
func (d *Dispatcher) ProcessQueue(ctx context.Context) {
	if !d.inProgress.CompareAndSwap(false, true) {
		return
	}
	defer d.inProgress.Store(false)

	now := time.Now().UTC()
	batch, err := d.store.ClaimDueDeliveries(ctx, d.cfg.BatchSize, now)
	if err != nil {
		d.log.WithError(err).Warn("Failed to claim webhook deliveries")
		return
	}
	if len(batch) == 0 {
		return
	}
	d.cycles.Add(1)

	for i := range batch {
		del := &batch[i]
		// Secondary coalescing pass: absorb enqueue races the insert-time
		// pass missed.
		if del.TransactionID != "" {
			if _, err := d.store.CancelSuperseded(ctx, del.WebhookID, del.TransactionID, del.ID, now); err != nil {
				d.log.WithError(err).WithField("webhook_id", del.WebhookID).Warn("Secondary coalescing pass failed")
			}
		}
		d.deliver(ctx, del)
	}
}

// deliver POSTs one payload and applies the outcome rules.
func (d *Dispatcher) deliver(ctx context.Context, del *models.WebhookDelivery) {
	body, err := json.Marshal(del.Payload)
	if err != nil {
		d.finishFailed(ctx, del, fmt.Sprintf("marshal payload: %v", err))
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, del.URL, bytes.NewReader(body))
	if err != nil {
		d.finishFailed(ctx, del, fmt.Sprintf("build request: %v", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.scheduleRetry(ctx, del, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := d.store.CompleteDelivery(ctx, del.ID, resp.StatusCode, string(respBody), time.Now().UTC()); err != nil {
			d.log.WithError(err).WithField("delivery_id", del.ID).Warn("Failed to mark delivery completed")
			return
		}
		d.delivered.Add(1)
		d.log.WithFields(logrus.Fields{
			"webhook_id": del.WebhookID,
			"txid":       del.TransactionID,
			"status":     resp.StatusCode,
		}).Debug("Webhook delivered")
		return
	}

	d.scheduleRetry(ctx, del, fmt.Sprintf("upstream status %d", resp.StatusCode))
}

// scheduleRetry bumps the attempt count and either re-queues with backoff or
// terminates the delivery.
func (d *Dispatcher) scheduleRetry(ctx context.Context, del *models.WebhookDelivery, reason string) {
	attempts := del.Attempts + 1
	if attempts >= d.cfg.MaxRetries {
		if err := d.store.FailDelivery(ctx, del.ID, attempts, reason, time.Now().UTC()); err != nil {
			d.log.WithError(err).WithField("delivery_id", del.ID).Warn("Failed to mark delivery failed")
			return
		}
		d.failed.Add(1)
		d.log.WithFields(logrus.Fields{
			"webhook_id": del.WebhookID,
			"attempts":   attempts,
			"reason":     reason,
		}).Warn("Webhook delivery failed permanently")
		return
	}

	step := attempts - 1
	if step >= len(d.cfg.Backoff) {
		step = len(d.cfg.Backoff) - 1
	}
	next := time.Now().UTC().Add(d.cfg.Backoff[step])
	if err := d.store.RetryDelivery(ctx, del.ID, attempts, next, reason); err != nil {
		d.log.WithError(err).WithField("delivery_id", del.ID).Warn("Failed to schedule retry")
		return
	}
	d.retried.Add(1)
}

func (d *Dispatcher) finishFailed(ctx context.Context, del *models.WebhookDelivery, reason string) {
	if err := d.store.FailDelivery(ctx, del.ID, del.Attempts+1, reason, time.Now().UTC()); err != nil {
		d.log.WithError(err).WithField("delivery_id", del.ID).Warn("Failed to mark delivery failed")
	}
	d.failed.Add(1)
}

// runCleanup deletes terminal deliveries past the retention window.
func (d *Dispatcher) runCleanup(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.cfg.CleanupDays)
	deleted, err := d.store.CleanupTerminalDeliveries(ctx, cutoff)
	if err != nil {
		d.log.WithError(err).Warn("Webhook cleanup sweep failed")
		return
	}
	if deleted > 0 {
		d.log.WithField("deleted", deleted).Info("Cleaned up terminal webhook deliveries")
	}
}

// Snapshot returns the dispatcher counters.
func (d *Dispatcher) Snapshot() Stats {
	return Stats{
		Cycles:    d.cycles.Load(),
		Delivered: d.delivered.Load(),
		Retried:   d.retried.Load(),
		Failed:    d.failed.Load(),
	}
}
