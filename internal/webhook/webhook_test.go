package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/satstream/bsv-monitor/pkg/models"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// memQueue is an in-memory stand-in for the Mongo-backed queue, implementing
// both EmitterStore and QueueStore.
type memQueue struct {
	mu         sync.Mutex
	webhooks   []models.Webhook
	deliveries []*models.WebhookDelivery
	triggers   map[string]int
}

func newMemQueue(webhooks ...models.Webhook) *memQueue {
	return &memQueue{webhooks: webhooks, triggers: make(map[string]int)}
}

func (m *memQueue) ActiveWebhooks(_ context.Context) ([]models.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Webhook
	for _, wh := range m.webhooks {
		if wh.Active {
			out = append(out, wh)
		}
	}
	return out, nil
}

func (m *memQueue) CancelSuperseded(_ context.Context, webhookID, txID, exceptID string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, d := range m.deliveries {
		if d.WebhookID != webhookID || d.TransactionID != txID || d.ID == exceptID {
			continue
		}
		if d.Status == models.DeliveryPending || d.Status == models.DeliveryRetry {
			d.Status = models.DeliveryCancelled
			d.CancelReason = "superseded"
			t := now
			d.CancelledAt = &t
			n++
		}
	}
	return n, nil
}

func (m *memQueue) InsertDelivery(_ context.Context, del *models.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *del
	m.deliveries = append(m.deliveries, &cp)
	return nil
}

func (m *memQueue) IncrementWebhookTrigger(_ context.Context, id string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers[id]++
	return nil
}

func (m *memQueue) ClaimDueDeliveries(_ context.Context, limit int, now time.Time) ([]models.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WebhookDelivery
	for _, d := range m.deliveries {
		if len(out) >= limit {
			break
		}
		if (d.Status == models.DeliveryPending || d.Status == models.DeliveryRetry) && !d.NextRetry.After(now) {
			d.Status = models.DeliveryProcessing
			t := now
			d.LastAttempt = &t
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *memQueue) CompleteDelivery(_ context.Context, id string, status int, body string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.byID(id); d != nil {
		d.Status = models.DeliveryCompleted
		d.ResponseStatus = status
		d.ResponseBody = body
		t := now
		d.CompletedAt = &t
	}
	return nil
}

func (m *memQueue) RetryDelivery(_ context.Context, id string, attempts int, nextRetry time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.byID(id); d != nil {
		d.Status = models.DeliveryRetry
		d.Attempts = attempts
		d.NextRetry = nextRetry
		d.LastError = lastErr
	}
	return nil
}

func (m *memQueue) FailDelivery(_ context.Context, id string, attempts int, lastErr string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.byID(id); d != nil {
		d.Status = models.DeliveryFailed
		d.Attempts = attempts
		d.LastError = lastErr
		t := now
		d.FailedAt = &t
	}
	return nil
}

func (m *memQueue) CleanupTerminalDeliveries(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*models.WebhookDelivery
	var deleted int64
	for _, d := range m.deliveries {
		terminalAt := d.CompletedAt
		if d.Status == models.DeliveryFailed {
			terminalAt = d.FailedAt
		} else if d.Status == models.DeliveryCancelled {
			terminalAt = d.CancelledAt
		} else if d.Status != models.DeliveryCompleted {
			terminalAt = nil
		}
		if terminalAt != nil && terminalAt.Before(olderThan) {
			deleted++
			continue
		}
		kept = append(kept, d)
	}
	m.deliveries = kept
	return deleted, nil
}

func (m *memQueue) byID(id string) *models.WebhookDelivery {
	for _, d := range m.deliveries {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (m *memQueue) byStatus(status string) []*models.WebhookDelivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.WebhookDelivery
	for _, d := range m.deliveries {
		if d.Status == status {
			out = append(out, d)
		}
	}
	return out
}

func pendingTx(txid string, addrs ...string) *models.ActiveTransaction {
	return &models.ActiveTransaction{
		TxID:      txid,
		Addresses: addrs,
		Status:    models.StatusPending,
		FirstSeen: time.Now().UTC(),
	}
}

func TestCoalescingKeepsOnlyFreshest(t *testing.T) {
	q := newMemQueue(models.Webhook{ID: "wh1", URL: "http://example.test", MonitorAll: true, Active: true})
	em := NewEmitter(q, nil, true, quietLogger())

	tx := pendingTx("tx1", "addr1")
	for i := 1; i <= 3; i++ {
		em.TransactionEvent(context.Background(), tx, map[string]interface{}{"confirmations": i})
	}

	pending := q.byStatus(models.DeliveryPending)
	cancelled := q.byStatus(models.DeliveryCancelled)
	require.Len(t, pending, 1, "exactly one pending delivery must survive")
	require.Len(t, cancelled, 2)
	for _, d := range cancelled {
		require.Equal(t, "superseded", d.CancelReason)
	}
	// The survivor carries the freshest changes.
	require.Equal(t, 3, pending[0].Payload.Changes["confirmations"])
}

func TestEmitterFiltersAddressesPerWebhook(t *testing.T) {
	q := newMemQueue(
		models.Webhook{ID: "all", URL: "http://a.test", MonitorAll: true, Active: true},
		models.Webhook{ID: "narrow", URL: "http://b.test", Addresses: []string{"addr2"}, Active: true},
		models.Webhook{ID: "miss", URL: "http://c.test", Addresses: []string{"other"}, Active: true},
		models.Webhook{ID: "off", URL: "http://d.test", MonitorAll: true, Active: false},
	)
	em := NewEmitter(q, nil, true, quietLogger())

	em.TransactionEvent(context.Background(), pendingTx("tx1", "addr1", "addr2"), map[string]interface{}{"status": "new"})

	pending := q.byStatus(models.DeliveryPending)
	require.Len(t, pending, 2)

	byHook := map[string]*models.WebhookDelivery{}
	for _, d := range pending {
		byHook[d.WebhookID] = d
	}
	require.ElementsMatch(t, []string{"addr1", "addr2"}, byHook["all"].Payload.Transaction.Addresses)
	require.Equal(t, []string{"addr2"}, byHook["narrow"].Payload.Transaction.Addresses)
	require.Equal(t, 1, q.triggers["all"])
	require.Equal(t, 1, q.triggers["narrow"])
	require.Zero(t, q.triggers["miss"])
}

func TestEmitterDisabledOnlyStreams(t *testing.T) {
	q := newMemQueue(models.Webhook{ID: "wh1", URL: "http://a.test", MonitorAll: true, Active: true})
	var streamed [][]byte
	hub := broadcastFunc(func(data []byte) { streamed = append(streamed, data) })

	em := NewEmitter(q, hub, false, quietLogger())
	em.TransactionEvent(context.Background(), pendingTx("tx1", "addr1"), map[string]interface{}{"status": "new"})

	require.Empty(t, q.deliveries)
	require.Len(t, streamed, 1)
}

type broadcastFunc func([]byte)

func (f broadcastFunc) Broadcast(data []byte) { f(data) }

func TestDispatcherCompletesOn2xx(t *testing.T) {
	var received int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	q := newMemQueue(models.Webhook{ID: "wh1", URL: srv.URL, MonitorAll: true, Active: true})
	em := NewEmitter(q, nil, true, quietLogger())
	em.TransactionEvent(context.Background(), pendingTx("tx1", "addr1"), map[string]interface{}{"status": "new"})

	d := NewDispatcher(q, Config{Timeout: time.Second}, quietLogger())
	d.ProcessQueue(context.Background())

	require.Equal(t, 1, received)
	completed := q.byStatus(models.DeliveryCompleted)
	require.Len(t, completed, 1)
	require.Equal(t, http.StatusOK, completed[0].ResponseStatus)
	require.Equal(t, "ok", completed[0].ResponseBody)
	require.Equal(t, int64(1), d.Snapshot().Delivered)
}

func TestDispatcherRetriesWithBackoffThenFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	q := newMemQueue(models.Webhook{ID: "wh1", URL: srv.URL, MonitorAll: true, Active: true})
	em := NewEmitter(q, nil, true, quietLogger())
	em.TransactionEvent(context.Background(), pendingTx("tx1", "addr1"), map[string]interface{}{"status": "new"})

	backoff := []time.Duration{0, 0, 0, 0}
	d := NewDispatcher(q, Config{Timeout: time.Second, MaxRetries: 3, Backoff: backoff}, quietLogger())

	// Attempt 1 and 2 end as retry.
	d.ProcessQueue(context.Background())
	require.Len(t, q.byStatus(models.DeliveryRetry), 1)
	d.ProcessQueue(context.Background())
	require.Len(t, q.byStatus(models.DeliveryRetry), 1)

	// Third attempt exhausts MaxRetries.
	d.ProcessQueue(context.Background())
	failed := q.byStatus(models.DeliveryFailed)
	require.Len(t, failed, 1)
	require.Equal(t, 3, failed[0].Attempts)
	require.Contains(t, failed[0].LastError, "500")
}

func TestDispatcherBackoffSchedule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	q := newMemQueue(models.Webhook{ID: "wh1", URL: srv.URL, MonitorAll: true, Active: true})
	em := NewEmitter(q, nil, true, quietLogger())
	em.TransactionEvent(context.Background(), pendingTx("tx1", "addr1"), map[string]interface{}{"status": "new"})

	d := NewDispatcher(q, Config{Timeout: time.Second, MaxRetries: 5}, quietLogger())
	before := time.Now().UTC()
	d.ProcessQueue(context.Background())

	retried := q.byStatus(models.DeliveryRetry)
	require.Len(t, retried, 1)
	// First failure waits the first backoff step (1s).
	wait := retried[0].NextRetry.Sub(before)
	require.GreaterOrEqual(t, wait, 900*time.Millisecond)
	require.Less(t, wait, 3*time.Second)
}

func TestDispatcherSingleFlight(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := newMemQueue(models.Webhook{ID: "wh1", URL: srv.URL, MonitorAll: true, Active: true})
	em := NewEmitter(q, nil, true, quietLogger())
	em.TransactionEvent(context.Background(), pendingTx("tx1", "addr1"), map[string]interface{}{"status": "new"})

	d := NewDispatcher(q, Config{Timeout: 5 * time.Second}, quietLogger())

	done := make(chan struct{})
	go func() {
		d.ProcessQueue(context.Background())
		close(done)
	}()

	// Give the first call time to claim and block on the POST, then a second
	// call must return immediately without claiming anything.
	time.Sleep(50 * time.Millisecond)
	d.ProcessQueue(context.Background())
	close(release)
	<-done

	require.Len(t, q.byStatus(models.DeliveryCompleted), 1)
}

func TestCleanupSweep(t *testing.T) {
	q := newMemQueue()
	old := time.Now().UTC().Add(-10 * 24 * time.Hour)
	recent := time.Now().UTC()
	q.deliveries = []*models.WebhookDelivery{
		{ID: "a", Status: models.DeliveryCompleted, CompletedAt: &old},
		{ID: "b", Status: models.DeliveryCompleted, CompletedAt: &recent},
		{ID: "c", Status: models.DeliveryFailed, FailedAt: &old},
		{ID: "d", Status: models.DeliveryPending},
	}

	d := NewDispatcher(q, Config{CleanupDays: 7}, quietLogger())
	d.runCleanup(context.Background())

	require.Len(t, q.deliveries, 2)
	require.NotNil(t, q.byID("b"))
	require.NotNil(t, q.byID("d"))
}
