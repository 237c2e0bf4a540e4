package webhook

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/satstream/bsv-monitor/pkg/models"
)

// EmitterStore is the slice of the store the event fan-out needs.
type EmitterStore interface {
	ActiveWebhooks(ctx context.Context) ([]models.Webhook, error)
	CancelSuperseded(ctx context.Context, webhookID, txID, exceptID string, now time.Time) (int64, error)
	InsertDelivery(ctx context.Context, del *models.WebhookDelivery) error
	IncrementWebhookTrigger(ctx context.Context, id string, at time.Time) error
}

// Broadcaster pushes an event to live websocket subscribers.
type Broadcaster interface {
	Broadcast(data []byte)
}

// Emitter turns transaction state changes into durable webhook deliveries
// and live stream events. Enqueueing cancels older pending deliveries for
// the same (webhook, transaction) pair so only the freshest update ships.
type Emitter struct {
	store   EmitterStore
	hub     Broadcaster
	enabled bool
	log     *logrus.Logger
}

// NewEmitter builds the fan-out. With enabled=false only the live stream is
// fed; nothing is queued.
func NewEmitter(store EmitterStore, hub Broadcaster, enabled bool, log *logrus.Logger) *Emitter {
	return &Emitter{store: store, hub: hub, enabled: enabled, log: log}
}

// TransactionEvent fans one state change out to the live stream and to every
// matching webhook. Errors are logged per webhook and never abort the caller.
func (e *Emitter) TransactionEvent(ctx context.Context, tx *models.ActiveTransaction, changes map[string]interface{}) {
	now := time.Now().UTC()

	if e.hub != nil {
		full := models.EventPayload{
			Timestamp:   now,
			Transaction: models.Snapshot(tx, tx.Addresses),
			Changes:     changes,
		}
		if data, err := json.Marshal(full); err == nil {
			e.hub.Broadcast(data)
		}
	}

	if !e.enabled {
		return
	}

	hooks, err := e.store.ActiveWebhooks(ctx)
	if err != nil {
		e.log.WithError(err).WithField("txid", tx.TxID).Warn("Failed to load webhooks for event")
		return
	}

	for i := range hooks {
		wh := &hooks[i]
		if !wh.Matches(tx.Addresses) {
			continue
		}

		payload := models.EventPayload{
			Timestamp:   now,
			Transaction: models.Snapshot(tx, wh.FilterAddresses(tx.Addresses)),
			Changes:     changes,
		}
		if err := e.enqueue(ctx, wh, tx.TxID, payload, now); err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{
				"webhook_id": wh.ID,
				"txid":       tx.TxID,
			}).Warn("Failed to enqueue webhook delivery")
		}
	}
}

// enqueue cancels superseded pending deliveries for the pair, then inserts
// the fresh one.
func (e *Emitter) enqueue(ctx context.Context, wh *models.Webhook, txID string, payload models.EventPayload, now time.Time) error {
	if cancelled, err := e.store.CancelSuperseded(ctx, wh.ID, txID, "", now); err != nil {
		return err
	} else if cancelled > 0 {
		e.log.WithFields(logrus.Fields{
			"webhook_id": wh.ID,
			"txid":       txID,
			"cancelled":  cancelled,
		}).Debug("Superseded older pending deliveries")
	}

	del := &models.WebhookDelivery{
		ID:            uuid.NewString(),
		WebhookID:     wh.ID,
		URL:           wh.URL,
		Payload:       payload,
		TransactionID: txID,
		Status:        models.DeliveryPending,
		NextRetry:     now,
		CreatedAt:     now,
	}
	if err := e.store.InsertDelivery(ctx, del); err != nil {
		return err
	}
	return e.store.IncrementWebhookTrigger(ctx, wh.ID, now)
}
