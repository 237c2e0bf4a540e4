package db

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/satstream/bsv-monitor/pkg/models"
)

// InsertWebhook registers a new webhook.
func (s *Store) InsertWebhook(ctx context.Context, wh *models.Webhook) error {
	_, err := s.webhooks.InsertOne(ctx, wh)
	return err
}

// GetWebhook returns a webhook or nil.
func (s *Store) GetWebhook(ctx context.Context, id string) (*models.Webhook, error) {
	var doc models.Webhook
	err := s.webhooks.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListWebhooks pages the webhook collection, optionally filtered on active.
func (s *Store) ListWebhooks(ctx context.Context, active *bool, limit, offset int64) ([]models.Webhook, int64, error) {
	filter := bson.M{}
	if active != nil {
		filter["active"] = *active
	}

	total, err := s.webhooks.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	cur, err := s.webhooks.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit).SetSkip(offset))
	if err != nil {
		return nil, 0, err
	}
	defer cur.Close(ctx)

	out := make([]models.Webhook, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// UpdateWebhook applies a partial update. Returns false when the id is
// unknown.
func (s *Store) UpdateWebhook(ctx context.Context, id string, set bson.M) (bool, error) {
	res, err := s.webhooks.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

// DeleteWebhook removes a webhook. Pending deliveries are cancelled
// separately by the caller.
func (s *Store) DeleteWebhook(ctx context.Context, id string) (bool, error) {
	res, err := s.webhooks.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

// ActiveWebhooks lists every webhook eligible for event fan-out.
func (s *Store) ActiveWebhooks(ctx context.Context) ([]models.Webhook, error) {
	cur, err := s.webhooks.Find(ctx, bson.M{"active": true})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.Webhook
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// IncrementWebhookTrigger bumps trigger_count and stamps last_triggered.
func (s *Store) IncrementWebhookTrigger(ctx context.Context, id string, at time.Time) error {
	_, err := s.webhooks.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$inc": bson.M{"trigger_count": 1},
		"$set": bson.M{"last_triggered": at},
	})
	return err
}

// InsertDelivery appends a delivery to the durable queue.
func (s *Store) InsertDelivery(ctx context.Context, del *models.WebhookDelivery) error {
	_, err := s.queue.InsertOne(ctx, del)
	return err
}

// CancelSuperseded cancels every non-terminal delivery for the same
// (webhook, transaction) pair, optionally sparing one id. This is the
// coalescing primitive: after an enqueue only the freshest pending update
// per pair survives.
func (s *Store) CancelSuperseded(ctx context.Context, webhookID, txID, exceptID string, now time.Time) (int64, error) {
	if txID == "" {
		return 0, nil
	}
	filter := bson.M{
		"webhook_id":     webhookID,
		"transaction_id": txID,
		"status":         bson.M{"$in": bson.A{models.DeliveryPending, models.DeliveryRetry}},
	}
	if exceptID != "" {
		filter["_id"] = bson.M{"$ne": exceptID}
	}
	res, err := s.queue.UpdateMany(ctx, filter, bson.M{"$set": bson.M{
		"status":        models.DeliveryCancelled,
		"cancel_reason": "superseded",
		"cancelled_at":  now,
	}})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// CancelPendingForWebhook cancels all non-terminal deliveries of one webhook,
// used when the webhook itself is deleted.
func (s *Store) CancelPendingForWebhook(ctx context.Context, webhookID string, now time.Time) (int64, error) {
	res, err := s.queue.UpdateMany(ctx,
		bson.M{
			"webhook_id": webhookID,
			"status":     bson.M{"$in": bson.A{models.DeliveryPending, models.DeliveryRetry, models.DeliveryProcessing}},
		},
		bson.M{"$set": bson.M{
			"status":        models.DeliveryCancelled,
			"cancel_reason": "webhook deleted",
			"cancelled_at":  now,
		}})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// ClaimDueDeliveries atomically claims up to limit due deliveries, flipping
// each to processing. Claims are one-at-a-time FindOneAndUpdate calls so two
// dispatchers can never grab the same entry.
func (s *Store) ClaimDueDeliveries(ctx context.Context, limit int, now time.Time) ([]models.WebhookDelivery, error) {
	claimed := make([]models.WebhookDelivery, 0, limit)
	for len(claimed) < limit {
		var doc models.WebhookDelivery
		err := s.queue.FindOneAndUpdate(ctx,
			bson.M{
				"status":     bson.M{"$in": bson.A{models.DeliveryPending, models.DeliveryRetry}},
				"next_retry": bson.M{"$lte": now},
			},
			bson.M{"$set": bson.M{"status": models.DeliveryProcessing, "last_attempt": now}},
			options.FindOneAndUpdate().
				SetSort(bson.D{{Key: "next_retry", Value: 1}}).
				SetReturnDocument(options.After),
		).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, doc)
	}
	return claimed, nil
}

// CompleteDelivery marks a delivery delivered, recording the response status
// and a truncated body.
func (s *Store) CompleteDelivery(ctx context.Context, id string, status int, body string, now time.Time) error {
	_, err := s.queue.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"status":          models.DeliveryCompleted,
		"completed_at":    now,
		"response_status": status,
		"response_body":   body,
	}})
	return err
}

// RetryDelivery schedules another attempt.
func (s *Store) RetryDelivery(ctx context.Context, id string, attempts int, nextRetry time.Time, lastErr string) error {
	_, err := s.queue.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"status":     models.DeliveryRetry,
		"attempts":   attempts,
		"next_retry": nextRetry,
		"last_error": lastErr,
	}})
	return err
}

// FailDelivery terminates a delivery after exhausting retries.
func (s *Store) FailDelivery(ctx context.Context, id string, attempts int, lastErr string, now time.Time) error {
	_, err := s.queue.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"status":     models.DeliveryFailed,
		"attempts":   attempts,
		"failed_at":  now,
		"last_error": lastErr,
	}})
	return err
}

// RecentDeliveries returns the newest deliveries for one webhook.
func (s *Store) RecentDeliveries(ctx context.Context, webhookID string, limit int64) ([]models.WebhookDelivery, error) {
	cur, err := s.queue.Find(ctx, bson.M{"webhook_id": webhookID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := make([]models.WebhookDelivery, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CleanupTerminalDeliveries removes terminal records older than the cutoff,
// judged by the timestamp matching their terminal state.
func (s *Store) CleanupTerminalDeliveries(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.queue.DeleteMany(ctx, bson.M{"$or": bson.A{
		bson.M{"status": models.DeliveryCompleted, "completed_at": bson.M{"$lt": olderThan}},
		bson.M{"status": models.DeliveryFailed, "failed_at": bson.M{"$lt": olderThan}},
		bson.M{"status": models.DeliveryCancelled, "cancelled_at": bson.M{"$lt": olderThan}},
	}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
