package db

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names. The control surface and the pipeline share these; every
// write outside address/webhook CRUD originates in the pipeline.
const (
	collAddresses = "trackedAddresses"
	collActive    = "activeTransactions"
	collArchived  = "archivedTransactions"
	collWebhooks  = "webhooks"
	collQueue     = "webhookQueue"
)

// Store wraps the MongoDB collections behind typed accessors. The pipeline
// packages consume narrow interfaces satisfied by this type.
type Store struct {
	client    *mongo.Client
	addresses *mongo.Collection
	active    *mongo.Collection
	archived  *mongo.Collection
	webhooks  *mongo.Collection
	queue     *mongo.Collection
	log       *logrus.Logger
}

// Connect dials MongoDB and pings it once. Store connectivity is a hard
// startup requirement; callers treat an error here as fatal.
func Connect(ctx context.Context, url, database string, log *logrus.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("unable to connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("mongodb ping failed: %w", err)
	}

	db := client.Database(database)
	log.WithField("database", database).Info("Connected to MongoDB")

	return &Store{
		client:    client,
		addresses: db.Collection(collAddresses),
		active:    db.Collection(collActive),
		archived:  db.Collection(collArchived),
		webhooks:  db.Collection(collWebhooks),
		queue:     db.Collection(collQueue),
		log:       log,
	}, nil
}

// Close releases the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates the secondary indexes the query paths rely on.
// Index creation is idempotent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.addresses.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "active", Value: 1}}},
		{Keys: bson.D{{Key: "historical_fetched", Value: 1}}},
		{Keys: bson.D{{Key: "active", Value: 1}, {Key: "historical_fetched", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("address indexes: %w", err)
	}

	_, err = s.active.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "addresses", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "block_height", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "block_height", Value: 1}}},
		{Keys: bson.D{{Key: "first_seen", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("active tx indexes: %w", err)
	}

	_, err = s.archived.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "addresses", Value: 1}}},
		{Keys: bson.D{{Key: "archived_at", Value: -1}}},
		{Keys: bson.D{{Key: "block_height", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("archived tx indexes: %w", err)
	}

	_, err = s.queue.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "webhook_id", Value: 1}, {Key: "transaction_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_retry", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("webhook queue indexes: %w", err)
	}

	s.log.Info("MongoDB indexes ensured")
	return nil
}

// Counts is the store-level portion of the /stats snapshot.
type Counts struct {
	WatchedAddresses     int64 `json:"watchedAddresses"`
	ActiveAddresses      int64 `json:"activeAddresses"`
	ActiveTransactions   int64 `json:"activeTransactions"`
	ArchivedTransactions int64 `json:"archivedTransactions"`
	Webhooks             int64 `json:"webhooks"`
	PendingDeliveries    int64 `json:"pendingDeliveries"`
}

// Stats gathers collection counts.
func (s *Store) Stats(ctx context.Context) (*Counts, error) {
	var (
		c   Counts
		err error
	)
	if c.WatchedAddresses, err = s.addresses.CountDocuments(ctx, bson.M{}); err != nil {
		return nil, err
	}
	if c.ActiveAddresses, err = s.addresses.CountDocuments(ctx, bson.M{"active": true}); err != nil {
		return nil, err
	}
	if c.ActiveTransactions, err = s.active.CountDocuments(ctx, bson.M{}); err != nil {
		return nil, err
	}
	if c.ArchivedTransactions, err = s.archived.CountDocuments(ctx, bson.M{}); err != nil {
		return nil, err
	}
	if c.Webhooks, err = s.webhooks.CountDocuments(ctx, bson.M{}); err != nil {
		return nil, err
	}
	if c.PendingDeliveries, err = s.queue.CountDocuments(ctx, bson.M{"status": bson.M{"$in": bson.A{"pending", "retry"}}}); err != nil {
		return nil, err
	}
	return &c, nil
}
