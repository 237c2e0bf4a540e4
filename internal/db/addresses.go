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

// ActiveAddressList streams every active address id. Used by the membership
// set's initial load.
func (s *Store) ActiveAddressList(ctx context.Context) ([]string, error) {
	cur, err := s.addresses.Find(ctx, bson.M{"active": true},
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var addrs []string
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		addrs = append(addrs, doc.ID)
	}
	return addrs, cur.Err()
}

// GetWatchedAddress returns the address record or nil when unknown.
func (s *Store) GetWatchedAddress(ctx context.Context, addr string) (*models.WatchedAddress, error) {
	var doc models.WatchedAddress
	err := s.addresses.FindOne(ctx, bson.M{"_id": addr}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// ActiveWatchedAddresses loads the records for the given addresses that are
// currently active. The intake path uses this to confirm membership-set hits
// against the store.
func (s *Store) ActiveWatchedAddresses(ctx context.Context, addrs []string) ([]models.WatchedAddress, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	cur, err := s.addresses.Find(ctx, bson.M{"_id": bson.M{"$in": addrs}, "active": true})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.WatchedAddress
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// InsertWatchedAddress inserts a new address record. Duplicate ids fail with
// a driver duplicate-key error the caller can detect.
func (s *Store) InsertWatchedAddress(ctx context.Context, addr *models.WatchedAddress) error {
	_, err := s.addresses.InsertOne(ctx, addr)
	return err
}

// DeactivateAddress flips an address to inactive. Returns false when the
// address is unknown.
func (s *Store) DeactivateAddress(ctx context.Context, addr string) (bool, error) {
	res, err := s.addresses.UpdateOne(ctx,
		bson.M{"_id": addr},
		bson.M{"$set": bson.M{"active": false}})
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

// MarkForRefetch reactivates an address and clears its backfill marker so the
// next sweep re-pages its history.
func (s *Store) MarkForRefetch(ctx context.Context, addr string) error {
	_, err := s.addresses.UpdateOne(ctx,
		bson.M{"_id": addr},
		bson.M{
			"$set":   bson.M{"active": true, "historical_fetched": false},
			"$unset": bson.M{"historical_fetched_at": ""},
		})
	return err
}

// RecordAddressActivity bumps transaction_count and last_activity for every
// given address.
func (s *Store) RecordAddressActivity(ctx context.Context, addrs []string, at time.Time) error {
	if len(addrs) == 0 {
		return nil
	}
	_, err := s.addresses.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": addrs}},
		bson.M{
			"$inc": bson.M{"transaction_count": 1},
			"$set": bson.M{"last_activity": at},
		})
	return err
}

// MarkHistoricalFetched stamps the backfill marker, also when zero history
// came back.
func (s *Store) MarkHistoricalFetched(ctx context.Context, addr string, at time.Time) error {
	_, err := s.addresses.UpdateOne(ctx,
		bson.M{"_id": addr},
		bson.M{"$set": bson.M{"historical_fetched": true, "historical_fetched_at": at}})
	return err
}

// AddressesNeedingBackfill lists active addresses whose history has not been
// fetched yet; consumed by the startup sweep.
func (s *Store) AddressesNeedingBackfill(ctx context.Context) ([]string, error) {
	cur, err := s.addresses.Find(ctx,
		bson.M{"active": true, "historical_fetched": bson.M{"$ne": true}},
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var addrs []string
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		addrs = append(addrs, doc.ID)
	}
	return addrs, cur.Err()
}

// ListWatchedAddresses pages the address collection, optionally filtered on
// the active flag.
func (s *Store) ListWatchedAddresses(ctx context.Context, active *bool, limit, offset int64) ([]models.WatchedAddress, int64, error) {
	filter := bson.M{}
	if active != nil {
		filter["active"] = *active
	}

	total, err := s.addresses.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	cur, err := s.addresses.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit).SetSkip(offset))
	if err != nil {
		return nil, 0, err
	}
	defer cur.Close(ctx)

	out := make([]models.WatchedAddress, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// IsDuplicateKey reports whether err is a unique-index violation. Exposed so
// handlers need not import the driver.
func IsDuplicateKey(err error) bool {
	return mongo.IsDuplicateKeyError(err)
}
