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

// UpsertActiveTransaction records a freshly broadcast transaction. On a
// pre-existing id the first_seen and block fields are preserved and the
// address set is unioned; deduplication rides on the primary key. The added
// slice holds the addresses this call contributed to the record — all of
// them on a fresh insert, possibly none on a plain rebroadcast.
func (s *Store) UpsertActiveTransaction(ctx context.Context, txid string, addrs []string, txHex string, now time.Time) (*models.ActiveTransaction, []string, error) {
	setOnInsert := bson.M{
		"first_seen":    now,
		"status":        models.StatusPending,
		"confirmations": int64(0),
		"is_historical": false,
	}
	if txHex != "" {
		setOnInsert["hex"] = txHex
	}

	// Reading the pre-image is what lets the caller tell a first sighting
	// (no prior document) from a rebroadcast, and diff the address set.
	var before models.ActiveTransaction
	err := s.active.FindOneAndUpdate(ctx,
		bson.M{"_id": txid},
		bson.M{
			"$setOnInsert": setOnInsert,
			"$addToSet":    bson.M{"addresses": bson.M{"$each": addrs}},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.Before),
	).Decode(&before)
	if errors.Is(err, mongo.ErrNoDocuments) {
		doc := &models.ActiveTransaction{
			TxID:      txid,
			Addresses: append([]string(nil), addrs...),
			FirstSeen: now,
			Status:    models.StatusPending,
			Hex:       txHex,
		}
		return doc, append([]string(nil), addrs...), nil
	}
	if err != nil {
		return nil, nil, err
	}

	prior := make(map[string]struct{}, len(before.Addresses))
	for _, a := range before.Addresses {
		prior[a] = struct{}{}
	}
	doc := before
	var added []string
	for _, a := range addrs {
		if _, ok := prior[a]; !ok {
			added = append(added, a)
			doc.Addresses = append(doc.Addresses, a)
		}
	}
	return &doc, added, nil
}

// PendingTransactions fetches unarchived transactions for a verification
// cycle, oldest first, capped at limit.
func (s *Store) PendingTransactions(ctx context.Context, limit int64) ([]models.ActiveTransaction, error) {
	cur, err := s.active.Find(ctx,
		bson.M{"status": bson.M{"$in": bson.A{models.StatusPending, models.StatusConfirming}}},
		options.Find().SetSort(bson.D{{Key: "first_seen", Value: 1}}).SetLimit(limit))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.ActiveTransaction
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// VerificationUpdate carries the outcome of one getrawtransaction check.
// A nil BlockHash means the transaction is not (or no longer) in a block;
// the block fields are cleared and the record reverts to pending.
type VerificationUpdate struct {
	BlockHeight   *int64
	BlockHash     *string
	BlockTime     *time.Time
	Confirmations int64
	Status        string
	Hex           string
	VerifiedAt    time.Time
}

// ApplyVerification writes a verification outcome atomically. first_seen is
// never touched, so it cannot regress under concurrent writers.
func (s *Store) ApplyVerification(ctx context.Context, txid string, v VerificationUpdate) error {
	var update bson.M
	if v.BlockHash == nil {
		// Reorg or still unmined: clear block linkage.
		update = bson.M{
			"$set": bson.M{
				"confirmations": int64(0),
				"status":        models.StatusPending,
				"last_verified": v.VerifiedAt,
			},
			"$unset": bson.M{"block_height": "", "block_hash": "", "block_time": ""},
		}
	} else {
		set := bson.M{
			"block_height":  *v.BlockHeight,
			"block_hash":    *v.BlockHash,
			"confirmations": v.Confirmations,
			"status":        v.Status,
			"last_verified": v.VerifiedAt,
		}
		if v.BlockTime != nil {
			set["block_time"] = *v.BlockTime
		}
		if v.Hex != "" {
			set["hex"] = v.Hex
		}
		update = bson.M{"$set": set}
	}

	_, err := s.active.UpdateOne(ctx, bson.M{"_id": txid}, update)
	return err
}

// ArchiveCandidates lists confirming transactions whose block is at or below
// the cutoff height, i.e. mature enough to archive.
func (s *Store) ArchiveCandidates(ctx context.Context, cutoffHeight int64) ([]models.ActiveTransaction, error) {
	cur, err := s.active.Find(ctx, bson.M{
		"status":       models.StatusConfirming,
		"block_height": bson.M{"$lte": cutoffHeight},
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.ActiveTransaction
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ArchiveTransaction inserts the mirror archived record and removes the
// active one. A duplicate archived id (crash between the two steps on a
// previous run) is tolerated.
func (s *Store) ArchiveTransaction(ctx context.Context, arch *models.ArchivedTransaction) error {
	if _, err := s.archived.InsertOne(ctx, arch); err != nil && !mongo.IsDuplicateKeyError(err) {
		return err
	}
	_, err := s.active.DeleteOne(ctx, bson.M{"_id": arch.TxID})
	return err
}

// GetActiveTransaction returns the active record or nil.
func (s *Store) GetActiveTransaction(ctx context.Context, txid string) (*models.ActiveTransaction, error) {
	var doc models.ActiveTransaction
	err := s.active.FindOne(ctx, bson.M{"_id": txid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// GetArchivedTransaction returns the archived record or nil.
func (s *Store) GetArchivedTransaction(ctx context.Context, txid string) (*models.ArchivedTransaction, error) {
	var doc models.ArchivedTransaction
	err := s.archived.FindOne(ctx, bson.M{"_id": txid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// TransactionKnown reports whether the txid exists in either collection. The
// backfill uses this to avoid re-inserting on-chain data already seen.
func (s *Store) TransactionKnown(ctx context.Context, txid string) (bool, error) {
	n, err := s.active.CountDocuments(ctx, bson.M{"_id": txid}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	n, err = s.archived.CountDocuments(ctx, bson.M{"_id": txid}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListActiveTransactions pages active transactions, optionally filtered by
// status, most recent first.
func (s *Store) ListActiveTransactions(ctx context.Context, status string, limit, offset int64) ([]models.ActiveTransaction, int64, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}

	total, err := s.active.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	cur, err := s.active.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "first_seen", Value: -1}}).SetLimit(limit).SetSkip(offset))
	if err != nil {
		return nil, 0, err
	}
	defer cur.Close(ctx)

	out := make([]models.ActiveTransaction, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// RecentTransactionsForAddress returns the newest active transactions
// touching an address.
func (s *Store) RecentTransactionsForAddress(ctx context.Context, addr string, limit int64) ([]models.ActiveTransaction, error) {
	cur, err := s.active.Find(ctx, bson.M{"addresses": addr},
		options.Find().SetSort(bson.D{{Key: "first_seen", Value: -1}}).SetLimit(limit))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := make([]models.ActiveTransaction, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BulkInsertActive inserts backfilled active records unordered so duplicate
// keys from concurrent intake are survivable. Returns the inserted count.
func (s *Store) BulkInsertActive(ctx context.Context, docs []models.ActiveTransaction) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	wm := make([]mongo.WriteModel, len(docs))
	for i := range docs {
		wm[i] = mongo.NewInsertOneModel().SetDocument(docs[i])
	}
	res, err := s.active.BulkWrite(ctx, wm, options.BulkWrite().SetOrdered(false))
	return bulkInserted(res, err)
}

// BulkInsertArchived is BulkInsertActive for the archived collection.
func (s *Store) BulkInsertArchived(ctx context.Context, docs []models.ArchivedTransaction) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	wm := make([]mongo.WriteModel, len(docs))
	for i := range docs {
		wm[i] = mongo.NewInsertOneModel().SetDocument(docs[i])
	}
	res, err := s.archived.BulkWrite(ctx, wm, options.BulkWrite().SetOrdered(false))
	return bulkInserted(res, err)
}

// bulkInserted swallows pure duplicate-key bulk errors; anything else
// propagates.
func bulkInserted(res *mongo.BulkWriteResult, err error) (int, error) {
	if err == nil {
		return int(res.InsertedCount), nil
	}
	var bulkErr mongo.BulkWriteException
	if errors.As(err, &bulkErr) {
		for _, we := range bulkErr.WriteErrors {
			if we.Code != 11000 { // duplicate key
				return 0, err
			}
		}
		if res != nil {
			return int(res.InsertedCount), nil
		}
		return 0, nil
	}
	return 0, err
}
