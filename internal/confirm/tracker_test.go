package confirm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/satstream/bsv-monitor/internal/db"
	"github.com/satstream/bsv-monitor/internal/svnode"
	"github.com/satstream/bsv-monitor/pkg/models"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// fakeNode answers getblockcount / getrawtransaction from fixed maps.
type fakeNode struct {
	mu     sync.Mutex
	tip    int64
	txs    map[string]*svnode.RawTransaction
	errs   map[string]error
	tipErr error
	calls  int
}

func (n *fakeNode) GetBlockCount(_ context.Context) (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.tipErr != nil {
		return 0, n.tipErr
	}
	return n.tip, nil
}

func (n *fakeNode) GetRawTransaction(_ context.Context, txid string) (*svnode.RawTransaction, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if err, ok := n.errs[txid]; ok {
		return nil, err
	}
	if raw, ok := n.txs[txid]; ok {
		return raw, nil
	}
	return nil, &btcjson.RPCError{Code: btcjson.ErrRPCNoTxInfo, Message: "No such mempool or blockchain transaction"}
}

func minedTx(txid, blockHash string, height, confirmations int64) *svnode.RawTransaction {
	raw := &svnode.RawTransaction{BlockHeight: height}
	raw.Txid = txid
	raw.BlockHash = blockHash
	raw.Confirmations = uint64(confirmations)
	return raw
}

// fakeStore keeps active and archived records in maps.
type fakeStore struct {
	mu       sync.Mutex
	active   map[string]*models.ActiveTransaction
	archived map[string]*models.ArchivedTransaction
	activity map[string]int
}

func newFakeStore(txs ...*models.ActiveTransaction) *fakeStore {
	s := &fakeStore{
		active:   make(map[string]*models.ActiveTransaction),
		archived: make(map[string]*models.ArchivedTransaction),
		activity: make(map[string]int),
	}
	for _, tx := range txs {
		cp := *tx
		s.active[tx.TxID] = &cp
	}
	return s
}

func (s *fakeStore) PendingTransactions(_ context.Context, limit int64) ([]models.ActiveTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ActiveTransaction
	for _, tx := range s.active {
		if int64(len(out)) >= limit {
			break
		}
		if tx.Status == models.StatusPending || tx.Status == models.StatusConfirming {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (s *fakeStore) ApplyVerification(_ context.Context, txid string, v db.VerificationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.active[txid]
	if !ok {
		return nil
	}
	if v.BlockHash == nil {
		tx.BlockHeight = nil
		tx.BlockHash = nil
		tx.BlockTime = nil
		tx.Confirmations = 0
		tx.Status = models.StatusPending
	} else {
		tx.BlockHeight = v.BlockHeight
		tx.BlockHash = v.BlockHash
		tx.BlockTime = v.BlockTime
		tx.Confirmations = v.Confirmations
		tx.Status = v.Status
		if v.Hex != "" {
			tx.Hex = v.Hex
		}
	}
	vt := v.VerifiedAt
	tx.LastVerified = &vt
	return nil
}

func (s *fakeStore) ArchiveCandidates(_ context.Context, cutoffHeight int64) ([]models.ActiveTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ActiveTransaction
	for _, tx := range s.active {
		if tx.Status == models.StatusConfirming && tx.BlockHeight != nil && *tx.BlockHeight <= cutoffHeight {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (s *fakeStore) ArchiveTransaction(_ context.Context, arch *models.ArchivedTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *arch
	s.archived[arch.TxID] = &cp
	delete(s.active, arch.TxID)
	return nil
}

func (s *fakeStore) RecordAddressActivity(_ context.Context, addrs []string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range addrs {
		s.activity[a]++
	}
	return nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []map[string]interface{}
	txids  []string
}

func (r *eventRecorder) TransactionEvent(_ context.Context, tx *models.ActiveTransaction, changes map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, changes)
	r.txids = append(r.txids, tx.TxID)
}

func (r *eventRecorder) byTxID(txid string) []map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]interface{}
	for i, id := range r.txids {
		if id == txid {
			out = append(out, r.events[i])
		}
	}
	return out
}

func newTracker(store Store, node svnode.NodeClient, events Events) *Tracker {
	return NewTracker(store, node, events, Config{
		BatchSize:        100,
		Concurrency:      4,
		ArchiveThreshold: 144,
		RetryDelay:       time.Millisecond,
		MaxRetries:       3,
		ChunkPause:       -1,
	}, quietLogger())
}

func TestPendingToConfirming(t *testing.T) {
	store := newFakeStore(&models.ActiveTransaction{
		TxID: "tx1", Addresses: []string{"addr1"}, Status: models.StatusPending, FirstSeen: time.Now().UTC(),
	})
	node := &fakeNode{tip: 100010, txs: map[string]*svnode.RawTransaction{
		"tx1": minedTx("tx1", "hash1", 100001, 10),
	}}
	rec := &eventRecorder{}

	tr := newTracker(store, node, rec)
	require.NoError(t, tr.ProcessNewBlock(context.Background()))

	tx := store.active["tx1"]
	require.Equal(t, models.StatusConfirming, tx.Status)
	require.Equal(t, int64(10), tx.Confirmations)
	require.Equal(t, int64(100001), *tx.BlockHeight)
	require.Equal(t, "hash1", *tx.BlockHash)

	events := rec.byTxID("tx1")
	require.Len(t, events, 1)
	require.Equal(t, models.StatusConfirming, events[0]["status"])
	require.Equal(t, int64(10), events[0]["confirmations"])
}

func TestZeroConfirmationsStaysPending(t *testing.T) {
	// A racing tip can make the node report a block hash with zero
	// confirmations; the record keeps its block fields but must not claim
	// confirming until at least one confirmation exists.
	store := newFakeStore(&models.ActiveTransaction{
		TxID: "tx1", Addresses: []string{"addr1"}, Status: models.StatusPending, FirstSeen: time.Now().UTC(),
	})
	node := &fakeNode{tip: 100000, txs: map[string]*svnode.RawTransaction{
		"tx1": minedTx("tx1", "hash1", 100001, 0),
	}}
	rec := &eventRecorder{}

	tr := newTracker(store, node, rec)
	require.NoError(t, tr.ProcessNewBlock(context.Background()))

	tx := store.active["tx1"]
	require.Equal(t, models.StatusPending, tx.Status)
	require.Zero(t, tx.Confirmations)
	require.Equal(t, "hash1", *tx.BlockHash)
	require.Empty(t, rec.byTxID("tx1"), "pending to pending is not a state change")
}

func TestNoEventWhenNothingChanged(t *testing.T) {
	height := int64(100001)
	hash := "hash1"
	store := newFakeStore(&models.ActiveTransaction{
		TxID: "tx1", Addresses: []string{"addr1"}, Status: models.StatusConfirming,
		BlockHeight: &height, BlockHash: &hash, Confirmations: 10, FirstSeen: time.Now().UTC(),
	})
	node := &fakeNode{tip: 100010, txs: map[string]*svnode.RawTransaction{
		"tx1": minedTx("tx1", "hash1", 100001, 10),
	}}
	rec := &eventRecorder{}

	tr := newTracker(store, node, rec)
	require.NoError(t, tr.ProcessNewBlock(context.Background()))
	require.Empty(t, rec.events)
}

func TestArchiveBoundary(t *testing.T) {
	height := int64(100000)
	hash := "blockhash"
	base := &models.ActiveTransaction{
		TxID: "tx1", Addresses: []string{"addr1"}, Status: models.StatusConfirming,
		BlockHeight: &height, BlockHash: &hash, Confirmations: 143, FirstSeen: time.Now().UTC(),
	}

	// 143 confirmations: one short of the threshold, stays active.
	store := newFakeStore(base)
	node := &fakeNode{tip: 100142, txs: map[string]*svnode.RawTransaction{
		"tx1": minedTx("tx1", "blockhash", 100000, 143),
	}}
	tr := newTracker(store, node, nil)
	require.NoError(t, tr.ProcessNewBlock(context.Background()))
	require.Contains(t, store.active, "tx1")
	require.Empty(t, store.archived)

	// One block later: exactly 144, archived with the final figures.
	node.tip = 100143
	node.txs["tx1"] = minedTx("tx1", "blockhash", 100000, 144)
	require.NoError(t, tr.ProcessNewBlock(context.Background()))

	require.NotContains(t, store.active, "tx1")
	arch := store.archived["tx1"]
	require.NotNil(t, arch)
	require.Equal(t, int64(144), arch.FinalConfirmations)
	require.Equal(t, int64(100143), arch.ArchiveHeight)
	require.Equal(t, int64(100000), arch.BlockHeight)
	require.Equal(t, "blockhash", arch.BlockHash)
	require.Equal(t, 1, store.activity["addr1"])
}

func TestArchiveEmitsEvent(t *testing.T) {
	height := int64(100000)
	hash := "blockhash"
	store := newFakeStore(&models.ActiveTransaction{
		TxID: "tx1", Addresses: []string{"addr1"}, Status: models.StatusConfirming,
		BlockHeight: &height, BlockHash: &hash, Confirmations: 144, FirstSeen: time.Now().UTC(),
	})
	node := &fakeNode{tip: 100143, txs: map[string]*svnode.RawTransaction{
		"tx1": minedTx("tx1", "blockhash", 100000, 144),
	}}
	rec := &eventRecorder{}

	tr := newTracker(store, node, rec)
	require.NoError(t, tr.ProcessNewBlock(context.Background()))

	events := rec.byTxID("tx1")
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, "archived", last["status"])
	require.Equal(t, int64(144), last["confirmations"])
}

func TestReorgRevertsToPending(t *testing.T) {
	height := int64(100001)
	hash := "orphaned"
	store := newFakeStore(&models.ActiveTransaction{
		TxID: "tx1", Addresses: []string{"addr1"}, Status: models.StatusConfirming,
		BlockHeight: &height, BlockHash: &hash, Confirmations: 2, FirstSeen: time.Now().UTC(),
	})
	unmined := &svnode.RawTransaction{}
	unmined.Txid = "tx1"
	node := &fakeNode{tip: 100003, txs: map[string]*svnode.RawTransaction{"tx1": unmined}}
	rec := &eventRecorder{}

	tr := newTracker(store, node, rec)
	require.NoError(t, tr.ProcessNewBlock(context.Background()))

	tx := store.active["tx1"]
	require.Equal(t, models.StatusPending, tx.Status)
	require.Zero(t, tx.Confirmations)
	require.Nil(t, tx.BlockHeight)
	require.Nil(t, tx.BlockHash)

	events := rec.byTxID("tx1")
	require.Len(t, events, 1)
	require.Equal(t, models.StatusPending, events[0]["status"])
	require.Equal(t, int64(1), tr.Snapshot().Reorgs)
}

func TestLookupFailureQueuesRetry(t *testing.T) {
	store := newFakeStore(&models.ActiveTransaction{
		TxID: "tx1", Addresses: []string{"addr1"}, Status: models.StatusPending, FirstSeen: time.Now().UTC(),
	})
	node := &fakeNode{tip: 100000, errs: map[string]error{
		"tx1": &btcjson.RPCError{Code: btcjson.ErrRPCNoTxInfo, Message: "not found"},
	}}

	tr := newTracker(store, node, nil)
	require.NoError(t, tr.ProcessNewBlock(context.Background()))

	// The record is untouched and a retry is queued.
	require.Equal(t, models.StatusPending, store.active["tx1"].Status)
	require.Equal(t, 1, tr.Snapshot().RetryQueued)
	require.Equal(t, int64(1), tr.Snapshot().Failures)
}

func TestTipFailureAbortsCycle(t *testing.T) {
	store := newFakeStore(&models.ActiveTransaction{
		TxID: "tx1", Status: models.StatusPending, FirstSeen: time.Now().UTC(),
	})
	node := &fakeNode{tipErr: svnode.ErrRPCUnavailable}

	tr := newTracker(store, node, nil)
	err := tr.ProcessNewBlock(context.Background())
	require.ErrorIs(t, err, svnode.ErrRPCUnavailable)
	require.Zero(t, node.calls, "no lookups without a tip")
}

func TestSingleFlight(t *testing.T) {
	store := newFakeStore()
	node := &fakeNode{tip: 100000}
	tr := newTracker(store, node, nil)

	tr.inProgress.Store(true)
	err := tr.ProcessNewBlock(context.Background())
	require.ErrorIs(t, err, ErrCycleInProgress)
	tr.inProgress.Store(false)
}

func TestHistoricalRecordGainsBlockHash(t *testing.T) {
	// Backfilled records carry a height but no hash until the first
	// verification fills it in.
	height := int64(99000)
	store := newFakeStore(&models.ActiveTransaction{
		TxID: "tx1", Addresses: []string{"addr1"}, Status: models.StatusConfirming,
		BlockHeight: &height, Confirmations: 50, IsHistorical: true, FirstSeen: time.Now().UTC(),
	})
	node := &fakeNode{tip: 99050, txs: map[string]*svnode.RawTransaction{
		"tx1": minedTx("tx1", "filledhash", 99000, 51),
	}}

	tr := newTracker(store, node, nil)
	require.NoError(t, tr.ProcessNewBlock(context.Background()))

	tx := store.active["tx1"]
	require.NotNil(t, tx.BlockHash)
	require.Equal(t, "filledhash", *tx.BlockHash)
	require.Equal(t, int64(51), tx.Confirmations)
	require.True(t, tx.IsHistorical)
}
