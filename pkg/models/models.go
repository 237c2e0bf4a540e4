package models

import "time"

// Transaction lifecycle states. A transaction enters the pipeline as
// StatusPending, moves to StatusConfirming once a verification reveals its
// block, and leaves the active collection entirely when archived.
const (
	StatusPending    = "pending"
	StatusConfirming = "confirming"
)

// Webhook delivery states. Completed, failed and cancelled are terminal.
const (
	DeliveryPending    = "pending"
	DeliveryProcessing = "processing"
	DeliveryRetry      = "retry"
	DeliveryCompleted  = "completed"
	DeliveryFailed     = "failed"
	DeliveryCancelled  = "cancelled"
)

// WatchedAddress is a monitored base58 address. The address string itself is
// the document id.
type WatchedAddress struct {
	Address             string            `bson:"_id" json:"address"`
	Active              bool              `bson:"active" json:"active"`
	CreatedAt           time.Time         `bson:"created_at" json:"created_at"`
	LastActivity        *time.Time        `bson:"last_activity,omitempty" json:"last_activity,omitempty"`
	TransactionCount    int64             `bson:"transaction_count" json:"transaction_count"`
	HistoricalFetched   bool              `bson:"historical_fetched" json:"historical_fetched"`
	HistoricalFetchedAt *time.Time        `bson:"historical_fetched_at,omitempty" json:"historical_fetched_at,omitempty"`
	Label               string            `bson:"label,omitempty" json:"label,omitempty"`
	Metadata            map[string]string `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

// ActiveTransaction is a transaction touching at least one watched address
// that has not yet reached the archive threshold. Keyed by txid.
type ActiveTransaction struct {
	TxID          string     `bson:"_id" json:"_id"`
	Addresses     []string   `bson:"addresses" json:"addresses"`
	BlockHeight   *int64     `bson:"block_height,omitempty" json:"block_height,omitempty"`
	BlockHash     *string    `bson:"block_hash,omitempty" json:"block_hash,omitempty"`
	BlockTime     *time.Time `bson:"block_time,omitempty" json:"block_time,omitempty"`
	Confirmations int64      `bson:"confirmations" json:"confirmations"`
	FirstSeen     time.Time  `bson:"first_seen" json:"first_seen"`
	Status        string     `bson:"status" json:"status"`
	IsHistorical  bool       `bson:"is_historical" json:"is_historical"`
	LastVerified  *time.Time `bson:"last_verified,omitempty" json:"last_verified,omitempty"`
	Hex           string     `bson:"hex,omitempty" json:"hex,omitempty"`
}

// ArchivedTransaction mirrors an ActiveTransaction that crossed the archive
// threshold. Insertion here and deletion from the active collection happen
// together; the same txid never lives in both.
type ArchivedTransaction struct {
	TxID               string    `bson:"_id" json:"_id"`
	Addresses          []string  `bson:"addresses" json:"addresses"`
	BlockHeight        int64     `bson:"block_height" json:"block_height"`
	BlockHash          string    `bson:"block_hash" json:"block_hash"`
	FinalConfirmations int64     `bson:"final_confirmations" json:"final_confirmations"`
	FirstSeen          time.Time `bson:"first_seen" json:"first_seen"`
	IsHistorical       bool      `bson:"is_historical" json:"is_historical"`
	ArchivedAt         time.Time `bson:"archived_at" json:"archived_at"`
	ArchiveHeight      int64     `bson:"archive_height" json:"archive_height"`
}

// Webhook is a registered event receiver. MonitorAll webhooks carry an empty
// address set and receive events for every tracked transaction.
type Webhook struct {
	ID            string     `bson:"_id" json:"id"`
	URL           string     `bson:"url" json:"url"`
	Addresses     []string   `bson:"addresses" json:"addresses"`
	MonitorAll    bool       `bson:"monitor_all" json:"monitor_all"`
	Active        bool       `bson:"active" json:"active"`
	CreatedAt     time.Time  `bson:"created_at" json:"created_at"`
	TriggerCount  int64      `bson:"trigger_count" json:"trigger_count"`
	LastTriggered *time.Time `bson:"last_triggered,omitempty" json:"last_triggered,omitempty"`
}

// Matches reports whether the webhook should receive an event for a
// transaction touching the given addresses.
func (w *Webhook) Matches(addresses []string) bool {
	if w.MonitorAll {
		return true
	}
	for _, a := range w.Addresses {
		for _, b := range addresses {
			if a == b {
				return true
			}
		}
	}
	return false
}

// FilterAddresses returns the intersection of the webhook's own addresses
// with the transaction's, or the full set for monitor-all webhooks.
func (w *Webhook) FilterAddresses(addresses []string) []string {
	if w.MonitorAll {
		return addresses
	}
	own := make(map[string]struct{}, len(w.Addresses))
	for _, a := range w.Addresses {
		own[a] = struct{}{}
	}
	out := make([]string, 0, len(addresses))
	for _, a := range addresses {
		if _, ok := own[a]; ok {
			out = append(out, a)
		}
	}
	return out
}

// TransactionSnapshot is the transaction view embedded in webhook payloads.
type TransactionSnapshot struct {
	TxID          string    `bson:"_id" json:"_id"`
	Addresses     []string  `bson:"addresses" json:"addresses"`
	Confirmations int64     `bson:"confirmations" json:"confirmations"`
	Status        string    `bson:"status" json:"status"`
	BlockHeight   *int64    `bson:"block_height,omitempty" json:"block_height,omitempty"`
	BlockHash     *string   `bson:"block_hash,omitempty" json:"block_hash,omitempty"`
	FirstSeen     time.Time `bson:"first_seen" json:"first_seen"`
}

// EventPayload is the JSON body POSTed to webhook receivers and broadcast on
// the websocket stream. Changes holds only the fields that moved.
type EventPayload struct {
	Timestamp   time.Time              `bson:"timestamp" json:"timestamp"`
	Transaction TransactionSnapshot    `bson:"transaction" json:"transaction"`
	Changes     map[string]interface{} `bson:"changes" json:"changes"`
}

// WebhookDelivery is one durable queue entry. Coalescing guarantees at most
// one non-terminal delivery per (webhook_id, transaction_id).
type WebhookDelivery struct {
	ID             string       `bson:"_id" json:"id"`
	WebhookID      string       `bson:"webhook_id" json:"webhook_id"`
	URL            string       `bson:"url" json:"url"`
	Payload        EventPayload `bson:"payload" json:"payload"`
	TransactionID  string       `bson:"transaction_id,omitempty" json:"transaction_id,omitempty"`
	Status         string       `bson:"status" json:"status"`
	Attempts       int          `bson:"attempts" json:"attempts"`
	NextRetry      time.Time    `bson:"next_retry" json:"next_retry"`
	LastError      string       `bson:"last_error,omitempty" json:"last_error,omitempty"`
	CancelReason   string       `bson:"cancel_reason,omitempty" json:"cancel_reason,omitempty"`
	ResponseStatus int          `bson:"response_status,omitempty" json:"response_status,omitempty"`
	ResponseBody   string       `bson:"response_body,omitempty" json:"response_body,omitempty"`
	CreatedAt      time.Time    `bson:"created_at" json:"created_at"`
	LastAttempt    *time.Time   `bson:"last_attempt,omitempty" json:"last_attempt,omitempty"`
	CompletedAt    *time.Time   `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
	FailedAt       *time.Time   `bson:"failed_at,omitempty" json:"failed_at,omitempty"`
	CancelledAt    *time.Time   `bson:"cancelled_at,omitempty" json:"cancelled_at,omitempty"`
}

// Snapshot builds the webhook payload view of an active transaction.
func Snapshot(tx *ActiveTransaction, addresses []string) TransactionSnapshot {
	return TransactionSnapshot{
		TxID:          tx.TxID,
		Addresses:     addresses,
		Confirmations: tx.Confirmations,
		Status:        tx.Status,
		BlockHeight:   tx.BlockHeight,
		BlockHash:     tx.BlockHash,
		FirstSeen:     tx.FirstSeen,
	}
}
