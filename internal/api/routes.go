package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/satstream/bsv-monitor/internal/config"
	"github.com/satstream/bsv-monitor/internal/confirm"
	"github.com/satstream/bsv-monitor/internal/db"
	"github.com/satstream/bsv-monitor/internal/history"
	"github.com/satstream/bsv-monitor/internal/intake"
	"github.com/satstream/bsv-monitor/internal/watchlist"
	"github.com/satstream/bsv-monitor/internal/webhook"
	"github.com/satstream/bsv-monitor/internal/zmqfeed"
	"github.com/satstream/bsv-monitor/pkg/models"
)

// Store is the slice of the store the REST surface consumes.
type Store interface {
	GetWatchedAddress(ctx context.Context, addr string) (*models.WatchedAddress, error)
	InsertWatchedAddress(ctx context.Context, addr *models.WatchedAddress) error
	MarkForRefetch(ctx context.Context, addr string) error
	DeactivateAddress(ctx context.Context, addr string) (bool, error)
	ListWatchedAddresses(ctx context.Context, active *bool, limit, offset int64) ([]models.WatchedAddress, int64, error)
	RecentTransactionsForAddress(ctx context.Context, addr string, limit int64) ([]models.ActiveTransaction, error)

	ListActiveTransactions(ctx context.Context, status string, limit, offset int64) ([]models.ActiveTransaction, int64, error)
	GetActiveTransaction(ctx context.Context, txid string) (*models.ActiveTransaction, error)
	GetArchivedTransaction(ctx context.Context, txid string) (*models.ArchivedTransaction, error)

	InsertWebhook(ctx context.Context, wh *models.Webhook) error
	GetWebhook(ctx context.Context, id string) (*models.Webhook, error)
	ListWebhooks(ctx context.Context, active *bool, limit, offset int64) ([]models.Webhook, int64, error)
	UpdateWebhook(ctx context.Context, id string, set bson.M) (bool, error)
	DeleteWebhook(ctx context.Context, id string) (bool, error)
	RecentDeliveries(ctx context.Context, webhookID string, limit int64) ([]models.WebhookDelivery, error)
	CancelPendingForWebhook(ctx context.Context, webhookID string, now time.Time) (int64, error)

	Stats(ctx context.Context) (*db.Counts, error)
}

var _ Store = (*db.Store)(nil)

// APIHandler bundles the collaborators the REST surface drives.
type APIHandler struct {
	cfg        *config.Config
	store      Store
	watch      *watchlist.Set
	tracker    *confirm.Tracker
	backfill   *history.Backfiller
	dispatcher *webhook.Dispatcher
	ingest     *intake.Processor
	listeners  []*zmqfeed.Listener
	wsHub      *Hub
	log        *logrus.Logger
}

// NewHandler builds the handler set.
func NewHandler(cfg *config.Config, store Store, watch *watchlist.Set, tracker *confirm.Tracker,
	backfill *history.Backfiller, dispatcher *webhook.Dispatcher, ingest *intake.Processor,
	listeners []*zmqfeed.Listener, wsHub *Hub, log *logrus.Logger) *APIHandler {
	return &APIHandler{
		cfg:        cfg,
		store:      store,
		watch:      watch,
		tracker:    tracker,
		backfill:   backfill,
		dispatcher: dispatcher,
		ingest:     ingest,
		listeners:  listeners,
		wsHub:      wsHub,
		log:        log,
	}
}

// SetupRouter wires middleware and routes onto a gin engine.
func SetupRouter(h *APIHandler) *gin.Engine {
	r := gin.Default()

	// CORS — configurable via ALLOWED_ORIGINS (comma separated), * by default.
	allowedOrigins := h.cfg.AllowedOrigins
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-API-Key, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	// Liveness stays outside auth and rate limiting.
	r.GET("/health", h.handleHealth)

	limiter := NewRateLimiter(h.cfg.APIRateLimitPerMin, h.cfg.APIRateLimitPerMin, h.log)

	protected := r.Group("/")
	protected.Use(limiter.Middleware())
	protected.Use(APIKeyMiddleware(h.cfg.APIKey, h.cfg.RequireAPIKey, h.log))
	{
		protected.POST("/addresses", h.handleAddAddresses)
		protected.GET("/addresses", h.handleListAddresses)
		protected.GET("/addresses/:addr", h.handleGetAddress)
		protected.DELETE("/addresses/:addr", h.handleRemoveAddress)

		protected.GET("/transactions", h.handleListTransactions)
		protected.GET("/transaction/:txid", h.handleGetTransaction)

		protected.GET("/stats", h.handleStats)
		protected.POST("/trigger/confirmations", h.handleTriggerConfirmations)

		protected.POST("/webhooks", h.handleCreateWebhook)
		protected.GET("/webhooks", h.handleListWebhooks)
		protected.GET("/webhooks/:id", h.handleGetWebhook)
		protected.PUT("/webhooks/:id", h.handleUpdateWebhook)
		protected.DELETE("/webhooks/:id", h.handleDeleteWebhook)

		protected.GET("/stream", h.wsHub.Subscribe)
	}

	return r
}

// handleHealth returns liveness plus a few cheap facts.
func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"network":   h.cfg.Network,
		"watched":   h.watch.Size(),
	})
}

// handleStats aggregates store counts with the per-subsystem snapshots.
func (h *APIHandler) handleStats(c *gin.Context) {
	counts, err := h.store.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read store counts", "message": err.Error()})
		return
	}

	zmq := make([]zmqfeed.Stats, 0, len(h.listeners))
	for _, l := range h.listeners {
		zmq = append(zmq, l.Snapshot())
	}

	c.JSON(http.StatusOK, gin.H{
		"store":          counts,
		"membership_set": h.watch.Size(),
		"intake":         h.ingest.Snapshot(),
		"confirmations":  h.tracker.Snapshot(),
		"webhooks":       h.dispatcher.Snapshot(),
		"backfill":       h.backfill.Snapshot(),
		"zmq":            zmq,
	})
}

// handleTriggerConfirmations runs one confirmation cycle on demand.
func (h *APIHandler) handleTriggerConfirmations(c *gin.Context) {
	if h.tracker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Confirmation tracker not available"})
		return
	}

	err := h.tracker.ProcessNewBlock(c.Request.Context())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "completed", "stats": h.tracker.Snapshot()})
	case errors.Is(err, confirm.ErrCycleInProgress):
		c.JSON(http.StatusOK, gin.H{"status": "already_running"})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Confirmation cycle failed", "message": err.Error()})
	}
}

// pagination reads limit/offset with sane caps.
func pagination(c *gin.Context, defLimit, maxLimit int64) (limit, offset int64) {
	limit, _ = strconv.ParseInt(c.DefaultQuery("limit", strconv.FormatInt(defLimit, 10)), 10, 64)
	offset, _ = strconv.ParseInt(c.DefaultQuery("offset", "0"), 10, 64)
	if limit <= 0 {
		limit = defLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// activeFilter parses the optional ?active= query into a tri-state.
func activeFilter(c *gin.Context) *bool {
	raw, ok := c.GetQuery("active")
	if !ok {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil
	}
	return &v
}
