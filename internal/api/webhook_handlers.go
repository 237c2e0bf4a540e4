package api

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/satstream/bsv-monitor/pkg/models"
)

// validWebhookURL accepts absolute http/https URLs only.
func validWebhookURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// handleCreateWebhook registers a webhook. An empty or missing address list
// makes it a monitor-all webhook.
func (h *APIHandler) handleCreateWebhook(c *gin.Context) {
	var req struct {
		URL       string   `json:"url"`
		Addresses []string `json:"addresses"`
		Active    *bool    `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {url, addresses?, active?}"})
		return
	}
	if !validWebhookURL(req.URL) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url must be an absolute http(s) URL"})
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	if req.Addresses == nil {
		req.Addresses = []string{}
	}

	wh := &models.Webhook{
		ID:         uuid.NewString(),
		URL:        req.URL,
		Addresses:  req.Addresses,
		MonitorAll: len(req.Addresses) == 0,
		Active:     active,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.store.InsertWebhook(c.Request.Context(), wh); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Store insert failed", "message": err.Error()})
		return
	}

	h.log.WithField("webhook_id", wh.ID).Info("Webhook registered")
	c.JSON(http.StatusOK, gin.H{"webhook": wh})
}

// handleListWebhooks pages the registered webhooks.
func (h *APIHandler) handleListWebhooks(c *gin.Context) {
	limit, offset := pagination(c, 50, 500)
	active := activeFilter(c)

	hooks, total, err := h.store.ListWebhooks(c.Request.Context(), active, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list webhooks", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":       hooks,
		"totalCount": total,
		"limit":      limit,
		"offset":     offset,
	})
}

// handleGetWebhook returns one webhook with its last deliveries.
func (h *APIHandler) handleGetWebhook(c *gin.Context) {
	id := c.Param("id")

	wh, err := h.store.GetWebhook(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Store lookup failed", "message": err.Error()})
		return
	}
	if wh == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Webhook not found"})
		return
	}

	deliveries, err := h.store.RecentDeliveries(c.Request.Context(), id, 10)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load deliveries", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"webhook":          wh,
		"recentDeliveries": deliveries,
	})
}

// handleUpdateWebhook applies a partial update. Switching monitor_all on
// clears the address list; setting a non-empty address list switches
// monitor_all off.
func (h *APIHandler) handleUpdateWebhook(c *gin.Context) {
	id := c.Param("id")

	var req struct {
		URL        *string   `json:"url"`
		Addresses  *[]string `json:"addresses"`
		Active     *bool     `json:"active"`
		MonitorAll *bool     `json:"monitor_all"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	set := bson.M{}
	if req.URL != nil {
		if !validWebhookURL(*req.URL) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "url must be an absolute http(s) URL"})
			return
		}
		set["url"] = *req.URL
	}
	if req.Active != nil {
		set["active"] = *req.Active
	}
	if req.MonitorAll != nil && *req.MonitorAll {
		set["monitor_all"] = true
		set["addresses"] = []string{}
	} else if req.Addresses != nil {
		set["addresses"] = *req.Addresses
		set["monitor_all"] = len(*req.Addresses) == 0
	} else if req.MonitorAll != nil {
		set["monitor_all"] = false
	}
	if len(set) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No fields to update"})
		return
	}

	matched, err := h.store.UpdateWebhook(c.Request.Context(), id, set)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Store update failed", "message": err.Error()})
		return
	}
	if !matched {
		c.JSON(http.StatusNotFound, gin.H{"error": "Webhook not found"})
		return
	}

	wh, err := h.store.GetWebhook(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Store lookup failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhook": wh})
}

// handleDeleteWebhook removes a webhook and cancels whatever it still had
// queued.
func (h *APIHandler) handleDeleteWebhook(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	deleted, err := h.store.DeleteWebhook(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Store delete failed", "message": err.Error()})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "Webhook not found"})
		return
	}

	cancelled, err := h.store.CancelPendingForWebhook(ctx, id, time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel pending deliveries", "message": err.Error()})
		return
	}

	h.log.WithField("webhook_id", id).Info("Webhook deleted")
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "cancelledDeliveries": cancelled})
}
