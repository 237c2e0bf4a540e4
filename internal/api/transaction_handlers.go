package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleListTransactions pages the active transactions, optionally filtered
// by status.
func (h *APIHandler) handleListTransactions(c *gin.Context) {
	limit, offset := pagination(c, 50, 500)
	status := c.Query("status")

	txs, total, err := h.store.ListActiveTransactions(c.Request.Context(), status, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list transactions", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":       txs,
		"totalCount": total,
		"limit":      limit,
		"offset":     offset,
	})
}

// handleGetTransaction looks a txid up in the active collection first, then
// the archive. Archived results are flagged as such.
func (h *APIHandler) handleGetTransaction(c *gin.Context) {
	txid := c.Param("txid")
	ctx := c.Request.Context()

	active, err := h.store.GetActiveTransaction(ctx, txid)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Store lookup failed", "message": err.Error()})
		return
	}
	if active != nil {
		c.JSON(http.StatusOK, gin.H{"transaction": active, "archived": false})
		return
	}

	archived, err := h.store.GetArchivedTransaction(ctx, txid)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Store lookup failed", "message": err.Error()})
		return
	}
	if archived != nil {
		c.JSON(http.StatusOK, gin.H{"transaction": archived, "archived": true})
		return
	}

	c.JSON(http.StatusNotFound, gin.H{"error": "Transaction not found"})
}
