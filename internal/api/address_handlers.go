package api

import (
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/satstream/bsv-monitor/internal/db"
	"github.com/satstream/bsv-monitor/pkg/models"
)

// validAddress reports whether addr is a well-formed P2PKH address for the
// configured network.
func (h *APIHandler) validAddress(addr string) bool {
	decoded, err := btcutil.DecodeAddress(addr, h.cfg.ChainParams())
	if err != nil {
		return false
	}
	if _, ok := decoded.(*btcutil.AddressPubKeyHash); !ok {
		return false
	}
	return decoded.IsForNet(h.cfg.ChainParams())
}

// handleAddAddresses registers a batch of addresses. Each entry is
// classified as added, alreadyExist, forcedRefetch or invalid. The in-memory
// membership set is updated before the response goes out so a transaction
// broadcast right after the call cannot slip through.
func (h *APIHandler) handleAddAddresses(c *gin.Context) {
	var req struct {
		Addresses []string          `json:"addresses"`
		Force     bool              `json:"force"`
		Label     string            `json:"label"`
		Metadata  map[string]string `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Addresses) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {addresses: [..], force?: bool}"})
		return
	}

	ctx := c.Request.Context()
	now := time.Now().UTC()

	added := make([]string, 0)
	alreadyExist := make([]string, 0)
	forcedRefetch := make([]string, 0)
	invalid := make([]string, 0)

	for _, addr := range req.Addresses {
		if !h.validAddress(addr) {
			invalid = append(invalid, addr)
			continue
		}

		existing, err := h.store.GetWatchedAddress(ctx, addr)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Store lookup failed", "message": err.Error()})
			return
		}

		if existing != nil {
			if !req.Force {
				alreadyExist = append(alreadyExist, addr)
				continue
			}
			if err := h.store.MarkForRefetch(ctx, addr); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Refetch flag failed", "message": err.Error()})
				return
			}
			h.watch.Add(addr)
			h.backfill.Enqueue(addr)
			forcedRefetch = append(forcedRefetch, addr)
			continue
		}

		doc := &models.WatchedAddress{
			Address:   addr,
			Active:    true,
			CreatedAt: now,
			Label:     req.Label,
			Metadata:  req.Metadata,
		}
		if err := h.store.InsertWatchedAddress(ctx, doc); err != nil {
			if db.IsDuplicateKey(err) {
				// Raced with a concurrent registration of the same address.
				alreadyExist = append(alreadyExist, addr)
				continue
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Store insert failed", "message": err.Error()})
			return
		}
		h.watch.Add(addr)
		h.backfill.Enqueue(addr)
		added = append(added, addr)
	}

	if len(added) > 0 || len(forcedRefetch) > 0 {
		h.log.WithFields(logrus.Fields{
			"added":   len(added),
			"refetch": len(forcedRefetch),
			"invalid": len(invalid),
		}).Info("Address registration processed")
	}

	c.JSON(http.StatusOK, gin.H{
		"added":         added,
		"alreadyExist":  alreadyExist,
		"forcedRefetch": forcedRefetch,
		"invalid":       invalid,
		"summary": gin.H{
			"requested":     len(req.Addresses),
			"added":         len(added),
			"alreadyExist":  len(alreadyExist),
			"forcedRefetch": len(forcedRefetch),
			"invalid":       len(invalid),
		},
	})
}

// handleListAddresses pages the watched addresses.
func (h *APIHandler) handleListAddresses(c *gin.Context) {
	limit, offset := pagination(c, 50, 500)
	active := activeFilter(c)

	addrs, total, err := h.store.ListWatchedAddresses(c.Request.Context(), active, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list addresses", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":       addrs,
		"totalCount": total,
		"limit":      limit,
		"offset":     offset,
	})
}

// handleGetAddress returns one address with its most recent activity.
func (h *APIHandler) handleGetAddress(c *gin.Context) {
	addr := c.Param("addr")

	doc, err := h.store.GetWatchedAddress(c.Request.Context(), addr)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Store lookup failed", "message": err.Error()})
		return
	}
	if doc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Address not found"})
		return
	}

	recent, err := h.store.RecentTransactionsForAddress(c.Request.Context(), addr, 10)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load recent transactions", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":            doc,
		"recentTransactions": recent,
	})
}

// handleRemoveAddress deactivates an address. The membership set drops it
// before the response so no further intake matches it.
func (h *APIHandler) handleRemoveAddress(c *gin.Context) {
	addr := c.Param("addr")

	matched, err := h.store.DeactivateAddress(c.Request.Context(), addr)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Store update failed", "message": err.Error()})
		return
	}
	if !matched {
		c.JSON(http.StatusNotFound, gin.H{"error": "Address not found"})
		return
	}
	h.watch.Remove(addr)

	h.log.WithField("address", addr).Info("Address deactivated")
	c.JSON(http.StatusOK, gin.H{"status": "deactivated", "address": addr})
}
