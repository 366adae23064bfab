package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/geraldsadya/circles-backend-go/internal/service"
	"github.com/geraldsadya/circles-backend-go/pkg/response"
)

// LedgerHandler exposes points, rankings and integrity scores
type LedgerHandler struct {
	core *service.Core
}

// NewLedgerHandler creates a new ledger handler
func NewLedgerHandler(core *service.Core) *LedgerHandler {
	return &LedgerHandler{core: core}
}

// Total handles GET /api/v1/ledger/me/total
func (h *LedgerHandler) Total(c *gin.Context) {
	userID := subject(c)
	response.Success(c, gin.H{"userId": userID, "total": h.core.GetLedgerTotal(userID)})
}

// Entries handles GET /api/v1/ledger/me/entries
func (h *LedgerHandler) Entries(c *gin.Context) {
	entries, err := h.core.LedgerEntries(c.Request.Context(), subject(c))
	if err != nil {
		fail(c, "Failed to get ledger entries", err)
		return
	}
	response.Success(c, entries)
}

// Snapshot handles GET /api/v1/circles/:id/snapshot?at=RFC3339
func (h *LedgerHandler) Snapshot(c *gin.Context) {
	at := time.Now()
	if raw := c.Query("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.BadRequest(c, "Invalid at parameter", err)
			return
		}
		at = parsed
	}
	snap, err := h.core.GetWeeklySnapshot(c.Request.Context(), c.Param("id"), at)
	if err != nil {
		fail(c, "Failed to get weekly snapshot", err)
		return
	}
	response.Success(c, snap)
}

// Integrity handles GET /api/v1/integrity/me
func (h *LedgerHandler) Integrity(c *gin.Context) {
	response.Success(c, h.core.IntegrityScore(subject(c)))
}
