package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/geraldsadya/circles-backend-go/internal/models"
	"github.com/geraldsadya/circles-backend-go/internal/service"
	"github.com/geraldsadya/circles-backend-go/pkg/response"
)

// ChallengeHandler handles challenge definition and evaluation
type ChallengeHandler struct {
	core *service.Core
}

// NewChallengeHandler creates a new challenge handler
func NewChallengeHandler(core *service.Core) *ChallengeHandler {
	return &ChallengeHandler{core: core}
}

// Define handles PUT /api/v1/challenges
func (h *ChallengeHandler) Define(c *gin.Context) {
	var def models.ChallengeDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		response.BadRequest(c, "Invalid challenge definition", err)
		return
	}
	ch, err := h.core.DefineChallenge(c.Request.Context(), def)
	if err != nil {
		fail(c, "Failed to define challenge", err)
		return
	}
	response.Success(c, ch)
}

// Get handles GET /api/v1/challenges/:id
func (h *ChallengeHandler) Get(c *gin.Context) {
	ch, err := h.core.GetChallenge(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "Failed to get challenge", err)
		return
	}
	response.Success(c, ch)
}

// Deactivate handles DELETE /api/v1/challenges/:id
func (h *ChallengeHandler) Deactivate(c *gin.Context) {
	if err := h.core.DeactivateChallenge(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, "Failed to deactivate challenge", err)
		return
	}
	response.Success(c, gin.H{"id": c.Param("id"), "active": false})
}

// Evaluate handles POST /api/v1/challenges/:id/evaluate for the caller
func (h *ChallengeHandler) Evaluate(c *gin.Context) {
	out, err := h.core.EvaluateChallenge(c.Request.Context(), c.Param("id"), subject(c))
	if err != nil {
		fail(c, "Failed to evaluate challenge", err)
		return
	}
	response.Success(c, out)
}

// Sweep handles POST /api/v1/sweep
func (h *ChallengeHandler) Sweep(c *gin.Context) {
	outcomes, err := h.core.RunScheduledSweep(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
	}
	response.Success(c, gin.H{"outcomes": outcomes, "count": len(outcomes)})
}

// Results handles GET /api/v1/results/me
func (h *ChallengeHandler) Results(c *gin.Context) {
	var q struct {
		Limit int `form:"limit" binding:"omitempty,min=1,max=500"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		response.BadRequest(c, "Invalid query parameters", err)
		return
	}
	if q.Limit == 0 {
		q.Limit = 50
	}
	results, err := h.core.Results(c.Request.Context(), subject(c), q.Limit)
	if err != nil {
		fail(c, "Failed to get results", err)
		return
	}
	response.Success(c, results)
}
