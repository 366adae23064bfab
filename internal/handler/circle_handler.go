package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/geraldsadya/circles-backend-go/internal/service"
	"github.com/geraldsadya/circles-backend-go/pkg/response"
)

// CircleHandler manages users and circle membership
type CircleHandler struct {
	core *service.Core
}

// NewCircleHandler creates a new circle handler
func NewCircleHandler(core *service.Core) *CircleHandler {
	return &CircleHandler{core: core}
}

// Register handles POST /api/v1/users/me
func (h *CircleHandler) Register(c *gin.Context) {
	if err := h.core.RegisterUser(c.Request.Context(), subject(c)); err != nil {
		fail(c, "Failed to register user", err)
		return
	}
	response.Success(c, gin.H{"id": subject(c)})
}

// Delete handles DELETE /api/v1/users/me
func (h *CircleHandler) Delete(c *gin.Context) {
	if err := h.core.DeleteUser(c.Request.Context(), subject(c)); err != nil {
		fail(c, "Failed to delete user", err)
		return
	}
	response.Success(c, gin.H{"id": subject(c), "deleted": true})
}

// Create handles POST /api/v1/circles/:id and adds the caller as first member
func (h *CircleHandler) Create(c *gin.Context) {
	ctx := c.Request.Context()
	circleID := c.Param("id")
	if err := h.core.CreateCircle(ctx, circleID); err != nil {
		fail(c, "Failed to create circle", err)
		return
	}
	if err := h.core.JoinCircle(ctx, circleID, subject(c)); err != nil {
		fail(c, "Failed to join circle", err)
		return
	}
	response.Success(c, gin.H{"id": circleID})
}

// Join handles POST /api/v1/circles/:id/members
func (h *CircleHandler) Join(c *gin.Context) {
	if err := h.core.JoinCircle(c.Request.Context(), c.Param("id"), subject(c)); err != nil {
		fail(c, "Failed to join circle", err)
		return
	}
	response.Success(c, gin.H{"circleId": c.Param("id"), "userId": subject(c)})
}

// Leave handles DELETE /api/v1/circles/:id/members
func (h *CircleHandler) Leave(c *gin.Context) {
	if err := h.core.LeaveCircle(c.Request.Context(), c.Param("id"), subject(c)); err != nil {
		fail(c, "Failed to leave circle", err)
		return
	}
	response.Success(c, gin.H{"circleId": c.Param("id"), "userId": subject(c)})
}
