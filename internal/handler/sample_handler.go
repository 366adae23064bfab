package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/geraldsadya/circles-backend-go/internal/middleware"
	"github.com/geraldsadya/circles-backend-go/internal/models"
	"github.com/geraldsadya/circles-backend-go/internal/service"
	"github.com/geraldsadya/circles-backend-go/pkg/response"
)

// SampleHandler accepts sensor feeds for the authenticated subject
type SampleHandler struct {
	core *service.Core
}

// NewSampleHandler creates a new sample handler
func NewSampleHandler(core *service.Core) *SampleHandler {
	return &SampleHandler{core: core}
}

func subject(c *gin.Context) string {
	return c.GetString(middleware.SubjectKey)
}

func (h *SampleHandler) reply(c *gin.Context, ack service.Ack, err error) {
	if err != nil {
		fail(c, "Failed to ingest sample", err)
		return
	}
	response.Accepted(c, ack)
}

// Position handles POST /api/v1/samples/position
func (h *SampleHandler) Position(c *gin.Context) {
	var s models.PositionSample
	if err := c.ShouldBindJSON(&s); err != nil {
		response.BadRequest(c, "Invalid position sample", err)
		return
	}
	s.SubjectID = subject(c)
	ack, err := h.core.IngestPositionSample(c.Request.Context(), s)
	h.reply(c, ack, err)
}

// Motion handles POST /api/v1/samples/motion
func (h *SampleHandler) Motion(c *gin.Context) {
	var e models.MotionEvent
	if err := c.ShouldBindJSON(&e); err != nil {
		response.BadRequest(c, "Invalid motion event", err)
		return
	}
	e.SubjectID = subject(c)
	ack, err := h.core.IngestMotionEvent(c.Request.Context(), e)
	h.reply(c, ack, err)
}

// Proof handles POST /api/v1/samples/proof
func (h *SampleHandler) Proof(c *gin.Context) {
	var p models.ProofResult
	if err := c.ShouldBindJSON(&p); err != nil {
		response.BadRequest(c, "Invalid proof result", err)
		return
	}
	p.SubjectID = subject(c)
	ack, err := h.core.IngestProofResult(c.Request.Context(), p)
	h.reply(c, ack, err)
}

type clockRequest struct {
	DeviceTime    time.Time `json:"deviceTime" binding:"required"`
	UptimeSeconds float64   `json:"uptimeSeconds" binding:"gte=0"`
}

// Clock handles POST /api/v1/samples/clock
func (h *SampleHandler) Clock(c *gin.Context) {
	var req clockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid clock reading", err)
		return
	}
	ack, err := h.core.IngestClockReading(c.Request.Context(), models.ClockReading{
		SubjectID:  subject(c),
		DeviceTime: req.DeviceTime,
		Uptime:     time.Duration(req.UptimeSeconds * float64(time.Second)),
	})
	h.reply(c, ack, err)
}

// Focus handles POST /api/v1/samples/focus
func (h *SampleHandler) Focus(c *gin.Context) {
	var f models.FocusSession
	if err := c.ShouldBindJSON(&f); err != nil {
		response.BadRequest(c, "Invalid focus session", err)
		return
	}
	f.UserID = subject(c)
	ack, err := h.core.IngestFocusSession(c.Request.Context(), f)
	h.reply(c, ack, err)
}
