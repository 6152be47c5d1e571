package reschedule

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/viewpay/viewpay/internal/httpx"
	"github.com/viewpay/viewpay/internal/validation"
)

var (
	proposeSchema = validation.MustCompile("propose_reschedule", `{
		"type": "object",
		"additionalProperties": false,
		"required": ["newDate"],
		"properties": {
			"newDate":  {"type": "string", "format": "date-time"},
			"location": {"type": "string", "maxLength": 2000},
			"reason":   {"type": "string", "maxLength": 2000}
		}
	}`)
	respondSchema = validation.MustCompile("respond_reschedule", `{
		"type": "object",
		"additionalProperties": false,
		"required": ["accept"],
		"properties": {
			"accept": {"type": "boolean"}
		}
	}`)
)

// Handler provides HTTP endpoints for reschedule proposals.
type Handler struct {
	service *Service
}

// NewHandler creates a new reschedule handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up reschedule routes. The group must carry actor auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bookings/:id/reschedules", h.Propose)
	r.GET("/bookings/:id/reschedules", h.ListByBooking)
	r.GET("/reschedules/:id", h.Get)
	r.POST("/reschedules/:id/respond", h.Respond)
}

// Propose handles POST /v1/bookings/:id/reschedules
func (h *Handler) Propose(c *gin.Context) {
	var cmd ProposeCommand
	if err := proposeSchema.Bind(c, &cmd); err != nil {
		httpx.Error(c, err)
		return
	}
	cmd.BookingID = c.Param("id")
	cmd.ActorID = httpx.Actor(c)

	r, err := h.service.Propose(c.Request.Context(), cmd)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"reschedule": r})
}

// ListByBooking handles GET /v1/bookings/:id/reschedules
func (h *Handler) ListByBooking(c *gin.Context) {
	list, err := h.service.ListByBooking(c.Request.Context(), c.Param("id"), httpx.Actor(c))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	if list == nil {
		list = []*Request{}
	}
	c.JSON(http.StatusOK, gin.H{"reschedules": list, "count": len(list)})
}

// Get handles GET /v1/reschedules/:id
func (h *Handler) Get(c *gin.Context) {
	r, err := h.service.Get(c.Request.Context(), c.Param("id"), httpx.Actor(c))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reschedule": r})
}

// Respond handles POST /v1/reschedules/:id/respond
func (h *Handler) Respond(c *gin.Context) {
	var cmd RespondCommand
	if err := respondSchema.Bind(c, &cmd); err != nil {
		httpx.Error(c, err)
		return
	}
	cmd.ID = c.Param("id")
	cmd.ActorID = httpx.Actor(c)

	r, err := h.service.Respond(c.Request.Context(), cmd)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reschedule": r})
}
