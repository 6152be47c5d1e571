package dispute

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/viewpay/viewpay/internal/httpx"
	"github.com/viewpay/viewpay/internal/validation"
)

var (
	openSchema = validation.MustCompile("open_dispute", `{
		"type": "object",
		"additionalProperties": false,
		"required": ["reason"],
		"properties": {
			"reason":       {"type": "string", "minLength": 1, "maxLength": 2000},
			"evidenceUrls": {"type": "array", "maxItems": 10, "items": {"type": "string", "format": "uri"}}
		}
	}`)
	respondSchema = validation.MustCompile("respond_dispute", `{
		"type": "object",
		"additionalProperties": false,
		"required": ["response"],
		"properties": {
			"response":     {"type": "string", "minLength": 1, "maxLength": 2000},
			"evidenceUrls": {"type": "array", "maxItems": 10, "items": {"type": "string", "format": "uri"}}
		}
	}`)
	resolveSchema = validation.MustCompile("resolve_dispute", `{
		"type": "object",
		"additionalProperties": false,
		"required": ["outcome"],
		"properties": {
			"outcome":          {"type": "string", "enum": ["TENANT", "HUNTER", "SPLIT"]},
			"resolutionAmount": {"type": "string", "pattern": `+validation.Quote(validation.AmountPattern)+`},
			"note":             {"type": "string", "maxLength": 2000}
		}
	}`)
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dispute routes. The group must carry actor auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bookings/:id/disputes", h.Open)
	r.GET("/bookings/:id/dispute", h.GetByBooking)
	r.GET("/disputes/:id", h.Get)
	r.POST("/disputes/:id/respond", h.Respond)
	r.POST("/disputes/:id/review", h.StartReview)
	r.POST("/disputes/:id/resolve", h.Resolve)
}

// Open handles POST /v1/bookings/:id/disputes
func (h *Handler) Open(c *gin.Context) {
	var cmd OpenCommand
	if err := openSchema.Bind(c, &cmd); err != nil {
		httpx.Error(c, err)
		return
	}
	cmd.BookingID = c.Param("id")
	cmd.ActorID = httpx.Actor(c)

	d, err := h.service.Open(c.Request.Context(), cmd)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetByBooking handles GET /v1/bookings/:id/dispute
func (h *Handler) GetByBooking(c *gin.Context) {
	d, err := h.service.GetByBooking(c.Request.Context(), c.Param("id"), httpx.Actor(c))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Get handles GET /v1/disputes/:id
func (h *Handler) Get(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"), httpx.Actor(c))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Respond handles POST /v1/disputes/:id/respond
func (h *Handler) Respond(c *gin.Context) {
	var cmd RespondCommand
	if err := respondSchema.Bind(c, &cmd); err != nil {
		httpx.Error(c, err)
		return
	}
	cmd.DisputeID = c.Param("id")
	cmd.ActorID = httpx.Actor(c)

	d, err := h.service.Respond(c.Request.Context(), cmd)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// StartReview handles POST /v1/disputes/:id/review
func (h *Handler) StartReview(c *gin.Context) {
	d, err := h.service.StartReview(c.Request.Context(), c.Param("id"), httpx.Actor(c))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Resolve handles POST /v1/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var cmd ResolveCommand
	if err := resolveSchema.Bind(c, &cmd); err != nil {
		httpx.Error(c, err)
		return
	}
	cmd.DisputeID = c.Param("id")
	cmd.AdjudicatorID = httpx.Actor(c)

	d, st, err := h.service.Resolve(c.Request.Context(), cmd)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d, "settlement": st})
}
