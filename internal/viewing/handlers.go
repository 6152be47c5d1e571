package viewing

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/viewpay/viewpay/internal/apperr"
	"github.com/viewpay/viewpay/internal/httpx"
	"github.com/viewpay/viewpay/internal/validation"
)

// Adjudicators reports whether an actor may read any booking.
type Adjudicators interface {
	IsAdjudicator(ctx context.Context, actorID string) (bool, error)
}

var (
	createSchema = validation.MustCompile("create_viewing_request", `{
		"type": "object",
		"additionalProperties": false,
		"required": ["propertyId", "price", "date"],
		"properties": {
			"requestId":  {"type": "string", "pattern": `+validation.Quote(validation.IDPattern)+`},
			"propertyId": {"type": "string", "pattern": `+validation.Quote(validation.IDPattern)+`},
			"price":      {"type": "string", "pattern": `+validation.Quote(validation.AmountPattern)+`},
			"date":       {"type": "string", "format": "date-time"},
			"location":   {"type": "string", "maxLength": 2000}
		}
	}`)
	counterSchema = validation.MustCompile("counter_offer", `{
		"type": "object",
		"additionalProperties": false,
		"minProperties": 1,
		"properties": {
			"price":    {"type": "string", "pattern": `+validation.Quote(validation.AmountPattern)+`},
			"date":     {"type": "string", "format": "date-time"},
			"location": {"type": "string", "maxLength": 2000}
		}
	}`)
	acceptSchema = validation.MustCompile("accept_offer", `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"offerVersion": {"type": "integer", "minimum": 0}
		}
	}`)
	reasonSchema = validation.MustCompile("reason", `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"reason": {"type": "string", "maxLength": 2000}
		}
	}`)
)

// Handler provides HTTP endpoints for viewing requests and bookings.
type Handler struct {
	service      *Service
	adjudicators Adjudicators
}

// NewHandler creates a new viewing handler.
func NewHandler(service *Service, adjudicators Adjudicators) *Handler {
	return &Handler{service: service, adjudicators: adjudicators}
}

// RegisterRoutes sets up viewing and booking routes. The group must carry
// actor auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/viewing-requests", h.CreateRequest)
	r.GET("/viewing-requests/:id", h.GetRequest)
	r.POST("/viewing-requests/:id/counter", h.Counter)
	r.POST("/viewing-requests/:id/accept", h.Accept)
	r.POST("/viewing-requests/:id/reject", h.Reject)
	r.POST("/viewing-requests/:id/cancel", h.Cancel)
	r.GET("/actors/:id/viewing-requests", h.ListForActor)

	r.GET("/bookings/:id", h.GetBooking)
	r.POST("/bookings/:id/confirm-meeting", h.ConfirmMeeting)
	r.POST("/bookings/:id/complete", h.Complete)
}

// CreateRequest handles POST /v1/viewing-requests
func (h *Handler) CreateRequest(c *gin.Context) {
	var cmd CreateRequestCommand
	if err := createSchema.Bind(c, &cmd); err != nil {
		httpx.Error(c, err)
		return
	}
	cmd.TenantID = httpx.Actor(c)

	r, err := h.service.CreateRequest(c.Request.Context(), cmd)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"viewingRequest": r})
}

// GetRequest handles GET /v1/viewing-requests/:id
func (h *Handler) GetRequest(c *gin.Context) {
	ctx := c.Request.Context()
	r, err := h.service.Get(ctx, c.Param("id"))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	if err := h.canRead(ctx, httpx.Actor(c), r.TenantID, r.HunterID); err != nil {
		httpx.Error(c, err)
		return
	}
	resp := gin.H{"viewingRequest": r}
	if r.Status == StatusAccepted || r.Status == StatusCompleted {
		if b, err := h.service.GetBookingByRequest(ctx, r.ID); err == nil {
			resp["booking"] = b
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Counter handles POST /v1/viewing-requests/:id/counter
func (h *Handler) Counter(c *gin.Context) {
	var cmd CounterCommand
	if err := counterSchema.Bind(c, &cmd); err != nil {
		httpx.Error(c, err)
		return
	}
	cmd.RequestID = c.Param("id")
	cmd.ActorID = httpx.Actor(c)

	r, err := h.service.Counter(c.Request.Context(), cmd)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"viewingRequest": r})
}

// Accept handles POST /v1/viewing-requests/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	var cmd AcceptCommand
	if c.Request.ContentLength != 0 {
		if err := acceptSchema.Bind(c, &cmd); err != nil {
			httpx.Error(c, err)
			return
		}
	}
	cmd.RequestID = c.Param("id")
	cmd.ActorID = httpx.Actor(c)

	r, b, err := h.service.Accept(c.Request.Context(), cmd)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"viewingRequest": r, "booking": b})
}

// Reject handles POST /v1/viewing-requests/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	var cmd RejectCommand
	if c.Request.ContentLength != 0 {
		if err := reasonSchema.Bind(c, &cmd); err != nil {
			httpx.Error(c, err)
			return
		}
	}
	cmd.RequestID = c.Param("id")
	cmd.ActorID = httpx.Actor(c)

	r, err := h.service.Reject(c.Request.Context(), cmd)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"viewingRequest": r})
}

// Cancel handles POST /v1/viewing-requests/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var cmd CancelCommand
	if c.Request.ContentLength != 0 {
		if err := reasonSchema.Bind(c, &cmd); err != nil {
			httpx.Error(c, err)
			return
		}
	}
	cmd.RequestID = c.Param("id")
	cmd.ActorID = httpx.Actor(c)

	r, err := h.service.Cancel(c.Request.Context(), cmd)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"viewingRequest": r})
}

// ListForActor handles GET /v1/actors/:id/viewing-requests?role=tenant|hunter
func (h *Handler) ListForActor(c *gin.Context) {
	actorID := c.Param("id")
	if actorID != httpx.Actor(c) {
		httpx.Error(c, apperr.NotAuthorized("can only list your own requests"))
		return
	}
	ctx := c.Request.Context()
	limit := httpx.Limit(c, 20, 100)
	cursor := c.Query("cursor")

	var (
		page any
		err  error
	)
	switch role := c.DefaultQuery("role", "tenant"); role {
	case "tenant":
		page, err = h.service.ListByTenant(ctx, actorID, cursor, limit)
	case "hunter":
		page, err = h.service.ListByHunter(ctx, actorID, cursor, limit)
	default:
		err = apperr.Validation("role must be tenant or hunter")
	}
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetBooking handles GET /v1/bookings/:id
func (h *Handler) GetBooking(c *gin.Context) {
	ctx := c.Request.Context()
	b, err := h.service.GetBooking(ctx, c.Param("id"))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	if err := h.canRead(ctx, httpx.Actor(c), b.TenantID, b.HunterID); err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// ConfirmMeeting handles POST /v1/bookings/:id/confirm-meeting
func (h *Handler) ConfirmMeeting(c *gin.Context) {
	b, err := h.service.ConfirmMeeting(c.Request.Context(), BookingCommand{
		BookingID: c.Param("id"),
		ActorID:   httpx.Actor(c),
	})
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// Complete handles POST /v1/bookings/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	b, err := h.service.Complete(c.Request.Context(), BookingCommand{
		BookingID: c.Param("id"),
		ActorID:   httpx.Actor(c),
	})
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

func (h *Handler) canRead(ctx context.Context, actor, tenantID, hunterID string) error {
	if actor == tenantID || actor == hunterID {
		return nil
	}
	if h.adjudicators != nil {
		ok, err := h.adjudicators.IsAdjudicator(ctx, actor)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return apperr.NotAuthorized("not a party to this viewing")
}
