package escrow

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/viewpay/viewpay/internal/apperr"
	"github.com/viewpay/viewpay/internal/httpx"
)

// Adjudicators reports whether an actor may inspect any hold.
type Adjudicators interface {
	IsAdjudicator(ctx context.Context, actorID string) (bool, error)
}

// Handler provides read-only HTTP endpoints for holds. Settlement happens
// only through the viewing, reschedule and dispute lifecycles.
type Handler struct {
	service      *Service
	adjudicators Adjudicators
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, adjudicators Adjudicators) *Handler {
	return &Handler{service: service, adjudicators: adjudicators}
}

// RegisterRoutes sets up escrow routes. The group must carry actor auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/:id", h.GetHold)
	r.GET("/escrow/:id/entries", h.ListEntries)
}

// GetHold handles GET /v1/escrow/:id
func (h *Handler) GetHold(c *gin.Context) {
	hold, err := h.authorized(c)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	resp := gin.H{"hold": hold}
	if hold.IsTerminal() {
		resp["settlement"] = SettlementOf(hold)
	}
	c.JSON(http.StatusOK, resp)
}

// ListEntries handles GET /v1/escrow/:id/entries
func (h *Handler) ListEntries(c *gin.Context) {
	hold, err := h.authorized(c)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	entries, err := h.service.Entries(c.Request.Context(), hold.ID)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (h *Handler) authorized(c *gin.Context) (*Hold, error) {
	ctx := c.Request.Context()
	hold, err := h.service.Get(ctx, c.Param("id"))
	if err != nil {
		return nil, err
	}
	actor := httpx.Actor(c)
	switch actor {
	case hold.PayerID, hold.ReleasedTo, hold.RefundedTo:
		return hold, nil
	}
	if h.adjudicators != nil {
		ok, err := h.adjudicators.IsAdjudicator(ctx, actor)
		if err != nil {
			return nil, err
		}
		if ok {
			return hold, nil
		}
	}
	return nil, apperr.NotAuthorized("not a party to this hold")
}
