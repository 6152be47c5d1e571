package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/viewpay/viewpay/internal/apperr"
	"github.com/viewpay/viewpay/internal/httpx"
	"github.com/viewpay/viewpay/internal/logging"
	"github.com/viewpay/viewpay/internal/validation"
)

var freezeSchema = validation.MustCompile("freeze_hold", `{
	"type": "object",
	"additionalProperties": false,
	"required": ["reason"],
	"properties": {
		"reason": {"type": "string", "minLength": 1, "maxLength": 2000}
	}
}`)

// Handler provides admin HTTP endpoints.
type Handler struct {
	adjudicators Adjudicators
	settlements  Settlements
	reconciler   Reconciler
	reschedules  Reschedules
	holds        Holds
	now          func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler(adjudicators Adjudicators) *Handler {
	return &Handler{adjudicators: adjudicators, now: time.Now}
}

// WithSettlements sets the booking service for settlement retries.
func (h *Handler) WithSettlements(s Settlements) *Handler {
	h.settlements = s
	return h
}

// WithReconciler sets the reconciliation runner for on-demand reconciliation.
func (h *Handler) WithReconciler(r Reconciler) *Handler {
	h.reconciler = r
	return h
}

// WithReschedules sets the reschedule service for forced expiry.
func (h *Handler) WithReschedules(r Reschedules) *Handler {
	h.reschedules = r
	return h
}

// WithHolds sets the escrow service for manual freezes.
func (h *Handler) WithHolds(l Holds) *Handler {
	h.holds = l
	return h
}

// RegisterRoutes sets up admin routes. The group must carry actor auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/admin", h.requireAdjudicator)
	g.GET("/settlements/stuck", h.listStuck)
	g.POST("/bookings/:id/retry-settlement", h.retrySettlement)
	g.POST("/reconcile", h.triggerReconciliation)
	g.POST("/reschedules/expire", h.expireReschedules)
	g.POST("/escrow/:id/freeze", h.freezeHold)
}

func (h *Handler) requireAdjudicator(c *gin.Context) {
	ok, err := h.adjudicators.IsAdjudicator(c.Request.Context(), httpx.Actor(c))
	if err != nil {
		httpx.Error(c, err)
		c.Abort()
		return
	}
	if !ok {
		httpx.Error(c, apperr.NotAuthorized("adjudicator role required"))
		c.Abort()
		return
	}
	c.Next()
}

func unconfigured(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "UNAVAILABLE", "message": what + " not configured"})
}

// listStuck returns completed bookings whose release has not gone through.
func (h *Handler) listStuck(c *gin.Context) {
	if h.settlements == nil {
		unconfigured(c, "settlements")
		return
	}

	pending, err := h.settlements.ListPendingSettlement(c.Request.Context(), httpx.Limit(c, 100, 1000))
	if err != nil {
		httpx.Error(c, err)
		return
	}

	now := h.now()
	out := make([]StuckSettlement, 0, len(pending))
	for _, b := range pending {
		out = append(out, stuckSettlement(b, now))
	}
	c.JSON(http.StatusOK, gin.H{"settlements": out, "count": len(out)})
}

// retrySettlement re-runs the release for one completed booking.
func (h *Handler) retrySettlement(c *gin.Context) {
	if h.settlements == nil {
		unconfigured(c, "settlements")
		return
	}

	bookingID := c.Param("id")
	if err := h.settlements.SettlePending(c.Request.Context(), bookingID); err != nil {
		httpx.Error(c, err)
		return
	}
	logging.L(c.Request.Context()).Info("settlement retried by adjudicator",
		"booking_id", bookingID, "actor_id", httpx.Actor(c))
	c.JSON(http.StatusOK, gin.H{"retried": true, "bookingId": bookingID})
}

// triggerReconciliation runs an on-demand ledger reconciliation.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		unconfigured(c, "reconciliation")
		return
	}

	report, err := h.reconciler.Run(c.Request.Context())
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "healthy": len(report.Mismatches) == 0})
}

// expireReschedules expires every proposal past its deadline now rather
// than on the next sweep.
func (h *Handler) expireReschedules(c *gin.Context) {
	if h.reschedules == nil {
		unconfigured(c, "reschedules")
		return
	}

	n, err := h.reschedules.ExpireDue(c.Request.Context(), h.now().UTC())
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expiredCount": n})
}

// freezeHold blocks every further settlement on a hold.
func (h *Handler) freezeHold(c *gin.Context) {
	if h.holds == nil {
		unconfigured(c, "escrow")
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if err := freezeSchema.Bind(c, &body); err != nil {
		httpx.Error(c, err)
		return
	}

	holdID := c.Param("id")
	reason := "manual: " + body.Reason
	if err := h.holds.Freeze(c.Request.Context(), holdID, reason); err != nil {
		httpx.Error(c, err)
		return
	}
	logging.L(c.Request.Context()).Warn("hold frozen by adjudicator",
		"hold_id", holdID, "actor_id", httpx.Actor(c), "reason", body.Reason)
	c.JSON(http.StatusOK, gin.H{"frozen": true, "holdId": holdID})
}
