package market

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fomorip/internal/pagination"
)

// Handler provides HTTP endpoints for offers, deals and buy requests.
type Handler struct {
	service *Service
}

// NewHandler creates a new marketplace handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/offers", h.ListOffers)
	r.GET("/offers/:id", h.GetOffer)
	r.GET("/wtb", h.ListWTB)
	r.GET("/summary", h.Summary)
	r.GET("/accounts/:address/feedback", h.ListFeedback)
}

// RegisterProtectedRoutes sets up routes that need a signed-in wallet.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/offers", h.CreateOffer)
	r.PUT("/offers/:id", h.UpdateOffer)
	r.DELETE("/offers/:id", h.DeleteOffer)
	r.POST("/offers/:id/commit", h.CommitBuyer)
	r.POST("/offers/:id/seen", h.MarkSeen)
	r.GET("/me/offers", h.MyOffers)
	r.GET("/me/summary", h.MySummary)
	r.GET("/me/changed", h.ChangedCount)

	r.GET("/deals/:id", h.GetDeal)
	r.POST("/deals/:id/seller-confirm", h.SellerConfirm)
	r.POST("/deals/:id/sign", h.SignDeal)
	r.POST("/deals/:id/buyer-paid", h.BuyerMarkPaid)
	r.POST("/deals/:id/seller-paid", h.SellerMarkPaid)
	r.POST("/deals/:id/complete", h.BuyerComplete)
	r.POST("/deals/:id/confirm-finish", h.ConfirmFinish)
	r.POST("/deals/:id/approve", h.ApproveToken)
	r.POST("/deals/:id/retry-approve", h.RetryApprove)
	r.POST("/deals/:id/feedback", h.LeaveFeedback)
	r.POST("/deals/:id/dispute", h.CallArbitration)
	r.POST("/deals/:id/buyer-claim", h.BuyerClaimAfterArbitration)
	r.POST("/deals/:id/seller-claim", h.SellerClaimAfterArbitration)
	r.POST("/deals/:id/cancel-claim", h.BuyerClaimAfterCancelation)

	r.POST("/wtb", h.CreateWTB)
	r.DELETE("/wtb/:id", h.DeleteWTB)
	r.POST("/wtb/:id/suggest", h.SuggestOffer)
}

// RegisterModeratorRoutes sets up routes behind the moderator secret.
func (h *Handler) RegisterModeratorRoutes(r *gin.RouterGroup) {
	r.GET("/deals", h.ListDeals)
	r.GET("/deals/:id", h.InspectDeal)
	r.POST("/deals/:id/resolve", h.ResolveArbitration)
	r.POST("/deals/:id/close", h.CloseDeal)
	r.POST("/offers/:id/reject", h.RejectOffer)
}

func caller(c *gin.Context) string {
	return c.GetString("authWallet")
}

func queryLimit(c *gin.Context, def, max int) int {
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			return min(parsed, max)
		}
	}
	return def
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": message,
	})
}

// respondError maps service errors onto HTTP responses. Stale-state
// rejections carry an action so clients know to reload.
func respondError(c *gin.Context, err error) {
	switch {
	case IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": err.Error()})
	case IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case IsInvalidState(err):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error(), "action": ActionReload})
	case errors.Is(err, ErrChainUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chain_unavailable", "message": err.Error(), "action": ActionWait})
	case errors.Is(err, ErrIntegrity):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "integrity_error", "message": "Deal state is inconsistent"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}

// ListOffers handles GET /v1/offers?status=active&type=nft&network=bsc
func (h *Handler) ListOffers(c *gin.Context) {
	f := OfferFilter{
		Type:    OfferType(c.Query("type")),
		Network: c.Query("network"),
		Limit:   queryLimit(c, 50, 200),
		Status:  OfferActive,
	}
	if raw := c.Query("status"); raw != "" {
		st, err := ParseOfferStatus(raw)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		f.Status = st
	}

	h.offerPage(c, f)
}

// offerPage lists one page of offers. ?cursor= continues from nextCursor.
func (h *Handler) offerPage(c *gin.Context, f OfferFilter) {
	before, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	f.Before = before
	limit := f.Limit
	f.Limit = limit + 1

	offers, err := h.service.ListOffers(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	offers, next, more := pagination.ComputePage(offers, limit, func(o *Offer) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
	if offers == nil {
		offers = []*Offer{}
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers, "count": len(offers), "nextCursor": next, "hasMore": more})
}

// GetOffer handles GET /v1/offers/:id. Parties see the current deal.
func (h *Handler) GetOffer(c *gin.Context) {
	view, err := h.service.GetOffer(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// MyOffers handles GET /v1/me/offers
func (h *Handler) MyOffers(c *gin.Context) {
	f := OfferFilter{Account: caller(c), Limit: queryLimit(c, 50, 200)}
	if raw := c.Query("status"); raw != "" {
		st, err := ParseOfferStatus(raw)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		f.Status = st
	}
	h.offerPage(c, f)
}

// CreateOffer handles POST /v1/offers
func (h *Handler) CreateOffer(c *gin.Context) {
	var in OfferInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	offer, err := h.service.CreateOffer(c.Request.Context(), caller(c), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"offer": offer})
}

// UpdateOffer handles PUT /v1/offers/:id
func (h *Handler) UpdateOffer(c *gin.Context) {
	var in OfferInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	offer, err := h.service.UpdateOffer(c.Request.Context(), c.Param("id"), caller(c), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// DeleteOffer handles DELETE /v1/offers/:id
func (h *Handler) DeleteOffer(c *gin.Context) {
	offer, err := h.service.DeleteOffer(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// CommitBuyer handles POST /v1/offers/:id/commit
func (h *Handler) CommitBuyer(c *gin.Context) {
	deal, err := h.service.CommitBuyer(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"deal": deal})
}

// MarkSeen handles POST /v1/offers/:id/seen
func (h *Handler) MarkSeen(c *gin.Context) {
	if err := h.service.MarkSeen(c.Request.Context(), c.Param("id"), caller(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ChangedCount handles GET /v1/me/changed
func (h *Handler) ChangedCount(c *gin.Context) {
	n, err := h.service.ChangedCount(c.Request.Context(), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": n})
}

// MySummary handles GET /v1/me/summary
func (h *Handler) MySummary(c *gin.Context) {
	sum, err := h.service.AccountSummary(c.Request.Context(), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// Summary handles GET /v1/summary
func (h *Handler) Summary(c *gin.Context) {
	sum, err := h.service.Summary(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// ListFeedback handles GET /v1/accounts/:address/feedback
func (h *Handler) ListFeedback(c *gin.Context) {
	items, err := h.service.ListFeedback(c.Request.Context(), c.Param("address"), queryLimit(c, 50, 200))
	if err != nil {
		respondError(c, err)
		return
	}
	if items == nil {
		items = []*DealFeedback{}
	}
	c.JSON(http.StatusOK, gin.H{"feedback": items, "count": len(items)})
}

// GetDeal handles GET /v1/deals/:id
func (h *Handler) GetDeal(c *gin.Context) {
	view, err := h.service.GetDeal(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) dealAction(c *gin.Context, fn func(ctx context.Context, dealID, caller string) (*Deal, error)) {
	deal, err := fn(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": deal, "action": ActionReload})
}

// SellerConfirm handles POST /v1/deals/:id/seller-confirm
func (h *Handler) SellerConfirm(c *gin.Context) { h.dealAction(c, h.service.SellerConfirm) }

// ConfirmFinish handles POST /v1/deals/:id/confirm-finish
func (h *Handler) ConfirmFinish(c *gin.Context) { h.dealAction(c, h.service.ConfirmFinish) }

// ApproveToken handles POST /v1/deals/:id/approve
func (h *Handler) ApproveToken(c *gin.Context) { h.dealAction(c, h.service.ApproveToken) }

// RetryApprove handles POST /v1/deals/:id/retry-approve
func (h *Handler) RetryApprove(c *gin.Context) { h.dealAction(c, h.service.RetryApprove) }

// BuyerClaimAfterCancelation handles POST /v1/deals/:id/cancel-claim
func (h *Handler) BuyerClaimAfterCancelation(c *gin.Context) {
	h.dealAction(c, h.service.BuyerClaimAfterCancelation)
}

// SignDeal handles POST /v1/deals/:id/sign
func (h *Handler) SignDeal(c *gin.Context) {
	signed, err := h.service.SignDeal(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signed": signed})
}

func (h *Handler) markPaid(c *gin.Context, side Side) {
	mark := h.service.BuyerMarkPaid
	if side == SideSeller {
		mark = h.service.SellerMarkPaid
	}
	action, deal, err := mark(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": deal, "action": action})
}

// BuyerMarkPaid handles POST /v1/deals/:id/buyer-paid
func (h *Handler) BuyerMarkPaid(c *gin.Context) { h.markPaid(c, SideBuyer) }

// SellerMarkPaid handles POST /v1/deals/:id/seller-paid
func (h *Handler) SellerMarkPaid(c *gin.Context) { h.markPaid(c, SideSeller) }

// FeedbackRequest is the body of completion and feedback calls.
type FeedbackRequest struct {
	Rating  int    `json:"rating"`
	Details string `json:"details"`
}

// BuyerComplete handles POST /v1/deals/:id/complete
func (h *Handler) BuyerComplete(c *gin.Context) {
	var req FeedbackRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body")
			return
		}
	}
	deal, err := h.service.BuyerComplete(c.Request.Context(), c.Param("id"), caller(c), req.Rating, req.Details)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": deal, "action": ActionReload})
}

// LeaveFeedback handles POST /v1/deals/:id/feedback
func (h *Handler) LeaveFeedback(c *gin.Context) {
	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	fb, err := h.service.LeaveFeedback(c.Request.Context(), c.Param("id"), caller(c), req.Rating, req.Details)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"feedback": fb})
}

// DisputeRequest is the body of POST /v1/deals/:id/dispute.
type DisputeRequest struct {
	Reasons []string `json:"reasons"`
	Details string   `json:"details"`
}

// CallArbitration handles POST /v1/deals/:id/dispute
func (h *Handler) CallArbitration(c *gin.Context) {
	var req DisputeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body")
			return
		}
	}
	view, err := h.service.CallArbitration(c.Request.Context(), c.Param("id"), caller(c), req.Reasons, req.Details)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// BuyerClaimAfterArbitration handles POST /v1/deals/:id/buyer-claim
func (h *Handler) BuyerClaimAfterArbitration(c *gin.Context) {
	view, err := h.service.BuyerClaimAfterArbitration(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// SellerClaimAfterArbitration handles POST /v1/deals/:id/seller-claim
func (h *Handler) SellerClaimAfterArbitration(c *gin.Context) {
	view, err := h.service.SellerClaimAfterArbitration(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// ListWTB handles GET /v1/wtb
func (h *Handler) ListWTB(c *gin.Context) {
	f := WTBFilter{
		Status:  WTBActive,
		Network: c.Query("network"),
		Account: c.Query("account"),
		Limit:   queryLimit(c, 50, 200),
	}
	items, err := h.service.ListWTB(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	if items == nil {
		items = []*WTBRequest{}
	}
	c.JSON(http.StatusOK, gin.H{"requests": items, "count": len(items)})
}

// CreateWTB handles POST /v1/wtb
func (h *Handler) CreateWTB(c *gin.Context) {
	var in WTBInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	req, err := h.service.CreateWTB(c.Request.Context(), caller(c), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"request": req})
}

// DeleteWTB handles DELETE /v1/wtb/:id
func (h *Handler) DeleteWTB(c *gin.Context) {
	if err := h.service.DeleteWTB(c.Request.Context(), c.Param("id"), caller(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SuggestRequest is the body of POST /v1/wtb/:id/suggest.
type SuggestRequest struct {
	OfferID string `json:"offerId" binding:"required"`
}

// SuggestOffer handles POST /v1/wtb/:id/suggest
func (h *Handler) SuggestOffer(c *gin.Context) {
	var req SuggestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "offerId is required")
		return
	}
	if err := h.service.SuggestOffer(c.Request.Context(), c.Param("id"), req.OfferID, caller(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListDeals handles GET /v1/moderator/deals?status=waiting_moderator
func (h *Handler) ListDeals(c *gin.Context) {
	status := DealWaitingModerator
	if raw := c.Query("status"); raw != "" {
		st, err := ParseDealStatus(raw)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		status = st
	}
	deals, err := h.service.ListDeals(c.Request.Context(), status, queryLimit(c, 50, 500))
	if err != nil {
		respondError(c, err)
		return
	}
	if deals == nil {
		deals = []*Deal{}
	}
	c.JSON(http.StatusOK, gin.H{"deals": deals, "count": len(deals)})
}

// InspectDeal handles GET /v1/moderator/deals/:id
func (h *Handler) InspectDeal(c *gin.Context) {
	view, err := h.service.InspectDeal(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// ResolveArbitration handles POST /v1/moderator/deals/:id/resolve
func (h *Handler) ResolveArbitration(c *gin.Context) {
	var res Resolution
	if err := json.NewDecoder(c.Request.Body).Decode(&res); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	arb, err := h.service.ResolveArbitration(c.Request.Context(), c.Param("id"), res)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"arbitration": arb})
}

// CloseDeal handles POST /v1/moderator/deals/:id/close
func (h *Handler) CloseDeal(c *gin.Context) {
	deal, err := h.service.CloseDeal(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": deal})
}

// RejectOffer handles POST /v1/moderator/offers/:id/reject
func (h *Handler) RejectOffer(c *gin.Context) {
	offer, err := h.service.RejectOffer(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}
