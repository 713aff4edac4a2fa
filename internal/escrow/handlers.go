package escrow

import (
	"context"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/workdrop/escrowd/internal/chainerr"
	"github.com/workdrop/escrowd/internal/params"
)

// Handler provides HTTP endpoints for escrow operations. It is the
// daemon's delivery surface for the marketplace UI; callers receive
// structured validation results, lifecycle outcomes, and taxonomy
// errors, never raw provider payloads.
type Handler struct {
	gateway   *Gateway
	validator *params.Validator
	store     *Store
}

// NewHandler creates a new escrow handler.
func NewHandler(gateway *Gateway, validator *params.Validator, store *Store) *Handler {
	return &Handler{gateway: gateway, validator: validator, store: store}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/start", h.StartWork)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/parties/:address/escrows", h.ListByParty)
	r.POST("/escrows/validate", h.ValidateParams)
	r.POST("/escrows/:id/estimate", h.EstimateCost)
}

// createRequest is the wire form for escrow creation.
type createRequest struct {
	EscrowID   string `json:"escrowId" binding:"required"`
	Client     string `json:"client" binding:"required"`
	Freelancer string `json:"freelancer" binding:"required"`
	Amount     any    `json:"amount" binding:"required"`
	Title      string `json:"title"`
	Deadline   string `json:"deadline" binding:"required"` // RFC 3339
}

func (r createRequest) toParams() params.EscrowParams {
	deadline, _ := time.Parse(time.RFC3339, r.Deadline)
	return params.EscrowParams{
		EscrowID:   r.EscrowID,
		Client:     r.Client,
		Freelancer: r.Freelancer,
		Amount:     r.Amount,
		Title:      r.Title,
		Deadline:   deadline,
	}
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result := h.validator.ValidateEscrowParams(req.toParams())
	if !result.OK() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":    "validation_error",
			"details":  result.Errors,
			"warnings": result.Warnings,
		})
		return
	}

	outcome, err := h.gateway.Create(c.Request.Context(), result.Sanitized)
	if err != nil {
		respondChainError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"outcome":  outcome,
		"warnings": result.Warnings,
	})
}

// StartWork handles POST /v1/escrows/:id/start
func (h *Handler) StartWork(c *gin.Context) {
	h.mutate(c, h.gateway.StartWork)
}

// ReleaseEscrow handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	h.mutate(c, h.gateway.Release)
}

// RefundEscrow handles POST /v1/escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	h.mutate(c, h.gateway.Refund)
}

func (h *Handler) mutate(c *gin.Context, op func(ctx context.Context, id string) (*Outcome, error)) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "escrow id is required",
		})
		return
	}

	outcome, err := op(c.Request.Context(), id)
	if err != nil {
		respondChainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id := c.Param("id")

	rec, err := h.gateway.GetEscrow(c.Request.Context(), id)
	if err != nil {
		respondChainError(c, err)
		return
	}
	if !rec.Exists {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No escrow exists for this id",
			"escrow":  rec,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// ListByParty handles GET /v1/parties/:address/escrows
func (h *Handler) ListByParty(c *gin.Context) {
	address := c.Param("address")
	if _, err := params.ValidateAddress(address); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": err.Error(),
		})
		return
	}

	ids, err := h.gateway.ListByParty(c.Request.Context(), common.HexToAddress(address))
	if err != nil {
		respondChainError(c, err)
		return
	}

	// Serve cached detail where the store has it.
	cached := h.store.ListByParty(address)
	c.JSON(http.StatusOK, gin.H{
		"ids":    ids,
		"cached": cached,
	})
}

// ValidateParams handles POST /v1/escrows/validate. It is a dry run:
// the full structured result is returned so the UI can render every
// problem at once.
func (h *Handler) ValidateParams(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result := h.validator.ValidateEscrowParams(req.toParams())
	c.JSON(http.StatusOK, gin.H{
		"ok":       result.OK(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// estimateRequest is the wire form for cost previews.
type estimateRequest struct {
	Op         string `json:"op" binding:"required"`
	Freelancer string `json:"freelancer"`
	Title      string `json:"title"`
	Amount     string `json:"amount"`
}

// EstimateCost handles POST /v1/escrows/:id/estimate
func (h *Handler) EstimateCost(c *gin.Context) {
	id := c.Param("id")

	var req estimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	er := EstimateRequest{EscrowID: id, Title: req.Title}
	if req.Freelancer != "" {
		er.Freelancer = common.HexToAddress(req.Freelancer)
	}
	if req.Amount != "" {
		base, err := params.FormatForChain(req.Amount, h.validator.Decimals)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": err.Error(),
			})
			return
		}
		er.Value = base
	}

	est, err := h.gateway.EstimateCost(c.Request.Context(), Op(req.Op), er)
	if err != nil {
		respondChainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"estimate": est})
}

// respondChainError maps taxonomy kinds to HTTP statuses. The body
// always carries the kind so the UI can branch without parsing text.
func respondChainError(c *gin.Context, err error) {
	kind := chainerr.KindOf(err)

	status := http.StatusBadGateway
	switch kind {
	case chainerr.KindInvalidParameters:
		status = http.StatusBadRequest
	case chainerr.KindOperationInProgress:
		status = http.StatusConflict
	case chainerr.KindUserRejected:
		status = http.StatusConflict
	case chainerr.KindContractPrecondition:
		status = http.StatusUnprocessableEntity
	case chainerr.KindInsufficientFunds:
		status = http.StatusPaymentRequired
	case chainerr.KindConfirmationTimeout:
		status = http.StatusGatewayTimeout
	case chainerr.KindNoProviderFound, chainerr.KindNoAccountsAvailable:
		status = http.StatusServiceUnavailable
	case chainerr.KindWrongNetwork, chainerr.KindNetworkSwitchRejected, chainerr.KindNetworkUnregistrable:
		status = http.StatusConflict
	}

	c.JSON(status, gin.H{
		"error":   string(kind),
		"message": err.Error(),
	})
}
