package monitor

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/attestwatch/internal/risk"
	"github.com/mbd888/attestwatch/internal/validation"
)

// Handler provides HTTP endpoints for wallet monitoring.
type Handler struct {
	service *Service
	history risk.ProfileStore
}

// NewHandler creates a monitoring handler. history may be nil; the history
// endpoint then returns 404.
func NewHandler(service *Service, history risk.ProfileStore) *Handler {
	return &Handler{service: service, history: history}
}

// RegisterRoutes sets up monitoring routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets", h.List)
	r.POST("/wallets", h.Register)
	r.DELETE("/wallets/:address", h.Unregister)
	r.GET("/wallets/:address/risk", h.GetRisk)
	r.POST("/wallets/:address/check", h.ForceCheck)
	r.GET("/wallets/:address/history", h.History)
	r.GET("/wallets/:address/report", h.Report)
	r.GET("/wallets/:address/behavior", h.Behavior)
	r.POST("/transactions", h.IngestTransaction)
}

type registerRequest struct {
	WalletAddress  string `json:"walletAddress" binding:"required"`
	AttestationKey string `json:"attestationKey"`
}

// List handles GET /v1/wallets
func (h *Handler) List(c *gin.Context) {
	wallets := h.service.Wallets()
	c.JSON(http.StatusOK, gin.H{"wallets": wallets, "count": len(wallets)})
}

// Register handles POST /v1/wallets
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	req.WalletAddress = validation.SanitizeAddress(req.WalletAddress)
	if errs := validation.Validate(
		validation.Required("walletAddress", req.WalletAddress),
		validation.ValidAddress("walletAddress", req.WalletAddress),
		validation.MaxLength("attestationKey", req.AttestationKey, 128),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": errs})
		return
	}

	h.service.Register(req.WalletAddress, req.AttestationKey)
	c.JSON(http.StatusCreated, gin.H{"walletAddress": req.WalletAddress, "monitored": true})
}

// Unregister handles DELETE /v1/wallets/:address
func (h *Handler) Unregister(c *gin.Context) {
	address := c.Param("address")
	if !h.service.IsMonitored(address) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "wallet is not monitored"})
		return
	}
	h.service.Unregister(address)
	c.JSON(http.StatusOK, gin.H{"walletAddress": address, "monitored": false})
}

// GetRisk handles GET /v1/wallets/:address/risk
//
// Serves only cached assessments. A stale entry is a 404 with a hint to
// POST a forced check.
func (h *Handler) GetRisk(c *gin.Context) {
	profile, err := h.service.GetWalletRisk(c.Param("address"))
	if err != nil {
		switch {
		case errors.Is(err, ErrNotMonitored):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "wallet is not monitored"})
		case errors.Is(err, ErrStaleProfile):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "no_fresh_assessment",
				"message": "no assessment within the cache TTL; force a check",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}
	c.JSON(http.StatusOK, profile)
}

// ForceCheck handles POST /v1/wallets/:address/check
func (h *Handler) ForceCheck(c *gin.Context) {
	profile, err := h.service.ForceRiskCheck(c.Request.Context(), c.Param("address"))
	if err != nil {
		if errors.Is(err, ErrNotMonitored) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "wallet is not monitored"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "assessment_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, profile)
}

// History handles GET /v1/wallets/:address/history
func (h *Handler) History(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "profile history is not enabled"})
		return
	}

	limit := 20
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	profiles, err := h.history.ListByWallet(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profiles": profiles, "count": len(profiles)})
}

// Report handles GET /v1/wallets/:address/report
func (h *Handler) Report(c *gin.Context) {
	report, err := h.service.Report(c.Param("address"))
	if err != nil {
		switch {
		case errors.Is(err, ErrNotMonitored):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "wallet is not monitored"})
		case errors.Is(err, ErrStaleProfile):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "no_fresh_assessment",
				"message": "no assessment within the cache TTL; force a check",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}
	c.JSON(http.StatusOK, report)
}

// Behavior handles GET /v1/wallets/:address/behavior
func (h *Handler) Behavior(c *gin.Context) {
	bp := h.service.BehaviorProfile(c.Param("address"))
	if bp == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "insufficient transaction history for a behavior profile",
		})
		return
	}
	c.JSON(http.StatusOK, bp)
}

// IngestTransaction handles POST /v1/transactions
func (h *Handler) IngestTransaction(c *gin.Context) {
	var tx risk.TransactionAssessment
	if err := c.ShouldBindJSON(&tx); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	tx.WalletAddress = validation.SanitizeAddress(tx.WalletAddress)
	if errs := validation.Validate(
		validation.Required("walletAddress", tx.WalletAddress),
		validation.ValidAddress("walletAddress", tx.WalletAddress),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": errs})
		return
	}

	detections := h.service.IngestTransaction(c.Request.Context(), &tx)
	c.JSON(http.StatusAccepted, gin.H{
		"anomalies": detections,
		"count":     len(detections),
		"riskScore": tx.RiskScore,
	})
}
