package policy

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for rule table management.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new policy handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up policy routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/policies", h.List)
	r.GET("/policies/:id", h.Get)
	r.POST("/policies", h.Create)
	r.PUT("/policies/:id", h.Update)
	r.POST("/policies/:id/deactivate", h.Deactivate)
}

// List handles GET /v1/policies
func (h *Handler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"policies": h.manager.Policies()})
}

// Get handles GET /v1/policies/:id
func (h *Handler) Get(c *gin.Context) {
	p, err := h.manager.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "policy not found"})
		return
	}
	c.JSON(http.StatusOK, p)
}

// Create handles POST /v1/policies
func (h *Handler) Create(c *gin.Context) {
	var p RiskPolicy
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if p.ID == "" || p.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "id and name required"})
		return
	}
	if len(p.Actions) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "at least one action required"})
		return
	}

	if err := h.manager.Add(p); err != nil {
		if errors.Is(err, ErrDuplicateID) {
			c.JSON(http.StatusConflict, gin.H{"error": "duplicate_id", "message": "policy id already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusCreated, p)
}

// Update handles PUT /v1/policies/:id
func (h *Handler) Update(c *gin.Context) {
	var p RiskPolicy
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if err := h.manager.Update(c.Param("id"), p); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "policy not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

// Deactivate handles POST /v1/policies/:id/deactivate
func (h *Handler) Deactivate(c *gin.Context) {
	if err := h.manager.Deactivate(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "policy not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deactivated": true})
}
