package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/forgeline/forgeline-backend/internal/http/response"
	"github.com/forgeline/forgeline-backend/internal/orchestrator"
)

type HealthHandler struct {
	svc *orchestrator.Service
}

func NewHealthHandler(svc *orchestrator.Service) *HealthHandler {
	return &HealthHandler{svc: svc}
}

// GET /api/health
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	response.RespondOK(c, h.svc.HealthCheck(c.Request.Context()))
}
