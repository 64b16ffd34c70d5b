package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/forgeline/forgeline-backend/internal/apperr"
	"github.com/forgeline/forgeline-backend/internal/http/response"
	"github.com/forgeline/forgeline-backend/internal/orchestrator"
	"github.com/forgeline/forgeline-backend/internal/types"
)

type GenerationHandler struct {
	svc *orchestrator.Service
}

func NewGenerationHandler(svc *orchestrator.Service) *GenerationHandler {
	return &GenerationHandler{svc: svc}
}

type createGenerationReq struct {
	OrganizationID uuid.UUID      `json:"organization_id"`
	UserID         uuid.UUID      `json:"user_id"`
	Type           string         `json:"type"`
	Prompt         string         `json:"prompt"`
	Provider       string         `json:"provider,omitempty"`
	CallbackURL    string         `json:"callback_url,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// POST /api/generations
func (h *GenerationHandler) Create(c *gin.Context) {
	var req createGenerationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, apperr.CodeValidation, err)
		return
	}
	gen, err := h.svc.CreateGeneration(c.Request.Context(), orchestrator.CreateRequest{
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		Type:           types.GenerationType(req.Type),
		Prompt:         req.Prompt,
		Provider:       req.Provider,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
		CallbackURL:    req.CallbackURL,
		Metadata:       req.Metadata,
	})
	if err != nil {
		response.RespondAppError(c, err)
		return
	}
	response.RespondCreated(c, gin.H{"generation": gen})
}

// GET /api/generations/:id
func (h *GenerationHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, apperr.CodeValidation, err)
		return
	}
	gen, err := h.svc.GetGeneration(c.Request.Context(), id)
	if err != nil {
		response.RespondAppError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"generation": gen})
}

// POST /api/generations/:id/cancel
func (h *GenerationHandler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, apperr.CodeValidation, err)
		return
	}
	gen, err := h.svc.CancelGeneration(c.Request.Context(), id)
	if err != nil {
		response.RespondAppError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"generation": gen})
}
