package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/forgeline/forgeline-backend/internal/apperr"
	"github.com/forgeline/forgeline-backend/internal/http/response"
	"github.com/forgeline/forgeline-backend/internal/orchestrator"
)

type JobHandler struct {
	svc *orchestrator.Service
}

func NewJobHandler(svc *orchestrator.Service) *JobHandler {
	return &JobHandler{svc: svc}
}

// POST /api/admin/jobs/:id/retry
func (h *JobHandler) Retry(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, apperr.CodeValidation, err)
		return
	}
	if err := h.svc.RetryJob(c.Request.Context(), id); err != nil {
		response.RespondError(c, http.StatusConflict, apperr.CodeProcessingFailed, err)
		return
	}
	response.RespondOK(c, gin.H{"job_id": id, "status": "pending"})
}
