package audit

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tutorpay/internal/api"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type ResolveRequest struct {
	ResolvedBy string `json:"resolved_by" binding:"required"`
	Note       string `json:"note" binding:"required"`
}

func (h *Handler) Run(c *gin.Context) {
	rep, err := h.service.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "audit run failed"})
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	logs, err := h.service.Recent(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "failed to load audit logs"})
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *Handler) Get(c *gin.Context) {
	rep, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAuditLogNotFound) {
			c.JSON(http.StatusNotFound, api.ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "failed to load audit log"})
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "resolved_by and note are required"})
		return
	}

	l, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req.ResolvedBy, req.Note)
	if err != nil {
		switch {
		case errors.Is(err, ErrAuditLogNotFound):
			c.JSON(http.StatusNotFound, api.ErrorResponse{Error: err.Error()})
		case errors.Is(err, ErrAlreadyResolved):
			c.JSON(http.StatusConflict, api.ErrorResponse{Error: err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "failed to resolve audit log"})
		}
		return
	}
	c.JSON(http.StatusOK, l)
}
