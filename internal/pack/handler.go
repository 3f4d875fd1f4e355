package pack

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"tutorpay/internal/api"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) GetPackage(c *gin.Context) {
	pkg, err := h.engine.GetPackage(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrPackageNotFound) {
			c.JSON(http.StatusNotFound, api.ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "failed to load package"})
		return
	}

	c.JSON(http.StatusOK, pkg)
}

func (h *Handler) ListFlagged(c *gin.Context) {
	flagged, err := h.engine.ListFlagged(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "failed to load flagged packages"})
		return
	}

	c.JSON(http.StatusOK, flagged)
}
