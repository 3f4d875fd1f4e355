package booking

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tutorpay/internal/api"
	"tutorpay/internal/money"
	"tutorpay/internal/pack"
	"tutorpay/internal/wallet"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

type CreateRequest struct {
	GuardianID    string    `json:"guardian_id" binding:"required"`
	TeacherID     string    `json:"teacher_id" binding:"required"`
	Subject       string    `json:"subject" binding:"required"`
	StartTime     time.Time `json:"start_time" binding:"required"`
	EndTime       time.Time `json:"end_time" binding:"required"`
	PriceCents    int64     `json:"price_cents" binding:"required,gt=0"`
	Policy        string    `json:"policy" binding:"omitempty,oneof=FLEXIBLE MODERATE STRICT"`
	PendingTierID *string   `json:"pending_tier_id"`
	PackageID     *string   `json:"package_id"`
}

type ActorRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

type CancelRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Role   string `json:"role" binding:"required,oneof=GUARDIAN TEACHER ADMIN"`
	Reason string `json:"reason"`
}

func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
		return
	}

	b, err := h.service.Create(c.Request.Context(), CreateInput{
		GuardianID:    req.GuardianID,
		TeacherID:     req.TeacherID,
		Subject:       req.Subject,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
		PriceCents:    money.Cents(req.PriceCents),
		Policy:        CancellationPolicy(req.Policy),
		PendingTierID: req.PendingTierID,
		PackageID:     req.PackageID,
	})
	if err != nil {
		switch {
		case errors.Is(err, pack.ErrPackageNotFound):
			c.JSON(http.StatusNotFound, api.ErrorResponse{Error: err.Error()})
		case errors.Is(err, ErrNotYourPackage):
			c.JSON(http.StatusForbidden, api.ErrorResponse{Error: err.Error()})
		default:
			c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
		}
		return
	}

	c.JSON(http.StatusCreated, b)
}

func (h *Handler) Get(c *gin.Context) {
	b, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) List(c *gin.Context) {
	guardianID := c.Query("guardian_id")
	if guardianID == "" {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "guardian_id is required"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	list, err := h.service.ListByGuardian(c.Request.Context(), guardianID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "failed to load bookings"})
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) Approve(c *gin.Context) {
	h.actorAction(c, func(userID, id string) (*Booking, error) {
		return h.service.Approve(c.Request.Context(), userID, id)
	})
}

func (h *Handler) Reject(c *gin.Context) {
	h.actorAction(c, func(userID, id string) (*Booking, error) {
		return h.service.Reject(c.Request.Context(), userID, id)
	})
}

func (h *Handler) Pay(c *gin.Context) {
	h.actorAction(c, func(userID, id string) (*Booking, error) {
		return h.service.Pay(c.Request.Context(), userID, id)
	})
}

func (h *Handler) MarkDelivered(c *gin.Context) {
	h.actorAction(c, func(userID, id string) (*Booking, error) {
		return h.service.MarkDelivered(c.Request.Context(), userID, id)
	})
}

func (h *Handler) Confirm(c *gin.Context) {
	h.actorAction(c, func(userID, id string) (*Booking, error) {
		return h.service.Confirm(c.Request.Context(), userID, id)
	})
}

func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
		return
	}

	b, err := h.service.Cancel(c.Request.Context(), req.UserID, Role(req.Role), c.Param("id"), req.Reason)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) CancelEstimate(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "user_id is required"})
		return
	}
	role := Role(c.DefaultQuery("role", string(RoleGuardian)))

	est, err := h.service.CancelEstimate(c.Request.Context(), userID, role, c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, est)
}

func (h *Handler) Dispute(c *gin.Context) {
	var req ActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "user_id is required"})
		return
	}

	if err := h.service.Dispute(c.Request.Context(), req.UserID, c.Param("id")); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.MessageResponse{Message: "dispute recorded"})
}

func (h *Handler) actorAction(c *gin.Context, fn func(userID, id string) (*Booking, error)) {
	var req ActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "user_id is required"})
		return
	}

	b, err := fn(req.UserID, c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrBookingNotFound), errors.Is(err, pack.ErrPackageNotFound), errors.Is(err, pack.ErrTierNotFound):
		c.JSON(http.StatusNotFound, api.ErrorResponse{Error: err.Error()})
	case errors.Is(err, ErrNotYourBooking), errors.Is(err, ErrNotYourPackage):
		c.JSON(http.StatusForbidden, api.ErrorResponse{Error: err.Error()})
	case errors.Is(err, ErrInvalidStateTransition), errors.Is(err, ErrCancellationNotAllowed):
		c.JSON(http.StatusConflict, api.ErrorResponse{Error: err.Error()})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, api.ErrorResponse{Error: err.Error()})
	case errors.Is(err, pack.ErrPackageExpired), errors.Is(err, pack.ErrPackageExhausted), errors.Is(err, pack.ErrPackageInactive):
		c.JSON(http.StatusUnprocessableEntity, api.ErrorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "internal error"})
	}
}
