package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tutorpay/internal/api"
	"tutorpay/internal/money"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

type DepositRequest struct {
	AmountCents int64  `json:"amount_cents" binding:"required,gt=0"`
	Note        string `json:"note"`
}

type WithdrawalRequest struct {
	AmountCents int64  `json:"amount_cents" binding:"required,gt=0"`
	Note        string `json:"note"`
}

type ProcessRequest struct {
	Approve   bool   `json:"approve"`
	AdminNote string `json:"admin_note"`
}

func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.Param("userID")

	w, err := h.service.GetBalance(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "failed to load wallet"})
		return
	}

	c.JSON(http.StatusOK, w)
}

func (h *Handler) Deposit(c *gin.Context) {
	userID := c.Param("userID")

	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "amount_cents must be positive"})
		return
	}

	txn, err := h.service.Deposit(c.Request.Context(), userID, money.Cents(req.AmountCents), req.Note)
	if err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "failed to record deposit"})
		return
	}

	c.JSON(http.StatusCreated, txn)
}

func (h *Handler) RequestWithdrawal(c *gin.Context) {
	userID := c.Param("userID")

	var req WithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "amount_cents must be positive"})
		return
	}

	txn, err := h.service.RequestWithdrawal(c.Request.Context(), userID, money.Cents(req.AmountCents), req.Note)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			c.JSON(http.StatusUnprocessableEntity, api.ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "failed to record withdrawal"})
		return
	}

	c.JSON(http.StatusCreated, txn)
}

func (h *Handler) ProcessTransaction(c *gin.Context) {
	txnID := c.Param("id")

	var req ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid request body"})
		return
	}

	txn, err := h.service.ProcessTransaction(c.Request.Context(), txnID, req.Approve, req.AdminNote)
	if err != nil {
		switch {
		case errors.Is(err, ErrTransactionNotFound):
			c.JSON(http.StatusNotFound, api.ErrorResponse{Error: err.Error()})
		case errors.Is(err, ErrAlreadyProcessed):
			c.JSON(http.StatusConflict, api.ErrorResponse{Error: err.Error()})
		case errors.Is(err, ErrInsufficientFunds):
			c.JSON(http.StatusUnprocessableEntity, api.ErrorResponse{Error: err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "failed to process transaction"})
		}
		return
	}

	c.JSON(http.StatusOK, txn)
}

func (h *Handler) ListTransactions(c *gin.Context) {
	userID := c.Param("userID")

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	txs, err := h.service.GetTransactions(c.Request.Context(), userID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "failed to load transactions"})
		return
	}

	c.JSON(http.StatusOK, txs)
}
