package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pagepass/server/internal/models"
	"github.com/pagepass/server/internal/repository"
	"github.com/pagepass/server/internal/service"
)

// Handler holds the API handlers
type Handler struct {
	service service.Service
}

// NewHandler creates a new API handler
func NewHandler(svc service.Service) *Handler {
	return &Handler{service: svc}
}

// SetupRoutes registers all API routes on the router
func (h *Handler) SetupRoutes(router *gin.Engine) {
	auth := router.Group("/api/auth")
	{
		auth.POST("/signup", h.SignUp)
		auth.POST("/login", h.Login)
	}

	api := router.Group("/api")
	api.Use(AuthMiddleware())
	{
		api.POST("/books", h.AddBook)
		api.GET("/books", h.ListBooks)
		api.GET("/books/:id", h.GetBook)
		api.DELETE("/books/:id", h.RemoveBook)

		api.POST("/books/:id/borrow", h.RequestBorrow)
		api.POST("/books/:id/queue", h.JoinQueue)
		api.DELETE("/books/:id/queue", h.LeaveQueue)
		api.POST("/books/:id/recall", h.RecallBook)
		api.DELETE("/books/:id/recall", h.CancelRecall)
		api.POST("/books/:id/ready-to-pass", h.ReadyToPass)
		api.POST("/books/:id/still-reading", h.StillReading)
		api.POST("/books/:id/offer/accept", h.AcceptOffer)
		api.POST("/books/:id/offer/pass", h.PassOffer)

		api.POST("/handoffs/:id/confirm", h.ConfirmHandoff)

		// Periodic entry points; meant for a scheduler, not end users.
		api.POST("/sweeps/offer-timeouts", h.RunOfferTimeoutSweep)
		api.POST("/sweeps/reminders", h.RunReminderSweep)
	}
}

// Authentication handlers

func (h *Handler) SignUp(c *gin.Context) {
	var req models.SignUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Status:  "error",
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
		})
		return
	}

	resp, err := h.service.SignUp(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, service.ErrEmailTaken) {
			c.JSON(http.StatusConflict, models.ErrorResponse{
				Status:  "error",
				Code:    "EMAIL_TAKEN",
				Message: err.Error(),
			})
			return
		}
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Status:  "error",
			Code:    "SIGNUP_FAILED",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Status:  "error",
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
		})
		return
	}

	resp, err := h.service.Login(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{
			Status:  "error",
			Code:    "LOGIN_FAILED",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Shelf handlers

func (h *Handler) AddBook(c *gin.Context) {
	var req models.AddBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Status:  "error",
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
		})
		return
	}

	snapshot, err := h.service.AddBook(c.Request.Context(), c.GetString("userId"), req)
	h.respond(c, snapshot, err)
}

func (h *Handler) ListBooks(c *gin.Context) {
	books, err := h.service.ListBooks(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.BookListResponse{Status: "success", Books: books})
}

func (h *Handler) GetBook(c *gin.Context) {
	snapshot, err := h.service.GetBook(c.Request.Context(), c.Param("id"))
	h.respond(c, snapshot, err)
}

func (h *Handler) RemoveBook(c *gin.Context) {
	snapshot, err := h.service.RemoveBook(c.Request.Context(), c.GetString("userId"), c.Param("id"))
	h.respond(c, snapshot, err)
}

// Circulation handlers

func (h *Handler) RequestBorrow(c *gin.Context) {
	snapshot, err := h.service.RequestBorrow(c.Request.Context(), c.Param("id"), c.GetString("userId"))
	h.respond(c, snapshot, err)
}

func (h *Handler) JoinQueue(c *gin.Context) {
	snapshot, err := h.service.JoinQueue(c.Request.Context(), c.Param("id"), c.GetString("userId"))
	h.respond(c, snapshot, err)
}

func (h *Handler) LeaveQueue(c *gin.Context) {
	snapshot, err := h.service.LeaveQueue(c.Request.Context(), c.Param("id"), c.GetString("userId"))
	h.respond(c, snapshot, err)
}

func (h *Handler) RecallBook(c *gin.Context) {
	snapshot, err := h.service.RecallBook(c.Request.Context(), c.Param("id"), c.GetString("userId"))
	h.respond(c, snapshot, err)
}

func (h *Handler) CancelRecall(c *gin.Context) {
	snapshot, err := h.service.CancelRecall(c.Request.Context(), c.Param("id"), c.GetString("userId"))
	h.respond(c, snapshot, err)
}

func (h *Handler) ReadyToPass(c *gin.Context) {
	snapshot, err := h.service.ReadyToPass(c.Request.Context(), c.Param("id"), c.GetString("userId"))
	h.respond(c, snapshot, err)
}

func (h *Handler) StillReading(c *gin.Context) {
	snapshot, err := h.service.StillReading(c.Request.Context(), c.Param("id"), c.GetString("userId"))
	h.respond(c, snapshot, err)
}

func (h *Handler) AcceptOffer(c *gin.Context) {
	snapshot, err := h.service.AcceptOffer(c.Request.Context(), c.Param("id"), c.GetString("userId"))
	h.respond(c, snapshot, err)
}

func (h *Handler) PassOffer(c *gin.Context) {
	var req models.PassOfferRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{
				Status:  "error",
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			})
			return
		}
	}

	snapshot, err := h.service.PassOffer(c.Request.Context(), c.Param("id"), c.GetString("userId"), req.Reason)
	h.respond(c, snapshot, err)
}

func (h *Handler) ConfirmHandoff(c *gin.Context) {
	var req models.ConfirmHandoffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Status:  "error",
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
		})
		return
	}

	snapshot, err := h.service.ConfirmHandoff(c.Request.Context(), c.Param("id"), c.GetString("userId"), req.Party)
	h.respond(c, snapshot, err)
}

// Sweep handlers

func (h *Handler) RunOfferTimeoutSweep(c *gin.Context) {
	processed, err := h.service.RunOfferTimeoutSweep(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.SweepResponse{Status: "success", Processed: processed})
}

func (h *Handler) RunReminderSweep(c *gin.Context) {
	processed, err := h.service.RunReminderSweep(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.SweepResponse{Status: "success", Processed: processed})
}

// respond writes the snapshot on success or maps the error otherwise.
func (h *Handler) respond(c *gin.Context, snapshot *models.BookSnapshot, err error) {
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

// respondError maps service errors to HTTP responses. Anything outside the
// taxonomy is a generic retryable error.
func (h *Handler) respondError(c *gin.Context, err error) {
	var status int
	var code string

	switch {
	case errors.Is(err, service.ErrBookNotFound),
		errors.Is(err, service.ErrHandoffNotFound),
		errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrNotQueued):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, service.ErrSelfBorrowDenied),
		errors.Is(err, service.ErrOwnerCannotQueue),
		errors.Is(err, service.ErrNotAuthorized),
		errors.Is(err, service.ErrNotCurrentBorrower),
		errors.Is(err, service.ErrNotOwner),
		errors.Is(err, service.ErrNotOfferRecipient):
		status, code = http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, service.ErrAlreadyBorrowed),
		errors.Is(err, service.ErrAlreadyQueued),
		errors.Is(err, service.ErrNotBorrowed),
		errors.Is(err, service.ErrBookAvailable),
		errors.Is(err, service.ErrRecallNotActive),
		errors.Is(err, service.ErrNoActiveOffer),
		errors.Is(err, service.ErrBookOffShelf):
		status, code = http.StatusConflict, "CONFLICT"
	case errors.Is(err, repository.ErrStaleState):
		// Lost the race to another transition; the caller should re-fetch
		// and see the actual outcome.
		status, code = http.StatusConflict, "CONFLICT"
	default:
		status, code = http.StatusInternalServerError, "INTERNAL_ERROR"
		c.JSON(status, models.ErrorResponse{
			Status:  "error",
			Code:    code,
			Message: "Something went wrong, please retry",
		})
		return
	}

	c.JSON(status, models.ErrorResponse{
		Status:  "error",
		Code:    code,
		Message: err.Error(),
	})
}
