package delivery

import (
	"errors"
	"net/http"

	authdto "replywatch-backend/internal/auth/dto"
	"replywatch-backend/internal/auth/usecase"
	mailboxdomain "replywatch-backend/internal/mailbox/domain"

	"github.com/gin-gonic/gin"
)

// HealthInvalidator drops a cached mailbox health verdict.
type HealthInvalidator interface {
	Invalidate(userID string, provider mailboxdomain.ProviderType)
}

type AccountHandler struct {
	credentialUsecase usecase.CredentialUsecase
	health            HealthInvalidator
}

func NewAccountHandler(credentialUsecase usecase.CredentialUsecase, health HealthInvalidator) *AccountHandler {
	return &AccountHandler{
		credentialUsecase: credentialUsecase,
		health:            health,
	}
}

// RegisterAccount connects a mailbox for reply tracking.
func (h *AccountHandler) RegisterAccount(c *gin.Context) {
	var req authdto.RegisterAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.credentialUsecase.RegisterAccount(&req)
	if err != nil {
		switch {
		case errors.Is(err, usecase.ErrAlreadyExists):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, usecase.ErrMissingTokens), errors.Is(err, usecase.ErrMissingIMAPAuth):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusCreated, authdto.AccountResponse{User: user})
}

// UpdateCredentials re-seals credentials after a re-login and lifts the re-authentication hold.
func (h *AccountHandler) UpdateCredentials(c *gin.Context) {
	var req authdto.UpdateCredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.credentialUsecase.UpdateCredentials(c.Param("id"), &req)
	if err != nil {
		switch {
		case errors.Is(err, usecase.ErrUserNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, usecase.ErrMissingTokens), errors.Is(err, usecase.ErrMissingIMAPAuth):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	if h.health != nil {
		h.health.Invalidate(user.ID, user.Provider)
	}

	c.JSON(http.StatusOK, authdto.AccountResponse{User: user})
}

func (h *AccountHandler) GetAccount(c *gin.Context) {
	user, err := h.credentialUsecase.GetUser(c.Param("id"))
	if err != nil {
		if errors.Is(err, usecase.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, authdto.AccountResponse{User: user})
}

// RegisterDevice stores an FCM token so alerts reach the mailbox owner.
func (h *AccountHandler) RegisterDevice(c *gin.Context) {
	var req authdto.RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.credentialUsecase.RegisterDevice(c.Param("id"), &req); err != nil {
		if errors.Is(err, usecase.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "device registered"})
}
