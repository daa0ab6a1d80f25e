package api

import (
	"context"
	"errors"
	"net/http"

	"fieldsync/internal/dto/req"
	"fieldsync/internal/dto/resp"
	"fieldsync/internal/service"
	"fieldsync/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type AuthProvider interface {
	Login(ctx context.Context, body req.LoginReq) (*resp.TokenResp, error)
	Refresh(ctx context.Context, refreshToken string) (*resp.TokenResp, error)
	Logout(ctx context.Context, userID string) error
}

type AuthHandler struct {
	svc AuthProvider
}

func NewAuthHandler(svc AuthProvider) *AuthHandler {
	return &AuthHandler{svc: svc}
}

func (h *AuthHandler) Login(c *gin.Context) {
	var body req.LoginReq
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tokens, err := h.svc.Login(c.Request.Context(), body)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
			return
		}
		logger.Error("login failed", zap.String("username", body.Username), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	c.JSON(http.StatusOK, tokens)
}

func (h *AuthHandler) Refresh(c *gin.Context) {
	var body req.RefreshReq
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tokens, err := h.svc.Refresh(c.Request.Context(), body.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}

	c.JSON(http.StatusOK, tokens)
}

func (h *AuthHandler) Logout(c *gin.Context) {
	op := service.GetOperatorInfo(c.Request.Context())
	if op == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if err := h.svc.Logout(c.Request.Context(), op.UserID); err != nil {
		logger.Error("logout failed", zap.String("user_id", op.UserID), zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

func (h *AuthHandler) GetProfile(c *gin.Context) {
	op := service.GetOperatorInfo(c.Request.Context())
	if op == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, resp.UserInfo{
		ID:       op.UserID,
		Username: op.Name,
		Role:     op.Role,
	})
}
