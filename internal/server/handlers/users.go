package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/cloudzz-dev/estatemsg/internal/errorx"
	"github.com/cloudzz-dev/estatemsg/internal/models"
	"github.com/cloudzz-dev/estatemsg/internal/server/auth"
	"github.com/cloudzz-dev/estatemsg/internal/server/ratelimit"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *Handlers) Register(c *gin.Context) {
	if !h.limiter.CanAuth(ratelimit.GetClientIP(c.Request)) {
		h.fail(c, errorx.ErrTooManyRequests)
		return
	}

	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.bindError(c, err)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	user := &models.User{
		UserRef: models.UserRef{
			Email:     req.Email,
			FirstName: strings.TrimSpace(req.FirstName),
			LastName:  strings.TrimSpace(req.LastName),
			Avatar:    req.Avatar,
		},
		Role:         models.RoleUser,
		PasswordHash: hash,
	}
	if err := h.store.CreateUser(c.Request.Context(), user); err != nil {
		h.fail(c, err)
		return
	}

	h.log.Info("user registered", zap.String("user", user.ID))
	h.respondWithToken(c, http.StatusCreated, user)
}

func (h *Handlers) Login(c *gin.Context) {
	if !h.limiter.CanAuth(ratelimit.GetClientIP(c.Request)) {
		h.fail(c, errorx.ErrTooManyRequests)
		return
	}

	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.bindError(c, err)
		return
	}

	user, err := h.store.GetUserByEmail(c.Request.Context(), req.Email)
	if errors.Is(err, errorx.ErrUserNotExist) {
		h.fail(c, errorx.ErrInvalidPassword)
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		h.fail(c, errorx.ErrInvalidPassword)
		return
	}

	h.respondWithToken(c, http.StatusOK, user)
}

func (h *Handlers) respondWithToken(c *gin.Context, status int, user *models.User) {
	token, err := h.issuer.NewToken(user.ID, user.Role)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(status, models.AuthResponse{Token: token, User: *user})
}

func (h *Handlers) Me(c *gin.Context) {
	user, err := h.store.GetUserByID(c.Request.Context(), auth.MustUserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}
