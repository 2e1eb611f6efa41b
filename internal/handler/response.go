package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"taskflow/internal/service"
	"taskflow/pkg/logger"
	"taskflow/pkg/rbac"
)

// gin context keys set by the auth middleware
const (
	ContextUserID = "user_id"
	ContextRole   = "role"
)

// currentUser reads the identity stored by the auth middleware.
func currentUser(c *gin.Context) (userID, role string, ok bool) {
	userID = c.GetString(ContextUserID)
	role = c.GetString(ContextRole)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return "", "", false
	}
	return userID, role, true
}

func viewer(userID, role string) service.Viewer {
	return service.Viewer{UserID: userID, SeeAll: rbac.HasPermission(role, rbac.PermissionReadAnyTask)}
}

// respondError maps service errors onto HTTP statuses.
func respondError(c *gin.Context, log *zap.Logger, err error) {
	var notifyErr *service.NotificationError
	var permErr *rbac.PermissionDeniedError

	switch {
	case errors.Is(err, service.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, service.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &permErr):
		c.JSON(http.StatusForbidden, gin.H{"error": permErr.Error()})
	case errors.As(err, &notifyErr):
		// 数据已提交，仅通知失败
		c.JSON(http.StatusBadGateway, gin.H{
			"error":    "changes saved but status notification failed",
			"task_ids": notifyErr.TaskIDs,
		})
	default:
		logger.WithTrace(c.Request.Context(), log).Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func bindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
}
