// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"

	"advisor-go/internal/service"
	"advisor-go/pkg/log"

	"github.com/gin-gonic/gin"
)

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": data})
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"code": status, "message": message, "data": nil})
}

// respondGatewayError 把网关错误映射成 HTTP 状态码。
func respondGatewayError(c *gin.Context, err error) {
	switch service.GatewayErrorKindOf(err) {
	case service.GatewayAuthRequired:
		respondError(c, http.StatusUnauthorized, "authentication required")
	case service.GatewayNotFound:
		respondError(c, http.StatusNotFound, "conversation not found")
	default:
		log.Errorf("gateway error: %v", err)
		respondError(c, http.StatusInternalServerError, "failed to access conversations")
	}
}
