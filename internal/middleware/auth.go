// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"advisor-go/internal/model"
	"advisor-go/pkg/log"

	"github.com/gin-gonic/gin"
)

const identityKey = "identity"

// IdentityVerifier 把身份提供方的 token 转换成用户身份，由 token.JWTManager 实现。
type IdentityVerifier interface {
	Identity(tokenString string) (model.Identity, error)
}

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// 它会从请求头中提取 token，验证其有效性，并将 model.Identity 存入 Gin 的上下文中。
func AuthMiddleware(verifier IdentityVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "请求未包含授权头", "data": nil})
			return
		}

		// Token 以 "Bearer <token>" 的形式提供
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的授权头格式", "data": nil})
			return
		}

		id, err := verifier.Identity(strings.TrimPrefix(authHeader, bearerPrefix))
		if err != nil {
			log.Warnf("token 校验失败: %v", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效或已过期的 token", "data": nil})
			return
		}

		SetIdentity(c, id)
		c.Next()
	}
}

// SetIdentity 把身份放进请求上下文。
func SetIdentity(c *gin.Context, id model.Identity) {
	c.Set(identityKey, id)
}

// CurrentIdentity 返回当前请求的身份，没有经过认证时为零值。
func CurrentIdentity(c *gin.Context) model.Identity {
	if v, ok := c.Get(identityKey); ok {
		if id, ok := v.(model.Identity); ok {
			return id
		}
	}
	return model.Identity{}
}
