package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const sessionKey = "session"

// Middleware 解析 Authorization 头。required 为 false 时无效令牌按匿名处理。
func Middleware(a Authenticator, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token") // WebSocket/SSE 无法设置请求头
		}

		session, err := a.Authenticate(token)
		if err != nil {
			if required {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"success": false,
					"message": "Authentication required",
					"error":   "unauthenticated",
				})
				return
			}
			c.Next()
			return
		}

		c.Set(sessionKey, session)
		c.Request = c.Request.WithContext(WithSession(c.Request.Context(), session))
		c.Next()
	}
}

// SessionFrom 取出当前请求的会话，未登录时返回 nil
func SessionFrom(c *gin.Context) *Session {
	if v, ok := c.Get(sessionKey); ok {
		if s, ok := v.(*Session); ok {
			return s
		}
	}
	return FromContext(c.Request.Context())
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
