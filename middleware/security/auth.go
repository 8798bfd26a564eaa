package security

import (
	"net/http"

	"PPRelay/module/identity"

	"github.com/gin-gonic/gin"
)

// context key
// 后续 handler 统一用这俩 key 读取
const (
	CtxUserIDKey   = "userId"   // int64
	CtxUsernameKey = "username" // string
)

// Middleware 校验 ?token= 或 Authorization: Bearer，通过后把身份写入 context
func Middleware(v identity.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := identity.TokenFromRequest(c.Request)
		if token == "" {
			abort(c, "Authentication error: no token provided")
			return
		}
		id, err := v.Verify(token)
		if err != nil {
			abort(c, "Authentication error: invalid token")
			return
		}
		c.Set(CtxUserIDKey, id.UserID)
		c.Set(CtxUsernameKey, id.Username)
		c.Next()
	}
}

// UserID 读取 Middleware 写入的用户 id
func UserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(CtxUserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

func abort(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
}
