package middlewares

import (
	"net/http"

	"bitbucket.org/mmdatafocus/distro_backend/config"
	"bitbucket.org/mmdatafocus/distro_backend/utils"
	"github.com/gin-gonic/gin"
)

// Session is the cached login stored under "Token:<token>" in redis by the
// auth service.
type Session struct {
	UserId     int    `json:"user_id"`
	UserName   string `json:"user_name"`
	BusinessId string `json:"business_id"`
	IsAdmin    bool   `json:"is_admin"`
}

// SessionMiddleware resolves the token header into the tenant context every
// posting operation runs under. Requests without a token pass through; route
// handlers decide whether anonymous access is acceptable.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}

		var session Session
		exists, err := config.GetRedisObject("Token:"+token, &session)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), session.BusinessId)
		ctx = utils.SetUserIdInContext(ctx, session.UserId)
		ctx = utils.SetUserNameInContext(ctx, session.UserName)
		if session.IsAdmin {
			ctx = utils.SetIsAdminInContext(ctx)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
