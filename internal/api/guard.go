package api

import (
	"net"
	"net/http"
	"net/url"
	"slices"

	"github.com/gin-gonic/gin"

	"github.com/paqetui/paqetd/internal/command"
)

// originGuard rejects browser requests from pages other than a loopback
// origin or one listed in allowed. Requests without an Origin header come
// from non-browser clients and pass.
func originGuard(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" || slices.Contains(allowed, origin) || loopbackOrigin(origin) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, errorBody{
			Error: "origin " + origin + " is not allowed",
			Code:  command.ErrCodeInvalidRequest,
		})
	}
}

func loopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// requireJSON rejects state-changing requests that are not application/json.
// A browser cannot send that type cross-origin without a preflight, which
// this server never answers.
func requireJSON() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		if c.ContentType() != gin.MIMEJSON {
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, errorBody{
				Error: "content type must be " + gin.MIMEJSON,
				Code:  command.ErrCodeInvalidRequest,
			})
			return
		}
		c.Next()
	}
}
