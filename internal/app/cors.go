package app

import (
	"net/url"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lingvo-space/core/internal/config"
)

// newCORS builds the operator API CORS policy. Development and an empty
// allowed_origins list accept any origin.
func newCORS(cfg *config.AppConfig) gin.HandlerFunc {
	c := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		AllowOriginFunc:  func(string) bool { return true },
	}
	if len(cfg.AllowedOrigins) > 0 && !cfg.IsDev() {
		c.AllowOriginFunc = allowOrigins(cfg.AllowedOrigins)
	}
	return cors.New(c)
}

// allowOrigins matches the origin's host against patterns of the form
// "lingvo.app", "*.lingvo.app" or "localhost:*".
func allowOrigins(patterns []string) func(origin string) bool {
	return func(origin string) bool {
		host := originHost(origin)
		for _, p := range patterns {
			if hostMatches(p, host) {
				return true
			}
		}
		return false
	}
}

func originHost(origin string) string {
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		return strings.ToLower(u.Host)
	}
	return strings.ToLower(origin)
}

func hostMatches(pattern, host string) bool {
	pattern = strings.ToLower(pattern)
	switch {
	case pattern == host:
		return true
	case strings.HasPrefix(pattern, "*."):
		// subdomains only, never the apex
		return strings.HasSuffix(host, pattern[1:])
	case strings.HasSuffix(pattern, ":*"):
		return strings.HasPrefix(host, strings.TrimSuffix(pattern, "*"))
	}
	return false
}
