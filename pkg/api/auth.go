package api

import "github.com/gin-gonic/gin"

// extractActor reads the authenticated caller from an upstream reverse proxy
// (oauth2-proxy-style headers), falling back to a generic API client label.
func extractActor(c *gin.Context) string {
	if user := c.GetHeader("X-Forwarded-User"); user != "" {
		return user
	}
	if email := c.GetHeader("X-Forwarded-Email"); email != "" {
		return email
	}
	return "api-client"
}
