package api

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/arbiter-ai/arbiter/pkg/orchestrator"
)

// extractRequester extracts the requesting identity from proxy headers.
// Priority: X-Forwarded-User (oauth2-proxy) > X-Forwarded-Email (oauth2-proxy) >
// X-Remote-User (kube-rbac-proxy) > "api-client"
func extractRequester(c *gin.Context) string {
	if user := c.GetHeader("X-Forwarded-User"); user != "" {
		return user
	}
	if email := c.GetHeader("X-Forwarded-Email"); email != "" {
		return email
	}
	if user := c.GetHeader("X-Remote-User"); user != "" {
		return user
	}
	return "api-client"
}

// credentialsFrom builds orchestrator credentials from the request's bearer
// token. Returns nil when the request carries none, which the orchestrator
// treats as an anonymous caller.
func credentialsFrom(c *gin.Context) *orchestrator.Credentials {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || token == "" {
		return nil
	}
	return &orchestrator.Credentials{
		Token: token,
		Extra: map[string]string{"requester": extractRequester(c)},
	}
}
