package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"credbroker-go/internal/credential"
	"credbroker-go/internal/errors"
)

type oauthRequest struct {
	Credential map[string]interface{} `json:"credential"`
}

// handleOAuthGrant starts the authorization-code flow for the posted
// credential and returns the authorization-request URL.
func (s *Server) handleOAuthGrant(c *gin.Context) {
	var req oauthRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Credential == nil {
		renderError(c, errors.NewValidation("a credential payload is required"))
		return
	}

	grant, err := s.deps.Credentials.GrantTransient(c.Request.Context(), req.Credential, s.sessionToken(c))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": grant})
}

// handleOAuthRevoke clears the posted credential's tokens, best-effort
// revoking them upstream first.
func (s *Server) handleOAuthRevoke(c *gin.Context) {
	var req oauthRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Credential == nil {
		renderError(c, errors.NewValidation("a credential payload is required"))
		return
	}

	cred, err := s.deps.Credentials.Get(c.Request.Context(), stringField(req.Credential, "name"))
	if err != nil {
		// Fall back to the posted payload for credentials never persisted.
		if cred, err = credential.Validate(req.Credential); err != nil {
			renderError(c, err)
			return
		}
	}

	ok := s.deps.Credentials.Revoke(c.Request.Context(), cred)
	c.JSON(http.StatusOK, gin.H{"success": ok})
}

// handleOAuthRedirect consumes the provider redirect and sends the admin back
// to the settings page. An invalid or expired transient renders a terminal
// error page instead.
func (s *Server) handleOAuthRedirect(c *gin.Context) {
	code := c.Query("code")
	state := c.Query("state")
	challenge := c.Query("code_challenge")

	if ok := s.deps.Credentials.RedirectCallback(c.Request.Context(), code, state, challenge); !ok {
		c.Header("Content-Type", "text/html; charset=utf-8")
		c.String(http.StatusBadRequest,
			"<html><body><h1>Authorization failed</h1><p>The authorization request is invalid or has expired. Start the grant again from the settings page.</p></body></html>")
		return
	}

	c.Redirect(http.StatusFound, s.settingsURL())
}

func (s *Server) settingsURL() string {
	cfg := s.cfg.Current()
	if u := cfg.OAuth.SettingsURL; u != "" {
		return u
	}
	return strings.TrimRight(cfg.Server.SiteURL, "/") + "/settings"
}

// sessionToken binds grant nonces to the caller's own bearer token.
func (s *Server) sessionToken(c *gin.Context) string {
	v := c.GetHeader("Authorization")
	if len(v) > 7 && strings.EqualFold(v[:7], "Bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return ""
}

func stringField(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}
