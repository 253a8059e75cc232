package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"credbroker-go/internal/errors"
	"credbroker-go/internal/identity"
)

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type identityResponse struct {
	Token       string `json:"token,omitempty"`
	UserEmail   string `json:"user_email"`
	UserLogin   string `json:"user_login"`
	DisplayName string `json:"display_name"`
}

func identityBody(token string, u *identity.User) identityResponse {
	return identityResponse{
		Token:       token,
		UserEmail:   u.Email,
		UserLogin:   u.Username,
		DisplayName: u.DisplayName,
	}
}

// handleJWTAuth issues a token for a username/password pair.
func (s *Server) handleJWTAuth(c *gin.Context) {
	var req authRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" || req.Password == "" {
		renderError(c, errors.NewValidation("username and password are required"))
		return
	}

	token, user, err := s.deps.Gate.Issue(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, identityBody(token, user))
}

// handleJWTValidate echoes the identity carried by a valid bearer token.
func (s *Server) handleJWTValidate(c *gin.Context) {
	raw := ""
	for _, name := range []string{"Authorization", "X-Authorization"} {
		v := c.GetHeader(name)
		if len(v) > 7 && strings.EqualFold(v[:7], "Bearer ") {
			raw = strings.TrimSpace(v[7:])
			break
		}
	}
	if raw == "" {
		renderError(c, errors.NewAuth("missing_token", "a bearer token is required"))
		return
	}

	user, err := s.deps.Gate.Validate(raw)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, identityBody("", user))
}
