// Package identity abstracts the identity provider the auth gate
// authenticates against. The default provider reads users from the broker
// configuration with bcrypt password hashes.
package identity

import (
	"context"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"credbroker-go/internal/config"
	"credbroker-go/internal/errors"
)

// User is an authenticated identity.
type User struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// Provider authenticates username/password pairs.
type Provider interface {
	Authenticate(ctx context.Context, username, password string) (*User, error)
}

// ConfigProvider authenticates against the users block of the configuration.
type ConfigProvider struct {
	users []config.UserConfig
}

// NewConfigProvider creates a provider over the configured users.
func NewConfigProvider(users []config.UserConfig) *ConfigProvider {
	return &ConfigProvider{users: users}
}

// Authenticate matches the username case-insensitively and verifies the
// password against the stored bcrypt hash. Unknown users and bad passwords
// yield the same error.
func (p *ConfigProvider) Authenticate(ctx context.Context, username, password string) (*User, error) {
	for _, u := range p.users {
		if !strings.EqualFold(u.Username, username) {
			continue
		}
		if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
			break
		}
		return &User{ID: u.ID, Username: u.Username, Email: u.Email, DisplayName: u.DisplayName}, nil
	}
	return nil, errors.NewAuth("invalid_credentials", "invalid username or password")
}
