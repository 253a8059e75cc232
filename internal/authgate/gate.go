// Package authgate implements the REST auth gate: current-user resolution
// from bearer tokens, pre-dispatch gating with an optional origin whitelist,
// and issue/validate of the broker's own JWTs.
package authgate

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"credbroker-go/internal/backend"
	"credbroker-go/internal/config"
	"credbroker-go/internal/errors"
	"credbroker-go/internal/identity"
	"credbroker-go/internal/registry"
	"credbroker-go/internal/token"
)

// apiPrefix is the broker's own management namespace; only requests under it
// are gated.
const apiPrefix = "/v1/"

// validatePath is exempt from current-user resolution to avoid recursing into
// the very endpoint that validates tokens.
const validatePath = "/v1/jwt/validate"

// Option customizes Gate creation.
type Option func(*Gate)

// Gate holds the collaborators of the auth gate. It keeps no per-request
// state; DetermineCurrentUser returns the deferred error for the caller to
// carry to PreDispatch.
type Gate struct {
	cfg      *config.Manager
	codec    *token.Codec
	provider identity.Provider
	backends *backend.Service
	reg      *registry.Registry
	now      func() time.Time
}

// New creates the gate.
func New(cfg *config.Manager, codec *token.Codec, provider identity.Provider, backends *backend.Service, reg *registry.Registry, opts ...Option) *Gate {
	g := &Gate{
		cfg:      cfg,
		codec:    codec,
		provider: provider,
		backends: backends,
		reg:      reg,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// WithNowFunc overrides the clock used for claim checks (testing).
func WithNowFunc(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// DetermineCurrentUser resolves the caller's user id from a bearer token. A
// user already resolved for a non-management request, or a request for the
// validate endpoint itself, passes through unchanged. Missing credentials
// stay anonymous; a malformed token records a deferred 401 that PreDispatch
// enforces later, so resolution itself never fails the request.
func (g *Gate) DetermineCurrentUser(r *http.Request, candidate int64) (int64, *errors.BrokerError) {
	if candidate != 0 && !strings.HasPrefix(r.URL.Path, apiPrefix) {
		return candidate, nil
	}
	if r.URL.Path == validatePath {
		return candidate, nil
	}

	raw := bearerToken(r)
	if raw == "" {
		return candidate, nil
	}

	claims, err := g.codec.Decode(raw)
	if err != nil {
		log.WithError(err).Debug("Rejecting malformed bearer token")
		return candidate, errors.NewAuth("invalid_token", "bearer token is malformed or unverifiable").WithCause(err)
	}

	uid := claimUserID(claims)
	if uid == 0 {
		return candidate, errors.NewAuth("missing_subject", "token carries no data.user_id")
	}
	return uid, nil
}

// bearerToken extracts the bearer token from the Authorization header or its
// redirect-preserved variant.
func bearerToken(r *http.Request) string {
	for _, name := range []string{"Authorization", "X-Authorization"} {
		v := r.Header.Get(name)
		if len(v) > 7 && strings.EqualFold(v[:7], "Bearer ") {
			return strings.TrimSpace(v[7:])
		}
	}
	return ""
}

// PreDispatch gates a management request: a deferred auth error short-circuits
// it, then the origin whitelist (when enabled) requires the request's
// Origin/Referer to match the site's own origin or a configured backend's.
func (g *Gate) PreDispatch(ctx context.Context, r *http.Request, deferred *errors.BrokerError) error {
	if deferred != nil {
		return deferred
	}
	if !strings.HasPrefix(r.URL.Path, apiPrefix) {
		return nil
	}
	if !g.cfg.Current().Security.WhitelistEnabled {
		return nil
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = r.Header.Get("Referer")
	}
	if origin == "" {
		return errors.New(http.StatusBadRequest, "missing_origin", errors.CategoryValidation,
			"origin whitelisting requires an Origin or Referer header")
	}

	key := originKey(origin)
	if key == "" {
		return errors.NewForbidden("origin_rejected", "request origin is not parseable")
	}

	for _, allowed := range g.allowedOrigins(ctx) {
		if key == allowed {
			return nil
		}
	}
	return errors.NewForbidden("origin_rejected", "request origin is not whitelisted")
}

// allowedOrigins collects the site's own origin plus the origins of every
// configured backend, persisted or transient.
func (g *Gate) allowedOrigins(ctx context.Context) []string {
	var out []string
	if o := originKey(g.cfg.Current().Server.SiteURL); o != "" {
		out = append(out, o)
	}

	names, err := g.backends.List(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to list backends for origin whitelist")
	}
	for _, name := range names {
		b, err := g.backends.Get(ctx, name)
		if err != nil {
			continue
		}
		if o := originKey(b.BaseURL); o != "" {
			out = append(out, o)
		}
	}

	for _, e := range g.reg.List(registry.KindBackend) {
		if base, _ := e.Data["base_url"].(string); base != "" {
			if o := originKey(base); o != "" {
				out = append(out, o)
			}
		}
	}
	return out
}

// originKey reduces a URL to its scheme://host origin.
func originKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// Issue authenticates against the identity provider and mints a JWT carrying
// the identity in its data claims.
func (g *Gate) Issue(ctx context.Context, username, password string) (string, *identity.User, error) {
	user, err := g.provider.Authenticate(ctx, username, password)
	if err != nil {
		return "", nil, err
	}

	now := g.now()
	cfg := g.cfg.Current()
	claims := map[string]interface{}{
		"iss": cfg.Server.SiteURL,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(cfg.TokenTTL()).Unix(),
		"data": map[string]interface{}{
			"user_id":      user.ID,
			"user_login":   user.Username,
			"user_email":   user.Email,
			"display_name": user.DisplayName,
		},
	}

	tok, err := g.codec.Encode(claims)
	if err != nil {
		return "", nil, err
	}

	log.WithFields(log.Fields{"user": user.Username, "user_id": user.ID}).Info("Issued auth token")
	return tok, user, nil
}

// Validate decodes a bearer token and fully checks its claims: issuer, expiry,
// not-before and the presence of data.user_id. The carried identity is echoed
// back on success.
func (g *Gate) Validate(raw string) (*identity.User, error) {
	claims, err := g.codec.Decode(raw)
	if err != nil {
		return nil, errors.NewAuth("invalid_token", "bearer token is malformed or unverifiable").WithCause(err)
	}

	if iss, _ := claims["iss"].(string); iss != g.cfg.Current().Server.SiteURL {
		return nil, errors.NewAuth("invalid_issuer", "token issuer mismatch")
	}

	now := g.now().Unix()
	if exp := claimInt64(claims["exp"]); exp == 0 || now >= exp {
		return nil, errors.NewAuth("token_expired", "token is expired")
	}
	if nbf := claimInt64(claims["nbf"]); nbf > now {
		return nil, errors.NewAuth("token_not_yet_valid", "token is not yet valid")
	}

	uid := claimUserID(claims)
	if uid == 0 {
		return nil, errors.NewAuth("missing_subject", "token carries no data.user_id")
	}

	data, _ := claims["data"].(map[string]interface{})
	login, _ := data["user_login"].(string)
	email, _ := data["user_email"].(string)
	display, _ := data["display_name"].(string)

	return &identity.User{ID: uid, Username: login, Email: email, DisplayName: display}, nil
}

func claimUserID(claims map[string]interface{}) int64 {
	data, ok := claims["data"].(map[string]interface{})
	if !ok {
		return 0
	}
	return claimInt64(data["user_id"])
}

func claimInt64(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	default:
		return 0
	}
}
