package credential

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"credbroker-go/internal/config"
	"credbroker-go/internal/errors"
	"credbroker-go/internal/httpclient"
	"credbroker-go/internal/nonce"
	"credbroker-go/internal/storage"
)

const (
	// grantAction binds grant nonces to the oauth flow.
	grantAction = "oauth-grant"

	// expiryMargin is subtracted from provider-reported lifetimes so a token
	// is never presented moments before it lapses upstream.
	expiryMargin = 10 * time.Second
)

// ServiceOption customizes Service creation.
type ServiceOption func(*Service)

// Service owns credential persistence and the oauth authorization-code flow.
type Service struct {
	store  storage.Store
	http   *httpclient.Client
	nonces *nonce.Generator
	cfg    *config.Manager
	now    func() time.Time

	refreshMu sync.Mutex
	refreshes map[string]*sync.Mutex

	transient transientSlot
}

// NewService creates a credential service backed by the given store.
func NewService(store storage.Store, client *httpclient.Client, cfg *config.Manager, opts ...ServiceOption) *Service {
	boot := cfg.Current()
	s := &Service{
		store:     store,
		http:      client,
		nonces:    nonce.New(boot.Security.JWTSecret, boot.NonceLifetime()),
		cfg:       cfg,
		now:       time.Now,
		refreshes: make(map[string]*sync.Mutex),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s
}

// WithNowFunc overrides the clock used for expiry decisions (testing).
func WithNowFunc(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithNonceGenerator overrides the nonce generator (testing).
func WithNonceGenerator(g *nonce.Generator) ServiceOption {
	return func(s *Service) {
		if g != nil {
			s.nonces = g
		}
	}
}

// Get loads and validates a credential by name.
func (s *Service) Get(ctx context.Context, name string) (*Credential, error) {
	data, err := s.store.GetCredential(ctx, name)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, errors.NewNotFound("credential", name)
		}
		return nil, err
	}
	return Validate(data)
}

// Save upserts the credential under its unique name.
func (s *Service) Save(ctx context.Context, c *Credential) error {
	return s.store.SetCredential(ctx, c.Name, c.ToMap())
}

// Delete removes the credential by name.
func (s *Service) Delete(ctx context.Context, name string) error {
	if err := s.store.DeleteCredential(ctx, name); err != nil {
		if storage.IsNotFound(err) {
			return errors.NewNotFound("credential", name)
		}
		return err
	}
	return nil
}

// List returns the names of all stored credentials.
func (s *Service) List(ctx context.Context) ([]string, error) {
	return s.store.ListCredentials(ctx)
}

// Authorization computes the per-scheme authorization material. Bearer and
// oauth credentials resolve through AccessToken and yield AuthNone when no
// usable token exists; digest always yields AuthNone because it can only
// answer a server challenge.
func (s *Service) Authorization(ctx context.Context, c *Credential) Authorization {
	switch c.Schema {
	case SchemaBearer, SchemaOAuth:
		tok := s.AccessToken(ctx, c)
		if tok == "" {
			return Authorization{Kind: AuthNone}
		}
		return Authorization{Kind: AuthHeader, Header: "Bearer " + tok}
	default:
		return c.staticAuthorization()
	}
}

// AccessToken returns a usable access token, silently refreshing once when the
// current token is expired and a live refresh token exists. Rotated tokens are
// persisted before returning. An empty string means no usable token.
func (s *Service) AccessToken(ctx context.Context, c *Credential) string {
	now := s.now().Unix()

	if c.AccessToken != "" && (c.ExpiresAt == 0 || now < c.ExpiresAt) {
		return c.AccessToken
	}

	if c.RefreshToken == "" || c.OAuthURL == "" {
		return ""
	}
	if c.RefreshExpiresAt > 0 && now >= c.RefreshExpiresAt {
		return ""
	}

	mu := s.refreshLock(c.Name)
	mu.Lock()
	defer mu.Unlock()

	// Another caller may have refreshed while we waited on the lock.
	if stored, err := s.Get(ctx, c.Name); err == nil {
		if stored.AccessToken != "" && (stored.ExpiresAt == 0 || now < stored.ExpiresAt) {
			*c = *stored
			return c.AccessToken
		}
		*c = *stored
	}

	if err := s.refresh(ctx, c); err != nil {
		log.WithError(err).WithField("credential", c.Name).Warn("Silent token refresh failed")
		return ""
	}
	return c.AccessToken
}

// refresh performs one grant_type=refresh_token exchange and persists the
// rotated tokens.
func (s *Service) refresh(ctx context.Context, c *Credential) error {
	form := url.Values{
		"client_id":     {c.ClientID},
		"client_secret": {c.ClientSecret},
		"refresh_token": {c.RefreshToken},
		"grant_type":    {"refresh_token"},
	}
	headers := map[string]string{"Content-Type": "application/x-www-form-urlencoded"}

	resp, err := s.http.Do(ctx, "POST", tokenURL(c.OAuthURL), headers, []byte(form.Encode()))
	if err != nil {
		return err
	}

	body := gjson.ParseBytes(resp.Body)
	access := body.Get("access_token").String()
	if access == "" {
		return errors.NewAuth("token_refresh_failed", "token endpoint returned no access_token")
	}

	c.AccessToken = access
	if rt := body.Get("refresh_token").String(); rt != "" {
		c.RefreshToken = rt
	}
	if in := body.Get("expires_in").Int(); in > 0 {
		c.ExpiresAt = s.now().Add(time.Duration(in)*time.Second - expiryMargin).Unix()
	}
	if in := body.Get("refresh_token_expires_in").Int(); in > 0 {
		c.RefreshExpiresAt = s.now().Add(time.Duration(in) * time.Second).Unix()
	}

	if err := s.Save(ctx, c); err != nil {
		return err
	}

	log.WithField("credential", c.Name).Info("Access token refreshed")
	return nil
}

func (s *Service) refreshLock(name string) *sync.Mutex {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	mu, ok := s.refreshes[name]
	if !ok {
		mu = &sync.Mutex{}
		s.refreshes[name] = mu
	}
	return mu
}

// Grant is the response of GrantTransient: the authorization-request URL and
// its individual query parameters.
type Grant struct {
	URL    string            `json:"url"`
	Params map[string]string `json:"params"`
}

// GrantTransient validates the pending oauth credential, builds the
// authorization-request URL (state nonce, access_type=offline, optional PKCE
// S256 challenge) and parks the full payload in the transient slot for the
// redirect callback. sessionToken binds the state nonce to the caller.
func (s *Service) GrantTransient(ctx context.Context, data map[string]interface{}, sessionToken string) (*Grant, error) {
	c, err := Validate(data)
	if err != nil {
		return nil, err
	}
	if c.Schema != SchemaOAuth {
		return nil, errors.NewValidation("grant requires an oauth credential")
	}

	cfg := s.cfg.Current()
	n := s.nonces.Create(grantAction, sessionToken)
	state := cfg.OAuth.StatePrefix + "-" + n

	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if c.PKCE {
		challenge := codeChallenge(deriveVerifier(n, cfg.Security.JWTSecret))
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", challenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}

	authURL := s.oauthConfig(c).AuthCodeURL(state, opts...)

	if err := s.putTransient(ctx, transientPayload{Credential: c.ToMap(), PKCE: c.PKCE, Session: sessionToken}); err != nil {
		return nil, err
	}

	parsed, err := url.Parse(authURL)
	if err != nil {
		return nil, errors.NewValidation("invalid oauth_url").WithCause(err)
	}
	params := make(map[string]string)
	for k, vs := range parsed.Query() {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}

	log.WithFields(log.Fields{"credential": c.Name, "pkce": c.PKCE}).Info("OAuth grant started")
	return &Grant{URL: authURL, Params: params}, nil
}

// RedirectCallback consumes the pending transient: it re-derives the state
// nonce for the parked session, re-checks the PKCE challenge, exchanges the
// authorization code for tokens and persists them. Any failure returns false;
// the callback never raises.
func (s *Service) RedirectCallback(ctx context.Context, code, state, challenge string) bool {
	payload, ok := s.takeTransient(ctx)
	if !ok {
		log.Warn("OAuth redirect with no pending transient")
		return false
	}

	c, err := Validate(payload.Credential)
	if err != nil {
		log.WithError(err).Warn("OAuth redirect transient holds invalid credential")
		return false
	}

	// An empty inbound state falls back to a freshly derived nonce instead
	// of the one the challenge was built with; see the callback tests.
	n := strings.TrimPrefix(state, s.cfg.Current().OAuth.StatePrefix+"-")
	if state == "" {
		n = s.nonces.Create(grantAction, payload.Session)
	}

	if !s.nonces.Verify(n, grantAction, payload.Session) {
		log.Warn("OAuth redirect state nonce mismatch")
		return false
	}

	verifier := deriveVerifier(n, s.cfg.Current().Security.JWTSecret)
	if payload.PKCE && codeChallenge(verifier) != challenge {
		log.Warn("OAuth redirect PKCE challenge mismatch")
		return false
	}

	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, s.http.Underlying())
	var exchangeOpts []oauth2.AuthCodeOption
	if payload.PKCE {
		exchangeOpts = append(exchangeOpts, oauth2.SetAuthURLParam("code_verifier", verifier))
	}

	tok, err := s.oauthConfig(c).Exchange(exchangeCtx, code, exchangeOpts...)
	if err != nil {
		log.WithError(err).WithField("credential", c.Name).Warn("OAuth code exchange failed")
		return false
	}

	s.updateTokens(c, tok)
	if err := s.Save(ctx, c); err != nil {
		log.WithError(err).WithField("credential", c.Name).Error("Failed to persist exchanged tokens")
		return false
	}

	log.WithField("credential", c.Name).Info("OAuth grant completed")
	return true
}

func (s *Service) updateTokens(c *Credential, tok *oauth2.Token) {
	c.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		c.RefreshToken = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		c.ExpiresAt = tok.Expiry.Add(-expiryMargin).Unix()
	}
	if in, ok := tok.Extra("refresh_token_expires_in").(float64); ok && in > 0 {
		c.RefreshExpiresAt = s.now().Add(time.Duration(in) * time.Second).Unix()
	}
}

// Revoke best-effort revokes the refresh token upstream, clears every token
// field and persists the cleared credential. The upstream call failing does
// not fail the revoke.
func (s *Service) Revoke(ctx context.Context, c *Credential) bool {
	if c.RefreshToken != "" && c.OAuthURL != "" {
		form := url.Values{"token": {c.RefreshToken}}
		headers := map[string]string{"Content-Type": "application/x-www-form-urlencoded"}
		if _, err := s.http.Do(ctx, "POST", revokeURL(c.OAuthURL), headers, []byte(form.Encode())); err != nil {
			log.WithError(err).WithField("credential", c.Name).Warn("Upstream token revoke failed")
		}
	}

	c.AccessToken = ""
	c.RefreshToken = ""
	c.ExpiresAt = 0
	c.RefreshExpiresAt = 0

	if err := s.Save(ctx, c); err != nil {
		log.WithError(err).WithField("credential", c.Name).Error("Failed to persist revoked credential")
		return false
	}
	return true
}

func (s *Service) oauthConfig(c *Credential) *oauth2.Config {
	var scopes []string
	if c.Scope != "" {
		scopes = strings.Fields(c.Scope)
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  s.cfg.Current().OAuth.RedirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  authorizeURL(c.OAuthURL),
			TokenURL: tokenURL(c.OAuthURL),
		},
	}
}

func authorizeURL(base string) string { return strings.TrimRight(base, "/") + "/authorize" }
func tokenURL(base string) string     { return strings.TrimRight(base, "/") + "/token" }
func revokeURL(base string) string    { return strings.TrimRight(base, "/") + "/revoke" }

// deriveVerifier derives the PKCE code verifier from the state nonce so the
// callback can recompute it without storing a per-grant secret.
func deriveVerifier(n, secret string) string {
	sum := sha256.Sum256([]byte(n + "|" + secret))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// codeChallenge is the S256 transform of a verifier.
func codeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
