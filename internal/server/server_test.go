package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"credbroker-go/internal/authgate"
	"credbroker-go/internal/backend"
	"credbroker-go/internal/config"
	"credbroker-go/internal/credential"
	"credbroker-go/internal/httpclient"
	"credbroker-go/internal/identity"
	"credbroker-go/internal/registry"
	"credbroker-go/internal/storage"
	"credbroker-go/internal/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type harness struct {
	engine *gin.Engine
	cfg    *config.Config
	mgr    *config.Manager
	store  *storage.MemoryStore
	reg    *registry.Registry
}

func newHarness(t *testing.T, hc *http.Client) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Security.JWTSecret = "unit-test-secret"
	cfg.Server.SiteURL = "https://broker.test"
	cfg.Server.RateLimitEnabled = false

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg.Users = []config.UserConfig{
		{ID: 7, Username: "alice", Email: "alice@example.test", DisplayName: "Alice", PasswordHash: string(hash)},
	}

	store := storage.NewMemoryStore()
	client := httpclient.NewWithHTTPClient(hc)
	mgr := config.NewManager(cfg)
	creds := credential.NewService(store, client, mgr)
	reg := registry.New()
	backends := backend.NewService(store, creds, client, reg)

	codec, err := token.NewCodec(cfg.Security.JWTSecret)
	require.NoError(t, err)
	provider := identity.NewConfigProvider(cfg.Users)
	gate := authgate.New(mgr, codec, provider, backends, reg)

	srv := New(mgr, Dependencies{
		Credentials: creds,
		Backends:    backends,
		Gate:        gate,
		Registry:    reg,
		Store:       store,
	})
	return &harness{engine: srv.Engine(), cfg: cfg, mgr: mgr, store: store, reg: reg}
}

func (h *harness) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func (h *harness) login(t *testing.T) string {
	t.Helper()
	w := h.do(t, "POST", "/v1/jwt/auth", "", map[string]string{"username": "alice", "password": "s3cret"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp["token"].(string)
}

func TestJWTAuth(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, "POST", "/v1/jwt/auth", "", map[string]string{"username": "alice", "password": "s3cret"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["token"])
	assert.Equal(t, "alice", resp["user_login"])
	assert.Equal(t, "alice@example.test", resp["user_email"])

	w = h.do(t, "POST", "/v1/jwt/auth", "", map[string]string{"username": "alice", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(t, "POST", "/v1/jwt/auth", "", map[string]string{"username": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJWTValidate(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.login(t)

	w := h.do(t, "GET", "/v1/jwt/validate", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alice", resp["user_login"])

	w = h.do(t, "GET", "/v1/jwt/validate", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(t, "GET", "/v1/jwt/validate", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMalformedBearerIsDeferredTo401(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do(t, "GET", "/v1/health", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_token")
}

func TestCredentialCRUD(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.login(t)

	// Anonymous callers are rejected.
	w := h.do(t, "GET", "/v1/credentials", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	payload := map[string]interface{}{
		"name": "gh", "schema": "basic", "client_id": "id", "client_secret": "topsecret",
	}
	w = h.do(t, "POST", "/v1/credentials", tok, payload)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Invalid payloads are rejected with 400.
	w = h.do(t, "POST", "/v1/credentials", tok, map[string]interface{}{"name": "x", "schema": "basic"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, "GET", "/v1/credentials", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"gh"`)

	// Secrets never leave the API.
	w = h.do(t, "GET", "/v1/credentials/gh", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "topsecret")

	w = h.do(t, "DELETE", "/v1/credentials/gh", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, "GET", "/v1/credentials/gh", tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBackendCRUDAndTransientOverlay(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.login(t)

	payload := map[string]interface{}{
		"name": "api", "base_url": "https://h.test/api",
		"headers": []map[string]string{{"name": "X-Env", "value": "prod"}},
	}
	w := h.do(t, "POST", "/v1/backends", tok, payload)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.NoError(t, h.reg.Register(registry.KindBackend, "temp",
		map[string]interface{}{"name": "temp", "base_url": "https://t.test"}, true))

	w = h.do(t, "GET", "/v1/backends", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listing map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	assert.Contains(t, listing["names"], "api")
	assert.Contains(t, listing["transient"], "temp")

	// Transient entries resolve on reads and are removed without touching
	// the store.
	w = h.do(t, "GET", "/v1/backends/temp", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, "DELETE", "/v1/backends/temp", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, ok := h.reg.FindByName(registry.KindBackend, "temp")
	assert.False(t, ok)

	w = h.do(t, "DELETE", "/v1/backends/api", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = h.do(t, "GET", "/v1/backends/api", tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOAuthGrantAndRedirect(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "granted", "refresh_token": "granted-refresh", "token_type": "Bearer", "expires_in": 3600,
		})
	}))
	defer provider.Close()

	h := newHarness(t, provider.Client())
	tok := h.login(t)

	w := h.do(t, "POST", "/v1/oauth/grant", tok, map[string]interface{}{
		"credential": map[string]interface{}{
			"name": "o", "schema": "oauth", "client_id": "id", "client_secret": "sec",
			"oauth_url": provider.URL, "pkce": true,
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			URL    string            `json:"url"`
			Params map[string]string `json:"params"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	state := resp.Data.Params["state"]
	challenge := resp.Data.Params["code_challenge"]
	require.NotEmpty(t, state)

	// Grant is bound to the caller's session: the redirect must come back
	// while the transient is live, with the issued state.
	req := httptest.NewRequest("GET", "/v1/oauth/redirect?code=abc&state="+state+"&code_challenge="+challenge, nil)
	rec := httptest.NewRecorder()
	h.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	assert.Equal(t, "https://broker.test/settings", rec.Header().Get("Location"))

	stored, err := h.store.GetCredential(req.Context(), "o")
	require.NoError(t, err)
	assert.Equal(t, "granted", stored["access_token"])
}

func TestOAuthRedirectWithoutTransientRendersErrorPage(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do(t, "GET", "/v1/oauth/redirect?code=abc&state=credbroker-xyz", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Authorization failed")
}

func TestOAuthGrantRequiresBody(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.login(t)
	w := h.do(t, "POST", "/v1/oauth/grant", tok, map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOAuthRevoke(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer provider.Close()

	h := newHarness(t, provider.Client())
	tok := h.login(t)

	w := h.do(t, "POST", "/v1/credentials", tok, map[string]interface{}{
		"name": "o", "schema": "oauth", "client_id": "id", "client_secret": "sec",
		"oauth_url": provider.URL, "refresh_token": "live",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, "POST", "/v1/oauth/revoke", tok, map[string]interface{}{
		"credential": map[string]interface{}{"name": "o"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":true`)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do(t, "GET", "/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)
}

func TestOriginWhitelist(t *testing.T) {
	h := newHarness(t, nil)
	h.cfg.Security.WhitelistEnabled = true
	tok := h.login2(t, "https://broker.test")

	req := httptest.NewRequest("GET", "/v1/credentials", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Origin", "https://evil.test")
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest("GET", "/v1/credentials", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w = httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest("GET", "/v1/credentials", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Origin", "https://broker.test")
	w = httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

// login2 logs in with an explicit Origin header, needed once whitelisting is
// enabled.
func (h *harness) login2(t *testing.T, origin string) string {
	t.Helper()
	body, err := json.Marshal(map[string]string{"username": "alice", "password": "s3cret"})
	require.NoError(t, err)
	req := httptest.NewRequest("POST", "/v1/jwt/auth", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", origin)
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp["token"].(string)
}

// Hot reload swaps the live config while requests are in flight; the engine
// must keep serving from consistent snapshots throughout.
func TestConfigHotReloadDuringRequests(t *testing.T) {
	h := newHarness(t, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			next := config.Default()
			next.Security.JWTSecret = "unit-test-secret"
			next.Server.SiteURL = "https://broker.test"
			h.mgr.Swap(next)
		}
	}()

	for i := 0; i < 200; i++ {
		w := h.do(t, "GET", "/v1/health", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	}
	<-done

	w := h.do(t, "GET", "/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
