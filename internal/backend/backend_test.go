package backend

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credbroker-go/internal/config"
	"credbroker-go/internal/credential"
	"credbroker-go/internal/errors"
	"credbroker-go/internal/httpclient"
	"credbroker-go/internal/multipart"
	"credbroker-go/internal/registry"
	"credbroker-go/internal/storage"
)

func testServices(t *testing.T, hc *http.Client) (*Service, *credential.Service, *storage.MemoryStore) {
	t.Helper()
	cfg := config.Default()
	cfg.Security.JWTSecret = "unit-test-secret"

	store := storage.NewMemoryStore()
	if hc == nil {
		hc = &http.Client{}
	}
	client := httpclient.NewWithHTTPClient(hc)
	creds := credential.NewService(store, client, config.NewManager(cfg))
	return NewService(store, creds, client, registry.New()), creds, store
}

func mustCredential(t *testing.T, creds *credential.Service, payload map[string]interface{}) *credential.Credential {
	t.Helper()
	c, err := credential.Validate(payload)
	require.NoError(t, err)
	require.NoError(t, creds.Save(context.Background(), c))
	return c
}

func TestValidateRequiresHeadersList(t *testing.T) {
	_, err := Validate(map[string]interface{}{"name": "api", "base_url": "https://h.test"})
	require.Error(t, err)

	b, err := Validate(map[string]interface{}{
		"name": "api", "base_url": "https://h.test", "headers": []interface{}{},
	})
	require.NoError(t, err)
	assert.Empty(t, b.Headers)
}

func TestValidateTrimsHeaderNames(t *testing.T) {
	b, err := Validate(map[string]interface{}{
		"name": "api", "base_url": "https://h.test",
		"headers": []interface{}{
			map[string]interface{}{"name": "  X-Env ", "value": "prod"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "X-Env", b.Headers[0].Name)
}

func TestURLNormalization(t *testing.T) {
	s, _, _ := testServices(t, nil)
	b := &Backend{Name: "api", BaseURL: "https://h.test/api/", Headers: []Header{}}

	got, err := s.URL(context.Background(), b, "/a/b?x=1")
	require.NoError(t, err)
	assert.Equal(t, "https://h.test/api/a/b?x=1", got)
}

func TestURLStripsDuplicateBasePath(t *testing.T) {
	s, _, _ := testServices(t, nil)
	b := &Backend{Name: "api", BaseURL: "https://h.test/api", Headers: []Header{}}

	got, err := s.URL(context.Background(), b, "/api/a/b")
	require.NoError(t, err)
	assert.Equal(t, "https://h.test/api/a/b", got)
}

func TestURLSchemaCredentialRewritesAuthority(t *testing.T) {
	s, creds, _ := testServices(t, nil)
	mustCredential(t, creds, map[string]interface{}{
		"name": "u", "schema": "url", "client_id": "alice", "client_secret": "pw",
	})
	b := &Backend{Name: "api", BaseURL: "https://h.test:8443/api", Headers: []Header{}, Credential: "u"}

	got, err := s.URL(context.Background(), b, "/items")
	require.NoError(t, err)
	assert.Equal(t, "https://alice:pw@h.test:8443/api/items", got)

	// The material lives in the authority, never in a header.
	headers, err := s.Headers(context.Background(), b, nil)
	require.NoError(t, err)
	_, present := headers["Authorization"]
	assert.False(t, present)
}

func TestHeadersMergeWithAuthorization(t *testing.T) {
	s, creds, _ := testServices(t, nil)
	mustCredential(t, creds, map[string]interface{}{
		"name": "b", "schema": "basic", "client_id": "id", "client_secret": "secret",
	})
	b := &Backend{
		Name: "api", BaseURL: "https://h.test",
		Headers: []Header{
			{Name: "X-Env", Value: "stage"},
			{Name: "X-Env", Value: "prod"}, // last wins
		},
		Credential: "b",
	}

	headers, err := s.Headers(context.Background(), b, map[string]string{"X-Trace": "1"})
	require.NoError(t, err)
	assert.Equal(t, "prod", headers["X-Env"])
	assert.Equal(t, "1", headers["X-Trace"])
	assert.True(t, strings.HasPrefix(headers["Authorization"], "Basic "))
}

func TestSaveSameNameKeepsOneRecord(t *testing.T) {
	s, _, _ := testServices(t, nil)
	ctx := context.Background()

	first := &Backend{Name: "api", BaseURL: "https://one.test", Headers: []Header{}}
	second := &Backend{Name: "api", BaseURL: "https://two.test", Headers: []Header{}}
	require.NoError(t, s.Save(ctx, first))
	require.NoError(t, s.Save(ctx, second))

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"api"}, names)

	got, err := s.Get(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, "https://two.test", got.BaseURL)
}

func TestCloneMergesWithoutMutating(t *testing.T) {
	s, _, _ := testServices(t, nil)
	b := &Backend{Name: "api", BaseURL: "https://h.test", Headers: []Header{{Name: "X-Env", Value: "prod"}}}

	clone, err := s.Clone(b, map[string]interface{}{"base_url": "https://h2.test"})
	require.NoError(t, err)
	assert.Equal(t, "https://h2.test", clone.BaseURL)
	assert.Equal(t, "https://h.test", b.BaseURL)
	assert.Equal(t, b.Headers, clone.Headers)

	_, err = s.Clone(b, map[string]interface{}{"base_url": ""})
	assert.Error(t, err)
}

func digestFor(method, uri, id, realm, secret, nonce string) string {
	h := func(s string) string {
		sum := md5.Sum([]byte(s))
		return hex.EncodeToString(sum[:])
	}
	a1 := h(id + ":" + realm + ":" + secret)
	a2 := h(method + ":" + uri)
	return h(a1 + ":" + nonce + ":" + a2)
}

func TestDigestHandshakeRetriesExactlyOnce(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			assert.Empty(t, r.Header.Get("Authorization"))
			w.Header().Set("WWW-Authenticate", `Digest realm="wonderland", nonce="abc123", opaque="xyz"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		want := digestFor("GET", "/protected?x=1", "alice", "wonderland", "pw", "abc123")
		auth := r.Header.Get("Authorization")
		assert.Contains(t, auth, `response="`+want+`"`)
		assert.Contains(t, auth, `opaque="xyz"`)
		assert.Contains(t, auth, `uri="/protected?x=1"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s, creds, _ := testServices(t, srv.Client())
	mustCredential(t, creds, map[string]interface{}{
		"name": "d", "schema": "digest", "client_id": "alice", "client_secret": "pw", "realm": "wonderland",
	})
	b := &Backend{Name: "api", BaseURL: srv.URL, Headers: []Header{}, Credential: "d"}

	resp, err := s.Request(b).Get(context.Background(), "/protected?x=1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDigestSecond401IsFinal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("WWW-Authenticate", `Digest realm="wonderland", nonce="abc123", opaque="xyz"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s, creds, _ := testServices(t, srv.Client())
	mustCredential(t, creds, map[string]interface{}{
		"name": "d", "schema": "digest", "client_id": "alice", "client_secret": "pw", "realm": "wonderland",
	})
	b := &Backend{Name: "api", BaseURL: srv.URL, Headers: []Header{}, Credential: "d"}

	_, err := s.Request(b).Get(context.Background(), "/protected", nil, nil)
	require.Error(t, err)

	be, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.CategoryAuth, be.Category)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "second 401 is never retried")
}

func TestDigestIncompleteChallengeFailsWithoutRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("WWW-Authenticate", `Digest realm="wonderland", nonce="abc123"`) // no opaque
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s, creds, _ := testServices(t, srv.Client())
	mustCredential(t, creds, map[string]interface{}{
		"name": "d", "schema": "digest", "client_id": "alice", "client_secret": "pw", "realm": "wonderland",
	})
	b := &Backend{Name: "api", BaseURL: srv.URL, Headers: []Header{}, Credential: "d"}

	_, err := s.Request(b).Get(context.Background(), "/protected", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryAuth))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDigestRealmMismatchFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Digest realm="elsewhere", nonce="abc123", opaque="xyz"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s, creds, _ := testServices(t, srv.Client())
	mustCredential(t, creds, map[string]interface{}{
		"name": "d", "schema": "digest", "client_id": "alice", "client_secret": "pw", "realm": "wonderland",
	})
	b := &Backend{Name: "api", BaseURL: srv.URL, Headers: []Header{}, Credential: "d"}

	_, err := s.Request(b).Get(context.Background(), "/protected", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "realm")
}

func TestNonDigestCredential401PassesThrough(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("WWW-Authenticate", `Digest realm="wonderland", nonce="abc123", opaque="xyz"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s, creds, _ := testServices(t, srv.Client())
	mustCredential(t, creds, map[string]interface{}{
		"name": "b", "schema": "basic", "client_id": "id", "client_secret": "sec",
	})
	b := &Backend{Name: "api", BaseURL: srv.URL, Headers: []Header{}, Credential: "b"}

	_, err := s.Request(b).Get(context.Background(), "/protected", nil, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPostSwitchesToMultipartWithFiles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		require.True(t, strings.HasPrefix(ct, "multipart/form-data; boundary="))
		boundary := strings.TrimPrefix(ct, "multipart/form-data; boundary=")

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		parts, err := multipart.Decode(body, boundary)
		require.NoError(t, err)

		byName := map[string]multipart.Part{}
		for _, p := range parts {
			byName[p.Name] = p
		}
		assert.Equal(t, "v", string(byName["field"].Value))
		assert.Equal(t, "notes.txt", byName["doc"].Filename)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s, _, _ := testServices(t, srv.Client())
	b := &Backend{Name: "api", BaseURL: srv.URL, Headers: []Header{}}

	resp, err := s.Request(b).Post(context.Background(), "/upload",
		map[string]interface{}{"field": "v"},
		nil,
		map[string]multipart.File{
			"doc": {Filename: "notes.txt", ContentType: "text/plain", Content: []byte("hello")},
		})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestPostJSONBodyByDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"field":"v"}`, string(body))
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	s, _, _ := testServices(t, srv.Client())
	b := &Backend{Name: "api", BaseURL: srv.URL, Headers: []Header{}}

	_, err := s.Request(b).Post(context.Background(), "/items", map[string]interface{}{"field": "v"}, nil, nil)
	require.NoError(t, err)
}

func TestUnknownCredentialReferenceIsNotFound(t *testing.T) {
	s, _, _ := testServices(t, nil)
	b := &Backend{Name: "api", BaseURL: "https://h.test", Headers: []Header{}, Credential: "ghost"}

	_, err := s.URL(context.Background(), b, "/x")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))
}

func TestValidateRejectsNonStringHeaderValue(t *testing.T) {
	_, err := Validate(map[string]interface{}{
		"name": "api", "base_url": "https://h.test",
		"headers": []interface{}{
			map[string]interface{}{"name": "X-Env", "value": 7},
		},
	})
	require.Error(t, err)
}

// A credential registered transiently must authorize outbound calls exactly
// like a stored one, without ever touching the store.
func TestTransientRegistryCredentialAuthorizesDispatch(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Security.JWTSecret = "unit-test-secret"
	store := storage.NewMemoryStore()
	client := httpclient.NewWithHTTPClient(srv.Client())
	creds := credential.NewService(store, client, config.NewManager(cfg))
	reg := registry.New()
	require.NoError(t, reg.Register(registry.KindCredential, "ephemeral", map[string]interface{}{
		"name": "ephemeral", "schema": "basic", "client_id": "alice", "client_secret": "pw",
	}, true))
	s := NewService(store, creds, client, reg)

	b := &Backend{Name: "api", BaseURL: srv.URL, Headers: []Header{}, Credential: "ephemeral"}
	_, err := s.Request(b).Get(context.Background(), "/ping", nil, nil)
	require.NoError(t, err)

	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("alice:pw"))
	assert.Equal(t, want, gotAuth)

	names, err := store.ListCredentials(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}
