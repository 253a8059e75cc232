package backend

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"credbroker-go/internal/credential"
	"credbroker-go/internal/errors"
	"credbroker-go/internal/httpclient"
	"credbroker-go/internal/multipart"
	"credbroker-go/internal/registry"
	"credbroker-go/internal/storage"
)

// Service resolves backends by name and dispatches requests against them.
type Service struct {
	store storage.Store
	creds *credential.Service
	http  *httpclient.Client
	reg   *registry.Registry
}

// NewService creates a backend service. reg may be nil when no transient
// registry is in play.
func NewService(store storage.Store, creds *credential.Service, client *httpclient.Client, reg *registry.Registry) *Service {
	return &Service{store: store, creds: creds, http: client, reg: reg}
}

// Get loads and validates a backend by name.
func (s *Service) Get(ctx context.Context, name string) (*Backend, error) {
	data, err := s.store.GetBackend(ctx, name)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, errors.NewNotFound("backend", name)
		}
		return nil, err
	}
	return Validate(data)
}

// Save upserts the backend under its unique name.
func (s *Service) Save(ctx context.Context, b *Backend) error {
	return s.store.SetBackend(ctx, b.Name, b.ToMap())
}

// Remove deletes the backend by name.
func (s *Service) Remove(ctx context.Context, name string) error {
	if err := s.store.DeleteBackend(ctx, name); err != nil {
		if storage.IsNotFound(err) {
			return errors.NewNotFound("backend", name)
		}
		return err
	}
	return nil
}

// List returns the names of all stored backends.
func (s *Service) List(ctx context.Context) ([]string, error) {
	return s.store.ListBackends(ctx)
}

// Clone merges partial over the backend's current record and validates the
// result. The receiver is untouched.
func (s *Service) Clone(b *Backend, partial map[string]interface{}) (*Backend, error) {
	raw, err := json.Marshal(b.ToMap())
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(partial))
	for k := range partial {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		raw, err = sjson.SetBytes(raw, k, partial[k])
		if err != nil {
			return nil, errors.NewValidation("invalid clone field " + k).WithCause(err)
		}
	}

	var merged map[string]interface{}
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, err
	}
	return Validate(merged)
}

// resolveCredential loads the referenced credential, or nil when the backend
// carries no reference. Transient registry entries shadow stored records so
// an unpersisted credential can still authorize outbound calls.
func (s *Service) resolveCredential(ctx context.Context, b *Backend) (*credential.Credential, error) {
	if b.Credential == "" {
		return nil, nil
	}
	if s.reg != nil {
		if entry, ok := s.reg.FindByName(registry.KindCredential, b.Credential); ok {
			return credential.Validate(entry.Data)
		}
	}
	return s.creds.Get(ctx, b.Credential)
}

// URL resolves an absolute URL for the given relative path: trailing slashes
// on base_url are stripped, a duplicate base-path prefix on path is removed,
// and a url-schema credential rewrites the authority to carry its material.
// Any query string embedded in path is preserved.
func (s *Service) URL(ctx context.Context, b *Backend, path string) (string, error) {
	cred, err := s.resolveCredential(ctx, b)
	if err != nil {
		return "", err
	}
	return s.resolveURL(b, cred, path)
}

func (s *Service) resolveURL(b *Backend, cred *credential.Credential, path string) (string, error) {
	base := strings.TrimRight(b.BaseURL, "/")

	parsed, err := url.Parse(base)
	if err != nil || parsed.Host == "" {
		return "", errors.NewValidation("backend base_url is not an absolute URL")
	}

	rel, query := path, ""
	if i := strings.Index(path, "?"); i >= 0 {
		rel, query = path[:i], path[i+1:]
	}
	rel = "/" + strings.TrimLeft(rel, "/")

	// A path that repeats the base URL's own mount point would otherwise be
	// double-mounted.
	if basePath := strings.TrimRight(parsed.Path, "/"); basePath != "" {
		if rel == basePath || strings.HasPrefix(rel, basePath+"/") {
			rel = strings.TrimPrefix(rel, basePath)
			if rel == "" {
				rel = "/"
			}
		}
	}

	if cred != nil && cred.Schema == credential.SchemaURL {
		auth := cred.ClientID + ":" + cred.ClientSecret
		base = parsed.Scheme + "://" + auth + "@" + parsed.Host + strings.TrimRight(parsed.Path, "/")
	}

	full := base + rel
	if query != "" {
		full += "?" + query
	}
	return full, nil
}

// Headers merges the backend's default headers with the resolved credential's
// authorization material. A url-schema credential contributes nothing here,
// its material lives in the URL authority.
func (s *Service) Headers(ctx context.Context, b *Backend, extra map[string]string) (map[string]string, error) {
	cred, err := s.resolveCredential(ctx, b)
	if err != nil {
		return nil, err
	}
	return s.mergeHeaders(ctx, b, cred, extra), nil
}

func (s *Service) mergeHeaders(ctx context.Context, b *Backend, cred *credential.Credential, extra map[string]string) map[string]string {
	merged := b.defaultHeaders()

	if cred != nil && cred.Schema != credential.SchemaURL {
		if auth := s.creds.Authorization(ctx, cred); auth.Kind == credential.AuthHeader {
			merged["Authorization"] = auth.Header
		}
	}

	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

// Requester dispatches HTTP verbs against one resolved backend.
type Requester struct {
	svc *Service
	b   *Backend
}

// Request binds the backend to a verb dispatcher.
func (s *Service) Request(b *Backend) *Requester {
	return &Requester{svc: s, b: b}
}

// Head dispatches a HEAD request. params are appended to the query string.
func (r *Requester) Head(ctx context.Context, endpoint string, params, headers map[string]string) (*httpclient.Response, error) {
	return r.svc.dispatch(ctx, r.b, "HEAD", endpoint, params, nil, headers, nil)
}

// Get dispatches a GET request. params are appended to the query string.
func (r *Requester) Get(ctx context.Context, endpoint string, params, headers map[string]string) (*httpclient.Response, error) {
	return r.svc.dispatch(ctx, r.b, "GET", endpoint, params, nil, headers, nil)
}

// Delete dispatches a DELETE request.
func (r *Requester) Delete(ctx context.Context, endpoint string, params, headers map[string]string) (*httpclient.Response, error) {
	return r.svc.dispatch(ctx, r.b, "DELETE", endpoint, params, nil, headers, nil)
}

// Post dispatches a POST request. A non-empty file map switches the body to
// multipart/form-data.
func (r *Requester) Post(ctx context.Context, endpoint string, data map[string]interface{}, headers map[string]string, files map[string]multipart.File) (*httpclient.Response, error) {
	return r.svc.dispatch(ctx, r.b, "POST", endpoint, nil, data, headers, files)
}

// Put dispatches a PUT request, multipart when files are supplied.
func (r *Requester) Put(ctx context.Context, endpoint string, data map[string]interface{}, headers map[string]string, files map[string]multipart.File) (*httpclient.Response, error) {
	return r.svc.dispatch(ctx, r.b, "PUT", endpoint, nil, data, headers, files)
}

// Patch dispatches a PATCH request, multipart when files are supplied.
func (r *Requester) Patch(ctx context.Context, endpoint string, data map[string]interface{}, headers map[string]string, files map[string]multipart.File) (*httpclient.Response, error) {
	return r.svc.dispatch(ctx, r.b, "PATCH", endpoint, nil, data, headers, files)
}

func (s *Service) dispatch(ctx context.Context, b *Backend, method, endpoint string, params map[string]string, data map[string]interface{}, headers map[string]string, files map[string]multipart.File) (*httpclient.Response, error) {
	cred, err := s.resolveCredential(ctx, b)
	if err != nil {
		return nil, err
	}

	target, err := s.resolveURL(b, cred, endpoint)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		target = appendQuery(target, params)
	}

	merged := s.mergeHeaders(ctx, b, cred, headers)

	var body []byte
	switch {
	case len(files) > 0:
		enc, boundary := multipart.Encode(data, files)
		body = enc
		merged["Content-Type"] = multipart.ContentTypeFor(boundary)
	case data != nil:
		body, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
		if _, ok := merged["Content-Type"]; !ok {
			merged["Content-Type"] = "application/json"
		}
	}

	resp, err := s.http.Do(ctx, method, target, merged, body)
	return s.handleResponse(ctx, b, cred, merged, resp, err)
}

func appendQuery(target string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	q := url.Values{}
	for _, k := range keys {
		q.Set(k, params[k])
	}

	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + q.Encode()
}

// handleResponse passes successes and non-digest failures through unchanged.
// A 401 carrying a WWW-Authenticate challenge against a digest credential is
// answered exactly once; a second 401 is final.
func (s *Service) handleResponse(ctx context.Context, b *Backend, cred *credential.Credential, headers map[string]string, resp *httpclient.Response, err error) (*httpclient.Response, error) {
	if err == nil {
		return resp, nil
	}
	if cred == nil || cred.Schema != credential.SchemaDigest {
		return nil, err
	}

	be, ok := errors.As(err)
	if !ok || be.Response == nil || be.Response.StatusCode != 401 {
		return nil, err
	}
	challenge := be.Response.Header("WWW-Authenticate")
	if challenge == "" {
		return nil, err
	}

	authz, derr := digestAuthorization(cred, be, challenge)
	if derr != nil {
		return nil, derr
	}

	replay := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		replay[k] = v
	}
	replay["Authorization"] = authz

	log.WithFields(log.Fields{"backend": b.Name, "credential": cred.Name}).Debug("Answering digest challenge")

	resp, err = s.http.Do(ctx, be.Request.Method, be.Request.URL, replay, be.Request.Body)
	if err != nil {
		if retry, ok := errors.As(err); ok && retry.Response != nil && retry.Response.StatusCode == 401 {
			return nil, errors.NewAuth("digest_rejected", "digest handshake rejected by upstream").
				WithExchange(retry.Request, retry.Response).WithCause(err)
		}
		return nil, err
	}
	return resp, nil
}
