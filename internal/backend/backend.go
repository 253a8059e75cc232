// Package backend models named upstream HTTP targets: base URL, ordered
// default headers and an optional credential reference. It resolves absolute
// URLs, merges authorization material and implements the Digest
// challenge-response handshake.
package backend

import (
	"encoding/json"
	"strings"

	"credbroker-go/internal/errors"
)

// Header is one default header pair. Order is preserved from the stored
// record; duplicate names resolve last-wins at merge time.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Backend is a validated upstream target. The credential is a name reference
// resolved lazily at request time, never embedded.
type Backend struct {
	Name       string   `json:"name"`
	BaseURL    string   `json:"base_url"`
	Headers    []Header `json:"headers"`
	Credential string   `json:"credential,omitempty"`
}

// Validate checks the structural invariants of a backend record: non-empty
// name and base_url, and a headers list that is present (possibly empty) with
// trimmed names.
func Validate(data map[string]interface{}) (*Backend, error) {
	name, _ := data["name"].(string)
	if strings.TrimSpace(name) == "" {
		return nil, errors.NewValidation("backend name is required")
	}

	baseURL, _ := data["base_url"].(string)
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.NewValidation("backend base_url is required")
	}

	rawHeaders, ok := data["headers"]
	if !ok || rawHeaders == nil {
		return nil, errors.NewValidation("backend headers list is required (may be empty)")
	}

	headers, err := parseHeaders(rawHeaders)
	if err != nil {
		return nil, err
	}

	cred, _ := data["credential"].(string)

	return &Backend{
		Name:       name,
		BaseURL:    baseURL,
		Headers:    headers,
		Credential: cred,
	}, nil
}

func parseHeaders(raw interface{}) ([]Header, error) {
	list, ok := raw.([]interface{})
	if !ok {
		// Already-typed headers pass through (Clone round-trips structs).
		if typed, ok := raw.([]Header); ok {
			return trimHeaders(typed), nil
		}
		return nil, errors.NewValidation("backend headers must be a list of {name, value} pairs")
	}

	headers := make([]Header, 0, len(list))
	for _, item := range list {
		pair, ok := item.(map[string]interface{})
		if !ok {
			return nil, errors.NewValidation("backend headers must be a list of {name, value} pairs")
		}
		name, _ := pair["name"].(string)
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, errors.NewValidation("backend header name must be non-empty")
		}
		value, ok := pair["value"].(string)
		if _, present := pair["value"]; present && !ok {
			return nil, errors.NewValidation("backend header value must be a string")
		}
		headers = append(headers, Header{Name: name, Value: value})
	}
	return headers, nil
}

func trimHeaders(in []Header) []Header {
	out := make([]Header, 0, len(in))
	for _, h := range in {
		out = append(out, Header{Name: strings.TrimSpace(h.Name), Value: h.Value})
	}
	return out
}

// ToMap renders the backend as a schemaless record for persistence.
func (b *Backend) ToMap() map[string]interface{} {
	raw, _ := json.Marshal(b)
	var m map[string]interface{}
	_ = json.Unmarshal(raw, &m)
	return m
}

// defaultHeaders flattens the ordered pair list into a map, last-wins on
// duplicate names.
func (b *Backend) defaultHeaders() map[string]string {
	out := make(map[string]string, len(b.Headers))
	for _, h := range b.Headers {
		out[h.Name] = h.Value
	}
	return out
}
