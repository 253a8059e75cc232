package errors

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Category groups broker errors into the four failure classes the REST
// boundary and the retry policies care about.
type Category string

const (
	CategoryValidation Category = "validation_error"
	CategoryAuth       Category = "authentication_error"
	CategoryNetwork    Category = "network_error"
	CategoryNotFound   Category = "not_found_error"
)

// RequestInfo captures the outbound request that produced an error. The
// Digest handshake replays it, so method, URL, headers and body must all be
// preserved verbatim.
type RequestInfo struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// RequestTarget returns the request-target (path plus query) of the original
// request, the value hashed into the Digest a2 component.
func (r *RequestInfo) RequestTarget() string {
	if r == nil {
		return ""
	}
	return requestTarget(r.URL)
}

// ResponseInfo captures the upstream response attached to an error.
type ResponseInfo struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Header performs a case-insensitive header lookup.
func (r *ResponseInfo) Header(name string) string {
	if r == nil {
		return ""
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// BrokerError is the standardized error carried across the broker. Network
// errors additionally hold the original request/response so the Digest
// handshake can inspect the challenge and replay the call.
type BrokerError struct {
	HTTPStatus int
	Code       string
	Category   Category
	Message    string
	Details    map[string]interface{}

	Request  *RequestInfo
	Response *ResponseInfo

	cause error
}

func (e *BrokerError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *BrokerError) Unwrap() error { return e.cause }

// WithCause attaches the underlying error.
func (e *BrokerError) WithCause(err error) *BrokerError {
	e.cause = err
	return e
}

// WithDetails attaches structured detail fields rendered in the JSON envelope.
func (e *BrokerError) WithDetails(details map[string]interface{}) *BrokerError {
	e.Details = details
	return e
}

// WithExchange attaches the request/response pair of a failed upstream call.
func (e *BrokerError) WithExchange(req *RequestInfo, resp *ResponseInfo) *BrokerError {
	e.Request = req
	e.Response = resp
	return e
}

// New creates a BrokerError with an explicit status, code and category.
func New(httpStatus int, code string, category Category, message string) *BrokerError {
	return &BrokerError{HTTPStatus: httpStatus, Code: code, Category: category, Message: message}
}

// NewValidation marks a schema or shape violation. Objects that fail
// validation are never partially usable downstream.
func NewValidation(message string) *BrokerError {
	return New(http.StatusBadRequest, "invalid_payload", CategoryValidation, message)
}

// NewAuth marks an authentication failure (upstream 401, Digest handshake
// failure, malformed or unverifiable JWT).
func NewAuth(code, message string) *BrokerError {
	return New(http.StatusUnauthorized, code, CategoryAuth, message)
}

// NewForbidden marks an authorization/origin failure.
func NewForbidden(code, message string) *BrokerError {
	return New(http.StatusForbidden, code, CategoryAuth, message)
}

// NewNetwork marks a transport failure or non-2xx upstream response.
func NewNetwork(httpStatus int, code, message string) *BrokerError {
	return New(httpStatus, code, CategoryNetwork, message)
}

// NewNotFound marks an unknown backend or credential name.
func NewNotFound(kind, name string) *BrokerError {
	return New(http.StatusNotFound, "not_found", CategoryNotFound,
		fmt.Sprintf("%s %q not found", kind, name))
}

// As extracts a BrokerError from an error chain.
func As(err error) (*BrokerError, bool) {
	var be *BrokerError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// IsCategory reports whether err is a BrokerError of the given category.
func IsCategory(err error, cat Category) bool {
	if be, ok := As(err); ok {
		return be.Category == cat
	}
	return false
}

func requestTarget(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "/"
	}
	target := u.Path
	if target == "" {
		target = "/"
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return target
}
