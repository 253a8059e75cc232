package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// MapHTTPError wraps a non-2xx response in the broker's error shape. Only
// the statuses the dispatch path reacts to get their own code; everything
// else is reported as a generic upstream failure.
func MapHTTPError(statusCode int, upstreamBody []byte) *BrokerError {
	msg := extractUpstreamMessage(upstreamBody)

	switch {
	case statusCode == http.StatusUnauthorized:
		return NewNetwork(statusCode, "upstream_unauthorized", firstNonEmpty(msg, "upstream rejected the request credentials"))
	case statusCode == http.StatusForbidden:
		return NewNetwork(statusCode, "upstream_forbidden", firstNonEmpty(msg, "upstream denied access"))
	case statusCode == http.StatusNotFound:
		return NewNetwork(statusCode, "upstream_not_found", firstNonEmpty(msg, "upstream resource not found"))
	case statusCode == http.StatusTooManyRequests:
		return NewNetwork(statusCode, "upstream_rate_limited", firstNonEmpty(msg, "upstream rate limit hit"))
	case statusCode >= http.StatusInternalServerError:
		return NewNetwork(statusCode, "upstream_server_error", firstNonEmpty(msg, fmt.Sprintf("upstream returned HTTP %d", statusCode)))
	default:
		return NewNetwork(statusCode, "upstream_error", firstNonEmpty(msg, fmt.Sprintf("upstream returned HTTP %d", statusCode)))
	}
}

// MapNetworkError classifies transport failures that never produced a
// response.
func MapNetworkError(err error) *BrokerError {
	msg := err.Error()

	switch {
	case strings.Contains(msg, "context canceled"):
		return NewNetwork(http.StatusRequestTimeout, "request_canceled", "request canceled before the upstream answered").WithCause(err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return NewNetwork(http.StatusGatewayTimeout, "upstream_timeout", "upstream did not answer in time").WithCause(err)
	default:
		return NewNetwork(http.StatusBadGateway, "upstream_unreachable", "upstream could not be reached: "+msg).WithCause(err)
	}
}

// Envelope is the JSON error shape rendered at the REST boundary.
type Envelope struct {
	Error struct {
		Message string                 `json:"message"`
		Type    string                 `json:"type"`
		Code    string                 `json:"code,omitempty"`
		Details map[string]interface{} `json:"details,omitempty"`
	} `json:"error"`
}

// ToJSON renders the error into the broker's JSON envelope.
func (e *BrokerError) ToJSON() ([]byte, error) {
	env := Envelope{}
	env.Error.Message = e.Message
	env.Error.Type = string(e.Category)
	env.Error.Code = e.Code
	env.Error.Details = e.Details
	return json.Marshal(env)
}

// Status returns the HTTP status to render, defaulting to 500 so a raw
// exception shape never escapes the boundary.
func (e *BrokerError) Status() int {
	if e.HTTPStatus == 0 {
		return http.StatusInternalServerError
	}
	return e.HTTPStatus
}

func extractUpstreamMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var jsonErr map[string]interface{}
	if err := json.Unmarshal(body, &jsonErr); err == nil {
		if errObj, ok := jsonErr["error"].(map[string]interface{}); ok {
			if msg, ok := errObj["message"].(string); ok && msg != "" {
				return msg
			}
		}
	}
	msg := string(body)
	if len(msg) > 200 {
		return msg[:200] + "..."
	}
	return msg
}

func firstNonEmpty(strs ...string) string {
	for _, s := range strs {
		if s != "" {
			return s
		}
	}
	return ""
}
