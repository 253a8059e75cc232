// Package httpclient wraps the outbound HTTP transport behind the broker's
// normalized request/response shapes. Failed calls come back as typed network
// errors that carry the original request, which the Digest handshake needs in
// order to replay it.
package httpclient

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"credbroker-go/internal/config"
	apperrors "credbroker-go/internal/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "credbroker-go/httpclient"

// Response is the normalized result of a successful upstream call.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Header performs a case-insensitive header lookup.
func (r *Response) Header(name string) string {
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Client executes HTTP requests against upstream backends.
type Client struct {
	cli    *http.Client
	tracer trace.Tracer
}

// New builds a client with transport timeouts and proxy settings from config.
func New(cfg *config.Config) *Client {
	dialTO := durationOrDefault(cfg.Server.DialTimeoutSec, 10*time.Second)
	tlsTO := durationOrDefault(cfg.Server.TLSHandshakeTimeoutSec, 10*time.Second)
	hdrTO := durationOrDefault(cfg.Server.ResponseHeaderTimeoutSec, 30*time.Second)
	reqTO := durationOrDefault(cfg.Server.RequestTimeoutSec, 30*time.Second)

	tr := &http.Transport{
		Proxy: proxyFunc(cfg.Server.ProxyURL),
		DialContext: (&net.Dialer{
			Timeout:   dialTO,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   tlsTO,
		ResponseHeaderTimeout: hdrTO,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Client{
		cli:    &http.Client{Transport: tr, Timeout: reqTO},
		tracer: otel.Tracer(tracerName),
	}
}

// NewWithHTTPClient wraps an existing *http.Client (testing, custom transports).
func NewWithHTTPClient(h *http.Client) *Client {
	if h == nil {
		h = http.DefaultClient
	}
	return &Client{cli: h, tracer: otel.Tracer(tracerName)}
}

// Underlying exposes the wrapped *http.Client for collaborators that drive
// their own requests (the OAuth code exchange).
func (c *Client) Underlying() *http.Client { return c.cli }

// Do executes one request. Transport failures and responses with status >= 400
// are returned as typed network errors carrying the original request (and the
// response, when one exists).
func (c *Client) Do(ctx context.Context, method, rawURL string, headers map[string]string, body []byte) (*Response, error) {
	reqInfo := &apperrors.RequestInfo{
		Method:  method,
		URL:     rawURL,
		Headers: headers,
		Body:    body,
	}

	ctx, span := c.tracer.Start(ctx, "http.request",
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.url", rawURL),
		),
	)
	defer span.End()

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, apperrors.NewNetwork(http.StatusBadRequest, "invalid_request", "invalid request: "+err.Error()).
			WithCause(err).WithExchange(reqInfo, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.cli.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, apperrors.MapNetworkError(err).WithExchange(reqInfo, nil)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, apperrors.MapNetworkError(err).WithExchange(reqInfo, nil)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	respInfo := &apperrors.ResponseInfo{
		StatusCode: resp.StatusCode,
		Headers:    flattenHeaders(resp.Header),
		Body:       respBody,
	}

	if resp.StatusCode >= http.StatusBadRequest {
		span.SetStatus(codes.Error, resp.Status)
		return nil, apperrors.MapHTTPError(resp.StatusCode, respBody).WithExchange(reqInfo, respInfo)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    respInfo.Headers,
		Body:       respBody,
	}, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vals := range h {
		out[k] = strings.Join(vals, ", ")
	}
	return out
}

func proxyFunc(proxyURL string) func(*http.Request) (*url.URL, error) {
	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			return http.ProxyURL(parsed)
		}
	}
	return http.ProxyFromEnvironment
}

func durationOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}
