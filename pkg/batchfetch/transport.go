// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package batchfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// FetchRequest asks for a resource starting at RangeStart.
type FetchRequest struct {
	URL        string
	RangeStart int64
}

// FetchResponse is a streaming response. The caller closes Body.
// ContentLength is -1 when unknown.
type FetchResponse struct {
	StatusCode    int
	ContentLength int64
	ContentType   string
	Body          io.ReadCloser
}

// Transport issues streaming GET requests. Cancelling ctx must abort both
// the request and any in-progress Body read.
type Transport interface {
	Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error)
}

// HTTPOptions configures the default HTTP transport.
type HTTPOptions struct {
	UserAgent string
	Headers   map[string]string

	// ResponseHeaderTimeout bounds the wait for response headers.
	// Default: 30s
	ResponseHeaderTimeout time.Duration
}

// HTTPTransport is the net/http implementation of Transport.
type HTTPTransport struct {
	client *http.Client
	opts   HTTPOptions
}

// NewHTTPTransport builds a transport with connection pooling tuned for
// many concurrent streams.
func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	if opts.UserAgent == "" {
		opts.UserAgent = "batchfetch/1"
	}
	if opts.ResponseHeaderTimeout <= 0 {
		opts.ResponseHeaderTimeout = 30 * time.Second
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
	}
	return &HTTPTransport{client: &http.Client{Transport: tr}, opts: opts}
}

// Fetch sends the Range header only when resuming from a non-zero offset.
func (t *HTTPTransport) Fetch(ctx context.Context, fr FetchRequest) (*FetchResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fr.URL, nil)
	if err != nil {
		return nil, &TransportError{URL: fr.URL, Err: err}
	}
	req.Header.Set("User-Agent", t.opts.UserAgent)
	for k, v := range t.opts.Headers {
		req.Header.Set(k, v)
	}
	if fr.RangeStart > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", fr.RangeStart))
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: fr.URL, Err: err}
	}
	return &FetchResponse{
		StatusCode:    resp.StatusCode,
		ContentLength: resp.ContentLength,
		ContentType:   resp.Header.Get("Content-Type"),
		Body:          resp.Body,
	}, nil
}

// ValidateURL checks that raw is an absolute http or https URL with a host.
func ValidateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: empty url", ErrInvalidInput)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidInput, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host in %q", ErrInvalidInput, raw)
	}
	return nil
}

// defaultTargetPath derives an entry name from the last URL path segment.
func defaultTargetPath(raw, fallback string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return fallback
	}
	p := strings.TrimRight(u.Path, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		p = p[i+1:]
	}
	if p == "" {
		return fallback
	}
	if dec, err := url.PathUnescape(p); err == nil {
		p = dec
	}
	return p
}
