package httpclient

import (
	"io"
	"net/http"
	"time"
)

// NewProbeClient returns the client used for dynamic probing. Redirects are
// not followed: a 3xx from an injected identifier is itself a signal, and
// following redirects would leak probes to unrelated hosts.
func NewProbeClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// NewFetchClient returns the client used for spec downloads and token
// requests, where redirects are expected.
func NewFetchClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// CloseBody drains and closes a response body so the connection is reused.
func CloseBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}
