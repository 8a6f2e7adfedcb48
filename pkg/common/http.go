package common

import (
	_ "embed"
	"net/http"
	"strings"
	"time"
)

//go:embed VERSION
var version string

// Version is the release of the binaries.
func Version() string {
	return strings.TrimSpace(version)
}

// UserAgent is sent with every outgoing request.
func UserAgent() string {
	return "SolixPlan/" + Version()
}

// headerTransport adds the default headers to requests that did not set
// them.
type headerTransport struct {
	next    http.RoundTripper
	headers http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// the caller may reuse the request so never touch its headers
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		if req.Header.Get(k) == "" {
			req.Header[k] = v
		}
	}
	return t.next.RoundTrip(req)
}

// HTTPClient returns a client for cloud JSON APIs. Requests default to our
// user agent and to accepting JSON.
func HTTPClient(timeout time.Duration) *http.Client {
	h := http.Header{}
	h.Set("User-Agent", UserAgent())
	h.Set("Accept", "application/json")
	return &http.Client{
		Transport: &headerTransport{next: http.DefaultTransport, headers: h},
		Timeout:   timeout,
	}
}
