package oidc

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Exchange is a recorded HTTP request/response pair with secrets redacted.
type Exchange struct {
	Method      string        `json:"method"`
	URL         string        `json:"url"`
	RequestBody string        `json:"request_body,omitempty"`
	StatusCode  int           `json:"status"`
	Headers     http.Header   `json:"headers,omitempty"`
	Body        string        `json:"body,omitempty"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

var redactedParams = []string{"client_secret", "client_assertion", "code_verifier", "refresh_token", "password"}

// CapturingTransport wraps an http.RoundTripper and records the last exchange
// so it can be shown next to the flow result.
type CapturingTransport struct {
	base    http.RoundTripper
	mu      sync.Mutex
	capture *Exchange
}

// NewCapturingTransport wraps base, or http.DefaultTransport when nil.
func NewCapturingTransport(base http.RoundTripper) *CapturingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &CapturingTransport{base: base}
}

func (t *CapturingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ex := &Exchange{Method: req.Method, URL: req.URL.String()}
	if req.Body != nil && req.GetBody != nil {
		if rc, err := req.GetBody(); err == nil {
			b, _ := io.ReadAll(rc)
			rc.Close()
			ex.RequestBody = redactForm(string(b))
		}
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	ex.Duration = time.Since(start)
	if err != nil {
		ex.Error = err.Error()
		t.store(ex)
		return nil, err
	}

	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	ex.StatusCode = resp.StatusCode
	ex.Headers = resp.Header.Clone()
	ex.Body = string(body)
	t.store(ex)
	return resp, nil
}

func (t *CapturingTransport) store(ex *Exchange) {
	t.mu.Lock()
	t.capture = ex
	t.mu.Unlock()
}

// LastCapture returns and clears the last recorded exchange.
func (t *CapturingTransport) LastCapture() *Exchange {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.capture
	t.capture = nil
	return c
}

func redactForm(body string) string {
	vals, err := url.ParseQuery(body)
	if err != nil || len(vals) == 0 {
		return body
	}
	changed := false
	for _, k := range redactedParams {
		if vals.Has(k) {
			vals.Set(k, "REDACTED")
			changed = true
		}
	}
	if !changed {
		return body
	}
	return vals.Encode()
}
