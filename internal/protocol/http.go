package protocol

import (
	"errors"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// maskedHeaders carry credentials and are never echoed in a rendered head.
var maskedHeaders = map[string]bool{
	"Authorization":       true,
	"Proxy-Authorization": true,
	"Cookie":              true,
	"Set-Cookie":          true,
	"Dpop":                true,
}

// DescribeTransportError renders a client-side failure for display. The
// request URL is dropped because logout and authorize URLs carry id_token_hint.
func DescribeTransportError(err error) string {
	if err == nil {
		return ""
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		if ue.Timeout() {
			return "request timed out"
		}
		return ue.Err.Error()
	}
	return err.Error()
}

// StatusLine renders "404 Not Found", or just the code when it has no
// registered reason phrase.
func StatusLine(code int) string {
	s := strconv.Itoa(code)
	if text := http.StatusText(code); text != "" {
		s += " " + text
	}
	return s
}

// FormatResponseHead renders a captured response as raw HTTP: status line
// then headers sorted by name, credentials masked.
func FormatResponseHead(status int, h http.Header) string {
	var b strings.Builder
	b.WriteString("HTTP/1.1 " + StatusLine(status))
	for _, name := range slices.Sorted(maps.Keys(h)) {
		for _, v := range h[name] {
			if maskedHeaders[http.CanonicalHeaderKey(name)] {
				v = "REDACTED"
			}
			b.WriteString("\n" + name + ": " + v)
		}
	}
	return b.String()
}
