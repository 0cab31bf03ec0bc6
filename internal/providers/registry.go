package providers

import (
	"net/http"
	"strings"
)

type AuthStyle int

const (
	AuthXAPIKey AuthStyle = iota // x-api-key: <key>
	AuthBearer                   // Authorization: Bearer <key>
)

// ParseAuthStyle maps a config value to an AuthStyle; unknown values fall
// back to x-api-key.
func ParseAuthStyle(s string) AuthStyle {
	if strings.EqualFold(strings.TrimSpace(s), "bearer") {
		return AuthBearer
	}
	return AuthXAPIKey
}

type Provider struct {
	Name        string
	UpstreamURL string // e.g. "https://api.anthropic.com"
	AuthStyle   AuthStyle
	Version     string // anthropic-version header sent when the caller omits it
}

var registry = map[string]Provider{
	"anthropic": {
		Name:        "anthropic",
		UpstreamURL: "https://api.anthropic.com",
		AuthStyle:   AuthXAPIKey,
		Version:     "2023-06-01",
	},
}

func Get(name string) (Provider, bool) {
	p, ok := registry[strings.ToLower(name)]
	return p, ok
}

// WithUpstream returns a copy pointed at a different base URL, e.g. a
// regional gateway or a test server.
func (p Provider) WithUpstream(url string) Provider {
	if url != "" {
		p.UpstreamURL = strings.TrimRight(url, "/")
	}
	return p
}

// MessagesURL is the upstream Messages endpoint.
func (p Provider) MessagesURL() string {
	return p.UpstreamURL + "/v1/messages"
}

// SetAuthHeader returns the header carrying the upstream key.
func (p Provider) SetAuthHeader(key string) (headerName, headerValue string) {
	switch p.AuthStyle {
	case AuthBearer:
		return "Authorization", "Bearer " + key
	default:
		return "x-api-key", key
	}
}

// ApplyHeaders sets auth and version headers on an upstream request. A
// caller-supplied anthropic-version is kept.
func (p Provider) ApplyHeaders(h http.Header, key string) {
	name, value := p.SetAuthHeader(key)
	h.Set(name, value)
	if h.Get("anthropic-version") == "" && p.Version != "" {
		h.Set("anthropic-version", p.Version)
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
}
