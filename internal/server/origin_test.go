package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func requestWithOrigin(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestOriginPolicyWildcard(t *testing.T) {
	policy := newOriginPolicy([]string{"*"})

	assert.True(t, policy.check(requestWithOrigin("https://anything.example")))
	assert.False(t, policy.check(requestWithOrigin("")), "a missing Origin header is always rejected")
}

func TestOriginPolicyAllowList(t *testing.T) {
	policy := newOriginPolicy([]string{"https://chat.example", " https://app.example "})

	assert.True(t, policy.check(requestWithOrigin("https://chat.example")))
	assert.True(t, policy.check(requestWithOrigin("HTTPS://CHAT.EXAMPLE")), "matching is case-insensitive")
	assert.True(t, policy.check(requestWithOrigin("https://app.example")))
	assert.False(t, policy.check(requestWithOrigin("https://evil.example")))
	assert.False(t, policy.check(requestWithOrigin("http://chat.example")), "the scheme is part of the origin")
}

func TestOriginPolicyIgnoresInvalidEntries(t *testing.T) {
	policy := newOriginPolicy([]string{"", "not a url", "https://good.example"})

	assert.True(t, policy.check(requestWithOrigin("https://good.example")))
	assert.False(t, policy.check(requestWithOrigin("not a url")))
}

func TestNormalizeOrigin(t *testing.T) {
	normalized, ok := normalizeOrigin("HTTPS://Chat.Example:8443")
	assert.True(t, ok)
	assert.Equal(t, "https://chat.example:8443", normalized)

	_, ok = normalizeOrigin("missing-scheme.example")
	assert.False(t, ok)
}
