package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOriginPolicy(t *testing.T) {
	policy := newOriginPolicy([]string{" HTTP://Example.com ", "not a url", "", "https://app.example.org:8443"}, nil)

	cases := []struct {
		origin string
		want   bool
	}{
		{"http://example.com", true},
		{"http://EXAMPLE.com", true},
		{"https://example.com", false},
		{"https://app.example.org:8443", true},
		{"https://app.example.org", false},
		{"", false},
		{"::garbage", false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("GET", "/ws/messages/x", nil)
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		assert.Equal(t, tc.want, policy.checkOrigin(req), "origin %q", tc.origin)
	}
}

func TestOriginPolicyWildcard(t *testing.T) {
	policy := newOriginPolicy([]string{"*"}, nil)
	req := httptest.NewRequest("GET", "/ws/messages/x", nil)
	assert.True(t, policy.allows(req))

	req.Header.Set("Origin", "https://anywhere.test")
	assert.True(t, policy.allows(req))
}

func TestOriginPolicyEmptyDeniesAll(t *testing.T) {
	policy := newOriginPolicy(nil, nil)
	req := httptest.NewRequest("GET", "/ws/messages/x", nil)
	req.Header.Set("Origin", "http://localhost:8080")
	assert.False(t, policy.allows(req))
}
