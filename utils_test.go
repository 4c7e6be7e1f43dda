package main

import "testing"

func TestSingleJoin(t *testing.T) {
	cases := []struct {
		base, req, want string
	}{
		{"", "/api/oauth/usage", "/api/oauth/usage"},
		{"/", "/api/oauth/usage", "/api/oauth/usage"},
		{"/proxy", "/api/oauth/usage", "/proxy/api/oauth/usage"},
		{"/proxy/", "/api/oauth/usage", "/proxy/api/oauth/usage"},
		{"/proxy", "api/oauth/usage", "/proxy/api/oauth/usage"},
	}
	for _, tc := range cases {
		if got := singleJoin(tc.base, tc.req); got != tc.want {
			t.Errorf("singleJoin(%q, %q) = %q, want %q", tc.base, tc.req, got, tc.want)
		}
	}
}

func TestSafeText(t *testing.T) {
	if got := safeText([]byte("line1\nline2\r"), 100); got != `line1\nline2\r` {
		t.Errorf("safeText = %q", got)
	}
	if got := safeText([]byte("abcdef"), 3); got != "abc" {
		t.Errorf("safeText truncation = %q", got)
	}
}
