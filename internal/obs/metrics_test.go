package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                             "/",
		"/metrics":                     "/metrics",
		"/v1/grants":                   "/v1/grants",
		"/v1/grants/abc":               "/v1/grants/:id",
		"/v1/grants?class=role":        "/v1/grants",
		"/v1/requests/abc/response":    "/v1/requests/:id/response",
		"/v1/roles/editor/permissions": "/v1/roles/:id/permissions",
		"/v1/events":                   "/v1/events",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
