package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                            "/",
		"/metrics":                    "/metrics",
		"/v1/auth/login":              "/v1/auth/login",
		"/v1/users":                   "/v1/users",
		"/v1/users/01J5X0A2B3C4D5":    "/v1/users/:id",
		"/v1/users/abc/extra":         "/v1/users/abc/extra",
		"/v1/users/abc?fields=email":  "/v1/users/:id",
		"/v1/auth/refresh?limit=10":   "/v1/auth/refresh",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
