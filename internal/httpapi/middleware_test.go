package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDEchoesHeader(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "upstream-42")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Header().Get("X-Request-Id") != "upstream-42" {
		t.Fatalf("header not echoed: %q", rr.Header().Get("X-Request-Id"))
	}
	if seen != "upstream-42" {
		t.Fatalf("context id mismatch: %q", seen)
	}
}

func TestRequestIDGeneratesWhenMissing(t *testing.T) {
	h := RequestID(okHandler())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(okHandler())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	expect := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	}
	for header, value := range expect {
		if got := rr.Header().Get(header); got != value {
			t.Fatalf("%s=%q, want %q", header, got, value)
		}
	}
}

func TestRateLimitBurst(t *testing.T) {
	h := RateLimit(okHandler(), 3, 1)

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	for i := 0; i < 3; i++ {
		if codes[i] != http.StatusOK {
			t.Fatalf("request %d rejected inside burst: %d", i, codes[i])
		}
	}
	if codes[4] != http.StatusTooManyRequests {
		t.Fatalf("expected 429 past the burst, got %v", codes)
	}

	// A different client gets its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("fresh client rejected: %d", rr.Code)
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.7" {
		t.Fatalf("clientIP=%q", got)
	}
	req.Header.Del("X-Forwarded-For")
	if got := clientIP(req); got != "10.0.0.9" {
		t.Fatalf("clientIP=%q", got)
	}
}

func TestMaxBodyBytesRejectsLargePayloads(t *testing.T) {
	h, _ := newTestAPI(t)
	limited := MaxBodyBytes(h, 64)

	big := make([]byte, 0, 256)
	big = append(big, `{"user_id":"carol","password":"`...)
	for i := 0; i < 200; i++ {
		big = append(big, 'x')
	}
	big = append(big, `"}`...)

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/token", bytes.NewReader(big))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	limited.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an oversized body, got %d", rr.Code)
	}
}
