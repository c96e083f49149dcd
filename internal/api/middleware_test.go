package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillchat/quill/internal/log"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRecoveryMiddlewareCatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	h := recoveryMiddleware(log.NewNop())(panicking)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal_error")
}

func TestRequestIDMiddlewareAssignsAndEchoes(t *testing.T) {
	var seen string
	h := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = requestIDFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Request-Id"))
}

func TestRequestIDMiddlewareHonorsUpstreamID(t *testing.T) {
	h := requestIDMiddleware(okHandler())

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-Id", "upstream-42")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, "upstream-42", w.Header().Get("X-Request-Id"))
}

func TestCORSMiddlewareAllowsConfiguredOrigin(t *testing.T) {
	h := corsMiddleware([]string{"https://app.example.com"})(okHandler())

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSMiddlewareIgnoresUnknownOrigin(t *testing.T) {
	h := corsMiddleware([]string{"https://app.example.com"})(okHandler())

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSMiddlewareHandlesPreflight(t *testing.T) {
	h := corsMiddleware([]string{"https://app.example.com"})(okHandler())

	r := httptest.NewRequest(http.MethodOptions, "/", nil)
	r.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRateLimiterExhaustsBurst(t *testing.T) {
	rl := newRateLimiter(0.001, 3)

	assert.True(t, rl.allow("10.0.0.1"))
	assert.True(t, rl.allow("10.0.0.1"))
	assert.True(t, rl.allow("10.0.0.1"))
	assert.False(t, rl.allow("10.0.0.1"))

	// Another IP keeps its own bucket.
	assert.True(t, rl.allow("10.0.0.2"))
}

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	rl := newRateLimiter(0.001, 1)
	h := rateLimitMiddleware(rl, false, log.NewNop())(okHandler())

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.9:1234"

	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		trustProxy bool
		want       string
	}{
		{
			name:       "remote addr only",
			remoteAddr: "192.0.2.1:5000",
			want:       "192.0.2.1",
		},
		{
			name:       "ignores forwarded header without trust",
			remoteAddr: "192.0.2.1:5000",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7"},
			want:       "192.0.2.1",
		},
		{
			name:       "x-real-ip with trust",
			remoteAddr: "192.0.2.1:5000",
			headers:    map[string]string{"X-Real-IP": "203.0.113.7"},
			trustProxy: true,
			want:       "203.0.113.7",
		},
		{
			name:       "first forwarded entry with trust",
			remoteAddr: "192.0.2.1:5000",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7, 198.51.100.2"},
			trustProxy: true,
			want:       "203.0.113.7",
		},
		{
			name:       "invalid header falls back",
			remoteAddr: "192.0.2.1:5000",
			headers:    map[string]string{"X-Real-IP": "not-an-ip"},
			trustProxy: true,
			want:       "192.0.2.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(r, tt.trustProxy))
		})
	}
}
