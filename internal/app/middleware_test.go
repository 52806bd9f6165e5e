package app

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nextHandler is a dummy handler that echoes the request ID from the context.
func nextHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := requestIDFromContext(r.Context())
		require.NotEmpty(t, id, "request ID not found in context")
		fmt.Fprint(w, id)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	handler := requestID(nextHandler(t))

	t.Run("generates an ID", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		id := rr.Header().Get(requestIDHeader)
		_, err := uuid.Parse(id)
		assert.NoError(t, err)
		assert.Equal(t, id, rr.Body.String())
	})

	t.Run("keeps a valid inbound ID", func(t *testing.T) {
		inbound := uuid.NewString()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(requestIDHeader, inbound)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.Equal(t, inbound, rr.Header().Get(requestIDHeader))
		assert.Equal(t, inbound, rr.Body.String())
	})

	t.Run("replaces a malformed inbound ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(requestIDHeader, "<script>")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.NotEqual(t, "<script>", rr.Header().Get(requestIDHeader))
	})
}

func TestSecurityHeaders(t *testing.T) {
	rr := httptest.NewRecorder()
	securityHeaders(http.NotFoundHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
}

func TestCORSMiddleware(t *testing.T) {
	const origin = "http://localhost:5173"
	called := false
	handler := cors(origin, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	t.Run("preflight from frontend", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodOptions, "/appointments", nil)
		req.Header.Set("Origin", origin)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.Equal(t, origin, rr.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), "Authorization")
		assert.False(t, called)
	})

	t.Run("other origin", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodPost, "/appointments", nil)
		req.Header.Set("Origin", "http://evil.example")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
		assert.True(t, called)
	})
}

func TestIPRateLimiter(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	limiter := newIPRateLimiter(1, 2)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.allow("10.0.0.1"))
	assert.True(t, limiter.allow("10.0.0.1"))
	assert.False(t, limiter.allow("10.0.0.1"), "burst exhausted")
	assert.True(t, limiter.allow("10.0.0.2"), "buckets are per client")

	now = now.Add(time.Second)
	assert.True(t, limiter.allow("10.0.0.1"), "one token refilled")

	now = now.Add(limiterIdleTTL + time.Second)
	limiter.allow("10.0.0.3")
	assert.Len(t, limiter.clients, 3, "allow never evicts")
	assert.Equal(t, 2, limiter.evictIdle())
	assert.Len(t, limiter.clients, 1, "idle clients are evicted")
	assert.Equal(t, 0, limiter.evictIdle())
}

func TestRateLimitedLogin(t *testing.T) {
	_, srv := newMockProvider(t, http.StatusOK, successfulTokenResponse())
	cfg := testConfig(srv.URL)
	cfg.Auth.LoginRateLimit = 0.001
	cfg.Auth.LoginRateBurst = 2
	app := newTestApp(t, cfg)
	handler := app.Routes()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/login", nil))
		codes = append(codes, rr.Code)
	}

	assert.Equal(t, []int{http.StatusFound, http.StatusFound, http.StatusTooManyRequests}, codes)
	assert.Equal(t, 2, app.Pending.Len(), "rejected logins must not create pending entries")
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	assert.Equal(t, "192.0.2.7", clientIP(req))

	req.RemoteAddr = "unix"
	assert.Equal(t, "unix", clientIP(req))
}
