package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"calendarauth-go/internal/calendar"
	"calendarauth-go/internal/config"

	"github.com/stretchr/testify/require"
)

// mockProvider stubs the identity provider's token endpoint.
type mockProvider struct {
	mu       sync.Mutex
	forms    []url.Values
	status   int
	response map[string]interface{}
}

func newMockProvider(t *testing.T, status int, response map[string]interface{}) (*mockProvider, *httptest.Server) {
	t.Helper()
	p := &mockProvider{status: status, response: response}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.forms = append(p.forms, r.PostForm)
		p.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(p.status)
		_ = json.NewEncoder(w).Encode(p.response)
	}))
	t.Cleanup(srv.Close)
	return p, srv
}

func (p *mockProvider) requests() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.forms...)
}

func successfulTokenResponse() map[string]interface{} {
	return map[string]interface{}{
		"access_token":  "AT1",
		"refresh_token": "RT1",
		"token_type":    "Bearer",
		"expires_in":    3600,
	}
}

// mockEventCreator records calls and returns a canned result.
type mockEventCreator struct {
	mu     sync.Mutex
	tokens []string
	appts  []calendar.Appointment
	event  *calendar.Event
	err    error
}

func (m *mockEventCreator) CreateEvent(ctx context.Context, accessToken string, appt calendar.Appointment) (*calendar.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = append(m.tokens, accessToken)
	m.appts = append(m.appts, appt)
	if accessToken == "" {
		return nil, calendar.ErrMissingAccessToken
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.event, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(providerURL string) *config.Config {
	cfg := config.Default()
	cfg.LogLevel = "error"
	cfg.Server.Port = 0
	cfg.Server.MetricsPort = 0
	cfg.Auth.ClientID = "client-id"
	cfg.Auth.ClientSecret = "client-secret"
	cfg.Auth.TenantID = "tenant"
	cfg.Auth.RedirectURI = "http://localhost:3000/auth/callback"
	cfg.Auth.AuthorizeURL = providerURL + "/authorize"
	cfg.Auth.TokenURL = providerURL + "/token"
	cfg.Auth.LoginRateLimit = 0
	return &cfg
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...Option) *Application {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	app, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.closeAudit() })
	return app
}
