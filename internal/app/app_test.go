package app

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"calendarauth-go/internal/auth"
	"calendarauth-go/internal/calendar"
	"calendarauth-go/internal/metrics"
	"calendarauth-go/internal/storage"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewApplication(t *testing.T) {
	cfg := testConfig("http://provider.invalid")
	cfg.Audit.DBPath = filepath.Join(t.TempDir(), "audit.db")

	// Test: Create a new application
	app, err := New(cfg, WithLogger(discardLogger()))
	require.NoError(t, err, "New() should not return an error with a valid config")
	require.NotNil(t, app, "New() should return a non-nil application instance")

	// Assert: Check that all components are initialized
	assert.NotNil(t, app.Config, "Config should be initialized")
	assert.NotNil(t, app.Logger, "Logger should be initialized")
	assert.NotNil(t, app.Auth, "OAuthManager should be initialized")
	assert.NotNil(t, app.Pending, "Pending store should be initialized")
	assert.NotNil(t, app.Audit, "Audit store should be initialized")
	assert.NotNil(t, app.WorkerPool, "WorkerPool should be initialized")
	assert.NotNil(t, app.HttpServer, "HttpServer should be initialized")
	assert.NotNil(t, app.MetricsServer, "MetricsServer should be initialized")
	assert.IsType(t, &calendar.GraphClient{}, app.Calendar)
	assert.Equal(t, cfg.Auth.PendingTTL.Duration, app.Pending.TTL())
	assert.Equal(t, auth.DefaultScopes, app.Auth.Scopes())

	// Teardown: Clean up resources
	assert.NoError(t, app.closeAudit(), "Failed to close database connection")
}

func TestNewApplication_Errors(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	cfg := testConfig("http://provider.invalid")
	cfg.Auth.ClientSecret = ""
	_, err = New(cfg, WithLogger(discardLogger()))
	assert.Error(t, err)

	cfg = testConfig("http://provider.invalid")
	cfg.Audit.DBPath = filepath.Join(t.TempDir(), "missing", "dir", "audit.db")
	_, err = New(cfg, WithLogger(discardLogger()))
	assert.Error(t, err)
}

func TestApplication_StartStop(t *testing.T) {
	_, srv := newMockProvider(t, http.StatusOK, successfulTokenResponse())
	app := newTestApp(t, testConfig(srv.URL))

	require.NoError(t, app.Start(context.Background()))
	addr := app.Addr()
	require.NotEmpty(t, addr)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Stop(ctx))

	_, err = client.Get("http://" + addr + "/healthz")
	assert.Error(t, err, "server should be closed after Stop")
}

func TestApplication_StartPortInUse(t *testing.T) {
	app := newTestApp(t, testConfig("http://provider.invalid"))
	require.NoError(t, app.Start(context.Background()))
	defer app.Stop(context.Background())

	cfg := testConfig("http://provider.invalid")
	other := newTestApp(t, cfg)
	other.HttpServer.Addr = app.Addr()
	assert.Error(t, other.Start(context.Background()))
}

func TestApplication_SweepPending(t *testing.T) {
	cfg := testConfig("http://provider.invalid")
	cfg.Auth.PendingTTL.Duration = time.Millisecond
	cfg.Audit.DBPath = filepath.Join(t.TempDir(), "audit.db")
	app := newTestApp(t, cfg)
	app.WorkerPool.Start()

	authz, err := app.Auth.Initiate(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, app.Pending.Len())
	expiredBefore := testutil.ToFloat64(metrics.PendingExpired)

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, app.sweepPending(context.Background()))
	assert.Equal(t, 0, app.Pending.Len())
	assert.Equal(t, expiredBefore+1, testutil.ToFloat64(metrics.PendingExpired))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.PendingAuthorizations))

	app.WorkerPool.Stop(context.Background())

	events, err := app.Audit.GetEvents(context.Background(), storage.HashState(authz.State))
	require.NoError(t, err)
	statuses := make([]string, 0, len(events))
	for _, e := range events {
		statuses = append(statuses, e.Status)
	}
	assert.Equal(t, []string{storage.StatusIssued, storage.StatusExpired}, statuses)
}

func TestApplication_SweepEvictsIdleLimiters(t *testing.T) {
	cfg := testConfig("http://provider.invalid")
	cfg.Auth.LoginRateLimit = 1
	app := newTestApp(t, cfg)
	require.NotNil(t, app.loginLimiter)

	now := time.Now()
	app.loginLimiter.now = func() time.Time { return now }
	app.loginLimiter.allow("10.0.0.1")
	now = now.Add(limiterIdleTTL + time.Second)

	app.sweepPending(context.Background())
	assert.Empty(t, app.loginLimiter.clients)
}

func TestApplication_AuditCleanup(t *testing.T) {
	cfg := testConfig("http://provider.invalid")
	assert.False(t, newTestApp(t, cfg).scheduleAuditCleanup(), "no audit store configured")

	cfg = testConfig("http://provider.invalid")
	cfg.Audit.DBPath = filepath.Join(t.TempDir(), "audit.db")
	app := newTestApp(t, cfg)
	app.WorkerPool.Start()

	_, err := app.Auth.Initiate(context.Background())
	require.NoError(t, err)

	assert.True(t, app.scheduleAuditCleanup())
	app.WorkerPool.Stop(context.Background())

	counts, err := app.Audit.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["issued"], "recent events survive retention cleanup")
	assert.Equal(t, 0, app.WorkerPool.DeadLetterCount())
}
