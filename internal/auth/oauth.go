package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"calendarauth-go/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const (
	// DefaultExchangeTimeout bounds the token endpoint round trip.
	DefaultExchangeTimeout = 15 * time.Second

	tracerName = "calendarauth-go/internal/auth"
)

// DefaultScopes is the fixed scope list requested from the provider.
var DefaultScopes = []string{"openid", "profile", "offline_access", "Calendars.ReadWrite"}

// Config describes the confidential client registered with the provider.
type Config struct {
	ClientID     string
	ClientSecret string
	TenantID     string
	RedirectURL  string

	// AuthURL and TokenURL override the tenant-derived Microsoft endpoints.
	AuthURL  string
	TokenURL string

	Scopes          []string
	ExchangeTimeout time.Duration
	HTTPClient      *http.Client
}

// Authorization is the result of starting a flow: where to send the
// user agent, and the state that will come back on the callback.
type Authorization struct {
	URL   string
	State string
}

// TokenSet holds the provider's bearer credentials. They are passed
// through to the caller without inspection.
type TokenSet struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// OAuthManager runs the authorization code flow with PKCE.
type OAuthManager struct {
	config     *oauth2.Config
	pending    PendingStore
	httpClient *http.Client
	recorder   FlowRecorder
	logger     *slog.Logger
	tracer     trace.Tracer

	newPKCE  func() (PKCEPair, error)
	newState func() (string, error)
}

// Option configures an OAuthManager.
type Option func(*OAuthManager)

// WithLogger sets the logger used for flow diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(m *OAuthManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithFlowRecorder registers a sink for flow transitions.
func WithFlowRecorder(r FlowRecorder) Option {
	return func(m *OAuthManager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// NewOAuthManager validates cfg and creates an OAuthManager that keeps
// in-flight verifiers in pending.
func NewOAuthManager(cfg Config, pending PendingStore, opts ...Option) (*OAuthManager, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("redirect URL is required")
	}
	if pending == nil {
		return nil, fmt.Errorf("pending store is required")
	}

	endpoint, err := resolveEndpoint(cfg)
	if err != nil {
		return nil, err
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.ExchangeTimeout
		if timeout <= 0 {
			timeout = DefaultExchangeTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	m := &OAuthManager{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		pending:    pending,
		httpClient: httpClient,
		recorder:   nopRecorder{},
		logger:     slog.Default(),
		tracer:     otel.Tracer(tracerName),
		newPKCE:    GeneratePKCECodes,
		newState:   GenerateState,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func resolveEndpoint(cfg Config) (oauth2.Endpoint, error) {
	var endpoint oauth2.Endpoint
	switch {
	case cfg.AuthURL != "" && cfg.TokenURL != "":
		endpoint = oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL}
	case cfg.AuthURL != "" || cfg.TokenURL != "":
		return oauth2.Endpoint{}, fmt.Errorf("auth URL and token URL must be overridden together")
	case cfg.TenantID != "":
		endpoint = microsoft.AzureADEndpoint(cfg.TenantID)
	default:
		return oauth2.Endpoint{}, fmt.Errorf("tenant ID is required")
	}
	// client_id and client_secret travel in the form body
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	return endpoint, nil
}

// Initiate starts a flow: it generates a PKCE pair and a state, registers
// the verifier as pending and returns the provider authorization URL.
// No network call is made.
func (m *OAuthManager) Initiate(ctx context.Context) (*Authorization, error) {
	pair, err := m.newPKCE()
	if err != nil {
		return nil, fmt.Errorf("failed to generate PKCE codes: %w", err)
	}

	state, err := m.newState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}

	if err := m.pending.StoreVerifier(state, pair.Verifier); err != nil {
		return nil, fmt.Errorf("failed to store verifier: %w", err)
	}
	m.recorder.RecordFlow(ctx, state, FlowIssued, "")
	metrics.LoginsStarted.Inc()
	m.refreshPendingGauge()

	authURL := m.config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("response_mode", "query"),
		oauth2.SetAuthURLParam("code_challenge", pair.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", CodeChallengeMethod),
	)

	m.logger.DebugContext(ctx, "authorization flow issued")
	return &Authorization{URL: authURL, State: state}, nil
}

// Exchange redeems an authorization code returned on the callback.
//
// The pending entry for state is consumed before the provider is called, so
// a state authorizes at most one exchange even when the exchange fails.
func (m *OAuthManager) Exchange(ctx context.Context, code, state string) (*TokenSet, error) {
	if code == "" {
		metrics.Callbacks.WithLabelValues("missing_code").Inc()
		return nil, ErrMissingCode
	}
	if state == "" {
		metrics.Callbacks.WithLabelValues("missing_state").Inc()
		return nil, ErrMissingState
	}

	verifier, err := m.pending.TakeVerifier(state)
	m.refreshPendingGauge()
	if err != nil {
		status := FlowRejected
		if errors.Is(err, errPendingExpired) {
			status = FlowExpired
			metrics.PendingExpired.Inc()
		}
		m.recorder.RecordFlow(ctx, state, status, err.Error())
		metrics.Callbacks.WithLabelValues("unknown_state").Inc()
		if !errors.Is(err, ErrUnknownOrExpiredState) {
			err = fmt.Errorf("%w: %v", ErrUnknownOrExpiredState, err)
		}
		return nil, err
	}
	m.recorder.RecordFlow(ctx, state, FlowConsumed, "")

	ctx, span := m.tracer.Start(ctx, "auth.exchange",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("oauth.client_id", m.config.ClientID),
			attribute.String("oauth.grant_type", "authorization_code"),
			attribute.String("oauth.pkce.method", CodeChallengeMethod),
		))
	defer span.End()

	token, err := m.exchange(ctx, code, verifier)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token exchange failed")
		m.recorder.RecordFlow(ctx, state, FlowFailed, err.Error())
		metrics.Callbacks.WithLabelValues("exchange_failed").Inc()
		return nil, err
	}

	metrics.Callbacks.WithLabelValues("success").Inc()
	return &TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}, nil
}

// Abandon discards the pending entry for a flow the provider refused, such
// as a user declining consent. It reports whether an entry was removed.
func (m *OAuthManager) Abandon(ctx context.Context, state, reason string) bool {
	if state == "" {
		return false
	}
	if _, err := m.pending.TakeVerifier(state); err != nil {
		return false
	}
	m.refreshPendingGauge()
	m.recorder.RecordFlow(ctx, state, FlowRejected, reason)
	return true
}

// SweepExpired drops pending entries whose TTL elapsed before a callback
// arrived and records each as expired. It returns how many were dropped.
func (m *OAuthManager) SweepExpired(ctx context.Context) int {
	states := m.pending.Sweep()
	for _, state := range states {
		m.recorder.RecordFlow(ctx, state, FlowExpired, "ttl elapsed before callback")
	}
	metrics.PendingExpired.Add(float64(len(states)))
	m.refreshPendingGauge()
	return len(states)
}

func (m *OAuthManager) refreshPendingGauge() {
	metrics.PendingAuthorizations.Set(float64(m.pending.Len()))
}

func (m *OAuthManager) exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)

	start := time.Now()
	token, err := m.config.Exchange(ctx, code,
		oauth2.VerifierOption(verifier),
		oauth2.SetAuthURLParam("scope", strings.Join(m.config.Scopes, " ")),
	)
	metrics.TokenExchangeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, newTokenExchangeError(err)
	}
	return token, nil
}

func newTokenExchangeError(err error) *TokenExchangeError {
	exErr := &TokenExchangeError{Err: err}
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		exErr.ErrorCode = rErr.ErrorCode
		exErr.ErrorDescription = rErr.ErrorDescription
		exErr.Body = rErr.Body
		if rErr.Response != nil {
			exErr.StatusCode = rErr.Response.StatusCode
		}
	}
	return exErr
}

// Scopes returns the scopes requested on every flow.
func (m *OAuthManager) Scopes() []string {
	return append([]string(nil), m.config.Scopes...)
}
