package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"calendarauth-go/internal/auth"
	"calendarauth-go/internal/calendar"
	"calendarauth-go/internal/config"
	"calendarauth-go/internal/metrics"
)

const maxRequestBody = 1 << 20

//
// Authentication Handlers
//

// handleLogin starts an authorization flow and redirects the user agent
// to the provider's consent page.
func (a *Application) handleLogin(w http.ResponseWriter, r *http.Request) {
	authz, err := a.Auth.Initiate(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, authz.URL, http.StatusFound)
}

// handleAuthCallback handles the redirect from the provider after consent
// and exchanges the authorization code for tokens.
func (a *Application) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	if providerErr := query.Get("error"); providerErr != "" {
		a.Auth.Abandon(ctx, query.Get("state"), providerErr)
		metrics.Callbacks.WithLabelValues("provider_error").Inc()
		a.Logger.WarnContext(ctx, "provider returned an error on callback",
			"error", providerErr,
			"description", query.Get("error_description"))
		http.Error(w, "Authorization was not granted", http.StatusBadRequest)
		return
	}

	tokens, err := a.Auth.Exchange(ctx, query.Get("code"), query.Get("state"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	if a.Config.Auth.CallbackMode == config.CallbackModeRedirect {
		target, err := frontendRedirect(a.Config.Auth.FrontendURL, tokens)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

// frontendRedirect appends the token set to base as query parameters.
func frontendRedirect(base string, tokens *auth.TokenSet) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("accessToken", tokens.AccessToken)
	q.Set("refreshToken", tokens.RefreshToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

//
// Application Handlers
//

type appointmentRequest struct {
	AccessToken string `json:"accessToken"`
	calendar.Appointment
}

// handleCreateAppointment forwards an event to the user's calendar using the
// bearer token from the body or the Authorization header.
func (a *Application) handleCreateAppointment(w http.ResponseWriter, r *http.Request) {
	var req appointmentRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		metrics.Appointments.WithLabelValues("invalid").Inc()
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	token := req.AccessToken
	if token == "" {
		token = bearerToken(r)
	}

	event, err := a.Calendar.CreateEvent(r.Context(), token, req.Appointment)
	if err != nil {
		metrics.Appointments.WithLabelValues(appointmentOutcome(err)).Inc()
		a.writeError(w, r, err)
		return
	}

	metrics.Appointments.WithLabelValues("created").Inc()
	writeJSON(w, http.StatusCreated, event)
}

func appointmentOutcome(err error) string {
	switch {
	case errors.Is(err, calendar.ErrMissingAccessToken):
		return "unauthorized"
	case errors.Is(err, calendar.ErrInvalidAppointment):
		return "invalid"
	default:
		return "failed"
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// handleHealthz reports pending flows, the audit queue and, when the audit
// log is enabled, its schema version. An unreadable audit database is 503.
func (a *Application) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := a.WorkerPool.Stats()
	body := map[string]interface{}{
		"status":             "ok",
		"pending":            a.Pending.Len(),
		"audit_queue":        stats.QueueLength,
		"audit_dead_letters": stats.DeadLetters,
	}

	if a.Audit != nil {
		migrations, err := a.Audit.GetMigrationStatus(r.Context())
		if err != nil {
			a.Logger.ErrorContext(r.Context(), "audit database unavailable", "error", err)
			body["status"] = "degraded"
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
		if n := len(migrations); n > 0 {
			body["schema_version"] = migrations[n-1].Version
		}
	}

	writeJSON(w, http.StatusOK, body)
}

//
// Responses
//

// statusFor maps a handler error to its HTTP status and public message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrMissingCode):
		return http.StatusBadRequest, "Authorization code not found"
	case errors.Is(err, auth.ErrMissingState):
		return http.StatusBadRequest, "State parameter not found"
	case errors.Is(err, auth.ErrUnknownOrExpiredState):
		return http.StatusBadRequest, "Unknown or expired state"
	case errors.Is(err, auth.ErrTokenExchangeFailed):
		return http.StatusInternalServerError, "Authentication failed"
	case errors.Is(err, calendar.ErrMissingAccessToken):
		return http.StatusUnauthorized, "Access token required"
	case errors.Is(err, calendar.ErrInvalidAppointment):
		return http.StatusBadRequest, "Invalid appointment"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func (a *Application) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)

	attrs := []any{"status", status, "error", err}
	var exErr *auth.TokenExchangeError
	if errors.As(err, &exErr) {
		attrs = append(attrs,
			"provider_status", exErr.StatusCode,
			"provider_error", exErr.ErrorCode,
			"provider_body", string(exErr.Body))
	}
	var apiErr *calendar.APIError
	if errors.As(err, &apiErr) {
		attrs = append(attrs, "calendar_status", apiErr.StatusCode, "calendar_body", apiErr.Body)
	}

	if status >= http.StatusInternalServerError {
		a.Logger.ErrorContext(r.Context(), "request failed", attrs...)
	} else {
		a.Logger.InfoContext(r.Context(), "request rejected", attrs...)
	}
	http.Error(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
