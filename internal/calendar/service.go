package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
)

const (
	// DefaultGraphBaseURL is the Microsoft Graph v1.0 root.
	DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

	// Graph accepts dateTime without an offset, interpreted in timeZone.
	graphDateTimeLayout = "2006-01-02T15:04:05"

	maxErrorBody = 4096
)

var (
	ErrMissingAccessToken  = errors.New("access token is required")
	ErrInvalidAppointment  = errors.New("invalid appointment")
	errUnexpectedGraphBody = errors.New("unexpected response from calendar API")
)

// Appointment is an event to create in the user's default calendar.
type Appointment struct {
	Title       string    `json:"title" validate:"required,max=255"`
	StartTime   time.Time `json:"startTime" validate:"required"`
	EndTime     time.Time `json:"endTime" validate:"required,gtfield=StartTime"`
	Description string    `json:"description"`
	TimeZone    string    `json:"timeZone,omitempty"`
}

// Event is the subset of the created Graph event returned to callers.
type Event struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	WebLink string `json:"webLink,omitempty"`
}

// APIError is a non-2xx response from the calendar API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("calendar API returned %d", e.StatusCode)
}

// EventCreator creates calendar events with a user's bearer token.
type EventCreator interface {
	CreateEvent(ctx context.Context, accessToken string, appt Appointment) (*Event, error)
}

// GraphClient creates events through Microsoft Graph.
type GraphClient struct {
	baseURL         string
	defaultTimeZone string
	httpClient      *http.Client
	validate        *validator.Validate
	tracer          trace.Tracer
}

// NewGraphClient creates a GraphClient. An empty baseURL selects
// DefaultGraphBaseURL; a nil httpClient uses one with a 15s timeout.
func NewGraphClient(baseURL, defaultTimeZone string, httpClient *http.Client) *GraphClient {
	if baseURL == "" {
		baseURL = DefaultGraphBaseURL
	}
	if defaultTimeZone == "" {
		defaultTimeZone = "UTC"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &GraphClient{
		baseURL:         strings.TrimRight(baseURL, "/"),
		defaultTimeZone: defaultTimeZone,
		httpClient:      httpClient,
		validate:        validator.New(),
		tracer:          otel.Tracer("calendarauth-go/internal/calendar"),
	}
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphItemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphEvent struct {
	Subject string        `json:"subject"`
	Body    graphItemBody `json:"body"`
	Start   graphDateTime `json:"start"`
	End     graphDateTime `json:"end"`
}

// Validate checks an appointment without sending it.
func (c *GraphClient) Validate(appt Appointment) error {
	if err := c.validate.Struct(appt); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAppointment, err)
	}
	if appt.TimeZone != "" {
		if _, err := time.LoadLocation(appt.TimeZone); err != nil {
			return fmt.Errorf("%w: unknown time zone %q", ErrInvalidAppointment, appt.TimeZone)
		}
	}
	return nil
}

// CreateEvent posts appt to /me/events with accessToken as the bearer credential.
func (c *GraphClient) CreateEvent(ctx context.Context, accessToken string, appt Appointment) (*Event, error) {
	if accessToken == "" {
		return nil, ErrMissingAccessToken
	}
	if err := c.Validate(appt); err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "calendar.create_event",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("provider.operation", "create_event")))
	defer span.End()

	event, err := c.createEvent(ctx, accessToken, appt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create event failed")
		return nil, err
	}
	return event, nil
}

func (c *GraphClient) createEvent(ctx context.Context, accessToken string, appt Appointment) (*Event, error) {
	tz := appt.TimeZone
	if tz == "" {
		tz = c.defaultTimeZone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown time zone %q", ErrInvalidAppointment, tz)
	}

	payload, err := json.Marshal(graphEvent{
		Subject: appt.Title,
		Body:    graphItemBody{ContentType: "HTML", Content: appt.Description},
		Start:   graphDateTime{DateTime: appt.StartTime.In(loc).Format(graphDateTimeLayout), TimeZone: tz},
		End:     graphDateTime{DateTime: appt.EndTime.In(loc).Format(graphDateTimeLayout), TimeZone: tz},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/me/events", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.clientFor(ctx, accessToken).Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call calendar API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var event Event
	if err := json.NewDecoder(resp.Body).Decode(&event); err != nil {
		return nil, fmt.Errorf("%w: %v", errUnexpectedGraphBody, err)
	}
	return &event, nil
}

// clientFor returns an HTTP client that attaches accessToken to every request.
func (c *GraphClient) clientFor(ctx context.Context, accessToken string) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	client.Timeout = c.httpClient.Timeout
	return client
}
