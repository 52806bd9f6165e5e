package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
)

// mockProvider is a token endpoint stub that records every form it receives.
type mockProvider struct {
	mu       sync.Mutex
	forms    []url.Values
	status   int
	response map[string]interface{}
}

func newMockProvider(t *testing.T, status int, response map[string]interface{}) (*mockProvider, *httptest.Server) {
	p := &mockProvider{status: status, response: response}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" || r.Method != http.MethodPost {
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

type recordedFlow struct {
	state  string
	status FlowStatus
}

// mockRecorder collects flow transitions.
type mockRecorder struct {
	mu     sync.Mutex
	events []recordedFlow
}

func (m *mockRecorder) RecordFlow(ctx context.Context, state string, status FlowStatus, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, recordedFlow{state: state, status: status})
}

func (m *mockRecorder) statuses() []FlowStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FlowStatus, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.status)
	}
	return out
}

// countingStore wraps a PendingStore and counts calls to it.
type countingStore struct {
	PendingStore
	mu    sync.Mutex
	takes int
}

func (c *countingStore) TakeVerifier(state string) (string, error) {
	c.mu.Lock()
	c.takes++
	c.mu.Unlock()
	return c.PendingStore.TakeVerifier(state)
}
