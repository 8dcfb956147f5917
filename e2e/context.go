package e2e

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	consentservice "custodia/internal/consent/service"
	consentstore "custodia/internal/consent/store"
	"custodia/internal/dsr/export"
	dsrservice "custodia/internal/dsr/service"
	dsrstore "custodia/internal/dsr/store"
	"custodia/internal/jwttoken"
	"custodia/internal/keys"
	"custodia/internal/notify"
	"custodia/internal/platform/clock"
	"custodia/internal/platform/config"
	"custodia/internal/platform/logger"
	retentionengine "custodia/internal/retention/engine"
	retentionstore "custodia/internal/retention/store"
	httptransport "custodia/internal/transport/http"
	id "custodia/pkg/domain"
	audit "custodia/pkg/platform/audit"
	auditmemory "custodia/pkg/platform/audit/store/memory"
)

// TestContext holds state between test steps. Each scenario gets a fresh
// in-process server over in-memory stores, so scenarios never interfere.
type TestContext struct {
	Server     *httptest.Server
	HTTPClient *http.Client
	Clock      *clock.Fake
	Sink       *notify.CaptureSink
	Tokens     *jwttoken.Service

	LastResponse     *http.Response
	LastResponseBody []byte
	AccessToken      string

	ConsentID string
	RequestID string
}

// NewTestContext boots a fresh server.
func NewTestContext() (*TestContext, error) {
	clk := clock.NewFake(time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC))
	sink := &notify.CaptureSink{}
	ledger := audit.New(auditmemory.New(), clk)

	master := make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		return nil, err
	}
	manager, err := keys.NewManager(keys.NewInMemoryStore(), ledger, clk, master)
	if err != nil {
		return nil, err
	}

	consentSvc := consentservice.NewService(consentstore.NewInMemoryStore(), ledger, manager, sink, clk)
	requestSvc := dsrservice.NewService(dsrstore.NewInMemoryStore(), ledger, manager, sink, export.NewInMemorySource(), clk)
	policies := retentionstore.NewInMemoryStore()
	engine := retentionengine.New(policies, map[string]retentionengine.Target{}, ledger, clk)
	tokens := jwttoken.NewService("e2e-signing-key", "custodia", "custodia-api", time.Hour, clk)

	router := httptransport.NewRouter(httptransport.Deps{
		Consent:  consentSvc,
		Requests: requestSvc,
		Keys:     manager,
		Ledger:   ledger,
		Engine:   engine,
		Policies: policies,
		Clock:    clk,
		Config: config.Server{
			RequestTimeout:          5 * time.Second,
			ParentalConsentRequired: true,
			DataRetentionDays:       1095,
			AuditRetentionDays:      2555,
		},
		Auth:   tokens,
		Logger: logger.New(),
	})

	server := httptest.NewServer(router)
	return &TestContext{
		Server:     server,
		HTTPClient: server.Client(),
		Clock:      clk,
		Sink:       sink,
		Tokens:     tokens,
	}, nil
}

// Close shuts the in-process server down.
func (tc *TestContext) Close() {
	if tc.Server != nil {
		tc.Server.Close()
	}
}

// POST makes a POST request and stores the response.
func (tc *TestContext) POST(path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(context.Background(), "POST", tc.Server.URL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tc.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+tc.AccessToken)
	}

	return tc.do(req)
}

// GET makes a GET request and stores the response.
func (tc *TestContext) GET(path string) error {
	req, err := http.NewRequestWithContext(context.Background(), "GET", tc.Server.URL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if tc.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+tc.AccessToken)
	}

	return tc.do(req)
}

func (tc *TestContext) do(req *http.Request) error {
	resp, err := tc.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}

	tc.LastResponse = resp
	tc.LastResponseBody, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	return nil
}

// GetResponseField extracts a top-level field from the last JSON response.
func (tc *TestContext) GetResponseField(field string) (interface{}, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(tc.LastResponseBody, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	value, ok := payload[field]
	if !ok {
		return nil, fmt.Errorf("field %q not found in response: %s", field, tc.LastResponseBody)
	}
	return value, nil
}

// LastIntentToken returns the verification token of the newest notification
// intent of the given kind.
func (tc *TestContext) LastIntentToken(kind string) (string, error) {
	intents := tc.Sink.Sent()
	for i := len(intents) - 1; i >= 0; i-- {
		if intents[i].Kind == kind {
			return intents[i].Token, nil
		}
	}
	return "", fmt.Errorf("no notification of kind %q was sent", kind)
}

// AuthenticateAs issues a staff token for the given role.
func (tc *TestContext) AuthenticateAs(role string) error {
	token, err := tc.Tokens.Generate(id.NewActorID(), role, tc.Clock.Now())
	if err != nil {
		return err
	}
	tc.AccessToken = token
	return nil
}
