package httptransport

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

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
	id "custodia/pkg/domain"
	audit "custodia/pkg/platform/audit"
	auditmemory "custodia/pkg/platform/audit/store/memory"
)

// RouterSuite drives the HTTP surface end to end over in-memory stores.
//
// Justification: the handlers are thin, so what can break here is the
// wiring: routes behind the wrong middleware, auth gaps on staff endpoints,
// DTO fields that drift from the service contracts. Exercising the full
// router catches all three where handler-level unit tests would not.
type RouterSuite struct {
	suite.Suite

	clock    *clock.Fake
	sink     *notify.CaptureSink
	source   *export.InMemorySource
	ledger   *audit.Ledger
	consent  *consentservice.Service
	requests *dsrservice.Service
	policies retentionstore.Store
	tokens   *jwttoken.Service
	server   *httptest.Server
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	s.clock = clock.NewFake(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	s.sink = &notify.CaptureSink{}
	s.source = export.NewInMemorySource()
	s.ledger = audit.New(auditmemory.New(), s.clock)
	s.policies = retentionstore.NewInMemoryStore()

	master := make([]byte, 32)
	_, err := rand.Read(master)
	s.Require().NoError(err)
	manager, err := keys.NewManager(keys.NewInMemoryStore(), s.ledger, s.clock, master)
	s.Require().NoError(err)

	s.consent = consentservice.NewService(consentstore.NewInMemoryStore(), s.ledger, manager, s.sink, s.clock)
	s.requests = dsrservice.NewService(dsrstore.NewInMemoryStore(), s.ledger, manager, s.sink, s.source, s.clock)
	s.tokens = jwttoken.NewService("router-suite-signing-key", "custodia", "custodia-api", time.Hour, s.clock)

	engine := retentionengine.New(s.policies, map[string]retentionengine.Target{}, s.ledger, s.clock)

	router := NewRouter(Deps{
		Consent:  s.consent,
		Requests: s.requests,
		Keys:     manager,
		Ledger:   s.ledger,
		Engine:   engine,
		Policies: s.policies,
		Clock:    s.clock,
		Config: config.Server{
			RequestTimeout:          5 * time.Second,
			ParentalConsentRequired: true,
			DataRetentionDays:       1095,
			AuditRetentionDays:      2555,
		},
		Auth:   s.tokens,
		Logger: logger.New(),
	})
	s.server = httptest.NewServer(router)
	s.T().Cleanup(s.server.Close)
}

func (s *RouterSuite) do(method, path, bearer string, body any) *http.Response {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, s.server.URL+path, reader)
	s.Require().NoError(err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := s.server.Client().Do(req)
	s.Require().NoError(err)
	return resp
}

func (s *RouterSuite) decode(resp *http.Response) map[string]any {
	defer resp.Body.Close()
	var payload map[string]any
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&payload))
	return payload
}

func (s *RouterSuite) staffToken(role string) string {
	token, err := s.tokens.Generate(id.NewActorID(), role, s.clock.Now())
	s.Require().NoError(err)
	return token
}

// lastToken returns the verification token carried by the newest intent of
// the given kind.
func (s *RouterSuite) lastToken(kind string) string {
	intents := s.sink.Sent()
	for i := len(intents) - 1; i >= 0; i-- {
		if intents[i].Kind == kind {
			return intents[i].Token
		}
	}
	s.Require().FailNow("no intent of kind " + kind)
	return ""
}

func (s *RouterSuite) submitConsent() string {
	resp := s.do(http.MethodPost, "/api/v1/consent", "", map[string]any{
		"parentContact": "parent@example.com",
		"parentName":    "Jordan Blake",
		"childName":     "Sam Blake",
		"childAge":      9,
		"consentTypes":  []string{"data_processing", "progress_tracking"},
	})
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	payload := s.decode(resp)
	return payload["consentId"].(string)
}

func (s *RouterSuite) TestHealth() {
	resp := s.do(http.MethodGet, "/health", "", nil)
	s.Equal(http.StatusOK, resp.StatusCode)

	payload := s.decode(resp)
	s.Equal(true, payload["gdprEnabled"])
	s.Equal(true, payload["parentalConsentRequired"])
	s.Equal(float64(1095), payload["dataRetentionDays"])
	s.Equal(float64(2555), payload["auditLogRetentionDays"])
	s.Equal(true, payload["encryptionEnabled"])
	s.Equal(float64(0), payload["totalConsentRecords"])
}

func (s *RouterSuite) TestConsentDoubleOptIn() {
	consentID := s.submitConsent()

	firstToken := s.lastToken(notify.KindConsentFirstVerification)
	resp := s.do(http.MethodGet, "/api/v1/consent/verify?token="+firstToken, "", nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	payload := s.decode(resp)
	s.Equal(consentID, payload["consentId"])
	s.Equal("first_verified", payload["status"])

	secondToken := s.lastToken(notify.KindConsentSecondVerification)
	resp = s.do(http.MethodGet, "/api/v1/consent/verify?token="+secondToken, "", nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	payload = s.decode(resp)
	s.Equal("verified", payload["status"])

	s.Run("used token is rejected", func() {
		resp := s.do(http.MethodGet, "/api/v1/consent/verify?token="+firstToken, "", nil)
		s.Equal(http.StatusConflict, resp.StatusCode)
		body := s.decode(resp)
		s.Equal("already_verified", body["error"])
	})
}

func (s *RouterSuite) TestConsentSubmitValidation() {
	resp := s.do(http.MethodPost, "/api/v1/consent", "", map[string]any{
		"parentContact": "not-an-email",
		"parentName":    "Jordan Blake",
		"childName":     "Sam Blake",
		"childAge":      9,
		"consentTypes":  []string{"data_processing"},
	})
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	payload := s.decode(resp)
	s.Equal("validation_failed", payload["error"])
}

func (s *RouterSuite) TestRequestLifecycleOverHTTP() {
	resp := s.do(http.MethodPost, "/api/v1/requests", "", map[string]any{
		"type":             "access",
		"requesterRole":    "parent",
		"requesterContact": "parent@example.com",
		"details":          "Requesting a copy of all records held about my child.",
	})
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	payload := s.decode(resp)
	requestID := payload["requestId"].(string)
	s.Equal(true, payload["verificationRequired"])

	token := s.lastToken(notify.KindRequestVerification)
	resp = s.do(http.MethodGet, "/api/v1/requests/"+requestID+"/verify?token="+token, "", nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = s.do(http.MethodGet, "/api/v1/requests/"+requestID+"/status", "", nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	status := s.decode(resp)
	s.Equal("verified", status["status"])

	staff := s.staffToken(RoleDPO)
	resp = s.do(http.MethodPost, "/api/v1/requests/"+requestID+"/assign", staff, map[string]any{
		"assignee": id.NewActorID().String(),
	})
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("under_review", s.decode(resp)["status"])

	resp = s.do(http.MethodPost, "/api/v1/requests/"+requestID+"/process", staff, map[string]any{
		"responseDetails": "Compiled the subject's records into an export bundle.",
		"actionsTaken":    []string{"export_generated"},
	})
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("processed", s.decode(resp)["status"])

	resp = s.do(http.MethodPost, "/api/v1/requests/"+requestID+"/complete", staff, nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("completed", s.decode(resp)["status"])
}

func (s *RouterSuite) TestStaffRoutesRequireAuth() {
	s.Run("missing token", func() {
		resp := s.do(http.MethodGet, "/api/v1/requests", "", nil)
		s.Equal(http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	})

	s.Run("wrong role", func() {
		resp := s.do(http.MethodGet, "/api/v1/requests", s.staffToken("parent"), nil)
		s.Equal(http.StatusForbidden, resp.StatusCode)
		resp.Body.Close()
	})

	s.Run("dpo role passes", func() {
		resp := s.do(http.MethodGet, "/api/v1/requests", s.staffToken(RoleDPO), nil)
		s.Equal(http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	})
}

func (s *RouterSuite) TestDataExportDownload() {
	subjectID := id.NewSubjectID()
	s.source.Add(subjectID, export.Student{
		ID:      subjectID.String(),
		Name:    "Sam Blake",
		Contact: "parent@example.com",
		Age:     9,
	}, nil)

	staff := s.staffToken(RoleAdmin)
	resp := s.do(http.MethodGet, "/api/v1/subjects/"+subjectID.String()+"/export?format=json", staff, nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	s.Equal("application/json", resp.Header.Get("Content-Type"))
	expected := fmt.Sprintf("attachment; filename=%q",
		fmt.Sprintf("subject-%s-export-2026-06-01.json", subjectID.String()))
	s.Equal(expected, resp.Header.Get("Content-Disposition"))

	s.Run("unsupported format", func() {
		resp := s.do(http.MethodGet, "/api/v1/subjects/"+subjectID.String()+"/export?format=yaml", staff, nil)
		s.Equal(http.StatusBadRequest, resp.StatusCode)
		resp.Body.Close()
	})
}

func (s *RouterSuite) TestRetentionPolicyAdmin() {
	staff := s.staffToken(RoleAdmin)

	resp := s.do(http.MethodPost, "/api/v1/admin/retention/policies", staff, map[string]any{
		"name":          "stale student purge",
		"entityType":    "student",
		"retentionDays": 1095,
		"trigger":       "last_access",
		"action":        "anonymize",
		"active":        true,
	})
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	created := s.decode(resp)
	policyID := created["policyId"].(string)

	resp = s.do(http.MethodGet, "/api/v1/admin/retention/policies", staff, nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	listed := s.decode(resp)
	s.Len(listed["policies"], 1)

	resp = s.do(http.MethodPost, "/api/v1/admin/retention/policies/"+policyID+"/active?active=false", staff, nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(false, s.decode(resp)["active"])

	resp = s.do(http.MethodPost, "/api/v1/admin/retention/sweep", staff, nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	sweep := s.decode(resp)
	s.Equal(float64(0), sweep["recordsProcessed"])
}

func (s *RouterSuite) TestAuditVerifyEndpoint() {
	consentID := s.submitConsent()
	staff := s.staffToken(RoleDPO)

	resp := s.do(http.MethodGet, "/api/v1/admin/audit/verify?entityType=consent&entityId="+consentID, staff, nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(true, s.decode(resp)["valid"])

	s.Run("missing parameters", func() {
		resp := s.do(http.MethodGet, "/api/v1/admin/audit/verify", staff, nil)
		s.Equal(http.StatusBadRequest, resp.StatusCode)
		resp.Body.Close()
	})
}

func (s *RouterSuite) TestKeyAdmin() {
	staff := s.staffToken(RoleAdmin)

	resp := s.do(http.MethodPost, "/api/v1/admin/keys/rotate", staff, map[string]any{"usage": "pii"})
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	rotated := s.decode(resp)
	s.NotEmpty(rotated["keyId"])

	resp = s.do(http.MethodGet, "/api/v1/admin/keys?usage=pii", staff, nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	listed := s.decode(resp)
	s.NotEmpty(listed["keys"])
}

func (s *RouterSuite) TestUnknownConsentIsNotFound() {
	staff := s.staffToken(RoleDPO)
	resp := s.do(http.MethodGet, "/api/v1/consent/"+id.NewConsentID().String(), staff, nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}
