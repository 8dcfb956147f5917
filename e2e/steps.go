package e2e

import (
	"fmt"
	"strings"

	"github.com/cucumber/godog"

	"custodia/internal/notify"
)

// RegisterSteps registers all step definitions. Steps resolve the current
// TestContext through the getter so each scenario sees its own server.
func RegisterSteps(ctx *godog.ScenarioContext, get func() *TestContext) {
	s := &steps{get: get}

	// Background steps
	ctx.Step(`^the compliance engine is running$`, s.engineIsRunning)

	// Consent workflow steps
	ctx.Step(`^I submit a consent request for child "([^"]*)" aged (\d+) with types "([^"]*)"$`, s.submitConsent)
	ctx.Step(`^I follow the first verification link$`, s.followFirstVerification)
	ctx.Step(`^I follow the second verification link$`, s.followSecondVerification)
	ctx.Step(`^I reuse the first verification link$`, s.followFirstVerification)

	// Data-subject request steps
	ctx.Step(`^I submit an? "([^"]*)" request as "([^"]*)"$`, s.submitRequest)
	ctx.Step(`^I follow the request verification link$`, s.followRequestVerification)
	ctx.Step(`^I check the request status$`, s.checkRequestStatus)

	// Staff steps
	ctx.Step(`^I am authenticated as "([^"]*)"$`, s.authenticateAs)
	ctx.Step(`^I list all requests$`, s.listRequests)

	// Assertion steps
	ctx.Step(`^the response status should be (\d+)$`, s.responseStatusShouldBe)
	ctx.Step(`^the response field "([^"]*)" should equal "([^"]*)"$`, s.responseFieldShouldEqual)
	ctx.Step(`^the response should contain "([^"]*)"$`, s.responseShouldContain)
}

type steps struct {
	get func() *TestContext
}

func (s *steps) engineIsRunning() error {
	tc := s.get()
	if err := tc.GET("/health"); err != nil {
		return err
	}
	if tc.LastResponse.StatusCode != 200 {
		return fmt.Errorf("health check failed with status %d", tc.LastResponse.StatusCode)
	}
	return nil
}

func (s *steps) submitConsent(childName string, childAge int, types string) error {
	tc := s.get()
	err := tc.POST("/api/v1/consent", map[string]interface{}{
		"parentContact": "parent@example.com",
		"parentName":    "Jordan Blake",
		"childName":     childName,
		"childAge":      childAge,
		"consentTypes":  strings.Split(types, ","),
	})
	if err != nil {
		return err
	}
	if id, fieldErr := tc.GetResponseField("consentId"); fieldErr == nil {
		tc.ConsentID = id.(string)
	}
	return nil
}

func (s *steps) followFirstVerification() error {
	return s.followVerification(notify.KindConsentFirstVerification)
}

func (s *steps) followSecondVerification() error {
	return s.followVerification(notify.KindConsentSecondVerification)
}

func (s *steps) followVerification(kind string) error {
	tc := s.get()
	token, err := tc.LastIntentToken(kind)
	if err != nil {
		return err
	}
	return tc.GET("/api/v1/consent/verify?token=" + token)
}

func (s *steps) submitRequest(requestType, role string) error {
	tc := s.get()
	err := tc.POST("/api/v1/requests", map[string]interface{}{
		"type":             requestType,
		"requesterRole":    role,
		"requesterContact": "parent@example.com",
		"details":          "Please act on my child's records under the applicable data law.",
	})
	if err != nil {
		return err
	}
	if id, fieldErr := tc.GetResponseField("requestId"); fieldErr == nil {
		tc.RequestID = id.(string)
	}
	return nil
}

func (s *steps) followRequestVerification() error {
	tc := s.get()
	token, err := tc.LastIntentToken(notify.KindRequestVerification)
	if err != nil {
		return err
	}
	return tc.GET("/api/v1/requests/" + tc.RequestID + "/verify?token=" + token)
}

func (s *steps) checkRequestStatus() error {
	tc := s.get()
	return tc.GET("/api/v1/requests/" + tc.RequestID + "/status")
}

func (s *steps) authenticateAs(role string) error {
	return s.get().AuthenticateAs(role)
}

func (s *steps) listRequests() error {
	return s.get().GET("/api/v1/requests")
}

func (s *steps) responseStatusShouldBe(expected int) error {
	tc := s.get()
	if tc.LastResponse == nil {
		return fmt.Errorf("no response recorded")
	}
	if tc.LastResponse.StatusCode != expected {
		return fmt.Errorf("expected status %d, got %d: %s",
			expected, tc.LastResponse.StatusCode, tc.LastResponseBody)
	}
	return nil
}

func (s *steps) responseFieldShouldEqual(field, expected string) error {
	tc := s.get()
	value, err := tc.GetResponseField(field)
	if err != nil {
		return err
	}
	actual := fmt.Sprintf("%v", value)
	if actual != expected {
		return fmt.Errorf("expected %q to equal %q, got %q", field, expected, actual)
	}
	return nil
}

func (s *steps) responseShouldContain(substr string) error {
	tc := s.get()
	if !strings.Contains(string(tc.LastResponseBody), substr) {
		return fmt.Errorf("response does not contain %q: %s", substr, tc.LastResponseBody)
	}
	return nil
}
