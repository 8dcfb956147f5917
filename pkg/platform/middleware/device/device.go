// Package device derives a normalized client signature from the User-Agent.
// Consent submissions persist the signature as evidence of the submitting
// client without storing the raw header.
package device

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"custodia/pkg/requestcontext"
)

// ClientSignature injects the normalized signature into the context. It must
// run after the metadata middleware that extracts the User-Agent.
func ClientSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if ua := requestcontext.UserAgent(ctx); ua != "" {
			ctx = requestcontext.WithClientSignature(ctx, Summarize(ua))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Summarize reduces a User-Agent string to "browser/major os platform".
// The raw header is noisy, high-entropy, and sometimes spoofed; the summary
// keeps just enough to describe the submitting client.
func Summarize(userAgentString string) string {
	ua := useragent.New(userAgentString)
	browser, version := ua.Browser()

	majorVersion := "unknown"
	if version != "" {
		if before, _, ok := strings.Cut(version, "."); ok && before != "" {
			majorVersion = before
		} else if version != "" {
			majorVersion = version
		}
	}

	os := strings.ToLower(strings.TrimSpace(ua.OS()))
	if os == "" {
		os = "unknown"
	}
	browser = strings.ToLower(strings.TrimSpace(browser))
	if browser == "" {
		browser = "unknown"
	}

	platform := "desktop"
	if ua.Mobile() {
		platform = "mobile"
	} else if ua.Bot() {
		platform = "bot"
	}

	return fmt.Sprintf("%s/%s %s %s", browser, majorVersion, os, platform)
}
