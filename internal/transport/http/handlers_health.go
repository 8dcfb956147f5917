package httptransport

import (
	"net/http"

	"custodia/pkg/platform/httputil"
)

// handleHealth reports the compliance posture and live record counts. The
// counts are best-effort: a store hiccup zeroes them rather than failing
// the probe.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalConsents, err := h.consent.Count(ctx)
	if err != nil {
		h.logger.WarnContext(ctx, "health consent count unavailable", "error", err)
	}
	totalRequests, err := h.requests.Count(ctx)
	if err != nil {
		h.logger.WarnContext(ctx, "health request count unavailable", "error", err)
	}
	pendingRequests, err := h.requests.CountPending(ctx)
	if err != nil {
		h.logger.WarnContext(ctx, "health pending count unavailable", "error", err)
	}

	httputil.WriteJSON(w, http.StatusOK, HealthResponse{
		GDPREnabled:             true,
		ParentalConsentRequired: h.config.ParentalConsentRequired,
		DataRetentionDays:       h.config.DataRetentionDays,
		AuditLogRetentionDays:   h.config.AuditRetentionDays,
		EncryptionEnabled:       true,
		TotalConsentRecords:     totalConsents,
		TotalGDPRRequests:       totalRequests,
		PendingRequests:         pendingRequests,
		Timestamp:               h.clock.Now(),
	})
}
