package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	consentmodels "custodia/internal/consent/models"
	consentstore "custodia/internal/consent/store"
	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/platform/httputil"
	"custodia/pkg/requestcontext"
)

// handleConsentSubmit starts the double opt-in workflow.
func (h *Handler) handleConsentSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[ConsentSubmitRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	consentID, err := h.consent.Submit(ctx,
		req.ToService(requestcontext.ClientIP(ctx), requestcontext.ClientSignature(ctx)))
	if err != nil {
		h.logger.WarnContext(ctx, "consent submission declined",
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, map[string]string{
		"consentId": consentID.String(),
		"message":   "Consent submitted. Check the parent contact inbox for the first verification link.",
	})
}

// handleConsentVerify redeems either verification token; the record resolves
// which step the token belongs to.
func (h *Handler) handleConsentVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rawToken := r.URL.Query().Get("token")
	if rawToken == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "token is required"))
		return
	}

	result, err := h.consent.Verify(ctx, rawToken)
	if err != nil {
		h.logger.WarnContext(ctx, "consent verification declined",
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"consentId": result.ConsentID.String(),
		"status":    string(result.Status),
		"message":   result.Message,
	})
}

func (h *Handler) handleSetPreferences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	subjectID, err := id.ParseSubjectID(chi.URLParam(r, "subjectID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	req, ok := httputil.DecodeJSON[PreferencesRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	prefsID, err := h.consent.SetPreferences(ctx, subjectID,
		req.ToModel(requestcontext.ClientIP(ctx), requestcontext.ClientSignature(ctx)))
	if err != nil {
		h.logger.WarnContext(ctx, "preference update declined",
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, map[string]string{
		"preferencesId": prefsID.String(),
	})
}

func (h *Handler) handleListPreferences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	subjectID, err := id.ParseSubjectID(chi.URLParam(r, "subjectID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	prefs, err := h.consent.ListPreferences(ctx, subjectID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	views := make([]PreferencesView, 0, len(prefs))
	for _, p := range prefs {
		views = append(views, preferencesView(p))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"preferences": views})
}

// handleListConsents is the staff listing. PII stays encrypted in this view.
func (h *Handler) handleListConsents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter, err := parseConsentFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	records, err := h.consent.List(ctx, filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	views := make([]ConsentRecordView, 0, len(records))
	for _, record := range records {
		views = append(views, consentRecordView(record, false))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"records": views})
}

// handleGetConsent is the single-record staff read. Unlike the listing it
// returns decrypted PII, so it sits behind the staff role gate.
func (h *Handler) handleGetConsent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	consentID, err := id.ParseConsentID(chi.URLParam(r, "consentID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	record, err := h.consent.Get(ctx, consentID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, consentRecordView(record, true))
}

func (h *Handler) handleConsentRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	consentID, err := id.ParseConsentID(chi.URLParam(r, "consentID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	req, ok := httputil.DecodeAndPrepare[RevokeConsentRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	if err := h.consent.Revoke(ctx, consentID, req.Reason); err != nil {
		h.logger.WarnContext(ctx, "consent revocation declined",
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"consentId": consentID.String(),
		"status":    string(consentmodels.StatusRevoked),
	})
}

func parseConsentFilter(r *http.Request) (*consentstore.Filter, error) {
	filter := &consentstore.Filter{}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := consentmodels.Status(raw)
		switch status {
		case consentmodels.StatusPending, consentmodels.StatusFirstVerified,
			consentmodels.StatusVerified, consentmodels.StatusExpired, consentmodels.StatusRevoked:
		default:
			return nil, dErrors.New(dErrors.CodeValidation, "unrecognized status filter: "+raw)
		}
		filter.Status = &status
	}
	if raw := r.URL.Query().Get("consentType"); raw != "" {
		consentType := consentmodels.Type(raw)
		if !consentmodels.ValidTypes[consentType] {
			return nil, dErrors.New(dErrors.CodeValidation, "unrecognized consent type filter: "+raw)
		}
		filter.ConsentType = &consentType
	}
	return filter, nil
}
