package httptransport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	retentionmodels "custodia/internal/retention/models"
	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/platform/httputil"
	"custodia/pkg/requestcontext"
)

// handleAuditVerify walks one entity's hash chain and reports whether it
// still holds.
func (h *Handler) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	entityType := r.URL.Query().Get("entityType")
	entityID := r.URL.Query().Get("entityId")
	if entityType == "" || entityID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "entityType and entityId are required"))
		return
	}

	valid, err := h.ledger.VerifyChain(ctx, entityType, entityID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if !valid {
		h.logger.ErrorContext(ctx, "audit chain verification failed",
			"entity_type", entityType,
			"entity_id", entityID,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"entityType": entityType,
		"entityId":   entityID,
		"valid":      valid,
	})
}

// handleListKeys returns key metadata only. Raw key material never leaves
// the manager.
func (h *Handler) handleListKeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	usage := r.URL.Query().Get("usage")
	if usage == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "usage is required"))
		return
	}

	metadata, err := h.keys.ListKeys(ctx, usage)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"keys": metadata})
}

func (h *Handler) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[RotateKeyRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	keyID, err := h.keys.Rotate(ctx, req.Usage)
	if err != nil {
		h.logger.ErrorContext(ctx, "key rotation failed",
			"error", err,
			"usage", req.Usage,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "key rotated",
		"usage", req.Usage,
		"key_id", keyID.String(),
		"request_id", requestID,
	)
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"keyId": keyID.String(),
		"usage": req.Usage,
	})
}

func (h *Handler) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	policies, err := h.policies.List(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	views := make([]PolicyView, 0, len(policies))
	for _, policy := range policies {
		views = append(views, policyView(policy))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"policies": views})
}

// handleSavePolicy creates a policy, or replaces one when the body carries
// an id.
func (h *Handler) handleSavePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[PolicyRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	policyID := id.NewPolicyID()
	status := http.StatusCreated
	if req.ID != nil {
		parsed, err := id.ParsePolicyID(*req.ID)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		policyID = parsed
		status = http.StatusOK
	}

	policy := &retentionmodels.Policy{
		ID:                   policyID,
		Name:                 req.Name,
		EntityType:           req.EntityType,
		RetentionDays:        req.RetentionDays,
		Trigger:              retentionmodels.Trigger(req.Trigger),
		Action:               retentionmodels.Action(req.Action),
		Priority:             req.Priority,
		Active:               req.Active,
		NotificationLeadDays: req.NotificationLeadDays,
		LegalBasis:           req.LegalBasis,
		Exceptions:           req.Exceptions,
	}
	if err := policy.Validate(); err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.policies.Save(ctx, policy); err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "retention policy saved",
		"policy_id", policyID.String(),
		"entity_type", policy.EntityType,
		"action", string(policy.Action),
		"request_id", requestID,
	)
	httputil.WriteJSON(w, status, policyView(policy))
}

func (h *Handler) handleSetPolicyActive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	policyID, err := id.ParsePolicyID(chi.URLParam(r, "policyID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	active, err := strconv.ParseBool(r.URL.Query().Get("active"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "active must be true or false"))
		return
	}

	if err := h.policies.SetActive(ctx, policyID, active); err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"policyId": policyID.String(),
		"active":   active,
	})
}

// handleSweep runs one retention pass inline and reports the counters.
func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	stats, err := h.engine.Sweep(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "manual retention sweep failed",
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"policiesEvaluated": stats.PoliciesEvaluated,
		"recordsProcessed":  stats.RecordsProcessed,
		"recordsSkipped":    stats.RecordsSkipped,
		"recordsFailed":     stats.RecordsFailed,
		"consentsExpired":   stats.ConsentsExpired,
		"startedAt":         stats.StartedAt,
		"durationMs":        stats.Duration.Milliseconds(),
	})
}
