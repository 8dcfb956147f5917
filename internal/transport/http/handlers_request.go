package httptransport

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"custodia/internal/dsr/export"
	dsrmodels "custodia/internal/dsr/models"
	dsrstore "custodia/internal/dsr/store"
	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/platform/httputil"
	"custodia/pkg/requestcontext"
)

// handleRequestSubmit opens a data-subject request.
func (h *Handler) handleRequestSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[RequestSubmitRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	submission, err := req.ToService(requestcontext.ClientIP(ctx), requestcontext.ClientSignature(ctx))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.requests.Submit(ctx, submission)
	if err != nil {
		h.logger.WarnContext(ctx, "request submission declined",
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, map[string]any{
		"requestId":               result.RequestID.String(),
		"verificationRequired":    result.VerificationRequired,
		"estimatedCompletionDate": result.DueDate,
	})
}

func (h *Handler) handleRequestVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	requestRef, err := id.ParseRequestID(chi.URLParam(r, "requestID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	rawToken := r.URL.Query().Get("token")
	if rawToken == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "token is required"))
		return
	}

	if err := h.requests.Verify(ctx, requestRef, rawToken); err != nil {
		h.logger.WarnContext(ctx, "request verification declined",
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"requestId": requestRef.String(),
		"message":   "Identity verified. The request is now in the processing queue.",
	})
}

func (h *Handler) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	requestRef, err := id.ParseRequestID(chi.URLParam(r, "requestID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	view, err := h.requests.Status(ctx, requestRef)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, StatusResponse{
		RequestID:           view.RequestID.String(),
		Status:              string(view.Status),
		Priority:            string(view.Priority),
		SubmittedAt:         view.SubmittedAt,
		DueDate:             view.DueDate,
		EstimatedCompletion: view.EstimatedCompletion,
	})
}

func (h *Handler) handleRequestAssign(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, func(r *http.Request, requestRef id.RequestID) error {
		req, ok := httputil.DecodeAndPrepare[AssignRequest](w, r, h.logger, r.Context(), requestcontext.RequestID(r.Context()))
		if !ok {
			return errHandled
		}
		assignee, err := id.ParseActorID(req.Assignee)
		if err != nil {
			return err
		}
		return h.requests.Assign(r.Context(), requestRef, assignee)
	})
}

func (h *Handler) handleRequestProcess(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, func(r *http.Request, requestRef id.RequestID) error {
		req, ok := httputil.DecodeAndPrepare[ProcessRequest](w, r, h.logger, r.Context(), requestcontext.RequestID(r.Context()))
		if !ok {
			return errHandled
		}
		return h.requests.Process(r.Context(), requestRef, req.ResponseDetails, req.ActionsTaken)
	})
}

func (h *Handler) handleRequestComplete(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, func(r *http.Request, requestRef id.RequestID) error {
		return h.requests.Complete(r.Context(), requestRef)
	})
}

func (h *Handler) handleRequestReject(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, func(r *http.Request, requestRef id.RequestID) error {
		req, ok := httputil.DecodeAndPrepare[RejectRequest](w, r, h.logger, r.Context(), requestcontext.RequestID(r.Context()))
		if !ok {
			return errHandled
		}
		return h.requests.Reject(r.Context(), requestRef, req.Reason)
	})
}

// errHandled signals that the callback already wrote the response.
var errHandled = errors.New("response already written")

// handleTransition shares the id-parse / run / respond shape of the four
// staff transition endpoints.
func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request, run func(*http.Request, id.RequestID) error) {
	ctx := r.Context()

	requestRef, err := id.ParseRequestID(chi.URLParam(r, "requestID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := run(r, requestRef); err != nil {
		if errors.Is(err, errHandled) {
			return
		}
		h.logger.WarnContext(ctx, "request transition declined",
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, err)
		return
	}

	view, err := h.requests.Status(ctx, requestRef)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"requestId": requestRef.String(),
		"status":    string(view.Status),
	})
}

func (h *Handler) handleListRequests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter, err := parseRequestFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	records, err := h.requests.List(ctx, filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	views := make([]RequestRecordView, 0, len(records))
	for _, record := range records {
		views = append(views, requestRecordView(record, false))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"requests": views})
}

func (h *Handler) handleListOverdue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	records, err := h.requests.ListOverdue(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	views := make([]RequestRecordView, 0, len(records))
	for _, record := range records {
		views = append(views, requestRecordView(record, false))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"requests": views})
}

// handleDataExport streams the portable data bundle with the filename the
// export contract prescribes.
func (h *Handler) handleDataExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	subjectID, err := id.ParseSubjectID(chi.URLParam(r, "subjectID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	format := export.FormatJSON
	if raw := r.URL.Query().Get("format"); raw != "" {
		format = export.Format(raw)
	}
	includeProgress := queryBool(r, "includeProgress", true)
	includeAuditLogs := queryBool(r, "includeAuditLogs", false)

	raw, _, err := h.requests.ExportData(ctx, subjectID, format, includeProgress, includeAuditLogs)
	if err != nil {
		h.logger.WarnContext(ctx, "data export declined",
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, err)
		return
	}

	filename := fmt.Sprintf("subject-%s-export-%s.%s",
		subjectID.String(), h.clock.Now().Format("2006-01-02"), format.Ext())
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func parseRequestFilter(r *http.Request) (*dsrstore.Filter, error) {
	filter := &dsrstore.Filter{}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := dsrmodels.Status(raw)
		switch status {
		case dsrmodels.StatusPending, dsrmodels.StatusVerified, dsrmodels.StatusUnderReview,
			dsrmodels.StatusProcessed, dsrmodels.StatusCompleted, dsrmodels.StatusRejected:
		default:
			return nil, dErrors.New(dErrors.CodeValidation, "unrecognized status filter: "+raw)
		}
		filter.Status = &status
	}
	if raw := r.URL.Query().Get("type"); raw != "" {
		requestType := dsrmodels.Type(raw)
		if !requestType.IsValid() {
			return nil, dErrors.New(dErrors.CodeValidation, "unrecognized type filter: "+raw)
		}
		filter.Type = &requestType
	}
	if raw := r.URL.Query().Get("priority"); raw != "" {
		priority := dsrmodels.Priority(raw)
		switch priority {
		case dsrmodels.PriorityLow, dsrmodels.PriorityMedium, dsrmodels.PriorityHigh, dsrmodels.PriorityUrgent:
		default:
			return nil, dErrors.New(dErrors.CodeValidation, "unrecognized priority filter: "+raw)
		}
		filter.Priority = &priority
	}
	if raw := r.URL.Query().Get("assignee"); raw != "" {
		assignee, err := id.ParseActorID(raw)
		if err != nil {
			return nil, err
		}
		filter.Assignee = &assignee
	}
	return filter, nil
}

func queryBool(r *http.Request, key string, fallback bool) bool {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}
