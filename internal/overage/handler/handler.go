package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"relay/internal/overage"
	dErrors "relay/pkg/domain-errors"
	"relay/pkg/platform/httputil"
	request "relay/pkg/platform/middleware/request"
	"relay/pkg/requestcontext"
)

//go:generate mockgen -source=handler.go -destination=mocks/handler_mock.go -package=mocks Service

const HeaderIdempotencyKey = "Idempotency-Key"

// Service is the ledger surface the HTTP layer needs.
type Service interface {
	RecordOnce(ctx context.Context, tenantID, key string, effect overage.Effect) (*overage.Record, bool, error)
	Get(ctx context.Context, tenantID, key string) (*overage.Record, error)
	ListForPeriod(ctx context.Context, tenantID string, from, to time.Time) ([]*overage.Record, error)
	MarkInvoiced(ctx context.Context, tenantID string, id uuid.UUID) (*overage.Record, error)
	Cancel(ctx context.Context, tenantID string, id uuid.UUID) (*overage.Record, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the overage routes. All of them require X-Tenant-ID.
func (h *Handler) Register(r chi.Router) {
	r.Route("/v1/overages", func(r chi.Router) {
		r.Use(request.Tenant)
		r.Post("/", h.HandleRecord)
		r.Get("/", h.HandleList)
		r.Get("/{key}", h.HandleGet)
		r.Post("/{id}/invoice", h.HandleMarkInvoiced)
		r.Post("/{id}/cancel", h.HandleCancel)
	})
}

// HandleRecord answers 201 for a new record and 200 for a replay.
func (h *Handler) HandleRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	tenantID := requestcontext.TenantID(ctx)

	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if key == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, HeaderIdempotencyKey+" header is required"))
		return
	}

	req, ok := httputil.Decode[RecordOverageRequest](w, r, h.logger)
	if !ok {
		return
	}

	rec, isNew, err := h.service.RecordOnce(ctx, tenantID, key, req.ToEffect())
	if err != nil {
		h.logger.ErrorContext(ctx, "record overage failed", "error", err, "request_id", requestID, "tenant_id", tenantID)
		httputil.WriteError(w, err)
		return
	}

	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	} else {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	httputil.WriteJSON(w, status, toResponse(rec))
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := requestcontext.TenantID(ctx)

	rec, err := h.service.Get(ctx, tenantID, chi.URLParam(r, "key"))
	if err != nil {
		if !dErrors.HasCode(err, dErrors.CodeNotFound) {
			h.logger.ErrorContext(ctx, "get overage failed", "error", err, "request_id", requestcontext.RequestID(ctx))
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toResponse(rec))
}

// HandleList takes ?from= and ?to= as RFC 3339 timestamps.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := requestcontext.TenantID(ctx)

	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "from must be an RFC 3339 timestamp"))
		return
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "to must be an RFC 3339 timestamp"))
		return
	}

	recs, err := h.service.ListForPeriod(ctx, tenantID, from, to)
	if err != nil {
		h.logger.ErrorContext(ctx, "list overages failed", "error", err, "request_id", requestcontext.RequestID(ctx))
		httputil.WriteError(w, err)
		return
	}
	out := ListResponse{Overages: make([]*OverageResponse, 0, len(recs))}
	for _, rec := range recs {
		out.Overages = append(out.Overages, toResponse(rec))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) HandleMarkInvoiced(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, "invoice", h.service.MarkInvoiced)
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, "cancel", h.service.Cancel)
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request, op string,
	fn func(ctx context.Context, tenantID string, id uuid.UUID) (*overage.Record, error),
) {
	ctx := r.Context()
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid overage id"))
		return
	}

	rec, err := fn(ctx, requestcontext.TenantID(ctx), id)
	if err != nil {
		h.logger.WarnContext(ctx, op+" overage failed", "error", err, "overage_id", id, "request_id", requestcontext.RequestID(ctx))
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toResponse(rec))
}
