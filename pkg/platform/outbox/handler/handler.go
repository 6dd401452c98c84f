// Package handler exposes outbox operator endpoints: dead-letter listing,
// requeue and queue stats.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"

	dErrors "relay/pkg/domain-errors"
	"relay/pkg/platform/audit"
	"relay/pkg/platform/httputil"
	"relay/pkg/platform/middleware/admin"
	"relay/pkg/platform/outbox"
	"relay/pkg/requestcontext"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

// Store is the slice of outbox.Store operators need.
type Store interface {
	ListDeadLetters(ctx context.Context, limit int) ([]*outbox.Event, error)
	Requeue(ctx context.Context, id int64, now time.Time) error
	Stats(ctx context.Context, now time.Time) (outbox.Stats, error)
	Get(ctx context.Context, id int64) (*outbox.Event, error)
}

type Handler struct {
	store  Store
	audit  audit.Emitter
	clock  clockwork.Clock
	logger *slog.Logger
}

func New(store Store, emitter audit.Emitter, clock clockwork.Clock, logger *slog.Logger) *Handler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Handler{store: store, audit: emitter, clock: clock, logger: logger}
}

// Register mounts the routes under /admin/outbox behind the admin token.
func (h *Handler) Register(r chi.Router, adminToken string) {
	r.Route("/admin/outbox", func(r chi.Router) {
		r.Use(admin.RequireToken(adminToken, h.logger))
		r.Get("/dead-letters", h.HandleListDeadLetters)
		r.Post("/events/{id}/requeue", h.HandleRequeue)
		r.Get("/stats", h.HandleStats)
	})
}

type EventResponse struct {
	ID            int64             `json:"id"`
	AggregateType string            `json:"aggregate_type"`
	AggregateID   string            `json:"aggregate_id"`
	EventType     string            `json:"event_type"`
	TenantID      string            `json:"tenant_id,omitempty"`
	Status        string            `json:"status"`
	Attempts      int               `json:"attempts"`
	LastError     string            `json:"last_error,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	AvailableAt   time.Time         `json:"available_at"`
	CreatedAt     time.Time         `json:"created_at"`
	SentAt        *time.Time        `json:"sent_at,omitempty"`
}

func toResponse(e *outbox.Event) EventResponse {
	return EventResponse{
		ID:            e.ID,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		TenantID:      e.TenantID,
		Status:        string(e.Status),
		Attempts:      e.Attempts,
		LastError:     e.LastError,
		Headers:       e.Headers,
		AvailableAt:   e.AvailableAt,
		CreatedAt:     e.CreatedAt,
		SentAt:        e.SentAt,
	}
}

type DeadLettersResponse struct {
	Events []EventResponse `json:"events"`
	Count  int             `json:"count"`
}

func (h *Handler) HandleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxDeadLetterLimit {
			httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "limit must be between 1 and 500"))
			return
		}
		limit = n
	}

	events, err := h.store.ListDeadLetters(ctx, limit)
	if err != nil {
		h.logger.ErrorContext(ctx, "list dead letters failed", "error", err, "request_id", requestcontext.RequestID(ctx))
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeTransient, "list dead letters"))
		return
	}

	resp := DeadLettersResponse{Events: make([]EventResponse, 0, len(events)), Count: len(events)}
	for _, e := range events {
		resp.Events = append(resp.Events, toResponse(e))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// HandleRequeue moves a dead-lettered event back to PENDING. Requeueing an
// event in any other state answers 409.
func (h *Handler) HandleRequeue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "id must be a positive integer"))
		return
	}

	var event *outbox.Event
	template := audit.Event{
		Action:      "outbox.requeued",
		Entity:      "outbox_event",
		EntityID:    strconv.FormatInt(id, 10),
		Sensitivity: audit.SensitivityMedium,
		DataClass:   audit.DataClassInternal,
		Diff: &audit.Diff{
			Before: map[string]any{"status": string(outbox.StatusDeadLetter)},
			After:  map[string]any{"status": string(outbox.StatusPending), "actor": admin.ActorID(ctx)},
		},
	}
	err = audit.Instrument(ctx, h.audit, template, func(ctx context.Context) error {
		if err := h.store.Requeue(ctx, id, h.clock.Now()); err != nil {
			return err
		}
		event, err = h.store.Get(ctx, id)
		return err
	})
	if err != nil {
		if !dErrors.HasCode(err, dErrors.CodeNotFound) && !dErrors.HasCode(err, dErrors.CodeConflict) {
			h.logger.ErrorContext(ctx, "requeue failed", "error", err, "event_id", id)
		}
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "outbox event requeued",
		"event_id", id,
		"event_type", event.EventType,
		"actor", admin.ActorID(ctx),
	)
	httputil.WriteJSON(w, http.StatusOK, toResponse(event))
}

type StatsResponse struct {
	Pending                 int64   `json:"pending"`
	Failed                  int64   `json:"failed"`
	DeadLetter              int64   `json:"dead_letter"`
	OldestPendingAgeSeconds float64 `json:"oldest_pending_age_seconds"`
}

func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	st, err := h.store.Stats(ctx, h.clock.Now())
	if err != nil {
		h.logger.ErrorContext(ctx, "outbox stats failed", "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeTransient, "outbox stats"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, StatsResponse{
		Pending:                 st.Pending,
		Failed:                  st.Failed,
		DeadLetter:              st.DeadLetter,
		OldestPendingAgeSeconds: st.OldestPendingAge.Seconds(),
	})
}
