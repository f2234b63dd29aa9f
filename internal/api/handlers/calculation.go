// Package handlers provides HTTP handlers for the calculator API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/api/middleware"
	"github.com/drfirst/go-ndc/internal/domain/calculation"
	"github.com/drfirst/go-ndc/internal/orchestrator"
	"github.com/drfirst/go-ndc/pkg/idempotency"
)

// Calculator runs the calculation pipeline
type Calculator interface {
	Calculate(ctx context.Context, input calculation.Input, progress orchestrator.ProgressFunc) (*calculation.Result, error)
}

// History persists results per user
type History interface {
	Save(ctx context.Context, userID string, result *calculation.Result) error
	Get(ctx context.Context, id, userID string) (*calculation.HistoryEntry, error)
	List(ctx context.Context, userID string, opts calculation.ListOptions) ([]calculation.HistoryEntry, error)
	SetFavorite(ctx context.Context, id, userID string, favorite bool) error
	Delete(ctx context.Context, id, userID string) error
}

// Publisher places messages on the event stream
type Publisher interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

// CalculationHandler handles calculation endpoints
type CalculationHandler struct {
	calc          Calculator
	history       History
	publisher     Publisher
	requestsTopic string
	logger        *zap.Logger
	tracer        trace.Tracer
	now           func() time.Time
}

// NewCalculationHandler creates a new handler. A nil publisher disables the
// asynchronous endpoint.
func NewCalculationHandler(calc Calculator, history History, publisher Publisher, requestsTopic string, logger *zap.Logger) *CalculationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CalculationHandler{
		calc:          calc,
		history:       history,
		publisher:     publisher,
		requestsTopic: requestsTopic,
		logger:        logger,
		tracer:        otel.Tracer("calculation-handler"),
		now:           time.Now,
	}
}

// Routes returns the handler routes
func (h *CalculationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Post("/stream", h.Stream)
	r.Post("/async", h.Submit)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Put("/{id}/favorite", h.Favorite)
	r.Delete("/{id}", h.Delete)
	return r
}

// Create handles POST /calculations
func (h *CalculationHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_calculation")
	defer span.End()

	input, ok := h.decodeInput(w, r)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("drug_name", input.DrugName))

	result, err := h.calc.Calculate(ctx, input, nil)
	if err != nil {
		span.RecordError(err)
		h.writeError(w, r, err)
		return
	}

	h.save(ctx, subject(ctx), result)
	writeJSON(w, http.StatusOK, result)
}

// Stream handles POST /calculations/stream. Progress events are sent as
// server-sent events, followed by one result or error event.
func (h *CalculationHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "stream_calculation")
	defer span.End()

	input, ok := h.decodeInput(w, r)
	if !ok {
		return
	}
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(event string, data any) {
		payload, err := json.Marshal(data)
		if err != nil {
			h.logger.Error("encode stream event", zap.Error(err))
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			h.logger.Debug("stream flush failed", zap.Error(err))
		}
	}

	result, err := h.calc.Calculate(ctx, input, func(p calculation.Progress) {
		send("progress", p)
	})
	if err != nil {
		span.RecordError(err)
		kind := calculation.KindOf(err)
		send("error", errorBody(calculation.Code(kind), publicMessage(err)))
		return
	}

	h.save(ctx, subject(ctx), result)
	send("result", result)
}

// SubmitResponse acknowledges an asynchronous calculation request
type SubmitResponse struct {
	RequestID      string    `json:"requestId"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Status         string    `json:"status"`
	AcceptedAt     time.Time `json:"acceptedAt"`
}

// Submit handles POST /calculations/async. The request is validated and
// placed on the requests topic; the worker saves the result to history.
func (h *CalculationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "submit_calculation")
	defer span.End()

	if h.publisher == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("unavailable", "asynchronous calculations are disabled"))
		return
	}

	input, ok := h.decodeInput(w, r)
	if !ok {
		return
	}
	input = input.Normalize()
	if err := calculation.Validate(input); err != nil {
		h.writeError(w, r, err)
		return
	}

	userID := subject(ctx)
	now := h.now().UTC()
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = idempotency.GenerateKey(now, userID, input.DrugName, input.CanonicalID, input.Instructions, strconv.Itoa(input.DaysSupply))
	}
	span.SetAttributes(attribute.String("idempotency_key", key))

	payload, err := json.Marshal(calculation.Request{
		RequestID:   key,
		UserID:      userID,
		Input:       input,
		RequestedAt: now,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.publisher.ProduceMessage(ctx, h.requestsTopic, userID, payload); err != nil {
		span.RecordError(err)
		h.logger.Error("publish calculation request failed",
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorBody("unavailable", "could not queue calculation"))
		return
	}

	h.logger.Info("calculation request queued",
		zap.String("idempotency_key", key),
		zap.String("drug_name", input.DrugName))
	writeJSON(w, http.StatusAccepted, SubmitResponse{
		RequestID:      middleware.GetRequestID(ctx),
		IdempotencyKey: key,
		Status:         "accepted",
		AcceptedAt:     now,
	})
}

// List handles GET /calculations
func (h *CalculationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	opts := calculation.ListOptions{FavoritesOnly: r.URL.Query().Get("favorites") == "true"}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.writeError(w, r, calculation.NewError(calculation.KindValidation, "list", "limit must be a positive integer"))
			return
		}
		opts.Limit = n
	}

	entries, err := h.history.List(ctx, subject(ctx), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calculations": entries})
}

// Get handles GET /calculations/{id}
func (h *CalculationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entry, err := h.history.Get(ctx, chi.URLParam(r, "id"), subject(ctx))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// FavoriteRequest is the body of PUT /calculations/{id}/favorite
type FavoriteRequest struct {
	Favorite bool `json:"isFavorite"`
}

// Favorite handles PUT /calculations/{id}/favorite
func (h *CalculationHandler) Favorite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req FavoriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, calculation.NewError(calculation.KindValidation, "favorite", "invalid request body"))
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.history.SetFavorite(ctx, id, subject(ctx), req.Favorite); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "isFavorite": req.Favorite})
}

// Delete handles DELETE /calculations/{id}
func (h *CalculationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.history.Delete(ctx, chi.URLParam(r, "id"), subject(ctx)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CalculationHandler) decodeInput(w http.ResponseWriter, r *http.Request) (calculation.Input, bool) {
	var input calculation.Input
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.writeError(w, r, calculation.NewError(calculation.KindValidation, "decode", "invalid request body"))
		return input, false
	}
	return input, true
}

// save records a finished calculation. A history failure does not fail the
// request; the caller still receives the result.
func (h *CalculationHandler) save(ctx context.Context, userID string, result *calculation.Result) {
	if h.history == nil {
		return
	}
	if err := h.history.Save(ctx, userID, result); err != nil {
		h.logger.Error("failed to save calculation",
			zap.String("calculation_id", result.ID),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
	}
}

func (h *CalculationHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeCalculationError(w, r, h.logger, err)
}

func subject(ctx context.Context) string {
	if id := middleware.GetIdentity(ctx); id != nil {
		return id.Subject
	}
	return ""
}
