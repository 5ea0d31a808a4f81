package review

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/shadow-review/internal/generation"
	"github.com/wolfman30/shadow-review/pkg/logging"
)

// ActorFunc resolves the moderator id for a request.
type ActorFunc func(r *http.Request) string

// Handler serves the moderator query API.
type Handler struct {
	engine *Engine
	stats  *StatsAggregator
	actor  ActorFunc
	logger *logging.Logger
}

func NewHandler(engine *Engine, stats *StatsAggregator, actor ActorFunc, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	if actor == nil {
		actor = func(*http.Request) string { return "" }
	}
	return &Handler{engine: engine, stats: stats, actor: actor, logger: logger}
}

type errorResponse struct {
	Error          string `json:"error"`
	Code           string `json:"code"`
	Field          string `json:"field,omitempty"`
	CurrentStatus  Status `json:"current_status,omitempty"`
	ExpectedStatus Status `json:"expected_status,omitempty"`
}

// GenerationErrorBody describes a failed generation attempt in a 200 response.
type GenerationErrorBody struct {
	Reason    generation.Reason `json:"reason"`
	Retryable bool              `json:"retryable"`
	Message   string            `json:"message"`
	Guidance  string            `json:"guidance,omitempty"`
}

// ItemResponse is returned by every transition endpoint.
type ItemResponse struct {
	Item            *QueueItem           `json:"item"`
	Deleted         bool                 `json:"deleted,omitempty"`
	GenerationError *GenerationErrorBody `json:"generation_error,omitempty"`
}

// ListResponse is returned by GET /items.
type ListResponse struct {
	Items  []*QueueItem `json:"items"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

type HistoryResponse struct {
	ItemID  string       `json:"item_id"`
	Entries []AuditEntry `json:"entries"`
}

type expectation struct {
	ExpectedStatus Status `json:"expected_status,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve       *ValidationError
		conflict *ConflictError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: ve.Message, Code: "validation_error", Field: ve.Field})
	case errors.As(err, &conflict) && conflict.InFlight:
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:         "generation already in progress for this item",
			Code:          "generation_in_flight",
			CurrentStatus: conflict.Current,
		})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:          "item status changed, re-fetch before retrying",
			Code:           "conflict",
			CurrentStatus:  conflict.Current,
			ExpectedStatus: conflict.Expected,
		})
	case errors.Is(err, generation.ErrInFlight):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "generation already in progress for this item", Code: "generation_in_flight"})
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "item not found", Code: "not_found"})
	case errors.Is(err, ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "item already exists", Code: "already_exists"})
	default:
		h.logger.Error("review request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Code: "internal_error"})
	}
}

// decodeBody decodes an optional JSON body. An empty body leaves dst untouched.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return &ValidationError{Field: "body", Message: "invalid JSON body"}
	}
	return nil
}

func parseExpected(raw Status) (Status, error) {
	if raw == "" {
		return "", nil
	}
	return ParseStatus(string(raw))
}

// ListItems handles GET /items.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{ChannelID: q.Get("channel")}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, err := ParseStatus(raw)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		filter.Status = status
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, r, &ValidationError{Field: name, Message: name + " must be an integer"})
			return
		}
		*dst = n
	}
	filter, err := filter.Normalize()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	items, total, err := h.engine.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse{Items: items, Total: total, Limit: filter.Limit, Offset: filter.Offset})
}

// CreateItem handles POST /items.
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	item, err := h.engine.Create(r.Context(), req, "api")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ItemResponse{Item: item})
}

// GetItem handles GET /items/{id}.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ItemResponse{Item: item})
}

// GetHistory handles GET /items/{id}/history.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := h.engine.History(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []AuditEntry{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{ItemID: id, Entries: entries})
}

// GetStats handles GET /stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Counts(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) ConfirmVersion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConfirmVersion
		expectation
	}
	h.transition(w, r, &body, &body.expectation, func() Operation { return body.ConfirmVersion })
}

func (h *Handler) Skip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Skip
		expectation
	}
	h.transition(w, r, &body, &body.expectation, func() Operation { return body.Skip })
}

func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	var body expectation
	h.transition(w, r, &body, &body, func() Operation { return RetryGeneration{} })
}

func (h *Handler) Edit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Edit
		expectation
	}
	h.transition(w, r, &body, &body.expectation, func() Operation { return body.Edit })
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Approve
		expectation
	}
	h.transition(w, r, &body, &body.expectation, func() Operation { return body.Approve })
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reject
		expectation
	}
	h.transition(w, r, &body, &body.expectation, func() Operation { return body.Reject })
}

// DeleteItem handles DELETE /items/{id}; ?expected_status= pins the source status.
func (h *Handler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	expected, err := parseExpected(Status(r.URL.Query().Get("expected_status")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.apply(w, r, Delete{}, expected)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, body any, exp *expectation, op func() Operation) {
	if err := decodeBody(r, body); err != nil {
		h.writeError(w, r, err)
		return
	}
	expected, err := parseExpected(exp.ExpectedStatus)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.apply(w, r, op(), expected)
}

func (h *Handler) apply(w http.ResponseWriter, r *http.Request, op Operation, expected Status) {
	out, err := h.engine.Apply(r.Context(), chi.URLParam(r, "id"), op, Meta{
		Actor:          h.actor(r),
		ExpectedStatus: expected,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := ItemResponse{Item: out.Item, Deleted: out.Deleted}
	if ge := out.GenerationError; ge != nil {
		resp.GenerationError = &GenerationErrorBody{
			Reason:    ge.Reason,
			Retryable: ge.Retryable,
			Message:   ge.Message,
			Guidance:  ge.Reason.Guidance(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
