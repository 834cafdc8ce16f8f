package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/dreamforge/pipeline"
	"github.com/BaSui01/dreamforge/types"
)

// Pipeline is the orchestrator surface the handlers consume.
// Satisfied by pipeline.Orchestrator.
type Pipeline interface {
	Start(ctx context.Context, req pipeline.StartRequest) (*pipeline.StartResult, error)
	Status(ctx context.Context, id string) (*types.Generation, error)
	History(ctx context.Context, sessionID string, limit int, before time.Time) ([]*types.Generation, error)
	Cancel(ctx context.Context, id string) error
}

// GenerationHandler serves the generation endpoints.
type GenerationHandler struct {
	pipeline Pipeline
	logger   *zap.Logger
}

// NewGenerationHandler creates the handler.
func NewGenerationHandler(p Pipeline, logger *zap.Logger) *GenerationHandler {
	return &GenerationHandler{
		pipeline: p,
		logger:   logger.With(zap.String("component", "generation_handler")),
	}
}

// CreateGenerationRequest is the intake body.
type CreateGenerationRequest struct {
	SessionID  string `json:"session_id,omitempty"`
	Prompt     string `json:"prompt"`
	Style      string `json:"style,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// CreateGenerationResponse acknowledges an admitted run.
type CreateGenerationResponse struct {
	GenerationID  string `json:"generation_id"`
	SessionID     string `json:"session_id"`
	Status        string `json:"status"`
	EstimatedTime int    `json:"estimated_time"`
}

// HandleCreate handles POST /v1/generations. The run executes in the
// background; the response carries an advisory completion estimate.
func (h *GenerationHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateGenerationRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	res, err := h.pipeline.Start(r.Context(), pipeline.StartRequest{
		SessionID:  req.SessionID,
		Prompt:     req.Prompt,
		Style:      req.Style,
		Resolution: req.Resolution,
		RequestID:  req.RequestID,
	})
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}

	WriteSuccessStatus(w, http.StatusAccepted, CreateGenerationResponse{
		GenerationID:  res.GenerationID,
		SessionID:     res.SessionID,
		Status:        string(res.Status),
		EstimatedTime: res.EstimatedSeconds,
	})
}

// HandleGet handles GET /v1/generations/{id}.
func (h *GenerationHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "generation id is required", h.logger)
		return
	}

	gen, err := h.pipeline.Status(r.Context(), id)
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}
	WriteSuccess(w, gen)
}

// HistoryResponse is one page of session history.
type HistoryResponse struct {
	SessionID   string              `json:"session_id"`
	Generations []*types.Generation `json:"generations"`
	// NextBefore is the cursor for the next page, absent on the last one.
	NextBefore string `json:"next_before,omitempty"`
}

// HandleList handles GET /v1/generations?session_id=&limit=&before=.
// Results are newest first; before is an RFC 3339 cursor taken from the
// previous page's next_before.
func (h *GenerationHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	sessionID := q.Get("session_id")

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "limit must be a non-negative integer", h.logger)
			return
		}
		limit = n
	}

	var before time.Time
	if raw := q.Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "before must be an RFC 3339 timestamp", h.logger)
			return
		}
		before = t
	}

	gens, err := h.pipeline.History(r.Context(), sessionID, limit, before)
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}

	resp := HistoryResponse{
		SessionID:   sessionID,
		Generations: gens,
	}
	if len(gens) > 0 && limit > 0 && len(gens) == limit {
		resp.NextBefore = gens[len(gens)-1].CreatedAt.Format(time.RFC3339Nano)
	}
	WriteSuccess(w, resp)
}

// HandleCancel handles DELETE /v1/generations/{id}: best-effort
// cancellation of a live run.
func (h *GenerationHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "generation id is required", h.logger)
		return
	}

	if err := h.pipeline.Cancel(r.Context(), id); err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}

	WriteSuccess(w, map[string]string{
		"generation_id": id,
		"status":        "cancelling",
	})
}
