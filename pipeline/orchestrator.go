package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/dreamforge/assets"
	"github.com/BaSui01/dreamforge/config"
	"github.com/BaSui01/dreamforge/enhance"
	"github.com/BaSui01/dreamforge/internal/metrics"
	"github.com/BaSui01/dreamforge/store"
	"github.com/BaSui01/dreamforge/types"
)

// AssetGenerator produces the remote image and 3D model assets.
// Satisfied by assets.Adapter.
type AssetGenerator interface {
	GenerateImage(ctx context.Context, prompt string, opts assets.ImageOptions) (string, error)
	GenerateModel(ctx context.Context, imageRef, format string) (string, error)
}

// ContextBuilder assembles the prior-generation bundle for enhancement.
// Satisfied by recall.Engine.
type ContextBuilder interface {
	BuildBundle(ctx context.Context, sessionID, prompt string) *types.ContextBundle
}

// StartRequest is the intake of one generation run.
type StartRequest struct {
	// SessionID groups the run with prior history; empty starts a new
	// session.
	SessionID string

	// Prompt is the user's natural-language description.
	Prompt string

	// Style and Resolution tune the image stage; optional.
	Style      string
	Resolution string

	// RequestID is an optional client idempotency key. Reuse is
	// rejected with DUPLICATE_REQUEST.
	RequestID string
}

// StartResult is what intake returns while the run executes in the
// background.
type StartResult struct {
	GenerationID     string
	SessionID        string
	Status           types.GenerationStatus
	EstimatedSeconds int
}

// Orchestrator owns the generation pipeline: it admits runs, drives
// their stages in a background goroutine each, and persists every state
// transition.
type Orchestrator struct {
	store    store.Store
	recall   ContextBuilder
	enhancer enhance.Enhancer
	assets   AssetGenerator
	cfg      config.PipelineConfig
	registry *Registry
	sem      *semaphore.Weighted
	metrics  *metrics.Collector
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// New creates an orchestrator. The metrics collector may be nil.
func New(
	s store.Store,
	ctxBuilder ContextBuilder,
	enhancer enhance.Enhancer,
	assetGen AssetGenerator,
	cfg config.PipelineConfig,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RunBudget <= 0 {
		cfg.RunBudget = 10 * time.Minute
	}
	if cfg.HandleRetention <= 0 {
		cfg.HandleRetention = time.Hour
	}

	return &Orchestrator{
		store:    s,
		recall:   ctxBuilder,
		enhancer: enhancer,
		assets:   assetGen,
		cfg:      cfg,
		registry: NewRegistry(logger),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		metrics:  collector,
		logger:   logger.With(zap.String("component", "orchestrator")),
	}
}

// Start admits a generation run and returns immediately; the pipeline
// executes in the background. Runs beyond the concurrency limit queue.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "prompt must not be empty").
			WithHTTPStatus(http.StatusBadRequest)
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	o.ensureSession(ctx, sessionID)

	now := time.Now()
	gen := &types.Generation{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Prompt:    prompt,
		Status:    types.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Style != "" {
		gen.SetMeta(types.MetaStyle, req.Style)
	}
	if req.Resolution != "" {
		gen.SetMeta(types.MetaResolution, req.Resolution)
	}
	if o.cfg.NegativePrompt != "" {
		gen.SetMeta(types.MetaNegativePrompt, o.cfg.NegativePrompt)
	}
	if o.cfg.Steps > 0 {
		gen.SetMeta(types.MetaSteps, strconv.Itoa(o.cfg.Steps))
	}
	if o.cfg.ModelFormat != "" {
		gen.SetMeta(types.MetaModelFormat, o.cfg.ModelFormat)
	}

	// The run context is detached from the intake request: the pipeline
	// outlives the HTTP call that started it.
	runCtx, cancel := context.WithCancel(context.Background())
	run := newRun(gen, cancel)

	if err := o.registry.Admit(run, req.RequestID); err != nil {
		cancel()
		if e, ok := err.(*types.Error); ok {
			return nil, e.WithHTTPStatus(http.StatusConflict)
		}
		return nil, err
	}

	if err := o.persist(ctx, run.Snapshot()); err != nil {
		o.registry.Remove(gen.ID)
		cancel()
		return nil, types.NewError(types.ErrStorage, "failed to persist generation intake").
			WithHTTPStatus(http.StatusServiceUnavailable).WithCause(err)
	}

	o.logger.Info("generation admitted",
		zap.String("generation_id", gen.ID),
		zap.String("session_id", sessionID),
	)

	o.wg.Add(1)
	go o.execute(runCtx, run)

	return &StartResult{
		GenerationID:     gen.ID,
		SessionID:        sessionID,
		Status:           types.StatusPending,
		EstimatedSeconds: o.cfg.EstimatedSeconds,
	}, nil
}

// Status returns the current snapshot of a generation: the live run if
// one is tracked, otherwise the stored record.
func (o *Orchestrator) Status(ctx context.Context, id string) (*types.Generation, error) {
	if run, ok := o.registry.Get(id); ok {
		return run.Snapshot(), nil
	}

	gen, err := o.store.GetGeneration(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, types.NewError(types.ErrNotFound, "generation not found: "+id).
				WithHTTPStatus(http.StatusNotFound)
		}
		return nil, types.NewError(types.ErrStorage, "failed to load generation").WithCause(err)
	}
	return gen, nil
}

// History lists a session's generations newest first. before is the
// pagination cursor, see store.Store.ListBySession.
func (o *Orchestrator) History(ctx context.Context, sessionID string, limit int, before time.Time) ([]*types.Generation, error) {
	if sessionID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "session_id is required").
			WithHTTPStatus(http.StatusBadRequest)
	}

	gens, err := o.store.ListBySession(ctx, sessionID, limit, before)
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "failed to list session history").WithCause(err)
	}
	return gens, nil
}

// Cancel requests best-effort cancellation of a live run. The run
// observes it at the next stage boundary or poll iteration.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	if run, ok := o.registry.Get(id); ok {
		if run.Status().IsTerminal() {
			return types.NewError(types.ErrInvalidRequest, "generation already finished").
				WithHTTPStatus(http.StatusConflict)
		}
		run.Cancel()
		o.logger.Info("cancellation requested", zap.String("generation_id", id))
		return nil
	}

	if _, err := o.store.GetGeneration(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.NewError(types.ErrNotFound, "generation not found: "+id).
				WithHTTPStatus(http.StatusNotFound)
		}
		return types.NewError(types.ErrStorage, "failed to load generation").WithCause(err)
	}
	return types.NewError(types.ErrInvalidRequest, "generation already finished").
		WithHTTPStatus(http.StatusConflict)
}

// PruneHandles drops terminal run handles past the retention window.
// Meant to run periodically; records remain queryable in the store.
func (o *Orchestrator) PruneHandles() int {
	return o.registry.CleanupTerminal(o.cfg.HandleRetention)
}

// Shutdown waits for in-flight runs to finish or the context to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute drives one run through its stages. It is the only goroutine
// mutating the run after admission.
func (o *Orchestrator) execute(ctx context.Context, run *Run) {
	defer o.wg.Done()
	defer run.finish()

	ctx, cancelBudget := context.WithTimeout(ctx, o.cfg.RunBudget)
	defer cancelBudget()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.fail(run, o.contextError(ctx, types.StagePersist))
		return
	}
	defer o.sem.Release(1)

	o.metrics.RecordRunStarted()
	start := time.Now()
	defer func() {
		o.metrics.RecordRunFinished(string(run.Status()), time.Since(start))
	}()

	snap := run.Snapshot()
	prompt := snap.Prompt

	// Stage 1: enhancement. Failures degrade to the original prompt and
	// never abort the run.
	o.transition(run, types.StatusEnhancing)

	enhanced := o.enhanceStage(ctx, run, prompt)
	if enhanced == "" {
		// Context expired during enhancement.
		o.fail(run, o.contextError(ctx, types.StageEnhance))
		return
	}

	// Stage 2: text to image.
	o.transition(run, types.StatusImaging)

	meta := run.Snapshot().Metadata
	opts := assets.ImageOptions{
		Style:          meta[types.MetaStyle],
		Resolution:     meta[types.MetaResolution],
		NegativePrompt: meta[types.MetaNegativePrompt],
	}
	if steps, err := strconv.Atoi(meta[types.MetaSteps]); err == nil {
		opts.Steps = steps
	}

	imageRef, attempts, err := o.withRetry(ctx, types.StageImage, func(ctx context.Context) (string, error) {
		return o.assets.GenerateImage(ctx, enhanced, opts)
	})
	o.persistDetached(run.update(func(g *types.Generation) {
		g.SetMeta(types.MetaImageAttempts, strconv.Itoa(attempts))
	}))
	if err != nil {
		o.fail(run, err)
		return
	}
	o.persistDetached(run.update(func(g *types.Generation) {
		if g.ImageRef == "" {
			g.ImageRef = imageRef
		}
	}))

	// Stage 3: image to 3D model.
	o.transition(run, types.StatusModeling)

	format := meta[types.MetaModelFormat]
	modelRef, attempts, err := o.withRetry(ctx, types.StageModel, func(ctx context.Context) (string, error) {
		return o.assets.GenerateModel(ctx, imageRef, format)
	})
	o.persistDetached(run.update(func(g *types.Generation) {
		g.SetMeta(types.MetaModelAttempts, strconv.Itoa(attempts))
	}))
	if err != nil {
		o.fail(run, err)
		return
	}

	// Completion. A storage failure at this point degrades: the run
	// stays completed and carries a warning instead of rolling back.
	final := run.update(func(g *types.Generation) {
		if g.ModelRef == "" {
			g.ModelRef = modelRef
		}
		if g.Status.CanTransition(types.StatusCompleted) {
			g.Status = types.StatusCompleted
		}
	})
	if err := o.persistDetached(final); err != nil {
		o.logger.Warn("final persist failed, completing degraded",
			zap.String("generation_id", run.ID),
			zap.Error(err),
		)
		degraded := run.update(func(g *types.Generation) {
			g.SetMeta(types.MetaStorageWarning, "final result not durably stored: "+err.Error())
		})
		// Second chance; if the store is still down the warning lives
		// only in the run handle.
		o.persistDetached(degraded)
	}

	o.logger.Info("generation completed",
		zap.String("generation_id", run.ID),
		zap.String("model_ref", modelRef),
		zap.Duration("duration", time.Since(start)),
	)
}

// enhanceStage recalls session context, calls the enhancer, and applies
// the pass-through fallback. Returns "" only when the run context is
// done.
func (o *Orchestrator) enhanceStage(ctx context.Context, run *Run, prompt string) string {
	bundle := o.recall.BuildBundle(ctx, run.SessionID, prompt)

	stageStart := time.Now()
	enhanced, err := o.enhancer.Enhance(ctx, prompt, bundle)
	o.metrics.RecordStage(string(types.StageEnhance), err, time.Since(stageStart))

	if err != nil {
		if ctx.Err() != nil {
			return ""
		}
		code := types.GetErrorCode(err)
		o.metrics.RecordEnhanceFallback(string(code))
		o.logger.Warn("enhancement failed, falling back to original prompt",
			zap.String("generation_id", run.ID),
			zap.String("code", string(code)),
			zap.Error(err),
		)
		run.update(func(g *types.Generation) {
			g.SetMeta(types.MetaEnhanceError, string(code))
		})
		enhanced = prompt
	}

	snap := run.update(func(g *types.Generation) {
		if g.EnhancedPrompt == "" {
			g.EnhancedPrompt = enhanced
		}
		g.SetMeta(types.MetaEnhanceDuration, strconv.FormatInt(time.Since(stageStart).Milliseconds(), 10))
	})
	o.persistDetached(snap)

	return enhanced
}

// withRetry runs a generation stage up to MaxAttempts, backing off
// between attempts on retryable errors. Permanent errors return
// immediately.
func (o *Orchestrator) withRetry(ctx context.Context, stage types.Stage, fn func(context.Context) (string, error)) (string, int, error) {
	attempts := 0
	for {
		attempts++
		stageStart := time.Now()
		ref, err := fn(ctx)
		o.metrics.RecordStage(string(stage), err, time.Since(stageStart))
		if err == nil {
			return ref, attempts, nil
		}

		if ctx.Err() != nil || !types.IsRetryable(err) || attempts >= o.cfg.MaxAttempts {
			return "", attempts, err
		}

		o.metrics.RecordStageRetry(string(stage))
		backoff := o.retryBackoff(attempts)
		o.logger.Warn("stage attempt failed, retrying",
			zap.String("stage", string(stage)),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return "", attempts, o.contextError(ctx, stage)
		case <-time.After(backoff):
		}
	}
}

// retryBackoff returns the wait before retry n, growing exponentially
// from RetryInitial up to RetryMax.
func (o *Orchestrator) retryBackoff(attempt int) time.Duration {
	backoff := o.cfg.RetryInitial
	if backoff <= 0 {
		backoff = time.Second
	}
	multiplier := o.cfg.RetryMultiplier
	if multiplier <= 1 {
		multiplier = 2.0
	}
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * multiplier)
		if o.cfg.RetryMax > 0 && backoff > o.cfg.RetryMax {
			return o.cfg.RetryMax
		}
	}
	return backoff
}

// transition advances the run's status and persists the new state.
func (o *Orchestrator) transition(run *Run, next types.GenerationStatus) {
	snap := run.update(func(g *types.Generation) {
		if g.Status.CanTransition(next) {
			g.Status = next
		}
	})
	o.persistDetached(snap)
}

// fail marks the run failed with a structured error and persists it.
func (o *Orchestrator) fail(run *Run, err error) {
	e := asPipelineError(err)

	snap := run.update(func(g *types.Generation) {
		if g.Status.IsTerminal() {
			return
		}
		g.Status = types.StatusFailed
		g.Error = e.Info()
	})
	o.persistDetached(snap)

	o.logger.Warn("generation failed",
		zap.String("generation_id", run.ID),
		zap.String("code", string(e.Code)),
		zap.String("stage", string(e.Stage)),
		zap.Error(e),
	)
}

// contextError maps an expired run context to the pipeline error
// taxonomy: caller cancellation versus the wall-clock budget.
func (o *Orchestrator) contextError(ctx context.Context, stage types.Stage) *types.Error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return types.NewError(types.ErrCancelled, "run cancelled").WithStage(stage)
	}
	return types.NewError(types.ErrGenTimeout,
		fmt.Sprintf("run exceeded its %s budget", o.cfg.RunBudget)).
		WithStage(stage).WithRetryable(true)
}

// persist writes a generation snapshot, logging failures for mid-run
// transitions. Intake and terminal writes check the returned error.
func (o *Orchestrator) persist(ctx context.Context, gen *types.Generation) error {
	start := time.Now()
	err := o.store.PutGeneration(ctx, gen)
	o.metrics.RecordStoreOp("put_generation", time.Since(start))
	if err != nil {
		o.logger.Warn("failed to persist generation state",
			zap.String("generation_id", gen.ID),
			zap.String("status", string(gen.Status)),
			zap.Error(err),
		)
	}
	return err
}

// persistDetached writes on a short independent context, so a cancelled
// run can still record its terminal state.
func (o *Orchestrator) persistDetached(gen *types.Generation) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return o.persist(ctx, gen)
}

// ensureSession creates or touches the session record. Best effort; the
// generation record is the authoritative write.
func (o *Orchestrator) ensureSession(ctx context.Context, sessionID string) {
	now := time.Now()
	_, err := o.store.GetSession(ctx, sessionID)
	switch {
	case err == nil:
		if terr := o.store.TouchSession(ctx, sessionID, now); terr != nil {
			o.logger.Warn("failed to touch session", zap.String("session_id", sessionID), zap.Error(terr))
		}
	case errors.Is(err, store.ErrNotFound):
		if perr := o.store.PutSession(ctx, &types.Session{ID: sessionID, CreatedAt: now, LastActiveAt: now}); perr != nil {
			o.logger.Warn("failed to create session", zap.String("session_id", sessionID), zap.Error(perr))
		}
	default:
		o.logger.Warn("failed to load session", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// asPipelineError normalizes any stage error into the structured form.
func asPipelineError(err error) *types.Error {
	if e, ok := err.(*types.Error); ok {
		return e
	}
	return types.NewError(types.ErrInternalError, err.Error()).WithCause(err)
}
