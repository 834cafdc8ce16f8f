package assets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/dreamforge/config"
	"github.com/BaSui01/dreamforge/types"
)

// ImageOptions carries the tunable parameters of the image stage.
type ImageOptions struct {
	Style          string
	Resolution     string
	NegativePrompt string
	Steps          int
}

// Adapter drives both remote generation capabilities through the shared
// submit/poll protocol.
type Adapter struct {
	image  service
	model  service
	logger *zap.Logger
}

// service pairs a job client with its polling configuration.
type service struct {
	name   string
	client JobClient
	cfg    config.ServiceConfig
}

// NewAdapter creates an adapter over the two service clients.
func NewAdapter(imageClient JobClient, imageCfg config.ServiceConfig, modelClient JobClient, modelCfg config.ServiceConfig, logger *zap.Logger) *Adapter {
	return &Adapter{
		image:  service{name: "text-to-image", client: imageClient, cfg: imageCfg},
		model:  service{name: "image-to-3d", client: modelClient, cfg: modelCfg},
		logger: logger.With(zap.String("component", "assets")),
	}
}

// GenerateImage runs the text-to-image job and returns the image
// reference.
func (a *Adapter) GenerateImage(ctx context.Context, prompt string, opts ImageOptions) (string, error) {
	input := map[string]any{
		"prompt": prompt,
	}
	if opts.NegativePrompt != "" {
		input["negative_prompt"] = opts.NegativePrompt
	}
	if opts.Style != "" {
		input["style"] = opts.Style
	}
	if opts.Resolution != "" {
		input["resolution"] = opts.Resolution
	}
	if opts.Steps > 0 {
		input["steps"] = opts.Steps
	}

	ref, err := a.runJob(ctx, a.image, JobRequest{Input: input})
	if err != nil {
		return "", stageError(err, types.StageImage)
	}
	return ref, nil
}

// GenerateModel runs the image-to-3D job and returns the model
// reference.
func (a *Adapter) GenerateModel(ctx context.Context, imageRef, format string) (string, error) {
	if format == "" {
		format = "glb"
	}
	input := map[string]any{
		"image":  imageRef,
		"format": format,
	}

	ref, err := a.runJob(ctx, a.model, JobRequest{Input: input})
	if err != nil {
		return "", stageError(err, types.StageModel)
	}
	return ref, nil
}

// runJob submits a job and polls with bounded exponential backoff until
// it finishes, fails, or the service timeout elapses. Cancellation is
// honored at every poll boundary.
func (a *Adapter) runJob(ctx context.Context, svc service, req JobRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, svc.cfg.Timeout)
	defer cancel()

	start := time.Now()
	jobID, err := svc.client.Submit(ctx, req)
	if err != nil {
		return "", err
	}

	a.logger.Debug("job submitted",
		zap.String("service", svc.name),
		zap.String("job_id", jobID),
	)

	polls := 0
	for {
		select {
		case <-ctx.Done():
			return "", a.deadlineError(ctx, svc, jobID, polls)
		case <-time.After(svc.pollBackoff(polls)):
		}

		status, err := svc.client.Poll(ctx, jobID)
		if err != nil {
			// Timeouts and cancellation end the job; a flaky poll
			// response does not, the job may still be progressing.
			code := types.GetErrorCode(err)
			if code == types.ErrGenTimeout || code == types.ErrCancelled {
				return "", err
			}
			polls++
			continue
		}
		polls++

		switch status.State {
		case JobDone:
			if status.Ref == "" {
				return "", types.NewError(types.ErrGenRemoteFailed,
					fmt.Sprintf("%s job finished without a result reference", svc.name))
			}
			a.logger.Debug("job done",
				zap.String("service", svc.name),
				zap.String("job_id", jobID),
				zap.Int("polls", polls),
				zap.Duration("duration", time.Since(start)),
			)
			return status.Ref, nil

		case JobFailed:
			return "", types.NewError(types.ErrGenRemoteFailed,
				fmt.Sprintf("%s job failed: %s", svc.name, status.Cause))

		case JobPending:
			// keep polling
		default:
			return "", types.NewError(types.ErrGenRemoteFailed,
				fmt.Sprintf("%s reported unknown job state %q", svc.name, status.State))
		}
	}
}

// deadlineError distinguishes a stage timeout from caller cancellation.
func (a *Adapter) deadlineError(ctx context.Context, svc service, jobID string, polls int) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return types.NewError(types.ErrCancelled, "run cancelled").WithCause(ctx.Err())
	}
	a.logger.Warn("job timed out",
		zap.String("service", svc.name),
		zap.String("job_id", jobID),
		zap.Int("polls", polls),
	)
	return types.NewError(types.ErrGenTimeout,
		fmt.Sprintf("%s did not finish within %s (polls: %d)", svc.name, svc.cfg.Timeout, polls)).
		WithRetryable(true).
		WithCause(ctx.Err())
}

// pollBackoff returns the wait before poll attempt n, growing
// exponentially from PollInitial up to PollMax.
func (s service) pollBackoff(attempt int) time.Duration {
	backoff := s.cfg.PollInitial
	if backoff <= 0 {
		backoff = time.Second
	}
	multiplier := s.cfg.PollMultiplier
	if multiplier <= 1 {
		multiplier = 2.0
	}
	for i := 0; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * multiplier)
		if s.cfg.PollMax > 0 && backoff > s.cfg.PollMax {
			return s.cfg.PollMax
		}
	}
	return backoff
}

// stageError stamps the failed stage onto a structured error.
func stageError(err error, stage types.Stage) error {
	if e, ok := err.(*types.Error); ok {
		return e.WithStage(stage)
	}
	return types.NewError(types.ErrGenRemoteFailed, err.Error()).WithStage(stage).WithCause(err)
}
