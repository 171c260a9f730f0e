package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"worker/internal/domain"
	"worker/internal/engine"
	"worker/internal/infra"
	"worker/internal/registry"
	"worker/internal/workflow"
)

// Orchestrator runs the full per-job sequence: resolve the workflow,
// validate against the on-chain registry, compile, execute, extract.
type Orchestrator struct {
	Models    *registry.ModelRegistry
	Recipes   *registry.RecipeRegistry
	Mapper    *workflow.Mapper
	Engine    *engine.Client
	Extractor *engine.Extractor
	Logger    infra.Logger

	ModelsDir    string
	PollInterval time.Duration
	ImageTimeout time.Duration
	VideoTimeout time.Duration
	Strict       bool
	Retries      int
}

// TimeoutFor scales the execution budget by media type; video budgets run
// much longer than images.
func (o *Orchestrator) TimeoutFor(media domain.MediaType) time.Duration {
	if media == domain.MediaTypeVideo {
		return o.VideoTimeout
	}
	return o.ImageTimeout
}

// ProcessJob executes one job to completion. Every failure surfaces as a
// *domain.Failure carrying a stable reason code; nothing below the
// orchestrator leaks a raw transport error upstream.
func (o *Orchestrator) ProcessJob(ctx context.Context, job *domain.Job) ([]domain.ResultArtifact, error) {
	template, err := o.resolveTemplate(ctx, job)
	if err != nil {
		return nil, domain.NewFailure(domain.ReasonResolution, fmt.Sprintf("no workflow for model %s", job.ModelID), err)
	}
	if err := workflow.VerifyLocalFiles(template, o.ModelsDir); err != nil {
		return nil, domain.NewFailure(domain.ReasonResolution, "required model files are not installed", err)
	}

	bindings := workflow.BindJob(job)
	if err := o.validate(ctx, template, bindings); err != nil {
		return nil, err
	}

	graph, err := workflow.Compile(template, bindings)
	if err != nil {
		var ce *workflow.CompileError
		if errors.As(err, &ce) {
			return nil, domain.NewFailure(domain.ReasonCompileError, ce.Error(), err)
		}
		return nil, domain.NewFailure(domain.ReasonCompileError, "workflow compilation failed", err)
	}

	// Timeouts retry with the identical compiled graph, seed included, so
	// a retried job is reproducible.
	var lastTimeout error
	for attempt := 0; attempt <= o.Retries; attempt++ {
		if attempt > 0 {
			// The job context outlives a single attempt's poll budget; when
			// the overall deadline is gone the last timeout stands rather
			// than a doomed resubmission.
			if ctx.Err() != nil {
				break
			}
			o.Logger.Info().Str("job_id", job.ID).Int("attempt", attempt+1).Msg("orchestrator: retrying after timeout")
		}
		artifacts, err := o.execute(ctx, job, graph)
		if err == nil {
			return artifacts, nil
		}
		failure := domain.AsFailure(err)
		if !failure.Retryable() {
			return nil, failure
		}
		lastTimeout = failure
	}
	return nil, domain.AsFailure(lastTimeout)
}

// resolveTemplate prefers the on-disk template corpus and falls back to the
// synced recipe registry for models that only exist on-chain.
func (o *Orchestrator) resolveTemplate(ctx context.Context, job *domain.Job) (*workflow.Template, error) {
	template, err := o.Mapper.Load(job.ModelID)
	if err == nil {
		return template, nil
	}
	if !errors.Is(err, domain.ErrNoWorkflow) || o.Recipes == nil {
		return nil, err
	}
	recipes, recipeErr := o.Recipes.FetchActive(ctx)
	if recipeErr != nil {
		return nil, errors.Join(err, recipeErr)
	}
	for _, recipe := range recipes {
		if !workflow.SameModelID(recipe.ModelID, job.ModelID) {
			continue
		}
		template, parseErr := workflow.ParseTemplate(recipe.ModelID, recipe.Template)
		if parseErr != nil {
			o.Logger.Warn().Err(parseErr).Str("recipe", recipe.Name).Msg("orchestrator: skipping malformed recipe")
			continue
		}
		return template, nil
	}
	return nil, err
}

// validate enforces registry constraints. The registry is advisory: Unknown
// verdicts pass with a log line distinguishing "validated" from "assumed
// valid"; Violations only block when strict validation is configured.
func (o *Orchestrator) validate(ctx context.Context, template *workflow.Template, b workflow.Bindings) error {
	fileName := checkpointName(template)
	if fileName == "" {
		return nil
	}
	verdict := o.Models.ValidateParams(ctx,
		fileName,
		b.IntValue("STEPS", 0),
		b.FloatValue("CFG", 0),
		b.StringValue("SAMPLER", ""),
		b.StringValue("SCHEDULER", ""),
	)
	switch verdict.Result {
	case registry.Violation:
		if o.Strict {
			return domain.NewFailure(domain.ReasonResolution, "parameters violate registry constraints: "+verdict.Reason, nil)
		}
		o.Logger.Warn().Str("model", fileName).Str("reason", verdict.Reason).Msg("orchestrator: constraint violation ignored (strict validation off)")
	case registry.Unknown:
		o.Logger.Warn().Str("model", fileName).Str("reason", verdict.Reason).Msg("orchestrator: parameters assumed valid")
	default:
		o.Logger.Debug().Str("model", fileName).Msg("orchestrator: parameters validated")
	}
	return nil
}

// execute submits the graph and drives it to a terminal state. A timeout
// issues a best-effort engine cancel before returning so a retry never
// races an abandoned run.
func (o *Orchestrator) execute(ctx context.Context, job *domain.Job, graph workflow.Graph) ([]domain.ResultArtifact, error) {
	promptID, err := o.Engine.Submit(ctx, graph)
	if err != nil {
		// A dead job context fails the request before the engine sees it;
		// that is a worker-side timeout, not an engine fault.
		if ctx.Err() != nil {
			return nil, domain.NewFailure(domain.ReasonEngineTimeout, "job deadline expired before submission", err)
		}
		return nil, domain.NewFailure(domain.ReasonEngineFailure, "engine rejected submission", err)
	}
	submittedAt := time.Now()
	exec, err := o.Engine.Poll(ctx, promptID, o.PollInterval, o.TimeoutFor(job.MediaType))
	if err != nil {
		o.Engine.Cancel(context.WithoutCancel(ctx), promptID)
		return nil, domain.NewFailure(domain.ReasonEngineTimeout, "job cancelled mid-poll", err)
	}
	switch exec.Status {
	case engine.StatusTimedOut:
		o.Engine.Cancel(ctx, promptID)
		return nil, domain.NewFailure(domain.ReasonEngineTimeout,
			fmt.Sprintf("no terminal state within %s", o.TimeoutFor(job.MediaType)), domain.ErrEngineTimeout)
	case engine.StatusFailed:
		return nil, domain.NewFailure(domain.ReasonEngineFailure, exec.EngineError, domain.ErrEngineFailure)
	}

	artifacts, err := o.Extractor.Extract(ctx, promptID, job.MediaType, graph, job.ID, submittedAt)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrEngineFailure):
			return nil, domain.NewFailure(domain.ReasonEngineFailure, "engine reported failure", err)
		case errors.Is(err, domain.ErrNoArtifact):
			return nil, domain.NewFailure(domain.ReasonExtractionMiss, "execution succeeded but produced no artifact", err)
		default:
			return nil, domain.NewFailure(domain.ReasonExtractionMiss, "artifact extraction failed", err)
		}
	}
	return artifacts, nil
}

// checkpointName picks the template's primary model file for validation,
// preferring the checkpoint over a bare diffusion model.
func checkpointName(t *workflow.Template) string {
	files := workflow.ExtractModelFiles(t)
	for _, f := range files {
		if f.Subdir == "checkpoints" {
			return f.Name
		}
	}
	for _, f := range files {
		if f.Subdir == "unet" {
			return f.Name
		}
	}
	return ""
}
