package worker

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"time"

	"worker/internal/domain"
	"worker/internal/infra"
	"worker/internal/queue"
)

// Pool runs a bounded number of job slots, each independently popping and
// processing jobs. Completion order is independent of submission order; a
// stalled poll in one slot never starves another.
type Pool struct {
	Queue        *queue.Client
	Orchestrator *Orchestrator
	Logger       infra.Logger
	WorkerName   string
	Slots        int
	PopInterval  time.Duration

	processed atomic.Int64
	failed    atomic.Int64
	active    atomic.Int64
}

// Stats is a point-in-time snapshot for the ops status surface.
type Stats struct {
	Slots     int   `json:"slots"`
	Active    int64 `json:"active"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// Stats reports pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Slots:     p.Slots,
		Active:    p.active.Load(),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Run blocks until the context is cancelled, keeping every slot looping.
func (p *Pool) Run(ctx context.Context) error {
	slots := p.Slots
	if slots < 1 {
		slots = 1
	}
	interval := p.PopInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	p.Logger.Info().Int("slots", slots).Msg("pool: started")

	var wg sync.WaitGroup
	for slot := 0; slot < slots; slot++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.runSlot(ctx, slot, interval)
		}(slot)
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) runSlot(ctx context.Context, slot int, interval time.Duration) {
	logger := p.Logger.With().Int("slot", slot).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.Queue.Pop(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("pool: pop failed")
			sleep(ctx, interval)
			continue
		}
		if job == nil {
			sleep(ctx, interval)
			continue
		}
		p.handleJob(ctx, logger, job)
	}
}

// handleJob runs one job under its media-scaled overall deadline and
// reports the outcome to the queue. One job's failure never stops the slot.
func (p *Pool) handleJob(ctx context.Context, logger infra.Logger, job *domain.Job) {
	logger.Info().Str("job_id", job.ID).Str("model", job.ModelID).Str("media", string(job.MediaType)).Msg("pool: picked job")
	p.active.Add(1)
	defer p.active.Add(-1)

	// Budget for every attempt plus headroom, so timeout classification
	// happens in the orchestrator, not in a context race, and retries get
	// a full poll window each.
	attempts := time.Duration(p.Orchestrator.Retries + 1)
	jobCtx, cancel := context.WithTimeout(ctx, attempts*p.Orchestrator.TimeoutFor(job.MediaType)+time.Minute)
	defer cancel()

	artifacts, err := p.Orchestrator.ProcessJob(jobCtx, job)
	if err != nil {
		failure := domain.AsFailure(err)
		p.failed.Add(1)
		logger.Error().Str("job_id", job.ID).Str("code", string(failure.Code)).Str("reason", failure.Message).Msg("pool: job failed")
		if cancelErr := p.Queue.Cancel(context.WithoutCancel(ctx), job.ID, failure.Error()); cancelErr != nil {
			logger.Error().Err(cancelErr).Str("job_id", job.ID).Msg("pool: cancel report failed")
		}
		return
	}

	generations := make([]domain.Generation, 0, len(artifacts))
	for _, artifact := range artifacts {
		generations = append(generations, domain.Generation{
			Artifact:   encodeArtifact(artifact),
			Seed:       artifact.Seed,
			WorkerName: p.WorkerName,
		})
	}
	if err := p.Queue.Submit(context.WithoutCancel(ctx), job.ID, generations); err != nil {
		p.failed.Add(1)
		logger.Error().Err(err).Str("job_id", job.ID).Msg("pool: submit failed")
		return
	}
	p.processed.Add(1)
	logger.Info().Str("job_id", job.ID).Int("artifacts", len(artifacts)).Msg("pool: job completed")
}

// encodeArtifact renders one artifact for the queue payload: a URL when the
// artifact was fetched by reference, a data URI otherwise.
func encodeArtifact(artifact domain.ResultArtifact) string {
	if artifact.URL != "" {
		return artifact.URL
	}
	return "data:" + artifact.MimeType + ";base64," + base64.StdEncoding.EncodeToString(artifact.Data)
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
