package service

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/conveyor/internal/config"
	"github.com/timmy/conveyor/internal/domain"
	"github.com/timmy/conveyor/internal/repository"
)

// TriggerPolicy holds the thresholds a stage decision is made on.
// Its methods are pure: the same counters always give the same answer.
type TriggerPolicy struct {
	ScrapeWindow       time.Duration // trailing window for the scrape recentCount
	ScrapeMinRecent    int64         // scrape when fewer raw items than this arrived in the window
	ProcessBacklog     int           // process when more unprocessed items than this exist
	AutoTrainThreshold int64         // train when at least this many items are ready
	TrainCooldown      time.Duration // minimum time between train jobs
}

// DefaultTriggerPolicy returns the production thresholds.
func DefaultTriggerPolicy() TriggerPolicy {
	return TriggerPolicy{
		ScrapeWindow:       6 * time.Hour,
		ScrapeMinRecent:    10,
		ProcessBacklog:     5,
		AutoTrainThreshold: 1000,
		TrainCooldown:      24 * time.Hour,
	}
}

// NewTriggerPolicy builds a policy from configuration.
func NewTriggerPolicy(cfg *config.TriggersConfig) TriggerPolicy {
	return TriggerPolicy{
		ScrapeWindow:       cfg.ScrapeWindow,
		ScrapeMinRecent:    cfg.ScrapeMinRecent,
		ProcessBacklog:     cfg.ProcessBacklog,
		AutoTrainThreshold: cfg.AutoTrainThreshold,
		TrainCooldown:      cfg.TrainCooldown,
	}
}

// ScrapeDue reports whether a source with recent raw items in the window needs scraping.
func (p TriggerPolicy) ScrapeDue(recent int64) bool {
	return recent < p.ScrapeMinRecent
}

// ProcessDue reports whether the unprocessed backlog warrants a processing job.
func (p TriggerPolicy) ProcessDue(unprocessed int) bool {
	return unprocessed > p.ProcessBacklog
}

// TrainDue applies the cooldown first; readiness only matters once it has elapsed.
func (p TriggerPolicy) TrainDue(r domain.TrainingReadiness, now time.Time) bool {
	if r.LastTrainingStart != nil && now.Sub(*r.LastTrainingStart) < p.TrainCooldown {
		return false
	}
	return r.ReadyCount >= p.AutoTrainThreshold
}

// Decision is the outcome of evaluating one (source, stage) unit.
type Decision struct {
	Stage    domain.JobType
	Source   string
	Trigger  bool
	Observed int64 // recentCount, unprocessedCount or readiness count
	Reason   string
}

// TriggerEngine reads counters from the State Repository and applies the policy.
// Every read error fails closed: the returned Decision never triggers.
type TriggerEngine struct {
	repo           repository.StateRepository
	policy         TriggerPolicy
	requestTimeout time.Duration
	now            func() time.Time
}

// TriggerEngineConfig holds the engine settings.
type TriggerEngineConfig struct {
	Policy         TriggerPolicy
	RequestTimeout time.Duration
	Now            func() time.Time // defaults to time.Now
}

// NewTriggerEngine creates a trigger engine.
func NewTriggerEngine(repo repository.StateRepository, cfg *TriggerEngineConfig) *TriggerEngine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &TriggerEngine{
		repo:           repo,
		policy:         cfg.Policy,
		requestTimeout: cfg.RequestTimeout,
		now:            now,
	}
}

// Policy returns the thresholds in use.
func (e *TriggerEngine) Policy() TriggerPolicy {
	return e.policy
}

// Evaluate dispatches to the stage-specific evaluation. source is ignored for train.
func (e *TriggerEngine) Evaluate(ctx context.Context, stage domain.JobType, source string) (Decision, error) {
	switch stage {
	case domain.JobTypeScrape:
		return e.EvaluateScrape(ctx, source)
	case domain.JobTypeProcess:
		return e.EvaluateProcess(ctx, source)
	case domain.JobTypeTrain:
		return e.EvaluateTrain(ctx)
	default:
		return Decision{Stage: stage, Source: source}, fmt.Errorf("unknown stage %q", stage)
	}
}

// EvaluateScrape counts raw items of source created within the scrape window.
func (e *TriggerEngine) EvaluateScrape(ctx context.Context, source string) (Decision, error) {
	d := Decision{Stage: domain.JobTypeScrape, Source: source}

	ctx, cancel := withRequestTimeout(ctx, e.requestTimeout)
	defer cancel()

	cutoff := e.now().Add(-e.policy.ScrapeWindow)
	recent, err := e.repo.CountWhere(ctx, repository.TableScrapedContent,
		repository.Eq(repository.ColumnSource, source),
		repository.Since(cutoff),
	)
	if err != nil {
		d.Reason = "state unavailable"
		return d, fmt.Errorf("count recent raw items for %s: %w", source, err)
	}

	d.Observed = recent
	d.Trigger = e.policy.ScrapeDue(recent)
	d.Reason = fmt.Sprintf("%d raw items in last %s (minimum %d)", recent, e.policy.ScrapeWindow, e.policy.ScrapeMinRecent)
	return d, nil
}

// EvaluateProcess computes the unprocessed count as a set difference of
// raw ids and the origin ids of processed items.
func (e *TriggerEngine) EvaluateProcess(ctx context.Context, source string) (Decision, error) {
	d := Decision{Stage: domain.JobTypeProcess, Source: source}

	ctx, cancel := withRequestTimeout(ctx, e.requestTimeout)
	defer cancel()

	rawIDs, err := e.repo.SelectIDs(ctx, repository.TableScrapedContent, repository.ColumnID,
		repository.Eq(repository.ColumnSource, source))
	if err != nil {
		d.Reason = "state unavailable"
		return d, fmt.Errorf("select raw ids for %s: %w", source, err)
	}
	processedIDs, err := e.repo.SelectIDs(ctx, repository.TableProcessedContent, repository.ColumnOriginalID,
		repository.Eq(repository.ColumnSource, source))
	if err != nil {
		d.Reason = "state unavailable"
		return d, fmt.Errorf("select processed origin ids for %s: %w", source, err)
	}

	unprocessed := rawIDs.Difference(processedIDs)
	d.Observed = int64(unprocessed)
	d.Trigger = e.policy.ProcessDue(unprocessed)
	d.Reason = fmt.Sprintf("%d unprocessed items (backlog limit %d)", unprocessed, e.policy.ProcessBacklog)
	return d, nil
}

// EvaluateTrain checks the global cooldown and readiness count.
func (e *TriggerEngine) EvaluateTrain(ctx context.Context) (Decision, error) {
	d := Decision{Stage: domain.JobTypeTrain}

	readiness, err := e.ReadTrainingReadiness(ctx)
	if err != nil {
		d.Reason = "state unavailable"
		return d, err
	}

	now := e.now()
	d.Observed = readiness.ReadyCount
	d.Trigger = e.policy.TrainDue(readiness, now)
	switch {
	case readiness.LastTrainingStart != nil && now.Sub(*readiness.LastTrainingStart) < e.policy.TrainCooldown:
		d.Reason = fmt.Sprintf("cooldown active, last training started %s ago", now.Sub(*readiness.LastTrainingStart).Round(time.Minute))
	default:
		d.Reason = fmt.Sprintf("%d items ready (threshold %d)", readiness.ReadyCount, e.policy.AutoTrainThreshold)
	}
	return d, nil
}

// ReadTrainingReadiness reads the global ready count and the newest train
// JobRecord. Every train record starts the cooldown whatever its status,
// so a trainer that keeps failing is retried at most once per cooldown.
func (e *TriggerEngine) ReadTrainingReadiness(ctx context.Context) (domain.TrainingReadiness, error) {
	var r domain.TrainingReadiness

	ctx, cancel := withRequestTimeout(ctx, e.requestTimeout)
	defer cancel()

	ready, err := e.repo.CountWhere(ctx, repository.TableProcessedContent,
		repository.Eq(repository.ColumnIsTrainingReady, true))
	if err != nil {
		return r, fmt.Errorf("count training-ready items: %w", err)
	}
	r.ReadyCount = ready

	last, ok, err := e.repo.Latest(ctx, repository.TableJobs, repository.ColumnCreatedAt,
		repository.Eq(repository.ColumnJobType, string(domain.JobTypeTrain)))
	if err != nil {
		return r, fmt.Errorf("read last training start: %w", err)
	}
	if ok {
		r.LastTrainingStart = &last
	}
	return r, nil
}

func withRequestTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
