package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/conveyor/internal/domain"
	"github.com/timmy/conveyor/internal/logger"
	"github.com/timmy/conveyor/internal/metrics"
	"github.com/timmy/conveyor/internal/repository"
	"github.com/timmy/conveyor/internal/storage"
)

// SweeperConfig holds the retention windows.
type SweeperConfig struct {
	JobRetention   time.Duration // JobRecords older than this are removed
	UsageRetention time.Duration // usage logs older than this are removed
	RequestTimeout time.Duration
	Now            func() time.Time
}

// SweepReport lists the rows removed per table.
type SweepReport struct {
	Cutoffs  map[string]time.Time `json:"cutoffs"`
	Deleted  map[string]int64     `json:"deleted"`
	Archived map[string]string    `json:"archived,omitempty"` // table -> object key
}

// Sweeper removes expired JobRecords and usage logs. Each table is swept
// independently; rows exactly at the cutoff are kept.
type Sweeper struct {
	repo           repository.StateRepository
	archive        *storage.Archive
	metrics        *metrics.Metrics
	jobRetention   time.Duration
	usageRetention time.Duration
	requestTimeout time.Duration
	now            func() time.Time
}

// NewSweeper creates a sweeper. archive may be nil.
func NewSweeper(repo repository.StateRepository, archive *storage.Archive, m *metrics.Metrics, cfg *SweeperConfig) *Sweeper {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		repo:           repo,
		archive:        archive,
		metrics:        m,
		jobRetention:   cfg.JobRetention,
		usageRetention: cfg.UsageRetention,
		requestTimeout: cfg.RequestTimeout,
		now:            now,
	}
}

// Sweep deletes expired rows from every retained table. The errors of
// failed tables are joined; the report still holds the tables that succeeded.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepReport, error) {
	start := time.Now()
	ctx = logger.SetComponent(ctx, "sweeper")
	now := s.now().UTC()

	report := &SweepReport{
		Cutoffs: map[string]time.Time{
			repository.TableJobs:       now.Add(-s.jobRetention),
			repository.TableUsageLogs: now.Add(-s.usageRetention),
		},
		Deleted: make(map[string]int64, 2),
	}

	var errs []error
	for _, table := range []string{repository.TableJobs, repository.TableUsageLogs} {
		cutoff := report.Cutoffs[table]
		tctx := logger.WithField(ctx, logger.FieldTable, table)

		if table == repository.TableJobs && s.archive != nil {
			key, err := s.archiveJobs(tctx, cutoff, now)
			if err != nil {
				// Rows are kept until they are safely archived.
				errs = append(errs, err)
				logger.FromContext(tctx).WithError(err).Error("Archive failed, skipping delete")
				continue
			}
			if key != "" {
				if report.Archived == nil {
					report.Archived = make(map[string]string, 1)
				}
				report.Archived[table] = key
			}
		}

		n, err := s.deleteOlderThan(tctx, table, cutoff)
		if err != nil {
			errs = append(errs, err)
			logger.With(logger.Fields{"cutoff": cutoff.Format(time.RFC3339)}).
				Error(tctx, "Retention sweep failed: %v", err)
			continue
		}
		report.Deleted[table] = n
		s.metrics.RetentionDeleted.WithLabelValues(table).Add(float64(n))
		logger.With(logger.Fields{"cutoff": cutoff.Format(time.RFC3339)}).WithCount(n).
			Info(tctx, "Removed expired rows")
	}

	logger.With(nil).WithDuration(time.Since(start).Milliseconds()).Info(ctx, "Retention sweep finished")
	return report, errors.Join(errs...)
}

func (s *Sweeper) deleteOlderThan(ctx context.Context, table string, cutoff time.Time) (int64, error) {
	ctx, cancel := withRequestTimeout(ctx, s.requestTimeout)
	defer cancel()
	n, err := s.repo.DeleteWhere(ctx, table, repository.OlderThan(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sweep %s: %w", table, err)
	}
	return n, nil
}

// archiveJobs uploads the JobRecords about to expire. It returns an empty
// key when there is nothing to archive.
func (s *Sweeper) archiveJobs(ctx context.Context, cutoff, now time.Time) (string, error) {
	ctx, cancel := withRequestTimeout(ctx, s.requestTimeout)
	defer cancel()

	var records []domain.JobRecord
	if err := s.repo.FindRecent(ctx, repository.TableJobs, &records, 0, repository.OlderThan(cutoff)); err != nil {
		return "", fmt.Errorf("load expired job records: %w", err)
	}
	if len(records) == 0 {
		return "", nil
	}

	key, err := s.archive.Put(ctx, repository.TableJobs, now, records)
	if err != nil {
		return "", fmt.Errorf("archive job records to %s: %w", key, err)
	}
	logger.With(nil).WithCount(int64(len(records))).Info(ctx, "Archived expired job records to %s", key)
	return key, nil
}
