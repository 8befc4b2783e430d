package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-billing/internal/billing"
	jobmetrics "github.com/odyssey-erp/odyssey-billing/internal/jobs"
)

// NumberingAuditor audits every numbering scope.
type NumberingAuditor interface {
	AuditAll(ctx context.Context) ([]billing.NumberingReport, error)
}

// NumberingIntegrityJob checks that finalized numbers stay gapless and unique.
type NumberingIntegrityJob struct {
	Auditor NumberingAuditor
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewNumberingIntegrityJob initialises the integrity scan handler.
func NewNumberingIntegrityJob(auditor NumberingAuditor, logger *slog.Logger, metrics *jobmetrics.Metrics) *NumberingIntegrityJob {
	return &NumberingIntegrityJob{
		Auditor: auditor,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the integrity scan.
func (j *NumberingIntegrityJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Auditor == nil {
		return errors.New("numbering integrity: auditor not configured")
	}

	start := j.now()
	tracker := j.metrics().Track(TaskNumberingIntegrity)
	logger := j.logger()
	logger.Info("starting numbering integrity scan")

	reports, err := j.Auditor.AuditAll(ctx)
	if err != nil {
		logger.Error("scan failed", slog.Any("error", err))
		return tracker.End(err)
	}

	unhealthy := 0
	for _, r := range reports {
		j.metrics().AddNumberingIssues("gap", len(r.Gaps))
		j.metrics().AddNumberingIssues("duplicate", len(r.Duplicates))
		j.metrics().AddNumberingIssues("non_numeric", len(r.NonNumeric))
		if r.Healthy() && len(r.NonNumeric) == 0 {
			continue
		}
		unhealthy++
		logger.Warn("numbering scope has issues",
			slog.String("scope", r.Scope.String()),
			slog.Int64("max", r.Max),
			slog.Any("gaps", r.Gaps),
			slog.Any("duplicates", r.Duplicates),
			slog.Any("non_numeric", r.NonNumeric),
		)
	}

	logger.Info("completed numbering integrity scan",
		slog.Int("scopes", len(reports)),
		slog.Int("unhealthy", unhealthy),
		slog.Duration("duration", j.now().Sub(start)),
	)
	return tracker.End(nil)
}

func (j *NumberingIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskNumberingIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskNumberingIntegrity))
}

func (j *NumberingIntegrityJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *NumberingIntegrityJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
