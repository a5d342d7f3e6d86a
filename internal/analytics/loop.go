package analytics

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"oracle-index/internal/alerting"
	"oracle-index/internal/scheduler"
	"oracle-index/internal/storage"
)

// Time windows and thresholds for the analytics pass. The windows are
// load-bearing: metrics recompute trails 2 hours (older buckets freeze),
// detectors scan the trailing 10 minutes.
const (
	MetricsWindow  = 2 * time.Hour
	DetectorWindow = 10 * time.Minute

	LatencyWarnMs     int64 = 1000
	LatencyCriticalMs int64 = 5000

	JumpWarnPct     = 5.0
	JumpCriticalPct = 10.0

	StaleWarnRun     = 3
	StaleCriticalRun = 10

	GapWarnSeconds     int64 = 60
	GapCriticalSeconds int64 = 300
)

// Loop periodically reclassifies the event log into hourly metrics and
// deduplicated anomaly records. It runs independently of ingestion.
type Loop struct {
	store    storage.AnalyticsStore
	sched    *scheduler.Scheduler
	notifier alerting.Notifier
	logger   zerolog.Logger
}

// New constructs the analytics loop. notifier may be nil.
func New(store storage.AnalyticsStore, sched *scheduler.Scheduler, notifier alerting.Notifier, logger zerolog.Logger) *Loop {
	return &Loop{
		store:    store,
		sched:    sched,
		notifier: notifier,
		logger:   logger.With().Str("component", "analytics").Logger(),
	}
}

// Run blocks, executing one analytics cycle per scheduler tick until ctx is
// cancelled.
func (l *Loop) Run(ctx context.Context) error {
	return l.sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		return l.RunCycle(ctx)
	})
}

// RunCycle executes a single analytics pass: metrics recompute followed by
// the four detectors. Detectors are independent; one failing does not stop
// the others.
func (l *Loop) RunCycle(ctx context.Context) error {
	started := time.Now()

	if err := l.store.ComputeHourlyMetrics(ctx, MetricsWindow); err != nil {
		l.logger.Error().Err(err).Msg("hourly metrics recompute failed")
	}

	detectors := []struct {
		name string
		run  func(context.Context) ([]storage.DetectedIssue, error)
	}{
		{storage.IssueHighLatency, func(ctx context.Context) ([]storage.DetectedIssue, error) {
			return l.store.DetectHighLatency(ctx, DetectorWindow, LatencyWarnMs, LatencyCriticalMs)
		}},
		{storage.IssuePriceJump, func(ctx context.Context) ([]storage.DetectedIssue, error) {
			return l.store.DetectPriceJumps(ctx, DetectorWindow, JumpWarnPct, JumpCriticalPct)
		}},
		{storage.IssueStalePrice, func(ctx context.Context) ([]storage.DetectedIssue, error) {
			return l.store.DetectStalePrices(ctx, DetectorWindow, StaleWarnRun, StaleCriticalRun)
		}},
		{storage.IssueGap, func(ctx context.Context) ([]storage.DetectedIssue, error) {
			return l.store.DetectGaps(ctx, DetectorWindow, GapWarnSeconds, GapCriticalSeconds)
		}},
	}

	var criticals []storage.DetectedIssue
	for _, d := range detectors {
		issues, err := d.run(ctx)
		if err != nil {
			l.logger.Error().Err(err).Str("detector", d.name).Msg("detector failed")
			continue
		}
		if len(issues) > 0 {
			l.logger.Info().Str("detector", d.name).Int("count", len(issues)).Msg("issues detected")
		}
		for _, issue := range issues {
			if issue.Severity == storage.SeverityCritical {
				criticals = append(criticals, issue)
			}
		}
	}

	l.notifyCriticals(ctx, criticals)

	l.logger.Debug().Dur("elapsed", time.Since(started)).Msg("analytics cycle complete")
	return nil
}

func (l *Loop) notifyCriticals(ctx context.Context, issues []storage.DetectedIssue) {
	if l.notifier == nil || len(issues) == 0 {
		return
	}
	for _, issue := range issues {
		alert := alerting.IssueAlert{
			EncodedAssetID: issue.EncodedAssetID,
			IssueType:      issue.IssueType,
			Severity:       issue.Severity,
			BlockNumber:    issue.BlockNumber,
			DetectedAt:     issue.DetectedAt,
			Details:        issue.Details,
		}
		if err := l.notifier.Notify(ctx, alert); err != nil {
			l.logger.Error().Err(err).Str("issue_type", issue.IssueType).Msg("failed to dispatch alert")
		}
	}
}
