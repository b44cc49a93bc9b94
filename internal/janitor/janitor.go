// Package janitor implements the background sweep that keeps the host clean:
// containers left behind by crashed sessions and orphaned source artifacts
// are removed on a cron schedule. Live sessions are always excluded.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/codebox/internal/config"
	"github.com/jkaninda/codebox/internal/observability"
)

// Sweeper removes leaked containers and stale artifacts. The Docker
// provider implements it.
type Sweeper interface {
	SweepLeaked(ctx context.Context, inUse map[string]struct{}) (int, error)
	SweepArtifacts(cutoff time.Time) (int, error)
}

// ActiveSet reports the container ids of currently live sessions.
// The session registry implements it.
type ActiveSet interface {
	ActiveContainers() map[string]struct{}
}

const sweepTimeout = 30 * time.Second

// Janitor runs periodic sweeps on a cron schedule.
type Janitor struct {
	sweeper Sweeper
	active  ActiveSet
	cfg     *config.JanitorConfig
	logger  *slog.Logger
	metrics *observability.MetricsCollector // nil = metrics disabled

	cron *cron.Cron
}

// New creates a Janitor. Call Start to begin sweeping.
func New(sweeper Sweeper, active ActiveSet, cfg *config.JanitorConfig, logger *slog.Logger) *Janitor {
	return &Janitor{
		sweeper: sweeper,
		active:  active,
		cfg:     cfg,
		logger:  logger,
	}
}

// WithMetrics attaches a metrics collector. Nil-safe throughout.
func (j *Janitor) WithMetrics(m *observability.MetricsCollector) *Janitor {
	j.metrics = m
	return j
}

// Start schedules the sweep and returns a stop function.
func (j *Janitor) Start() (func(), error) {
	j.cron = cron.New()
	if _, err := j.cron.AddFunc(j.cfg.CronSchedule(), j.sweep); err != nil {
		return nil, err
	}
	j.cron.Start()

	j.logger.Info("janitor started", slog.String("schedule", j.cfg.CronSchedule()))

	return func() {
		stopCtx := j.cron.Stop()
		// Wait for an in-flight sweep to finish.
		<-stopCtx.Done()
		j.logger.Info("janitor stopped")
	}, nil
}

// sweep is one janitor pass. Each step is independently fault-tolerant.
func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	inUse := j.active.ActiveContainers()

	removed, err := j.sweeper.SweepLeaked(ctx, inUse)
	if err != nil {
		j.logger.Warn("container sweep failed", slog.String("error", err.Error()))
	}
	if removed > 0 {
		j.logger.Info("leaked containers removed",
			slog.Int("count", removed),
			slog.Int("in_use", len(inUse)),
		)
		if j.metrics != nil {
			j.metrics.LeakedContainersSwept.Add(float64(removed))
		}
	}

	cutoff := time.Now().Add(-j.cfg.ArtifactMaxAge())
	cleaned, err := j.sweeper.SweepArtifacts(cutoff)
	if err != nil {
		j.logger.Warn("artifact sweep failed", slog.String("error", err.Error()))
	}
	if cleaned > 0 {
		j.logger.Info("stale artifacts removed", slog.Int("count", cleaned))
	}
}
