// Package dashboard runs the refresh pipeline behind the weather dashboard:
// fetch forecasts, resolutions and accuracy, align them into chart rows, pick
// the best model, and keep the latest snapshot for readers.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc/pool"

	"github.com/rewired-gh/polytracker/internal/align"
	"github.com/rewired-gh/polytracker/internal/leaderboard"
	"github.com/rewired-gh/polytracker/internal/logger"
	"github.com/rewired-gh/polytracker/internal/models"
	"github.com/rewired-gh/polytracker/internal/observability"
)

// ErrNoSnapshot is returned by readiness checks before any snapshot exists.
var ErrNoSnapshot = errors.New("no snapshot available yet")

// Backend is the forecast backend the pipeline reads from.
type Backend interface {
	FetchForecasts(ctx context.Context) (map[string][]models.ForecastPoint, error)
	FetchResolutions(ctx context.Context) ([]models.ResolutionPoint, error)
	FetchAccuracy(ctx context.Context) ([]models.AccuracySummary, error)
	TriggerCollection(ctx context.Context, startDate string) error
}

// Store persists snapshots.
type Store interface {
	SaveSnapshot(snap *models.Snapshot) error
	LatestSnapshot() (*models.Snapshot, error)
}

// Notifier is told when the most accurate model changes.
type Notifier interface {
	SendLeaderChange(prev string, best models.BestModel) error
}

// Config tunes the refresh pipeline. A nil Clock uses the real clock.
type Config struct {
	CollectDelay   time.Duration
	AssertOrdering bool
	Location       *time.Location
	Clock          clockwork.Clock
}

// Service owns the latest snapshot and the refreshes that replace it.
type Service struct {
	backend  Backend
	store    Store
	notifier Notifier
	metrics  *observability.Metrics
	engine   *align.Engine
	selector leaderboard.Selector
	clock    clockwork.Clock
	config   Config

	refreshMu sync.Mutex // serializes refreshes

	mu      sync.RWMutex
	current *models.Snapshot
}

// New builds a Service and restores the latest stored snapshot when store has one.
func New(backend Backend, store Store, metrics *observability.Metrics, config Config) *Service {
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}
	s := &Service{
		backend:  backend,
		store:    store,
		metrics:  metrics,
		engine:   align.New(config.Location),
		selector: leaderboard.Selector{AssertOrdering: config.AssertOrdering},
		clock:    config.Clock,
		config:   config,
	}

	if store != nil {
		snap, err := store.LatestSnapshot()
		switch {
		case err == nil:
			s.current = snap
			logger.Info("Restored snapshot %s taken at %s (%d rows)", snap.ID, snap.TakenAt.Format(time.RFC3339), len(snap.Records))
		default:
			logger.Debug("No persisted snapshot restored: %v", err)
		}
	}

	return s
}

// SetNotifier sets the leader change notifier. Nil disables notifications.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// Current returns the latest snapshot.
func (s *Service) Current() (*models.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.current != nil
}

// CheckReadiness reports ready once a snapshot is available.
func (s *Service) CheckReadiness(_ context.Context) error {
	if _, ok := s.Current(); !ok {
		return ErrNoSnapshot
	}
	return nil
}

// Refresh fetches all backend data, aligns and ranks it, and publishes the
// resulting snapshot.
func (s *Service) Refresh(ctx context.Context) (*models.Snapshot, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	start := s.clock.Now()
	s.metrics.Refreshes.Inc()

	snap, err := s.refresh(ctx)
	s.metrics.RefreshDuration.Observe(s.clock.Since(start).Seconds())
	if err != nil {
		s.metrics.RefreshFailures.Inc()
		return nil, err
	}
	return snap, nil
}

func (s *Service) refresh(ctx context.Context) (*models.Snapshot, error) {
	var (
		forecasts   map[string][]models.ForecastPoint
		resolutions []models.ResolutionPoint
		summaries   []models.AccuracySummary
	)

	// Alignment needs both forecasts and resolutions; wait for every fetch.
	p := pool.New().WithContext(ctx).WithFirstError().WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		var err error
		forecasts, err = s.backend.FetchForecasts(ctx)
		return err
	})
	p.Go(func(ctx context.Context) error {
		var err error
		resolutions, err = s.backend.FetchResolutions(ctx)
		return err
	})
	p.Go(func(ctx context.Context) error {
		var err error
		summaries, err = s.backend.FetchAccuracy(ctx)
		return err
	})
	if err := p.Wait(); err != nil {
		return nil, err
	}
	logger.Debug("Fetched %d sources, %d resolutions, %d accuracy summaries", len(forecasts), len(resolutions), len(summaries))

	records, err := s.engine.Align(forecasts, resolutions)
	if err != nil {
		var dpe *align.DateParseError
		if errors.As(err, &dpe) {
			s.metrics.DateParseErrors.Inc()
		}
		return nil, fmt.Errorf("failed to align forecasts: %w", err)
	}

	for i := range summaries {
		if err := summaries[i].Validate(); err != nil {
			s.metrics.InvalidSummaries.Inc()
			logger.Warn("Accuracy summary %d (%s) is invalid: %v", i, summaries[i].Source, err)
		}
	}
	if err := leaderboard.CheckOrdering(summaries); err != nil {
		s.metrics.OrderingViolations.Inc()
		if !s.config.AssertOrdering {
			logger.Warn("Accuracy data violates mae ordering, ranking as received: %v", err)
		}
	}
	best, hasBest, err := s.selector.Best(summaries)
	if err != nil {
		return nil, fmt.Errorf("failed to select best model: %w", err)
	}

	snap := &models.Snapshot{
		TakenAt:     s.clock.Now(),
		Series:      align.SeriesKeys(forecasts),
		Records:     records,
		Leaderboard: leaderboard.AsTable(summaries),
		Best:        best,
		HasBest:     hasBest,
	}

	if s.store != nil {
		if err := s.store.SaveSnapshot(snap); err != nil {
			logger.Warn("Failed to persist snapshot: %v", err)
		} else {
			s.metrics.SnapshotsStored.Inc()
		}
	}

	s.mu.Lock()
	prev := s.current
	s.current = snap
	s.mu.Unlock()

	s.metrics.AlignedRows.Set(float64(len(records)))
	s.metrics.SourcesTracked.Set(float64(len(forecasts)))
	if hasBest {
		s.metrics.BestModelMAE.Set(best.MAE)
	} else {
		s.metrics.BestModelMAE.Set(0)
	}

	s.reportLeaderChange(prev, snap)

	logger.Info("Refreshed chart with %d rows across %d sources (best: %s)", len(records), len(forecasts), bestLabel(snap))
	return snap, nil
}

func (s *Service) reportLeaderChange(prev, next *models.Snapshot) {
	if prev == nil || !next.HasBest {
		return
	}
	prevSource := ""
	if prev.HasBest {
		prevSource = prev.Best.Source
	}
	if prevSource == next.Best.Source {
		return
	}
	s.metrics.LeaderChanges.Inc()
	logger.Info("Most accurate model changed: %q -> %q", prevSource, next.Best.Source)
	if s.notifier == nil {
		return
	}
	if err := s.notifier.SendLeaderChange(prevSource, next.Best); err != nil {
		logger.Warn("Failed to send leader change notification: %v", err)
	}
}

// CollectAndRefresh asks the backend to collect forecasts from startDate, waits
// the configured fixed delay, and refreshes. The delay is a timing assumption;
// the backend gives no completion signal.
func (s *Service) CollectAndRefresh(ctx context.Context, startDate string) (*models.Snapshot, error) {
	s.metrics.CollectRequests.Inc()
	logger.Info("Triggering collection for %s", startDate)
	if err := s.backend.TriggerCollection(ctx, startDate); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.clock.After(s.config.CollectDelay):
	}

	return s.Refresh(ctx)
}

func bestLabel(snap *models.Snapshot) string {
	if !snap.HasBest {
		return "none"
	}
	return fmt.Sprintf("%s, mae %.2f", snap.Best.Source, snap.Best.MAE)
}
