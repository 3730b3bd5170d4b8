// Package trigger runs the maintenance jobs a live deployment needs on a
// clock rather than on a request: refreshing per-tenant personalisation
// centroids and sweeping stale secrets/evidence for retention compliance.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/talon-legal/internal/retrieval"
)

// CentroidSource computes the current personalisation centroid for a
// tenant+theme pair, typically backed by the vector leg's stored embeddings.
type CentroidSource interface {
	ComputeCentroid(ctx context.Context, tenantID string, maxPoints int) ([]float32, int, error)
}

// RetentionSweeper runs one pass of a retention policy and reports what it
// touched, for logging. Implemented by internal/secrets (stale-key rotation)
// and any other store that needs a periodic compliance sweep.
type RetentionSweeper interface {
	Name() string
	Sweep(ctx context.Context) (affected []string, err error)
}

// Scheduler drives cron-triggered centroid refreshes and retention sweeps.
// Cron expressions use the standard 5-field format: minute hour day-of-month
// month day-of-week (e.g. "0 3 * * *" for 03:00 daily). Do not use
// WithSeconds() so docs and configs match.
type Scheduler struct {
	cron      *cron.Cron
	federator *retrieval.Federator
	source    CentroidSource
	sweepers  []RetentionSweeper
	tenants   func() []string
}

// NewScheduler creates a scheduler that refreshes the given federator's
// personalisation centroids from source and runs the given sweepers.
// tenants lists which tenant ids to refresh centroids for on each tick.
func NewScheduler(federator *retrieval.Federator, source CentroidSource, sweepers []RetentionSweeper, tenants func() []string) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		federator: federator,
		source:    source,
		sweepers:  sweepers,
		tenants:   tenants,
	}
}

// RegisterCentroidRefresh schedules a personalisation centroid refresh at
// the given cron expression. maxPoints bounds how many stored embeddings
// per tenant contribute to the average.
func (s *Scheduler) RegisterCentroidRefresh(cronExpr string, theme string, maxPoints int) error {
	if s.federator == nil || s.source == nil {
		return nil
	}
	_, err := s.cron.AddFunc(cronExpr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		s.refreshCentroids(ctx, theme, maxPoints)
	})
	if err != nil {
		return fmt.Errorf("trigger: registering centroid refresh %q: %w", cronExpr, err)
	}
	return nil
}

func (s *Scheduler) refreshCentroids(ctx context.Context, theme string, maxPoints int) {
	centroids := make(map[retrieval.CentroidKey]retrieval.Centroid)
	for _, tenantID := range s.tenants() {
		vec, count, err := s.source.ComputeCentroid(ctx, tenantID, maxPoints)
		if err != nil {
			log.Error().Err(err).Str("tenant_id", tenantID).Msg("centroid_refresh_failed")
			continue
		}
		if count == 0 {
			continue
		}
		centroids[retrieval.CentroidKey{TenantID: tenantID, Theme: theme}] = retrieval.Centroid{
			Vector:    vec,
			UpdatedAt: time.Now(),
		}
	}
	s.federator.SetCentroids(centroids)
	log.Info().Int("tenants", len(centroids)).Msg("centroid_refresh_completed")
}

// RegisterRetentionSweep schedules every configured sweeper to run together
// at the given cron expression.
func (s *Scheduler) RegisterRetentionSweep(cronExpr string) error {
	if len(s.sweepers) == 0 {
		return nil
	}
	_, err := s.cron.AddFunc(cronExpr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		for _, sweeper := range s.sweepers {
			affected, err := sweeper.Sweep(ctx)
			if err != nil {
				log.Error().Err(err).Str("sweeper", sweeper.Name()).Msg("retention_sweep_failed")
				continue
			}
			log.Info().Str("sweeper", sweeper.Name()).Int("affected", len(affected)).Msg("retention_sweep_completed")
		}
	})
	if err != nil {
		return fmt.Errorf("trigger: registering retention sweep %q: %w", cronExpr, err)
	}
	return nil
}

// Start begins executing registered cron jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered cron entries (for testing).
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
