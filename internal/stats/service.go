// Package stats computes the aggregate numbers shown on the dashboard. All
// figures derive from raw rows at query time; the denormalized counters on
// poll rows are treated as display caches and never read here.
package stats

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pushit-labs/pushit/backend/internal/holds"
	"github.com/pushit-labs/pushit/backend/internal/polls"
	"github.com/pushit-labs/pushit/backend/internal/votes"
)

var errMissingDependencies = errors.New("stats: database and hold service required")

// ServiceConfig describes the dependencies for aggregate statistics.
type ServiceConfig struct {
	Database *gorm.DB
	Holds    *holds.Service
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service answers aggregate queries across polls, votes and holds.
type Service struct {
	db     *gorm.DB
	holds  *holds.Service
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the statistics service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil || cfg.Holds == nil {
		return nil, errMissingDependencies
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, holds: cfg.Holds, clock: clock, logger: logger}, nil
}

// Summary is the aggregate snapshot for the dashboard.
type Summary struct {
	ActiveHolders  int64                `json:"active_holders"`
	HoldCountries  []holds.CountryCount `json:"hold_countries"`
	ActivePolls    int64                `json:"active_polls"`
	ArchivedPolls  int64                `json:"archived_polls"`
	TotalVotes     int64                `json:"total_votes"`
	DistinctVoters int64                `json:"distinct_voters"`
}

// Summarize recomputes the snapshot from raw rows.
func (s *Service) Summarize(ctx context.Context) (Summary, error) {
	var summary Summary
	var err error

	summary.ActiveHolders, err = s.holds.ActiveCount(ctx)
	if err != nil {
		return Summary{}, err
	}
	summary.HoldCountries, err = s.holds.CountriesHolding(ctx)
	if err != nil {
		return Summary{}, err
	}

	now := s.clock().UTC()
	if err := s.db.WithContext(ctx).Model(&polls.Poll{}).
		Where("status = ? AND expires_at > ?", polls.StatusActive, now).
		Count(&summary.ActivePolls).Error; err != nil {
		s.logger.Error("active poll count failed", zap.Error(err))
		return Summary{}, err
	}
	if err := s.db.WithContext(ctx).Model(&polls.Poll{}).
		Where("status = ?", polls.StatusArchived).
		Count(&summary.ArchivedPolls).Error; err != nil {
		s.logger.Error("archived poll count failed", zap.Error(err))
		return Summary{}, err
	}
	if err := s.db.WithContext(ctx).Model(&votes.Vote{}).
		Count(&summary.TotalVotes).Error; err != nil {
		s.logger.Error("vote count failed", zap.Error(err))
		return Summary{}, err
	}
	if err := s.db.WithContext(ctx).Model(&votes.Vote{}).
		Distinct("user_id").
		Count(&summary.DistinctVoters).Error; err != nil {
		s.logger.Error("distinct voter count failed", zap.Error(err))
		return Summary{}, err
	}

	return summary, nil
}
