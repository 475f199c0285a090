package polls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError wraps a failure with a stable operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier for the failure.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "polls.service.new"
	opCreate         = "polls.create"
	opGet            = "polls.get"
	opList           = "polls.list"
	opSave           = "polls.save"
	opHide           = "polls.hide"
	opBoost          = "polls.boost"
	opArchiveExpired = "polls.archive_expired"
	opDeleteStale    = "polls.delete_stale"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues unique identifiers for polls and options.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies for poll management.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service manages poll lifecycle: creation, feed listing, save/hide flags,
// boosts, and the archive/delete sweeps.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the poll service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// CreateRequest describes a new poll.
type CreateRequest struct {
	OwnerID   string
	Question  string
	Options   []string
	ExpiresAt time.Time
}

// PollWithOptions bundles a poll and its ordered options.
type PollWithOptions struct {
	Poll    Poll
	Options []Option
}

// Create validates and persists a poll with its options in one transaction.
func (s *Service) Create(ctx context.Context, request CreateRequest) (PollWithOptions, error) {
	question := strings.TrimSpace(request.Question)
	if question == "" || len(question) > 500 {
		return PollWithOptions{}, newServiceError(opCreate, "invalid_question", ErrInvalidQuestion)
	}
	labels := make([]string, 0, len(request.Options))
	for _, label := range request.Options {
		trimmed := strings.TrimSpace(label)
		if trimmed != "" {
			labels = append(labels, trimmed)
		}
	}
	if len(labels) < minOptionCount || len(labels) > maxOptionCount {
		return PollWithOptions{}, newServiceError(opCreate, "invalid_option_count", ErrInvalidOptionCount)
	}
	now := s.clock().UTC()
	if !request.ExpiresAt.After(now) {
		return PollWithOptions{}, newServiceError(opCreate, "expires_in_past", ErrPollClosed)
	}

	pollID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return PollWithOptions{}, newServiceError(opCreate, "id_generation_failed", err)
	}
	poll := Poll{
		ID:        pollID,
		OwnerID:   request.OwnerID,
		Question:  question,
		Status:    StatusActive,
		ExpiresAt: request.ExpiresAt.UTC(),
	}
	options := make([]Option, 0, len(labels))
	for position, label := range labels {
		optionID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreate, "id_generation_failed", err)
			return PollWithOptions{}, newServiceError(opCreate, "id_generation_failed", err)
		}
		options = append(options, Option{
			ID:       optionID,
			PollID:   pollID,
			Label:    label,
			Position: position,
		})
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&poll).Error; err != nil {
			return err
		}
		return tx.Create(&options).Error
	})
	if txErr != nil {
		s.logError(opCreate, "insert_failed", txErr, zap.String("owner_id", request.OwnerID))
		return PollWithOptions{}, newServiceError(opCreate, "insert_failed", txErr)
	}

	return PollWithOptions{Poll: poll, Options: options}, nil
}

// Get loads a poll and its options.
func (s *Service) Get(ctx context.Context, pollID string) (PollWithOptions, error) {
	var poll Poll
	err := s.db.WithContext(ctx).Where("id = ?", pollID).Take(&poll).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PollWithOptions{}, newServiceError(opGet, "not_found", ErrPollNotFound)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("poll_id", pollID))
		return PollWithOptions{}, newServiceError(opGet, "query_failed", err)
	}

	var options []Option
	if err := s.db.WithContext(ctx).
		Where("poll_id = ?", pollID).
		Order("position ASC").
		Find(&options).Error; err != nil {
		s.logError(opGet, "options_query_failed", err, zap.String("poll_id", pollID))
		return PollWithOptions{}, newServiceError(opGet, "options_query_failed", err)
	}

	return PollWithOptions{Poll: poll, Options: options}, nil
}

// ListActive returns open polls newest first, excluding any the viewer hid.
// An empty viewer id lists the unfiltered feed.
func (s *Service) ListActive(ctx context.Context, viewerID string) ([]Poll, error) {
	now := s.clock().UTC()
	query := s.db.WithContext(ctx).Model(&Poll{}).
		Where("status = ? AND expires_at > ?", StatusActive, now).
		Order("created_at DESC")
	if viewerID != "" {
		query = query.Where("id NOT IN (?)",
			s.db.Model(&HiddenPoll{}).Select("poll_id").Where("user_id = ?", viewerID))
	}

	var result []Poll
	if err := query.Find(&result).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("viewer_id", viewerID))
		return nil, newServiceError(opList, "query_failed", err)
	}
	return result, nil
}

// Save bookmarks a poll for a user. Saving twice is a no-op.
func (s *Service) Save(ctx context.Context, userID, pollID string) error {
	if err := s.requirePoll(ctx, opSave, pollID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&SavedPoll{UserID: userID, PollID: pollID, CreatedAt: s.clock().UTC()}).Error
	if err != nil {
		s.logError(opSave, "insert_failed", err, zap.String("poll_id", pollID))
		return newServiceError(opSave, "insert_failed", err)
	}
	return nil
}

// Unsave removes a bookmark. Removing an absent bookmark is a no-op.
func (s *Service) Unsave(ctx context.Context, userID, pollID string) error {
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND poll_id = ?", userID, pollID).
		Delete(&SavedPoll{}).Error
	if err != nil {
		s.logError(opSave, "delete_failed", err, zap.String("poll_id", pollID))
		return newServiceError(opSave, "delete_failed", err)
	}
	return nil
}

// Saved lists the polls a user bookmarked, newest bookmark first.
func (s *Service) Saved(ctx context.Context, userID string) ([]Poll, error) {
	var result []Poll
	err := s.db.WithContext(ctx).Model(&Poll{}).
		Joins("JOIN saved_polls ON saved_polls.poll_id = polls.id AND saved_polls.user_id = ?", userID).
		Order("saved_polls.created_at DESC").
		Find(&result).Error
	if err != nil {
		s.logError(opSave, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opSave, "query_failed", err)
	}
	return result, nil
}

// Hide removes a poll from a user's feed. Hiding twice is a no-op.
func (s *Service) Hide(ctx context.Context, userID, pollID string) error {
	if err := s.requirePoll(ctx, opHide, pollID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&HiddenPoll{UserID: userID, PollID: pollID, CreatedAt: s.clock().UTC()}).Error
	if err != nil {
		s.logError(opHide, "insert_failed", err, zap.String("poll_id", pollID))
		return newServiceError(opHide, "insert_failed", err)
	}
	return nil
}

// Unhide restores a hidden poll to the feed. Restoring an absent row is a no-op.
func (s *Service) Unhide(ctx context.Context, userID, pollID string) error {
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND poll_id = ?", userID, pollID).
		Delete(&HiddenPoll{}).Error
	if err != nil {
		s.logError(opHide, "delete_failed", err, zap.String("poll_id", pollID))
		return newServiceError(opHide, "delete_failed", err)
	}
	return nil
}

// BoostPoll records a push for the poll, at most once per user. The cached
// boost counter on the poll row is refreshed from the raw boost rows.
func (s *Service) BoostPoll(ctx context.Context, userID, pollID string) (int64, error) {
	var poll Poll
	err := s.db.WithContext(ctx).Where("id = ?", pollID).Take(&poll).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, newServiceError(opBoost, "not_found", ErrPollNotFound)
	}
	if err != nil {
		s.logError(opBoost, "query_failed", err, zap.String("poll_id", pollID))
		return 0, newServiceError(opBoost, "query_failed", err)
	}
	if !poll.Open(s.clock().UTC()) {
		return 0, newServiceError(opBoost, "poll_closed", ErrPollClosed)
	}

	var total int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		insert := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&Boost{UserID: userID, PollID: pollID, CreatedAt: s.clock().UTC()})
		if insert.Error != nil {
			return insert.Error
		}
		if insert.RowsAffected == 0 {
			return ErrAlreadyBoosted
		}
		if err := tx.Model(&Boost{}).Where("poll_id = ?", pollID).Count(&total).Error; err != nil {
			return err
		}
		return tx.Model(&Poll{}).Where("id = ?", pollID).Update("boost_count", total).Error
	})
	if errors.Is(txErr, ErrAlreadyBoosted) {
		return 0, newServiceError(opBoost, "already_boosted", ErrAlreadyBoosted)
	}
	if txErr != nil {
		s.logError(opBoost, "insert_failed", txErr, zap.String("poll_id", pollID))
		return 0, newServiceError(opBoost, "insert_failed", txErr)
	}
	return total, nil
}

// ArchiveExpired flips active polls past their expiry to archived and returns
// how many changed.
func (s *Service) ArchiveExpired(ctx context.Context) (int64, error) {
	now := s.clock().UTC()
	update := s.db.WithContext(ctx).Model(&Poll{}).
		Where("status = ? AND expires_at <= ?", StatusActive, now).
		Update("status", StatusArchived)
	if update.Error != nil {
		s.logError(opArchiveExpired, "update_failed", update.Error)
		return 0, newServiceError(opArchiveExpired, "update_failed", update.Error)
	}
	return update.RowsAffected, nil
}

// DeleteStale hard-deletes archived polls whose expiry is older than the
// retention window, together with their options and per-user flags. Vote rows
// for deleted polls go with them; results for archived polls inside the
// window stay queryable.
func (s *Service) DeleteStale(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.clock().UTC().Add(-retention)

	var staleIDs []string
	if err := s.db.WithContext(ctx).Model(&Poll{}).
		Where("status = ? AND expires_at <= ?", StatusArchived, cutoff).
		Pluck("id", &staleIDs).Error; err != nil {
		s.logError(opDeleteStale, "query_failed", err)
		return 0, newServiceError(opDeleteStale, "query_failed", err)
	}
	if len(staleIDs) == 0 {
		return 0, nil
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("poll_id IN ?", staleIDs).Delete(&Option{}).Error; err != nil {
			return err
		}
		if err := tx.Where("poll_id IN ?", staleIDs).Delete(&SavedPoll{}).Error; err != nil {
			return err
		}
		if err := tx.Where("poll_id IN ?", staleIDs).Delete(&HiddenPoll{}).Error; err != nil {
			return err
		}
		if err := tx.Where("poll_id IN ?", staleIDs).Delete(&Boost{}).Error; err != nil {
			return err
		}
		if err := tx.Exec("DELETE FROM user_votes WHERE poll_id IN ?", staleIDs).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", staleIDs).Delete(&Poll{}).Error
	})
	if txErr != nil {
		s.logError(opDeleteStale, "delete_failed", txErr)
		return 0, newServiceError(opDeleteStale, "delete_failed", txErr)
	}
	return int64(len(staleIDs)), nil
}

func (s *Service) requirePoll(ctx context.Context, operation, pollID string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Poll{}).Where("id = ?", pollID).Count(&count).Error; err != nil {
		s.logError(operation, "query_failed", err, zap.String("poll_id", pollID))
		return newServiceError(operation, "query_failed", err)
	}
	if count == 0 {
		return newServiceError(operation, "not_found", ErrPollNotFound)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("poll service error", attrs...)
}
