package votes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pushit-labs/pushit/backend/internal/holds"
	"github.com/pushit-labs/pushit/backend/internal/polls"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingHolds    = errors.New("hold service is required")
	noOpLogger         = zap.NewNop()
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
	opServiceNew    = "votes.service.new"
	opStartHold     = "votes.start_hold"
	opCancelHold    = "votes.cancel_hold"
	opCommit        = "votes.commit"
	opTally         = "votes.tally"
	opCurrent       = "votes.current"
	opRefreshCaches = "votes.refresh_caches"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies for vote management.
type ServiceConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	Holds        *holds.Service
	Logger       *zap.Logger
	HoldDuration time.Duration
}

// Service implements the hold-to-vote confirmation protocol server side:
// option holds are hold sessions targeting a poll option, and a commit is
// accepted only from a live session held for the full confirmation window.
type Service struct {
	db           *gorm.DB
	clock        func() time.Time
	holds        *holds.Service
	logger       *zap.Logger
	holdDuration time.Duration
}

// NewService constructs the vote service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Holds == nil {
		return nil, newServiceError(opServiceNew, "missing_holds", errMissingHolds)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	duration := cfg.HoldDuration
	if duration <= 0 {
		duration = DefaultHoldDuration
	}
	return &Service{
		db:           cfg.Database,
		clock:        clock,
		holds:        cfg.Holds,
		logger:       logger,
		holdDuration: duration,
	}, nil
}

// HoldDuration exposes the confirmation window for clients.
func (s *Service) HoldDuration() time.Duration {
	return s.holdDuration
}

// StartHold opens a vote-hold session on a poll option. Preconditions are
// checked synchronously before any row is written: the poll must be open, the
// option must belong to it, and no other option on the poll may already be
// held by this user. A user who already voted may hold again; re-voting
// overwrites their row on commit.
func (s *Service) StartHold(ctx context.Context, userID, pollID, optionID, locationLabel string) (holds.Session, error) {
	option, err := s.requireOpenOption(ctx, opStartHold, pollID, optionID)
	if err != nil {
		return holds.Session{}, err
	}

	siblingIDs, err := s.optionIDs(ctx, opStartHold, pollID)
	if err != nil {
		return holds.Session{}, err
	}
	for _, siblingID := range siblingIDs {
		if siblingID == option.ID {
			continue
		}
		count, err := s.holdersByOwner(ctx, userID, siblingID)
		if err != nil {
			return holds.Session{}, newServiceError(opStartHold, "hold_query_failed", err)
		}
		if count > 0 {
			return holds.Session{}, newServiceError(opStartHold, "hold_in_progress", ErrHoldInProgress)
		}
	}

	session, err := s.holds.StartSession(ctx, holds.StartRequest{
		OwnerID:       userID,
		TargetKind:    holds.TargetPollOption,
		TargetID:      optionID,
		LocationLabel: locationLabel,
	})
	if err != nil {
		return holds.Session{}, newServiceError(opStartHold, "session_start_failed", err)
	}
	return session, nil
}

// CancelHold releases a vote-hold without committing. Cancelling an unknown
// or already-ended session is a no-op; a cancel never touches vote rows.
func (s *Service) CancelHold(ctx context.Context, userID string, sessionID holds.SessionID) error {
	if err := s.holds.EndSession(ctx, sessionID, userID); err != nil {
		return newServiceError(opCancelHold, "session_end_failed", err)
	}
	return nil
}

// CommitVote records the vote at the end of a completed hold. The session
// must still be live, target the submitted option, and have been held for the
// full confirmation window (an exact-boundary release commits). The vote row
// is upserted on (poll_id, user_id) so concurrent duplicate submissions from
// the same user converge to one row, and an edit overwrites in place with no
// window where the row is absent.
func (s *Service) CommitVote(ctx context.Context, userID, pollID, optionID string, sessionID holds.SessionID) (Tally, error) {
	if _, err := s.requireOpenOption(ctx, opCommit, pollID, optionID); err != nil {
		return Tally{}, err
	}

	session, err := s.holds.FindLive(ctx, sessionID, userID)
	if err != nil {
		if errors.Is(err, holds.ErrSessionNotLive) {
			return Tally{}, newServiceError(opCommit, "session_not_live", holds.ErrSessionNotLive)
		}
		return Tally{}, newServiceError(opCommit, "session_query_failed", err)
	}
	if session.TargetKind != holds.TargetPollOption || session.TargetID != optionID {
		return Tally{}, newServiceError(opCommit, "session_target_mismatch", ErrOptionNotFound)
	}
	now := s.clock().UTC()
	if now.Sub(session.StartedAt) < s.holdDuration {
		return Tally{}, newServiceError(opCommit, "hold_too_short", ErrHoldTooShort)
	}

	vote := Vote{
		PollID:    pollID,
		UserID:    userID,
		OptionID:  optionID,
		VotedAt:   now,
		UpdatedAt: now,
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "poll_id"}, {Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"option_id": optionID, "updated_at": now}),
		}).
		Create(&vote).Error
	if err != nil {
		if isUniqueViolation(err) {
			return Tally{}, newServiceError(opCommit, "already_voted", ErrAlreadyVoted)
		}
		s.logError(opCommit, "upsert_failed", err, zap.String("poll_id", pollID), zap.String("user_id", userID))
		return Tally{}, newServiceError(opCommit, "upsert_failed", err)
	}

	if err := s.holds.EndSession(ctx, sessionID, userID); err != nil {
		// Vote landed; the reaper will close the session if this fails.
		s.logger.Warn("ending vote hold after commit failed",
			zap.String("session_id", sessionID.String()), zap.Error(err))
	}

	tally, err := s.TallyPoll(ctx, pollID)
	if err != nil {
		return Tally{}, err
	}
	s.refreshCachedCounts(ctx, pollID, tally)
	return tally, nil
}

// CurrentVote returns the user's vote on a poll, or nil when absent.
func (s *Service) CurrentVote(ctx context.Context, userID, pollID string) (*Vote, error) {
	var vote Vote
	err := s.db.WithContext(ctx).
		Where("poll_id = ? AND user_id = ?", pollID, userID).
		Take(&vote).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opCurrent, "query_failed", err, zap.String("poll_id", pollID))
		return nil, newServiceError(opCurrent, "query_failed", err)
	}
	return &vote, nil
}

// TallyPoll recomputes poll results from raw vote rows. Percentages use the
// sum of vote rows for the poll as the denominator; the denormalized counters
// on poll and option rows are never consulted.
func (s *Service) TallyPoll(ctx context.Context, pollID string) (Tally, error) {
	var options []polls.Option
	if err := s.db.WithContext(ctx).
		Where("poll_id = ?", pollID).
		Order("position ASC").
		Find(&options).Error; err != nil {
		s.logError(opTally, "options_query_failed", err, zap.String("poll_id", pollID))
		return Tally{}, newServiceError(opTally, "options_query_failed", err)
	}
	if len(options) == 0 {
		return Tally{}, newServiceError(opTally, "not_found", polls.ErrPollNotFound)
	}

	type optionCount struct {
		OptionID string `gorm:"column:option_id"`
		Count    int64  `gorm:"column:count"`
	}
	var counts []optionCount
	if err := s.db.WithContext(ctx).Model(&Vote{}).
		Select("option_id, COUNT(*) as count").
		Where("poll_id = ?", pollID).
		Group("option_id").
		Find(&counts).Error; err != nil {
		s.logError(opTally, "votes_query_failed", err, zap.String("poll_id", pollID))
		return Tally{}, newServiceError(opTally, "votes_query_failed", err)
	}

	byOption := make(map[string]int64, len(counts))
	var total int64
	for _, row := range counts {
		byOption[row.OptionID] = row.Count
		total += row.Count
	}

	tally := Tally{PollID: pollID, TotalVotes: total, Options: make([]OptionTally, 0, len(options))}
	for _, option := range options {
		voteCount := byOption[option.ID]
		percent := 0.0
		if total > 0 {
			percent = float64(voteCount) / float64(total) * 100
		}
		tally.Options = append(tally.Options, OptionTally{
			OptionID: option.ID,
			Label:    option.Label,
			Votes:    voteCount,
			Percent:  percent,
		})
	}
	return tally, nil
}

// refreshCachedCounts writes the recomputed totals back to the denormalized
// counters. The caches exist for cheap feed rendering only; failures here are
// logged and dropped because nothing reads them for correctness.
func (s *Service) refreshCachedCounts(ctx context.Context, pollID string, tally Tally) {
	if err := s.db.WithContext(ctx).Model(&polls.Poll{}).
		Where("id = ?", pollID).
		Update("total_votes", tally.TotalVotes).Error; err != nil {
		s.logError(opRefreshCaches, "poll_update_failed", err, zap.String("poll_id", pollID))
	}
	for _, option := range tally.Options {
		if err := s.db.WithContext(ctx).Model(&polls.Option{}).
			Where("id = ?", option.OptionID).
			Update("vote_count", option.Votes).Error; err != nil {
			s.logError(opRefreshCaches, "option_update_failed", err, zap.String("option_id", option.OptionID))
		}
	}
}

func (s *Service) requireOpenOption(ctx context.Context, operation, pollID, optionID string) (polls.Option, error) {
	var poll polls.Poll
	err := s.db.WithContext(ctx).Where("id = ?", pollID).Take(&poll).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return polls.Option{}, newServiceError(operation, "poll_not_found", polls.ErrPollNotFound)
	}
	if err != nil {
		s.logError(operation, "poll_query_failed", err, zap.String("poll_id", pollID))
		return polls.Option{}, newServiceError(operation, "poll_query_failed", err)
	}
	if !poll.Open(s.clock().UTC()) {
		return polls.Option{}, newServiceError(operation, "poll_closed", polls.ErrPollClosed)
	}

	var option polls.Option
	err = s.db.WithContext(ctx).
		Where("id = ? AND poll_id = ?", optionID, pollID).
		Take(&option).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return polls.Option{}, newServiceError(operation, "option_not_found", ErrOptionNotFound)
	}
	if err != nil {
		s.logError(operation, "option_query_failed", err, zap.String("option_id", optionID))
		return polls.Option{}, newServiceError(operation, "option_query_failed", err)
	}
	return option, nil
}

func (s *Service) optionIDs(ctx context.Context, operation, pollID string) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&polls.Option{}).
		Where("poll_id = ?", pollID).
		Pluck("id", &ids).Error; err != nil {
		s.logError(operation, "options_query_failed", err, zap.String("poll_id", pollID))
		return nil, newServiceError(operation, "options_query_failed", err)
	}
	return ids, nil
}

func (s *Service) holdersByOwner(ctx context.Context, ownerID, optionID string) (int64, error) {
	cutoff := s.clock().UTC().Add(-s.holds.LivenessTimeout())
	var count int64
	err := s.db.WithContext(ctx).Model(&holds.Session{}).
		Where("owner_id = ? AND target_kind = ? AND target_id = ? AND is_active = ?",
			ownerID, holds.TargetPollOption, optionID, true).
		Where("COALESCE(last_heartbeat_at, started_at) > ?", cutoff).
		Count(&count).Error
	return count, err
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") || strings.Contains(message, "constraint failed")
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
	s.logger.Error("vote service error", attrs...)
}
