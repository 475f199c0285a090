package holds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DefaultHeartbeatInterval is how often a holding client refreshes liveness.
	DefaultHeartbeatInterval = 3 * time.Second
	// DefaultLivenessTimeout is the maximum heartbeat silence before a session
	// is considered dead. It must cover at least two missed heartbeats so a
	// single dropped request does not reap a healthy hold.
	DefaultLivenessTimeout = 10 * time.Second
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
	opServiceNew   = "holds.service.new"
	opStartSession = "holds.start_session"
	opHeartbeat    = "holds.heartbeat"
	opEndSession   = "holds.end_session"
	opActiveCount  = "holds.active_count"
	opFindLive     = "holds.find_live"
	opReapStale    = "holds.reap_stale"
	opCountries    = "holds.countries"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues unique identifiers for new sessions.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies for the hold session manager.
type ServiceConfig struct {
	Database          *gorm.DB
	Clock             func() time.Time
	IDProvider        IDProvider
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration
}

// Service manages the shared table of transient hold sessions: the global
// button presence rows and the per-option vote-hold rows.
type Service struct {
	db                *gorm.DB
	clock             func() time.Time
	idProvider        IDProvider
	logger            *zap.Logger
	heartbeatInterval time.Duration
	livenessTimeout   time.Duration
}

// NewService constructs the hold session manager.
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
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	timeout := cfg.LivenessTimeout
	if timeout <= 0 {
		timeout = DefaultLivenessTimeout
	}
	if timeout < 2*heartbeat {
		return nil, newServiceError(opServiceNew, "timeout_too_short",
			fmt.Errorf("liveness timeout %s must cover at least two heartbeat intervals of %s", timeout, heartbeat))
	}

	return &Service{
		db:                cfg.Database,
		clock:             clock,
		idProvider:        cfg.IDProvider,
		logger:            logger,
		heartbeatInterval: heartbeat,
		livenessTimeout:   timeout,
	}, nil
}

// HeartbeatInterval exposes the configured refresh cadence for clients.
func (s *Service) HeartbeatInterval() time.Duration {
	return s.heartbeatInterval
}

// LivenessTimeout exposes the configured silence window.
func (s *Service) LivenessTimeout() time.Duration {
	return s.livenessTimeout
}

// StartRequest describes a new hold session.
type StartRequest struct {
	OwnerID       string
	TargetKind    TargetKind
	TargetID      string
	LocationLabel string
}

// StartSession records a new active hold. Any prior active session for the
// same owner and target is superseded inside the same transaction, so an
// owner never accumulates two active rows for one target.
func (s *Service) StartSession(ctx context.Context, request StartRequest) (Session, error) {
	if request.TargetKind != TargetGlobalButton && request.TargetKind != TargetPollOption {
		return Session{}, newServiceError(opStartSession, "invalid_target_kind", fmt.Errorf("%w: %q", ErrInvalidTargetKind, request.TargetKind))
	}
	if request.TargetKind == TargetPollOption && request.TargetID == "" {
		return Session{}, newServiceError(opStartSession, "missing_target_id", ErrMissingTargetID)
	}

	sessionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opStartSession, "id_generation_failed", err)
		return Session{}, newServiceError(opStartSession, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	session := Session{
		ID:            sessionID,
		OwnerID:       request.OwnerID,
		TargetKind:    request.TargetKind,
		TargetID:      request.TargetID,
		StartedAt:     now,
		IsActive:      true,
		LocationLabel: request.LocationLabel,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if request.OwnerID != "" {
			supersede := tx.Model(&Session{}).
				Where("owner_id = ? AND target_kind = ? AND target_id = ? AND is_active = ?",
					request.OwnerID, request.TargetKind, request.TargetID, true).
				Updates(map[string]interface{}{"is_active": false, "ended_at": now})
			if supersede.Error != nil {
				return supersede.Error
			}
		}
		return tx.Create(&session).Error
	})
	if txErr != nil {
		s.logError(opStartSession, "insert_failed", txErr,
			zap.String("owner_id", request.OwnerID),
			zap.String("target_kind", string(request.TargetKind)))
		return Session{}, newServiceError(opStartSession, "insert_failed", txErr)
	}

	return session, nil
}

// Heartbeat refreshes the liveness reference of an active session. Sessions
// that have ended, been reaped, or gone silent past the liveness window
// cannot be revived; the caller must start a fresh session.
func (s *Service) Heartbeat(ctx context.Context, sessionID SessionID, ownerID string) error {
	now := s.clock().UTC()
	cutoff := now.Add(-s.livenessTimeout)

	update := s.db.WithContext(ctx).Model(&Session{}).
		Where("id = ? AND owner_id = ? AND is_active = ?", sessionID.String(), ownerID, true).
		Where("COALESCE(last_heartbeat_at, started_at) > ?", cutoff).
		Update("last_heartbeat_at", now)
	if update.Error != nil {
		s.logError(opHeartbeat, "update_failed", update.Error, zap.String("session_id", sessionID.String()))
		return newServiceError(opHeartbeat, "update_failed", update.Error)
	}
	if update.RowsAffected == 0 {
		return newServiceError(opHeartbeat, "not_live", ErrSessionNotLive)
	}
	return nil
}

// EndSession marks a session inactive. Ending an unknown, foreign, or
// already-ended session is a no-op, never an error, so release and reap can
// race without either side failing.
func (s *Service) EndSession(ctx context.Context, sessionID SessionID, ownerID string) error {
	now := s.clock().UTC()
	update := s.db.WithContext(ctx).Model(&Session{}).
		Where("id = ? AND owner_id = ? AND is_active = ?", sessionID.String(), ownerID, true).
		Updates(map[string]interface{}{"is_active": false, "ended_at": now})
	if update.Error != nil {
		s.logError(opEndSession, "update_failed", update.Error, zap.String("session_id", sessionID.String()))
		return newServiceError(opEndSession, "update_failed", update.Error)
	}
	return nil
}

// ActiveCount returns the number of live global-button holds. The query
// reconciles against the liveness window directly rather than trusting the
// is_active flag, so stale rows awaiting the reaper never inflate the count.
func (s *Service) ActiveCount(ctx context.Context) (int64, error) {
	return s.liveCount(ctx, TargetGlobalButton, "")
}

// OptionHolderCount returns the number of live holds on a poll option.
func (s *Service) OptionHolderCount(ctx context.Context, optionID string) (int64, error) {
	return s.liveCount(ctx, TargetPollOption, optionID)
}

func (s *Service) liveCount(ctx context.Context, kind TargetKind, targetID string) (int64, error) {
	cutoff := s.clock().UTC().Add(-s.livenessTimeout)
	query := s.db.WithContext(ctx).Model(&Session{}).
		Where("target_kind = ? AND is_active = ?", kind, true).
		Where("COALESCE(last_heartbeat_at, started_at) > ?", cutoff)
	if targetID != "" {
		query = query.Where("target_id = ?", targetID)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		s.logError(opActiveCount, "query_failed", err, zap.String("target_kind", string(kind)))
		return 0, newServiceError(opActiveCount, "query_failed", err)
	}
	return count, nil
}

// FindLive fetches a session by id and owner provided it is still live.
// Returns ErrSessionNotLive when missing, ended, or silent past the window.
func (s *Service) FindLive(ctx context.Context, sessionID SessionID, ownerID string) (Session, error) {
	var session Session
	err := s.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", sessionID.String(), ownerID).
		Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, newServiceError(opFindLive, "not_live", ErrSessionNotLive)
	}
	if err != nil {
		s.logError(opFindLive, "query_failed", err, zap.String("session_id", sessionID.String()))
		return Session{}, newServiceError(opFindLive, "query_failed", err)
	}
	if !session.Live(s.clock().UTC(), s.livenessTimeout) {
		return Session{}, newServiceError(opFindLive, "not_live", ErrSessionNotLive)
	}
	return session, nil
}

// ReapStale deactivates sessions whose liveness window elapsed without an
// explicit end. This is the authoritative backstop for abrupt client
// termination; explicit EndSession remains the fast path.
func (s *Service) ReapStale(ctx context.Context) (int64, error) {
	now := s.clock().UTC()
	cutoff := now.Add(-s.livenessTimeout)

	update := s.db.WithContext(ctx).Model(&Session{}).
		Where("is_active = ?", true).
		Where("COALESCE(last_heartbeat_at, started_at) <= ?", cutoff).
		Updates(map[string]interface{}{"is_active": false, "ended_at": now})
	if update.Error != nil {
		s.logError(opReapStale, "update_failed", update.Error)
		return 0, newServiceError(opReapStale, "update_failed", update.Error)
	}
	return update.RowsAffected, nil
}

// CountryCount pairs a location label with its live hold count.
type CountryCount struct {
	LocationLabel string `gorm:"column:location_label"`
	Count         int64  `gorm:"column:count"`
}

// CountriesHolding aggregates live global-button holds per location label.
// Labels are best effort; unknown locations group under the empty string.
func (s *Service) CountriesHolding(ctx context.Context) ([]CountryCount, error) {
	cutoff := s.clock().UTC().Add(-s.livenessTimeout)

	var counts []CountryCount
	err := s.db.WithContext(ctx).Model(&Session{}).
		Select("location_label, COUNT(*) as count").
		Where("target_kind = ? AND is_active = ?", TargetGlobalButton, true).
		Where("COALESCE(last_heartbeat_at, started_at) > ?", cutoff).
		Group("location_label").
		Order("count DESC").
		Find(&counts).Error
	if err != nil {
		s.logError(opCountries, "query_failed", err)
		return nil, newServiceError(opCountries, "query_failed", err)
	}
	return counts, nil
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
	s.logger.Error("hold service error", attrs...)
}
