package holds

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TargetKind enumerates what a hold session is pressing on.
type TargetKind string

const (
	// TargetGlobalButton marks a hold on the shared global button.
	TargetGlobalButton TargetKind = "global_button"
	// TargetPollOption marks a hold on a specific poll option.
	TargetPollOption TargetKind = "poll_option"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidSessionID indicates that a session identifier is empty or exceeds storage bounds.
	ErrInvalidSessionID = errors.New("holds: invalid session id")
	// ErrInvalidTargetKind indicates an unknown hold target.
	ErrInvalidTargetKind = errors.New("holds: invalid target kind")
	// ErrMissingTargetID indicates a poll-option hold without an option identifier.
	ErrMissingTargetID = errors.New("holds: target id required for poll option holds")
	// ErrSessionNotLive indicates a heartbeat against a session that has ended
	// or whose liveness window has elapsed.
	ErrSessionNotLive = errors.New("holds: session not live")
)

// SessionID represents a validated hold session identifier.
type SessionID string

// NewSessionID validates raw input and returns a SessionID.
func NewSessionID(rawInput string) (SessionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSessionID, maxIdentifierLength)
	}
	return SessionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id SessionID) String() string {
	return string(id)
}

// ParseTargetKind validates raw input against the known hold targets.
func ParseTargetKind(rawInput string) (TargetKind, error) {
	switch TargetKind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case TargetGlobalButton:
		return TargetGlobalButton, nil
	case TargetPollOption:
		return TargetPollOption, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTargetKind, rawInput)
	}
}

// Session models a transient hold record shared across all clients. The row
// is created on press-down, refreshed by heartbeats while held, and either
// ended explicitly on release or reaped once its liveness window elapses.
type Session struct {
	ID              string     `gorm:"column:id;primaryKey;size:190;not null"`
	OwnerID         string     `gorm:"column:owner_id;size:190;index:idx_holds_owner_target,priority:1"`
	TargetKind      TargetKind `gorm:"column:target_kind;size:32;not null;index:idx_holds_owner_target,priority:2"`
	TargetID        string     `gorm:"column:target_id;size:190;index:idx_holds_owner_target,priority:3"`
	StartedAt       time.Time  `gorm:"column:started_at;not null"`
	LastHeartbeatAt *time.Time `gorm:"column:last_heartbeat_at"`
	EndedAt         *time.Time `gorm:"column:ended_at"`
	IsActive        bool       `gorm:"column:is_active;not null;default:true;index"`
	LocationLabel   string     `gorm:"column:location_label;size:64"`
}

// TableName provides the explicit table binding for GORM.
func (Session) TableName() string {
	return "button_holds"
}

// Lease materializes the session's liveness window for the given timeout,
// folding in the latest heartbeat.
func (s Session) Lease(timeout time.Duration) Lease {
	lease := NewLease(s.StartedAt, timeout)
	if s.LastHeartbeatAt != nil {
		lease.Renew(*s.LastHeartbeatAt)
	}
	return lease
}

// LivenessReference returns the timestamp liveness is measured from: the most
// recent heartbeat when one exists, otherwise the session start.
func (s Session) LivenessReference() time.Time {
	return s.Lease(0).Reference()
}

// Live reports whether the session still counts as held at the given instant.
// A session is live while it is active and its lease has not lapsed; rows
// failing this are logically dead even before the reaper physically
// deactivates them.
func (s Session) Live(now time.Time, timeout time.Duration) bool {
	if !s.IsActive {
		return false
	}
	return s.Lease(timeout).Live(now)
}
