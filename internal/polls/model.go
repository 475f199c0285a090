package polls

import (
	"errors"
	"time"
)

// Status enumerates the poll lifecycle states.
type Status string

const (
	// StatusActive marks a poll open for voting until it expires.
	StatusActive Status = "active"
	// StatusArchived marks a poll past its expiry, kept for results display
	// until the stale sweep deletes it.
	StatusArchived Status = "archived"
)

const (
	minOptionCount = 2
	maxOptionCount = 6
)

var (
	// ErrPollNotFound indicates the poll does not exist.
	ErrPollNotFound = errors.New("polls: poll not found")
	// ErrPollClosed indicates the poll is archived or past its expiry.
	ErrPollClosed = errors.New("polls: poll closed")
	// ErrInvalidQuestion indicates an empty or oversized question.
	ErrInvalidQuestion = errors.New("polls: invalid question")
	// ErrInvalidOptionCount indicates an option list outside the 2-6 range.
	ErrInvalidOptionCount = errors.New("polls: polls need between 2 and 6 options")
	// ErrAlreadyBoosted indicates the user already pushed this poll.
	ErrAlreadyBoosted = errors.New("polls: already boosted")
)

// Poll models a user-created, time-limited question. TotalVotes and
// BoostCount are caches refreshed opportunistically; raw vote and boost rows
// stay authoritative.
type Poll struct {
	ID         string    `gorm:"column:id;primaryKey;size:190;not null"`
	OwnerID    string    `gorm:"column:owner_id;size:190;not null;index"`
	Question   string    `gorm:"column:question;size:500;not null"`
	Status     Status    `gorm:"column:status;size:32;not null;default:active;index:idx_polls_status_expires,priority:1"`
	ExpiresAt  time.Time `gorm:"column:expires_at;not null;index:idx_polls_status_expires,priority:2"`
	TotalVotes int64     `gorm:"column:total_votes;not null;default:0"`
	BoostCount int64     `gorm:"column:boost_count;not null;default:0"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Poll) TableName() string {
	return "polls"
}

// Open reports whether the poll accepts votes at the given instant.
func (p Poll) Open(now time.Time) bool {
	return p.Status == StatusActive && p.ExpiresAt.After(now)
}

// Option models one votable answer on a poll. VoteCount is a cache.
type Option struct {
	ID        string `gorm:"column:id;primaryKey;size:190;not null"`
	PollID    string `gorm:"column:poll_id;size:190;not null;index"`
	Label     string `gorm:"column:label;size:200;not null"`
	Position  int    `gorm:"column:position;not null"`
	VoteCount int64  `gorm:"column:vote_count;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Option) TableName() string {
	return "poll_options"
}

// SavedPoll marks a poll a user bookmarked.
type SavedPoll struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	PollID    string    `gorm:"column:poll_id;primaryKey;size:190;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (SavedPoll) TableName() string {
	return "saved_polls"
}

// HiddenPoll marks a poll a user removed from their feed.
type HiddenPoll struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	PollID    string    `gorm:"column:poll_id;primaryKey;size:190;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (HiddenPoll) TableName() string {
	return "hidden_polls"
}

// Boost records a single push of a poll by a user. The composite key keeps
// boosts at one per user per poll.
type Boost struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	PollID    string    `gorm:"column:poll_id;primaryKey;size:190;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Boost) TableName() string {
	return "poll_boosts"
}
