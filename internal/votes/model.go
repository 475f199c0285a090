package votes

import (
	"errors"
	"time"
)

var (
	// ErrOptionNotFound indicates the option does not belong to the poll.
	ErrOptionNotFound = errors.New("votes: option not found on poll")
	// ErrHoldInProgress indicates another option on the poll is already being
	// held by this user; the new hold is rejected rather than pre-empting.
	ErrHoldInProgress = errors.New("votes: another option is already being held")
	// ErrHoldTooShort indicates a commit attempt before the hold duration
	// elapsed.
	ErrHoldTooShort = errors.New("votes: hold released before confirmation window elapsed")
	// ErrAlreadyVoted translates a uniqueness race on commit; upsert semantics
	// make this unreachable in practice but constraint failures still map here.
	ErrAlreadyVoted = errors.New("votes: vote already recorded")
)

// Vote is the single current vote of a user on a poll. The composite primary
// key enforces at most one row per (poll, user); edits overwrite OptionID in
// place and bump UpdatedAt.
type Vote struct {
	PollID    string    `gorm:"column:poll_id;primaryKey;size:190;not null"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	OptionID  string    `gorm:"column:option_id;size:190;not null;index"`
	VotedAt   time.Time `gorm:"column:voted_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Vote) TableName() string {
	return "user_votes"
}

// OptionTally is the authoritative per-option result, recomputed from raw
// vote rows.
type OptionTally struct {
	OptionID string  `json:"option_id"`
	Label    string  `json:"label"`
	Votes    int64   `json:"votes"`
	Percent  float64 `json:"percent"`
}

// Tally is the full result set for a poll.
type Tally struct {
	PollID     string        `json:"poll_id"`
	TotalVotes int64         `json:"total_votes"`
	Options    []OptionTally `json:"options"`
}
