// Package queue publishes lifecycle events for external consumers (stats
// pipelines, moderation tooling). Publishing is fire-and-forget: failures are
// logged and never interrupt the request path.
package queue

import "time"

// Queue names for lifecycle events.
const (
	QueueHoldReaped    = "hold.reaped"
	QueuePollArchived  = "poll.archived"
	QueuePollDeleted   = "poll.deleted"
	QueueVoteCommitted = "vote.committed"
)

// HoldReapedEvent reports a reaper sweep that closed stale sessions.
type HoldReapedEvent struct {
	Reaped      int64     `json:"reaped"`
	ActiveCount int64     `json:"active_count"`
	SweptAt     time.Time `json:"swept_at"`
}

// PollLifecycleEvent reports an archive or delete sweep.
type PollLifecycleEvent struct {
	Archived int64     `json:"archived"`
	Deleted  int64     `json:"deleted"`
	SweptAt  time.Time `json:"swept_at"`
}

// VoteCommittedEvent reports a confirmed vote.
type VoteCommittedEvent struct {
	PollID     string    `json:"poll_id"`
	OptionID   string    `json:"option_id"`
	TotalVotes int64     `json:"total_votes"`
	VotedAt    time.Time `json:"voted_at"`
}
