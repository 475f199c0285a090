package holds

import "time"

// Lease tracks the liveness window of a single hold session without touching
// real timers. Renewals move the reference point forward; expiry is a pure
// function of an injected "now" so the logic is testable with a fake clock.
type Lease struct {
	startedAt time.Time
	renewedAt time.Time
	timeout   time.Duration
}

// NewLease starts a lease at the given instant with the supplied timeout.
func NewLease(startedAt time.Time, timeout time.Duration) Lease {
	return Lease{
		startedAt: startedAt,
		renewedAt: startedAt,
		timeout:   timeout,
	}
}

// Renew moves the liveness reference to the given instant. Renewals never
// move the reference backwards.
func (l *Lease) Renew(now time.Time) {
	if now.After(l.renewedAt) {
		l.renewedAt = now
	}
}

// Reference returns the instant liveness is currently measured from.
func (l Lease) Reference() time.Time {
	return l.renewedAt
}

// ExpiresAt returns the instant the lease lapses absent further renewal.
func (l Lease) ExpiresAt() time.Time {
	return l.renewedAt.Add(l.timeout)
}

// Live reports whether the lease still holds at the given instant.
func (l Lease) Live(now time.Time) bool {
	return now.Before(l.ExpiresAt())
}
