package holds

import (
	"testing"
	"time"
)

func TestLeaseLivesUntilTimeout(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	lease := NewLease(start, 10*time.Second)

	if !lease.Live(start) {
		t.Fatalf("expected lease live at start")
	}
	if !lease.Live(start.Add(9 * time.Second)) {
		t.Fatalf("expected lease live inside window")
	}
	if lease.Live(start.Add(10 * time.Second)) {
		t.Fatalf("expected lease dead at exactly the timeout")
	}
}

func TestLeaseRenewExtendsWindow(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	lease := NewLease(start, 10*time.Second)

	lease.Renew(start.Add(8 * time.Second))
	if !lease.Live(start.Add(15 * time.Second)) {
		t.Fatalf("expected renewal to extend the window")
	}
	if got, want := lease.ExpiresAt(), start.Add(18*time.Second); !got.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, got)
	}
}

func TestLeaseRenewNeverMovesBackwards(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	lease := NewLease(start, 10*time.Second)

	lease.Renew(start.Add(5 * time.Second))
	lease.Renew(start.Add(2 * time.Second))

	if got, want := lease.Reference(), start.Add(5*time.Second); !got.Equal(want) {
		t.Fatalf("expected reference %v, got %v", want, got)
	}
}
