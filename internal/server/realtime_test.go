package server

import (
	"context"
	"testing"
	"time"
)

func receiveMessage(t *testing.T, stream <-chan RealtimeMessage) RealtimeMessage {
	t.Helper()
	select {
	case message := <-stream:
		return message
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for realtime message")
		return RealtimeMessage{}
	}
}

func expectSilence(t *testing.T, stream <-chan RealtimeMessage) {
	t.Helper()
	select {
	case message := <-stream:
		t.Fatalf("expected no message, got %+v", message)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatcherDeliversToTopicSubscribers(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx := context.Background()

	stream, cleanup := dispatcher.Subscribe(ctx, []string{TopicHolds})
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{
		Topic:       TopicHolds,
		EventType:   RealtimeEventHoldChanged,
		ActiveCount: 7,
	})

	message := receiveMessage(t, stream)
	if message.EventType != RealtimeEventHoldChanged || message.ActiveCount != 7 {
		t.Fatalf("unexpected message: %+v", message)
	}
}

func TestDispatcherIsolatesTopics(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx := context.Background()

	holdStream, cleanupHolds := dispatcher.Subscribe(ctx, []string{TopicHolds})
	defer cleanupHolds()
	voteStream, cleanupVotes := dispatcher.Subscribe(ctx, []string{VoteTopic("poll-1")})
	defer cleanupVotes()

	dispatcher.Publish(RealtimeMessage{
		Topic:     VoteTopic("poll-1"),
		EventType: RealtimeEventVoteChanged,
		PollID:    "poll-1",
	})

	message := receiveMessage(t, voteStream)
	if message.PollID != "poll-1" {
		t.Fatalf("unexpected message: %+v", message)
	}
	expectSilence(t, holdStream)

	// Another poll's vote topic stays quiet too.
	otherStream, cleanupOther := dispatcher.Subscribe(ctx, []string{VoteTopic("poll-2")})
	defer cleanupOther()
	dispatcher.Publish(RealtimeMessage{
		Topic:     VoteTopic("poll-1"),
		EventType: RealtimeEventVoteChanged,
		PollID:    "poll-1",
	})
	receiveMessage(t, voteStream)
	expectSilence(t, otherStream)
}

func TestDispatcherMergesMultipleTopics(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx := context.Background()

	stream, cleanup := dispatcher.Subscribe(ctx, []string{TopicHolds, TopicPolls})
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{Topic: TopicHolds, EventType: RealtimeEventHoldChanged})
	dispatcher.Publish(RealtimeMessage{Topic: TopicPolls, EventType: RealtimeEventPollChanged})

	seen := map[string]bool{}
	seen[receiveMessage(t, stream).EventType] = true
	seen[receiveMessage(t, stream).EventType] = true
	if !seen[RealtimeEventHoldChanged] || !seen[RealtimeEventPollChanged] {
		t.Fatalf("expected both topics on the merged stream, got %v", seen)
	}
}

func TestDispatcherStopsAfterCleanup(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx := context.Background()

	stream, cleanup := dispatcher.Subscribe(ctx, []string{TopicHolds})
	cleanup()
	cleanup()

	dispatcher.Publish(RealtimeMessage{Topic: TopicHolds, EventType: RealtimeEventHoldChanged})
	expectSilence(t, stream)
}

func TestDispatcherStopsAfterContextCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	stream, cleanup := dispatcher.Subscribe(ctx, []string{TopicHolds})
	defer cleanup()

	cancel()
	// Unregistration runs on a goroutine watching the context; poll briefly.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		dispatcher.Publish(RealtimeMessage{Topic: TopicHolds, EventType: RealtimeEventHoldChanged})
		dispatcher.mu.RLock()
		remaining := len(dispatcher.subscribers[TopicHolds])
		dispatcher.mu.RUnlock()
		if remaining == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	_ = stream
	t.Fatalf("expected cancellation to unregister the subscriber")
}

func TestDispatcherDropsWhenSubscriberIsFull(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx := context.Background()

	stream, cleanup := dispatcher.Subscribe(ctx, []string{TopicHolds})
	defer cleanup()

	// Publishing past the buffer must not block.
	done := make(chan struct{})
	go func() {
		for sequence := 0; sequence < 100; sequence++ {
			dispatcher.Publish(RealtimeMessage{Topic: TopicHolds, EventType: RealtimeEventHoldChanged})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected publish to drop rather than block")
	}
	if len(stream) == 0 {
		t.Fatalf("expected buffered messages despite drops")
	}
}
