package server

import (
	"context"
	"sync"
	"time"
)

// Realtime topics. Subscribing to a poll's vote topic uses VoteTopic(pollID).
const (
	TopicHolds = "holds"
	TopicPolls = "polls"
)

// Event types carried on the stream.
const (
	RealtimeEventHoldChanged = "hold-change"
	RealtimeEventPollChanged = "poll-change"
	RealtimeEventVoteChanged = "vote-change"
	realtimeEventHeartbeat   = "heartbeat"
)

// VoteTopic names the change topic for one poll's votes.
func VoteTopic(pollID string) string {
	return "votes:" + pollID
}

// RealtimeMessage is one change notification fanned out to subscribers.
// ActiveCount is set on hold events; PollID on poll and vote events.
type RealtimeMessage struct {
	Topic       string
	EventType   string
	PollID      string
	ActiveCount int64
	Timestamp   time.Time
}

// RealtimeDispatcher fans change notifications out to SSE subscribers by
// topic. Slow subscribers drop messages rather than blocking publishers;
// consumers recompute derived state on any event, so a dropped notification
// only delays convergence until the next one.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

// NewRealtimeDispatcher constructs an empty dispatcher.
func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers for every listed topic and returns a merged stream.
// The subscription ends when the context is cancelled or the cleanup func
// runs, whichever comes first.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, topics []string) (<-chan RealtimeMessage, func()) {
	if len(topics) == 0 {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	for _, topic := range topics {
		d.registerSubscriber(topic, subscriber)
	}
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			for _, topic := range topics {
				d.unregisterSubscriber(topic, subscriber.id)
			}
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the message to every subscriber of its topic.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.Topic == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.Topic]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(topic string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[topic][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(topic string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}
