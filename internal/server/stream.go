package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const streamKeepAlive = 15 * time.Second

type streamEventPayload struct {
	PollID      string `json:"poll_id,omitempty"`
	ActiveCount int64  `json:"active_count,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// handleEventStream serves change notifications over SSE. Clients pass one or
// more topic query parameters (holds, polls, votes:<pollID>); the stream
// stays open until the client disconnects. Periodic keep-alive events defeat
// idle proxy timeouts.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	topics := normalizeTopics(c.QueryArray("topic"))
	if len(topics) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topic_required"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.dispatcher.Subscribe(ctx, topics)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if err := writeStreamEvent(c.Writer, realtimeEventHeartbeat, streamEventPayload{
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			}); err != nil {
				return
			}
			flusher.Flush()
		case message, open := <-stream:
			if !open {
				return
			}
			err := writeStreamEvent(c.Writer, message.EventType, streamEventPayload{
				PollID:      message.PollID,
				ActiveCount: message.ActiveCount,
				Timestamp:   message.Timestamp.UTC().Format(time.RFC3339),
			})
			if err != nil {
				h.logger.Debug("stream write failed", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeStreamEvent(w http.ResponseWriter, eventType string, payload streamEventPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: " + eventType + "\n")); err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: " + string(body) + "\n\n")); err != nil {
		return err
	}
	return nil
}

func normalizeTopics(raw []string) []string {
	topics := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, topic := range raw {
		trimmed := strings.TrimSpace(topic)
		if trimmed == "" || seen[trimmed] {
			continue
		}
		if trimmed != TopicHolds && trimmed != TopicPolls && !strings.HasPrefix(trimmed, "votes:") {
			continue
		}
		seen[trimmed] = true
		topics = append(topics, trimmed)
	}
	return topics
}
