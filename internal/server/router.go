package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pushit-labs/pushit/backend/internal/auth"
	"github.com/pushit-labs/pushit/backend/internal/geo"
	"github.com/pushit-labs/pushit/backend/internal/holds"
	"github.com/pushit-labs/pushit/backend/internal/polls"
	"github.com/pushit-labs/pushit/backend/internal/queue"
	"github.com/pushit-labs/pushit/backend/internal/stats"
	"github.com/pushit-labs/pushit/backend/internal/users"
	"github.com/pushit-labs/pushit/backend/internal/votes"
)

const identityContextKey = "pushit_identity"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingHoldService   = errors.New("hold service dependency required")
	errMissingPollService   = errors.New("poll service dependency required")
	errMissingVoteService   = errors.New("vote service dependency required")
	errInvalidAuthorization = errors.New("authorization missing or invalid")
)

// TokenManager issues and validates backend tokens.
type TokenManager interface {
	IssueGuestToken() (auth.Identity, string, int64, error)
	ValidateToken(token string) (auth.Identity, error)
}

// Dependencies wires the HTTP surface to the rest of the system.
type Dependencies struct {
	TokenManager TokenManager
	Holds        *holds.Service
	Polls        *polls.Service
	Votes        *votes.Service
	Stats        *stats.Service
	Users        *users.Service
	Realtime     *RealtimeDispatcher
	Events       *queue.Publisher
	Logger       *zap.Logger
	RateLimiter  gin.HandlerFunc
}

// NewHTTPHandler builds the gin router for the Push It! API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Holds == nil {
		return nil, errMissingHoldService
	}
	if deps.Polls == nil {
		return nil, errMissingPollService
	}
	if deps.Votes == nil {
		return nil, errMissingVoteService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Realtime
	if dispatcher == nil {
		dispatcher = NewRealtimeDispatcher()
	}
	events := deps.Events
	if events == nil {
		events = queue.NewPublisher("", logger)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:     deps.TokenManager,
		holds:      deps.Holds,
		polls:      deps.Polls,
		votes:      deps.Votes,
		stats:      deps.Stats,
		users:      deps.Users,
		dispatcher: dispatcher,
		events:     events,
		logger:     logger,
	}

	router.POST("/auth/guest", handler.handleGuestAuth)
	router.GET("/button/count", handler.handleButtonCount)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	if deps.RateLimiter != nil {
		protected.Use(deps.RateLimiter)
	}

	protected.POST("/button/holds", handler.handleStartButtonHold)
	protected.POST("/button/holds/:sessionID/heartbeat", handler.handleHoldHeartbeat)
	protected.DELETE("/button/holds/:sessionID", handler.handleEndButtonHold)

	protected.POST("/polls", handler.handleCreatePoll)
	protected.GET("/polls", handler.handleListPolls)
	protected.GET("/polls/:pollID", handler.handleGetPoll)
	protected.POST("/polls/:pollID/boost", handler.handleBoostPoll)
	protected.POST("/polls/:pollID/save", handler.handleSavePoll)
	protected.DELETE("/polls/:pollID/save", handler.handleUnsavePoll)
	protected.POST("/polls/:pollID/hide", handler.handleHidePoll)
	protected.DELETE("/polls/:pollID/hide", handler.handleUnhidePoll)

	protected.POST("/polls/:pollID/options/:optionID/holds", handler.handleStartVoteHold)
	protected.DELETE("/polls/:pollID/options/:optionID/holds/:sessionID", handler.handleCancelVoteHold)
	protected.POST("/polls/:pollID/votes", handler.handleCommitVote)
	protected.GET("/polls/:pollID/results", handler.handlePollResults)

	protected.GET("/stats", handler.handleStats)
	protected.GET("/events/stream", handler.handleEventStream)

	return router, nil
}

type httpHandler struct {
	tokens     TokenManager
	holds      *holds.Service
	polls      *polls.Service
	votes      *votes.Service
	stats      *stats.Service
	users      *users.Service
	dispatcher *RealtimeDispatcher
	events     *queue.Publisher
	logger     *zap.Logger
}

type guestAuthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	Subject     string `json:"subject"`
}

func (h *httpHandler) handleGuestAuth(c *gin.Context) {
	identity, token, expiresIn, err := h.tokens.IssueGuestToken()
	if err != nil {
		h.logger.Error("failed to issue guest token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	if h.users != nil {
		if _, err := h.users.EnsureProfile(identity.Subject, "", geo.CountryFromRequest(c.Request), true); err != nil {
			h.logger.Warn("guest profile creation failed", zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, guestAuthResponse{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		Subject:     identity.Subject,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		// SSE clients cannot set headers; they pass the token in the query.
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	identity, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func (h *httpHandler) identity(c *gin.Context) (auth.Identity, bool) {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return auth.Identity{}, false
	}
	identity, ok := value.(auth.Identity)
	return identity, ok
}

type startHoldResponse struct {
	SessionID          string `json:"session_id"`
	HeartbeatIntervalS int64  `json:"heartbeat_interval_s"`
	ActiveCount        int64  `json:"active_count"`
}

func (h *httpHandler) handleStartButtonHold(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	session, err := h.holds.StartSession(c.Request.Context(), holds.StartRequest{
		OwnerID:       identity.Subject,
		TargetKind:    holds.TargetGlobalButton,
		LocationLabel: geo.CountryFromRequest(c.Request),
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	count := h.publishHoldCount(c)
	c.JSON(http.StatusCreated, startHoldResponse{
		SessionID:          session.ID,
		HeartbeatIntervalS: int64(h.holds.HeartbeatInterval().Seconds()),
		ActiveCount:        count,
	})
}

func (h *httpHandler) handleHoldHeartbeat(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	sessionID, err := holds.NewSessionID(c.Param("sessionID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_session_id"})
		return
	}
	if err := h.holds.Heartbeat(c.Request.Context(), sessionID, identity.Subject); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleEndButtonHold(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	sessionID, err := holds.NewSessionID(c.Param("sessionID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_session_id"})
		return
	}
	if err := h.holds.EndSession(c.Request.Context(), sessionID, identity.Subject); err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.publishHoldCount(c)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleButtonCount(c *gin.Context) {
	count, err := h.holds.ActiveCount(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_count": count})
}

type createPollRequest struct {
	Question  string   `json:"question"`
	Options   []string `json:"options"`
	ExpiresAt string   `json:"expires_at"`
}

func (h *httpHandler) handleCreatePoll(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request createPollRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	expiresAt, err := time.Parse(time.RFC3339, request.ExpiresAt)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_expires_at"})
		return
	}

	created, err := h.polls.Create(c.Request.Context(), polls.CreateRequest{
		OwnerID:   identity.Subject,
		Question:  request.Question,
		Options:   request.Options,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	h.dispatcher.Publish(RealtimeMessage{
		Topic:     TopicPolls,
		EventType: RealtimeEventPollChanged,
		PollID:    created.Poll.ID,
		Timestamp: time.Now().UTC(),
	})
	c.JSON(http.StatusCreated, pollPayload(created))
}

func (h *httpHandler) handleListPolls(c *gin.Context) {
	identity, _ := h.identity(c)
	var feed []polls.Poll
	var err error
	if c.Query("saved") == "1" {
		feed, err = h.polls.Saved(c.Request.Context(), identity.Subject)
	} else {
		feed, err = h.polls.ListActive(c.Request.Context(), identity.Subject)
	}
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"polls": feed})
}

func (h *httpHandler) handleGetPoll(c *gin.Context) {
	identity, _ := h.identity(c)
	pollID := c.Param("pollID")

	loaded, err := h.polls.Get(c.Request.Context(), pollID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	tally, err := h.votes.TallyPoll(c.Request.Context(), pollID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	current, err := h.votes.CurrentVote(c.Request.Context(), identity.Subject, pollID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	payload := pollPayload(loaded)
	payload["tally"] = tally
	if current != nil {
		payload["your_vote"] = current.OptionID
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleBoostPoll(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	pollID := c.Param("pollID")
	total, err := h.polls.BoostPoll(c.Request.Context(), identity.Subject, pollID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.dispatcher.Publish(RealtimeMessage{
		Topic:     TopicPolls,
		EventType: RealtimeEventPollChanged,
		PollID:    pollID,
		Timestamp: time.Now().UTC(),
	})
	c.JSON(http.StatusOK, gin.H{"boost_count": total})
}

func (h *httpHandler) handleSavePoll(c *gin.Context) {
	h.flagPoll(c, h.polls.Save)
}

func (h *httpHandler) handleUnsavePoll(c *gin.Context) {
	h.flagPoll(c, h.polls.Unsave)
}

func (h *httpHandler) handleHidePoll(c *gin.Context) {
	h.flagPoll(c, h.polls.Hide)
}

func (h *httpHandler) handleUnhidePoll(c *gin.Context) {
	h.flagPoll(c, h.polls.Unhide)
}

func (h *httpHandler) flagPoll(c *gin.Context, operation func(ctx context.Context, userID, pollID string) error) {
	identity, ok := h.identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := operation(c.Request.Context(), identity.Subject, c.Param("pollID")); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type startVoteHoldResponse struct {
	SessionID      string `json:"session_id"`
	HoldDurationMS int64  `json:"hold_duration_ms"`
}

func (h *httpHandler) handleStartVoteHold(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	session, err := h.votes.StartHold(c.Request.Context(),
		identity.Subject, c.Param("pollID"), c.Param("optionID"), geo.CountryFromRequest(c.Request))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, startVoteHoldResponse{
		SessionID:      session.ID,
		HoldDurationMS: h.votes.HoldDuration().Milliseconds(),
	})
}

func (h *httpHandler) handleCancelVoteHold(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	sessionID, err := holds.NewSessionID(c.Param("sessionID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_session_id"})
		return
	}
	if err := h.votes.CancelHold(c.Request.Context(), identity.Subject, sessionID); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type commitVoteRequest struct {
	OptionID  string `json:"option_id"`
	SessionID string `json:"session_id"`
}

func (h *httpHandler) handleCommitVote(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request commitVoteRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.OptionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	sessionID, err := holds.NewSessionID(request.SessionID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_session_id"})
		return
	}
	pollID := c.Param("pollID")

	tally, err := h.votes.CommitVote(c.Request.Context(), identity.Subject, pollID, request.OptionID, sessionID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	now := time.Now().UTC()
	h.dispatcher.Publish(RealtimeMessage{
		Topic:     VoteTopic(pollID),
		EventType: RealtimeEventVoteChanged,
		PollID:    pollID,
		Timestamp: now,
	})
	_ = h.events.Publish(c.Request.Context(), queue.QueueVoteCommitted, queue.VoteCommittedEvent{
		PollID:     pollID,
		OptionID:   request.OptionID,
		TotalVotes: tally.TotalVotes,
		VotedAt:    now,
	})
	c.JSON(http.StatusOK, tally)
}

func (h *httpHandler) handlePollResults(c *gin.Context) {
	tally, err := h.votes.TallyPoll(c.Request.Context(), c.Param("pollID"))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, tally)
}

func (h *httpHandler) handleStats(c *gin.Context) {
	if h.stats == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stats_unavailable"})
		return
	}
	summary, err := h.stats.Summarize(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// publishHoldCount recomputes the live count and fans it out; returns the
// count for inclusion in the triggering response.
func (h *httpHandler) publishHoldCount(c *gin.Context) int64 {
	count, err := h.holds.ActiveCount(c.Request.Context())
	if err != nil {
		h.logger.Warn("active count recompute failed", zap.Error(err))
		return 0
	}
	h.dispatcher.Publish(RealtimeMessage{
		Topic:       TopicHolds,
		EventType:   RealtimeEventHoldChanged,
		ActiveCount: count,
		Timestamp:   time.Now().UTC(),
	})
	return count
}

func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, polls.ErrPollNotFound), errors.Is(err, votes.ErrOptionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, polls.ErrPollClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "poll_closed"})
	case errors.Is(err, polls.ErrAlreadyBoosted):
		c.JSON(http.StatusConflict, gin.H{"error": "already_boosted"})
	case errors.Is(err, polls.ErrInvalidQuestion), errors.Is(err, polls.ErrInvalidOptionCount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_poll"})
	case errors.Is(err, votes.ErrHoldInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "hold_in_progress"})
	case errors.Is(err, votes.ErrHoldTooShort):
		c.JSON(http.StatusConflict, gin.H{"error": "hold_too_short"})
	case errors.Is(err, votes.ErrAlreadyVoted):
		c.JSON(http.StatusConflict, gin.H{"error": "already_voted"})
	case errors.Is(err, holds.ErrSessionNotLive):
		c.JSON(http.StatusGone, gin.H{"error": "session_not_live"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func pollPayload(loaded polls.PollWithOptions) gin.H {
	return gin.H{
		"poll":    loaded.Poll,
		"options": loaded.Options,
	}
}
