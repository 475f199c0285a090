package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pushit-labs/pushit/backend/internal/auth"
	"github.com/pushit-labs/pushit/backend/internal/database"
	"github.com/pushit-labs/pushit/backend/internal/holds"
	"github.com/pushit-labs/pushit/backend/internal/polls"
	"github.com/pushit-labs/pushit/backend/internal/stats"
	"github.com/pushit-labs/pushit/backend/internal/users"
	"github.com/pushit-labs/pushit/backend/internal/votes"
)

var testEpoch = time.Unix(1700000000, 0).UTC()

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type uuidProvider struct{}

func (uuidProvider) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

type apiFixture struct {
	handler    http.Handler
	clock      *fakeClock
	dispatcher *RealtimeDispatcher
	db         *gorm.DB
	votes      *votes.Service
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(db, nil); err != nil {
		t.Fatalf("unexpected migrate error: %v", err)
	}

	clock := newFakeClock(testEpoch)
	holdService, err := holds.NewService(holds.ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: uuidProvider{},
	})
	if err != nil {
		t.Fatalf("unexpected hold service error: %v", err)
	}
	pollService, err := polls.NewService(polls.ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: uuidProvider{},
	})
	if err != nil {
		t.Fatalf("unexpected poll service error: %v", err)
	}
	voteService, err := votes.NewService(votes.ServiceConfig{
		Database: db,
		Clock:    clock.Now,
		Holds:    holdService,
	})
	if err != nil {
		t.Fatalf("unexpected vote service error: %v", err)
	}
	statService, err := stats.NewService(stats.ServiceConfig{
		Database: db,
		Holds:    holdService,
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("unexpected stats service error: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("unexpected user service error: %v", err)
	}

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "pushit-auth",
		Audience:      "pushit-api",
		Clock:         clock.Now,
	})
	dispatcher := NewRealtimeDispatcher()

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: issuer,
		Holds:        holdService,
		Polls:        pollService,
		Votes:        voteService,
		Stats:        statService,
		Users:        userService,
		Realtime:     dispatcher,
	})
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}

	return &apiFixture{
		handler:    handler,
		clock:      clock,
		dispatcher: dispatcher,
		db:         db,
		votes:      voteService,
	}
}

func (f *apiFixture) request(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func (f *apiFixture) guestToken(t *testing.T) string {
	t.Helper()
	recorder := f.request(t, http.MethodPost, "/auth/guest", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from guest auth, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		Subject     string `json:"subject"`
	}
	decodeBody(t, recorder, &response)
	if response.AccessToken == "" || response.TokenType != "Bearer" {
		t.Fatalf("unexpected guest auth response: %+v", response)
	}
	return response.AccessToken
}

func (f *apiFixture) createPoll(t *testing.T, token string) (string, []string) {
	t.Helper()
	recorder := f.request(t, http.MethodPost, "/polls", token, map[string]interface{}{
		"question":   "Tabs or spaces?",
		"options":    []string{"Tabs", "Spaces"},
		"expires_at": f.clock.Now().Add(24 * time.Hour).Format(time.RFC3339),
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201 from poll create, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		Poll struct {
			ID string `json:"ID"`
		} `json:"poll"`
		Options []struct {
			ID string `json:"ID"`
		} `json:"options"`
	}
	decodeBody(t, recorder, &response)
	optionIDs := make([]string, 0, len(response.Options))
	for _, option := range response.Options {
		optionIDs = append(optionIDs, option.ID)
	}
	if response.Poll.ID == "" || len(optionIDs) != 2 {
		t.Fatalf("unexpected poll create response: %s", recorder.Body.String())
	}
	return response.Poll.ID, optionIDs
}

func TestGuestAuthCreatesProfile(t *testing.T) {
	fixture := newAPIFixture(t)
	fixture.guestToken(t)

	var count int64
	if err := fixture.db.Model(&users.Profile{}).Where("is_guest = ?", true).Count(&count).Error; err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one guest profile, got %d", count)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	fixture := newAPIFixture(t)

	recorder := fixture.request(t, http.MethodPost, "/button/holds", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}

	recorder = fixture.request(t, http.MethodPost, "/button/holds", "not-a-token", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", recorder.Code)
	}

	// The public count endpoint needs no token.
	recorder = fixture.request(t, http.MethodGet, "/button/count", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from public count, got %d", recorder.Code)
	}
}

func TestButtonHoldLifecycle(t *testing.T) {
	fixture := newAPIFixture(t)
	token := fixture.guestToken(t)

	recorder := fixture.request(t, http.MethodPost, "/button/holds", token, nil)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201 from hold start, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var started struct {
		SessionID          string `json:"session_id"`
		HeartbeatIntervalS int64  `json:"heartbeat_interval_s"`
		ActiveCount        int64  `json:"active_count"`
	}
	decodeBody(t, recorder, &started)
	if started.SessionID == "" || started.ActiveCount != 1 {
		t.Fatalf("unexpected hold start response: %+v", started)
	}
	if started.HeartbeatIntervalS != int64(holds.DefaultHeartbeatInterval.Seconds()) {
		t.Fatalf("unexpected heartbeat interval: %d", started.HeartbeatIntervalS)
	}

	recorder = fixture.request(t, http.MethodPost, "/button/holds/"+started.SessionID+"/heartbeat", token, nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from heartbeat, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = fixture.request(t, http.MethodDelete, "/button/holds/"+started.SessionID, token, nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from hold end, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = fixture.request(t, http.MethodGet, "/button/count", "", nil)
	var count struct {
		ActiveCount int64 `json:"active_count"`
	}
	decodeBody(t, recorder, &count)
	if count.ActiveCount != 0 {
		t.Fatalf("expected count back at 0 after release, got %d", count.ActiveCount)
	}
}

func TestHeartbeatOnDeadSessionReturnsGone(t *testing.T) {
	fixture := newAPIFixture(t)
	token := fixture.guestToken(t)

	recorder := fixture.request(t, http.MethodPost, "/button/holds", token, nil)
	var started struct {
		SessionID string `json:"session_id"`
	}
	decodeBody(t, recorder, &started)

	fixture.clock.Advance(holds.DefaultLivenessTimeout + time.Second)
	recorder = fixture.request(t, http.MethodPost, "/button/holds/"+started.SessionID+"/heartbeat", token, nil)
	if recorder.Code != http.StatusGone {
		t.Fatalf("expected 410 for dead session heartbeat, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestStaleSessionsExcludedFromCount(t *testing.T) {
	fixture := newAPIFixture(t)
	token := fixture.guestToken(t)

	if recorder := fixture.request(t, http.MethodPost, "/button/holds", token, nil); recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201 from hold start, got %d", recorder.Code)
	}
	fixture.clock.Advance(holds.DefaultLivenessTimeout + time.Second)

	recorder := fixture.request(t, http.MethodGet, "/button/count", "", nil)
	var count struct {
		ActiveCount int64 `json:"active_count"`
	}
	decodeBody(t, recorder, &count)
	if count.ActiveCount != 0 {
		t.Fatalf("expected silent hold excluded from count, got %d", count.ActiveCount)
	}
}

func TestVoteFlowThroughAPI(t *testing.T) {
	fixture := newAPIFixture(t)
	token := fixture.guestToken(t)
	pollID, optionIDs := fixture.createPoll(t, token)

	recorder := fixture.request(t, http.MethodPost, "/polls/"+pollID+"/options/"+optionIDs[0]+"/holds", token, nil)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201 from vote hold, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var hold struct {
		SessionID      string `json:"session_id"`
		HoldDurationMS int64  `json:"hold_duration_ms"`
	}
	decodeBody(t, recorder, &hold)
	if hold.HoldDurationMS != votes.DefaultHoldDuration.Milliseconds() {
		t.Fatalf("unexpected hold duration: %d", hold.HoldDurationMS)
	}

	// Committing before the window elapses is rejected.
	fixture.clock.Advance(time.Second)
	recorder = fixture.request(t, http.MethodPost, "/polls/"+pollID+"/votes", token, map[string]string{
		"option_id":  optionIDs[0],
		"session_id": hold.SessionID,
	})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 for short hold, got %d: %s", recorder.Code, recorder.Body.String())
	}

	fixture.clock.Advance(votes.DefaultHoldDuration)
	recorder = fixture.request(t, http.MethodPost, "/polls/"+pollID+"/votes", token, map[string]string{
		"option_id":  optionIDs[0],
		"session_id": hold.SessionID,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from commit, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var tally votes.Tally
	decodeBody(t, recorder, &tally)
	if tally.TotalVotes != 1 {
		t.Fatalf("expected 1 total vote, got %d", tally.TotalVotes)
	}

	recorder = fixture.request(t, http.MethodGet, "/polls/"+pollID+"/results", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from results, got %d", recorder.Code)
	}
	decodeBody(t, recorder, &tally)
	if tally.Options[0].Votes != 1 || tally.Options[0].Percent != 100 {
		t.Fatalf("unexpected results: %+v", tally.Options)
	}
}

func TestCancelVoteHoldLeavesNoVote(t *testing.T) {
	fixture := newAPIFixture(t)
	token := fixture.guestToken(t)
	pollID, optionIDs := fixture.createPoll(t, token)

	recorder := fixture.request(t, http.MethodPost, "/polls/"+pollID+"/options/"+optionIDs[0]+"/holds", token, nil)
	var hold struct {
		SessionID string `json:"session_id"`
	}
	decodeBody(t, recorder, &hold)

	fixture.clock.Advance(time.Second)
	recorder = fixture.request(t, http.MethodDelete,
		"/polls/"+pollID+"/options/"+optionIDs[0]+"/holds/"+hold.SessionID, token, nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from cancel, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = fixture.request(t, http.MethodGet, "/polls/"+pollID+"/results", token, nil)
	var tally votes.Tally
	decodeBody(t, recorder, &tally)
	if tally.TotalVotes != 0 {
		t.Fatalf("expected no votes after cancel, got %d", tally.TotalVotes)
	}
}

func TestBoostPollOncePerUser(t *testing.T) {
	fixture := newAPIFixture(t)
	token := fixture.guestToken(t)
	pollID, _ := fixture.createPoll(t, token)

	recorder := fixture.request(t, http.MethodPost, "/polls/"+pollID+"/boost", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from boost, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var boosted struct {
		BoostCount int64 `json:"boost_count"`
	}
	decodeBody(t, recorder, &boosted)
	if boosted.BoostCount != 1 {
		t.Fatalf("expected boost count 1, got %d", boosted.BoostCount)
	}

	recorder = fixture.request(t, http.MethodPost, "/polls/"+pollID+"/boost", token, nil)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 for repeat boost, got %d", recorder.Code)
	}
}

func TestSavedFeedFilter(t *testing.T) {
	fixture := newAPIFixture(t)
	token := fixture.guestToken(t)
	pollID, _ := fixture.createPoll(t, token)
	fixture.createPoll(t, token)

	if recorder := fixture.request(t, http.MethodPost, "/polls/"+pollID+"/save", token, nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from save, got %d", recorder.Code)
	}

	recorder := fixture.request(t, http.MethodGet, "/polls?saved=1", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from saved feed, got %d", recorder.Code)
	}
	var feed struct {
		Polls []struct {
			ID string `json:"ID"`
		} `json:"polls"`
	}
	decodeBody(t, recorder, &feed)
	if len(feed.Polls) != 1 || feed.Polls[0].ID != pollID {
		t.Fatalf("expected only the saved poll, got %+v", feed.Polls)
	}

	recorder = fixture.request(t, http.MethodGet, "/polls", token, nil)
	decodeBody(t, recorder, &feed)
	if len(feed.Polls) != 2 {
		t.Fatalf("expected both polls in the open feed, got %d", len(feed.Polls))
	}
}

func TestHiddenPollExcludedFromFeed(t *testing.T) {
	fixture := newAPIFixture(t)
	token := fixture.guestToken(t)
	pollID, _ := fixture.createPoll(t, token)

	if recorder := fixture.request(t, http.MethodPost, "/polls/"+pollID+"/hide", token, nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from hide, got %d", recorder.Code)
	}

	recorder := fixture.request(t, http.MethodGet, "/polls", token, nil)
	var feed struct {
		Polls []struct {
			ID string `json:"ID"`
		} `json:"polls"`
	}
	decodeBody(t, recorder, &feed)
	if len(feed.Polls) != 0 {
		t.Fatalf("expected hidden poll excluded, got %d polls", len(feed.Polls))
	}
}

func TestUnknownPollReturnsNotFound(t *testing.T) {
	fixture := newAPIFixture(t)
	token := fixture.guestToken(t)

	recorder := fixture.request(t, http.MethodGet, "/polls/missing-poll", token, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown poll, got %d", recorder.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	fixture := newAPIFixture(t)
	token := fixture.guestToken(t)
	fixture.createPoll(t, token)
	if recorder := fixture.request(t, http.MethodPost, "/button/holds", token, nil); recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201 from hold start, got %d", recorder.Code)
	}

	recorder := fixture.request(t, http.MethodGet, "/stats", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from stats, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var summary stats.Summary
	decodeBody(t, recorder, &summary)
	if summary.ActiveHolders != 1 || summary.ActivePolls != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestCommitVotePublishesToVoteTopic(t *testing.T) {
	fixture := newAPIFixture(t)
	token := fixture.guestToken(t)
	pollID, optionIDs := fixture.createPoll(t, token)

	stream, cleanup := fixture.dispatcher.Subscribe(t.Context(), []string{VoteTopic(pollID)})
	defer cleanup()

	recorder := fixture.request(t, http.MethodPost, "/polls/"+pollID+"/options/"+optionIDs[0]+"/holds", token, nil)
	var hold struct {
		SessionID string `json:"session_id"`
	}
	decodeBody(t, recorder, &hold)
	fixture.clock.Advance(votes.DefaultHoldDuration)
	recorder = fixture.request(t, http.MethodPost, "/polls/"+pollID+"/votes", token, map[string]string{
		"option_id":  optionIDs[0],
		"session_id": hold.SessionID,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from commit, got %d: %s", recorder.Code, recorder.Body.String())
	}

	message := receiveMessage(t, stream)
	if message.EventType != RealtimeEventVoteChanged || message.PollID != pollID {
		t.Fatalf("unexpected realtime message: %+v", message)
	}
}
