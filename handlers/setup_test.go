package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"realtime-poll-backend/auth"
	"realtime-poll-backend/database"
	"realtime-poll-backend/history"
	"realtime-poll-backend/models"
	"realtime-poll-backend/repository"
	"realtime-poll-backend/service"
	"realtime-poll-backend/websocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.UpdateEvent
}

func (p *recordingPublisher) Publish(ev models.UpdateEvent) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, error) { return false, nil }

// testEnv 测试用的路由和依赖
type testEnv struct {
	router    *gin.Engine
	store     *repository.GormStore
	published *recordingPublisher
	auth      *auth.JWTAuthenticator
}

type envOptions struct {
	voteLimiter    service.RateLimiter
	requestLimiter service.RateLimiter
	history        history.Store
}

// SetupTestEnvironment sets up the Gin router and a temp-file SQLite database for testing.
func SetupTestEnvironment(t *testing.T) *testEnv {
	return setupWith(t, envOptions{})
}

func setupWith(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "handlers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })

	store := repository.NewGormStore(db)
	published := &recordingPublisher{}
	authn := auth.NewJWTAuthenticator(testSecret)

	polls := service.NewPollService(store)
	votes := service.NewVoteService(store, published, opts.voteLimiter, 5*time.Second)
	var reader *history.Reader
	if opts.history != nil {
		reader = history.NewReader(opts.history)
	}
	limiter := NewRequestLimiter(opts.requestLimiter)
	hub := websocket.NewHub(websocket.Options{})

	router := gin.New()
	config := cors.DefaultConfig()
	config.AllowOrigins = []string{"*"}
	config.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	router.Use(cors.New(config))
	router.Use(auth.Middleware(authn, false))
	requireAuth := auth.Middleware(authn, true)

	pollHandler := NewPollHandler(polls)
	voteHandler := NewVoteHandler(votes, polls, reader)
	health := NewHealthHandler(map[string]Pinger{"database": store.Ping, "redis": nil}, nil, hub, limiter)

	// Setup Routes (same as in routes.SetupRouter)
	api := router.Group("/api")
	{
		api.GET("/health", health.HealthCheck)
		api.GET("/status", health.SystemStatus)
		api.GET("/ratelimit/stats", limiter.GetRateLimiterStats)

		p := api.Group("/polls")
		p.GET("", pollHandler.GetPolls)
		p.GET("/stats", requireAuth, pollHandler.GetStats)
		p.GET("/:id", pollHandler.GetPoll)
		p.POST("", requireAuth, limiter.Middleware(), pollHandler.CreatePoll)
		p.PUT("/:id", requireAuth, limiter.Middleware(), pollHandler.UpdatePoll)
		p.DELETE("/:id", requireAuth, limiter.Middleware(), pollHandler.DeletePoll)

		v := api.Group("/votes")
		v.POST("", requireAuth, voteHandler.SubmitVote)
		v.GET("/poll/:id/results", voteHandler.GetResults)
		v.GET("/poll/:id/user", requireAuth, voteHandler.GetUserVote)
		v.GET("/poll/:id/history", voteHandler.GetHistory)
	}

	return &testEnv{router: router, store: store, published: published, auth: authn}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.auth.Issue(auth.Session{UserID: userID, Name: "User " + userID}, time.Hour)
	require.NoError(t, err)
	return tok
}

// do 发送请求；token 为空表示匿名
func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// createPoll 通过存储直接创建一个已发布的投票
func (e *testEnv) createPoll(t *testing.T, owner string, published bool, options ...string) *models.Poll {
	t.Helper()
	if len(options) == 0 {
		options = []string{"Yes", "No"}
	}
	poll, err := e.store.CreatePoll(context.Background(), repository.NewPoll{
		Question:    "Unit Test Poll?",
		Options:     options,
		IsPublished: published,
		CreatedBy:   owner,
	})
	require.NoError(t, err)
	return poll
}

type envelope struct {
	Success    bool                   `json:"success"`
	Message    string                 `json:"message"`
	Data       json.RawMessage        `json:"data"`
	Error      string                 `json:"error"`
	Pagination *repository.Pagination `json:"pagination"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, data interface{}) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	if data != nil && len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env
}
