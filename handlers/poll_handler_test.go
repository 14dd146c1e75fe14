package handlers

import (
	"context"
	"net/http"
	"testing"

	"realtime-poll-backend/models"
	"realtime-poll-backend/repository"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePoll(t *testing.T) {
	env := SetupTestEnvironment(t)

	w := env.do(t, http.MethodPost, "/api/polls", env.token(t, "alice"), gin.H{
		"question":    "Unit Test Poll?",
		"options":     []string{"Yes", "No"},
		"isPublished": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created models.Poll
	resp := decode(t, w, &created)
	assert.True(t, resp.Success)
	assert.Equal(t, "Poll created successfully", resp.Message)
	assert.Equal(t, "Unit Test Poll?", created.Question)
	require.Len(t, created.Options, 2)
	assert.Equal(t, "Yes", created.Options[0].Text)
	assert.Equal(t, "No", created.Options[1].Text)
	assert.Equal(t, created.ID, created.Options[0].PollID)
	assert.Equal(t, "alice", created.CreatedBy)
	assert.Zero(t, created.TotalVotes)
	assert.Zero(t, created.Version)
	assert.NotEmpty(t, created.ID)
}

func TestCreatePoll_InvalidInput(t *testing.T) {
	env := SetupTestEnvironment(t)
	token := env.token(t, "alice")

	tests := []struct {
		name         string
		body         gin.H
		expectedCode int
		expectedErr  string
	}{
		{
			name:         "Missing question",
			body:         gin.H{"options": []string{"A", "B"}},
			expectedCode: http.StatusBadRequest,
			expectedErr:  "invalid_request",
		},
		{
			name:         "Missing options",
			body:         gin.H{"question": "Q?"},
			expectedCode: http.StatusBadRequest,
			expectedErr:  "invalid_request",
		},
		{
			name:         "Not enough options",
			body:         gin.H{"question": "Q?", "options": []string{"A"}},
			expectedCode: http.StatusBadRequest,
			expectedErr:  "invalid_request",
		},
		{
			name:         "Blank question",
			body:         gin.H{"question": "   ", "options": []string{"A", "B"}},
			expectedCode: http.StatusBadRequest,
			expectedErr:  "invalid_poll",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/polls", token, tc.body)
			assert.Equal(t, tc.expectedCode, w.Code)

			resp := decode(t, w, nil)
			assert.False(t, resp.Success)
			assert.Equal(t, tc.expectedErr, resp.Error)
			assert.NotContains(t, w.Body.String(), "Field validation")
		})
	}
}

func TestCreatePoll_RequiresAuthentication(t *testing.T) {
	env := SetupTestEnvironment(t)

	w := env.do(t, http.MethodPost, "/api/polls", "", gin.H{"question": "Q?", "options": []string{"A", "B"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/polls", "not-a-token", gin.H{"question": "Q?", "options": []string{"A", "B"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreatePoll_RateLimited(t *testing.T) {
	env := setupWith(t, envOptions{requestLimiter: denyAll{}})

	w := env.do(t, http.MethodPost, "/api/polls", env.token(t, "alice"), gin.H{"question": "Q?", "options": []string{"A", "B"}})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	w = env.do(t, http.MethodGet, "/api/ratelimit/stats", "", nil)
	var stats RateLimiterStats
	decode(t, w, &stats)
	assert.True(t, stats.Enabled)
	assert.Equal(t, int64(1), stats.RejectedRequests)
}

func TestGetPolls(t *testing.T) {
	env := SetupTestEnvironment(t)
	for i := 0; i < 3; i++ {
		env.createPoll(t, "alice", true)
	}
	env.createPoll(t, "alice", false)

	t.Run("Anonymous sees published only", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/polls?limit=2", "", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var polls []models.Poll
		resp := decode(t, w, &polls)
		assert.Len(t, polls, 2)
		require.NotNil(t, resp.Pagination)
		assert.Equal(t, int64(3), resp.Pagination.Total)
		assert.Equal(t, 2, resp.Pagination.TotalPages)
		assert.Equal(t, 2, resp.Pagination.Limit)
	})

	t.Run("Owner sees own drafts", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/polls?mine=true", env.token(t, "alice"), nil)
		require.Equal(t, http.StatusOK, w.Code)

		var polls []models.Poll
		resp := decode(t, w, &polls)
		assert.Len(t, polls, 4)
		assert.Equal(t, int64(4), resp.Pagination.Total)
	})

	t.Run("Mine requires a session", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/polls?mine=true", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestGetPoll(t *testing.T) {
	env := SetupTestEnvironment(t)
	poll := env.createPoll(t, "alice", true)
	draft := env.createPoll(t, "alice", false)

	tests := []struct {
		name         string
		id           string
		user         string
		expectedCode int
	}{
		{"Published poll", poll.ID, "", http.StatusOK},
		{"Unknown poll", "does-not-exist", "", http.StatusNotFound},
		{"Draft hidden from others", draft.ID, "bob", http.StatusNotFound},
		{"Draft visible to owner", draft.ID, "alice", http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			token := ""
			if tc.user != "" {
				token = env.token(t, tc.user)
			}
			w := env.do(t, http.MethodGet, "/api/polls/"+tc.id, token, nil)
			assert.Equal(t, tc.expectedCode, w.Code)

			var got models.Poll
			resp := decode(t, w, &got)
			if tc.expectedCode == http.StatusOK {
				assert.Equal(t, tc.id, got.ID)
			} else {
				assert.Equal(t, "poll_not_found", resp.Error)
			}
		})
	}
}

func TestUpdatePoll(t *testing.T) {
	env := SetupTestEnvironment(t)
	poll := env.createPoll(t, "alice", false)

	w := env.do(t, http.MethodPut, "/api/polls/"+poll.ID, env.token(t, "bob"), gin.H{"isPublished": true})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPut, "/api/polls/"+poll.ID, env.token(t, "alice"), gin.H{
		"options": []gin.H{
			{"id": poll.Options[0].ID, "text": "Red"},
			{"id": poll.Options[0].ID, "text": "Scarlet"},
		},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_poll", decode(t, w, nil).Error)

	w = env.do(t, http.MethodPut, "/api/polls/"+poll.ID, env.token(t, "alice"), gin.H{
		"question":    "Renamed?",
		"isPublished": true,
		"options": []gin.H{
			{"id": poll.Options[0].ID, "text": "Yes please"},
			{"text": "Maybe"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var updated models.Poll
	decode(t, w, &updated)
	assert.Equal(t, "Renamed?", updated.Question)
	assert.True(t, updated.IsPublished)
	require.Len(t, updated.Options, 2)
	assert.Equal(t, poll.Options[0].ID, updated.Options[0].ID)
	assert.Equal(t, "Yes please", updated.Options[0].Text)
	assert.Equal(t, "Maybe", updated.Options[1].Text)
}

func TestUpdatePoll_LockedAfterVotes(t *testing.T) {
	env := SetupTestEnvironment(t)
	poll := env.createPoll(t, "alice", true)

	_, err := env.store.RecordVote(context.Background(), "bob", poll.ID, []string{poll.Options[0].ID})
	require.NoError(t, err)

	w := env.do(t, http.MethodPut, "/api/polls/"+poll.ID, env.token(t, "alice"), gin.H{
		"options": []gin.H{{"text": "A"}, {"text": "B"}},
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "poll_locked", decode(t, w, nil).Error)

	// 文字类字段仍可修改
	w = env.do(t, http.MethodPut, "/api/polls/"+poll.ID, env.token(t, "alice"), gin.H{"description": "context"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDeletePoll(t *testing.T) {
	env := SetupTestEnvironment(t)
	poll := env.createPoll(t, "alice", true)

	w := env.do(t, http.MethodDelete, "/api/polls/"+poll.ID, env.token(t, "bob"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodDelete, "/api/polls/"+poll.ID, env.token(t, "alice"), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/polls/"+poll.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodDelete, "/api/polls/"+poll.ID, env.token(t, "alice"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetStats(t *testing.T) {
	env := SetupTestEnvironment(t)
	env.createPoll(t, "alice", true)
	env.createPoll(t, "alice", false)
	env.createPoll(t, "bob", true)

	w := env.do(t, http.MethodGet, "/api/polls/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/api/polls/stats", env.token(t, "alice"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats repository.DashboardStats
	decode(t, w, &stats)
	assert.Equal(t, int64(2), stats.MyPolls.Total)
	assert.Equal(t, int64(1), stats.MyPolls.Published)
	assert.Equal(t, int64(1), stats.MyPolls.Drafts)
	assert.Equal(t, int64(2), stats.AllPublishedPolls)
}
