package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTAuthenticator(t *testing.T) {
	a := NewJWTAuthenticator("test-secret")

	token, err := a.Issue(Session{UserID: "u-1", Name: "Alice", Role: "voter"}, time.Hour)
	require.NoError(t, err)

	s, err := a.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", s.UserID)
	assert.Equal(t, "Alice", s.Name)
	assert.True(t, s.Valid())
}

func TestJWTAuthenticator_Rejects(t *testing.T) {
	a := NewJWTAuthenticator("test-secret")

	expired, err := a.Issue(Session{UserID: "u-1"}, -time.Minute)
	require.NoError(t, err)

	other, err := NewJWTAuthenticator("other-secret").Issue(Session{UserID: "u-1"}, time.Hour)
	require.NoError(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u-1"}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"expired", expired},
		{"wrong secret", other},
		{"no expiry", noExp},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, err := a.Authenticate(tc.token)
			assert.Error(t, err)
			assert.Nil(t, s)
		})
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := NewJWTAuthenticator("test-secret")
	token, err := a.Issue(Session{UserID: "u-1", Name: "Alice"}, time.Hour)
	require.NoError(t, err)

	router := gin.New()
	handler := func(c *gin.Context) {
		s := SessionFrom(c)
		if s == nil {
			c.String(http.StatusOK, "anonymous")
			return
		}
		c.String(http.StatusOK, s.UserID)
	}
	router.GET("/required", Middleware(a, true), handler)
	router.GET("/optional", Middleware(a, false), handler)

	tests := []struct {
		name   string
		path   string
		header string
		code   int
		body   string
	}{
		{"required with token", "/required", "Bearer " + token, http.StatusOK, "u-1"},
		{"required without token", "/required", "", http.StatusUnauthorized, ""},
		{"required with bad token", "/required", "Bearer nope", http.StatusUnauthorized, ""},
		{"optional without token", "/optional", "", http.StatusOK, "anonymous"},
		{"optional with bad token", "/optional", "Bearer nope", http.StatusOK, "anonymous"},
		{"optional with token", "/optional", "bearer " + token, http.StatusOK, "u-1"},
		{"query token", "/required?token=" + token, "", http.StatusOK, "u-1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			router.ServeHTTP(w, req)
			assert.Equal(t, tc.code, w.Code)
			if tc.body != "" {
				assert.Equal(t, tc.body, w.Body.String())
			}
		})
	}
}
