package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_ThrottlesBurst(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := NewRateLimiter(10) // burst of 1
	require.NotNil(t, limiter)

	r := gin.New()
	r.Use(limiter.Handler())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	require.JSONEq(t, `{"error": "Rate limit exceeded"}`, second.Body.String())
}

func TestRateLimiter_DisabledPassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var limiter *RateLimiter
	require.Nil(t, NewRateLimiter(0))

	r := gin.New()
	r.Use(limiter.Handler())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestLocalRateWindow(t *testing.T) {
	w := NewLocalRateWindow(2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := w.Allow(ctx, "refresh-tokens", 2, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := w.Allow(ctx, "refresh-tokens", 2, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}
