package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowRefills(t *testing.T) {
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	l := NewSimpleTokenBucket(2, 60)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("a"))
	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))
	assert.True(t, l.allow("b"))

	now = now.Add(time.Second)
	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))
}

func TestAllowKeepsFractionalRefill(t *testing.T) {
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	l := NewSimpleTokenBucket(5, 60)
	l.now = func() time.Time { return now }
	for i := 0; i < 5; i++ {
		require.True(t, l.allow("a"))
	}
	require.False(t, l.allow("a"))

	// One token per second: 1.5s earns one, and the spare half second
	// completes the next token at 2s.
	now = now.Add(1500 * time.Millisecond)
	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))
	now = now.Add(500 * time.Millisecond)
	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))
}

func TestAllowSteadyLoadMatchesRate(t *testing.T) {
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	l := NewSimpleTokenBucket(5, 60)
	l.now = func() time.Time { return now }

	allowed := 0
	for i := 0; i < 600; i++ {
		if l.allow("a") {
			allowed++
		}
		now = now.Add(700 * time.Millisecond)
	}
	// Demand outpaces one token per second for the whole 420s, so every
	// earned token is spent: about 419 refills plus the initial five.
	assert.InDelta(t, 424, allowed, 2)
}

func TestDisabledWhenRateZero(t *testing.T) {
	l := NewSimpleTokenBucket(0, 0)
	for i := 0; i < 10; i++ {
		assert.True(t, l.allow("a"))
	}
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(NewSimpleTokenBucket(1, 1).GinMiddleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}
