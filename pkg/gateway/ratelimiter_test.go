package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestClientRateLimiter_Allow(t *testing.T) {
	t.Run("should allow the burst then reject", func(t *testing.T) {
		limiter := NewClientRateLimiter(1, 3)

		for i := 0; i < 3; i++ {
			assert.True(t, limiter.Allow("10.0.0.1"), "request %d", i)
		}
		assert.False(t, limiter.Allow("10.0.0.1"))
	})

	t.Run("should track clients independently", func(t *testing.T) {
		limiter := NewClientRateLimiter(1, 1)

		assert.True(t, limiter.Allow("a"))
		assert.False(t, limiter.Allow("a"))
		assert.True(t, limiter.Allow("b"))
		assert.Equal(t, 2, limiter.Clients())
	})

	t.Run("should clamp burst to one", func(t *testing.T) {
		limiter := NewClientRateLimiter(1, 0)
		assert.True(t, limiter.Allow("a"))
	})
}

func TestClientRateLimiter_Cleanup(t *testing.T) {
	limiter := NewClientRateLimiter(60, 1)
	limiter.Allow("old")
	limiter.Allow("new")

	limiter.mu.Lock()
	limiter.limiters["old"].lastSeen = time.Now().Add(-time.Hour)
	limiter.mu.Unlock()

	assert.Equal(t, 1, limiter.Cleanup(time.Minute))
	assert.Equal(t, 1, limiter.Clients())
}

func TestClientRateLimiter_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.POST("/limited", NewClientRateLimiter(1, 2).Middleware(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/limited", nil))
		codes = append(codes, w.Code)
	}

	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)
}
