package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodia/pkg/requestcontext"
)

func TestInMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("allows up to the limit then rejects", func(t *testing.T) {
		store := NewInMemoryStore()

		for i := range 3 {
			result, err := store.Allow(ctx, "client-a", 3, time.Minute)
			require.NoError(t, err)
			assert.True(t, result.Allowed, "request %d should be allowed", i)
		}

		result, err := store.Allow(ctx, "client-a", 3, time.Minute)
		require.NoError(t, err)
		assert.False(t, result.Allowed)
		assert.Zero(t, result.Remaining)
		assert.Positive(t, result.RetryAfter)
	})

	t.Run("keys are independent", func(t *testing.T) {
		store := NewInMemoryStore()

		result, err := store.Allow(ctx, "client-a", 1, time.Minute)
		require.NoError(t, err)
		assert.True(t, result.Allowed)

		result, err = store.Allow(ctx, "client-b", 1, time.Minute)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	})

	t.Run("window slides", func(t *testing.T) {
		store := NewInMemoryStore()
		now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
		store.now = func() time.Time { return now }

		result, err := store.Allow(ctx, "client-a", 1, time.Minute)
		require.NoError(t, err)
		assert.True(t, result.Allowed)

		result, err = store.Allow(ctx, "client-a", 1, time.Minute)
		require.NoError(t, err)
		assert.False(t, result.Allowed)

		now = now.Add(61 * time.Second)
		result, err = store.Allow(ctx, "client-a", 1, time.Minute)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	})

	t.Run("reset clears the counter", func(t *testing.T) {
		store := NewInMemoryStore()

		_, err := store.Allow(ctx, "client-a", 1, time.Minute)
		require.NoError(t, err)
		require.NoError(t, store.Reset(ctx, "client-a"))

		result, err := store.Allow(ctx, "client-a", 1, time.Minute)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	})
}

func TestMiddleware(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	request := func(ip string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/consent", nil)
		return req.WithContext(requestcontext.WithClientMetadata(req.Context(), ip, ""))
	}

	t.Run("limits by client address with headers", func(t *testing.T) {
		mw := NewMiddleware(NewInMemoryStore(), 2, time.Minute, nil)
		handler := mw.Handler(okHandler)

		for range 2 {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, request("203.0.113.10"))
			assert.Equal(t, http.StatusAccepted, w.Code)
		}

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, request("203.0.113.10"))
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.NotEmpty(t, w.Header().Get("Retry-After"))
		assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

		// A different client is unaffected.
		w = httptest.NewRecorder()
		handler.ServeHTTP(w, request("203.0.113.99"))
		assert.Equal(t, http.StatusAccepted, w.Code)
	})

	t.Run("fails open when the store errors", func(t *testing.T) {
		mw := NewMiddleware(failingStore{}, 1, time.Minute, nil)
		handler := mw.Handler(okHandler)

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, request("203.0.113.10"))
		assert.Equal(t, http.StatusAccepted, w.Code)
	})
}

type failingStore struct{}

func (failingStore) Allow(context.Context, string, int, time.Duration) (*Result, error) {
	return nil, context.DeadlineExceeded
}

func (failingStore) Reset(context.Context, string) error { return nil }
