package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canvas-realtime/internal/ai"
	"canvas-realtime/internal/ephemeral"
	"canvas-realtime/internal/testutil"
)

// checkedStore Health 를 지원하는 저장소 (RedisStore 대역)
type checkedStore struct {
	*ephemeral.MemoryStore
	err error
}

func (s checkedStore) Health(context.Context) error { return s.err }

func healthStatus(t *testing.T, store ephemeral.Store) (int, HealthResponse) {
	t.Helper()

	h := NewHealthHandler(testutil.NewDB(t), store, ai.DisabledExecutor{})
	app := fiber.New()
	app.Get("/health", h.Check)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHealthUsesStoreChecker(t *testing.T) {
	mem := testutil.NewEphemeral(t)

	status, body := healthStatus(t, mem)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body.Checks["ephemeral"].Status)
	assert.Empty(t, body.Checks["ephemeral"].Latency, "in-memory store has nothing to ping")

	status, body = healthStatus(t, checkedStore{MemoryStore: mem})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body.Checks["ephemeral"].Status)
	assert.NotEmpty(t, body.Checks["ephemeral"].Latency)

	status, body = healthStatus(t, checkedStore{MemoryStore: mem, err: errors.New("connection refused")})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, "ephemeral store unreachable", body.Checks["ephemeral"].Error)
	assert.Equal(t, "not_configured", body.Checks["ai_server"].Status)
}
