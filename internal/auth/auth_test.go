package auth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canvas-realtime/internal/model"
)

var alice = model.Identity{UserID: "u1", DisplayName: "Alice", Color: "#ff0000"}

func TestJWTRoundTrip(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)

	token, err := m.GenerateAccessToken(alice)
	require.NoError(t, err)

	claims, err := m.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, alice, claims.Identity())

	_, err = NewJWTManager("other", time.Hour).ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTExpired(t *testing.T) {
	m := NewJWTManager("secret", -time.Minute)
	token, err := m.GenerateAccessToken(alice)
	require.NoError(t, err)

	_, err = m.ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func newApp(m *JWTManager) *fiber.App {
	app := fiber.New()
	app.Get("/me", AuthMiddleware(m), func(c *fiber.Ctx) error {
		id, ok := IdentityFrom(c)
		if !ok {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.SendString(id.UserID + ":" + id.DisplayName)
	})
	return app
}

func TestAuthMiddlewareTokenSources(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	app := newApp(m)
	token, err := m.GenerateAccessToken(alice)
	require.NoError(t, err)

	header := httptest.NewRequest("GET", "/me", nil)
	header.Header.Set("Authorization", "Bearer "+token)

	cookie := httptest.NewRequest("GET", "/me", nil)
	cookie.Header.Set("Cookie", "access_token="+token)

	query := httptest.NewRequest("GET", "/me?token="+token, nil)

	for name, req := range map[string]*http.Request{"header": header, "cookie": cookie, "query": query} {
		resp, err := app.Test(req)
		require.NoError(t, err, name)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode, name)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "u1:Alice", string(body), name)
	}
}

func TestAuthMiddlewareRejects(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	app := newApp(m)

	missing := httptest.NewRequest("GET", "/me", nil)
	resp, err := app.Test(missing)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	malformed := httptest.NewRequest("GET", "/me", nil)
	malformed.Header.Set("Authorization", "Token abc")
	resp, err = app.Test(malformed)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	bad := httptest.NewRequest("GET", "/me?token=garbage", nil)
	resp, err = app.Test(bad)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
