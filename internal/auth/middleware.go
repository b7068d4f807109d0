package auth

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"canvas-realtime/internal/model"
)

const identityKey = "identity"

// AuthMiddleware JWT 인증 미들웨어.
// Authorization 헤더, access_token 쿠키, token 쿼리(웹소켓) 순으로 토큰을 찾는다.
func AuthMiddleware(jwtManager *JWTManager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := extractToken(c)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		// 토큰 검증
		claims, err := jwtManager.ValidateAccessToken(token)
		if err != nil {
			if errors.Is(err, ErrExpiredToken) {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "token expired",
					"code":  "TOKEN_EXPIRED",
				})
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid token",
			})
		}

		// 사용자 정보를 컨텍스트에 저장
		c.Locals("userID", claims.UserID)
		c.Locals(identityKey, claims.Identity())
		c.Locals("claims", claims)

		return c.Next()
	}
}

func extractToken(c *fiber.Ctx) (string, error) {
	if authHeader := c.Get("Authorization"); authHeader != "" {
		// Bearer 토큰 파싱
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return "", errors.New("invalid authorization header format")
		}
		return parts[1], nil
	}
	if cookie := c.Cookies("access_token"); cookie != "" {
		return cookie, nil
	}
	// 브라우저 WebSocket 은 헤더를 못 붙이므로 쿼리로 받음
	if q := c.Query("token"); q != "" {
		return q, nil
	}
	return "", errors.New("missing authorization token")
}

// IdentityFrom 인증된 요청의 사용자 정보
func IdentityFrom(c *fiber.Ctx) (model.Identity, bool) {
	id, ok := c.Locals(identityKey).(model.Identity)
	return id, ok
}
