package devserver

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// accountClaims carry the caller identity inside the bearer token.
type accountClaims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

// IssueToken signs a development bearer credential for the given user.
func (s *Server) IssueToken(userID, displayName string, ttl time.Duration) (string, error) {
	claims := accountClaims{
		UserID:      userID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "chatmockd",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	tks, err := token.SignedString([]byte(s.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %v", err)
	}
	return tks, nil
}

func (s *Server) parseToken(tk string) (accountClaims, error) {
	var claims accountClaims
	token, err := jwt.ParseWithClaims(tk, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method)
		}
		return []byte(s.secret), nil
	})
	if err != nil {
		return claims, err
	}
	if !token.Valid {
		return claims, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// authMiddleware extracts and verifies the bearer credential; handlers
// downstream read the caller from locals.
func (s *Server) authMiddleware(c *fiber.Ctx) error {
	header := c.Get(fiber.HeaderAuthorization)
	if !strings.HasPrefix(header, "Bearer ") {
		return fiber.NewError(fiber.StatusUnauthorized, "bearer credential is required")
	}

	claims, err := s.parseToken(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, fmt.Sprintf("credential rejected: %v", err))
	}

	c.Locals("user_id", claims.UserID)
	c.Locals("display_name", claims.DisplayName)
	return c.Next()
}

func callerID(c *fiber.Ctx) string {
	id, _ := c.Locals("user_id").(string)
	return id
}

func callerName(c *fiber.Ctx) string {
	name, _ := c.Locals("display_name").(string)
	if name == "" {
		return callerID(c)
	}
	return name
}
