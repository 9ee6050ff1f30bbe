package controller

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// actorID extracts the acting user from the request. Authentication is the
// host application's job; it forwards the authenticated identity
// explicitly, never through ambient session state.
func actorID(c *fiber.Ctx) (uint, error) {
	raw := c.Get("X-Actor-ID")
	if raw == "" {
		return 0, fiber.NewError(fiber.StatusUnauthorized, "missing X-Actor-ID header")
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, fiber.NewError(fiber.StatusUnauthorized, "invalid X-Actor-ID header")
	}
	return uint(id), nil
}
