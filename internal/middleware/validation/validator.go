package validation

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// RequireJSON rejects bodied requests that do not declare a JSON
// content type. Multipart upload routes must not use this middleware.
func RequireJSON() fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch c.Method() {
		case fiber.MethodPost, fiber.MethodPut, fiber.MethodPatch:
			ct := c.Get(fiber.HeaderContentType)
			if !strings.HasPrefix(ct, fiber.MIMEApplicationJSON) {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"error": "content type must be application/json",
				})
			}
		}
		return c.Next()
	}
}

// RequiredString pulls a non-blank string field out of a parsed body,
// returning a client error message when it is missing.
func RequiredString(value, field string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fiber.NewError(fiber.StatusBadRequest, field+" is required")
	}
	return trimmed, nil
}
