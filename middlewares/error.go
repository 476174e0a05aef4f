package middlewares

import (
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"gasless-relayer/apperr"
	"gasless-relayer/ratelimit"
)

// ErrorHandler centralizes error responses and keeps messages sanitized.
func ErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		// 1) Fiber errors (use their status code + message)
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
		}

		// 2) Validation errors (400 + per-field info)
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			out := make(map[string]string, len(ve))
			for _, fe := range ve {
				out[fe.Field()] = fe.Tag()
			}
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":  "validation failed",
				"fields": out,
			})
		}

		// 3) Typed relayer errors
		if ae, ok := apperr.As(err); ok {
			code := apperr.HTTPStatus(ae)
			body := fiber.Map{"error": ae.Message}
			if ae.Kind == apperr.KindRateLimited {
				secs := ratelimit.RetryAfterSeconds(ae.RetryAfter)
				c.Set(fiber.HeaderRetryAfter, strconv.Itoa(secs))
				body["retryAfter"] = secs
			}
			if ae.Kind == apperr.KindAmbiguous {
				body["status"] = "ambiguous"
			}
			if ae.RetainClientState {
				body["retainClientState"] = true
			}
			ev := logger.Warn()
			if code >= fiber.StatusInternalServerError {
				ev = logger.Error()
			}
			ev.Err(err).
				Str("kind", string(ae.Kind)).
				Str("path", c.Path()).
				Interface("request_id", c.Locals(RequestIDKey)).
				Msg("request failed")
			return c.Status(code).JSON(body)
		}

		// 4) Unknown errors (500)
		logger.Error().Err(err).Str("path", c.Path()).Msg("internal error")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal server error",
		})
	}
}
