package middleware

import (
	"crypto/subtle"
	"net/http"

	"loom-api/internal/setup"
	"loom-api/internal/shared"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// NewAuthMiddleware gates the inference routes behind the configured API key.
// When require is false the key is still extracted when present so usage can
// be attributed, but requests without one pass through.
func NewAuthMiddleware(apiKey string, require bool, log *zap.SugaredLogger) echo.MiddlewareFunc {
	if require && apiKey == "" {
		log.Warn("require-api-key is set but no api-key is configured, all inference requests will be rejected")
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(cc echo.Context) error {
			c := cc.(*setup.Context)

			provided, err := shared.ExtractAPIKey(c)
			if err != nil {
				if !require {
					return next(c)
				}
				rerr := err.(*shared.RequestError)
				return c.JSON(rerr.StatusCode, shared.OpenAIError{
					Message: rerr.Err.Error(),
					Object:  "error",
					Type:    "Unauthorized",
					Code:    rerr.StatusCode,
				})
			}

			if require {
				if apiKey == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
					return c.JSON(http.StatusUnauthorized, shared.OpenAIError{
						Message: shared.ErrUnauthorized.Err.Error(),
						Object:  "error",
						Type:    "Unauthorized",
						Code:    http.StatusUnauthorized,
					})
				}
			}

			c.APIKey = provided
			return next(c)
		}
	}
}
