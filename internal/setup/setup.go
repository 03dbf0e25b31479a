// Package setup server
package setup

import (
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Context wraps the echo context with the per-request logger and the caller
// identity the middleware chain established.
type Context struct {
	echo.Context
	Log    *zap.SugaredLogger
	Reqid  string
	APIKey string
}
