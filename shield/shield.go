// Package shield provides the HTTP middleware in front of the harvester's
// control API: security headers, body limits, request ids with a
// per-request logger, and HEAD handling.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.APIStack(logger) {
//	    r.Use(mw)
//	}
package shield

import (
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// MaxAPIBody bounds control request bodies. They are small JSON documents.
const MaxAPIBody = 64 * 1024

// APIStack returns the middleware stack for the control API.
// Order: HeadToGet → SecurityHeaders → MaxBody → RequestID.
func APIStack(logger *slog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(MaxAPIBody),
		RequestID(logger),
	}
}
