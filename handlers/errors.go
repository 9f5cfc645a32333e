package handlers

import (
	"net/http"

	"github.com/tobilg/caddyserver-dbgate-module/formats"
	"github.com/tobilg/caddyserver-dbgate-module/gateway"
)

// sendError writes the standard error envelope.
func sendError(w http.ResponseWriter, statusCode int, message string) {
	formats.WriteValue(w, statusCode, map[string]any{
		"error":   http.StatusText(statusCode),
		"message": message,
		"code":    statusCode,
	})
}

// statusFor maps a gateway error to its HTTP status.
func statusFor(err error) int {
	switch gateway.KindOf(err) {
	case gateway.KindAuthentication:
		return http.StatusUnauthorized
	case gateway.KindAuthorization:
		return http.StatusForbidden
	case gateway.KindInvalidArgument:
		return http.StatusBadRequest
	case gateway.KindConnection:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
