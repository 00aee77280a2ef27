package download

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
)

// StatusFor maps a failed content load to an HTTP status: caller timeouts
// are 504, oversized payloads 413 and everything else 502.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadGateway
	}
}

// HandleDownloadError writes the error response for a failed content load.
func HandleDownloadError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := StatusFor(err)
	if status == http.StatusGatewayTimeout {
		logger.Debug("content load abandoned", "error", err)
		http.Error(w, "request timeout", status)
		return
	}
	logger.Error("content load failed", "status", status, "error", err)
	http.Error(w, http.StatusText(status), status)
}
