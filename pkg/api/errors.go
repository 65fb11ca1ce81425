package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/teo/pkg/store"
	"github.com/codeready-toolchain/teo/pkg/webhook"
)

// mapStoreErr maps a Store error to an HTTP error response, per spec.md
// §4.1's ErrNotFound/ErrPreconditionFailed/ErrConflict/ErrTransient
// taxonomy.
func mapStoreErr(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	case errors.Is(err, store.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, "conflict")
	case errors.Is(err, store.ErrPreconditionFailed):
		return echo.NewHTTPError(http.StatusConflict, "precondition failed")
	case errors.Is(err, store.ErrOutOfRange):
		return echo.NewHTTPError(http.StatusBadRequest, "value out of range")
	default:
		slog.Error("api: unexpected store error", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}

// mapWebhookErr maps a *webhook.Error to the status code spec.md §6.2
// requires: 4xx malformed/stale, 5xx transient.
func mapWebhookErr(err error) *echo.HTTPError {
	var werr *webhook.Error
	if !errors.As(err, &werr) {
		slog.Error("api: unexpected webhook ingest error", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
	switch werr.Kind {
	case webhook.ErrMalformed:
		return echo.NewHTTPError(http.StatusBadRequest, werr.Error())
	case webhook.ErrStale:
		return echo.NewHTTPError(http.StatusConflict, werr.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, werr.Error())
	}
}
