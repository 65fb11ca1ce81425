package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/teo/pkg/webhook"
)

// runnerWebhookHandler returns the handler for POST /webhooks/runner
// (spec.md §6.2). Authentication is per-runner: each runner's shared
// secret is looked up from its Metadata["webhook_secret"] (set at
// registration) rather than the client API's bearer-token list;
// fallbackTokens lets a deployment accept a shared Authorization header
// for runners that were registered without a dedicated secret.
func (s *Server) runnerWebhookHandler(fallbackTokens []string) echo.HandlerFunc {
	return func(c *echo.Context) error {
		var p webhook.Payload
		if err := c.Bind(&p); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if p.ExecutionID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "execution_id is required")
		}

		if err := s.authenticateRunnerWebhook(c, p.ExecutionID, fallbackTokens); err != nil {
			return err
		}

		if err := s.ingest.Apply(c.Request().Context(), p); err != nil {
			return mapWebhookErr(err)
		}
		return c.NoContent(http.StatusOK)
	}
}

func (s *Server) authenticateRunnerWebhook(c *echo.Context, executionID string, fallbackTokens []string) error {
	token := strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
	}

	exec, err := s.store.GetExecution(c.Request().Context(), executionID)
	if err == nil && exec.AssignedRunnerID != nil {
		if runner, ok := s.registry.Get(*exec.AssignedRunnerID); ok {
			if secret, ok := runner.Metadata["webhook_secret"].(string); ok && secret != "" {
				if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1 {
					return nil
				}
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid runner secret")
			}
		}
	}

	for _, want := range fallbackTokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1 {
			return nil
		}
	}
	return echo.NewHTTPError(http.StatusUnauthorized, "invalid bearer token")
}
