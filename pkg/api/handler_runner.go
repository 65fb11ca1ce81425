package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/teo/pkg/models"
	"github.com/codeready-toolchain/teo/pkg/store"
)

// createRunnerHandler handles POST /runners.
func (s *Server) createRunnerHandler(c *echo.Context) error {
	var req CreateRunnerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	maxJobs := req.MaxConcurrentJobs
	if maxJobs <= 0 {
		maxJobs = 1
	}

	runner := &models.Runner{
		Name:              req.Name,
		Type:              req.Type,
		EndpointURL:       req.EndpointURL,
		WebhookURL:        req.WebhookURL,
		HealthCheckURL:    req.HealthCheckURL,
		Capabilities:      req.Capabilities,
		MaxConcurrentJobs: maxJobs,
		Priority:          req.Priority,
		Status:            models.RunnerActive,
		Health:            models.HealthUnknown,
		Metadata:          req.Metadata,
	}

	registered, err := s.registry.Register(c.Request().Context(), runner)
	if err != nil {
		return mapStoreErr(err)
	}

	return c.JSON(http.StatusCreated, CreateRunnerResponse{RunnerID: registered.ID})
}

// patchRunnerHandler handles PATCH /runners/{id}.
func (s *Server) patchRunnerHandler(c *echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid runner id")
	}

	var req PatchRunnerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	patch := store.RunnerPatch{
		Name:              req.Name,
		EndpointURL:       req.EndpointURL,
		HealthCheckURL:    req.HealthCheckURL,
		WebhookURL:        req.WebhookURL,
		Capabilities:      req.Capabilities,
		MaxConcurrentJobs: req.MaxConcurrentJobs,
		Priority:          req.Priority,
		Metadata:          req.Metadata,
	}

	if _, err := s.registry.Update(c.Request().Context(), id, patch); err != nil {
		return mapStoreErr(err)
	}
	return c.NoContent(http.StatusOK)
}

// runnerActionHandler returns a handler for POST /runners/{id}/{action},
// where action is one of pause, resume, decommission (spec.md §6.1).
func (s *Server) runnerActionHandler(action string) echo.HandlerFunc {
	var target models.RunnerStatus
	switch action {
	case "pause":
		target = models.RunnerPaused
	case "resume":
		target = models.RunnerActive
	case "decommission":
		target = models.RunnerDecommissioned
	}

	return func(c *echo.Context) error {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid runner id")
		}
		if err := s.registry.SetStatus(c.Request().Context(), id, target); err != nil {
			return mapStoreErr(err)
		}
		if target == models.RunnerActive {
			s.scheduler.Kick()
		}
		return c.NoContent(http.StatusOK)
	}
}

// listRunnersHandler handles GET /runners.
func (s *Server) listRunnersHandler(c *echo.Context) error {
	filter := store.RunnerFilter{Type: c.QueryParam("type")}
	if v := c.QueryParam("status"); v != "" {
		filter.Status = []models.RunnerStatus{models.RunnerStatus(v)}
	}

	runners, err := s.store.ListRunners(c.Request().Context(), filter)
	if err != nil {
		return mapStoreErr(err)
	}
	return c.JSON(http.StatusOK, ListRunnersResponse{Runners: runners})
}
