package api

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/teo/pkg/models"
	"github.com/codeready-toolchain/teo/pkg/store"
)

// createExecutionHandler handles POST /executions.
func (s *Server) createExecutionHandler(c *echo.Context) error {
	var req CreateExecutionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	totalShards := req.TotalShards
	if totalShards <= 0 {
		totalShards = 1
	}

	priority := 50
	if req.Priority != nil {
		priority = *req.Priority
	}

	exec := &models.Execution{
		ID:                  s.idgen.ExecutionID(),
		TestSuite:           req.TestSuite,
		Environment:         req.Environment,
		Branch:              req.Branch,
		Commit:              req.Commit,
		RequestedBy:         req.UserID,
		Priority:            priority,
		EstimatedDurationMs: req.EstimatedDurationMs,
		RequestedRunnerType: req.RequestedRunnerType,
		RequestedRunnerID:   req.RequestedRunnerID,
		Status:              models.ExecutionQueued,
		TotalShards:         totalShards,
		CreatedAt:           s.clock.Now(),
		WebhookURL:          req.WebhookURL,
		Metadata:            req.Metadata,
	}

	if err := s.store.Enqueue(c.Request().Context(), exec); err != nil {
		return mapStoreErr(err)
	}

	s.scheduler.Kick()

	return c.JSON(http.StatusCreated, CreateExecutionResponse{
		ExecutionID: exec.ID,
		Status:      string(exec.Status),
	})
}

// getExecutionHandler handles GET /executions/{id}.
func (s *Server) getExecutionHandler(c *echo.Context) error {
	exec, err := s.store.GetExecution(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapStoreErr(err)
	}
	return c.JSON(http.StatusOK, ExecutionResponse{Execution: exec})
}

// cancelExecutionHandler handles POST /executions/{id}/cancel.
func (s *Server) cancelExecutionHandler(c *echo.Context) error {
	_, err := s.store.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapStoreErr(err)
	}
	s.scheduler.Kick()
	return c.NoContent(http.StatusOK)
}

// listExecutionsHandler handles GET /executions.
func (s *Server) listExecutionsHandler(c *echo.Context) error {
	filter := store.ExecutionFilter{
		TestSuite:   c.QueryParam("test_suite"),
		Environment: c.QueryParam("environment"),
		Limit:       50,
	}
	if v := c.QueryParam("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			filter.Status = append(filter.Status, models.ExecutionStatus(st))
		}
	}
	if v := c.QueryParam("runner_id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.RunnerID = &id
		}
	}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			filter.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	execs, err := s.store.ListExecutions(c.Request().Context(), filter)
	if err != nil {
		return mapStoreErr(err)
	}

	return c.JSON(http.StatusOK, ListExecutionsResponse{
		Executions: execs,
		Page:       PageInfo{Limit: filter.Limit, Offset: filter.Offset, Count: len(execs)},
	})
}
