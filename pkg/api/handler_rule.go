package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/teo/pkg/models"
)

// createRuleHandler handles POST /rules.
func (s *Server) createRuleHandler(c *echo.Context) error {
	var req CreateRuleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	rule := &models.LoadBalancingRule{
		ID:                 s.idgen.RuleID(),
		Name:               req.Name,
		Active:             true,
		Priority:           req.Priority,
		Kind:               models.RuleKind(req.Kind),
		TestSuitePattern:   req.TestSuitePattern,
		EnvironmentPattern: req.EnvironmentPattern,
		RunnerTypeFilter:   req.RunnerTypeFilter,
		Config:             req.Config,
	}

	if err := s.store.UpsertRule(c.Request().Context(), rule); err != nil {
		return mapStoreErr(err)
	}

	s.scheduler.Kick()
	return c.JSON(http.StatusCreated, CreateRuleResponse{RuleID: rule.ID})
}
