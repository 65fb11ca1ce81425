package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// queueStatusHandler handles GET /queue/status.
func (s *Server) queueStatusHandler(c *echo.Context) error {
	snapshot, err := s.store.QueueStatus(c.Request().Context())
	if err != nil {
		return mapStoreErr(err)
	}

	return c.JSON(http.StatusOK, QueueStatusResponse{
		Queued:   snapshot.Queued,
		Assigned: snapshot.Assigned,
		Running:  snapshot.Running,
		Runners: RunnersSummary{
			Active:          snapshot.ActiveRunners,
			TotalCapacity:   snapshot.TotalCapacity,
			UtilizationRate: snapshot.UtilizationRate,
		},
	})
}
