// Package routes registers cmd/meshflow-deploy's HTTP surface,
// grounded on the teacher's cmd/orchestrator/routes package shape
// (one RegisterXRoutes(e, components) function per resource group).
package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/meshflow/cmd/meshflow-deploy/handlers"
	"github.com/lyzr/meshflow/internal/bootstrap"
)

// Register wires every route group onto e.
func Register(e *echo.Echo, components *bootstrap.Components) {
	deployHandler := handlers.NewDeployHandler(components)
	reportHandler := handlers.NewReportHandler(components)

	manifests := e.Group("/api/v1/manifests")
	{
		manifests.POST("/validate", deployHandler.Validate)
		manifests.POST("/deploy", deployHandler.Deploy)
		manifests.POST("/redeploy", deployHandler.Redeploy)
	}

	apps := e.Group("/api/v1/apps")
	{
		apps.POST("/:app_id/activate", deployHandler.Activate)
		apps.GET("/:app_id/stats/:bucket", reportHandler.Query)
	}
}
