// Command meshflow-deploy serves the compiler/deployer control plane:
// manifest validate/deploy, app activation, and stats reporting, over
// HTTP. It joins each configured app's quorum (so Activate's rollcall
// can reach real engine replicas over the shared pubsub channel) but,
// unlike cmd/meshflow-engine, never runs a Router consume loop or
// task-service scouts of its own.
//
// Grounded on the teacher's cmd/orchestrator/main.go
// bootstrap->echo-setup->middleware->routes->startServer shape.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/lyzr/meshflow/cmd/meshflow-deploy/routes"
	"github.com/lyzr/meshflow/internal/bootstrap"
)

func main() {
	ctx := context.Background()

	components, err := bootstrap.Setup(ctx, "meshflow-deploy")
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshflow-deploy: setup failed: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	for _, appID := range components.Config.Service.Apps {
		app, err := components.StartApp(ctx, appID)
		if err != nil {
			components.Logger.Error("meshflow-deploy: failed to start app", "app", appID, "err", err)
			os.Exit(1)
		}
		if err := app.Quorum.Subscribe(ctx); err != nil {
			components.Logger.Error("meshflow-deploy: failed to join quorum", "app", appID, "err", err)
			os.Exit(1)
		}
	}

	e := setupEcho()
	setupMiddleware(e)
	setupHealthCheck(e, components)
	routes.Register(e, components)

	startServer(e, components)
}

func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

func setupMiddleware(e *echo.Echo) {
	e.Use(echomw.Logger())
	e.Use(echomw.Recover())
	e.Use(echomw.CORS())
	e.Use(echomw.RequestID())
}

func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(503, map[string]string{"status": "unhealthy", "error": err.Error()})
		}
		return c.JSON(200, map[string]string{"status": "ok", "service": "meshflow-deploy"})
	})
}

func startServer(e *echo.Echo, components *bootstrap.Components) {
	port := components.Config.Service.Port
	components.Logger.Info("meshflow-deploy starting", "port", port)
	if err := e.Start(fmt.Sprintf(":%d", port)); err != nil {
		components.Logger.Error("meshflow-deploy: server error", "err", err)
		os.Exit(1)
	}
}
