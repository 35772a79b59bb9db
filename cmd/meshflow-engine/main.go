// Command meshflow-engine runs one or more app engines: each app gets
// its own Router.Run consume loop, Quorum.Subscribe control-plane
// membership, and TaskService time/web-hook scouts, sharing one
// process's Store/Stream/Sub/Cache connections.
//
// Grounded on the teacher's cmd/workflow-runner/main.go bootstrap ->
// goroutine-fan-out -> signal-triggered cancel shutdown shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lyzr/meshflow/internal/bootstrap"
	"github.com/lyzr/meshflow/internal/healthserver"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "meshflow-engine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshflow-engine: setup failed: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	components.Logger.Info("meshflow-engine starting", "apps", components.Config.Service.Apps)

	errCh := make(chan error, len(components.Config.Service.Apps)*3)
	for _, appID := range components.Config.Service.Apps {
		app, err := components.StartApp(ctx, appID)
		if err != nil {
			components.Logger.Error("meshflow-engine: failed to start app", "app", appID, "err", err)
			os.Exit(1)
		}
		if err := app.Quorum.Subscribe(ctx); err != nil {
			components.Logger.Error("meshflow-engine: failed to join quorum", "app", appID, "err", err)
			os.Exit(1)
		}
		runApp(ctx, app, errCh)
	}

	hs := healthserver.New(components.Config.Service.Name, components.Config.Service.Port, components.Health, components.Logger)
	go func() {
		if err := hs.Run(ctx); err != nil {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()

	components.Logger.Info("meshflow-engine started", "app_count", len(components.Config.Service.Apps))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		components.Logger.Error("meshflow-engine: component failed", "err", err)
		cancel()
		os.Exit(1)
	case sig := <-sigCh:
		components.Logger.Info("meshflow-engine: received shutdown signal", "signal", sig)
		cancel()
	}
}

func runApp(ctx context.Context, app *bootstrap.App, errCh chan<- error) {
	go func() {
		if err := app.Router.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("app %s: router: %w", app.ID, err)
		}
	}()
	go func() {
		if err := app.Tasks.RunTimeHookScout(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("app %s: time hook scout: %w", app.ID, err)
		}
	}()
	go func() {
		if err := app.Tasks.RunWebHookScout(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("app %s: web hook scout: %w", app.ID, err)
		}
	}()
}
