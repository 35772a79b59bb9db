// Package handlers implements the HTTP surface for cmd/meshflow-deploy:
// manifest compile/deploy/activate, grounded on the teacher's
// cmd/orchestrator/handlers/workflow.go request-bind-validate-respond
// shape.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/meshflow/internal/bootstrap"
	"github.com/lyzr/meshflow/internal/compiler"
	"github.com/lyzr/meshflow/internal/manifest"
)

// DeployHandler compiles and deploys manifests, and activates apps
// once quorum has reported in.
type DeployHandler struct {
	components *bootstrap.Components
}

// NewDeployHandler builds a DeployHandler over the process's shared
// Components (Store/Minter/Serializer/Compiler are process-wide; the
// Quorum an activate request targets is looked up per-app).
func NewDeployHandler(components *bootstrap.Components) *DeployHandler {
	return &DeployHandler{components: components}
}

type deployResponse struct {
	AppID        string   `json:"app_id"`
	Version      string   `json:"version"`
	Activities   int      `json:"activity_count"`
	WorkerGroups []string `json:"worker_groups"`
}

// Deploy compiles the request body as a manifest (YAML or JSON) and
// runs the full compiler pipeline against the store.
// POST /api/v1/manifests/deploy
func (h *DeployHandler) Deploy(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := readBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errBody("read request body: "+err.Error()))
	}

	m, err := manifest.Parse(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errBody("parse manifest: "+err.Error()))
	}

	if h.components.Compiler == nil {
		return c.JSON(http.StatusServiceUnavailable, errBody("no store backend configured"))
	}
	plan, err := h.components.Compiler.Deploy(ctx, m)
	if err != nil {
		return c.JSON(http.StatusUnprocessableEntity, errBody("deploy manifest: "+err.Error()))
	}

	return c.JSON(http.StatusOK, deployResponse{
		AppID:        plan.AppID,
		Version:      plan.Version,
		Activities:   len(plan.Activities),
		WorkerGroups: plan.WorkerGroups,
	})
}

// Validate parses and statically validates a manifest without
// deploying it, per spec §4.7's plan() step.
// POST /api/v1/manifests/validate
func (h *DeployHandler) Validate(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errBody("read request body: "+err.Error()))
	}
	m, err := manifest.Parse(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errBody("parse manifest: "+err.Error()))
	}
	if err := compiler.Validate(m); err != nil {
		return c.JSON(http.StatusUnprocessableEntity, errBody(err.Error()))
	}
	return c.JSON(http.StatusOK, map[string]string{"app_id": m.App.ID, "version": m.App.Version})
}

type redeployRequest struct {
	Manifest json.RawMessage `json:"manifest"`
	Patch    json.RawMessage `json:"patch"`
}

// Redeploy applies a JSON-patch set onto a previously deployed
// manifest (supplied in full by the caller, since the store persists
// the compiled plan, not the raw source document) and re-runs the
// deploy pipeline against the patched result, per spec's
// versioned-redeploy model.
// POST /api/v1/manifests/redeploy
func (h *DeployHandler) Redeploy(c echo.Context) error {
	ctx := c.Request().Context()

	var req redeployRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("invalid request body"))
	}

	prev, err := manifest.Parse(req.Manifest)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errBody("parse base manifest: "+err.Error()))
	}

	if h.components.Compiler == nil {
		return c.JSON(http.StatusServiceUnavailable, errBody("no store backend configured"))
	}
	plan, err := h.components.Compiler.Redeploy(ctx, prev, req.Patch)
	if err != nil {
		return c.JSON(http.StatusUnprocessableEntity, errBody("redeploy manifest: "+err.Error()))
	}

	return c.JSON(http.StatusOK, deployResponse{
		AppID:        plan.AppID,
		Version:      plan.Version,
		Activities:   len(plan.Activities),
		WorkerGroups: plan.WorkerGroups,
	})
}

type activateRequest struct {
	AppID         string `json:"app_id"`
	Version       string `json:"version"`
	QuorumDelayMs int    `json:"quorum_delay_ms"`
	ScoutTTLSec   int    `json:"scout_ttl_sec"`
}

// Activate runs the teacher-described rollcall-then-cutover sequence
// (spec §4.11's activate), targeting the app's already-running Quorum
// member that this process's own StartApp call (cmd/meshflow-deploy's
// main) registered.
// POST /api/v1/apps/:app_id/activate
func (h *DeployHandler) Activate(c echo.Context) error {
	ctx := c.Request().Context()
	appID := c.Param("app_id")

	var req activateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("invalid request body"))
	}
	req.AppID = appID

	q, ok := h.components.Quorums[appID]
	if !ok {
		return c.JSON(http.StatusNotFound, errBody("app "+appID+" has no running quorum member on this process"))
	}

	delay := time.Duration(req.QuorumDelayMs) * time.Millisecond
	if delay <= 0 {
		delay = 2 * time.Second
	}
	scoutTTL := req.ScoutTTLSec
	if scoutTTL <= 0 {
		scoutTTL = 30
	}

	if err := q.Activate(ctx, appID, req.Version, delay, scoutTTL); err != nil {
		return c.JSON(http.StatusConflict, errBody("activate: "+err.Error()))
	}
	return c.JSON(http.StatusOK, map[string]string{"app_id": appID, "version": req.Version, "status": "activated"})
}

func readBody(c echo.Context) ([]byte, error) {
	defer c.Request().Body.Close()
	return io.ReadAll(c.Request().Body)
}

func errBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
