package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/meshflow/internal/bootstrap"
	"github.com/lyzr/meshflow/internal/reporter"
	"github.com/lyzr/meshflow/internal/store"
)

// ReportHandler exposes read-only JOB_STATS queries (spec §4.13) over
// each app's Reporter.
type ReportHandler struct {
	components *bootstrap.Components
}

// NewReportHandler builds a ReportHandler over the process's shared
// Components.
func NewReportHandler(components *bootstrap.Components) *ReportHandler {
	return &ReportHandler{components: components}
}

var bucketNames = map[string]store.StatBucket{
	"general": store.StatGeneral,
	"index":   store.StatIndex,
	"median":  store.StatMedian,
}

// Query answers a (key, granularity, start, end) stats query for one
// app's bucket, per spec §4.13.
// GET /api/v1/apps/:app_id/stats/:bucket?key=...&granularity=...&start=...&end=...
func (h *ReportHandler) Query(c echo.Context) error {
	ctx := c.Request().Context()
	appID := c.Param("app_id")

	rep, ok := h.components.Reporters[appID]
	if !ok {
		return c.JSON(http.StatusNotFound, errBody("app "+appID+" has no running reporter on this process"))
	}

	bucket, ok := bucketNames[c.Param("bucket")]
	if !ok {
		return c.JSON(http.StatusBadRequest, errBody("unknown bucket, want general|index|median"))
	}

	key := c.QueryParam("key")
	granularity := c.QueryParam("granularity")
	if key == "" || granularity == "" {
		return c.JSON(http.StatusBadRequest, errBody("key and granularity are required"))
	}

	rng, err := parseRange(c.QueryParam("start"), c.QueryParam("end"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err.Error()))
	}

	result, err := rep.Query(ctx, bucket, key, granularity, rng)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errBody("query stats: "+err.Error()))
	}
	return c.JSON(http.StatusOK, result)
}

func parseRange(startParam, endParam string) (reporter.Range, error) {
	end := time.Now()
	if endParam != "" {
		ms, err := strconv.ParseInt(endParam, 10, 64)
		if err != nil {
			return reporter.Range{}, err
		}
		end = time.UnixMilli(ms)
	}
	start := end.Add(-24 * time.Hour)
	if startParam != "" {
		ms, err := strconv.ParseInt(startParam, 10, 64)
		if err != nil {
			return reporter.Range{}, err
		}
		start = time.UnixMilli(ms)
	}
	return reporter.Range{Start: start, End: end}, nil
}
