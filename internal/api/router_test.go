package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geraldsadya/circles-backend-go/internal/config"
	"github.com/geraldsadya/circles-backend-go/internal/database"
	"github.com/geraldsadya/circles-backend-go/internal/events"
	"github.com/geraldsadya/circles-backend-go/internal/metrics"
	"github.com/geraldsadya/circles-backend-go/internal/middleware"
	"github.com/geraldsadya/circles-backend-go/internal/service"
	"github.com/geraldsadya/circles-backend-go/pkg/logger"
	"github.com/geraldsadya/circles-backend-go/pkg/response"
)

type client struct {
	t      *testing.T
	router *gin.Engine
	token  string
}

func newRouter(t *testing.T) (*gin.Engine, *config.Config) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenMigrated(database.Config{Path: database.MemoryPath}, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.Load()
	cfg.JWTSecret = "router-test"
	reg := prometheus.NewRegistry()
	core := service.New(db, cfg, events.NewBus(logger.Discard()), logger.Discard(), metrics.New(reg))
	require.NoError(t, core.Start(context.Background()))
	return SetupRouter(cfg, core, logger.Discard(), reg), cfg
}

func as(t *testing.T, r *gin.Engine, cfg *config.Config, subject string) *client {
	token, err := middleware.IssueToken(cfg.JWTSecret, subject, time.Hour)
	require.NoError(t, err)
	return &client{t: t, router: r, token: token}
}

func (c *client) do(method, path string, body any) (*httptest.ResponseRecorder, response.Response) {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, req)

	var resp response.Response
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(c.t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	r, _ := newRouter(t)
	anon := &client{t: t, router: r}

	w, _ := anon.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = anon.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "circles_")

	w, _ = anon.do(http.MethodGet, "/api/v1/ledger/me/total", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestChallengeFlowOverHTTP(t *testing.T) {
	r, cfg := newRouter(t)
	alice := as(t, r, cfg, "alice")

	w, _ := alice.do(http.MethodPost, "/api/v1/users/me", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = alice.do(http.MethodPost, "/api/v1/circles/circle-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, resp := alice.do(http.MethodPut, "/api/v1/challenges", map[string]any{
		"id":                 "ch-focus",
		"circleId":           "circle-1",
		"verificationMethod": "screen_time_proxy",
		"frequency":          "daily",
		"targetValue":        1,
		"windowStart":        time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
		"pointsOnPass":       7,
	})
	require.Equal(t, http.StatusOK, w.Code, resp.Error)

	now := time.Now().UTC()
	w, _ = alice.do(http.MethodPost, "/api/v1/samples/focus", map[string]any{
		"id":        "focus-1",
		"startedAt": now.Add(-20 * time.Second).Format(time.RFC3339),
		"endedAt":   now.Add(-10 * time.Second).Format(time.RFC3339),
		"completed": true,
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	w, resp = alice.do(http.MethodPost, "/api/v1/challenges/ch-focus/evaluate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "pass", data["status"])

	w, resp = alice.do(http.MethodGet, "/api/v1/ledger/me/total", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 7.0, resp.Data.(map[string]any)["total"])

	w, _ = alice.do(http.MethodDelete, "/api/v1/challenges/ch-focus", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, resp = alice.do(http.MethodGet, "/api/v1/challenges/ch-focus", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, resp.Data.(map[string]any)["active"])
}

func TestBadInputIsRejected(t *testing.T) {
	r, cfg := newRouter(t)
	alice := as(t, r, cfg, "alice")

	w, _ := alice.do(http.MethodPut, "/api/v1/challenges", map[string]any{
		"id":                 "ch-x",
		"circleId":           "circle-1",
		"verificationMethod": "telepathy",
		"frequency":          "daily",
		"windowStart":        time.Now().UTC().Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = alice.do(http.MethodGet, "/api/v1/challenges/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, resp := alice.do(http.MethodPost, "/api/v1/samples/position", map[string]any{
		"coordinate":     map[string]float64{"lat": 95, "lon": 0},
		"accuracyMeters": 5,
		"capturedAt":     time.Now().UTC().Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, false, resp.Data.(map[string]any)["accepted"])
}

func TestSnapshotAndIntegrity(t *testing.T) {
	r, cfg := newRouter(t)
	alice := as(t, r, cfg, "alice")
	w, _ := alice.do(http.MethodPost, "/api/v1/users/me", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = alice.do(http.MethodPost, "/api/v1/circles/circle-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, resp := alice.do(http.MethodGet, "/api/v1/circles/circle-1/snapshot?at=2025-03-05T12:00:00Z", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := resp.Data.(map[string]any)
	assert.Equal(t, "circle-1", snap["circleId"])
	assert.Len(t, snap["entries"], 1)

	w, _ = alice.do(http.MethodGet, "/api/v1/circles/circle-1/snapshot?at=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = alice.do(http.MethodGet, "/api/v1/integrity/me", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, resp.Data.(map[string]any)["score"])
}
