package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicle-counter-go/internal/database"
	"vehicle-counter-go/internal/metrics"
	"vehicle-counter-go/internal/pipeline"
	"vehicle-counter-go/internal/repository"
	"vehicle-counter-go/internal/service"
	"vehicle-counter-go/pkg/models"
)

func setupRouter(t *testing.T, withHistory bool) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	var repo repository.SessionRepository
	if withHistory {
		db, err := database.Connect(database.Config{Driver: database.DriverSQLite, Path: ":memory:"}, logger)
		require.NoError(t, err)
		require.NoError(t, database.Migrate(db))
		t.Cleanup(func() { _ = database.Close(db) })
		repo = repository.NewSessionRepository(db)
	}

	defaults := pipeline.Config{
		CountingLine:             []models.Point{{X: 0, Y: 100}, {X: 200, Y: 100}},
		ClassesOfInterest:        []string{"car", "truck"},
		MaxOutstandingEnrichment: 10,
		TrajectoryHistoryLength:  10,
		GraceFrames:              5,
		EnrichmentTimeout:        time.Second,
	}
	m := metrics.New()
	svc := service.NewSessionService(repo, nil, nil, m, defaults, logger)
	t.Cleanup(svc.Shutdown)

	router := gin.New()
	NewSessionHandler(svc, m, logger).RegisterRoutes(router)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createSession(t *testing.T, router *gin.Engine) service.SessionResponse {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions", service.CreateSessionRequest{Name: "north gate"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var session service.SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	return session
}

func carFrame(index int64, y float64) service.FrameRequest {
	return service.FrameRequest{
		FrameIndex: index,
		Detections: []models.Detection{{
			TrackID:    7,
			ClassLabel: "car",
			Box:        models.BoundingBox{X1: 90, Y1: y - 10, X2: 110, Y2: y + 10},
		}},
	}
}

func TestSessionHandler_Lifecycle(t *testing.T) {
	router := setupRouter(t, true)
	session := createSession(t, router)
	assert.Equal(t, "north gate", session.Name)

	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+session.ID+"/frames", carFrame(1, 80))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+session.ID+"/frames", carFrame(2, 120))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result models.FrameResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Totals.InCount)
	assert.Equal(t, []int64{7}, result.NewlyCounted)
	require.Len(t, result.Events, 1)
	assert.Equal(t, models.DirectionIn, result.Events[0].Direction)

	w = doJSON(t, router, http.MethodGet, "/api/v1/sessions", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), session.ID)

	w = doJSON(t, router, http.MethodDelete, "/api/v1/sessions/"+session.ID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var closed service.SessionHistoryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &closed))
	assert.True(t, closed.Persisted)
	assert.Equal(t, 1, closed.Total)

	w = doJSON(t, router, http.MethodGet, "/api/v1/history?page=1&size=5", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var list service.ListSessionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, int64(1), list.Total)
	assert.Equal(t, 5, list.Size)

	w = doJSON(t, router, http.MethodGet, "/api/v1/history/"+session.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"per_class_counts"`)

	w = doJSON(t, router, http.MethodDelete, "/api/v1/history/"+session.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/history/"+session.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionHandler_ErrorStatuses(t *testing.T) {
	router := setupRouter(t, false)
	session := createSession(t, router)
	framesPath := "/api/v1/sessions/" + session.ID + "/frames"

	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions", map[string]interface{}{
		"counting_line": []models.Point{{X: 1, Y: 1}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/sessions/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest(http.MethodPost, framesPath, strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	w = doJSON(t, router, http.MethodPost, framesPath, service.FrameRequest{FrameIndex: 1, Image: "not base64!"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodPost, framesPath, carFrame(10, 80))
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, router, http.MethodPost, framesPath, carFrame(9, 80))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/api/v1/sessions/"+session.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, router, http.MethodPost, framesPath, carFrame(11, 80))
	assert.Equal(t, http.StatusGone, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/history", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSessionHandler_HealthAndMetrics(t *testing.T) {
	router := setupRouter(t, true)
	createSession(t, router)

	w := doJSON(t, router, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var health service.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "disabled", health.Enrichment)
	assert.Equal(t, 1, health.ActiveSessions)

	w = doJSON(t, router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "vehicle_counter_active_sessions 1")
}
