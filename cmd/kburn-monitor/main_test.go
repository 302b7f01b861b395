package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestContext(w *httptest.ResponseRecorder) *gin.Context {
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	return c
}

func TestHandleHealthReportsUptime(t *testing.T) {
	m := newMonitor(nil, nil)
	w := httptest.NewRecorder()
	m.handleHealth(newTestContext(w))

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, body["uptime"])
}

func TestHandleMetricsIncrementsPollCount(t *testing.T) {
	m := newMonitor(nil, nil)

	var last map[string]any
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		m.handleMetrics(newTestContext(w))
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &last))
	}

	assert.EqualValues(t, 3, last["device_polls"])
}

func TestNewMonitorStartsTimerNow(t *testing.T) {
	before := time.Now()
	m := newMonitor(nil, nil)
	assert.True(t, !m.startTime.Before(before))
}
