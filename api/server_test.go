package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gregtusar/koboldx/pkg/engine"
	"github.com/gregtusar/koboldx/pkg/models"
	"github.com/gregtusar/koboldx/pkg/session"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestServer wires a real engine driven synchronously through Replay.
// Tests that POST a selection start the loop with runEngine instead.
func newTestServer(t *testing.T) (*Server, *engine.Engine, *session.Counters) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	counters := session.NewCounters()
	sess := session.New(logger, counters)
	eng, err := engine.New(engine.Config{}, sess)
	require.NoError(t, err)
	return NewServer(eng, counters, logger, 0), eng, counters
}

func runEngine(t *testing.T, eng *engine.Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go eng.Run(ctx)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := do(t, s, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "DISCONNECTED", body["connection"])
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestPreflight(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := do(t, s, http.MethodOptions, "/api/selection", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestReadEndpointsBeforeData(t *testing.T) {
	s, _, _ := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/chain", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/account", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/charts/NIFTY:5m", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/charts/NIFTY", "").Code)

	w := do(t, s, http.MethodGet, "/api/orders", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestReadEndpointsServeSnapshot(t *testing.T) {
	s, eng, _ := newTestServer(t)
	_, err := eng.ApplySelection(models.Selection{Stock: "NIFTY", Intervals: []string{"5m"}})
	require.NoError(t, err)

	eng.Replay([]byte(`{"type":"chart.snapshot","symbol":"NIFTY","bundles":{"5m":[{"time":100,"open":1,"high":2,"low":1,"close":2}]}}`))
	eng.Replay([]byte(`{"type":"order.update","order":{"id":"A1","status":"OPEN"}}`))
	eng.Replay([]byte(`{"type":"order.update","order":{"id":"A2","status":"REJECTED"}}`))
	eng.Replay([]byte(`{"type":"account","margin":{"equity":{"net":10}}}`))

	w := do(t, s, http.MethodGet, "/api/charts/NIFTY:5m", "")
	require.Equal(t, http.StatusOK, w.Code)
	var series struct {
		Key  string          `json:"key"`
		Bars []models.Candle `json:"bars"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &series))
	assert.Equal(t, "NIFTY:5m", series.Key)
	require.Len(t, series.Bars, 1)

	var orders []models.Order
	w = do(t, s, http.MethodGet, "/api/orders", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &orders))
	assert.Len(t, orders, 2)

	w = do(t, s, http.MethodGet, "/api/orders?open=true", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &orders))
	require.Len(t, orders, 1)
	assert.Equal(t, "A1", orders[0].ID)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/account", "").Code)

	var st engine.State
	w = do(t, s, http.MethodGet, "/api/state", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "NIFTY", st.Selection.Stock)
	assert.Equal(t, eng.Snapshot().Seq, st.Seq)
}

func TestMetrics(t *testing.T) {
	s, eng, _ := newTestServer(t)
	eng.Replay([]byte(`{"type":"nope"}`))

	w := do(t, s, http.MethodGet, "/api/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)

	var snap session.CountersSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, uint64(1), snap.Counts["unknown_type"])
}

func TestPostSelection(t *testing.T) {
	s, eng, _ := newTestServer(t)
	runEngine(t, eng)

	w := do(t, s, http.MethodPost, "/api/selection", `{"stock":"NIFTY","optionKey":null,"intervals":["5m","15m"]}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var body struct {
		Subscribe []map[string]string `json:"subscribe"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Subscribe, 2)
	assert.Equal(t, "NIFTY", eng.Snapshot().Selection.Stock)
}

func TestPostSelectionBadRequest(t *testing.T) {
	s, eng, _ := newTestServer(t)
	runEngine(t, eng)

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{`},
		{name: "missing stock", body: `{"intervals":["5m"]}`},
		{name: "blank stock", body: `{"stock":"   ","intervals":["5m"]}`},
		{name: "mistyped intervals", body: `{"stock":"NIFTY","intervals":"5m"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, "/api/selection", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}
