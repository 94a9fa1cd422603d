package server_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dglo/trigger-testbed-sub000/internal/consumer"
	"github.com/dglo/trigger-testbed-sub000/internal/metrics"
	"github.com/dglo/trigger-testbed-sub000/internal/monitor"
	"github.com/dglo/trigger-testbed-sub000/internal/runner"
	"github.com/dglo/trigger-testbed-sub000/server"
)

func setupTestServer(t *testing.T, withMetrics bool) (*server.Server, *httptest.Server, *metrics.Metrics) {
	t.Helper()

	cfg := &server.Config{
		RunName:         "sim",
		EnableWebSocket: true,
		Version:         "test",
	}
	var m *metrics.Metrics
	if withMetrics {
		m = metrics.New()
		cfg.Metrics = m.Handler()
	}

	srv := server.New(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts, m
}

func snapshot(iteration int, written int64) monitor.Snapshot {
	return monitor.Snapshot{
		RunID:     "run-1",
		Iteration: iteration,
		Sources: []monitor.SourceStatus{
			{Name: "inice", Written: written, LastTimestamp: 5000},
			{Name: "icetop", Written: 7, Paused: true, LastTimestamp: 9000},
		},
		Consumer: &monitor.ConsumerStatus{Received: written, Processed: written},
		Skew:     4000,
	}
}

func getStatus(t *testing.T, url string) server.StatusResponse {
	t.Helper()

	resp, err := http.Get(url + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var status server.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	return status
}

// ========================================
// HTTP ENDPOINTS
// ========================================

func TestRootPage(t *testing.T) {
	srv, ts, _ := setupTestServer(t, false)

	body := get(t, ts.URL+"/")
	assert.Contains(t, body, "testbed server")
	assert.Contains(t, body, "Waiting for the first poll")
	assert.Contains(t, body, "API Endpoints")
	assert.NotContains(t, body, "/metrics")

	srv.Publish(snapshot(3, 1234567))
	body = get(t, ts.URL+"/")
	assert.Contains(t, body, "1,234,567")
	assert.Contains(t, body, "Paused:    1 / 2 sources")
	assert.Contains(t, body, "ws://")
}

func TestStatus(t *testing.T) {
	srv, ts, _ := setupTestServer(t, false)

	status := getStatus(t, ts.URL)
	assert.Equal(t, "test", status.Server.Version)
	assert.Equal(t, "sim", status.Server.RunName)
	assert.True(t, status.Server.WebSocketEnabled)
	assert.False(t, status.Server.MetricsEnabled)
	assert.GreaterOrEqual(t, status.Server.UptimeSeconds, 0)
	assert.Nil(t, status.Snapshot)
	assert.False(t, status.Finished)

	srv.Publish(snapshot(5, 100))
	status = getStatus(t, ts.URL)
	require.NotNil(t, status.Snapshot)
	assert.Equal(t, 5, status.Snapshot.Iteration)
	assert.Equal(t, int64(107), status.Snapshot.Written())

	srv.SetReport(&runner.Report{RunID: "run-1", Mode: consumer.ModeRecording, Outcome: "stopped"})
	status = getStatus(t, ts.URL)
	assert.True(t, status.Finished)
	require.NotNil(t, status.Report)
	assert.Equal(t, "run-1", status.Report.RunID)
}

func TestReport(t *testing.T) {
	srv, ts, _ := setupTestServer(t, false)

	resp, err := http.Get(ts.URL + "/report")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 404, resp.StatusCode)

	srv.SetReport(&runner.Report{
		RunID:    "run-2",
		Mode:     consumer.ModeComparison,
		Outcome:  "stopped",
		Consumer: consumer.Stats{Result: consumer.Result{Mode: consumer.ModeComparison, Matched: 9, Missed: 1}},
	})

	resp, err = http.Get(ts.URL + "/report")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	var report runner.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, int64(1), report.Consumer.Result.Missed)
	assert.False(t, report.OK())

	assert.Contains(t, get(t, ts.URL+"/"), "✗ Problems found")
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts, m := setupTestServer(t, true)

	m.Observe(snapshot(1, 42))

	body := get(t, ts.URL+"/metrics")
	assert.Contains(t, body, `testbed_bridge_records_written_total{source="inice"} 42`)
	assert.Contains(t, get(t, ts.URL+"/"), "/metrics")
}

func TestNotFoundAndCORS(t *testing.T) {
	_, ts, _ := setupTestServer(t, false)

	resp, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 404, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/status", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 204, resp.StatusCode)
}

// ========================================
// WEBSOCKET
// ========================================

func TestWebSocketFeed(t *testing.T) {
	srv, ts, _ := setupTestServer(t, false)

	srv.Publish(snapshot(1, 10))

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// the latest snapshot arrives on connect
	msg := readMessage(t, conn)
	assert.Equal(t, "snapshot", msg.Type)
	assert.EqualValues(t, 1, msg.Data["iteration"])

	srv.Publish(snapshot(2, 20))
	msg = readMessage(t, conn)
	assert.EqualValues(t, 2, msg.Data["iteration"])

	srv.SetReport(&runner.Report{RunID: "run-3", Mode: consumer.ModeRecording})
	msg = readMessage(t, conn)
	assert.Equal(t, "report", msg.Type)
	assert.Equal(t, "run-3", msg.Data["run_id"])
}

func TestWebSocketShutdown(t *testing.T) {
	srv, ts, _ := setupTestServer(t, false)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	srv.Shutdown(ctx)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

type wsMessage struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

func readMessage(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg wsMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func get(t *testing.T, url string) string {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}
