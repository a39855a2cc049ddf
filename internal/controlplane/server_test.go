package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"intraday_trader/internal/clock"
	"intraday_trader/internal/core"
	"intraday_trader/internal/execution"
	"intraday_trader/internal/oco"
	"intraday_trader/internal/orchestrator"
	"intraday_trader/internal/ratelimit"
	"intraday_trader/internal/scan"
	"intraday_trader/internal/store"
	"intraday_trader/pkg/logging"
	"intraday_trader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBroker struct{}

func (stubBroker) Name() string                                            { return "stub" }
func (stubBroker) CheckHealth(context.Context) error                       { return nil }
func (stubBroker) Quote(context.Context, string) (core.Quote, error)       { return core.Quote{}, nil }
func (stubBroker) Instruments(context.Context) ([]core.Instrument, error)  { return nil, nil }
func (stubBroker) PlaceOrder(_ context.Context, req core.OrderRequest) (core.OrderAck, error) {
	return core.OrderAck{BrokerID: "B-" + req.ClientOrderID}, nil
}
func (stubBroker) CancelOrder(context.Context, string) error                      { return nil }
func (stubBroker) ModifyOrder(context.Context, string, core.OrderRequest) error   { return nil }
func (stubBroker) StartOrderStream(context.Context, func(core.OrderEvent)) error  { return nil }
func (stubBroker) PollOrders(context.Context) ([]core.OrderEvent, error)          { return nil, nil }
func (stubBroker) StartTickStream(context.Context, []uint32, func(core.Tick)) error {
	return nil
}
func (stubBroker) StopStreams() {}

type testServer struct {
	srv    *Server
	store  core.IStore
	orch   *orchestrator.Orchestrator
	sup    *scan.Supervisor
	leader bool
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logging.NewNop()
	st, err := store.Open(filepath.Join(t.TempDir(), "trader.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2026, 1, 6, 10, 30, 0, 0, loc))
	hours, err := clock.NewHoursGate("Asia/Kolkata", "09:30", "14:45", "15:15", nil, clk)
	require.NoError(t, err)

	throttle := ratelimit.New(ratelimit.Limits{OrdersPerSec: 100, QuotesPerSec: 100, DataPerSec: 100}, log)
	exec := execution.NewEngine(st, stubBroker{}, throttle, nil, log)

	ts := &testServer{store: st}
	ts.orch = orchestrator.New(orchestrator.Deps{
		Store:     st,
		Clock:     clk,
		Hours:     hours,
		Exec:      exec,
		OCO:       oco.NewManager(st, exec, log),
		Logger:    log,
		ConfigSHA: "abc123",
		GitHead:   "deadbeef",
		Capital:   decimal.NewFromInt(1_000_000),
	})
	ts.sup = scan.NewSupervisor(time.Hour, 3, func(context.Context) error { return nil }, log)
	t.Cleanup(ts.sup.Stop)

	ts.srv = NewServer("0", Deps{
		Orch:       ts.orch,
		Store:      st,
		Supervisor: ts.sup,
		IsLeader:   func() bool { return ts.leader },
		Logger:     log,
	})
	return ts
}

func (ts *testServer) request(t *testing.T, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)

	res := rec.Result()
	var decoded map[string]interface{}
	json.NewDecoder(res.Body).Decode(&decoded)
	res.Body.Close()
	return res, decoded
}

func TestReadyFailsClosed(t *testing.T) {
	ts := newTestServer(t)
	telemetry.GetGlobalMetrics().SetNowFunc(time.Now)

	res, body := ts.request(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, false, body["ready"])
	failing, _ := body["failing"].([]interface{})
	assert.Contains(t, failing, "leader_lock")
}

func TestReadyWithLeaderAndFreshHeartbeats(t *testing.T) {
	ts := newTestServer(t)
	ts.leader = true

	m := telemetry.GetGlobalMetrics()
	m.SetNowFunc(time.Now)
	m.MarkHeartbeat(telemetry.MetricMarketDataHeartbeat)
	m.MarkHeartbeat(telemetry.MetricOrderStreamHeartbeat)
	m.MarkHeartbeat(telemetry.MetricScanHeartbeat)

	res, body := ts.request(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, true, body["ready"])

	// one stale heartbeat flips readiness back off
	m.SetNowFunc(func() time.Time { return time.Now().Add(10 * time.Second) })
	defer m.SetNowFunc(time.Now)
	res, body = ts.request(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestModeRequiresConfirmationPhrase(t *testing.T) {
	ts := newTestServer(t)

	res, body := ts.request(t, http.MethodPost, "/mode", `{"mode":"LIVE"}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, body["error"], "confirmation")
	assert.Equal(t, core.ModePaper, ts.orch.Mode())

	res, _ = ts.request(t, http.MethodPost, "/mode",
		`{"mode":"LIVE","confirm":"CONFIRM LIVE TRADING"}`)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, core.ModeLive, ts.orch.Mode())
}

func TestFlattenReturnsPerPositionSummary(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, ts.store.CreatePosition(ctx, core.Position{
		ID: "pos-flat", Symbol: "NIFTY", Side: core.SideLong, Qty: 50,
		AvgEntry: decimal.NewFromInt(21480), Group: "g-flat",
		Status: core.PositionOpen, OpenedAt: time.Now(),
	}))
	// the stub broker acks the exit instantly; close the row so the
	// summary reports a terminal state
	go func() {
		time.Sleep(50 * time.Millisecond)
		pos, err := ts.store.PositionByGroup(context.Background(), "g-flat")
		if err != nil {
			return
		}
		pos.Status = core.PositionClosed
		pos.ClosedAt = time.Now()
		_ = ts.store.UpdatePosition(context.Background(), pos)
	}()

	res, body := ts.request(t, http.MethodPost, "/flatten", `{"reason":"drill"}`)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, true, body["flattened"])

	positions, _ := body["positions"].([]interface{})
	require.Len(t, positions, 1)
	outcome, _ := positions[0].(map[string]interface{})
	require.NotNil(t, outcome)
	assert.Equal(t, "NIFTY", outcome["symbol"])
	assert.Equal(t, "g-flat", outcome["group"])
	assert.Equal(t, "CLOSED", outcome["status"])
	assert.True(t, ts.orch.IsPaused())
}

func TestPauseResumeReflectedInState(t *testing.T) {
	ts := newTestServer(t)

	res, _ := ts.request(t, http.MethodPost, "/pause", `{"reason":"drill"}`)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, body := ts.request(t, http.MethodGet, "/state", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	session, _ := body["session"].(map[string]interface{})
	require.NotNil(t, session)
	assert.Equal(t, true, session["paused"])
	assert.Equal(t, "drill", session["pause_reason"])

	res, _ = ts.request(t, http.MethodPost, "/resume", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.False(t, ts.orch.IsPaused())
}

func TestControlsRejectGet(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/pause", "/resume", "/flatten", "/mode"} {
		res, _ := ts.request(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode, path)
	}
}

func TestReadEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, ts.store.CreatePosition(ctx, core.Position{
		ID: "pos-1", Symbol: "NIFTY", Side: core.SideLong, Qty: 50,
		AvgEntry: decimal.NewFromInt(21480), Group: "g1",
		Status: core.PositionOpen, OpenedAt: time.Now(),
	}))
	require.NoError(t, ts.store.SaveRiskEvent(ctx, core.RiskEvent{
		ID: "re-1", At: time.Now(), Type: core.RiskHeatCap, Details: "heat",
	}))

	for _, path := range []string{"/positions", "/orders", "/risk", "/trades", "/health"} {
		res, _ := ts.request(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, res.StatusCode, path)
	}
}

func TestSupervisorDebugSurface(t *testing.T) {
	ts := newTestServer(t)

	res, body := ts.request(t, http.MethodGet, "/debug/supervisor/status", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "STOPPED", body["state"])

	res, body = ts.request(t, http.MethodPost, "/debug/supervisor/start", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "RUNNING", body["state"])

	res, _ = ts.request(t, http.MethodPost, "/debug/supervisor/start", "")
	assert.Equal(t, http.StatusConflict, res.StatusCode)
}
