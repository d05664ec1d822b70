package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangebreak/rangebreak/internal/diag"
	"github.com/rangebreak/rangebreak/internal/domain"
	"github.com/rangebreak/rangebreak/internal/engine"
)

type stubEngine struct {
	state     engine.State
	sessionID uuid.UUID
	history   []engine.Transition
	scan      []*domain.ScanResult
	scanTs    time.Time

	started    int
	stopped    int
	paused     int
	resumed    int
	emergency  []string
	resets     int
	riskResets int
	err        error
}

func (e *stubEngine) Start(ctx context.Context) error { e.started++; return e.err }
func (e *stubEngine) Stop(ctx context.Context) error  { e.stopped++; return e.err }
func (e *stubEngine) Pause() error                    { e.paused++; return e.err }
func (e *stubEngine) Resume() error                   { e.resumed++; return e.err }
func (e *stubEngine) EmergencyStop(ctx context.Context, reason string) error {
	e.emergency = append(e.emergency, reason)
	return e.err
}
func (e *stubEngine) Reset() error { e.resets++; return e.err }
func (e *stubEngine) ResetRisk()   { e.riskResets++ }
func (e *stubEngine) State() engine.State {
	if e.state == "" {
		return engine.StateIdle
	}
	return e.state
}
func (e *stubEngine) History(n int) []engine.Transition { return e.history }
func (e *stubEngine) LastScan() ([]*domain.ScanResult, time.Time) {
	return e.scan, e.scanTs
}
func (e *stubEngine) SessionID() uuid.UUID { return e.sessionID }

type stubRiskView struct {
	metrics domain.RiskMetrics
}

func (r *stubRiskView) Metrics() domain.RiskMetrics { return r.metrics }

type stubPositionView struct {
	positions []*domain.Position
}

func (p *stubPositionView) Positions() []*domain.Position { return p.positions }

type fixture struct {
	server    *Server
	engine    *stubEngine
	risk      *stubRiskView
	positions *stubPositionView
	diag      *diag.Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		engine:    &stubEngine{sessionID: uuid.New(), state: engine.StateScanning},
		risk:      &stubRiskView{metrics: domain.RiskMetrics{AccountEquity: 100000, KillSwitchActive: false}},
		positions: &stubPositionView{},
		diag:      diag.NewCollector(64, zerolog.Nop()),
	}
	f.server = NewServer(Config{
		Host:      "127.0.0.1",
		Port:      0,
		Engine:    f.engine,
		Risk:      f.risk,
		Positions: f.positions,
		Diag:      f.diag,
	}, zerolog.Nop())
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.positions.positions = []*domain.Position{
		{ID: uuid.New(), Symbol: "BTCUSDT", QtyOpen: 1, InitialQty: 1, State: domain.PositionOpen},
	}

	rec, body := f.do(t, http.MethodGet, "/api/v1/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(engine.StateScanning), body["state"])
	assert.Equal(t, f.engine.sessionID.String(), body["session_id"])
	assert.Equal(t, float64(1), body["open_positions"])

	risk, ok := body["risk"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(100000), risk["account_equity"])
}

func TestControlLifecycle(t *testing.T) {
	f := newFixture(t)

	for _, tc := range []struct {
		path  string
		count *int
	}{
		{"/api/v1/control/start", &f.engine.started},
		{"/api/v1/control/stop", &f.engine.stopped},
		{"/api/v1/control/pause", &f.engine.paused},
		{"/api/v1/control/resume", &f.engine.resumed},
		{"/api/v1/control/reset", &f.engine.resets},
	} {
		rec, body := f.do(t, http.MethodPost, tc.path, "")
		assert.Equal(t, http.StatusOK, rec.Code, tc.path)
		assert.Equal(t, true, body["success"], tc.path)
		assert.Equal(t, 1, *tc.count, tc.path)
	}
}

func TestEmergencyStopReason(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodPost, "/api/v1/control/emergency-stop", `{"reason":"flash crash"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.engine.emergency, 1)
	assert.Equal(t, "flash crash", f.engine.emergency[0])

	rec, _ = f.do(t, http.MethodPost, "/api/v1/control/emergency-stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.engine.emergency, 2)
	assert.Equal(t, "operator emergency stop", f.engine.emergency[1])
}

func TestRiskReset(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodPost, "/api/v1/control/risk/reset", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.engine.riskResets)
}

func TestInvalidTransitionMapsToConflict(t *testing.T) {
	f := newFixture(t)
	f.engine.err = domain.NewError(domain.KindInvalidTransition, "cannot pause from IDLE")

	rec, body := f.do(t, http.MethodPost, "/api/v1/control/pause", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "cannot pause")
}

func TestFSMHistory(t *testing.T) {
	f := newFixture(t)
	f.engine.history = []engine.Transition{
		{From: engine.StateIdle, To: engine.StateInitializing, Reason: "start", Ts: time.Now().UTC()},
		{From: engine.StateInitializing, To: engine.StateScanning, Reason: "init done", Ts: time.Now().UTC()},
	}

	rec, body := f.do(t, http.MethodGet, "/api/v1/fsm/history?limit=10", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	transitions, ok := body["transitions"].([]interface{})
	require.True(t, ok)
	assert.Len(t, transitions, 2)
}

func TestScanEndpoint(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodGet, "/api/v1/scan", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), body["count"])

	f.engine.scan = []*domain.ScanResult{{Symbol: "BTCUSDT", Score: 0.8, Rank: 1}}
	f.engine.scanTs = time.Now()
	rec, body = f.do(t, http.MethodGet, "/api/v1/scan", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])
}

func TestDiagnosticsTail(t *testing.T) {
	f := newFixture(t)
	f.diag.Record("engine", "cycle_error", "", "boom", nil)
	f.diag.RecordFilter("BTCUSDT", "liquidity", false, map[string]interface{}{"volume": 1.0})

	rec, body := f.do(t, http.MethodGet, "/api/v1/diagnostics?limit=1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])

	events, ok := body["events"].([]interface{})
	require.True(t, ok)
	ev := events[0].(map[string]interface{})
	assert.Equal(t, "scanner", ev["component"])
}
