// Package engine drives the scan-to-manage trading cycle through an explicit
// state machine. One cycle is active at a time; control commands (start, stop,
// pause, resume, emergency stop) cancel the cycle context cooperatively and
// the loop observes them at every stage boundary.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rangebreak/rangebreak/internal/config"
	"github.com/rangebreak/rangebreak/internal/diag"
	"github.com/rangebreak/rangebreak/internal/domain"
	"github.com/rangebreak/rangebreak/internal/exchange"
	"github.com/rangebreak/rangebreak/internal/indicators"
	"github.com/rangebreak/rangebreak/internal/metrics"
	"github.com/rangebreak/rangebreak/internal/risk"
)

const (
	cycleIdleDelay = time.Second

	errorBackoffBase = time.Second
	errorBackoffCap  = 30 * time.Second

	// automated recoveries allowed inside recoveryWindow before EMERGENCY
	maxRecoveries  = 5
	recoveryWindow = 5 * time.Minute

	correlationLookback = 60
)

// Scanner produces ranked candidates and their levels
type Scanner interface {
	Scan(ctx context.Context, universe []string, now time.Time) ([]*domain.ScanResult, error)
	AttachLevels(result *domain.ScanResult)
}

// SignalSource turns a scanned candidate into an entry signal, or nil
type SignalSource interface {
	Generate(scan *domain.ScanResult, now time.Time) *domain.Signal
}

// RiskGate sizes approved signals and tracks portfolio risk
type RiskGate interface {
	Evaluate(sig *domain.Signal, snap risk.PortfolioSnapshot, spec domain.MarketSpec, now time.Time) (*domain.SizedOrder, error)
	Metrics() domain.RiskMetrics
	SetEquity(equity float64, now time.Time)
	ResetKillSwitch()
}

// OrderExecutor places sized orders and cancels leftovers
type OrderExecutor interface {
	Execute(ctx context.Context, sized *domain.SizedOrder) (*domain.Order, error)
	CancelOpenOrders(ctx context.Context, symbol string) error
}

// PositionBook opens and manages positions
type PositionBook interface {
	Open(sized *domain.SizedOrder, parent *domain.Order, now time.Time) *domain.Position
	ManageTick(ctx context.Context, now time.Time) []*domain.Position
	Positions() []*domain.Position
	Count() int
}

// MarketFeed is the slice of the market data provider the engine drives
type MarketFeed interface {
	Start(ctx context.Context) error
	Stop()
	Track(symbols []string) error
	Warmup(ctx context.Context, symbols []string) error
	SetTicker(symbol string, volume24hUSD, oiUSD, oiDelta float64)
	Candles(symbol, timeframe string) []domain.Candle
}

// Recorder persists the session's artifacts. Optional; a nil recorder
// disables persistence.
type Recorder interface {
	SaveSignal(ctx context.Context, sessionID uuid.UUID, sig *domain.Signal) error
	SaveOrder(ctx context.Context, sessionID uuid.UUID, order *domain.Order) error
	SavePosition(ctx context.Context, sessionID uuid.UUID, pos *domain.Position) error
}

// Engine owns the trading cycle and its components
type Engine struct {
	ex        exchange.Exchange
	feed      MarketFeed
	scanner   Scanner
	signals   SignalSource
	risk      RiskGate
	exec      OrderExecutor
	positions PositionBook
	recorder  Recorder

	diag    *diag.Collector
	metrics *metrics.Engine
	log     zerolog.Logger
	fsm     *fsm

	sessionID uuid.UUID

	mu         sync.RWMutex
	preset     *config.TradingPreset
	specs      map[string]domain.MarketSpec
	universe   []string
	lastScan   []*domain.ScanResult
	lastScanTs time.Time
	pending    *signalQueue
	recoveries []time.Time

	cycleEvery time.Duration // overrides the preset scan interval when set

	runMu     sync.Mutex
	runCancel context.CancelFunc
	cycleMu   sync.Mutex
	cycleStop context.CancelFunc
	wg        sync.WaitGroup
	pauseReq  bool
	stopReq   bool
}

// Deps bundles the engine's collaborators
type Deps struct {
	Exchange  exchange.Exchange
	Feed      MarketFeed
	Scanner   Scanner
	Signals   SignalSource
	Risk      RiskGate
	Executor  OrderExecutor
	Positions PositionBook
	Recorder  Recorder
	Diag      *diag.Collector
}

// New wires an engine in IDLE
func New(preset *config.TradingPreset, deps Deps, logger zerolog.Logger) *Engine {
	e := &Engine{
		ex:        deps.Exchange,
		feed:      deps.Feed,
		scanner:   deps.Scanner,
		signals:   deps.Signals,
		risk:      deps.Risk,
		exec:      deps.Executor,
		positions: deps.Positions,
		recorder:  deps.Recorder,
		diag:      deps.Diag,
		metrics:   metrics.ForEngine(),
		log:       logger.With().Str("component", "engine").Logger(),
		fsm:       newFSM(logger),
		sessionID: uuid.New(),
		preset:    preset,
	}
	e.pending = newSignalQueue(preset.Risk.MaxConcurrentPositions*2, deps.Diag)
	return e
}

// SessionID identifies this engine run
func (e *Engine) SessionID() uuid.UUID { return e.sessionID }

// State returns the current FSM state
func (e *Engine) State() State { return e.fsm.State() }

// History returns recent FSM transitions, oldest first
func (e *Engine) History(n int) []Transition { return e.fsm.History(n) }

// LastScan returns the most recent successful scan results
func (e *Engine) LastScan() ([]*domain.ScanResult, time.Time) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastScan, e.lastScanTs
}

// SetPreset swaps the active preset; the next cycle picks it up
func (e *Engine) SetPreset(preset *config.TradingPreset) {
	e.mu.Lock()
	e.preset = preset
	e.mu.Unlock()
}

func (e *Engine) activePreset() *config.TradingPreset {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.preset
}

// Start initializes the components and launches the run loop. Starting a
// running engine is a no-op that returns success.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.runCancel != nil {
		return nil
	}

	if err := e.fsm.To(StateInitializing, "start"); err != nil {
		return err
	}
	if err := e.initialize(ctx); err != nil {
		if terr := e.fsm.To(StateError, err.Error()); terr != nil {
			e.log.Error().Err(terr).Msg("Failed to enter error state")
		}
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.runCancel = cancel
	e.mu.Lock()
	e.stopReq = false
	e.pauseReq = false
	e.mu.Unlock()

	e.wg.Add(1)
	go e.runLoop(runCtx)

	e.log.Info().Str("session_id", e.sessionID.String()).Msg("Engine started")
	return nil
}

// Stop cancels the run loop and waits for it to drain. Stopping a stopped
// engine is a no-op that returns success.
func (e *Engine) Stop(ctx context.Context) error {
	e.runMu.Lock()
	cancel := e.runCancel
	e.runCancel = nil
	e.runMu.Unlock()

	if cancel == nil {
		return nil
	}

	e.mu.Lock()
	e.stopReq = true
	e.mu.Unlock()
	cancel()
	e.cancelCycle()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.feed.Stop()
	e.log.Info().Msg("Engine stopped")
	return nil
}

// Pause suspends new trading activity at the next stage boundary. Open
// positions keep being managed once resumed.
func (e *Engine) Pause() error {
	e.runMu.Lock()
	running := e.runCancel != nil
	e.runMu.Unlock()

	st := e.fsm.State()
	if st == StatePaused {
		return nil
	}
	if !running || st == StateEmergency {
		return domain.NewError(domain.KindInvalidTransition, "cannot pause from %s", st)
	}
	e.mu.Lock()
	e.pauseReq = true
	e.mu.Unlock()
	e.cancelCycle()
	return nil
}

// Resume clears a pause
func (e *Engine) Resume() error {
	e.mu.Lock()
	e.pauseReq = false
	e.mu.Unlock()
	if e.fsm.State() != StatePaused {
		return nil
	}
	return e.fsm.To(StateScanning, "resume")
}

// EmergencyStop halts the cycle and cancels every open order. The engine
// stays in EMERGENCY until stopped or reset to IDLE by an operator.
func (e *Engine) EmergencyStop(ctx context.Context, reason string) error {
	if err := e.fsm.To(StateEmergency, reason); err != nil {
		return err
	}
	e.cancelCycle()

	e.diag.Record("engine", "emergency_stop", "", reason, nil)
	for _, pos := range e.positions.Positions() {
		if err := e.exec.CancelOpenOrders(ctx, pos.Symbol); err != nil {
			e.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("Failed to cancel open orders")
		}
	}
	e.log.Error().Str("reason", reason).Msg("Emergency stop engaged")
	return nil
}

// Reset returns a halted engine (PAUSED, ERROR or EMERGENCY) to IDLE so it
// can be started again
func (e *Engine) Reset() error {
	e.runMu.Lock()
	running := e.runCancel != nil
	e.runMu.Unlock()
	if running {
		return domain.NewError(domain.KindInvalidTransition, "stop the engine before reset")
	}
	return e.fsm.To(StateIdle, "operator reset")
}

// ResetRisk clears the kill switch latch
func (e *Engine) ResetRisk() {
	e.risk.ResetKillSwitch()
	e.diag.Record("engine", "risk_reset", "", "operator reset", nil)
}

// initialize loads specs, builds the universe and warms the feed
func (e *Engine) initialize(ctx context.Context) error {
	specs, err := e.ex.LoadMarkets(ctx)
	if err != nil {
		return domain.WrapError(domain.KindExchangeUnreachable, err, "load markets")
	}

	tickers, err := e.ex.FetchTickers(ctx)
	if err != nil {
		return domain.WrapError(domain.KindExchangeUnreachable, err, "fetch tickers")
	}

	preset := e.activePreset()
	universe := buildUniverse(specs, tickers, &preset.ScannerConfig)

	for _, sym := range universe {
		t := tickers[sym]
		e.feed.SetTicker(sym, t.Volume24hUSD, t.OpenInterestUSD, 0)
	}
	if err := e.feed.Start(ctx); err != nil {
		return err
	}
	if err := e.feed.Track(universe); err != nil {
		return err
	}
	if err := e.feed.Warmup(ctx, universe); err != nil {
		return err
	}

	if bal, err := e.ex.FetchBalance(ctx); err == nil {
		e.risk.SetEquity(bal.EquityUSD, time.Now())
	} else {
		e.log.Warn().Err(err).Msg("Balance fetch failed during init, keeping configured equity")
	}

	e.mu.Lock()
	e.specs = specs
	e.universe = universe
	e.mu.Unlock()

	e.log.Info().
		Int("universe", len(universe)).
		Int("markets", len(specs)).
		Msg("Engine initialized")
	return nil
}

// runLoop executes cycles until the context ends, applying the error
// recovery policy between failed cycles.
func (e *Engine) runLoop(ctx context.Context) {
	defer e.wg.Done()
	defer func() {
		if err := e.fsm.To(StateStopped, "run loop exit"); err != nil {
			e.log.Warn().Err(err).Msg("Could not reach stopped state")
		}
	}()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if e.paused() {
			err := e.fsm.To(StatePaused, "pause requested")
			if err != nil {
				// a cancelled mid-pipeline stage cannot pause directly
				if rerr := e.fsm.To(StateScanning, "pause reroute"); rerr == nil {
					err = e.fsm.To(StatePaused, "pause requested")
				}
			}
			if err == nil {
				e.log.Info().Msg("Engine paused")
			}
			if !e.sleep(ctx, cycleIdleDelay) {
				return
			}
			continue
		}
		if st := e.fsm.State(); st == StateEmergency {
			if !e.sleep(ctx, cycleIdleDelay) {
				return
			}
			continue
		}

		err := e.cycle(ctx)
		switch {
		case err == nil:
			attempt = 0
			if !e.sleep(ctx, e.cycleInterval()) {
				return
			}
		case ctx.Err() != nil || e.stopping():
			return
		case e.paused():
			// pause cancelled the cycle mid-stage
			continue
		default:
			if e.fsm.State() == StateEmergency {
				// emergency engaged mid-cycle; stay latched
				continue
			}
			if terr := e.fsm.To(StateError, err.Error()); terr != nil && e.fsm.State() != StateError {
				e.log.Error().Err(terr).Msg("Failed to enter error state")
				return
			}
			e.diag.Record("engine", "cycle_error", "", err.Error(), nil)
			e.log.Error().Err(err).Int("attempt", attempt).Msg("Cycle failed")

			if !e.allowRecovery(time.Now()) {
				if eerr := e.EmergencyStop(ctx, "recovery budget exhausted"); eerr != nil {
					e.log.Error().Err(eerr).Msg("Emergency stop failed")
				}
				continue
			}
			backoff := errorBackoff(attempt)
			attempt++
			if !e.sleep(ctx, backoff) {
				return
			}
			e.metrics.ErrorRecoveries.Inc()
			if rerr := e.fsm.To(StateScanning, "auto retry"); rerr != nil {
				e.log.Error().Err(rerr).Msg("Auto retry transition failed")
				return
			}
		}
	}
}

// cycle runs one pass of the pipeline: scan, levels, signals, sizing,
// execution, manage.
func (e *Engine) cycle(ctx context.Context) error {
	start := time.Now()
	defer func() { e.metrics.CycleDuration.Observe(time.Since(start).Seconds()) }()

	cctx, cancel := context.WithCancel(ctx)
	e.setCycleCancel(cancel)
	defer func() {
		e.setCycleCancel(nil)
		cancel()
	}()

	preset := e.activePreset()
	now := time.Now()

	candidates, err := e.stageScan(cctx, preset, now)
	if err != nil {
		return err
	}

	if len(candidates) > 0 {
		if err := e.stageLevels(cctx, preset, candidates); err != nil {
			return err
		}
		if err := e.stageSignals(cctx, candidates, now); err != nil {
			return err
		}
		sized, err := e.stageSizing(cctx, preset, now)
		if err != nil {
			return err
		}
		if len(sized) > 0 {
			if err := e.stageExecution(cctx, sized); err != nil {
				return err
			}
		}
	}

	return e.stageManage(cctx)
}

func (e *Engine) stageScan(ctx context.Context, preset *config.TradingPreset, now time.Time) ([]*domain.ScanResult, error) {
	if err := e.fsm.To(StateScanning, "cycle"); err != nil {
		return nil, err
	}
	sctx, cancel := context.WithTimeout(ctx, stateTimeouts[StateScanning])
	defer cancel()

	e.mu.RLock()
	universe := e.universe
	e.mu.RUnlock()

	results, err := e.scanner.Scan(sctx, universe, now)
	if err != nil {
		// previous scan stays visible to the API
		return nil, domain.WrapError(domain.KindOf(err), err, "scan stage")
	}

	e.mu.Lock()
	e.lastScan = results
	e.lastScanTs = now
	e.mu.Unlock()

	var candidates []*domain.ScanResult
	for _, r := range results {
		if r.PassedAllFilters() {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) > preset.ScannerConfig.MaxCandidates {
		candidates = candidates[:preset.ScannerConfig.MaxCandidates]
	}
	return candidates, nil
}

func (e *Engine) stageLevels(ctx context.Context, preset *config.TradingPreset, candidates []*domain.ScanResult) error {
	if err := e.fsm.To(StateLevelBuilding, "candidates ready"); err != nil {
		return err
	}
	lctx, cancel := context.WithTimeout(ctx, stateTimeouts[StateLevelBuilding])
	defer cancel()

	for _, c := range candidates {
		if lctx.Err() != nil {
			return domain.WrapError(domain.KindInternal, lctx.Err(), "level building stage")
		}
		e.scanner.AttachLevels(c)
	}
	return nil
}

func (e *Engine) stageSignals(ctx context.Context, candidates []*domain.ScanResult, now time.Time) error {
	if err := e.fsm.To(StateSignalWait, "levels ready"); err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, stateTimeouts[StateSignalWait])
	defer cancel()

	for _, c := range candidates {
		if sctx.Err() != nil {
			return domain.WrapError(domain.KindInternal, sctx.Err(), "signal stage")
		}
		if len(c.Levels) == 0 {
			continue
		}
		sig := e.signals.Generate(c, now)
		if sig == nil {
			continue
		}
		if sig.Meta == nil {
			sig.Meta = map[string]interface{}{}
		}
		sig.Meta["depth_usd"] = entryDepthUSD(sig.Side, c.Market)
		e.pending.push(sig)
		e.record(func(rctx context.Context) error { return e.recorder.SaveSignal(rctx, e.sessionID, sig) })
	}
	return nil
}

func (e *Engine) stageSizing(ctx context.Context, preset *config.TradingPreset, now time.Time) ([]*domain.SizedOrder, error) {
	signals := e.pending.drain()
	if len(signals) == 0 {
		return nil, nil
	}
	if err := e.fsm.To(StateSizing, "signals pending"); err != nil {
		return nil, err
	}
	zctx, cancel := context.WithTimeout(ctx, stateTimeouts[StateSizing])
	defer cancel()

	var out []*domain.SizedOrder
	for _, sig := range signals {
		if zctx.Err() != nil {
			return out, domain.WrapError(domain.KindInternal, zctx.Err(), "sizing stage")
		}
		spec, ok := e.specFor(sig.Symbol)
		if !ok {
			e.log.Warn().Str("symbol", sig.Symbol).Msg("No market spec for signal, skipping")
			continue
		}
		snap := e.portfolioSnapshot(sig)
		sized, err := e.risk.Evaluate(sig, snap, spec, now)
		if err != nil {
			if domain.IsKind(err, domain.KindRiskDenied) {
				e.log.Info().Str("symbol", sig.Symbol).Err(err).Msg("Signal denied")
				continue
			}
			return out, err
		}
		out = append(out, sized)
	}
	return out, nil
}

func (e *Engine) stageExecution(ctx context.Context, sized []*domain.SizedOrder) error {
	if err := e.fsm.To(StateExecution, "sized orders ready"); err != nil {
		return err
	}
	xctx, cancel := context.WithTimeout(ctx, stateTimeouts[StateExecution])
	defer cancel()

	for _, so := range sized {
		parent, err := e.exec.Execute(xctx, so)
		if parent != nil {
			e.record(func(rctx context.Context) error { return e.recorder.SaveOrder(rctx, e.sessionID, parent) })
		}
		if err != nil {
			if cerr := e.exec.CancelOpenOrders(context.WithoutCancel(xctx), so.Signal.Symbol); cerr != nil {
				e.log.Error().Err(cerr).Str("symbol", so.Signal.Symbol).Msg("Cleanup cancel failed")
			}
			if domain.IsKind(err, domain.KindExecutionTimeout) || domain.IsKind(err, domain.KindExchangeRejected) {
				e.log.Warn().Err(err).Str("symbol", so.Signal.Symbol).Msg("Entry abandoned")
				continue
			}
			return err
		}
		if parent != nil && parent.FilledQty > 0 {
			pos := e.positions.Open(so, parent, time.Now())
			e.record(func(rctx context.Context) error { return e.recorder.SavePosition(rctx, e.sessionID, pos) })
		}
	}
	return nil
}

func (e *Engine) stageManage(ctx context.Context) error {
	if err := e.fsm.To(StateManaging, "cycle tail"); err != nil {
		return err
	}
	if bal, err := e.ex.FetchBalance(ctx); err == nil {
		e.risk.SetEquity(bal.EquityUSD, time.Now())
	}
	closed := e.positions.ManageTick(ctx, time.Now())
	for _, pos := range closed {
		p := pos
		e.record(func(rctx context.Context) error { return e.recorder.SavePosition(rctx, e.sessionID, p) })
	}
	return nil
}

// portfolioSnapshot assembles what the risk gates need: open positions,
// candidate-to-position return correlations and the book depth at the
// sizing fraction.
func (e *Engine) portfolioSnapshot(sig *domain.Signal) risk.PortfolioSnapshot {
	open := e.positions.Positions()

	corr := make(map[string]float64, len(open))
	base := closesTail(e.feed.Candles(sig.Symbol, "5m"), correlationLookback)
	for _, pos := range open {
		if pos.Symbol == sig.Symbol {
			corr[pos.Symbol] = 1.0
			continue
		}
		other := closesTail(e.feed.Candles(pos.Symbol, "5m"), correlationLookback)
		corr[pos.Symbol] = indicators.Correlation(indicators.Returns(base), indicators.Returns(other))
	}

	var depth float64
	if md, ok := sig.Meta["depth_usd"].(float64); ok {
		depth = md
	}
	return risk.PortfolioSnapshot{Positions: open, Correlations: corr, DepthUSD: depth}
}

func (e *Engine) specFor(symbol string) (domain.MarketSpec, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	spec, ok := e.specs[symbol]
	return spec, ok
}

func (e *Engine) record(fn func(ctx context.Context) error) {
	if e.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		e.log.Warn().Err(err).Msg("Persistence write failed")
	}
}

func (e *Engine) cycleInterval() time.Duration {
	if e.cycleEvery > 0 {
		return e.cycleEvery
	}
	secs := e.activePreset().ScannerConfig.ScanIntervalSeconds
	if secs <= 0 {
		return cycleIdleDelay
	}
	return time.Duration(secs) * time.Second
}

func (e *Engine) setCycleCancel(cancel context.CancelFunc) {
	e.cycleMu.Lock()
	e.cycleStop = cancel
	e.cycleMu.Unlock()
}

func (e *Engine) cancelCycle() {
	e.cycleMu.Lock()
	if e.cycleStop != nil {
		e.cycleStop()
	}
	e.cycleMu.Unlock()
}

func (e *Engine) paused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pauseReq
}

func (e *Engine) stopping() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stopReq
}

// allowRecovery records one recovery attempt and reports whether the
// rolling window still has budget.
func (e *Engine) allowRecovery(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.recoveries[:0]
	for _, ts := range e.recoveries {
		if now.Sub(ts) < recoveryWindow {
			kept = append(kept, ts)
		}
	}
	e.recoveries = kept
	if len(e.recoveries) >= maxRecoveries {
		return false
	}
	e.recoveries = append(e.recoveries, now)
	return true
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func errorBackoff(attempt int) time.Duration {
	d := errorBackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= errorBackoffCap {
			return errorBackoffCap
		}
	}
	return d
}

// buildUniverse selects tradable symbols: present in both specs and
// tickers, whitelist/blacklist applied, optionally truncated to the top N
// by 24h volume.
func buildUniverse(specs map[string]domain.MarketSpec, tickers map[string]exchange.TickerStats, sc *config.ScannerConfig) []string {
	blacklist := make(map[string]bool, len(sc.SymbolBlacklist))
	for _, s := range sc.SymbolBlacklist {
		blacklist[s] = true
	}
	whitelist := make(map[string]bool, len(sc.SymbolWhitelist))
	for _, s := range sc.SymbolWhitelist {
		whitelist[s] = true
	}

	var out []string
	for sym := range specs {
		if _, ok := tickers[sym]; !ok || blacklist[sym] {
			continue
		}
		if len(whitelist) > 0 && !whitelist[sym] {
			continue
		}
		out = append(out, sym)
	}
	sort.Slice(out, func(i, j int) bool {
		vi, vj := tickers[out[i]].Volume24hUSD, tickers[out[j]].Volume24hUSD
		if vi != vj {
			return vi > vj
		}
		return out[i] < out[j]
	})
	if sc.TopNByVolume > 0 && len(out) > sc.TopNByVolume {
		out = out[:sc.TopNByVolume]
	}
	return out
}

// entryDepthUSD is the book depth the entry would consume: asks for a
// long, bids for a short.
func entryDepthUSD(side domain.Side, md *domain.MarketData) float64 {
	if md == nil || md.L2 == nil {
		return 0
	}
	if side == domain.SideLong {
		return md.L2.AskUSD03Pct
	}
	return md.L2.BidUSD03Pct
}

func closesTail(candles []domain.Candle, n int) []float64 {
	if len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
