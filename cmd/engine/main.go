package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rangebreak/rangebreak/internal/api"
	"github.com/rangebreak/rangebreak/internal/config"
	"github.com/rangebreak/rangebreak/internal/diag"
	"github.com/rangebreak/rangebreak/internal/domain"
	"github.com/rangebreak/rangebreak/internal/engine"
	"github.com/rangebreak/rangebreak/internal/exchange"
	"github.com/rangebreak/rangebreak/internal/executor"
	"github.com/rangebreak/rangebreak/internal/governor"
	"github.com/rangebreak/rangebreak/internal/marketdata"
	"github.com/rangebreak/rangebreak/internal/metrics"
	"github.com/rangebreak/rangebreak/internal/position"
	"github.com/rangebreak/rangebreak/internal/risk"
	"github.com/rangebreak/rangebreak/internal/scanner"
	sig "github.com/rangebreak/rangebreak/internal/signal"
	"github.com/rangebreak/rangebreak/internal/store"
)

const (
	startupTimeout  = 60 * time.Second
	shutdownTimeout = 30 * time.Second
	scanCacheEvery  = 30 * time.Second
	diagCapacity    = 512

	scanBatchNormal  = 20
	scanBatchTrimmed = 15
	scanBatchReduced = 10
)

func main() {
	configPath := flag.String("config", "", "path to the settings file (default: ./configs/settings.yaml)")
	presetPath := flag.String("preset", "", "path to the trading preset (overrides trading.preset_path)")
	flag.Parse()

	settings, err := config.LoadSettings(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load settings")
	}
	config.InitLogger(settings.App.LogLevel, settings.App.LogFormat)

	preset, err := loadPreset(*presetPath, settings.Trading.PresetPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load trading preset")
	}

	log.Info().
		Str("app", settings.App.Name).
		Str("mode", settings.Trading.Mode).
		Str("preset", preset.Name).
		Msg("Starting breakout engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := diag.NewCollector(diagCapacity, config.NewLogger("diag"))

	ex := buildExchange(settings)

	startupCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	specs, err := ex.LoadMarkets(startupCtx)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load market specifications")
	}
	log.Info().Int("markets", len(specs)).Msg("Market specifications loaded")

	provider := marketdata.NewProvider(settings.Exchange.WSPublicURL, ex, collector, log.Logger)
	scn := scanner.New(provider, preset, collector, log.Logger)
	signals := sig.NewGenerator(preset, specs, collector, log.Logger)
	riskMgr := risk.NewManager(preset, startingEquity(ctx, settings, ex), collector, log.Logger)
	exec := executor.New(ex, provider, preset, specs, collector, log.Logger)
	positions := position.NewManager(exec, provider, riskMgr, preset, domain.TradingMode(settings.Trading.Mode), collector, log.Logger)

	deps := engine.Deps{
		Exchange:  ex,
		Feed:      provider,
		Scanner:   scn,
		Signals:   signals,
		Risk:      riskMgr,
		Executor:  exec,
		Positions: positions,
		Diag:      collector,
	}

	var st *store.Store
	if settings.Database.URL != "" {
		st, err = store.New(ctx, settings.Database.URL, settings.Database.PoolSize, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to the persistence store")
		}
		defer st.Close()
		deps.Recorder = st

		if open, err := st.OpenPositions(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to reload open positions")
		} else if len(open) > 0 {
			if err := positions.Reload(open); err != nil {
				log.Fatal().Err(err).Msg("Failed to restore open positions")
			}
			log.Info().Int("count", len(open)).Msg("Open positions restored")
		}
	}

	eng := engine.New(preset, deps, log.Logger)

	if st != nil {
		if err := st.CreateSession(ctx, eng.SessionID(), settings.Trading.Mode, preset.Name, time.Now().UTC()); err != nil {
			log.Warn().Err(err).Msg("Failed to record trading session")
		}
	}

	gov := governor.New(nil, collector, log.Logger)
	gov.RegisterShrinker(scn)
	gov.RegisterShrinker(provider)
	gov.RegisterShrinker(collector)
	gov.SetBatchLimiter(scn, scanBatchNormal, scanBatchTrimmed, scanBatchReduced)
	gov.Start(ctx)

	var metricsSrv *metrics.Server
	if settings.Metrics.Enabled {
		metricsSrv = metrics.NewServer(settings.Metrics.Port, log.Logger)
		if err := metricsSrv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start metrics server")
		}
	}

	apiSrv := api.NewServer(api.Config{
		Host:      settings.API.Host,
		Port:      settings.API.Port,
		Engine:    eng,
		Risk:      riskMgr,
		Positions: positions,
		Diag:      collector,
	}, log.Logger)
	go func() {
		if err := apiSrv.Start(); err != nil {
			log.Error().Err(err).Msg("Control API stopped")
		}
	}()

	var cache *store.ScanCache
	if settings.Redis.Addr != "" {
		cache, err = store.NewScanCache(ctx, settings.Redis.Addr, settings.Redis.Password, settings.Redis.DB, log.Logger)
		if err != nil {
			log.Warn().Err(err).Msg("Scan cache unavailable, continuing without it")
		} else {
			go publishScans(ctx, cache, eng)
		}
	}

	if err := eng.Start(ctx); err != nil {
		// the control API stays up so the operator can retry
		log.Error().Err(err).Msg("Engine start failed, awaiting operator")
	}

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := eng.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Engine shutdown failed")
	}
	gov.Stop()
	if err := apiSrv.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Control API shutdown failed")
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown failed")
		}
	}
	if cache != nil {
		_ = cache.Close()
	}
	if st != nil {
		if err := st.EndSession(shutdownCtx, eng.SessionID(), time.Now().UTC()); err != nil {
			log.Warn().Err(err).Msg("Failed to close trading session")
		}
	}

	log.Info().Msg("Shutdown complete")
	os.Exit(0)
}

// loadPreset resolves the preset path: the flag wins, then the settings
// file, then built-in defaults
func loadPreset(flagPath, settingsPath string) (*config.TradingPreset, error) {
	path := flagPath
	if path == "" {
		path = settingsPath
	}
	if path == "" {
		log.Info().Msg("No preset configured, using built-in defaults")
		return config.DefaultPreset(), nil
	}
	return config.LoadPreset(path)
}

// buildExchange selects the venue adapter. Paper mode wraps the live
// client as a public-data delegate and simulates order flow locally.
func buildExchange(settings *config.Settings) exchange.Exchange {
	live := exchange.NewBybitClient(
		settings.Exchange.RESTBaseURL,
		settings.Exchange.APIKey,
		settings.Exchange.APISecret,
		log.Logger,
	)
	if settings.Trading.Mode == string(domain.ModeLive) {
		return live
	}

	cfg := exchange.DefaultPaperConfig()
	cfg.StartingBalance = settings.Trading.PaperStartingBalance
	if settings.Trading.PaperSlippageBps > 0 {
		cfg.SlippageBps = settings.Trading.PaperSlippageBps
	}
	if settings.Trading.PaperImpactCoeff > 0 {
		cfg.ImpactCoeff = settings.Trading.PaperImpactCoeff
	}
	return exchange.NewPaperExchange(cfg, live, log.Logger)
}

// startingEquity seeds the risk manager. Paper mode uses the configured
// balance; live mode reads the account, falling back to zero until the
// engine's first balance sync.
func startingEquity(ctx context.Context, settings *config.Settings, ex exchange.Exchange) float64 {
	if settings.Trading.Mode != string(domain.ModeLive) {
		return settings.Trading.PaperStartingBalance
	}
	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	balance, err := ex.FetchBalance(fetchCtx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to fetch account balance, equity syncs on engine start")
		return 0
	}
	return balance.EquityUSD
}

// publishScans mirrors the latest scan into the hot cache for external
// dashboards
func publishScans(ctx context.Context, cache *store.ScanCache, eng *engine.Engine) {
	ticker := time.NewTicker(scanCacheEvery)
	defer ticker.Stop()
	var lastTs time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results, ts := eng.LastScan()
			if ts.IsZero() || !ts.After(lastTs) || len(results) == 0 {
				continue
			}
			if err := cache.StoreScan(ctx, results); err != nil {
				log.Warn().Err(err).Msg("Failed to publish scan to cache")
				continue
			}
			lastTs = ts
		}
	}
}
