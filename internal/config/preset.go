// Package config loads and validates trading presets and process settings.
package config

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
)

// RiskConfig contains portfolio-level risk limits
type RiskConfig struct {
	RiskPerTrade           float64 `mapstructure:"risk_per_trade" json:"risk_per_trade"`                       // fraction of equity risked per trade, (0,1]
	MaxConcurrentPositions int     `mapstructure:"max_concurrent_positions" json:"max_concurrent_positions"`   // [1,10]
	DailyRiskLimit         float64 `mapstructure:"daily_risk_limit" json:"daily_risk_limit"`                   // daily loss limit in R-fractions of equity, (0,1]
	MaxPositionSizeUSD     float64 `mapstructure:"max_position_size_usd" json:"max_position_size_usd"`         // optional notional clamp, 0 = unset
	KillSwitchLossLimit    float64 `mapstructure:"kill_switch_loss_limit" json:"kill_switch_loss_limit"`       // drawdown fraction that latches the kill switch, (0,1]
	CorrelationLimit       float64 `mapstructure:"correlation_limit" json:"correlation_limit"`                 // [0,1]
	MaxConsecutiveLosses   int     `mapstructure:"max_consecutive_losses" json:"max_consecutive_losses"`       // [1,20]
	DailyRiskLimitR        float64 `mapstructure:"daily_risk_limit_r" json:"daily_risk_limit_r"`               // daily loss limit in R units
	KillSwitchLossLimitR   float64 `mapstructure:"kill_switch_loss_limit_r" json:"kill_switch_loss_limit_r"`   // drawdown limit in R units
}

// LiquidityFilters gate candidates on tradability
type LiquidityFilters struct {
	Min24hVolumeUSD   float64 `mapstructure:"min_24h_volume_usd" json:"min_24h_volume_usd"`
	MinOIUSD          float64 `mapstructure:"min_oi_usd" json:"min_oi_usd"` // 0 = skip OI check
	MaxSpreadBps      float64 `mapstructure:"max_spread_bps" json:"max_spread_bps"`
	MinDepthUSD05Pct  float64 `mapstructure:"min_depth_usd_0_5pct" json:"min_depth_usd_0_5pct"`
	MinDepthUSD03Pct  float64 `mapstructure:"min_depth_usd_0_3pct" json:"min_depth_usd_0_3pct"`
	MinTradesPerMin   float64 `mapstructure:"min_trades_per_minute" json:"min_trades_per_minute"`
}

// VolatilityFilters gate candidates on range compression and expansion
type VolatilityFilters struct {
	ATRRangeMin          float64 `mapstructure:"atr_range_min" json:"atr_range_min"` // atr15m/price lower bound
	ATRRangeMax          float64 `mapstructure:"atr_range_max" json:"atr_range_max"`
	BBWidthPercentileMax float64 `mapstructure:"bb_width_percentile_max" json:"bb_width_percentile_max"`
	VolumeSurge1hMin     float64 `mapstructure:"volume_surge_1h_min" json:"volume_surge_1h_min"`
	VolumeSurge5mMin     float64 `mapstructure:"volume_surge_5m_min" json:"volume_surge_5m_min"`
	OIDeltaThreshold     float64 `mapstructure:"oi_delta_threshold" json:"oi_delta_threshold"` // 0 = skip
}

// SignalConfig tunes momentum and retest entry conditions
type SignalConfig struct {
	MomentumVolumeMultiplier float64 `mapstructure:"momentum_volume_multiplier" json:"momentum_volume_multiplier"`
	MomentumBodyRatioMin     float64 `mapstructure:"momentum_body_ratio_min" json:"momentum_body_ratio_min"` // [0,1]
	MomentumEpsilon          float64 `mapstructure:"momentum_epsilon" json:"momentum_epsilon"`
	RetestPierceTolerance    float64 `mapstructure:"retest_pierce_tolerance" json:"retest_pierce_tolerance"`
	RetestMaxPierceATR       float64 `mapstructure:"retest_max_pierce_atr" json:"retest_max_pierce_atr"`
	L2ImbalanceThreshold     float64 `mapstructure:"l2_imbalance_threshold" json:"l2_imbalance_threshold"` // [0,1]
	VWAPGapMaxATR            float64 `mapstructure:"vwap_gap_max_atr" json:"vwap_gap_max_atr"`
}

// PositionConfig tunes the TP ladder and position management
type PositionConfig struct {
	TP1R            float64 `mapstructure:"tp1_r" json:"tp1_r"`
	TP1SizePct      float64 `mapstructure:"tp1_size_pct" json:"tp1_size_pct"` // [0,1]
	TP2R            float64 `mapstructure:"tp2_r" json:"tp2_r"`               // > tp1_r
	TP2SizePct      float64 `mapstructure:"tp2_size_pct" json:"tp2_size_pct"` // [0,1], tp1+tp2 <= 1
	ChandelierATRMult float64 `mapstructure:"chandelier_atr_mult" json:"chandelier_atr_mult"`
	MaxHoldTimeHours  float64 `mapstructure:"max_hold_time_hours" json:"max_hold_time_hours"`
	AddOnEnabled      bool    `mapstructure:"add_on_enabled" json:"add_on_enabled"`
	AddOnMaxSizePct   float64 `mapstructure:"add_on_max_size_pct" json:"add_on_max_size_pct"` // [0,1]
	AddOnOBVConfirm   bool    `mapstructure:"add_on_obv_confirm" json:"add_on_obv_confirm"`
	PanicExitATRMult  float64 `mapstructure:"panic_exit_atr_mult" json:"panic_exit_atr_mult"`
}

// ScannerConfig tunes universe selection and scoring
type ScannerConfig struct {
	MaxCandidates       int                `mapstructure:"max_candidates" json:"max_candidates"`             // >= 1
	ScanIntervalSeconds int                `mapstructure:"scan_interval_seconds" json:"scan_interval_seconds"` // >= 1
	ScoreWeights        map[string]float64 `mapstructure:"score_weights" json:"score_weights"`
	SymbolWhitelist     []string           `mapstructure:"symbol_whitelist" json:"symbol_whitelist,omitempty"`
	SymbolBlacklist     []string           `mapstructure:"symbol_blacklist" json:"symbol_blacklist,omitempty"`
	TopNByVolume        int                `mapstructure:"top_n_by_volume" json:"top_n_by_volume,omitempty"` // 0 = no truncation
	DonchianPeriod      int                `mapstructure:"donchian_period" json:"donchian_period"`
	LevelMaxAgeBars     int                `mapstructure:"level_max_age_bars" json:"level_max_age_bars"`
}

// ExecutionConfig tunes order routing
type ExecutionConfig struct {
	EnableTWAP          bool    `mapstructure:"enable_twap" json:"enable_twap"`
	EnableIceberg       bool    `mapstructure:"enable_iceberg" json:"enable_iceberg"`
	MaxDepthFraction    float64 `mapstructure:"max_depth_fraction" json:"max_depth_fraction"` // (0,1]
	TWAPMinSlices       int     `mapstructure:"twap_min_slices" json:"twap_min_slices"`
	TWAPMaxSlices       int     `mapstructure:"twap_max_slices" json:"twap_max_slices"`
	TWAPIntervalSeconds float64 `mapstructure:"twap_interval_seconds" json:"twap_interval_seconds"` // > 0
	IcebergMinNotional  float64 `mapstructure:"iceberg_min_notional" json:"iceberg_min_notional"`
	LimitOffsetBps      float64 `mapstructure:"limit_offset_bps" json:"limit_offset_bps"`
	SpreadWidenBps      float64 `mapstructure:"spread_widen_bps" json:"spread_widen_bps"`
	DeadmanTimeoutMs    int     `mapstructure:"deadman_timeout_ms" json:"deadman_timeout_ms"` // >= 1000
	TakerFeeBps         float64 `mapstructure:"taker_fee_bps" json:"taker_fee_bps"`
	MakerFeeBps         float64 `mapstructure:"maker_fee_bps" json:"maker_fee_bps"`
}

// TradingPreset is the top-level strategy configuration consumed by the engine
type TradingPreset struct {
	Name              string            `mapstructure:"name" json:"name"`
	Risk              RiskConfig        `mapstructure:"risk" json:"risk"`
	LiquidityFilters  LiquidityFilters  `mapstructure:"liquidity_filters" json:"liquidity_filters"`
	VolatilityFilters VolatilityFilters `mapstructure:"volatility_filters" json:"volatility_filters"`
	SignalConfig      SignalConfig      `mapstructure:"signal_config" json:"signal_config"`
	PositionConfig    PositionConfig    `mapstructure:"position_config" json:"position_config"`
	ScannerConfig     ScannerConfig     `mapstructure:"scanner_config" json:"scanner_config"`
	ExecutionConfig   ExecutionConfig   `mapstructure:"execution_config" json:"execution_config"`
	StrategyPriority  string            `mapstructure:"strategy_priority" json:"strategy_priority"` // "momentum" or "retest"
}

// Validate checks every enumerated range from the preset contract and
// returns a descriptive error on the first group of violations.
func (p *TradingPreset) Validate() error {
	var errs ValidationErrors

	errs = append(errs, p.validateRisk()...)
	errs = append(errs, p.validateLiquidity()...)
	errs = append(errs, p.validateVolatility()...)
	errs = append(errs, p.validateSignal()...)
	errs = append(errs, p.validatePosition()...)
	errs = append(errs, p.validateScanner()...)
	errs = append(errs, p.validateExecution()...)

	if p.StrategyPriority != "momentum" && p.StrategyPriority != "retest" {
		errs = append(errs, ValidationError{
			Field:   "strategy_priority",
			Message: fmt.Sprintf("must be 'momentum' or 'retest', got %q", p.StrategyPriority),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (p *TradingPreset) validateRisk() ValidationErrors {
	var errs ValidationErrors
	r := p.Risk

	if r.RiskPerTrade <= 0 || r.RiskPerTrade > 1 {
		errs = append(errs, ValidationError{"risk.risk_per_trade", fmt.Sprintf("must be in (0,1], got %f", r.RiskPerTrade)})
	}
	if r.MaxConcurrentPositions < 1 || r.MaxConcurrentPositions > 10 {
		errs = append(errs, ValidationError{"risk.max_concurrent_positions", fmt.Sprintf("must be in [1,10], got %d", r.MaxConcurrentPositions)})
	}
	if r.DailyRiskLimit <= 0 || r.DailyRiskLimit > 1 {
		errs = append(errs, ValidationError{"risk.daily_risk_limit", fmt.Sprintf("must be in (0,1], got %f", r.DailyRiskLimit)})
	}
	if r.MaxPositionSizeUSD < 0 {
		errs = append(errs, ValidationError{"risk.max_position_size_usd", "must not be negative"})
	}
	if r.KillSwitchLossLimit <= 0 || r.KillSwitchLossLimit > 1 {
		errs = append(errs, ValidationError{"risk.kill_switch_loss_limit", fmt.Sprintf("must be in (0,1], got %f", r.KillSwitchLossLimit)})
	}
	if r.CorrelationLimit < 0 || r.CorrelationLimit > 1 {
		errs = append(errs, ValidationError{"risk.correlation_limit", fmt.Sprintf("must be in [0,1], got %f", r.CorrelationLimit)})
	}
	if r.MaxConsecutiveLosses < 1 || r.MaxConsecutiveLosses > 20 {
		errs = append(errs, ValidationError{"risk.max_consecutive_losses", fmt.Sprintf("must be in [1,20], got %d", r.MaxConsecutiveLosses)})
	}
	return errs
}

func (p *TradingPreset) validateLiquidity() ValidationErrors {
	var errs ValidationErrors
	l := p.LiquidityFilters

	if l.Min24hVolumeUSD < 0 {
		errs = append(errs, ValidationError{"liquidity_filters.min_24h_volume_usd", "must not be negative"})
	}
	if l.MaxSpreadBps <= 0 {
		errs = append(errs, ValidationError{"liquidity_filters.max_spread_bps", "must be positive"})
	}
	if l.MinDepthUSD03Pct < 0 || l.MinDepthUSD05Pct < 0 {
		errs = append(errs, ValidationError{"liquidity_filters.min_depth_usd", "depth minimums must not be negative"})
	}
	if l.MinTradesPerMin < 0 {
		errs = append(errs, ValidationError{"liquidity_filters.min_trades_per_minute", "must not be negative"})
	}
	return errs
}

func (p *TradingPreset) validateVolatility() ValidationErrors {
	var errs ValidationErrors
	v := p.VolatilityFilters

	if v.ATRRangeMin < 0 {
		errs = append(errs, ValidationError{"volatility_filters.atr_range_min", "must not be negative"})
	}
	if v.ATRRangeMax <= v.ATRRangeMin {
		errs = append(errs, ValidationError{"volatility_filters.atr_range_max", fmt.Sprintf("must exceed atr_range_min (%f), got %f", v.ATRRangeMin, v.ATRRangeMax)})
	}
	if v.BBWidthPercentileMax <= 0 {
		errs = append(errs, ValidationError{"volatility_filters.bb_width_percentile_max", "must be positive"})
	}
	return errs
}

func (p *TradingPreset) validateSignal() ValidationErrors {
	var errs ValidationErrors
	s := p.SignalConfig

	if s.MomentumVolumeMultiplier <= 0 {
		errs = append(errs, ValidationError{"signal_config.momentum_volume_multiplier", "must be positive"})
	}
	if s.MomentumBodyRatioMin < 0 || s.MomentumBodyRatioMin > 1 {
		errs = append(errs, ValidationError{"signal_config.momentum_body_ratio_min", fmt.Sprintf("must be in [0,1], got %f", s.MomentumBodyRatioMin)})
	}
	if s.MomentumEpsilon < 0 {
		errs = append(errs, ValidationError{"signal_config.momentum_epsilon", "must not be negative"})
	}
	if s.RetestPierceTolerance < 0 {
		errs = append(errs, ValidationError{"signal_config.retest_pierce_tolerance", "must not be negative"})
	}
	if s.L2ImbalanceThreshold < 0 || s.L2ImbalanceThreshold > 1 {
		errs = append(errs, ValidationError{"signal_config.l2_imbalance_threshold", fmt.Sprintf("must be in [0,1], got %f", s.L2ImbalanceThreshold)})
	}
	if s.VWAPGapMaxATR < 0 {
		errs = append(errs, ValidationError{"signal_config.vwap_gap_max_atr", "must not be negative"})
	}
	return errs
}

func (p *TradingPreset) validatePosition() ValidationErrors {
	var errs ValidationErrors
	pc := p.PositionConfig

	if pc.TP1R <= 0 {
		errs = append(errs, ValidationError{"position_config.tp1_r", "must be positive"})
	}
	if pc.TP2R <= pc.TP1R {
		errs = append(errs, ValidationError{"position_config.tp2_r", fmt.Sprintf("must exceed tp1_r (%f), got %f", pc.TP1R, pc.TP2R)})
	}
	if pc.TP1SizePct < 0 || pc.TP1SizePct > 1 {
		errs = append(errs, ValidationError{"position_config.tp1_size_pct", fmt.Sprintf("must be in [0,1], got %f", pc.TP1SizePct)})
	}
	if pc.TP2SizePct < 0 || pc.TP2SizePct > 1 {
		errs = append(errs, ValidationError{"position_config.tp2_size_pct", fmt.Sprintf("must be in [0,1], got %f", pc.TP2SizePct)})
	}
	if pc.TP1SizePct+pc.TP2SizePct > 1.0+1e-9 {
		errs = append(errs, ValidationError{"position_config", fmt.Sprintf("tp1_size_pct + tp2_size_pct must not exceed 1.0, got %f", pc.TP1SizePct+pc.TP2SizePct)})
	}
	if pc.ChandelierATRMult <= 0 {
		errs = append(errs, ValidationError{"position_config.chandelier_atr_mult", "must be positive"})
	}
	if pc.MaxHoldTimeHours <= 0 {
		errs = append(errs, ValidationError{"position_config.max_hold_time_hours", "must be positive"})
	}
	if pc.AddOnMaxSizePct < 0 || pc.AddOnMaxSizePct > 1 {
		errs = append(errs, ValidationError{"position_config.add_on_max_size_pct", fmt.Sprintf("must be in [0,1], got %f", pc.AddOnMaxSizePct)})
	}
	return errs
}

func (p *TradingPreset) validateScanner() ValidationErrors {
	var errs ValidationErrors
	sc := p.ScannerConfig

	if sc.MaxCandidates < 1 {
		errs = append(errs, ValidationError{"scanner_config.max_candidates", fmt.Sprintf("must be >= 1, got %d", sc.MaxCandidates)})
	}
	if sc.ScanIntervalSeconds < 1 {
		errs = append(errs, ValidationError{"scanner_config.scan_interval_seconds", fmt.Sprintf("must be >= 1, got %d", sc.ScanIntervalSeconds)})
	}
	if len(sc.ScoreWeights) == 0 {
		errs = append(errs, ValidationError{"scanner_config.score_weights", "at least one score weight is required"})
	}

	// Weight magnitudes should sum to ~1.0; warn but do not fail.
	var sum float64
	for _, w := range sc.ScoreWeights {
		sum += math.Abs(w)
	}
	if len(sc.ScoreWeights) > 0 && math.Abs(sum-1.0) > 0.05 {
		log.Warn().
			Str("preset", p.Name).
			Float64("weight_sum", sum).
			Msg("Score weight magnitudes do not sum to 1.0")
	}
	return errs
}

func (p *TradingPreset) validateExecution() ValidationErrors {
	var errs ValidationErrors
	e := p.ExecutionConfig

	if e.MaxDepthFraction <= 0 || e.MaxDepthFraction > 1 {
		errs = append(errs, ValidationError{"execution_config.max_depth_fraction", fmt.Sprintf("must be in (0,1], got %f", e.MaxDepthFraction)})
	}
	if e.TWAPMinSlices < 1 {
		errs = append(errs, ValidationError{"execution_config.twap_min_slices", "must be >= 1"})
	}
	if e.TWAPMaxSlices < e.TWAPMinSlices {
		errs = append(errs, ValidationError{"execution_config.twap_max_slices", fmt.Sprintf("must be >= twap_min_slices (%d), got %d", e.TWAPMinSlices, e.TWAPMaxSlices)})
	}
	if e.TWAPIntervalSeconds <= 0 {
		errs = append(errs, ValidationError{"execution_config.twap_interval_seconds", "must be positive"})
	}
	if e.DeadmanTimeoutMs < 1000 {
		errs = append(errs, ValidationError{"execution_config.deadman_timeout_ms", fmt.Sprintf("must be >= 1000, got %d", e.DeadmanTimeoutMs)})
	}
	if e.TakerFeeBps < 0 || e.MakerFeeBps < 0 {
		errs = append(errs, ValidationError{"execution_config.fees", "fee bps must not be negative"})
	}
	return errs
}

// DailyLimitR returns the daily loss limit in R units, deriving it from
// the equity-fraction limit when the explicit R field is unset.
func (p *TradingPreset) DailyLimitR() float64 {
	if p.Risk.DailyRiskLimitR > 0 {
		return p.Risk.DailyRiskLimitR
	}
	if p.Risk.RiskPerTrade > 0 {
		return p.Risk.DailyRiskLimit / p.Risk.RiskPerTrade
	}
	return 0
}

// KillSwitchLimitR returns the drawdown kill-switch limit in R units
func (p *TradingPreset) KillSwitchLimitR() float64 {
	if p.Risk.KillSwitchLossLimitR > 0 {
		return p.Risk.KillSwitchLossLimitR
	}
	if p.Risk.RiskPerTrade > 0 {
		return p.Risk.KillSwitchLossLimit / p.Risk.RiskPerTrade
	}
	return 0
}

// TPLadder returns the configured TP rungs in execution order
func (p *TradingPreset) TPLadder() []struct{ R, Size float64 } {
	return []struct{ R, Size float64 }{
		{p.PositionConfig.TP1R, p.PositionConfig.TP1SizePct},
		{p.PositionConfig.TP2R, p.PositionConfig.TP2SizePct},
	}
}
