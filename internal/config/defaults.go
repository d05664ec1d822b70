package config

// DefaultPreset returns the built-in breakout preset. It is a valid baseline
// that file-based presets override field by field.
func DefaultPreset() *TradingPreset {
	return &TradingPreset{
		Name: "breakout_v1",
		Risk: RiskConfig{
			RiskPerTrade:           0.015,
			MaxConcurrentPositions: 3,
			DailyRiskLimit:         0.045,
			MaxPositionSizeUSD:     0,
			KillSwitchLossLimit:    0.10,
			CorrelationLimit:       0.85,
			MaxConsecutiveLosses:   5,
			DailyRiskLimitR:        3.0,
			KillSwitchLossLimitR:   6.0,
		},
		LiquidityFilters: LiquidityFilters{
			Min24hVolumeUSD:  50_000_000,
			MinOIUSD:         0,
			MaxSpreadBps:     5,
			MinDepthUSD05Pct: 150_000,
			MinDepthUSD03Pct: 75_000,
			MinTradesPerMin:  30,
		},
		VolatilityFilters: VolatilityFilters{
			ATRRangeMin:          0.005,
			ATRRangeMax:          0.06,
			BBWidthPercentileMax: 40,
			VolumeSurge1hMin:     1.2,
			VolumeSurge5mMin:     1.5,
			OIDeltaThreshold:     0,
		},
		SignalConfig: SignalConfig{
			MomentumVolumeMultiplier: 2.0,
			MomentumBodyRatioMin:     0.55,
			MomentumEpsilon:          0.0005,
			RetestPierceTolerance:    0.25,
			RetestMaxPierceATR:       0.5,
			L2ImbalanceThreshold:     0.25,
			VWAPGapMaxATR:            1.5,
		},
		PositionConfig: PositionConfig{
			TP1R:              1.5,
			TP1SizePct:        0.40,
			TP2R:              2.8,
			TP2SizePct:        0.35,
			ChandelierATRMult: 3.0,
			MaxHoldTimeHours:  24,
			AddOnEnabled:      false,
			AddOnMaxSizePct:   0.5,
			AddOnOBVConfirm:   true,
			PanicExitATRMult:  3.0,
		},
		ScannerConfig: ScannerConfig{
			MaxCandidates:       10,
			ScanIntervalSeconds: 60,
			ScoreWeights: map[string]float64{
				"vol_surge":         0.30,
				"oi_delta":          0.15,
				"atr_quality":       0.20,
				"correlation":       0.15,
				"trades_per_minute": 0.20,
			},
			DonchianPeriod:  20,
			LevelMaxAgeBars: 120,
		},
		ExecutionConfig: ExecutionConfig{
			EnableTWAP:          true,
			EnableIceberg:       false,
			MaxDepthFraction:    0.10,
			TWAPMinSlices:       3,
			TWAPMaxSlices:       10,
			TWAPIntervalSeconds: 2.0,
			IcebergMinNotional:  250_000,
			LimitOffsetBps:      5,
			SpreadWidenBps:      8,
			DeadmanTimeoutMs:    10000,
			TakerFeeBps:         5.5,
			MakerFeeBps:         2.0,
		},
		StrategyPriority: "momentum",
	}
}
