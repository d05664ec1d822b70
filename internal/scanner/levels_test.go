package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangebreak/rangebreak/internal/config"
	"github.com/rangebreak/rangebreak/internal/domain"
)

// rangeBars builds a consolidation with resistance touches at resPrice and
// support touches at supPrice on the given bar indices
func rangeBars(n int, resIdx, supIdx map[int]float64, resPrice, supPrice float64) []domain.Candle {
	bars := make([]domain.Candle, n)
	for i := range bars {
		bars[i] = domain.Candle{
			Ts:     int64(i) * 900_000,
			Open:   103,
			High:   104.5,
			Low:    101.5,
			Close:  103.5,
			Volume: 100,
		}
		if pierce, ok := resIdx[i]; ok {
			bars[i].High = resPrice + pierce
			bars[i].Close = 104 // closes back under the level
		}
		if pierce, ok := supIdx[i]; ok {
			bars[i].Low = supPrice - pierce
			bars[i].Close = 103 // closes back above the level
		}
	}
	return bars
}

func TestBuildLevelsDetectsRangeBoundaries(t *testing.T) {
	preset := config.DefaultPreset()
	// atr 1.0 and tolerance 0.25 give a pierce budget of 0.25
	atr := 1.0

	bars := rangeBars(30,
		map[int]float64{20: 0, 23: 0.1, 26: -0.1}, // resistance touches
		map[int]float64{21: 0, 24: 0.05, 27: 0.2}, // support touches
		110, 100,
	)
	levels := BuildLevels(bars, atr, preset)
	require.Len(t, levels, 2)

	res := levels[0]
	sup := levels[1]
	assert.Equal(t, domain.LevelResistance, res.Type)
	assert.Equal(t, domain.LevelSupport, sup.Type)

	assert.InDelta(t, 110.1, res.Price, 1e-9) // Donchian highest high
	assert.InDelta(t, 99.8, sup.Price, 1e-9)  // Donchian lowest low

	assert.GreaterOrEqual(t, res.TouchCount, 3)
	assert.GreaterOrEqual(t, sup.TouchCount, 3)
	assert.Greater(t, res.Strength, 0.0)
	assert.LessOrEqual(t, res.Strength, 1.0)
	assert.InDelta(t, res.Price-sup.Price, res.BaseHeight, 1e-9)
	assert.Equal(t, res.BaseHeight, sup.BaseHeight)
}

func TestBuildLevelsRejectsTooFewTouches(t *testing.T) {
	preset := config.DefaultPreset()

	bars := rangeBars(30,
		map[int]float64{26: 0},        // single resistance touch
		map[int]float64{21: 0, 24: 0}, // two support touches
		110, 100,
	)
	levels := BuildLevels(bars, 1.0, preset)
	assert.Empty(t, levels)
}

func TestBuildLevelsInsufficientHistory(t *testing.T) {
	preset := config.DefaultPreset()
	bars := rangeBars(10, nil, nil, 110, 100)
	assert.Empty(t, BuildLevels(bars, 1.0, preset))
	assert.Empty(t, BuildLevels(nil, 1.0, preset))
	assert.Empty(t, BuildLevels(rangeBars(30, nil, nil, 110, 100), 0, preset))
}

func TestBuildLevelsRecencyWindow(t *testing.T) {
	preset := config.DefaultPreset()
	preset.ScannerConfig.LevelMaxAgeBars = 10

	// touches exist but all before the recency window
	bars := rangeBars(40,
		map[int]float64{5: 0, 8: 0, 11: 0},
		nil,
		110, 100,
	)
	levels := BuildLevels(bars, 1.0, preset)
	for _, lvl := range levels {
		assert.NotEqual(t, 110.0, lvl.Price, "aged-out touches must not resurrect the old level")
	}
}

func TestLevelStrengthOrdering(t *testing.T) {
	// clean, heavily touched, recent level outranks a sparse dirty one
	strong := levelStrength(5, 29, 30, 0.0, 0.25)
	weak := levelStrength(3, 5, 30, 0.6, 0.25)
	assert.Greater(t, strong, weak)
	assert.LessOrEqual(t, strong, 1.0)
}
