// Package indicators provides the technical indicator math the scanner and
// signal generator run per symbol. Calculations delegate to cinar/indicator
// where it covers the need; windowed statistics are computed directly.
package indicators

import (
	"math"
	"sort"

	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"
	"github.com/cinar/indicator/v2/volume"

	"github.com/rangebreak/rangebreak/internal/domain"
)

// sliceToChan feeds a slice into a closed channel, the input form
// cinar/indicator computes over.
func sliceToChan(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

// chanToSlice drains an indicator output channel
func chanToSlice(ch <-chan float64) []float64 {
	var out []float64
	for v := range ch {
		out = append(out, v)
	}
	return out
}

func splitOHLCV(candles []domain.Candle) (highs, lows, closes, volumes []float64) {
	highs = make([]float64, len(candles))
	lows = make([]float64, len(candles))
	closes = make([]float64, len(candles))
	volumes = make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
		volumes[i] = c.Volume
	}
	return
}

// ATR returns the latest Average True Range over period bars, or 0 when
// there is not enough data.
func ATR(candles []domain.Candle, period int) float64 {
	if len(candles) <= period {
		return 0
	}
	highs, lows, closes, _ := splitOHLCV(candles)

	atr := volatility.NewAtrWithPeriod[float64](period)
	out := chanToSlice(atr.Compute(sliceToChan(highs), sliceToChan(lows), sliceToChan(closes)))
	if len(out) == 0 {
		return 0
	}
	return out[len(out)-1]
}

// EMA returns the latest exponential moving average of the closes
func EMA(values []float64, period int) float64 {
	if len(values) < period || period <= 0 {
		return 0
	}
	ema := trend.NewEmaWithPeriod[float64](period)
	out := chanToSlice(ema.Compute(sliceToChan(values)))
	if len(out) == 0 {
		return 0
	}
	return out[len(out)-1]
}

// BollingerWidthPct returns the latest band width (upper-lower)/middle as a percentage
func BollingerWidthPct(closes []float64, period int) float64 {
	if len(closes) < period || period < 2 {
		return 0
	}
	bb := volatility.NewBollingerBandsWithPeriod[float64](period)
	lowerCh, middleCh, upperCh := bb.Compute(sliceToChan(closes))

	lower := chanToSlice(lowerCh)
	middle := chanToSlice(middleCh)
	upper := chanToSlice(upperCh)
	n := len(middle)
	if n == 0 || len(lower) < n || len(upper) < n {
		return 0
	}
	mid := middle[n-1]
	if mid == 0 {
		return 0
	}
	return (upper[n-1] - lower[n-1]) / mid * 100
}

// OBV returns the full on-balance-volume series for the candles
func OBV(candles []domain.Candle) []float64 {
	if len(candles) == 0 {
		return nil
	}
	_, _, closes, volumes := splitOHLCV(candles)
	obv := volume.NewObv[float64]()
	return chanToSlice(obv.Compute(sliceToChan(closes), sliceToChan(volumes)))
}

// OBVSlope returns the change of OBV over the last lookback points,
// normalized by the mean absolute OBV level. Positive means accumulation.
func OBVSlope(candles []domain.Candle, lookback int) float64 {
	series := OBV(candles)
	if len(series) < lookback+1 || lookback <= 0 {
		return 0
	}
	last := series[len(series)-1]
	prev := series[len(series)-1-lookback]

	var scale float64
	for _, v := range series[len(series)-1-lookback:] {
		scale += math.Abs(v)
	}
	scale /= float64(lookback + 1)
	if scale == 0 {
		return 0
	}
	return (last - prev) / scale
}

// VWAP returns the session volume-weighted average price over the candles,
// using the typical price (H+L+C)/3 per bar.
func VWAP(candles []domain.Candle) float64 {
	var pv, vol float64
	for _, c := range candles {
		typical := (c.High + c.Low + c.Close) / 3
		pv += typical * c.Volume
		vol += c.Volume
	}
	if vol == 0 {
		return 0
	}
	return pv / vol
}

// RollingMedianVolume returns the median volume of the last n closed candles
func RollingMedianVolume(candles []domain.Candle, n int) float64 {
	if len(candles) == 0 || n <= 0 {
		return 0
	}
	start := len(candles) - n
	if start < 0 {
		start = 0
	}
	window := make([]float64, 0, n)
	for _, c := range candles[start:] {
		window = append(window, c.Volume)
	}
	sort.Float64s(window)
	mid := len(window) / 2
	if len(window)%2 == 1 {
		return window[mid]
	}
	return (window[mid-1] + window[mid]) / 2
}

// SwingLow returns the lowest low over the last n candles
func SwingLow(candles []domain.Candle, n int) float64 {
	if len(candles) == 0 {
		return 0
	}
	start := len(candles) - n
	if start < 0 {
		start = 0
	}
	low := candles[start].Low
	for _, c := range candles[start+1:] {
		if c.Low < low {
			low = c.Low
		}
	}
	return low
}

// SwingHigh returns the highest high over the last n candles
func SwingHigh(candles []domain.Candle, n int) float64 {
	if len(candles) == 0 {
		return 0
	}
	start := len(candles) - n
	if start < 0 {
		start = 0
	}
	high := candles[start].High
	for _, c := range candles[start+1:] {
		if c.High > high {
			high = c.High
		}
	}
	return high
}

// Donchian returns the highest high and lowest low over the last period candles,
// excluding the most recent bar so a fresh breakout does not move its own channel.
func Donchian(candles []domain.Candle, period int) (high, low float64) {
	if len(candles) < 2 {
		return 0, 0
	}
	window := candles[:len(candles)-1]
	start := len(window) - period
	if start < 0 {
		start = 0
	}
	window = window[start:]

	high = window[0].High
	low = window[0].Low
	for _, c := range window[1:] {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	return high, low
}

// Correlation returns the Pearson correlation of two equal-length return series
func Correlation(a, b []float64) float64 {
	n := len(a)
	if n == 0 || n != len(b) {
		return 0
	}
	var meanA, meanB float64
	for i := 0; i < n; i++ {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}

// Returns converts a close series into simple returns
func Returns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] > 0 {
			out = append(out, (closes[i]-closes[i-1])/closes[i-1])
		}
	}
	return out
}

// ZScores normalizes values across a universe using sample standard deviation.
// A universe with zero variance yields all-zero scores.
func ZScores(values []float64) []float64 {
	n := len(values)
	out := make([]float64, n)
	if n < 2 {
		return out
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(n)

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(n - 1)
	std := math.Sqrt(variance)
	if std == 0 {
		return out
	}
	for i, v := range values {
		out[i] = (v - mean) / std
	}
	return out
}
