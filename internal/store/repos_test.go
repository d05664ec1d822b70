package store

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangebreak/rangebreak/internal/domain"
)

type fakeRow struct {
	vals []any
}

func (r fakeRow) Scan(dest ...any) error {
	if len(dest) != len(r.vals) {
		return fmt.Errorf("want %d columns, got %d", len(r.vals), len(dest))
	}
	for i, d := range dest {
		switch out := d.(type) {
		case *uuid.UUID:
			*out = r.vals[i].(uuid.UUID)
		case *string:
			*out = r.vals[i].(string)
		case *float64:
			*out = r.vals[i].(float64)
		case *[]byte:
			*out = r.vals[i].([]byte)
		case *time.Time:
			*out = r.vals[i].(time.Time)
		case *bool:
			*out = r.vals[i].(bool)
		case *int:
			*out = r.vals[i].(int)
		default:
			return fmt.Errorf("unhandled dest type %T at column %d", d, i)
		}
	}
	return nil
}

func TestScanPosition(t *testing.T) {
	id := uuid.New()
	originID := uuid.New()
	opened := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	tps, err := json.Marshal([]domain.TPLevel{
		{RMultiple: 1.5, SizeFraction: 0.4, Executed: true},
		{RMultiple: 2.8, SizeFraction: 0.35},
	})
	require.NoError(t, err)

	row := fakeRow{vals: []any{
		id, "BTCUSDT", "long", 6.0, 10.0, 50000.0, 50100.0, tps,
		250.0, 0.6, 500.0, opened, "paper", "momentum", "reducing",
		originID, 51200.0, true, 0,
	}}

	pos, err := scanPosition(row)
	require.NoError(t, err)

	assert.Equal(t, id, pos.ID)
	assert.Equal(t, domain.SideLong, pos.Side)
	assert.Equal(t, domain.ModePaper, pos.Mode)
	assert.Equal(t, domain.StrategyMomentum, pos.Strategy)
	assert.Equal(t, domain.PositionReducing, pos.State)
	assert.Equal(t, originID, pos.OriginSignalID)
	require.Len(t, pos.TakeProfits, 2)
	assert.True(t, pos.TakeProfits[0].Executed)
	assert.InDelta(t, 2.8, pos.TakeProfits[1].RMultiple, 1e-9)
	require.NoError(t, pos.Validate())
}

func TestScanPositionNoTPs(t *testing.T) {
	row := fakeRow{vals: []any{
		uuid.New(), "ETHUSDT", "short", 2.0, 2.0, 3000.0, 3100.0, []byte(nil),
		0.0, 0.0, 100.0, time.Now().UTC(), "live", "retest", "open",
		uuid.New(), 0.0, false, 0,
	}}

	pos, err := scanPosition(row)
	require.NoError(t, err)
	assert.Empty(t, pos.TakeProfits)
	assert.Equal(t, domain.SideShort, pos.Side)
	require.NoError(t, pos.Validate())
}
