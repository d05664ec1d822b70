package engine

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangebreak/rangebreak/internal/domain"
)

func allStateValues() []State {
	out := make([]State, len(AllStates))
	for i, s := range AllStates {
		out[i] = State(s)
	}
	return out
}

func fsmAt(t *testing.T, state State) *fsm {
	t.Helper()
	f := newFSM(zerolog.Nop())
	f.state = state
	return f
}

func TestTransitionTableExhaustive(t *testing.T) {
	states := allStateValues()
	for _, from := range states {
		for _, to := range states {
			f := fsmAt(t, from)
			err := f.To(to, "test")

			if from == to {
				require.NoError(t, err, "%s -> %s re-entry must be a no-op", from, to)
				assert.Equal(t, from, f.State())
				assert.Empty(t, f.History(0), "no-op must not record a transition")
				continue
			}
			if transitionAllowed(from, to) {
				require.NoError(t, err, "%s -> %s is in the table", from, to)
				assert.Equal(t, to, f.State())
				continue
			}
			require.Error(t, err, "%s -> %s is not in the table", from, to)
			assert.True(t, domain.IsKind(err, domain.KindInvalidTransition))
			assert.Equal(t, from, f.State(), "failed transition must not change state")
			assert.Empty(t, f.History(0), "failed transition must not record history")
		}
	}
}

func TestSteadyLoopPath(t *testing.T) {
	f := newFSM(zerolog.Nop())

	path := []State{
		StateInitializing, StateScanning, StateLevelBuilding, StateSignalWait,
		StateSizing, StateExecution, StateManaging, StateScanning,
	}
	for _, next := range path {
		require.NoError(t, f.To(next, "loop"))
	}
	assert.Equal(t, StateScanning, f.State())

	hist := f.History(0)
	require.Len(t, hist, len(path))
	assert.Equal(t, StateIdle, hist[0].From)
	assert.Equal(t, StateManaging, hist[len(hist)-1].From)
	assert.Equal(t, StateScanning, hist[len(hist)-1].To)
}

func TestHistoryBounded(t *testing.T) {
	f := newFSM(zerolog.Nop())
	require.NoError(t, f.To(StateScanning, "start"))

	for i := 0; i < historyCapacity; i++ {
		require.NoError(t, f.To(StateManaging, "ping"))
		require.NoError(t, f.To(StateScanning, "pong"))
	}

	hist := f.History(0)
	assert.Len(t, hist, historyCapacity)
	assert.Equal(t, StateScanning, hist[len(hist)-1].To)

	recent := f.History(4)
	require.Len(t, recent, 4)
	assert.Equal(t, hist[len(hist)-4:], recent)
}

func TestEmergencyIsNearTerminal(t *testing.T) {
	f := fsmAt(t, StateEmergency)

	require.Error(t, f.To(StateScanning, "no"))
	require.Error(t, f.To(StateManaging, "no"))
	require.Error(t, f.To(StateInitializing, "no"))

	require.NoError(t, f.To(StateIdle, "operator reset"))
}
