package engine

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rangebreak/rangebreak/internal/domain"
	"github.com/rangebreak/rangebreak/internal/metrics"
)

// State is one of the engine lifecycle states
type State string

const (
	StateIdle          State = "IDLE"
	StateInitializing  State = "INITIALIZING"
	StateScanning      State = "SCANNING"
	StateLevelBuilding State = "LEVEL_BUILDING"
	StateSignalWait    State = "SIGNAL_WAIT"
	StateSizing        State = "SIZING"
	StateExecution     State = "EXECUTION"
	StateManaging      State = "MANAGING"
	StatePaused        State = "PAUSED"
	StateError         State = "ERROR"
	StateEmergency     State = "EMERGENCY"
	StateStopped       State = "STOPPED"
)

// AllStates lists every state, for gauges and the status endpoint
var AllStates = []string{
	string(StateIdle), string(StateInitializing), string(StateScanning),
	string(StateLevelBuilding), string(StateSignalWait), string(StateSizing),
	string(StateExecution), string(StateManaging), string(StatePaused),
	string(StateError), string(StateEmergency), string(StateStopped),
}

// allowedNext is the complete transition table. Same-state re-entry is a
// no-op and always succeeds; anything else not listed here is refused.
var allowedNext = map[State][]State{
	StateIdle:          {StateInitializing, StateScanning, StateStopped, StateError},
	StateInitializing:  {StateScanning, StateError, StateEmergency, StateStopped},
	StateScanning:      {StateLevelBuilding, StateManaging, StatePaused, StateError, StateEmergency, StateStopped},
	StateLevelBuilding: {StateSignalWait, StateScanning, StateError, StateEmergency, StateStopped},
	StateSignalWait:    {StateSizing, StateManaging, StateScanning, StatePaused, StateError, StateEmergency, StateStopped},
	StateSizing:        {StateExecution, StateScanning, StateError, StateEmergency, StateStopped},
	StateExecution:     {StateManaging, StateScanning, StateError, StateEmergency, StateStopped},
	StateManaging:      {StateScanning, StateManaging, StatePaused, StateError, StateEmergency, StateStopped},
	StatePaused:        {StateScanning, StateManaging, StateIdle, StateError, StateEmergency, StateStopped},
	StateError:         {StateScanning, StateManaging, StateIdle, StateEmergency, StateStopped},
	StateEmergency:     {StateStopped, StateIdle},
	StateStopped:       {StateIdle, StateInitializing},
}

// stateTimeouts bounds the pipeline stages. Stages not listed run under the
// cycle context only.
var stateTimeouts = map[State]time.Duration{
	StateScanning:      60 * time.Second,
	StateLevelBuilding: 30 * time.Second,
	StateSignalWait:    30 * time.Second,
	StateSizing:        10 * time.Second,
	StateExecution:     60 * time.Second,
}

// Transition is one recorded state change
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason"`
	Ts     time.Time `json:"ts"`
}

const historyCapacity = 256

// fsm owns the current state and a bounded transition history
type fsm struct {
	mu      sync.RWMutex
	state   State
	history []Transition
	metrics *metrics.Engine
	log     zerolog.Logger
}

func newFSM(logger zerolog.Logger) *fsm {
	f := &fsm{
		state:   StateIdle,
		metrics: metrics.ForEngine(),
		log:     logger.With().Str("component", "fsm").Logger(),
	}
	f.metrics.SetState(AllStates, string(StateIdle))
	return f
}

// State returns the current state
func (f *fsm) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// To attempts a transition. Re-entering the current state is a successful
// no-op; a transition outside the table fails without side effects.
func (f *fsm) To(next State, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == next {
		return nil
	}
	if !transitionAllowed(f.state, next) {
		return domain.NewError(domain.KindInvalidTransition, "transition %s -> %s not allowed", f.state, next)
	}

	t := Transition{From: f.state, To: next, Reason: reason, Ts: time.Now().UTC()}
	f.history = append(f.history, t)
	if len(f.history) > historyCapacity {
		f.history = f.history[len(f.history)-historyCapacity:]
	}

	f.metrics.StateTransitions.WithLabelValues(string(f.state), string(next)).Inc()
	f.metrics.SetState(AllStates, string(next))
	f.log.Info().
		Str("from", string(f.state)).
		Str("to", string(next)).
		Str("reason", reason).
		Msg("State transition")

	f.state = next
	return nil
}

// History returns the most recent n transitions, oldest first. n <= 0
// returns everything retained.
func (f *fsm) History(n int) []Transition {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if n <= 0 || n > len(f.history) {
		n = len(f.history)
	}
	out := make([]Transition, n)
	copy(out, f.history[len(f.history)-n:])
	return out
}

func transitionAllowed(from, to State) bool {
	for _, s := range allowedNext[from] {
		if s == to {
			return true
		}
	}
	return false
}
