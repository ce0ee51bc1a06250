// Package turn runs one conversational turn: transcription, streamed
// reasoning and synthesis, driven by an explicit per-session state machine.
package turn

import (
	"errors"
	"fmt"
	"sync"
)

// State is the turn state of a session.
type State int

const (
	Idle State = iota
	Listening
	Transcribing
	Reasoning
	Synthesizing
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Transcribing:
		return "transcribing"
	case Reasoning:
		return "reasoning"
	case Synthesizing:
		return "synthesizing"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrBusy is returned when a turn is requested while another one is running.
var ErrBusy = errors.New("turn: another turn is in progress")

// transitions lists the allowed moves. Failed is reachable from every
// working state and always leads back to Idle.
var transitions = map[State][]State{
	Idle:         {Listening, Transcribing, Reasoning},
	Listening:    {Transcribing, Idle},
	Transcribing: {Reasoning, Idle, Failed},
	Reasoning:    {Synthesizing, Idle, Failed},
	Synthesizing: {Idle, Failed},
	Failed:       {Idle},
}

// Machine holds the turn state of one session. It is safe for concurrent use.
type Machine struct {
	mu    sync.Mutex
	state State
}

// NewMachine returns a machine in Idle.
func NewMachine() *Machine {
	return &Machine{}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Listen moves Idle to Listening. It reports false when a turn is already
// underway.
func (m *Machine) Listen() bool {
	return m.advance(Listening) == nil
}

// Cancel abandons a Listening utterance and returns to Idle. It reports
// false, and changes nothing, in any other state.
func (m *Machine) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Listening {
		return false
	}
	m.state = Idle
	return true
}

// advance performs a validated transition.
func (m *Machine) advance(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, next := range transitions[m.state] {
		if next == to {
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("turn: invalid transition %s -> %s", m.state, to)
}

// begin starts a turn at to, from Idle or a Listening utterance.
func (m *Machine) begin(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Idle && !(m.state == Listening && to == Transcribing) {
		return ErrBusy
	}
	m.state = to
	return nil
}

// set moves to s without validation; used to unwind a failed turn.
func (m *Machine) set(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
