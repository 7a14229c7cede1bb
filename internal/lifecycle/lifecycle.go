// -------------------------------------------------------------------------------
// Lifecycle - Request Processing State Machine
//
// Project: Yggdrasil
//
// Ordered processing stages for preservation and import requests. Each state
// carries an explicit rank from a lookup table, so the "no regression" rule is a
// plain integer comparison. Fail-states are terminal: once a request has failed,
// no further transition is accepted.
// -------------------------------------------------------------------------------

package lifecycle

import (
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// ERRORS
// -------------------------------------------------------------------------

var (
	// ErrFailStateFinal is returned when a transition starts from a fail-state.
	ErrFailStateFinal = errors.New("cannot leave a fail-state")

	// ErrRegression is returned when the target rank is below the current rank.
	ErrRegression = errors.New("cannot regress")

	// ErrUnknownState is returned for states missing from the machine's table.
	ErrUnknownState = errors.New("unknown state")
)

// TransitionError describes a rejected transition.
type TransitionError struct {
	From State
	To   State
	Err  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition %s -> %s: %v", e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// -------------------------------------------------------------------------
// STATES
// -------------------------------------------------------------------------

// State is the wire name of a lifecycle stage. The name is what the remote
// notifier receives.
type State string

// Definition attaches ordering and reporting metadata to a State.
type Definition struct {
	State       State
	Rank        int
	Failure     bool   // terminal failure
	Terminal    bool   // terminal success
	Description string // default detail when no specific message is given
}

// -------------------------------------------------------------------------
// MACHINE
// -------------------------------------------------------------------------

// Machine validates transitions against a fixed table of definitions. The table
// is never mutated after construction, so a Machine is safe for concurrent use.
type Machine struct {
	name string
	defs map[State]Definition
}

// NewMachine builds a machine from the given definitions. Duplicate states panic
// since tables are package-level constants.
func NewMachine(name string, defs ...Definition) *Machine {
	m := &Machine{name: name, defs: make(map[State]Definition, len(defs))}
	for _, d := range defs {
		if _, dup := m.defs[d.State]; dup {
			panic(fmt.Sprintf("lifecycle: duplicate state %s in %s machine", d.State, name))
		}
		m.defs[d.State] = d
	}
	return m
}

// Name returns the machine's name ("preservation" or "import").
func (m *Machine) Name() string { return m.name }

// Lookup returns the definition for s.
func (m *Machine) Lookup(s State) (Definition, bool) {
	d, ok := m.defs[s]
	return d, ok
}

// States returns every defined state in no particular order.
func (m *Machine) States() []State {
	out := make([]State, 0, len(m.defs))
	for s := range m.defs {
		out = append(out, s)
	}
	return out
}

// Rank returns the order rank of s, or -1 when s is unknown.
func (m *Machine) Rank(s State) int {
	d, ok := m.defs[s]
	if !ok {
		return -1
	}
	return d.Rank
}

// IsFailure reports whether s is a fail-state.
func (m *Machine) IsFailure(s State) bool {
	return m.defs[s].Failure
}

// IsTerminal reports whether s ends the request's lifecycle, either as a
// failure or as final success.
func (m *Machine) IsTerminal(s State) bool {
	d := m.defs[s]
	return d.Failure || d.Terminal
}

// Description returns the default human-readable description of s.
func (m *Machine) Description(s State) string {
	if d, ok := m.defs[s]; ok {
		return d.Description
	}
	return string(s)
}

// CanTransition reports whether moving from -> to is allowed.
func (m *Machine) CanTransition(from, to State) bool {
	_, err := m.Transition(from, to)
	return err == nil
}

// Transition validates from -> to and returns the new state. A transition to
// the same state is an accepted no-op unless the state is a fail-state.
func (m *Machine) Transition(from, to State) (State, error) {
	fromDef, ok := m.defs[from]
	if !ok {
		return from, &TransitionError{From: from, To: to, Err: fmt.Errorf("%w: %s", ErrUnknownState, from)}
	}
	toDef, ok := m.defs[to]
	if !ok {
		return from, &TransitionError{From: from, To: to, Err: fmt.Errorf("%w: %s", ErrUnknownState, to)}
	}

	if fromDef.Failure {
		return from, &TransitionError{From: from, To: to, Err: ErrFailStateFinal}
	}
	if toDef.Rank < fromDef.Rank {
		return from, &TransitionError{From: from, To: to, Err: ErrRegression}
	}
	return to, nil
}

// -------------------------------------------------------------------------
// FAILURE
// -------------------------------------------------------------------------

// Failure is raised anywhere in a request flow to end it in a fail-state. The
// fault barrier in the handler reports State and Detail to the notifier.
type Failure struct {
	State  State
	Detail string
	Err    error
}

// Fail builds a Failure. When detail is empty the wrapped error's message is
// used instead.
func Fail(state State, detail string, err error) *Failure {
	if detail == "" && err != nil {
		detail = err.Error()
	}
	return &Failure{State: state, Detail: detail, Err: err}
}

func (f *Failure) Error() string {
	if f.Err != nil && f.Detail != f.Err.Error() {
		return fmt.Sprintf("%s: %s: %v", f.State, f.Detail, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.State, f.Detail)
}

func (f *Failure) Unwrap() error { return f.Err }

// AsFailure extracts a *Failure from err's chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
