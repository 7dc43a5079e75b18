package fsm

import "fmt"

// TransitionError reports an illegal lifecycle move. It is always fatal to
// the current request and is logged as security-relevant by callers.
type TransitionError struct {
	Kind string
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition: %s -> %s", e.Kind, e.From, e.To)
}

// Machine validates lifecycle transitions for one entity kind against an
// immutable adjacency table built once at startup. The table is data: a state
// missing from it (or mapped to an empty set) is terminal.
type Machine[S ~string] struct {
	kind  string
	table map[S][]S
}

// New builds a machine for the given entity kind.
func New[S ~string](kind string, table map[S][]S) *Machine[S] {
	copied := make(map[S][]S, len(table))
	for from, to := range table {
		copied[from] = append([]S(nil), to...)
	}
	return &Machine[S]{kind: kind, table: copied}
}

// Kind returns the entity kind this machine governs.
func (m *Machine[S]) Kind() string {
	return m.kind
}

// CanTransition reports whether from -> to is in the table.
func (m *Machine[S]) CanTransition(from, to S) bool {
	for _, s := range m.table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves the state.
func (m *Machine[S]) IsTerminal(s S) bool {
	return len(m.table[s]) == 0
}

// AllowedFrom returns the states reachable from the given state.
func (m *Machine[S]) AllowedFrom(from S) []S {
	return append([]S(nil), m.table[from]...)
}

// Transition validates from -> to and runs apply, which must persist the new
// state and its audit record in one atomic unit. The persistence layer
// re-checks the current state inside that unit (a conditional update guarded
// on the from state), so a row that moved concurrently fails the apply rather
// than being silently overwritten.
func (m *Machine[S]) Transition(from, to S, apply func(from, to S) error) error {
	if !m.CanTransition(from, to) {
		return &TransitionError{Kind: m.kind, From: string(from), To: string(to)}
	}
	return apply(from, to)
}
