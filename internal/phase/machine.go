package phase

import (
	"fmt"
	"strings"
)

// State is the slice of a content item the state machine reasons about.
type State struct {
	Flags Flags
	// Reprocess holds phases with an outstanding forced-reprocess request.
	Reprocess []Phase
}

// Stateful is implemented by anything that can report its phase State.
type Stateful interface {
	PhaseState() State
}

func (s State) reprocessRequested(p Phase) bool {
	for _, r := range s.Reprocess {
		if r == p {
			return true
		}
	}
	return false
}

// PreconditionMet reports whether every direct prerequisite of p is complete.
// Because flags are only ever set on top of complete prerequisites, checking
// direct dependencies is enough.
func PreconditionMet(s State, p Phase) bool {
	if !p.Valid() {
		return false
	}
	for _, dep := range prerequisites[p] {
		if !s.Flags.Done(dep) {
			return false
		}
	}
	return true
}

// Eligible reports whether p may run now: prerequisites complete and either the
// phase has not completed or a forced reprocess was requested for it.
func Eligible(s State, p Phase) bool {
	if !PreconditionMet(s, p) {
		return false
	}
	return !s.Flags.Done(p) || s.reprocessRequested(p)
}

// AlreadyDone reports whether running p would be a no-op: the flag is set and
// no reprocess was requested.
func AlreadyDone(s State, p Phase) bool {
	return s.Flags.Done(p) && !s.reprocessRequested(p)
}

// NextEligible returns the first eligible phase in declared order.
func NextEligible(s State) (Phase, bool) {
	for _, p := range order {
		if Eligible(s, p) {
			return p, true
		}
	}
	return "", false
}

// EligiblePhases returns every phase that may run now. Embedding and synthesis
// can both appear, which lets schedulers run them concurrently.
func EligiblePhases(s State) []Phase {
	var out []Phase
	for _, p := range order {
		if Eligible(s, p) {
			out = append(out, p)
		}
	}
	return out
}

// FilterEligible returns the subset of items eligible for p, preserving input order.
func FilterEligible[T Stateful](items []T, p Phase) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if Eligible(item.PhaseState(), p) {
			out = append(out, item)
		}
	}
	return out
}

// Consistent checks the ordering invariant: a set flag implies every
// prerequisite flag is set.
func Consistent(f Flags) error {
	var broken []string
	for _, p := range order {
		if !f.Done(p) {
			continue
		}
		for _, dep := range prerequisites[p] {
			if !f.Done(dep) {
				broken = append(broken, fmt.Sprintf("%s without %s", p, dep))
			}
		}
	}
	if len(broken) > 0 {
		return fmt.Errorf("inconsistent phase flags: %s", strings.Join(broken, ", "))
	}
	return nil
}

// Reset clears p and everything downstream of it.
func Reset(f Flags, p Phase) Flags {
	f = f.With(p, false)
	for _, d := range Downstream(p) {
		f = f.With(d, false)
	}
	return f
}
