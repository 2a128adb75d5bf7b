package phase_test

import (
	"reflect"
	"testing"

	"kbforge/internal/phase"
)

func flagsThrough(last phase.Phase) phase.Flags {
	var f phase.Flags
	for _, p := range phase.All() {
		f = f.With(p, true)
		if p == last {
			break
		}
	}
	return f
}

func TestParseAcceptsAliases(t *testing.T) {
	cases := map[string]phase.Phase{
		"fetch":          phase.Fetch,
		" Embedding ":    phase.Embedding,
		"embeddings":     phase.Embedding,
		"kb_generation":  phase.KBGeneration,
		"media_analysis": phase.MediaAnalysis,
	}
	for input, want := range cases {
		got, err := phase.Parse(input)
		if err != nil || got != want {
			t.Fatalf("Parse(%q) = %q, %v; want %q", input, got, err, want)
		}
	}
	if _, err := phase.Parse("transcode"); err == nil {
		t.Fatal("expected error for unknown phase")
	}
}

func TestPreconditionMet(t *testing.T) {
	state := phase.State{Flags: phase.Flags{Fetched: true, Cached: true}}
	if !phase.PreconditionMet(state, phase.MediaAnalysis) {
		t.Fatal("media analysis should be ready after cache")
	}
	if phase.PreconditionMet(state, phase.Understanding) {
		t.Fatal("understanding requires media analysis")
	}
	if !phase.PreconditionMet(phase.State{}, phase.Fetch) {
		t.Fatal("fetch has no prerequisites")
	}
	if phase.PreconditionMet(state, phase.Phase("bogus")) {
		t.Fatal("unknown phase must never be ready")
	}
}

func TestNextEligibleWalksDeclaredOrder(t *testing.T) {
	cases := []struct {
		name  string
		state phase.State
		want  phase.Phase
		ok    bool
	}{
		{"new item", phase.State{}, phase.Fetch, true},
		{"cached", phase.State{Flags: phase.Flags{Fetched: true, Cached: true}}, phase.MediaAnalysis, true},
		{"kb generated", phase.State{Flags: flagsThrough(phase.KBGeneration)}, phase.Embedding, true},
		{"embedded only", phase.State{Flags: flagsThrough(phase.Embedding)}, phase.Synthesis, true},
		{"complete", phase.State{Flags: flagsThrough(phase.Publication)}, "", false},
		{"reprocess", phase.State{Flags: flagsThrough(phase.Publication), Reprocess: []phase.Phase{phase.Categorization}}, phase.Categorization, true},
	}
	for _, tc := range cases {
		got, ok := phase.NextEligible(tc.state)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("%s: NextEligible = %q,%v; want %q,%v", tc.name, got, ok, tc.want, tc.ok)
		}
	}
}

func TestEmbeddingAndSynthesisIndependent(t *testing.T) {
	state := phase.State{Flags: flagsThrough(phase.KBGeneration)}
	got := phase.EligiblePhases(state)
	want := []phase.Phase{phase.Embedding, phase.Synthesis}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected both embedding and synthesis eligible, got %v", got)
	}

	synthesizedOnly := state
	synthesizedOnly.Flags = synthesizedOnly.Flags.With(phase.Synthesis, true)
	if !phase.Eligible(synthesizedOnly, phase.Embedding) {
		t.Fatal("embedding must not depend on synthesis")
	}
	if phase.Eligible(synthesizedOnly, phase.Publication) {
		t.Fatal("publication requires embedding too")
	}
	if err := phase.Consistent(synthesizedOnly.Flags); err != nil {
		t.Fatalf("synthesized without embedded is consistent: %v", err)
	}
}

func TestForcedReprocessDoesNotCascade(t *testing.T) {
	state := phase.State{Flags: flagsThrough(phase.Publication), Reprocess: []phase.Phase{phase.Understanding}}
	if !phase.Eligible(state, phase.Understanding) {
		t.Fatal("reprocess request should make the phase eligible")
	}
	for _, p := range phase.Downstream(phase.Understanding) {
		if phase.Eligible(state, p) {
			t.Fatalf("downstream phase %s must stay complete", p)
		}
	}
	if phase.AlreadyDone(state, phase.Understanding) {
		t.Fatal("reprocess request means work is not done")
	}
	if !phase.AlreadyDone(state, phase.Fetch) {
		t.Fatal("fetch is done and not requested")
	}
}

func TestFilterEligible(t *testing.T) {
	items := []fakeItem{
		{id: "a", state: phase.State{Flags: phase.Flags{Fetched: true, Cached: true}}},
		{id: "b", state: phase.State{Flags: phase.Flags{Fetched: true}}},
		{id: "c", state: phase.State{Flags: flagsThrough(phase.MediaAnalysis)}},
		{id: "d", state: phase.State{Flags: flagsThrough(phase.MediaAnalysis), Reprocess: []phase.Phase{phase.MediaAnalysis}}},
	}
	got := phase.FilterEligible(items, phase.MediaAnalysis)
	if len(got) != 2 || got[0].id != "a" || got[1].id != "d" {
		t.Fatalf("unexpected eligible set: %+v", got)
	}
}

type fakeItem struct {
	id    string
	state phase.State
}

func (f fakeItem) PhaseState() phase.State { return f.state }

func TestConsistentDetectsViolations(t *testing.T) {
	if err := phase.Consistent(flagsThrough(phase.Publication)); err != nil {
		t.Fatalf("complete flags are consistent: %v", err)
	}
	bad := phase.Flags{Fetched: true, Categorized: true}
	if err := phase.Consistent(bad); err == nil {
		t.Fatal("expected violation for categorized without understanding")
	}
}

func TestDownstreamAndAncestors(t *testing.T) {
	got := phase.Downstream(phase.KBGeneration)
	want := []phase.Phase{phase.Embedding, phase.Synthesis, phase.Publication}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Downstream(kb_generation) = %v, want %v", got, want)
	}
	if d := phase.Downstream(phase.Publication); len(d) != 0 {
		t.Fatalf("publication has no downstream, got %v", d)
	}
	anc := phase.Ancestors(phase.Publication)
	if len(anc) != len(phase.All())-1 {
		t.Fatalf("publication should depend on every other phase, got %v", anc)
	}
}

func TestResetClearsDownstream(t *testing.T) {
	f := phase.Reset(flagsThrough(phase.Publication), phase.Categorization)
	for _, p := range []phase.Phase{phase.Fetch, phase.Cache, phase.MediaAnalysis, phase.Understanding} {
		if !f.Done(p) {
			t.Fatalf("%s should be untouched", p)
		}
	}
	for _, p := range []phase.Phase{phase.Categorization, phase.KBGeneration, phase.Embedding, phase.Synthesis, phase.Publication} {
		if f.Done(p) {
			t.Fatalf("%s should be cleared", p)
		}
	}
	if err := phase.Consistent(f); err != nil {
		t.Fatalf("reset must leave flags consistent: %v", err)
	}
}

// Exhaustively walk every flag combination reachable by completing eligible
// phases and confirm the ordering invariant always holds.
func TestEligibleTransitionsPreserveOrdering(t *testing.T) {
	seen := map[phase.Flags]bool{}
	queue := []phase.Flags{{}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if err := phase.Consistent(cur); err != nil {
			t.Fatalf("reached inconsistent state %+v: %v", cur, err)
		}
		for _, p := range phase.EligiblePhases(phase.State{Flags: cur}) {
			queue = append(queue, cur.With(p, true))
		}
	}
	if !seen[flagsThrough(phase.Publication)] {
		t.Fatal("complete state should be reachable")
	}
}
