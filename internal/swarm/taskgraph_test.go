package swarm

import (
	"testing"
)

func tasks(specs ...[]string) []*Task {
	out := make([]*Task, len(specs))
	for i, s := range specs {
		out[i] = &Task{ID: s[0], Dependencies: s[1:]}
	}
	return out
}

func TestBuildPlan_Independent(t *testing.T) {
	plan, err := BuildPlan(tasks([]string{"a"}, []string{"b"}, []string{"c"}))
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Tiers) != 1 || len(plan.Tiers[0]) != 3 {
		t.Fatalf("expected one tier of 3, got %v", plan.Tiers)
	}
	if len(plan.Workstreams) != 3 {
		t.Fatalf("expected 3 workstreams, got %v", plan.Workstreams)
	}
}

func TestBuildPlan_Chain(t *testing.T) {
	plan, err := BuildPlan(tasks([]string{"a"}, []string{"b", "a"}, []string{"c", "b"}))
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Tiers) != 3 {
		t.Fatalf("expected 3 tiers, got %d", len(plan.Tiers))
	}
	for i, want := range []string{"a", "b", "c"} {
		if plan.Tiers[i][0] != want {
			t.Fatalf("expected %s in tier %d, got %v", want, i, plan.Tiers[i])
		}
	}
	if len(plan.Waiting["c"]) != 1 || plan.Waiting["c"][0] != "b" {
		t.Fatalf("expected c waiting on b, got %v", plan.Waiting["c"])
	}
	if len(plan.Workstreams) != 1 || len(plan.Workstreams[0]) != 3 {
		t.Fatalf("expected a single workstream, got %v", plan.Workstreams)
	}
}

func TestBuildPlan_Diamond(t *testing.T) {
	plan, err := BuildPlan(tasks(
		[]string{"root"},
		[]string{"left", "root"},
		[]string{"right", "root"},
		[]string{"join", "left", "right"},
	))
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Tiers) != 3 || len(plan.Tiers[1]) != 2 || plan.Tiers[2][0] != "join" {
		t.Fatalf("unexpected tiers %v", plan.Tiers)
	}
}

func TestBuildPlan_UnknownDependencyIgnored(t *testing.T) {
	plan, err := BuildPlan(tasks([]string{"a", "finished-elsewhere"}))
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Tiers) != 1 || len(plan.Waiting) != 0 {
		t.Fatalf("unexpected plan %+v", plan)
	}
}

func TestBuildPlan_Cycle(t *testing.T) {
	_, err := BuildPlan(tasks([]string{"a", "c"}, []string{"b", "a"}, []string{"c", "b"}))
	if err == nil {
		t.Fatal("expected cycle error")
	}
	_, err = BuildPlan(tasks([]string{"a", "a"}))
	if err == nil {
		t.Fatal("expected self-dependency error")
	}
}

func TestBuildPlan_Duplicate(t *testing.T) {
	if _, err := BuildPlan(tasks([]string{"a"}, []string{"a"})); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestBuildPlan_Empty(t *testing.T) {
	plan, err := BuildPlan(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Tiers) != 0 {
		t.Fatalf("expected no tiers, got %v", plan.Tiers)
	}
}
