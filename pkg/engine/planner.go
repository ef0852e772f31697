package engine

import (
	"sort"
	"time"

	"github.com/openfroyo/agentbox/pkg/manifest"
)

// BuildPlan projects a selection onto the manifest's topological order.
//
// --only selects exactly the listed modules; their dependencies are neither
// added nor required. --skip excludes the listed modules and marks every
// selected module that transitively depends on one of them as blocked.
// Unknown module IDs or phases in the selection are a validation error.
func BuildPlan(m *manifest.Manifest, sel Selection) (*ExecutionPlan, error) {
	if m == nil {
		return nil, NewValidationError("manifest is nil", nil)
	}
	sel = cloneSelection(sel)
	if err := validateSelection(m, sel); err != nil {
		return nil, err
	}

	only := toSet(sel.OnlyModules)
	skip := toSet(sel.SkipModules)
	phases := make(map[int]bool, len(sel.OnlyPhases))
	for _, p := range sel.OnlyPhases {
		phases[p] = true
	}

	graph := m.Graph()
	order := m.TopologicalOrder()

	plan := &ExecutionPlan{
		Entries:   make([]PlanEntry, 0, len(order)),
		Selection: sel,
		CreatedAt: time.Now().UTC(),
		index:     make(map[string]int, len(order)),
	}

	for _, id := range order {
		mod, _ := m.Module(id)
		entry := PlanEntry{
			ModuleID:      id,
			ProcedureName: manifest.ProcedureName(id),
			Phase:         mod.Phase,
			PhaseName:     m.PhaseName(mod.Phase),
			Dependencies:  graph.Dependencies(id),
			Selected:      true,
			Optional:      mod.Optional,
		}
		switch {
		case len(only) > 0 && !only[id]:
			entry.Selected, entry.ExcludedBy = false, ExcludedByOnly
		case len(phases) > 0 && !phases[mod.Phase]:
			entry.Selected, entry.ExcludedBy = false, ExcludedByOnlyPhase
		case skip[id]:
			entry.Selected, entry.ExcludedBy = false, ExcludedBySkip
		}
		plan.index[id] = len(plan.Entries)
		plan.Entries = append(plan.Entries, entry)
	}

	blocked := make(map[string][]string)
	for _, id := range sel.SkipModules {
		for _, dependent := range graph.TransitiveDependents(id) {
			blocked[dependent] = append(blocked[dependent], id)
		}
	}
	for i := range plan.Entries {
		e := &plan.Entries[i]
		if ups, ok := blocked[e.ModuleID]; ok && e.Selected {
			sort.Strings(ups)
			e.BlockedBy = ups
		}
	}

	plan.Batches = buildBatches(plan, graph)
	return plan, nil
}

// buildBatches walks the plan order and starts a new batch whenever the phase
// changes or a module depends on a member of the current batch.
func buildBatches(plan *ExecutionPlan, graph *manifest.Graph) [][]int {
	var batches [][]int
	var current []int
	members := make(map[string]bool)
	phase := 0

	for i, e := range plan.Entries {
		conflict := len(current) > 0 && e.Phase != phase
		if !conflict {
			for _, dep := range graph.Dependencies(e.ModuleID) {
				if members[dep] {
					conflict = true
					break
				}
			}
		}
		if conflict {
			batches = append(batches, current)
			current = nil
			members = make(map[string]bool)
		}
		current = append(current, i)
		members[e.ModuleID] = true
		phase = e.Phase
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func validateSelection(m *manifest.Manifest, sel Selection) error {
	var errs manifest.ValidationErrors
	for _, id := range sel.OnlyModules {
		if !m.Has(id) {
			errs.Add(id, "only", "unknown module %s", id)
		}
	}
	for _, id := range sel.SkipModules {
		if !m.Has(id) {
			errs.Add(id, "skip", "unknown module %s", id)
		}
	}
	for _, p := range sel.OnlyPhases {
		if _, ok := m.Phase(p); !ok {
			errs.Add("", "only-phase", "unknown phase %d", p)
		}
	}
	if len(errs) > 0 {
		return NewValidationError("invalid selection", errs)
	}
	return nil
}

func cloneSelection(s Selection) Selection {
	return Selection{
		OnlyModules: append([]string(nil), s.OnlyModules...),
		OnlyPhases:  append([]int(nil), s.OnlyPhases...),
		SkipModules: append([]string(nil), s.SkipModules...),
	}
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
