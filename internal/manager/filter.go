package manager

// filter selects the SPUs update(u) dispatches a barrier to. It MUST NOT
// omit an SPU whose result set would actually change.
func (m *Manager) filter(req UpdateRequest, live []spuWorker) []spuWorker {
	switch m.filterMode {
	case FilterLUT:
		return filterByGraphIntersection(req, live)
	default:
		return live
	}
}

// filterByGraphIntersection includes an SPU unless its predicate's graphs
// are disjoint from the update's using-graph/using-named-graph sets. A
// predicate sharing no graph with the update cannot observe it, so this
// conservative test satisfies the "never omit an SPU whose result would
// change" contract.
func filterByGraphIntersection(req UpdateRequest, live []spuWorker) []spuWorker {
	updateGraphs := toSet(req.UsingGraphs)
	updateNamed := toSet(req.UsingNamed)

	// An update with no explicit graph scope targets the default graph of
	// every SPU with no declared graphs of its own, as well as any SPU that
	// doesn't scope itself -- treat an unscoped update as potentially
	// touching everything, erring conservatively toward inclusion.
	if len(updateGraphs) == 0 && len(updateNamed) == 0 {
		return live
	}

	out := make([]spuWorker, 0, len(live))
	for _, s := range live {
		if len(s.DefaultGraphs()) == 0 && len(s.NamedGraphs()) == 0 {
			// Unscoped predicate reads the default graph implicitly; include
			// it conservatively since we cannot prove disjointness.
			out = append(out, s)
			continue
		}
		if intersects(toSet(s.DefaultGraphs()), updateGraphs) || intersects(toSet(s.NamedGraphs()), updateNamed) {
			out = append(out, s)
		}
	}
	return out
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

func intersects(a, b map[string]struct{}) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	for k := range small {
		if _, ok := large[k]; ok {
			return true
		}
	}
	return false
}
