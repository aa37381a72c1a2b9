package transcript

// ReconstructOrder rebuilds the causal order of a fragment set. Items whose
// PreviousItemID is empty or points at no item in the set are treated as
// chain heads; each chain is walked forward along successor links. Items on
// a cycle, reachable from no head, are appended as singletons in their
// original relative order so nothing is ever dropped.
//
// The function is idempotent: reordering an already-ordered sequence
// returns the same sequence. The input slice is not mutated.
func ReconstructOrder(items []Item) []Item {
	if len(items) <= 1 {
		out := make([]Item, len(items))
		copy(out, items)
		return out
	}

	index := make(map[string]int, len(items))
	for i, it := range items {
		if _, seen := index[it.ID]; !seen {
			index[it.ID] = i
		}
	}

	// Successor lists keyed by predecessor id, in original order so walks
	// are deterministic.
	successors := make(map[string][]int, len(items))
	for i, it := range items {
		if it.PreviousItemID == "" {
			continue
		}
		if _, ok := index[it.PreviousItemID]; !ok {
			continue // unresolvable predecessor, treated as a head below
		}
		successors[it.PreviousItemID] = append(successors[it.PreviousItemID], i)
	}

	isHead := func(it Item) bool {
		if it.PreviousItemID == "" {
			return true
		}
		_, ok := index[it.PreviousItemID]
		return !ok
	}

	out := make([]Item, 0, len(items))
	visited := make([]bool, len(items))

	var walk func(i int)
	walk = func(i int) {
		if visited[i] {
			return
		}
		visited[i] = true
		out = append(out, items[i])
		for _, next := range successors[items[i].ID] {
			walk(next)
		}
	}

	for i, it := range items {
		if isHead(it) {
			walk(i)
		}
	}

	// Whatever remains sits on a cycle with no entry point. Keep original
	// relative order.
	for i := range items {
		if !visited[i] {
			visited[i] = true
			out = append(out, items[i])
		}
	}

	return out
}
