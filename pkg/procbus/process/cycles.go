package process

// Cycles returns every cycle in the definition's transition graph.
//
// State machines may legitimately cycle (retry loops, re-open flows), so
// this is diagnostic rather than a validation failure; tooling uses it
// to surface loops that were probably not intended.
//
// The traversal is depth-first with a current-path stack and a global
// visited set: when a state already on the current path is revisited,
// the slice of the path from that state to the end (plus the state
// again) is recorded as one cycle. Backtracking pops the path stack.
func (d *Definition) Cycles() [][]string {
	adjacency := make(map[string][]string, len(d.States))
	for _, t := range d.Transitions {
		adjacency[t.From] = append(adjacency[t.From], t.To)
	}

	var cycles [][]string
	visited := make(map[string]bool, len(d.States))
	onPath := make(map[string]int) // state -> index in path
	var path []string

	var walk func(state string)
	walk = func(state string) {
		if idx, ok := onPath[state]; ok {
			cycle := make([]string, 0, len(path)-idx+1)
			cycle = append(cycle, path[idx:]...)
			cycle = append(cycle, state)
			cycles = append(cycles, cycle)
			return
		}
		if visited[state] {
			return
		}
		visited[state] = true

		onPath[state] = len(path)
		path = append(path, state)
		for _, next := range adjacency[state] {
			walk(next)
		}
		path = path[:len(path)-1]
		delete(onPath, state)
	}

	for _, s := range d.States {
		if !visited[s] {
			walk(s)
		}
	}
	return cycles
}
