package graph

import (
	"fmt"
	"strings"
)

// topoOrder returns names so that every target comes after its
// dependencies. Among targets that become ready together, declaration order
// is kept, which makes the order stable for a given file.
func topoOrder(names []string, deps map[string][]string) ([]string, error) {
	pos := make(map[string]int, len(names))
	for i, n := range names {
		pos[n] = i
	}

	waiting := make([]int, len(names))
	users := make([][]int, len(names))
	for i, n := range names {
		waiting[i] = len(deps[n])
		for _, d := range deps[n] {
			users[pos[d]] = append(users[pos[d]], i)
		}
	}

	ready := make([]int, 0, len(names))
	for i := range names {
		if waiting[i] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]string, 0, len(names))
	for head := 0; head < len(ready); head++ {
		i := ready[head]
		order = append(order, names[i])
		for _, u := range users[i] {
			if waiting[u]--; waiting[u] == 0 {
				ready = append(ready, u)
			}
		}
	}
	if len(order) == len(names) {
		return order, nil
	}

	// Every target still waiting has a waiting dependency, so following
	// those edges from any of them must revisit a target.
	start := -1
	for i := range names {
		if waiting[i] > 0 {
			start = i
			break
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(cycleFrom(names[start], deps, func(t string) bool {
		return waiting[pos[t]] > 0
	}), " -> "))
}

// cycleFrom walks blocked dependencies from start until a target repeats and
// returns the loop, closed with its first target, in dependency direction.
func cycleFrom(start string, deps map[string][]string, blocked func(string) bool) []string {
	seenAt := map[string]int{}
	var path []string
	for cur := start; ; {
		if i, ok := seenAt[cur]; ok {
			loop := append(path[i:], cur)
			// path follows "depends on"; report it as "is needed by".
			for l, r := 0, len(loop)-1; l < r; l, r = l+1, r-1 {
				loop[l], loop[r] = loop[r], loop[l]
			}
			return loop
		}
		seenAt[cur] = len(path)
		path = append(path, cur)
		for _, d := range deps[cur] {
			if blocked(d) {
				cur = d
				break
			}
		}
	}
}
