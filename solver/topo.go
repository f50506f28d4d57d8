package solver

import (
	"sort"

	"github.com/rs/zerolog"
)

// topoSort orders sel's chosen candidates so that every dependency precedes
// its dependers (install order), using Kahn's algorithm over sel.edges.
// Real dependency graphs in a binary package manager are not always
// acyclic (e.g. a toolchain package depending on a library built by a
// bootstrap copy of itself); rather than aborting the whole transaction,
// a cycle is broken by installing its lowest-id member first and logging a
// warning, rather than hard-failing the whole transaction — it is then
// nobody's dependency has already been satisfied by the time it installs.
func topoSort(sel *selection, log zerolog.Logger) ([]Candidate, error) {
	indegree := make(map[string]int, len(sel.chosen))
	for id := range sel.chosen {
		indegree[id] = 0
	}
	// indegree[x] = number of dependencies x still has outstanding.
	for from, tos := range sel.edges {
		if _, ok := indegree[from]; !ok {
			continue
		}
		count := 0
		for _, to := range tos {
			if _, ok := indegree[to]; ok {
				count++
			}
		}
		indegree[from] = count
	}

	var ready []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	// reverse adjacency: to -> [from, from, ...], used to decrement
	// dependers' indegree once a dependency is placed.
	dependedBy := make(map[string][]string)
	for from, tos := range sel.edges {
		for _, to := range tos {
			dependedBy[to] = append(dependedBy[to], from)
		}
	}

	var order []string
	placed := make(map[string]bool)
	for len(order) < len(sel.chosen) {
		if len(ready) == 0 {
			// Cycle: pick the lowest-id unplaced node to break it.
			var remaining []string
			for id := range indegree {
				if !placed[id] {
					remaining = append(remaining, id)
				}
			}
			sort.Strings(remaining)
			if len(remaining) == 0 {
				break
			}
			log.Warn().Str("package", remaining[0]).Msg("dependency cycle detected, breaking by install order")
			ready = append(ready, remaining[0])
		}

		sort.Strings(ready)
		next := ready[0]
		ready = ready[1:]
		if placed[next] {
			continue
		}
		placed[next] = true
		order = append(order, next)

		for _, dependent := range dependedBy[next] {
			if placed[dependent] {
				continue
			}
			indegree[dependent]--
			if indegree[dependent] <= 0 {
				ready = append(ready, dependent)
			}
		}
	}

	out := make([]Candidate, 0, len(order))
	for _, id := range order {
		out = append(out, sel.chosen[id])
	}
	return out, nil
}
