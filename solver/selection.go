package solver

// selection tracks which (key,slot) identities have been chosen so far
// during a forward-closure walk, who depends on each one, and the
// dependency edges between them — the generalization of the teacher's
// solver.go "selection" struct (chosen project versions plus their
// dependers) from single-version-per-import-path projects to entropy's
// (key,slot) package identities.
type selection struct {
	chosen    map[string]Candidate
	dependers map[string][]Candidate
	edges     map[string][]string // id -> ids it depends on
}

func newSelection() *selection {
	return &selection{
		chosen:    make(map[string]Candidate),
		dependers: make(map[string][]Candidate),
		edges:     make(map[string][]string),
	}
}

func (s *selection) has(id string) bool {
	_, ok := s.chosen[id]
	return ok
}

func (s *selection) add(id string, cand Candidate) {
	s.chosen[id] = cand
}

func (s *selection) addDepender(id string, depender Candidate) {
	s.dependers[id] = append(s.dependers[id], depender)
}

func (s *selection) addEdge(from, to string) {
	for _, e := range s.edges[from] {
		if e == to {
			return
		}
	}
	s.edges[from] = append(s.edges[from], to)
}
