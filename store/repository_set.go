package store

import (
	"fmt"
	"sync"

	"github.com/entropy-pm/entropy/entropyerr"
)

// RepositorySet is the mapping repository_id -> (readable Store,
// artifact-url-pattern) from the data model's "Repository set". Exactly one
// entry is the installed store; the rest are available repositories, plus
// any ephemeral single-package-file repository added for the duration of
// one transaction.
type RepositorySet struct {
	mu    sync.RWMutex
	byID  map[int]*repoEntry
	order []int // registered repository_ids, in the order they were added
}

type repoEntry struct {
	store       *Store
	urlPattern  string
	enabled     bool
	ephemeral   bool
}

// NewRepositorySet constructs an empty set; Add the installed store and any
// available repositories before use.
func NewRepositorySet() *RepositorySet {
	return &RepositorySet{byID: make(map[int]*repoEntry)}
}

// Add registers a store under repositoryID with the given artifact URL
// pattern (ignored for the installed store). Repositories are enabled by
// default, and Enabled lists them in the order Add is called; the solver
// breaks ties between stores by the lowest repositoryID, not by that order.
func (rs *RepositorySet) Add(repositoryID int, s *Store, urlPattern string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	s.RepositoryID = repositoryID
	rs.byID[repositoryID] = &repoEntry{store: s, urlPattern: urlPattern, enabled: true}
	rs.order = append(rs.order, repositoryID)
}

// AddEphemeral registers a one-off repository backed by a single package
// file's extracted metadata, for the duration of one transaction (data
// model: "A package-file can be added as an ephemeral repository").
func (rs *RepositorySet) AddEphemeral(repositoryID int, s *Store) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	s.RepositoryID = repositoryID
	rs.byID[repositoryID] = &repoEntry{store: s, enabled: true, ephemeral: true}
	rs.order = append(rs.order, repositoryID)
}

// RemoveEphemeral drops a repository added with AddEphemeral once its
// transaction completes.
func (rs *RepositorySet) RemoveEphemeral(repositoryID int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if e, ok := rs.byID[repositoryID]; ok && e.ephemeral {
		delete(rs.byID, repositoryID)
		for i, id := range rs.order {
			if id == repositoryID {
				rs.order = append(rs.order[:i], rs.order[i+1:]...)
				break
			}
		}
	}
}

// Store returns the store registered under repositoryID.
func (rs *RepositorySet) Store(repositoryID int) (*Store, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	e, ok := rs.byID[repositoryID]
	if !ok {
		return nil, entropyerr.New(entropyerr.NotFound, fmt.Sprintf("repository %d not registered", repositoryID))
	}
	return e.store, nil
}

// Enabled returns the enabled, non-installed repository_ids in the order
// they were added.
func (rs *RepositorySet) Enabled() []int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	var out []int
	for _, id := range rs.order {
		e := rs.byID[id]
		if e.enabled && !e.store.Installed {
			out = append(out, id)
		}
	}
	return out
}

// Installed returns the one installed store in the set, or an error if none
// has been registered.
func (rs *RepositorySet) Installed() (*Store, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	for _, e := range rs.byID {
		if e.store.Installed {
			return e.store, nil
		}
	}
	return nil, entropyerr.New(entropyerr.Internal, "no installed store registered")
}

// URLPattern returns the artifact-url-pattern registered for repositoryID.
func (rs *RepositorySet) URLPattern(repositoryID int) (string, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	e, ok := rs.byID[repositoryID]
	if !ok {
		return "", entropyerr.New(entropyerr.NotFound, fmt.Sprintf("repository %d not registered", repositoryID))
	}
	return e.urlPattern, nil
}
