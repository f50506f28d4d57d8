// Package entropy wires the nine components into one running system: the
// Context is the single struct every operation threads through, replacing
// both a package-level singleton and the source's per-subsystem client
// objects (Design Notes §9).
//
// Grounded on the teacher's own context.go (dep.Ctx), which threads a
// GOPATH and an io.Writer pair through every command instead of relying on
// globals; entropy's Context generalizes that to the repository set, the
// action engine, the resource lock, and the orchestrator, plus the
// protect/mask/skip lists and scratch directories every phase needs.
package entropy

import (
	"context"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/entropy-pm/entropy/atom"
	"github.com/entropy-pm/entropy/cfgprotect"
	"github.com/entropy-pm/entropy/engine"
	"github.com/entropy-pm/entropy/entropyerr"
	"github.com/entropy-pm/entropy/fetch"
	internalfs "github.com/entropy-pm/entropy/internal/fs"
	"github.com/entropy-pm/entropy/orchestrator"
	"github.com/entropy-pm/entropy/preserve"
	"github.com/entropy-pm/entropy/reslock"
	"github.com/entropy-pm/entropy/solver"
	"github.com/entropy-pm/entropy/store"
)

// Config is the directory and policy configuration NewContext wires into a
// running Context. Every field here corresponds to a piece of state the
// source threaded through ad hoc globals or constructor arguments.
type Config struct {
	Root             string // live filesystem root the engine merges into
	InstalledDBPath  string
	CacheDir         string
	UnpackRoot       string
	LocksDir         string
	PreservedLibsDir string
	ConfigStashDir   string

	Lists      cfgprotect.Lists
	Strict     bool
	Splitdebug bool

	FetchParallelism int

	Log zerolog.Logger
}

// Context is the supporting context every entropy operation runs through:
// the repository set, the fetcher, the preserved-libraries registry, the
// action engine, the resource lock, and the orchestrator that serializes
// actions against them.
type Context struct {
	cfg Config

	Repos    *store.RepositorySet
	Fetcher  *fetch.Fetcher
	Preserve *preserve.Registry
	Engine   *engine.Engine
	Lock     *reslock.Manager
	Orch     *orchestrator.Orchestrator

	log zerolog.Logger
}

// NewContext opens the installed store and wires C5 through C9 together.
// Available repositories are registered afterward by the caller via
// Repos.Add, once each one's own Store is opened — which repositories are
// enabled is configuration, not something NewContext can discover on its
// own.
func NewContext(cfg Config) (*Context, error) {
	installed, err := store.Open(cfg.InstalledDBPath, true, cfg.Log)
	if err != nil {
		return nil, err
	}

	repos := store.NewRepositorySet()
	repos.Add(0, installed, "")

	fetcher := fetch.New(cfg.CacheDir, cfg.Log)

	lib, err := preserve.Open(filepath.Join(cfg.PreservedLibsDir, "registry.toml"), cfg.PreservedLibsDir, cfg.Log)
	if err != nil {
		return nil, err
	}

	eng := engine.New(repos, fetcher, lib, engine.Options{
		Root:             cfg.Root,
		UnpackRoot:       cfg.UnpackRoot,
		PreservedLibsDir: cfg.PreservedLibsDir,
		ConfigStashDir:   cfg.ConfigStashDir,
		Lists:            cfg.Lists,
		Strict:           cfg.Strict,
		Splitdebug:       cfg.Splitdebug,
	}, cfg.Log)

	lock := reslock.New(filepath.Join(cfg.LocksDir, "entropy.lock"), cfg.Log)
	orch := orchestrator.New(eng, lock, cfg.Log, 64, 64)

	return &Context{cfg: cfg, Repos: repos, Fetcher: fetcher, Preserve: lib, Engine: eng, Lock: lock, Orch: orch, log: cfg.Log}, nil
}

// Run starts the orchestrator's worker goroutine; Stop shuts it down.
func (c *Context) Run(ctx context.Context) { c.Orch.Run(ctx) }
func (c *Context) Stop()                   { c.Orch.Stop() }

// Events is the narrow command/event channel external collaborators range
// over instead of the source's inter-process signal bus (§6, Design Notes
// §9): every per-application outcome signal collapses onto this one
// orchestrator.Event stream.
func (c *Context) Events() <-chan orchestrator.Event { return c.Orch.Events() }

// Activity reports the system's current high-level state.
func (c *Context) Activity() orchestrator.Activity { return c.Orch.Activity() }

// Interrupt requests cooperative cancellation of the in-flight action.
func (c *Context) Interrupt() { c.Orch.Interrupt() }

// ActionQueueItems enqueues items in order and returns one trace id per
// item, for callers that build a whole batch (e.g. an install plus its
// solver-resolved dependencies) before submitting it.
func (c *Context) ActionQueueItems(items []*engine.ActionQueueItem) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = c.EnqueueAction(item)
	}
	return ids
}

// EnqueueAction queues item for the orchestrator's worker goroutine and
// returns a trace id for correlating the eventual Event with this call in
// logs — the one place a fresh github.com/google/uuid value is minted,
// tagging an action the moment it's accepted the way the data model's
// queue items are each individually tracked.
func (c *Context) EnqueueAction(item *engine.ActionQueueItem) string {
	traceID := uuid.NewString()
	c.log.Info().
		Str("action_id", traceID).
		Str("action", item.Action.String()).
		Int64("package_id", item.PackageID).
		Msg("enqueueing action")
	c.Orch.Enqueue(item)
	return traceID
}

// UpdateRepositories re-downloads each enabled repository's database file
// over its configured URL pattern and atomically swaps it into place,
// guarded by the exclusive resource lock so no action is mid-flight against
// a store being replaced.
func (c *Context) UpdateRepositories(ctx context.Context) error {
	if err := c.Lock.Acquire(ctx, reslock.Exclusive, true); err != nil {
		return err
	}
	defer func() {
		if err := c.Lock.Release(); err != nil {
			c.log.Warn().Err(err).Msg("releasing resource lock after repository update")
		}
	}()

	type refresh struct {
		repositoryID int
		pattern      string
		dest         string
	}
	var jobs []refresh
	var items []fetch.Item
	for _, id := range c.Repos.Enabled() {
		pattern, err := c.Repos.URLPattern(id)
		if err != nil || pattern == "" {
			continue
		}
		dest := filepath.Join(c.cfg.CacheDir, "repo-update", pattern)
		jobs = append(jobs, refresh{repositoryID: id, pattern: pattern, dest: dest})
		items = append(items, fetch.Item{URL: pattern, Dest: dest})
	}
	if len(items) == 0 {
		return nil
	}

	parallelism := c.cfg.FetchParallelism
	if parallelism <= 0 {
		parallelism = 4
	}
	if err := c.Fetcher.FetchMany(ctx, items, parallelism, nil); err != nil {
		return err
	}

	for _, j := range jobs {
		repoStore, err := c.Repos.Store(j.repositoryID)
		if err != nil {
			continue
		}
		if err := repoStore.Close(); err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "closing repository store before swap")
		}
		dbPath := filepath.Join(c.cfg.CacheDir, "repos", j.pattern+".db")
		if err := internalfs.RenameWithFallback(j.dest, dbPath); err != nil {
			return err
		}
		reopened, err := store.Open(dbPath, false, c.cfg.Log)
		if err != nil {
			return err
		}
		c.Repos.Add(j.repositoryID, reopened, j.pattern)
	}
	return nil
}

// UpgradeSystem resolves the latest available candidate for every
// explicitly-requested ("world") installed package across the enabled
// repositories and enqueues one upgrade action per resulting install. A
// package with no better candidate in any enabled repository is left
// alone rather than treated as an error.
func (c *Context) UpgradeSystem(ctx context.Context, useFlags atom.UseFlagSet) error {
	installed, err := c.Repos.Installed()
	if err != nil {
		return err
	}
	ids, err := installed.AllPackageIDs()
	if err != nil {
		return err
	}

	var requested []solver.RequestedMatch
	for _, id := range ids {
		rec, err := installed.RetrievePackage(id)
		if err != nil {
			return err
		}
		if !rec.World {
			continue
		}
		bare := bareDependencyFor(rec)
		for _, repoID := range c.Repos.Enabled() {
			repoStore, err := c.Repos.Store(repoID)
			if err != nil {
				continue
			}
			candID, status, err := repoStore.AtomMatch(bare, rec.Atom.Slot, rec.Atom.Tag)
			if err != nil {
				return err
			}
			if status == store.StatusMatch {
				cand, err := repoStore.RetrievePackage(candID)
				if err != nil {
					return err
				}
				if atom.CompareAtoms(cand.Atom, rec.Atom) > 0 {
					requested = append(requested, solver.RequestedMatch{PackageID: candID, RepositoryID: repoID})
					break
				}
			}
		}
	}
	if len(requested) == 0 {
		return nil
	}

	resolver := solver.New(c.Repos, useFlags, c.log)
	installSeq, _, err := resolver.InstallQueue(requested, solver.Options{Recursive: true})
	if err != nil {
		return err
	}
	for _, cand := range installSeq {
		item := &engine.ActionQueueItem{Action: engine.Upgrade, PackageID: cand.PackageID, RepositoryID: cand.RepositoryID, Authorized: true}
		c.EnqueueAction(item)
	}
	return nil
}

// bareDependencyFor builds an unconstrained (category,name) dependency
// matching any version — CompGE against the zero Version, which is always
// less than or equal to any real candidate — so AtomMatch's own tie-breaks
// pick the best available replacement for rec.
func bareDependencyFor(rec *store.PackageRecord) atom.Dependency {
	return atom.Dependency{
		Atom: atom.Atom{
			Category: rec.Atom.Category,
			Name:     rec.Atom.Name,
		},
		Comparator: atom.CompGE,
	}
}

// MergeConfiguration, DiscardConfiguration, and DiffConfiguration expose
// C8's pending-update resolution (§6's MergeConfiguration/
// DiscardConfiguration/DiffConfiguration).
func (c *Context) MergeConfiguration(u cfgprotect.Update) error   { return cfgprotect.Merge(u) }
func (c *Context) DiscardConfiguration(u cfgprotect.Update) error { return cfgprotect.Discard(u) }
func (c *Context) DiffConfiguration(u cfgprotect.Update) (string, error) {
	return cfgprotect.Diff(u)
}

// PendingConfigurationUpdates scans the configured stash directory for
// configuration updates awaiting review.
func (c *Context) PendingConfigurationUpdates() ([]cfgprotect.Update, error) {
	return cfgprotect.ConfigurationFiles(c.cfg.ConfigStashDir)
}
