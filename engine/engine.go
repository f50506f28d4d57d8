// Package engine implements the Package Action Engine (component C6): the
// per-action phase lists that move a package between "available" and
// "installed," the image-directory-to-live-root merge algorithm, and the
// Enqueued→Done/Failed/Cancelled state machine of a single action.
//
// Grounded on the teacher's ensure.go (a phased pipeline: runSolver, then
// SafeWriter.Write) and txn_writer.go's SafeWriter/SafeWriterPayload — a
// staged writer that assembles everything to change and commits once.
// engine.Execute reuses that "assemble across phases, commit once at the
// end" shape, generalized from writing Gopkg.lock+vendor/ to moving an
// image tree into the live root and committing one installed-store row.
package engine

import (
	"context"
	"os"

	"github.com/rs/zerolog"

	"github.com/entropy-pm/entropy/atom"
	"github.com/entropy-pm/entropy/cfgprotect"
	"github.com/entropy-pm/entropy/entropyerr"
	"github.com/entropy-pm/entropy/fetch"
	"github.com/entropy-pm/entropy/preserve"
	"github.com/entropy-pm/entropy/store"
)

// ActionKind is what an ActionQueueItem asks the engine to do.
type ActionKind int

const (
	Install ActionKind = iota
	Remove
	Upgrade
)

func (k ActionKind) String() string {
	switch k {
	case Install:
		return "install"
	case Remove:
		return "remove"
	case Upgrade:
		return "upgrade"
	default:
		return "unknown"
	}
}

// State is where one ActionQueueItem sits in its lifecycle (data model
// §3's ActionQueueItem, state machine from §4.6).
type State int

const (
	Enqueued State = iota
	Authorized
	Preparing
	Fetching
	Applying
	Committing
	Done
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Enqueued:
		return "Enqueued"
	case Authorized:
		return "Authorized"
	case Preparing:
		return "Preparing"
	case Fetching:
		return "Fetching"
	case Applying:
		return "Applying"
	case Committing:
		return "Committing"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// ActionQueueItem is one unit of work the orchestrator hands the engine:
// (action, (package_id, repository_id) | none, optional package-path,
// simulate, authorized) from the data model, plus the State the engine
// advances as it works.
type ActionQueueItem struct {
	Action ActionKind

	PackageID   int64
	RepositoryID int

	// PackagePath, when set, is a local package-file path added as an
	// ephemeral repository for the duration of this one action (data model
	// §3, "A package-file can be added as an ephemeral repository").
	PackagePath string

	Simulate   bool
	Authorized bool

	State State

	// Replacing is set by the engine once it determines this INSTALL
	// supersedes an existing same-(key,slot) installed record, driving the
	// branch between install_clean and preserved_libs_gc (§4.6 step 6).
	Replacing *store.PackageRecord

	// UnpackDir is set by the engine to the per-action scratch directory
	// (artifact download plus extracted image) under Opts.UnpackRoot, so
	// the cleanup phase knows what to recursively remove.
	UnpackDir string
}

// OutputSink is the external output surface the orchestrator/engine report
// progress to — "(text, header, footer, back?, importance, level, counts,
// percent?, raw?)" per the external-collaborator-APIs list (§6) — left for
// the (out-of-scope) front-end to implement.
type OutputSink interface {
	Output(text, header, footer string, importance, level int, counts [2]int, percent int)
}

// SPMHooks is the source-package-manager collaborator surface consumed by
// the setup/install_spm/remove_spm phases and the pre/post-install/remove
// triggers (§6, "source-package-manager install-setup/install-unpack
// hooks"). A no-op implementation is fine when no SPM integration is
// configured.
type SPMHooks interface {
	InstallSetup(rec *store.PackageRecord, imageDir string) error
	InstallUnpack(rec *store.PackageRecord, imageDir string) error
	InstallSPM(rec *store.PackageRecord) (spmUID string, err error)
	RemoveSPM(rec *store.PackageRecord) error
	RunTrigger(rec *store.PackageRecord, name string) error
}

// NopSPMHooks is a SPMHooks that does nothing, for configurations with no
// source package manager wired in.
type NopSPMHooks struct{}

func (NopSPMHooks) InstallSetup(*store.PackageRecord, string) error         { return nil }
func (NopSPMHooks) InstallUnpack(*store.PackageRecord, string) error        { return nil }
func (NopSPMHooks) InstallSPM(*store.PackageRecord) (string, error)         { return "", nil }
func (NopSPMHooks) RemoveSPM(*store.PackageRecord) error                    { return nil }
func (NopSPMHooks) RunTrigger(*store.PackageRecord, string) error           { return nil }

// Options configures one Engine instance — the parts of the data model's
// Context (Design Notes §9) the action engine itself needs.
type Options struct {
	Root           string // live filesystem root the image tree merges into
	UnpackRoot     string // <unpack-root>/<sanitized-download-path>/image/
	PreservedLibsDir string
	ConfigStashDir string
	Lists          cfgprotect.Lists
	Strict         bool // collision policy: strict refuses, lax warns
	Splitdebug     bool
	SPM            SPMHooks
	Output         OutputSink
}

// Engine runs ActionQueueItems against a RepositorySet, driven by the
// orchestrator (C9).
type Engine struct {
	Repos    *store.RepositorySet
	Fetcher  *fetch.Fetcher
	Preserve *preserve.Registry
	Opts     Options
	log      zerolog.Logger
}

// New constructs an Engine. A nil opts.SPM installs NopSPMHooks.
func New(repos *store.RepositorySet, fetcher *fetch.Fetcher, lib *preserve.Registry, opts Options, log zerolog.Logger) *Engine {
	if opts.SPM == nil {
		opts.SPM = NopSPMHooks{}
	}
	return &Engine{Repos: repos, Fetcher: fetcher, Preserve: lib, Opts: opts, log: log}
}

// Cancelled is checked by Execute between phases, mirroring the orchestrator
// cancellation flag (§5: "checked at phase boundaries and between
// packages"). A nil Cancelled is treated as "never cancelled."
type Cancelled func() bool

// Execute runs item's full phase list to completion, advancing item.State
// as it goes. Any phase error short-circuits the remaining phases, leaves
// the installed record uncommitted, and sets item.State to Failed; an
// observed cancellation between phases sets Cancelled instead. cleanup is
// always attempted on the way out, best-effort, matching §4.6's "cleanup
// is nevertheless best-effort invoked."
func (e *Engine) Execute(ctx context.Context, item *ActionQueueItem, cancelled Cancelled) error {
	if !item.Authorized {
		return entropyerr.New(entropyerr.PermissionDenied, "action not authorized")
	}
	if cancelled == nil {
		cancelled = func() bool { return false }
	}

	item.State = Preparing
	var runErr error
	switch item.Action {
	case Install, Upgrade:
		runErr = e.runInstall(ctx, item, cancelled)
	case Remove:
		runErr = e.runRemove(ctx, item, cancelled)
	default:
		runErr = entropyerr.New(entropyerr.Internal, "unknown action kind")
	}

	// cleanup is best-effort: run it regardless of runErr, but never let a
	// cleanup failure mask the real outcome.
	if cleanupErr := e.cleanup(item); cleanupErr != nil {
		e.log.Warn().Err(cleanupErr).Int64("package_id", item.PackageID).Msg("cleanup phase failed")
	}

	if runErr != nil {
		if entropyerr.KindOf(runErr) == entropyerr.Aborted {
			item.State = Cancelled
		} else {
			item.State = Failed
		}
		return runErr
	}
	item.State = Done
	return nil
}

// cleanup recursively removes the per-action scratch directory, best-effort
// (§4.6's final phase, run regardless of outcome).
func (e *Engine) cleanup(item *ActionQueueItem) error {
	if item.UnpackDir == "" {
		return nil
	}
	if err := os.RemoveAll(item.UnpackDir); err != nil {
		return entropyerr.Wrapf(entropyerr.IoError, err, "removing scratch directory %s", item.UnpackDir)
	}
	return nil
}

func (e *Engine) checkCancelled(cancelled Cancelled) error {
	if cancelled() {
		return entropyerr.New(entropyerr.Aborted, "interrupted between phases")
	}
	return nil
}

func depCandKeySlot(a atom.Atom) string {
	key, slot := atom.KeySlot(a)
	return key + ":" + slot
}
