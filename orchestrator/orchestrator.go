// Package orchestrator implements the Transaction Orchestrator (component
// C9): the single worker goroutine that serializes every ActionQueueItem
// against the resource lock and the installed store, tracks the system's
// current activity, and translates each action's outcome into the
// small enumerated Outcome set external callers see.
//
// Grounded on the teacher's source_manager.go: a future-backed request
// queue drained by a background goroutine, a qch quit channel plus
// sync.Once to stop it exactly once, and an RWMutex guarding the global
// lock over shared state. The orchestrator reuses that "one goroutine owns
// the mutation path" shape, generalized from resolving import-graph futures
// to running install/remove actions one at a time.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/entropy-pm/entropy/engine"
	"github.com/entropy-pm/entropy/entropyerr"
	"github.com/entropy-pm/entropy/reslock"
)

// Activity is the system's current high-level state, reported to external
// collaborators (§5/§6) so a front-end can show e.g. "Managing applications".
type Activity int

const (
	Available Activity = iota
	UpdatingRepositories
	ManagingApplications
	UpgradingSystem
)

func (a Activity) String() string {
	switch a {
	case UpdatingRepositories:
		return "UpdatingRepositories"
	case ManagingApplications:
		return "ManagingApplications"
	case UpgradingSystem:
		return "UpgradingSystem"
	default:
		return "Available"
	}
}

// Outcome is the small enumerated result set external collaborators switch
// on (§7) — the one place an entropyerr.Kind is translated away from the
// internal error type.
type Outcome int

const (
	Success Outcome = iota
	InstallError
	RemoveError
	DownloadError
	DependenciesNotFoundError
	DependenciesCollisionError
	DependenciesNotRemovableError
	DiskFullError
	PermissionDenied
	InternalError
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "SUCCESS"
	case InstallError:
		return "INSTALL_ERROR"
	case RemoveError:
		return "REMOVE_ERROR"
	case DownloadError:
		return "DOWNLOAD_ERROR"
	case DependenciesNotFoundError:
		return "DEPENDENCIES_NOT_FOUND_ERROR"
	case DependenciesCollisionError:
		return "DEPENDENCIES_COLLISION_ERROR"
	case DependenciesNotRemovableError:
		return "DEPENDENCIES_NOT_REMOVABLE_ERROR"
	case DiskFullError:
		return "DISK_FULL_ERROR"
	case PermissionDenied:
		return "PERMISSION_DENIED"
	default:
		return "INTERNAL_ERROR"
	}
}

// translateOutcome turns an engine.Execute error (or nil) into the Outcome
// external collaborators see, consulting the action kind to disambiguate
// kinds shared by both INSTALL and REMOVE (e.g. a bad artifact digest is
// only ever an install-side DownloadError).
func translateOutcome(action engine.ActionKind, err error) Outcome {
	if err == nil {
		return Success
	}
	switch entropyerr.KindOf(err) {
	case entropyerr.NotFound:
		return DependenciesNotFoundError
	case entropyerr.Collision:
		return DependenciesCollisionError
	case entropyerr.NotRemovable:
		return DependenciesNotRemovableError
	case entropyerr.ChecksumMismatch, entropyerr.SignatureMismatch:
		return DownloadError
	case entropyerr.DiskFull:
		return DiskFullError
	case entropyerr.PermissionDenied, entropyerr.LockBusy, entropyerr.Aborted:
		return PermissionDenied
	default:
		if action == engine.Remove {
			return RemoveError
		}
		return InstallError
	}
}

// Event is published on the orchestrator's event channel once after every
// action completes (successfully, with an error, or cancelled).
type Event struct {
	PackageID int64
	Action    engine.ActionKind
	Outcome   Outcome
	Err       error
}

// Orchestrator serializes ActionQueueItems onto a single worker goroutine,
// acquiring the exclusive resource lock around every action it runs.
type Orchestrator struct {
	eng  *engine.Engine
	lock *reslock.Manager
	log  zerolog.Logger

	queue  chan *engine.ActionQueueItem
	events chan Event

	activity atomic.Value // Activity
	cancel   atomic.Bool

	qch      chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs an Orchestrator. eventBuffer sizes the event channel;
// queueBuffer sizes the action queue. Run must be called to start the
// worker goroutine.
func New(eng *engine.Engine, lock *reslock.Manager, log zerolog.Logger, queueBuffer, eventBuffer int) *Orchestrator {
	o := &Orchestrator{
		eng:    eng,
		lock:   lock,
		log:    log,
		queue:  make(chan *engine.ActionQueueItem, queueBuffer),
		events: make(chan Event, eventBuffer),
		qch:    make(chan struct{}),
	}
	o.activity.Store(Available)
	return o
}

// Events returns the channel Run publishes completed-action Events to.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// Activity reports the orchestrator's current high-level state.
func (o *Orchestrator) Activity() Activity {
	return o.activity.Load().(Activity)
}

// Enqueue adds item to the work queue. It blocks if the queue is full,
// matching a bounded backlog rather than an unbounded one (the data
// model's ActionQueueItem list is meant to be reviewed/authorized by a
// caller before it grows without limit).
func (o *Orchestrator) Enqueue(item *engine.ActionQueueItem) {
	o.queue <- item
}

// Interrupt sets the cooperative-cancellation flag the engine checks at
// phase boundaries (§5) and the worker checks before starting each queued
// action. It does not abort a phase already in flight.
func (o *Orchestrator) Interrupt() {
	o.cancel.Store(true)
}

func (o *Orchestrator) cancelled() bool {
	return o.cancel.Load()
}

// Run starts the single worker goroutine draining the queue until Stop is
// called or ctx is cancelled. Run returns immediately; call Stop to block
// for shutdown.
func (o *Orchestrator) Run(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.qch:
				return
			case item := <-o.queue:
				o.runOne(ctx, item)
			}
		}
	}()
}

// Stop signals the worker goroutine to exit after its current action, and
// waits for it to do so. Safe to call more than once.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.qch) })
	o.wg.Wait()
}

func (o *Orchestrator) runOne(ctx context.Context, item *engine.ActionQueueItem) {
	if o.cancelled() {
		// An interrupt seen between actions refuses this item and every item
		// still queued behind it; the flag clears once the queue is empty.
		err := entropyerr.New(entropyerr.Aborted, "interrupted before action started")
		if len(o.queue) == 0 {
			o.cancel.Store(false)
		}
		o.events <- Event{PackageID: item.PackageID, Action: item.Action, Outcome: translateOutcome(item.Action, err), Err: err}
		return
	}
	o.activity.Store(activityFor(item.Action))
	defer o.activity.Store(Available)

	blocking := true
	if err := o.lock.Acquire(ctx, reslock.Exclusive, blocking); err != nil {
		o.events <- Event{PackageID: item.PackageID, Action: item.Action, Outcome: translateOutcome(item.Action, err), Err: err}
		return
	}
	defer func() {
		if err := o.lock.Release(); err != nil {
			o.log.Warn().Err(err).Msg("releasing resource lock after action")
		}
	}()

	err := o.eng.Execute(ctx, item, o.cancelled)
	if len(o.queue) == 0 {
		o.cancel.Store(false)
	}
	o.events <- Event{PackageID: item.PackageID, Action: item.Action, Outcome: translateOutcome(item.Action, err), Err: err}
}

func activityFor(action engine.ActionKind) Activity {
	if action == engine.Upgrade {
		return UpgradingSystem
	}
	return ManagingApplications
}
