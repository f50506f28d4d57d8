// Package reslock implements the resource lock manager (component C3):
// advisory, shared/exclusive file-lock discipline used to coordinate
// independent entropy processes on one root filesystem.
//
// Backed by github.com/theckman/go-flock, a dependency already present in
// the teacher's vendor closure (pulled in transitively, but never exercised
// by the teacher's own code — see DESIGN.md). It implements exactly the
// shared/exclusive advisory-lock primitive this component needs, so it is
// promoted here to a direct, exercised dependency rather than hand-rolling
// flock(2) calls the way the standard library would require.
package reslock

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	flock "github.com/theckman/go-flock"

	"github.com/entropy-pm/entropy/entropyerr"
)

// Mode is the lock discipline requested by Acquire.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

// Manager is one advisory lock file under the configured locks directory.
// A Manager is not safe for concurrent Acquire/Release calls from multiple
// goroutines within the same process — the orchestrator's single worker
// goroutine is the only caller, matching §5's "the installed store is
// mutated only by the orchestrator thread" shared-resource policy extended
// to lock acquisition.
type Manager struct {
	path string
	fl   *flock.Flock
	log  zerolog.Logger

	mode    Mode
	held    bool

	// releaseSignal, when set, is invoked before a blocking Acquire(Exclusive)
	// call as the "signalling peers to drop their shared locks" step the
	// spec calls for. It has no portable cross-process implementation here
	// (that's the privileged daemon's IPC surface, out of scope per §1); it
	// exists so callers within this process — e.g. the orchestrator
	// downgrading its own shared holders before promoting — can hook in.
	releaseSignal func()
}

// New constructs a Manager for the advisory lock file at path (conventionally
// a fixed file under the configured locks directory, e.g.
// "<locks-dir>/entropy.lock").
func New(path string, log zerolog.Logger) *Manager {
	return &Manager{path: path, fl: flock.NewFlock(path), log: log.With().Str("lock", path).Logger()}
}

// SetReleaseSignal installs the peer-notification hook used before a
// blocking exclusive acquisition.
func (m *Manager) SetReleaseSignal(fn func()) {
	m.releaseSignal = fn
}

// Acquire attempts to take the lock in the given mode. If blocking is false
// and the lock cannot be taken immediately, it returns an *entropyerr.Error
// of kind LockBusy without waiting. If blocking is true, it waits
// (optionally forever) respecting ctx cancellation, signalling peers via
// SetReleaseSignal's hook first when acquiring Exclusive.
//
// Acquire distinguishes "cannot acquire" (a peer holds an incompatible
// lock — LockBusy, safe to retry) from "refused" (this same Manager value
// already holds a conflicting mode — a programming error, not a race,
// reported as entropyerr.Internal).
func (m *Manager) Acquire(ctx context.Context, mode Mode, blocking bool) error {
	if m.held {
		if m.mode == mode || (m.mode == Exclusive && mode == Shared) {
			return nil // already holding an equal-or-stronger lock
		}
		return entropyerr.New(entropyerr.Internal, "lock already held in an incompatible mode by this holder")
	}

	if mode == Exclusive && m.releaseSignal != nil {
		m.releaseSignal()
	}

	var ok bool
	var err error
	if blocking {
		ok, err = m.tryBlocking(ctx, mode)
	} else {
		ok, err = m.tryOnce(mode)
	}
	if err != nil {
		return entropyerr.Wrap(entropyerr.IoError, err, "acquiring resource lock")
	}
	if !ok {
		return entropyerr.New(entropyerr.LockBusy, "resource lock held by a peer in an incompatible mode")
	}

	m.held = true
	m.mode = mode
	m.log.Debug().Str("mode", modeString(mode)).Msg("resource lock acquired")
	return nil
}

func (m *Manager) tryOnce(mode Mode) (bool, error) {
	if mode == Exclusive {
		return m.fl.TryLock()
	}
	return m.fl.TryRLock()
}

// tryBlocking polls at a short interval rather than using flock's own
// blocking syscall mode, so that ctx cancellation (the interrupt path) is
// still observed — the spec requires blocking acquisition to "respect
// interrupt" while having "no timeout" of its own.
func (m *Manager) tryBlocking(ctx context.Context, mode Mode) (bool, error) {
	const pollInterval = 100 * time.Millisecond
	for {
		ok, err := m.tryOnce(mode)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Release drops the lock held by this Manager.
func (m *Manager) Release() error {
	if !m.held {
		return nil
	}
	if err := m.fl.Unlock(); err != nil {
		return entropyerr.Wrap(entropyerr.IoError, err, "releasing resource lock")
	}
	m.held = false
	m.log.Debug().Msg("resource lock released")
	return nil
}

// IsLockedExclusive reports whether this Manager currently holds the
// exclusive lock (used by callers that need to branch on "am I the
// writer").
func (m *Manager) IsLockedExclusive() bool {
	return m.held && m.mode == Exclusive
}

// Upgrade promotes a held Shared lock to Exclusive, releasing peers' shared
// holders first via the release-signal hook. The orchestrator does not call
// it: it acquires Exclusive directly around each action, releases it
// afterwards, and holds no lock between actions.
func (m *Manager) Upgrade(ctx context.Context, blocking bool) error {
	if m.held && m.mode == Exclusive {
		return nil
	}
	if err := m.Release(); err != nil {
		return err
	}
	return m.Acquire(ctx, Exclusive, blocking)
}

// Downgrade demotes a held Exclusive lock back to Shared, the mirror of
// Upgrade. The orchestrator does not call it.
func (m *Manager) Downgrade(ctx context.Context) error {
	if m.held && m.mode == Shared {
		return nil
	}
	if err := m.Release(); err != nil {
		return err
	}
	return m.Acquire(ctx, Shared, true)
}

func modeString(m Mode) string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}
