package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/entropy-pm/entropy/atom"
	"github.com/entropy-pm/entropy/cfgprotect"
	"github.com/entropy-pm/entropy/engine"
	"github.com/entropy-pm/entropy/preserve"
	"github.com/entropy-pm/entropy/reslock"
	"github.com/entropy-pm/entropy/store"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.RepositorySet) {
	t.Helper()
	dir := t.TempDir()

	installed, err := store.Open(filepath.Join(dir, "installed.db"), true, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { installed.Close() })

	repos := store.NewRepositorySet()
	repos.Add(0, installed, "")

	libDir := filepath.Join(dir, "preserved-libs")
	lib, err := preserve.Open(filepath.Join(libDir, "registry.toml"), libDir, zerolog.Nop())
	require.NoError(t, err)

	opts := engine.Options{
		Root:       filepath.Join(dir, "root"),
		UnpackRoot: filepath.Join(dir, "unpack"),
		Lists:      cfgprotect.Lists{},
	}
	eng := engine.New(repos, nil, lib, opts, zerolog.Nop())
	lock := reslock.New(filepath.Join(dir, "entropy.lock"), zerolog.Nop())

	o := New(eng, lock, zerolog.Nop(), 4, 4)
	return o, repos
}

func TestOrchestratorRunProcessesQueuedRemove(t *testing.T) {
	o, repos := newTestOrchestrator(t)
	installed, err := repos.Installed()
	require.NoError(t, err)

	rec := &store.PackageRecord{
		Atom: atom.Atom{Category: "app", Name: "hello", Version: atom.Version{Parts: []int{1}}},
	}
	id, err := installed.HandlePackage(rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Run(ctx)
	defer o.Stop()

	require.Equal(t, Available, o.Activity())
	o.Enqueue(&engine.ActionQueueItem{Action: engine.Remove, PackageID: id, Authorized: true})

	select {
	case ev := <-o.Events():
		require.Equal(t, Success, ev.Outcome)
		require.NoError(t, ev.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for orchestrator event")
	}
}

func TestOrchestratorTranslatesNotRemovableOutcome(t *testing.T) {
	o, repos := newTestOrchestrator(t)
	installed, err := repos.Installed()
	require.NoError(t, err)

	rec := &store.PackageRecord{
		Atom:           atom.Atom{Category: "sys", Name: "libc", Version: atom.Version{Parts: []int{1}}},
		SystemCritical: true,
	}
	id, err := installed.HandlePackage(rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Run(ctx)
	defer o.Stop()

	o.Enqueue(&engine.ActionQueueItem{Action: engine.Remove, PackageID: id, Authorized: true})

	select {
	case ev := <-o.Events():
		require.Equal(t, DependenciesNotRemovableError, ev.Outcome)
		require.Error(t, ev.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for orchestrator event")
	}
}

func TestOrchestratorInterruptIsObservedBetweenActions(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	o.Interrupt()
	require.True(t, o.cancelled())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Run(ctx)
	defer o.Stop()

	o.Enqueue(&engine.ActionQueueItem{Action: engine.Remove, PackageID: 1, Authorized: true})

	select {
	case ev := <-o.Events():
		require.Equal(t, PermissionDenied, ev.Outcome)
		require.Error(t, ev.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for orchestrator event")
	}
	require.False(t, o.cancelled())
}
