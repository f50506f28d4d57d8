package entropy

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
	"github.com/entropy-pm/entropy/orchestrator"
	"github.com/entropy-pm/entropy/store"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	dir := t.TempDir()

	c, err := NewContext(Config{
		Root:             filepath.Join(dir, "root"),
		InstalledDBPath:  filepath.Join(dir, "installed.db"),
		CacheDir:         filepath.Join(dir, "cache"),
		UnpackRoot:       filepath.Join(dir, "unpack"),
		LocksDir:         dir,
		PreservedLibsDir: filepath.Join(dir, "preserved-libs"),
		ConfigStashDir:   filepath.Join(dir, "stash"),
		Lists:            cfgprotect.Lists{},
		Log:              zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		installed, err := c.Repos.Installed()
		if err == nil {
			installed.Close()
		}
	})
	return c
}

func TestEnqueueActionRoundTripsThroughEvents(t *testing.T) {
	c := newTestContext(t)

	installed, err := c.Repos.Installed()
	require.NoError(t, err)
	rec := &store.PackageRecord{
		Atom: atom.Atom{Category: "app", Name: "hello", Version: atom.Version{Parts: []int{1}}},
	}
	id, err := installed.HandlePackage(rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Run(ctx)
	defer c.Stop()

	require.Equal(t, orchestrator.Available, c.Activity())

	traceID := c.EnqueueAction(&engine.ActionQueueItem{Action: engine.Remove, PackageID: id, Authorized: true})
	require.NotEmpty(t, traceID)

	select {
	case ev := <-c.Events():
		require.Equal(t, orchestrator.Success, ev.Outcome)
		require.NoError(t, ev.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUpgradeSystemSkipsNonWorldPackages(t *testing.T) {
	c := newTestContext(t)
	installed, err := c.Repos.Installed()
	require.NoError(t, err)

	rec := &store.PackageRecord{
		Atom:  atom.Atom{Category: "app", Name: "lib", Version: atom.Version{Parts: []int{1}}},
		World: false,
	}
	_, err = installed.HandlePackage(rec)
	require.NoError(t, err)

	require.NoError(t, c.UpgradeSystem(context.Background(), nil))
}

func TestPendingConfigurationUpdatesEmptyByDefault(t *testing.T) {
	c := newTestContext(t)
	updates, err := c.PendingConfigurationUpdates()
	require.NoError(t, err)
	require.Empty(t, updates)
}
