// Command entropy is a deliberately thin front end over the entropy
// package: it builds a Context from a handful of directory flags, resolves
// one package atom against the enabled repositories, enqueues a single
// ActionQueueItem, and prints the resulting outcome. It is scaffolding, not
// a full package-manager CLI — the richer review/authorize/progress
// surface (§6) is left for a real front end to build atop Context.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/entropy-pm/entropy"
	"github.com/entropy-pm/entropy/atom"
	"github.com/entropy-pm/entropy/cfgprotect"
	"github.com/entropy-pm/entropy/engine"
	"github.com/entropy-pm/entropy/store"
)

var (
	flagRoot       string
	flagStateDir   string
	flagRepoDBPath string
	flagRepoID     int
	flagVerbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "entropy",
		Short: "entropy manages the installed package set of a single system",
	}
	root.PersistentFlags().StringVar(&flagRoot, "root", "/", "live filesystem root to act on")
	root.PersistentFlags().StringVar(&flagStateDir, "state-dir", "/var/lib/entropy", "directory holding the installed store, cache, and locks")
	root.PersistentFlags().StringVar(&flagRepoDBPath, "repo-db", "", "path to an available repository's database file")
	root.PersistentFlags().IntVar(&flagRepoID, "repo-id", 1, "repository id to register the --repo-db file under")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newInstallCommand(), newRemoveCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newInstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install <atom>",
		Short: "install or upgrade a single package atom",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(engine.Install, args[0])
		},
	}
}

func newRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <atom>",
		Short: "remove a single installed package atom",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(engine.Remove, args[0])
		},
	}
}

func runAction(action engine.ActionKind, atomStr string) error {
	log := newLogger()
	target, err := atom.ParseAtom(atomStr)
	if err != nil {
		return fmt.Errorf("parsing %q: %w", atomStr, err)
	}

	c, err := entropy.NewContext(buildConfig(log))
	if err != nil {
		return fmt.Errorf("building context: %w", err)
	}

	if flagRepoDBPath != "" {
		repo, err := store.Open(flagRepoDBPath, false, log)
		if err != nil {
			return fmt.Errorf("opening repository: %w", err)
		}
		c.Repos.Add(flagRepoID, repo, "")
	}

	packageID, repositoryID, err := locatePackage(c, action, target)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Run(ctx)
	defer c.Stop()

	c.EnqueueAction(&engine.ActionQueueItem{
		Action:       action,
		PackageID:    packageID,
		RepositoryID: repositoryID,
		Authorized:   true,
	})

	select {
	case ev := <-c.Events():
		fmt.Println(ev.Outcome)
		if ev.Err != nil {
			return ev.Err
		}
		return nil
	case <-time.After(10 * time.Minute):
		return fmt.Errorf("timed out waiting for action to complete")
	}
}

// locatePackage resolves target to a (package_id, repository_id) pair: the
// installed store for a remove, or the first enabled repository with a
// matching atom for an install.
func locatePackage(c *entropy.Context, action engine.ActionKind, target atom.Atom) (int64, int, error) {
	dep := atom.Dependency{Atom: target, Comparator: atom.CompEQ}
	if target.Version.Parts == nil {
		dep.Comparator = atom.CompGE
	}

	if action == engine.Remove {
		installed, err := c.Repos.Installed()
		if err != nil {
			return 0, 0, err
		}
		id, status, err := installed.AtomMatch(dep, target.Slot, target.Tag)
		if err != nil {
			return 0, 0, err
		}
		if status != store.StatusMatch {
			return 0, 0, fmt.Errorf("no installed package matches %s", target.String())
		}
		return id, 0, nil
	}

	for _, repoID := range c.Repos.Enabled() {
		repo, err := c.Repos.Store(repoID)
		if err != nil {
			continue
		}
		id, status, err := repo.AtomMatch(dep, target.Slot, target.Tag)
		if err != nil {
			return 0, 0, err
		}
		if status == store.StatusMatch {
			return id, repoID, nil
		}
	}
	return 0, 0, fmt.Errorf("no repository has a package matching %s", target.String())
}

func buildConfig(log zerolog.Logger) entropy.Config {
	return entropy.Config{
		Root:             flagRoot,
		InstalledDBPath:  flagStateDir + "/installed.db",
		CacheDir:         flagStateDir + "/cache",
		UnpackRoot:       flagStateDir + "/unpack",
		LocksDir:         flagStateDir,
		PreservedLibsDir: flagStateDir + "/preserved-libs",
		ConfigStashDir:   flagStateDir + "/config-stash",
		Lists:            cfgprotect.Lists{},
		Strict:           true,
		FetchParallelism: 4,
		Log:              log,
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if flagVerbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(level)
}
