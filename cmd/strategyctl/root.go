package main

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/arpanauts/strategyengine/cache"
	"github.com/arpanauts/strategyengine/engine"
	engineemit "github.com/arpanauts/strategyengine/engine/emit"
	"github.com/arpanauts/strategyengine/engine/store"
)

// rootFlags holds flags shared by every subcommand, grounded on
// alexisbeaulieu97-Streamy's cmd/streamy root-flags pattern.
type rootFlags struct {
	dbPath  string
	verbose bool
}

// AppContext bundles the long-lived services a subcommand needs, grounded
// on alexisbeaulieu97-Streamy's cmd/streamy/app_context.go.
type AppContext struct {
	Persistence engine.Persistence
	Engine      *engine.Engine
	Log         *logrus.Logger
	// Cache is the Cache Manager store, also backing the Session/Metrics
	// Recorder's persisted mapping_sessions/execution_metrics tables
	// (spec.md §4.9). Shares the sqlite connection opened for Persistence.
	Cache *cache.SQLStore
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "strategyctl",
		Short: "Operate the Strategy Execution Engine",
	}
	root.PersistentFlags().StringVar(&flags.dbPath, "db", "strategyctl.db", "path to the sqlite store")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")

	var app *AppContext
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		built, err := buildAppContext(flags)
		if err != nil {
			return err
		}
		app = built
		return nil
	}

	root.AddCommand(
		newSubmitCmd(flags, &app),
		newGetCmd(flags, &app),
		newPauseCmd(flags, &app),
		newResumeCmd(flags, &app),
		newCancelCmd(flags, &app),
		newEventsCmd(flags, &app),
		newWatchCmd(flags, &app),
	)
	return root
}

func buildAppContext(flags *rootFlags) (*AppContext, error) {
	log := logrus.New()
	if flags.verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	persistence, err := store.NewSQLiteStore(flags.dbPath)
	if err != nil {
		return nil, err
	}

	cacheStore, err := cache.NewSQLStore(context.Background(), persistence.DB(), cache.DialectSQLite)
	if err != nil {
		return nil, err
	}

	registry := engine.NewActionRegistry()
	resources := noopResourceManager{}
	emitter := engineemit.NewLogEmitter(log)

	eng := engine.NewEngine(persistence, registry, resources, emitter, nil)

	return &AppContext{Persistence: persistence, Engine: eng, Log: log, Cache: cacheStore}, nil
}

// noopResourceManager satisfies engine.ResourceManager for a CLI-driven
// single-shot run where no strategy step declares a resource dependency;
// the full resource.Manager is wired in by the long-running server process.
type noopResourceManager struct{}

func (noopResourceManager) RequiredResourcesFor(doc *engine.StrategyDoc) []string { return nil }
func (noopResourceManager) Check(ctx context.Context, name string) (engine.ResourceStatus, error) {
	return engine.ResourceHealthy, nil
}
func (noopResourceManager) EnsureRequired(ctx context.Context, names []string) (map[string]bool, error) {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out, nil
}
