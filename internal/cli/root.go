package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	tavern "github.com/tapted/tavern"
)

type app struct {
	log       *logrus.Logger
	ctx       *tavern.Ctx
	cacheRoot string
	verbosity string
}

// New assembles the tavern command tree.
func New() *cobra.Command {
	a := &app{log: logrus.New()}

	root := &cobra.Command{
		Use:           "tavern",
		Short:         "tavern resolves, fetches and locks package dependencies",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	root.PersistentFlags().StringVar(&a.cacheRoot, "cache", "", "system cache root (default $TAVERN_CACHE or ~/.tavern-cache)")
	root.PersistentFlags().StringVarP(&a.verbosity, "verbosity", "v", "", "log level: debug, info, warn or error")

	root.AddCommand(
		newGetCommand(a),
		newUpgradeCommand(a),
		newCacheCommand(a),
		newVersionCommand(),
	)
	return root
}

// setup wires config, logging and the context. Flags win over config.toml.
func (a *app) setup() error {
	cacheRoot := a.cacheRoot
	if cacheRoot == "" {
		cacheRoot = tavern.DefaultCacheRoot()
	}

	cfg, err := tavern.LoadConfig(cacheRoot)
	if err != nil {
		return err
	}
	if a.cacheRoot != "" || cfg.CacheRoot == "" {
		cfg.CacheRoot = cacheRoot
	}

	verbosity := a.verbosity
	if verbosity == "" {
		verbosity = cfg.Verbosity
	}
	if verbosity != "" {
		level, err := logrus.ParseLevel(verbosity)
		if err != nil {
			return err
		}
		a.log.SetLevel(level)
	} else {
		a.log.SetLevel(logrus.WarnLevel)
	}

	a.ctx, err = tavern.NewContext(cfg, a.log)
	return err
}
