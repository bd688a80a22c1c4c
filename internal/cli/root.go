// Package cli implements the loci command tree.
package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/locimem/loci/internal/config"
	"github.com/locimem/loci/internal/db"
	"github.com/locimem/loci/internal/embedding"
	"github.com/locimem/loci/internal/logging"
	"github.com/locimem/loci/internal/memory"
)

var (
	cfgFile string
	cfg     *config.Config
)

// NewRootCommand builds the loci command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "loci",
		Short:         "Cognitive memory MCP server for AI agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfgFile != "" {
				cfg, err = config.LoadFrom(cfgFile)
			} else {
				cfg, err = config.Load()
			}
			if err != nil {
				return err
			}
			logging.Setup(cfg.Server.LogLevel)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.loci/config.toml)")

	root.AddCommand(
		newServeCommand(),
		newSearchCommand(),
		newStatsCommand(),
		newInspectCommand(),
		newExportCommand(),
		newImportCommand(),
		newResetCommand(),
		newCompactCommand(),
		newCleanupCommand(),
		newDoctorCommand(),
		newReEmbedCommand(),
		newModelCommand(),
	)
	return root
}

// openStore opens the database without an embedder (stats, inspect, export).
func openStore() (*db.Store, error) {
	return db.Open(cfg.Storage.DBPath, cfg.Embedding.Model)
}

// openService opens the store and the local embedder.
func openService() (*memory.Service, *db.Store, error) {
	store, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	embedder, err := embedding.NewLocal(cfg.Embedding.CacheDir)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return memory.NewService(store, embedder, cfg), store, nil
}

// openReadService opens the store without loading the model. Hydration,
// stats, inspect, and export never embed; anything that does gets
// ErrModelUnavailable.
func openReadService() (*memory.Service, *db.Store, error) {
	store, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	return memory.NewService(store, embedding.Unavailable{}, cfg), store, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
