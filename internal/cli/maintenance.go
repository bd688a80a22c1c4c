package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/locimem/loci/internal/db"
	"github.com/locimem/loci/internal/embedding"
	"github.com/locimem/loci/internal/models"
)

func newCompactCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Run the maintenance cycle (decay, compact, promote)",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, store, err := openReadService()
			if err != nil {
				return err
			}
			defer store.Close()

			report, err := svc.RunMaintenance(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}

func newCleanupCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Hard-delete stale low-confidence memories",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, store, err := openReadService()
			if err != nil {
				return err
			}
			defer store.Close()

			result, err := svc.Cleanup(cmd.Context(), dryRun)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "preview candidates without deleting")
	return cmd
}

func newDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run database diagnostics and health checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			version, err := db.GetSchemaVersion(store.DB())
			if err != nil {
				return err
			}
			model, err := db.GetEmbeddingModel(store.DB())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			var memories, ftsRows, vecRows, orphans int64
			row := store.DB().QueryRowContext(ctx, `
				SELECT (SELECT COUNT(*) FROM memories),
				       (SELECT COUNT(*) FROM memories_fts),
				       (SELECT COUNT(*) FROM memories_vec),
				       (SELECT COUNT(*) FROM memories m
				        WHERE NOT EXISTS (SELECT 1 FROM memories_vec v WHERE v.id = m.id)
				           OR NOT EXISTS (SELECT 1 FROM memories_fts f WHERE f.id = m.id))`)
			if err := row.Scan(&memories, &ftsRows, &vecRows, &orphans); err != nil {
				return err
			}

			fmt.Printf("database:          %s (%d bytes)\n", store.Path(), store.FileSize())
			fmt.Printf("schema version:    %d (current: %d)\n", version, db.CurrentSchemaVersion)
			fmt.Printf("embedding model:   %s (%d dimensions)\n", model, models.EmbeddingDim)
			fmt.Printf("memories:          %d (keyword rows: %d, vector rows: %d)\n", memories, ftsRows, vecRows)
			if orphans > 0 {
				fmt.Printf("INDEX MISMATCH:    %d memories missing index rows; run `loci re-embed`\n", orphans)
			} else {
				fmt.Println("index consistency: ok")
			}
			return nil
		},
	}
}

func newReEmbedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "re-embed",
		Short: "Recompute all embeddings with the configured model",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, store, err := openService()
			if err != nil {
				return err
			}
			defer store.Close()

			updated, err := svc.ReEmbed(cmd.Context(), cfg.Embedding.Model)
			if err != nil {
				return err
			}
			fmt.Printf("re-embedded %d memories with %s\n", updated, cfg.Embedding.Model)
			return nil
		},
	}
}

func newModelCommand() *cobra.Command {
	model := &cobra.Command{
		Use:   "model",
		Short: "Manage the embedding model",
	}

	model.AddCommand(&cobra.Command{
		Use:   "download",
		Short: "Download the embedding model artefacts to the cache directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := embedding.Download(cmd.Context(), cfg.Embedding.CacheDir); err != nil {
				return err
			}
			fmt.Printf("model artefacts ready in %s\n", cfg.Embedding.CacheDir)
			return nil
		},
	})
	return model
}
