package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/locimem/loci/internal/memory"
)

func newSearchCommand() *cobra.Command {
	var (
		memType    string
		group      string
		maxResults int
		summary    bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search memories from the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, store, err := openService()
			if err != nil {
				return err
			}
			defer store.Close()

			resp, err := svc.Recall(cmd.Context(), memory.RecallRequest{
				Query:       args[0],
				Type:        memType,
				Group:       group,
				MaxResults:  maxResults,
				SummaryOnly: summary,
			})
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}

	cmd.Flags().StringVar(&memType, "type", "", "filter by memory type")
	cmd.Flags().StringVar(&group, "group", "", "project group for visibility")
	cmd.Flags().IntVar(&maxResults, "max-results", 0, "maximum results (default from config)")
	cmd.Flags().BoolVar(&summary, "summary", false, "return previews instead of full content")
	return cmd
}

func newStatsCommand() *cobra.Command {
	var group string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Display memory statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, store, err := openReadService()
			if err != nil {
				return err
			}
			defer store.Close()

			resp, err := svc.Stats(cmd.Context(), group)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}

	cmd.Flags().StringVar(&group, "group", "", "filter stats to a specific group")
	return cmd
}

func newInspectCommand() *cobra.Command {
	var includeLog bool

	cmd := &cobra.Command{
		Use:   "inspect <id>",
		Short: "Inspect a memory by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, store, err := openReadService()
			if err != nil {
				return err
			}
			defer store.Close()

			resp, err := svc.Inspect(cmd.Context(), args[0], true, includeLog)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}

	cmd.Flags().BoolVar(&includeLog, "log", false, "include the audit trail")
	return cmd
}

func newExportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Export all memories as JSON to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, store, err := openReadService()
			if err != nil {
				return err
			}
			defer store.Close()

			data, err := svc.ExportAll(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
}

func newImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import memories from a JSON export, re-embedding content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read import file: %w", err)
			}
			var data memory.Export
			if err := json.Unmarshal(raw, &data); err != nil {
				return fmt.Errorf("parse import file: %w", err)
			}

			svc, store, err := openService()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := svc.ImportAll(cmd.Context(), &data); err != nil {
				return err
			}
			fmt.Printf("imported %d memories and %d relations\n", len(data.Memories), len(data.Relations))
			return nil
		},
	}
}

func newResetCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all memories (requires confirmation)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				fmt.Printf("This permanently deletes %s. Type 'yes' to continue: ", cfg.Storage.DBPath)
				reader := bufio.NewReader(os.Stdin)
				answer, _ := reader.ReadString('\n')
				if strings.TrimSpace(answer) != "yes" {
					fmt.Println("aborted")
					return nil
				}
			}

			if err := os.Remove(cfg.Storage.DBPath); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove database: %w", err)
			}
			// The journal goes with it.
			_ = os.Remove(cfg.Storage.DBPath + ".wal")
			fmt.Println("memory store reset")
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "skip the confirmation prompt")
	return cmd
}
