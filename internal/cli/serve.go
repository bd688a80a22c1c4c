package cli

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/locimem/loci/internal/api"
	"github.com/locimem/loci/internal/mcp"
)

func newServeCommand() *cobra.Command {
	var transport string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server (stdio or sse transport)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if transport == "" {
				transport = cfg.Server.Transport
			}

			svc, store, err := openService()
			if err != nil {
				return err
			}
			defer store.Close()

			mcpServer := mcp.NewServer(svc)

			switch transport {
			case "stdio":
				log.Info().Msg("starting Loci MCP server on stdio")
				return mcpServer.Serve()
			case "sse":
				httpServer := api.NewServer(svc, cfg.Server.Host, cfg.Server.Port)
				httpServer.AddMCPServer(mcpServer.GetMCPServer())
				return httpServer.Serve()
			default:
				return fmt.Errorf("unknown transport %q (supported: stdio, sse)", transport)
			}
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "", "override transport: stdio or sse")
	return cmd
}
