package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/parley-dev/parley"
	"github.com/parley-dev/parley/pkg/adapters/mcp"
)

// mcpCmd represents the mcp command
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the Model Context Protocol (MCP) server",
	Long: `Starts Parley as an MCP server so AI agents can drive conversations as tools.

Supported Transports:
- stdio (default): Uses Standard Input/Output. Ideal for local process integration.
- sse: Uses Server-Sent Events over HTTP. Ideal for remote agents or debuggers.`,
	Run: func(cmd *cobra.Command, args []string) {
		configPath, _ := cmd.Flags().GetString("config")
		transport, _ := cmd.Flags().GetString("transport")
		port, _ := cmd.Flags().GetInt("port")

		st, err := buildStack(configPath)
		if err != nil {
			log.Fatalf("Error initializing parley: %v", err)
		}
		defer st.close()

		server := mcp.NewServer(st.app.Coordinator(), parley.Version)

		switch transport {
		case "stdio":
			if err := server.ServeStdio(); err != nil {
				log.Fatalf("MCP server error: %v", err)
			}
		case "sse":
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := server.ServeSSE(ctx, port); err != nil {
				log.Fatalf("MCP server error: %v", err)
			}
		default:
			fmt.Printf("Unknown transport %q (want stdio or sse)\n", transport)
			os.Exit(1)
		}

		st.app.Wait()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().String("transport", "stdio", "Transport to use (stdio or sse)")
	mcpCmd.Flags().Int("port", 8090, "Port for the sse transport")
}
