package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	httpadapter "github.com/parley-dev/parley/pkg/adapters/http"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the conversation HTTP server",
	Long: `Starts the Parley server, exposing the conversations API over HTTP:
message submission, SSE streaming with replay, transcripts and metrics.`,
	Run: func(cmd *cobra.Command, args []string) {
		configPath, _ := cmd.Flags().GetString("config")

		st, err := buildStack(configPath)
		if err != nil {
			fmt.Printf("Error initializing parley: %v\n", err)
			os.Exit(1)
		}
		defer st.close()

		handler := httpadapter.NewHandler(st.app.Coordinator(),
			httpadapter.WithLogger(st.logger),
			httpadapter.WithMetricsRegistry(st.registry),
		)

		srv := &http.Server{
			Addr:    fmt.Sprintf("%s:%d", st.cfg.Server.Host, st.cfg.Server.Port),
			Handler: handler,
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			st.logger.Info("server listening", "addr", srv.Addr, "storage", st.cfg.Storage.Backend)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			st.logger.Info("shutting down")

			// Give outstanding requests a deadline for completion.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				_ = srv.Close()
			}

			// Let in-flight turns finish persisting before the store closes.
			st.app.Wait()
			return nil
		})

		if err := g.Wait(); err != nil {
			fmt.Printf("Server error: %v\n", err)
			os.Exit(1)
		}
		st.logger.Info("server stopped")
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
