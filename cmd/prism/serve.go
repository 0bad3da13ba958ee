package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/prism-engine/prism/internal/api"
	"github.com/prism-engine/prism/internal/pipeline"
	"github.com/prism-engine/prism/internal/report"
	"github.com/prism-engine/prism/internal/worker"
)

var serveNoAPI bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a worker and the HTTP API",
	Long: `Run a prism worker process: the job poll loop, the retry manager, and
the HTTP API. Multiple serve processes can share one database; the job
ledger's conditional updates keep them from stepping on each other.

Report generation jobs are only handled when an Anthropic API key is
configured (anthropic.api_key or ANTHROPIC_API_KEY).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		w := worker.New(store, &worker.Config{
			PollInterval:      cfg.Worker.PollInterval,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
			Version:           version,
		})
		pipeline.New(store).RegisterHandlers(w)

		green := color.New(color.FgGreen).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		if cfg.Anthropic.APIKey != "" {
			batchAPI := report.NewAnthropicBatchAPI(cfg.Anthropic.APIKey)
			report.NewComposer(store, batchAPI, cfg.Anthropic.Model).RegisterHandlers(w)
			fmt.Printf("%s report handlers enabled\n", gray("→"))
		} else {
			fmt.Printf("%s no Anthropic API key, report jobs will not be claimed\n", gray("→"))
		}

		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
		fmt.Printf("%s worker %s started\n", green("✓"), w.InstanceID())

		rm := worker.NewRetryManager(store, &worker.RetryConfig{
			ScanInterval: cfg.Worker.RetryScanInterval,
		})
		rm.Start(ctx)

		g, gctx := errgroup.WithContext(ctx)

		var srv *http.Server
		if !serveNoAPI {
			if cfg.Server.Token == "" {
				return fmt.Errorf("API token is required (server.token or PRISM_API_TOKEN); use --no-api to run without the HTTP API")
			}
			srv = &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           api.NewHandler(api.Deps{Store: store, Token: cfg.Server.Token}),
				ReadHeaderTimeout: 10 * time.Second,
			}
			g.Go(func() error {
				fmt.Printf("%s API listening on %s\n", green("✓"), cfg.Server.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		}

		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			if srv != nil {
				if err := srv.Shutdown(shutdownCtx); err != nil {
					fmt.Fprintf(os.Stderr, "API shutdown error: %v\n", err)
				}
			}
			if err := rm.Stop(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "retry manager shutdown error: %v\n", err)
			}
			if err := w.Stop(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "worker shutdown error: %v\n", err)
			}
			return nil
		})

		if err := g.Wait(); err != nil {
			return err
		}
		fmt.Printf("%s shut down cleanly\n", green("✓"))
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoAPI, "no-api", false, "run the worker without the HTTP API")
	rootCmd.AddCommand(serveCmd)
}
