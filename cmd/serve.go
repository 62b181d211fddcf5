package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/apivet/apivet/internal/api"
	"github.com/apivet/apivet/internal/httpclient"
	"github.com/apivet/apivet/internal/telemetry"
	"github.com/apivet/apivet/pkg/ai"
	"github.com/apivet/apivet/pkg/auth"
	"github.com/apivet/apivet/pkg/openapi"
	"github.com/apivet/apivet/pkg/ratelimit"
	"github.com/apivet/apivet/pkg/report"
	"github.com/apivet/apivet/pkg/scan"
	"github.com/apivet/apivet/pkg/scan/contract"
	"github.com/apivet/apivet/pkg/scan/dynamic"
	"github.com/apivet/apivet/pkg/scan/static"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		tel, err := telemetry.New(ctx, cfg.Telemetry)
		if err != nil {
			return err
		}
		defer tel.Shutdown(context.Background())

		pipeline := buildPipeline(tel)
		handlers := api.NewHandlers(pipeline.orch, pipeline.sink, store, report.NewRenderer(log), log)
		server := api.NewServer(cfg.Server, handlers, log)

		errCh := make(chan error, 1)
		go func() { errCh <- server.ListenAndServe() }()

		color.Cyan("apivet listening on %s\n", cfg.Server.Addr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			log.Infow("Received signal, shutting down", "signal", sig.String())
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}

// pipeline bundles the orchestrator with the snapshot sink the API
// polls for live status.
type pipeline struct {
	orch *scan.Orchestrator
	sink *report.Sink
}

func buildPipeline(tel *telemetry.Telemetry) *pipeline {
	limiter := ratelimit.New(ratelimit.Config{
		BaseDelay:         cfg.RateLimit.BaseDelay,
		MaxDelay:          cfg.RateLimit.MaxDelay,
		MaxRetries:        cfg.RateLimit.MaxRetries,
		BackoffMultiplier: cfg.RateLimit.BackoffMultiplier,
	}, httpclient.NewProbeClient(cfg.Scan.ProbeTimeout))

	tokens := auth.NewProvider(cfg.Auth, httpclient.NewFetchClient(cfg.Auth.Timeout), log)
	sink := report.NewSink()

	orch := scan.NewOrchestrator(scan.OrchestratorDeps{
		Parser:    openapi.NewParser(),
		Static:    static.NewAnalyzer(log),
		Dynamic:   dynamic.NewTester(limiter, log, tokens, tel),
		Contract:  contract.NewValidator(limiter, log, tokens),
		Triager:   ai.NewTriager(cfg.AI, log),
		Sink:      sink,
		Store:     store,
		Registry:  scan.NewRegistry(),
		Telemetry: tel,
		Logger:    log,

		MaxConcurrentPaths: cfg.Scan.MaxConcurrentPaths,
	})

	return &pipeline{orch: orch, sink: sink}
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default :8080)")
	viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	viper.BindEnv("server.addr", "APIVET_SERVER_ADDR")

	rootCmd.AddCommand(serveCmd)
}
