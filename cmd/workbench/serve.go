package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"workbench/internal/api"
	"workbench/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, "api", true)
		if err != nil {
			return err
		}
		defer a.Close()

		apiCfg := api.Config{
			Runner:          a.orchestrator,
			DefaultEndpoint: a.cfg.FHIREndpointURL(),
			Endpoints:       a.cfg.FHIR.Endpoints,
			MaxConcurrent:   a.cfg.Server.MaxConcurrent,
		}
		// Typed nils must not leak into the interfaces
		if a.recorder != nil {
			apiCfg.Recorder = a.recorder
			apiCfg.Runs = a.runs
			apiCfg.Artifacts = a.artifacts
			apiCfg.Usage = a.usage
		}
		server := api.NewServer(apiCfg)

		schedCfg := scheduler.Config{
			Runner:          a.orchestrator.WithChannel("scheduler"),
			DefaultEndpoint: a.cfg.FHIREndpointURL(),
		}
		if a.recorder != nil {
			schedCfg.Recorder = a.recorder
		}
		if a.bus != nil {
			schedCfg.Events = a.bus
		}
		sched := scheduler.New(schedCfg)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return server.ListenAndServe(gctx, a.cfg.Addr())
		})
		g.Go(func() error {
			sched.Start(a.cfg.Schedules)
			<-gctx.Done()
			sched.Stop()
			return nil
		})
		err = g.Wait()
		log.Printf("👋 [APP] Workbench stopped")
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}
