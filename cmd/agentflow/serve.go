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

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"agentflow/internal/api"
	"agentflow/internal/ingress"
	"agentflow/internal/notify"
	"agentflow/internal/scheduler"
	"agentflow/internal/telemetry"
	"agentflow/internal/worker"
)

var serveReap bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator and its HTTP API",
	Long: `Run the worker slots, the cron scheduler and the HTTP API until SIGINT or
SIGTERM. On startup, tasks left assigned or running by a previous process are
returned to the queue (or failed once their retries are spent).

Disable --reap when several orchestrators share one PostgreSQL store.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveReap, "reap", true, "requeue tasks orphaned by a previous run")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	repo, err := openRepo(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer repo.Close()

	if serveReap {
		res, err := repo.ReapOrphaned(ctx, nil)
		if err != nil {
			return fmt.Errorf("recover orphaned tasks: %w", err)
		}
		log.Info().Int("requeued", len(res.Requeued)).Int("failed", len(res.Failed)).Msg("recovered orphaned tasks")
	}

	store, err := openStore()
	if err != nil {
		return fmt.Errorf("open context store: %w", err)
	}

	var opts []worker.Option
	if cfg.Notify.WebhookURL != "" {
		opts = append(opts, worker.WithNotifier(notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.Timeout)))
	}
	dist, err := worker.NewDistributor(repo, store, cfg.Agents, cfg.Distributor.Worker(), opts...)
	if err != nil {
		return err
	}
	svc := ingress.New(repo, store, dist)

	sched := scheduler.NewService(svc)
	for _, s := range cfg.Schedules {
		if err := sched.AddSchedule(s); err != nil {
			return err
		}
	}
	if cfg.Cleanup.Cron != "" {
		if err := sched.AddCleanup(cfg.Cleanup.Cron, cfg.Cleanup.Retention); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.NewServer(svc, api.Options{
			SubmitRate:  cfg.Server.SubmitRate,
			SubmitBurst: cfg.Server.SubmitBurst,
			EnableDebug: cfg.Server.Debug,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dist.Run(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	sched.Start(gctx)

	err = g.Wait()
	sched.Stop()
	return err
}
