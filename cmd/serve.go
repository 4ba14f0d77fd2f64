package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/guardian/pkg/advisor"
	"github.com/user/guardian/pkg/api"
	"github.com/user/guardian/pkg/audit"
	"github.com/user/guardian/pkg/backend"
	"github.com/user/guardian/pkg/config"
	"github.com/user/guardian/pkg/identity"
	"github.com/user/guardian/pkg/logging"
	"github.com/user/guardian/pkg/orchestrator"
	"github.com/user/guardian/pkg/queue"
	"github.com/user/guardian/pkg/store"
	"github.com/user/guardian/pkg/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and the queue workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load(ConfigPath)
	if err != nil {
		return err
	}
	log, err := logging.New(DebugMode)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	switch cfg.Store.Kind {
	case "memory":
		st = store.NewMemory()
	case "postgres":
		st, err = store.OpenPostgres(cfg.Store.DSN)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}

	// The dispatch queue is constructed once per process and injected into
	// orchestrators and workers; it closes on shutdown.
	q := queue.NewMemory(log, queue.Options{
		ScanSlots:        cfg.Queue.ScanWorkers,
		RemediationSlots: cfg.Queue.RemediationWorkers,
		ScanMaxAttempts:  cfg.Queue.ScanMaxAttempts,
	})
	defer q.Close()

	recorder := audit.NewRecorder(st, log)
	perms := identity.NewRoleChecker()
	exec := backend.Stub{}

	scanWorker := worker.NewScan(st, exec, log, cfg.BackendTimeout())
	remWorker := worker.NewRemediation(st, exec, log, cfg.BackendTimeout())
	q.Subscribe(queue.TopicScan, scanWorker.Handle)
	q.Subscribe(queue.TopicRemediation, remWorker.Handle)
	q.Start(ctx)

	var adv *advisor.Advisor
	if cfg.Advisor.APIKey != "" {
		adv, err = advisor.New(ctx, cfg.Advisor.APIKey, cfg.Advisor.Model)
		if err != nil {
			return err
		}
		defer adv.Close()
	}

	srv := api.NewServer(
		orchestrator.NewInstances(st, recorder, perms, log),
		orchestrator.NewScans(st, q, recorder, perms, log),
		orchestrator.NewRemediations(st, q, recorder, perms, log),
		adv,
		log,
	)

	httpSrv := &http.Server{Addr: cfg.Listen, Handler: srv.Handler()}
	go func() {
		<-ctx.Done()
		log.Infow("shutting down")
		_ = httpSrv.Shutdown(context.Background())
	}()

	log.Infow("guardian listening", "addr", cfg.Listen, "store", cfg.Store.Kind)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
