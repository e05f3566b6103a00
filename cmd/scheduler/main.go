// Command scheduler runs the Scheduler Service as its own long-running
// process, separate from the controller: a periodic rebalance loop plus an
// HTTP endpoint that accepts inbound overload alerts. Mirrors the original
// mini-cloud's two-process split (controller vs scheduler/main.py's own
// uvicorn app) rather than folding everything into one binary.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/minicloud/controller/internal/apiclient"
	"github.com/minicloud/controller/internal/config"
	"github.com/minicloud/controller/internal/planner"
	"github.com/minicloud/controller/internal/policy"
	"github.com/minicloud/controller/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("scheduler: failed to load configuration: %v", err)
	}

	client := apiclient.New(cfg.ControllerURL, cfg.ControllerToken)

	mode := policy.ScoreModeLoad
	weights := policy.Weights{CPU: cfg.WCPU, Mem: cfg.WMem, Load: cfg.WLoad}
	if cfg.ScoreMode == "vmcount" {
		// The vm-count weighting has its own fixed coefficients; W_CPU,
		// W_MEM and W_LOAD apply to the load weighting only.
		mode = policy.ScoreModeVMCount
		weights = policy.Weights{CPU: 0.5, Mem: 0.3, Load: 0.2}
	}
	thresholds := policy.Thresholds{
		HighCPU: cfg.HighCPUThreshold,
		HighMem: cfg.HighMemThreshold,
		LowCPU:  cfg.LowCPUThreshold,
		LowMem:  cfg.LowMemThreshold,
	}
	limits := planner.Limits{
		MaxPlan:                       cfg.MaxPlan,
		MaxEmergencyMigrationsPerHost: cfg.MaxEmergencyMigrationsPerHost,
		MigrationCooldown:             cfg.MigrationCooldown,
		HostCooldown:                  cfg.HostCooldown,
	}
	p := planner.New(mode, weights, thresholds, limits)

	svc := scheduler.New(client, p, cfg.RebalanceInterval, cfg.MaxConcurrentMigrations)

	ctx, cancelPeriodic := context.WithCancel(context.Background())
	go svc.RunPeriodic(ctx)

	httpServer := &http.Server{
		Addr:    cfg.SchedulerListenAddr,
		Handler: svc.Router(),
	}

	go func() {
		log.Printf("scheduler: listening on %s, controller=%s, rebalance every %s", cfg.SchedulerListenAddr, cfg.ControllerURL, cfg.RebalanceInterval)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("scheduler: listener failed: %v", err)
		}
	}()

	waitForShutdown(httpServer, cancelPeriodic)
}

func waitForShutdown(httpServer *http.Server, cancelPeriodic context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("scheduler: shutting down")
	cancelPeriodic()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("scheduler: http shutdown error: %v", err)
	}
}
