// Command controller runs the mini-cloud control plane's HTTP API: host/VM
// registration, migration intake, and the worker pool that drives
// migrations through the orchestrator. Shaped after the teacher's
// cmd/main.go (load config, open store, wire dependencies, start the
// listener), generalized from a single `database.Initialize`+scheduler
// goroutine into the fuller dependency graph this spec requires.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/minicloud/controller/internal/api"
	"github.com/minicloud/controller/internal/config"
	"github.com/minicloud/controller/internal/driver"
	"github.com/minicloud/controller/internal/driver/shellxe"
	"github.com/minicloud/controller/internal/driver/xoa"
	"github.com/minicloud/controller/internal/inventory"
	"github.com/minicloud/controller/internal/lock"
	"github.com/minicloud/controller/internal/orchestrator"
	"github.com/minicloud/controller/internal/providers/vmware"
	"github.com/minicloud/controller/internal/queue"
	"github.com/minicloud/controller/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("controller: failed to load configuration: %v", err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("controller: failed to open store: %v", err)
	}
	defer st.Close()

	locks, err := lock.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("controller: failed to build lock service: %v", err)
	}

	drv, err := buildDriver(cfg)
	if err != nil {
		log.Fatalf("controller: failed to build hypervisor driver %q: %v", cfg.DriverKind, err)
	}

	orch := orchestrator.New(st, locks, drv, cfg.SimulateMigration, orchestrator.Config{
		LockTTL:      cfg.LockTTL,
		LockWait:     cfg.LockWait,
		PollInterval: cfg.PollInterval,
		PollTimeout:  cfg.PollTimeout,
	})

	q := queue.New(queue.Config{
		Workers:     cfg.QueueWorkers,
		MaxAttempts: 3,
		RetryDelay:  10 * time.Second,
	}, orch.Run)

	vc := buildVMwareClient(cfg)
	if vc != nil {
		defer vc.Close(context.Background())
	}
	inv := inventory.New(st, vc)

	if cfg.VMwareInventorySync {
		go runVMwareSyncLoop(inv, cfg.RebalanceInterval)
	}

	server := api.NewServer(cfg, st, inv, q)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("controller: listening on %s (driver=%s simulate=%v)", cfg.ListenAddr, cfg.DriverKind, cfg.SimulateMigration)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("controller: listener failed: %v", err)
		}
	}()

	waitForShutdown(httpServer, q)
}

// buildDriver selects and constructs the hypervisor driver implementation
// named by cfg.DriverKind, per spec §6 ("selected by configuration").
func buildDriver(cfg *config.Config) (driver.Driver, error) {
	switch cfg.DriverKind {
	case "shellxe":
		return shellxe.New(shellxe.Config{
			Host:           cfg.ShellXEHost,
			User:           cfg.ShellXEUser,
			PrivateKeyPath: cfg.ShellXEPrivateKeyPath,
			Password:       cfg.ShellXEPassword,
		})
	case "xoa", "":
		return xoa.New(xoa.Config{
			BaseURL:  cfg.XoaBaseURL,
			Token:    cfg.XoaToken,
			Insecure: cfg.XoaInsecure,
		}), nil
	default:
		return nil, fmt.Errorf("unknown driver kind %q (want \"xoa\" or \"shellxe\")", cfg.DriverKind)
	}
}

func buildVMwareClient(cfg *config.Config) *vmware.Client {
	if !cfg.VMwareInventorySync || cfg.VMwareHost == "" {
		return nil
	}
	vc, err := vmware.NewClient(context.Background(), cfg.VMwareHost, cfg.VMwareUsername, cfg.VMwarePassword, cfg.VMwareDatacenter, cfg.VMwareInsecure)
	if err != nil {
		log.Printf("controller: vmware inventory sync disabled, connect failed: %v", err)
		return nil
	}
	return vc
}

func runVMwareSyncLoop(inv *inventory.Service, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if err := inv.SyncFromVMware(context.Background()); err != nil {
			log.Printf("controller: vmware inventory sync failed: %v", err)
		}
	}
}

func waitForShutdown(httpServer *http.Server, q *queue.Queue) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("controller: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("controller: http shutdown error: %v", err)
	}
	if err := q.Shutdown(ctx); err != nil {
		log.Printf("controller: queue shutdown error: %v", err)
	}
}
