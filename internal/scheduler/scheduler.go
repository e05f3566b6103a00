// Package scheduler is the Scheduler Service: it periodically asks the
// Planner for a rebalance plan and reactively asks it for an emergency plan
// on inbound alerts, submitting whatever it proposes to the controller's
// migration intake API. Ported from scheduler/background.py's
// SchedulerService, replacing asyncio.Lock with a sync.Mutex and the
// Python event loop's periodic task with a time.Ticker.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/minicloud/controller/internal/apiclient"
	"github.com/minicloud/controller/internal/model"
	"github.com/minicloud/controller/internal/planner"
)

// Service runs the periodic rebalance loop and handles alerts.
type Service struct {
	client  *apiclient.Client
	planner *planner.Planner

	rebalanceInterval       time.Duration
	maxConcurrentMigrations int

	mu                sync.Mutex
	runningMigrations int
}

// New builds a Service.
func New(client *apiclient.Client, p *planner.Planner, rebalanceInterval time.Duration, maxConcurrentMigrations int) *Service {
	return &Service{
		client:                  client,
		planner:                 p,
		rebalanceInterval:       rebalanceInterval,
		maxConcurrentMigrations: maxConcurrentMigrations,
	}
}

// RunPeriodic loops forever (until ctx is cancelled) running one
// rebalance cycle every rebalanceInterval. A cycle failure is logged and
// the loop continues — one bad cycle never stops the service.
func (s *Service) RunPeriodic(ctx context.Context) {
	ticker := time.NewTicker(s.rebalanceInterval)
	defer ticker.Stop()

	for {
		if err := s.runPeriodicCycle(ctx); err != nil {
			log.Printf("scheduler: periodic cycle failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) runPeriodicCycle(ctx context.Context) error {
	log.Printf("scheduler: starting periodic rebalance cycle")

	hosts, err := s.client.GetHosts(ctx)
	if err != nil {
		return fmt.Errorf("get hosts: %w", err)
	}
	vms, err := s.client.GetVMs(ctx)
	if err != nil {
		return fmt.Errorf("get vms: %w", err)
	}

	vmsByHost := make(map[string][]*model.VM)
	for _, vm := range vms {
		vmsByHost[vm.HostID] = append(vmsByHost[vm.HostID], vm)
	}

	plan := s.planner.PlanRebalance(hosts, vmsByHost)
	log.Printf("scheduler: periodic plan proposals: %d", len(plan))
	s.submitPlan(ctx, plan, "periodic_rebalance")
	return nil
}

// submitPlan refreshes the running-migration count from the controller
// (so the scheduler respects the cluster-wide cap even across restarts of
// this process), then submits proposals one at a time, stopping once the
// cap is reached.
func (s *Service) submitPlan(ctx context.Context, plan []planner.Proposal, reason string) {
	if count, err := s.client.GetRunningMigrationsCount(ctx); err != nil {
		log.Printf("scheduler: could not fetch running migration count, using local counter: %v", err)
	} else {
		s.mu.Lock()
		s.runningMigrations = count
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range plan {
		if s.runningMigrations >= s.maxConcurrentMigrations {
			log.Printf("scheduler: reached max concurrent migrations (local=%d, max=%d), pausing plan submission", s.runningMigrations, s.maxConcurrentMigrations)
			break
		}

		log.Printf("scheduler: requesting migration for vm %s -> %s", p.VM.HypervisorUUID, p.TargetHostID)
		res, err := s.client.RequestMigration(ctx, p.VM.HypervisorUUID, p.VM.HostID, p.TargetHostID, reason)
		if err != nil {
			log.Printf("scheduler: failed to request migration for vm %s: %v", p.VM.HypervisorUUID, err)
			continue
		}
		s.runningMigrations++
		log.Printf("scheduler: scheduled migration (controller id=%s), running migrations now: %d", res.MigrationID, s.runningMigrations)
	}
}

// HandleAlert responds to an inbound host overload alert: it asks the
// Planner for an emergency plan; if none is possible, it throttles the
// host instead.
func (s *Service) HandleAlert(ctx context.Context, alert model.Alert) (string, error) {
	log.Printf("scheduler: received alert for host %s level=%s", alert.HostID, alert.Level)

	hosts, err := s.client.GetHosts(ctx)
	if err != nil {
		return "", fmt.Errorf("get hosts: %w", err)
	}
	vms, err := s.client.GetVMs(ctx)
	if err != nil {
		return "", fmt.Errorf("get vms: %w", err)
	}

	var alertHost *model.Host
	for _, h := range hosts {
		if h.ID == alert.HostID {
			alertHost = h
			break
		}
	}
	if alertHost == nil {
		log.Printf("scheduler: alert host %s not found in host list", alert.HostID)
		return "host_not_found", nil
	}

	var hostVMs []*model.VM
	for _, vm := range vms {
		if vm.HostID == alertHost.ID {
			hostVMs = append(hostVMs, vm)
		}
	}

	plan := s.planner.PlanEmergency(alertHost, hosts, hostVMs)
	if len(plan) == 0 {
		log.Printf("scheduler: no emergency migration possible for host %s, throttling", alert.HostID)
		if err := s.client.ThrottleHost(ctx, alert.HostID, 300, "alert_"+alert.Level); err != nil {
			log.Printf("scheduler: failed to throttle host %s: %v", alert.HostID, err)
		}
		return "throttled", nil
	}

	s.submitPlan(ctx, plan, "alert_"+alert.Level)
	return "migration_requested", nil
}
