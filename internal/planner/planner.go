// Package planner implements the periodic rebalance and single-host
// emergency migration algorithms. Ported from scheduler/planner.py,
// including its naive in-memory cooldown maps and its practice of
// simulating a migration's effect on src/dst CPU load so later proposals
// in the same planning pass see an updated picture.
package planner

import (
	"sort"
	"sync"
	"time"

	"github.com/minicloud/controller/internal/model"
	"github.com/minicloud/controller/internal/policy"
)

// Proposal is a single planned migration: move VM to TargetHostID.
type Proposal struct {
	VM           *model.VM
	TargetHostID string
}

// Limits bundles the planner's tunables (spec §6 config table).
type Limits struct {
	MaxPlan                      int
	MaxEmergencyMigrationsPerHost int
	MigrationCooldown            time.Duration
	HostCooldown                  time.Duration
}

// Planner holds the in-memory cooldown state across planning cycles. A
// single Planner is expected to live for the lifetime of the scheduler
// process; cooldowns do not survive a restart.
type Planner struct {
	mu sync.Mutex

	vmCooldowns   map[string]time.Time
	hostCooldowns map[string]time.Time
	emergencyHits map[string]int

	mode       policy.ScoreMode
	weights    policy.Weights
	thresholds policy.Thresholds
	limits     Limits
}

// New builds a Planner with the given scoring configuration and limits.
func New(mode policy.ScoreMode, weights policy.Weights, thresholds policy.Thresholds, limits Limits) *Planner {
	return &Planner{
		vmCooldowns:   make(map[string]time.Time),
		hostCooldowns: make(map[string]time.Time),
		emergencyHits: make(map[string]int),
		mode:          mode,
		weights:       weights,
		thresholds:    thresholds,
		limits:        limits,
	}
}

func (p *Planner) inVMCooldown(vmID string) bool {
	t, ok := p.vmCooldowns[vmID]
	return ok && t.After(time.Now())
}

func (p *Planner) setVMCooldown(vmID string) {
	p.vmCooldowns[vmID] = time.Now().Add(p.limits.MigrationCooldown)
}

func (p *Planner) inHostCooldown(hostID string) bool {
	t, ok := p.hostCooldowns[hostID]
	return ok && t.After(time.Now())
}

func (p *Planner) setHostCooldown(hostID string) {
	p.hostCooldowns[hostID] = time.Now().Add(p.limits.HostCooldown)
}

// cloneHosts makes a shallow copy of each *model.Host so the planning pass
// can simulate load changes without mutating the caller's snapshot.
func cloneHosts(hosts []*model.Host) []*model.Host {
	out := make([]*model.Host, len(hosts))
	for i, h := range hosts {
		c := *h
		out[i] = &c
	}
	return out
}

// PlanRebalance proposes up to limits.MaxPlan migrations moving VMs off
// overloaded, non-cooling-down hosts onto the best scoring destination
// found for each, simulating each accepted move's effect on both ends'
// CPU load before considering the next candidate.
func (p *Planner) PlanRebalance(hosts []*model.Host, vmsByHost map[string][]*model.VM) []Proposal {
	p.mu.Lock()
	defer p.mu.Unlock()

	maxPlan := p.limits.MaxPlan
	if maxPlan <= 0 {
		maxPlan = 5
	}

	working := cloneHosts(hosts)
	byID := make(map[string]*model.Host, len(working))
	for _, h := range working {
		byID[h.ID] = h
	}

	var overloaded []*model.Host
	for _, h := range working {
		if policy.IsOverloaded(h, p.thresholds) && !p.inHostCooldown(h.ID) {
			overloaded = append(overloaded, h)
		}
	}
	sort.Slice(overloaded, func(i, j int) bool { return overloaded[i].CPUPercent > overloaded[j].CPUPercent })

	var plan []Proposal
	for _, src := range overloaded {
		vms := vmsByHost[src.ID]
		var candidates []*model.VM
		for _, vm := range vms {
			if !p.inVMCooldown(vm.ID) && !vm.Protected {
				candidates = append(candidates, vm)
			}
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].CPUPercent > candidates[j].CPUPercent })

		for _, vm := range candidates {
			dst := policy.SelectDestination(working, vm.CPUPercent, src.ID, p.mode, p.weights, p.thresholds)
			if dst != nil {
				plan = append(plan, Proposal{VM: vm, TargetHostID: dst.ID})
				p.setVMCooldown(vm.ID)
				p.setHostCooldown(src.ID)

				// Simulate the move so the next candidate in this pass is
				// scored against post-migration load, not the stale
				// snapshot.
				src.CPUPercent -= vm.CPUPercent
				if src.CPUPercent < 0 {
					src.CPUPercent = 0
				}
				if d, ok := byID[dst.ID]; ok {
					d.CPUPercent += vm.CPUPercent
				}
			}
			if len(plan) >= maxPlan {
				return plan
			}
		}
	}
	return plan
}

// PlanEmergency proposes a single migration off alertHost: the heaviest
// eligible VM among its top-3 by CPU usage, moved to the best available
// destination. Returns nil if the host is cooling down, has hit its
// emergency-migration cap, or no candidate VM has a viable destination.
func (p *Planner) PlanEmergency(alertHost *model.Host, hosts []*model.Host, vms []*model.VM) []Proposal {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inHostCooldown(alertHost.ID) {
		return nil
	}

	limit := p.limits.MaxEmergencyMigrationsPerHost
	if limit <= 0 {
		limit = 1
	}
	count := p.emergencyHits[alertHost.ID]
	if count >= limit {
		return nil
	}

	var candidates []*model.VM
	for _, vm := range vms {
		if !vm.Protected && !p.inVMCooldown(vm.ID) {
			candidates = append(candidates, vm)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CPUPercent > candidates[j].CPUPercent })
	if len(candidates) > 3 {
		candidates = candidates[:3]
	}

	for _, vm := range candidates {
		dst := policy.SelectDestination(hosts, vm.CPUPercent, alertHost.ID, p.mode, p.weights, p.thresholds)
		if dst != nil {
			p.setVMCooldown(vm.ID)
			p.setHostCooldown(alertHost.ID)
			p.emergencyHits[alertHost.ID] = count + 1
			return []Proposal{{VM: vm, TargetHostID: dst.ID}}
		}
	}
	return nil
}
