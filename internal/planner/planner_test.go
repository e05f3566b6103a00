package planner

import (
	"testing"
	"time"

	"github.com/minicloud/controller/internal/model"
	"github.com/minicloud/controller/internal/policy"
)

func testLimits() Limits {
	return Limits{
		MaxPlan:                       5,
		MaxEmergencyMigrationsPerHost: 1,
		MigrationCooldown:             time.Minute,
		HostCooldown:                  time.Minute,
	}
}

func testWeights() policy.Weights  { return policy.Weights{CPU: 0.6, Mem: 0.3, Load: 0.1} }
func testThresholds() policy.Thresholds {
	return policy.Thresholds{HighCPU: 80, HighMem: 85, LowCPU: 60, LowMem: 70}
}

func TestPlanRebalanceMovesVMOffOverloadedHost(t *testing.T) {
	hosts := []*model.Host{
		{ID: "hot", CPUPercent: 90, MemPercent: 50},
		{ID: "cold", CPUPercent: 10, MemPercent: 10},
	}
	vms := map[string][]*model.VM{
		"hot": {{ID: "vm1", HostID: "hot", CPUPercent: 20}},
	}

	p := New(policy.ScoreModeLoad, testWeights(), testThresholds(), testLimits())
	plan := p.PlanRebalance(hosts, vms)

	if len(plan) != 1 {
		t.Fatalf("PlanRebalance() returned %d proposals, want 1", len(plan))
	}
	if plan[0].VM.ID != "vm1" || plan[0].TargetHostID != "cold" {
		t.Errorf("PlanRebalance() = %+v, want vm1 -> cold", plan[0])
	}
}

func TestPlanRebalanceSkipsProtectedAndCoolingDownVMs(t *testing.T) {
	hosts := []*model.Host{
		{ID: "hot", CPUPercent: 90, MemPercent: 50},
		{ID: "cold", CPUPercent: 10, MemPercent: 10},
	}
	vms := map[string][]*model.VM{
		"hot": {
			{ID: "protected", HostID: "hot", CPUPercent: 30, Protected: true},
			{ID: "eligible", HostID: "hot", CPUPercent: 20},
		},
	}

	p := New(policy.ScoreModeLoad, testWeights(), testThresholds(), testLimits())
	plan := p.PlanRebalance(hosts, vms)

	if len(plan) != 1 || plan[0].VM.ID != "eligible" {
		t.Fatalf("PlanRebalance() = %+v, want only the non-protected VM", plan)
	}
}

func TestPlanRebalanceNoDestinationYieldsEmptyPlan(t *testing.T) {
	hosts := []*model.Host{
		{ID: "hot", CPUPercent: 90, MemPercent: 50},
		{ID: "alsohot", CPUPercent: 85, MemPercent: 85},
	}
	vms := map[string][]*model.VM{
		"hot": {{ID: "vm1", HostID: "hot", CPUPercent: 20}},
	}

	p := New(policy.ScoreModeLoad, testWeights(), testThresholds(), testLimits())
	plan := p.PlanRebalance(hosts, vms)
	if len(plan) != 0 {
		t.Errorf("PlanRebalance() = %+v, want no proposals (no admissible destination)", plan)
	}
}

func TestPlanRebalanceRespectsMaxPlanCap(t *testing.T) {
	hosts := []*model.Host{
		{ID: "hot1", CPUPercent: 90, MemPercent: 50},
		{ID: "hot2", CPUPercent: 88, MemPercent: 50},
		{ID: "cold", CPUPercent: 5, MemPercent: 5},
	}
	vms := map[string][]*model.VM{
		"hot1": {{ID: "vm1", HostID: "hot1", CPUPercent: 10}, {ID: "vm2", HostID: "hot1", CPUPercent: 10}},
		"hot2": {{ID: "vm3", HostID: "hot2", CPUPercent: 10}},
	}

	limits := testLimits()
	limits.MaxPlan = 1
	p := New(policy.ScoreModeLoad, testWeights(), testThresholds(), limits)
	plan := p.PlanRebalance(hosts, vms)

	if len(plan) != 1 {
		t.Fatalf("PlanRebalance() returned %d proposals, want capped at 1", len(plan))
	}
}

func TestPlanRebalanceHostCooldownExcludesHost(t *testing.T) {
	hosts := []*model.Host{
		{ID: "hot", CPUPercent: 90, MemPercent: 50},
		{ID: "cold", CPUPercent: 10, MemPercent: 10},
	}
	vms := map[string][]*model.VM{
		"hot": {{ID: "vm1", HostID: "hot", CPUPercent: 20}},
	}

	p := New(policy.ScoreModeLoad, testWeights(), testThresholds(), testLimits())
	first := p.PlanRebalance(hosts, vms)
	if len(first) != 1 {
		t.Fatalf("first PlanRebalance() = %+v, want 1 proposal", first)
	}

	// Same overloaded host again, immediately: both the host and the VM
	// should still be cooling down from the first pass.
	second := p.PlanRebalance(hosts, vms)
	if len(second) != 0 {
		t.Errorf("second PlanRebalance() = %+v, want none (host/VM cooldown active)", second)
	}
}

func TestPlanEmergencyMovesHeaviestOfTopThree(t *testing.T) {
	alert := &model.Host{ID: "alert", CPUPercent: 97, MemPercent: 50}
	hosts := []*model.Host{
		alert,
		{ID: "dst", CPUPercent: 5, MemPercent: 5},
	}
	vms := []*model.VM{
		{ID: "small", HostID: "alert", CPUPercent: 5},
		{ID: "big", HostID: "alert", CPUPercent: 40},
		{ID: "mid", HostID: "alert", CPUPercent: 20},
		{ID: "fourth", HostID: "alert", CPUPercent: 60},
	}

	p := New(policy.ScoreModeLoad, testWeights(), testThresholds(), testLimits())
	plan := p.PlanEmergency(alert, hosts, vms)

	if len(plan) != 1 {
		t.Fatalf("PlanEmergency() returned %d proposals, want 1", len(plan))
	}
	// "fourth" (60%) is heaviest but would push dst to 65%, past LowCPU=60,
	// so the next-heaviest of the top 3 that fits is chosen.
	if plan[0].VM.ID != "big" {
		t.Errorf("PlanEmergency() picked %q, want the heaviest VM among the top 3 by CPU with an admissible destination (big)", plan[0].VM.ID)
	}
}

func TestPlanEmergencyRespectsPerHostCap(t *testing.T) {
	alert := &model.Host{ID: "alert", CPUPercent: 97, MemPercent: 50}
	hosts := []*model.Host{alert, {ID: "dst", CPUPercent: 5, MemPercent: 5}}
	vms := []*model.VM{
		{ID: "vm1", HostID: "alert", CPUPercent: 20},
		{ID: "vm2", HostID: "alert", CPUPercent: 25},
	}

	limits := testLimits()
	limits.MaxEmergencyMigrationsPerHost = 1
	p := New(policy.ScoreModeLoad, testWeights(), testThresholds(), limits)

	first := p.PlanEmergency(alert, hosts, vms)
	if len(first) != 1 {
		t.Fatalf("first PlanEmergency() = %+v, want 1 proposal", first)
	}

	second := p.PlanEmergency(alert, hosts, vms)
	if second != nil {
		t.Errorf("second PlanEmergency() = %+v, want nil (per-host cap reached)", second)
	}
}

func TestPlanEmergencyNoCandidateReturnsNil(t *testing.T) {
	alert := &model.Host{ID: "alert", CPUPercent: 97, MemPercent: 50}
	hosts := []*model.Host{alert}
	vms := []*model.VM{{ID: "vm1", HostID: "alert", CPUPercent: 20, Protected: true}}

	p := New(policy.ScoreModeLoad, testWeights(), testThresholds(), testLimits())
	if got := p.PlanEmergency(alert, hosts, vms); got != nil {
		t.Errorf("PlanEmergency() = %+v, want nil (only candidate is protected)", got)
	}
}
