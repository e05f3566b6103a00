package policy

import (
	"testing"

	"github.com/minicloud/controller/internal/model"
)

func defaultWeights() Weights {
	return Weights{CPU: 0.6, Mem: 0.3, Load: 0.1}
}

func defaultThresholds() Thresholds {
	return Thresholds{HighCPU: 80, HighMem: 85, LowCPU: 60, LowMem: 70}
}

func TestHostScoreLoadMode(t *testing.T) {
	h := &model.Host{CPUPercent: 50, MemPercent: 40, Load1: 2, CPUCount: 4}
	got := HostScore(h, ScoreModeLoad, defaultWeights())
	want := 0.6*0.5 + 0.3*0.4 + 0.1*(2.0/4.0)
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("HostScore() = %v, want %v", got, want)
	}
}

func TestHostScoreVMCountMode(t *testing.T) {
	h := &model.Host{CPUPercent: 50, MemPercent: 40, VMsRunning: 4}
	w := Weights{CPU: 0.5, Mem: 0.3, Load: 0.2}
	got := HostScore(h, ScoreModeVMCount, w)
	want := 0.5*0.5 + 0.3*0.4 + 0.2*(4.0/(4.0+VMCountSaturationK))
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("HostScore() = %v, want %v", got, want)
	}
}

func TestHostScoreZeroCPUCountTreatedAsOne(t *testing.T) {
	h := &model.Host{Load1: 3, CPUCount: 0}
	got := HostScore(h, ScoreModeLoad, Weights{Load: 1})
	if got != 3 {
		t.Errorf("HostScore() with cpu_count=0 = %v, want 3 (load1/1)", got)
	}
}

func TestIsOverloaded(t *testing.T) {
	tc := defaultThresholds()
	cases := []struct {
		name string
		h    *model.Host
		want bool
	}{
		{"under both gates", &model.Host{CPUPercent: 50, MemPercent: 50}, false},
		{"cpu at gate", &model.Host{CPUPercent: 80, MemPercent: 10}, true},
		{"mem above gate", &model.Host{CPUPercent: 10, MemPercent: 90}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsOverloaded(c.h, tc); got != c.want {
				t.Errorf("IsOverloaded(%+v) = %v, want %v", c.h, got, c.want)
			}
		})
	}
}

func TestCanReceive(t *testing.T) {
	th := defaultThresholds()
	cases := []struct {
		name string
		h    *model.Host
		est  float64
		want bool
	}{
		{"plenty of room", &model.Host{CPUPercent: 10, MemPercent: 10, Status: "UP"}, 20, true},
		{"projected cpu at cap", &model.Host{CPUPercent: 40, MemPercent: 10, Status: "UP"}, 20, false},
		{"host down", &model.Host{CPUPercent: 10, MemPercent: 10, Status: "DOWN"}, 1, false},
		{"empty status treated as up", &model.Host{CPUPercent: 10, MemPercent: 10}, 1, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := CanReceive(c.h, c.est, 0, th); got != c.want {
				t.Errorf("CanReceive() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestSelectDestinationExcludesSourceAndOverloaded(t *testing.T) {
	hosts := []*model.Host{
		{ID: "src", CPUPercent: 95, MemPercent: 50},
		{ID: "full", CPUPercent: 90, MemPercent: 90},
		{ID: "dst", CPUPercent: 10, MemPercent: 10},
	}
	got := SelectDestination(hosts, 5, "src", ScoreModeLoad, defaultWeights(), defaultThresholds())
	if got == nil || got.ID != "dst" {
		t.Fatalf("SelectDestination() = %+v, want host dst", got)
	}
}

func TestSelectDestinationNoAdmissibleHost(t *testing.T) {
	hosts := []*model.Host{
		{ID: "a", CPUPercent: 95, MemPercent: 50},
		{ID: "b", CPUPercent: 59, MemPercent: 95},
	}
	if got := SelectDestination(hosts, 10, "a", ScoreModeLoad, defaultWeights(), defaultThresholds()); got != nil {
		t.Errorf("SelectDestination() = %+v, want nil", got)
	}
}

func TestSelectDestinationPicksLowestScore(t *testing.T) {
	hosts := []*model.Host{
		{ID: "high", CPUPercent: 40, MemPercent: 40},
		{ID: "low", CPUPercent: 5, MemPercent: 5},
	}
	got := SelectDestination(hosts, 1, "", ScoreModeLoad, defaultWeights(), defaultThresholds())
	if got == nil || got.ID != "low" {
		t.Fatalf("SelectDestination() = %+v, want host low", got)
	}
}

func TestSelectDestinationTieBreakStaysWithinTopTwo(t *testing.T) {
	// Both candidates score within 0.05 of each other; the result must
	// always be one of the two, never a third, worse-scoring host.
	hosts := []*model.Host{
		{ID: "a", CPUPercent: 10, MemPercent: 10},
		{ID: "b", CPUPercent: 11, MemPercent: 10},
		{ID: "c", CPUPercent: 50, MemPercent: 50},
	}
	for i := 0; i < 20; i++ {
		got := SelectDestination(hosts, 1, "", ScoreModeLoad, defaultWeights(), defaultThresholds())
		if got == nil || (got.ID != "a" && got.ID != "b") {
			t.Fatalf("SelectDestination() = %+v, want a or b", got)
		}
	}
}
