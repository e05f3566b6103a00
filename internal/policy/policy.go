// Package policy holds the pure, deterministic scoring and admission
// functions the planner uses to pick migration destinations. Ported from
// scheduler/policies.py.
package policy

import (
	"crypto/rand"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/minicloud/controller/internal/model"
)

// ScoreMode selects between the two host-scoring weightings the spec
// requires to be configurable.
type ScoreMode int

const (
	// ScoreModeLoad is the default weighting: W_CPU*cpu + W_MEM*mem + W_LOAD*load1/cpu_count.
	ScoreModeLoad ScoreMode = iota
	// ScoreModeVMCount is the alternate weighting (0.5, 0.3, 0.2) that
	// replaces the load1 term with a saturating vm-count term
	// vms_running/(vms_running+k), so hosts already carrying many small
	// VMs are deprioritized even when load1 looks idle.
	ScoreModeVMCount
)

// Weights holds the three scoring coefficients, which must sum to 1 and
// each lie in [0,1] per spec §4.1.
type Weights struct {
	CPU  float64
	Mem  float64
	Load float64
}

// Thresholds holds the overload/admission gates from spec §6's config table.
type Thresholds struct {
	HighCPU float64
	HighMem float64
	LowCPU  float64
	LowMem  float64
}

// VMCountSaturationK is the saturation constant for ScoreModeVMCount's
// vms_running/(vms_running+k) term. Default 4 per SPEC_FULL.
const VMCountSaturationK = 4.0

// HostScore computes the lower-is-better load score for a host.
func HostScore(h *model.Host, mode ScoreMode, w Weights) float64 {
	cpuNorm := h.CPUPercent / 100.0
	memNorm := h.MemPercent / 100.0

	var thirdTerm float64
	switch mode {
	case ScoreModeVMCount:
		n := float64(h.VMsRunning)
		thirdTerm = n / (n + VMCountSaturationK)
	default:
		cpuCount := h.CPUCount
		if cpuCount < 1 {
			cpuCount = 1
		}
		thirdTerm = h.Load1 / math.Max(1, float64(cpuCount))
	}

	return w.CPU*cpuNorm + w.Mem*memNorm + w.Load*thirdTerm
}

// IsOverloaded reports whether a host's latest metric breaches either
// overload gate.
func IsOverloaded(h *model.Host, t Thresholds) bool {
	return h.CPUPercent >= t.HighCPU || h.MemPercent >= t.HighMem
}

// CanReceive reports whether a host could admit a VM of the estimated size
// without itself becoming overloaded, per the admission predicate. A host
// still under an active scheduler-issued throttle (§4.6: set after an
// emergency plan found nowhere to send a VM) is treated as unavailable
// until the throttle expires, the same as a non-UP host.
func CanReceive(h *model.Host, vmCPUEst, vmMemEst float64, t Thresholds) bool {
	if h.Status != "" && h.Status != "UP" {
		return false
	}
	if !h.ThrottledAt.IsZero() && h.ThrottledAt.After(time.Now()) {
		return false
	}
	projectedCPU := h.CPUPercent + vmCPUEst
	projectedMem := h.MemPercent + vmMemEst
	if projectedCPU >= t.LowCPU {
		return false
	}
	if projectedMem >= t.LowMem {
		return false
	}
	return true
}

// scoreTieMargin is how close two candidate scores must be to count as tied
// for the thundering-herd tie-break.
const scoreTieMargin = 0.05

// SelectDestination ranks candidate hosts (excluding excludeHostID) by
// ascending score among those admitting a VM of vmCPUEst, and returns the
// best one. Ties within scoreTieMargin are broken randomly among the top two
// to avoid every overloaded source piling onto one "best" host at once.
func SelectDestination(hosts []*model.Host, vmCPUEst float64, excludeHostID string, mode ScoreMode, w Weights, t Thresholds) *model.Host {
	type candidate struct {
		host  *model.Host
		score float64
	}

	var candidates []candidate
	for _, h := range hosts {
		if h.ID == excludeHostID {
			continue
		}
		if !CanReceive(h, vmCPUEst, 0, t) {
			continue
		}
		candidates = append(candidates, candidate{host: h, score: HostScore(h, mode, w)})
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score < candidates[j].score
	})

	if len(candidates) == 1 || candidates[1].score-candidates[0].score > scoreTieMargin {
		return candidates[0].host
	}

	// Tied within margin: pick randomly between the top two.
	n, err := rand.Int(rand.Reader, big.NewInt(2))
	if err != nil {
		return candidates[0].host
	}
	return candidates[n.Int64()].host
}
