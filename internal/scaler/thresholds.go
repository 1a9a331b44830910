package scaler

import (
	"math"

	"github.com/fleetcell/cell/internal/config"
)

// thresholdKind is the tagged variant from the design notes: either no
// thresholds at all, a single general value applied to every metric,
// three independent per-metric values, or a partial per-metric set in
// which the missing metrics never trigger. Replacing the permissive
// "some fields set, some not" shape with this variant means every
// caller handles exactly one case instead of re-deriving the
// precedence rule each time.
type thresholdKind int

const (
	thresholdNone thresholdKind = iota
	thresholdGeneral
	thresholdSpecific
	thresholdPartial
)

// thresholds is a resolved {cpu, memory, disk} triple ready to compare
// against an InstanceRecord's metrics.
type thresholds struct {
	kind          thresholdKind
	cpu           float64
	memory        float64
	disk          float64
	partialWarning string // non-empty if some but not all specifics were set
}

func (t thresholds) configured() bool {
	return t.kind != thresholdNone
}

// deriveScaleUpThresholds resolves cfg's scale-up fields into the
// tagged variant, per §4.3: all three specifics set wins outright; a
// partial set degrades to "disabled for the missing metrics" (flagged
// via partialWarning for the caller to log); otherwise the general
// scaleThreshold applies to all three metrics.
func deriveScaleUpThresholds(cfg *config.Config) thresholds {
	specificsSet := 0
	if cfg.ScaleThresholdCPU != nil {
		specificsSet++
	}
	if cfg.ScaleThresholdMemory != nil {
		specificsSet++
	}
	if cfg.ScaleThresholdDisk != nil {
		specificsSet++
	}

	switch specificsSet {
	case 3:
		return thresholds{
			kind:   thresholdSpecific,
			cpu:    *cfg.ScaleThresholdCPU,
			memory: *cfg.ScaleThresholdMemory,
			disk:   *cfg.ScaleThresholdDisk,
		}
	case 0:
		return thresholds{
			kind:   thresholdGeneral,
			cpu:    cfg.ScaleThreshold,
			memory: cfg.ScaleThreshold,
			disk:   cfg.ScaleThreshold,
		}
	default:
		disabled := math.Inf(1)
		t := thresholds{
			kind:           thresholdPartial,
			cpu:            disabled,
			memory:         disabled,
			disk:           disabled,
			partialWarning: "partial scaleThresholdCPU/Memory/Disk configuration; set all three or none, metrics without a threshold never trigger a scale-up",
		}
		if cfg.ScaleThresholdCPU != nil {
			t.cpu = *cfg.ScaleThresholdCPU
		}
		if cfg.ScaleThresholdMemory != nil {
			t.memory = *cfg.ScaleThresholdMemory
		}
		if cfg.ScaleThresholdDisk != nil {
			t.disk = *cfg.ScaleThresholdDisk
		}
		return t
	}
}

// deriveScaleDownThresholds applies the −45 hysteresis offset. With all
// three specifics set, each metric's scale-down value is its configured
// override if present, else the matching scale-up value minus 45; in
// every other case one general value (scaleDownThreshold, else
// scaleThreshold minus 45) applies to all three metrics.
func deriveScaleDownThresholds(up thresholds, cfg *config.Config) thresholds {
	const hysteresis = 45

	if up.kind == thresholdSpecific {
		down := thresholds{kind: thresholdSpecific}
		if cfg.ScaleDownThresholdCPU != nil {
			down.cpu = *cfg.ScaleDownThresholdCPU
		} else {
			down.cpu = up.cpu - hysteresis
		}
		if cfg.ScaleDownThresholdMemory != nil {
			down.memory = *cfg.ScaleDownThresholdMemory
		} else {
			down.memory = up.memory - hysteresis
		}
		if cfg.ScaleDownThresholdDisk != nil {
			down.disk = *cfg.ScaleDownThresholdDisk
		} else {
			down.disk = up.disk - hysteresis
		}
		return down
	}

	general := cfg.ScaleThreshold - hysteresis
	if cfg.ScaleDownThreshold != nil {
		general = *cfg.ScaleDownThreshold
	}
	return thresholds{kind: thresholdGeneral, cpu: general, memory: general, disk: general}
}
