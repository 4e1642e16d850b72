package training

import (
	"math"

	"github.com/pkg/errors"
)

// SchedulerType names a learning rate schedule over optimizer steps.
type SchedulerType int

const (
	SchedulerLinear SchedulerType = iota
	SchedulerCosine
	SchedulerCosineWithRestarts
	SchedulerPolynomial
	SchedulerConstant
	SchedulerConstantWithWarmup
)

var schedulerNames = map[string]SchedulerType{
	"linear":               SchedulerLinear,
	"cosine":               SchedulerCosine,
	"cosine_with_restarts": SchedulerCosineWithRestarts,
	"polynomial":           SchedulerPolynomial,
	"constant":             SchedulerConstant,
	"constant_with_warmup": SchedulerConstantWithWarmup,
}

func SchedulerTypeFromString(name string) (SchedulerType, error) {
	schedulerType, found := schedulerNames[name]
	if !found {
		return 0, errors.Errorf("unknown learning rate scheduler %q", name)
	}
	return schedulerType, nil
}

// Scheduler computes the learning rate for a given optimizer step. The rate
// is written into the optimizer's context variable before each step, so the
// schedule runs on the host and the compiled graph stays fixed.
type Scheduler struct {
	schedulerType SchedulerType
	baseRate      float64
	warmupSteps   int
	totalSteps    int

	// Shape parameters of the decaying schedules.
	numCycles float64 // Cosine cycles, or restarts.
	power     float64 // Polynomial decay exponent.
	endRate   float64 // Polynomial floor.
}

func NewScheduler(schedulerType SchedulerType, baseRate float64, warmupSteps, totalSteps int) *Scheduler {
	return &Scheduler{
		schedulerType: schedulerType,
		baseRate:      baseRate,
		warmupSteps:   warmupSteps,
		totalSteps:    totalSteps,
		numCycles:     0.5,
		power:         1.0,
	}
}

// LearningRate for optimizer step (0-based). Warmup ramps linearly from 0;
// past totalSteps the decaying schedules stay at their final value.
func (s *Scheduler) LearningRate(step int) float64 {
	if step < s.warmupSteps {
		if s.warmupSteps == 0 {
			return s.baseRate
		}
		return s.baseRate * float64(step) / float64(s.warmupSteps)
	}
	switch s.schedulerType {
	case SchedulerConstant, SchedulerConstantWithWarmup:
		return s.baseRate
	}

	decaySteps := s.totalSteps - s.warmupSteps
	if decaySteps <= 0 {
		return 0
	}
	progress := float64(step-s.warmupSteps) / float64(decaySteps)
	if progress >= 1 {
		progress = 1
	}
	switch s.schedulerType {
	case SchedulerLinear:
		return s.baseRate * (1 - progress)
	case SchedulerCosine:
		return s.baseRate * 0.5 * (1 + math.Cos(math.Pi*2*s.numCycles*progress))
	case SchedulerCosineWithRestarts:
		if progress >= 1 {
			return 0
		}
		cycles := math.Max(1, math.Round(2*s.numCycles))
		_, fraction := math.Modf(cycles * progress)
		return s.baseRate * 0.5 * (1 + math.Cos(math.Pi*fraction))
	case SchedulerPolynomial:
		if progress >= 1 {
			return s.endRate
		}
		return (s.baseRate-s.endRate)*math.Pow(1-progress, s.power) + s.endRate
	}
	return s.baseRate
}
