package mmu

import (
	"fmt"
	"math"
	"strconv"
	"sync"

	"mmu-host/pkg/config"
	"mmu-host/pkg/endstop"
	"mmu-host/pkg/errors"
	"mmu-host/pkg/log"
	"mmu-host/pkg/motion"
)

// Axis indices in the kinematic position space.
const (
	AxisSelector = 0
	AxisGear     = 1
)

// AxisLimits is the homed travel range of one axis. An axis with
// Homed unset permits no bounded motion.
type AxisLimits struct {
	Homed bool
	Min   float64
	Max   float64
}

// Kinematics composes the selector and gear rails into a two axis
// position space and validates moves against per-axis travel limits
// and speed ceilings.
type Kinematics struct {
	logger *log.Logger

	rails [2]*Rail

	selectorMaxVelocity float64
	selectorMaxAccel    float64
	gearMaxVelocity     float64
	gearMaxAccel        float64

	// mu guards limits against status readers polling concurrently
	// with the motion timeline.
	mu     sync.Mutex
	limits [2]AxisLimits
}

// NewKinematics builds both rails from configuration and binds their
// steppers to the given motion queue. The gear rail picks up numbered
// supplemental sections (stepper_mmu_gear1, stepper_mmu_gear2, ...)
// for multi-stepper drive.
func NewKinematics(cfg *config.Config, queue *motion.Queue, th *Toolhead, registry *endstop.Registry, logger *log.Logger) (*Kinematics, error) {
	if logger == nil {
		logger = log.Nop()
	}
	k := &Kinematics{logger: logger}
	k.selectorMaxVelocity, k.selectorMaxAccel = th.SelectorLimits()
	k.gearMaxVelocity, k.gearMaxAccel = th.GearLimits()

	axes := []struct {
		section            string
		needPositionMinMax bool
	}{
		{"stepper_mmu_selector", true},
		{"stepper_mmu_gear", false},
	}
	for i, ax := range axes {
		sec, err := cfg.GetSection(ax.section)
		if err != nil {
			return nil, err
		}
		rail, err := NewRail(sec, ax.needPositionMinMax, 0.0, registry, logger.Child(ax.section))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrConfigValidation,
				fmt.Sprintf("error loading MMU kinematics for %s", ax.section)).SetSection(ax.section)
		}
		// Supplemental numbered sections add extra motors to the rail.
		for n := 1; n < 99; n++ {
			name := ax.section + strconv.Itoa(n)
			if !cfg.HasSection(name) {
				break
			}
			extraSec, err := cfg.GetSection(name)
			if err != nil {
				return nil, err
			}
			if err := rail.AddStepper(extraSec); err != nil {
				return nil, err
			}
		}
		k.rails[i] = rail
	}

	k.rails[AxisSelector].SetStepperKinematics(motion.CartesianKin(0))
	k.rails[AxisGear].SetStepperKinematics(motion.CartesianKin(1))
	for _, rail := range k.rails {
		for _, s := range rail.Steppers() {
			s.SetTrapQ(queue.TrapQ())
			queue.RegisterStepGenerator(s)
		}
	}
	return k, nil
}

// Rails returns the selector and gear rails.
func (k *Kinematics) Rails() [2]*Rail { return k.rails }

// SelectorRail returns the selector axis rail.
func (k *Kinematics) SelectorRail() *Rail { return k.rails[AxisSelector] }

// GearRail returns the gear axis rail.
func (k *Kinematics) GearRail() *Rail { return k.rails[AxisGear] }

// Steppers returns every stepper across both rails.
func (k *Kinematics) Steppers() []*motion.Stepper {
	var out []*motion.Stepper
	for _, rail := range k.rails {
		out = append(out, rail.Steppers()...)
	}
	return out
}

// Limits returns the current per-axis travel limits.
func (k *Kinematics) Limits() [2]AxisLimits {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.limits
}

func (k *Kinematics) axisLimits(axis int) AxisLimits {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.limits[axis]
}

// CalcPosition maps measured stepper positions into the ordered
// [selector, gear] coordinate pair.
func (k *Kinematics) CalcPosition(stepperPositions map[string]float64) []float64 {
	pos := make([]float64, len(k.rails))
	for i, rail := range k.rails {
		pos[i] = stepperPositions[rail.Name()]
	}
	return pos
}

// SetPosition forwards the position to each rail; axes listed in
// homingAxes transition to homed with their configured travel range.
func (k *Kinematics) SetPosition(newpos []float64, homingAxes []int) {
	var p3 [3]float64
	copy(p3[:], newpos)
	for i, rail := range k.rails {
		rail.SetPosition(p3)
		for _, axis := range homingAxes {
			if axis == i {
				min, max := rail.Range()
				k.mu.Lock()
				k.limits[i] = AxisLimits{Homed: true, Min: min, Max: max}
				k.mu.Unlock()
			}
		}
	}
}

// Home drives the homing sequence. Only the selector may be homed
// through this path; requests for any other axis are ignored so the
// gear axis, which has no absolute reference, can never be driven
// against a stop.
func (k *Kinematics) Home(hs *HomingState) error {
	for _, axis := range hs.Axes() {
		if axis != AxisSelector {
			continue
		}
		rail := k.rails[axis]
		positionMin, positionMax := rail.Range()
		hi := rail.HomingInfo()
		homepos := []float64{math.NaN(), math.NaN(), math.NaN(), math.NaN()}
		homepos[axis] = hi.PositionEndstop
		forcepos := append([]float64{}, homepos...)
		if hi.PositiveDir {
			forcepos[axis] -= 1.5 * (hi.PositionEndstop - positionMin)
		} else {
			forcepos[axis] += 1.5 * (positionMax - hi.PositionEndstop)
		}
		if err := hs.HomeRails([]*Rail{rail}, forcepos, homepos); err != nil {
			return err
		}
	}
	return nil
}

// MotorOff clears the homed state of every axis. Homing does not
// survive a motor power cycle.
func (k *Kinematics) MotorOff() {
	k.mu.Lock()
	for i := range k.limits {
		k.limits[i] = AxisLimits{}
	}
	k.mu.Unlock()
	k.logger.Debug("motor off: axis limits cleared")
}

func (k *Kinematics) checkEndstops(mv *motion.Move) error {
	endPos := mv.EndPos
	for i := range k.rails {
		if mv.AxesD[i] == 0.0 {
			continue
		}
		lim := k.axisLimits(i)
		if lim.Homed && endPos[i] >= lim.Min && endPos[i] <= lim.Max {
			continue
		}
		if !lim.Homed {
			return errors.MustHomeFirst()
		}
		return errors.MoveOutOfRange(endPos)
	}
	return nil
}

// CheckMove validates a move's target against the travel limits and
// applies the per-axis speed ceiling. The bounds test is keyed off the
// selector coordinate; gear travel is unbounded once the selector is
// homed, matching the physical unit's continuous filament axis.
func (k *Kinematics) CheckMove(mv *motion.Move) error {
	xpos := mv.EndPos[0]
	sel := k.axisLimits(AxisSelector)
	if !sel.Homed || xpos < sel.Min || xpos > sel.Max {
		if err := k.checkEndstops(mv); err != nil {
			return err
		}
	}
	if mv.AxesD[0] != 0.0 {
		mv.LimitSpeed(k.selectorMaxVelocity, k.selectorMaxAccel)
	} else if mv.AxesD[1] != 0.0 {
		mv.LimitSpeed(k.gearMaxVelocity, k.gearMaxAccel)
	}
	return nil
}

// SelectorHomed reports whether the selector axis has known bounds.
func (k *Kinematics) SelectorHomed() bool {
	return k.axisLimits(AxisSelector).Homed
}

// Status reports the kinematics view of the axis state.
func (k *Kinematics) Status() map[string]interface{} {
	return map[string]interface{}{
		"selector_homed": k.SelectorHomed(),
	}
}
