package motion

import (
	"math"
	"sync"
)

// KinFunc maps a cartesian queue position to one motor's travel distance.
type KinFunc func(pos [3]float64) float64

// CartesianKin returns a kinematic function tracking a single cartesian
// axis of the queue position.
func CartesianKin(axis int) KinFunc {
	return func(pos [3]float64) float64 {
		return pos[axis]
	}
}

// ExtruderKin returns the kinematic function used by extruder-style
// queues, which schedule motion on the first position slot.
func ExtruderKin() KinFunc {
	return func(pos [3]float64) float64 {
		return pos[0]
	}
}

// Stepper binds one motor to a kinematic function and a trapezoidal
// queue. Its bindings may be swapped at runtime; the setters return the
// previous binding so a caller can restore it later.
type Stepper struct {
	mu               sync.Mutex
	name             string
	rotationDist     float64
	stepsPerRotation int
	stepDist         float64
	kin              KinFunc
	trapq            *TrapQ
	commandedPos     float64
	mcuPos           int64
}

// NewStepper creates a stepper with the given rotation distance and
// full steps-per-rotation times microsteps.
func NewStepper(name string, rotationDist float64, stepsPerRotation int) *Stepper {
	return &Stepper{
		name:             name,
		rotationDist:     rotationDist,
		stepsPerRotation: stepsPerRotation,
		stepDist:         rotationDist / float64(stepsPerRotation),
	}
}

func (s *Stepper) Name() string { return s.name }

// StepDist returns the travel distance of a single step.
func (s *Stepper) StepDist() float64 { return s.stepDist }

// RotationDistance returns the configured rotation distance and the
// number of steps per rotation.
func (s *Stepper) RotationDistance() (float64, int) {
	return s.rotationDist, s.stepsPerRotation
}

// SetRotationDistance changes the rotation distance in place, keeping
// the commanded position. Used when switching gear ratios.
func (s *Stepper) SetRotationDistance(rotationDist float64) {
	s.mu.Lock()
	s.rotationDist = rotationDist
	s.stepDist = rotationDist / float64(s.stepsPerRotation)
	s.mu.Unlock()
}

// SetKinematics rebinds the kinematic function and returns the previous
// binding (nil if unbound).
func (s *Stepper) SetKinematics(kin KinFunc) KinFunc {
	s.mu.Lock()
	prev := s.kin
	s.kin = kin
	s.mu.Unlock()
	return prev
}

// Kinematics returns the current kinematic function binding.
func (s *Stepper) Kinematics() KinFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kin
}

// TrapQ returns the current trapezoidal queue binding.
func (s *Stepper) TrapQ() *TrapQ {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trapq
}

// SetTrapQ rebinds the trapezoidal queue and returns the previous
// binding (nil if unbound).
func (s *Stepper) SetTrapQ(tq *TrapQ) *TrapQ {
	s.mu.Lock()
	prev := s.trapq
	s.trapq = tq
	s.mu.Unlock()
	return prev
}

// SetPosition updates the commanded position from a queue position
// without emitting steps. The motor does not move.
func (s *Stepper) SetPosition(pos [3]float64) {
	s.mu.Lock()
	if s.kin != nil {
		s.commandedPos = s.kin(pos)
	}
	s.mu.Unlock()
}

// CommandedPosition returns the current commanded travel distance.
func (s *Stepper) CommandedPosition() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commandedPos
}

// MCUPosition returns the accumulated step count.
func (s *Stepper) MCUPosition() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mcuPos
}

// GenerateSteps advances the stepper to the queue position at flushTime,
// emitting whole steps and updating the commanded position.
func (s *Stepper) GenerateSteps(flushTime float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kin == nil || s.trapq == nil {
		return
	}
	pos := s.kin(s.trapq.PositionAt(flushTime))
	steps := math.Round((pos - s.commandedPos) / s.stepDist)
	if steps != 0 {
		s.mcuPos += int64(steps)
		s.commandedPos += steps * s.stepDist
	}
}
