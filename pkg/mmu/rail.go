// Package mmu implements the MMU motion controller: a two axis
// (selector + gear) toolhead with its own move queue, a bidirectional
// gear/extruder sync protocol and drip-fed homing.
package mmu

import (
	"fmt"
	"strings"
	"sync"

	"mmu-host/pkg/config"
	"mmu-host/pkg/endstop"
	"mmu-host/pkg/errors"
	"mmu-host/pkg/log"
	"mmu-host/pkg/motion"
)

// HomingInfo carries a rail's homing configuration.
type HomingInfo struct {
	PositionEndstop   float64
	PositionMin       float64
	PositionMax       float64
	PositiveDir       bool
	Speed             float64
	SecondHomingSpeed float64
	RetractDist       float64
	RetractSpeed      float64
}

// NamedEndstop pairs an endstop with its sensor name. The Endstop is
// nil for the placeholder installed on rails configured without one;
// such rails are structurally valid but cannot home.
type NamedEndstop struct {
	Endstop *endstop.Endstop
	Name    string
}

// Rail owns the steppers and endstops of one mechanical axis. Every
// physical endstop on the rail is attached to every stepper, so any
// endstop can halt motion from any stepper.
type Rail struct {
	logger   *log.Logger
	name     string
	registry *endstop.Registry

	// stepMu guards the stepper list: the sync protocol injects and
	// ejects the extruder stepper while diagnostic readers iterate.
	stepMu          sync.Mutex
	steppers        []*motion.Stepper
	defaultEndstops []NamedEndstop
	extraEndstops   []NamedEndstop
	virtualNames    map[string]bool

	homing  HomingInfo
	canHome bool
}

// NewRail builds a rail from its primary stepper section. When
// needPositionMinMax is set the section must carry position_min and
// position_max; otherwise the travel range defaults to zero width.
func NewRail(sec *config.Section, needPositionMinMax bool, defaultPositionEndstop float64, registry *endstop.Registry, logger *log.Logger) (*Rail, error) {
	if logger == nil {
		logger = log.Nop()
	}
	r := &Rail{
		logger:       logger,
		name:         sec.Name(),
		registry:     registry,
		virtualNames: make(map[string]bool),
	}
	s, err := newStepperFromSection(sec)
	if err != nil {
		return nil, err
	}
	r.steppers = append(r.steppers, s)

	hi := &r.homing
	hi.PositionEndstop, err = sec.GetFloat("position_endstop", defaultPositionEndstop)
	if err != nil {
		return nil, err
	}
	if needPositionMinMax {
		if hi.PositionMin, err = sec.GetFloat("position_min", 0.0); err != nil {
			return nil, err
		}
		if hi.PositionMax, err = sec.GetFloat("position_max"); err != nil {
			return nil, err
		}
		if hi.PositionMax <= hi.PositionMin {
			return nil, errors.ConfigError(sec.Name(),
				fmt.Sprintf("position_max %.3f must be above position_min %.3f", hi.PositionMax, hi.PositionMin))
		}
	}
	if hi.Speed, err = sec.GetFloatWithBounds("homing_speed", config.Above(0.0), 5.0); err != nil {
		return nil, err
	}
	if hi.SecondHomingSpeed, err = sec.GetFloatWithBounds("second_homing_speed", config.Above(0.0), hi.Speed/2.0); err != nil {
		return nil, err
	}
	if hi.RetractDist, err = sec.GetFloatWithBounds("homing_retract_dist", config.Min(0.0), 5.0); err != nil {
		return nil, err
	}
	if hi.RetractSpeed, err = sec.GetFloatWithBounds("homing_retract_speed", config.Above(0.0), hi.Speed); err != nil {
		return nil, err
	}
	// Infer the approach direction from where the endstop sits in the
	// travel range; an explicit option overrides.
	inferredDir := hi.PositionEndstop-hi.PositionMin > hi.PositionMax-hi.PositionEndstop
	if hi.PositiveDir, err = sec.GetBool("homing_positive_dir", inferredDir); err != nil {
		return nil, err
	}

	endstopPin, err := sec.Get("endstop_pin", "")
	if err != nil {
		return nil, err
	}
	if endstopPin != "" {
		endstopName, err := sec.Get("endstop_name", r.name)
		if err != nil {
			return nil, err
		}
		es := endstop.New(endstop.Config{Name: endstopName, Pin: endstopPin})
		es.AddStepper(s)
		r.defaultEndstops = append(r.defaultEndstops, NamedEndstop{Endstop: es, Name: endstopName})
		if endstop.IsVirtualPin(endstopPin) {
			r.virtualNames[endstopName] = true
		} else if registry != nil {
			registry.Register(endstopName, es)
		}
		r.canHome = true
	} else {
		// Placeholder so the rail is structurally valid. It cannot home
		// until a real endstop is configured.
		r.defaultEndstops = append(r.defaultEndstops, NamedEndstop{Name: "mock"})
	}

	if err := r.addExtraEndstopsFromConfig(sec); err != nil {
		return nil, err
	}
	return r, nil
}

func newStepperFromSection(sec *config.Section) (*motion.Stepper, error) {
	rotationDist, err := sec.GetFloatWithBounds("rotation_distance", config.Above(0.0))
	if err != nil {
		return nil, err
	}
	fullSteps, err := sec.GetInt("full_steps_per_rotation", 200)
	if err != nil {
		return nil, err
	}
	microsteps, err := sec.GetInt("microsteps", 16)
	if err != nil {
		return nil, err
	}
	if fullSteps <= 0 || microsteps <= 0 {
		return nil, errors.ConfigError(sec.Name(), "full_steps_per_rotation and microsteps must be positive")
	}
	return motion.NewStepper(sec.Name(), rotationDist, fullSteps*microsteps), nil
}

func (r *Rail) addExtraEndstopsFromConfig(sec *config.Section) error {
	pins, err := sec.GetList("extra_endstop_pins", nil)
	if err != nil {
		return err
	}
	names, err := sec.GetList("extra_endstop_names", nil)
	if err != nil {
		return err
	}
	if len(pins) == 0 {
		return nil
	}
	if len(pins) != len(names) {
		return errors.ConfigError(sec.Name(),
			"extra_endstop_pins and extra_endstop_names are different lengths")
	}
	for i, pin := range pins {
		if _, err := r.AddExtraEndstop(pin, names[i]); err != nil {
			return err
		}
	}
	return nil
}

// Name returns the rail (and primary stepper) name.
func (r *Rail) Name() string { return r.name }

// CanHome reports whether the rail has a real default endstop.
func (r *Rail) CanHome() bool { return r.canHome }

// HomingInfo returns the rail's homing configuration.
func (r *Rail) HomingInfo() HomingInfo { return r.homing }

// Range returns the configured travel bounds.
func (r *Rail) Range() (float64, float64) {
	return r.homing.PositionMin, r.homing.PositionMax
}

// AddStepper binds an additional stepper from a numbered config
// section and attaches it to every endstop already on the rail. The
// section may carry its own endstop_pin and extra_endstop_pins /
// extra_endstop_names options, which are processed the same way as on
// the primary section.
func (r *Rail) AddStepper(sec *config.Section) error {
	s, err := newStepperFromSection(sec)
	if err != nil {
		return err
	}
	r.stepMu.Lock()
	r.steppers = append(r.steppers, s)
	r.stepMu.Unlock()
	for _, ne := range r.defaultEndstops {
		if ne.Endstop != nil {
			ne.Endstop.AddStepper(s)
		}
	}
	for _, ne := range r.extraEndstops {
		if ne.Endstop != nil {
			ne.Endstop.AddStepper(s)
		}
	}

	endstopPin, err := sec.Get("endstop_pin", "")
	if err != nil {
		return err
	}
	if endstopPin != "" {
		endstopName, err := sec.Get("endstop_name", sec.Name())
		if err != nil {
			return err
		}
		es := endstop.New(endstop.Config{Name: endstopName, Pin: endstopPin})
		es.AddStepper(s)
		ne := NamedEndstop{Endstop: es, Name: endstopName}
		if len(r.defaultEndstops) == 1 && r.defaultEndstops[0].Endstop == nil {
			// A real endstop displaces the placeholder; the rail
			// becomes homable.
			r.defaultEndstops[0] = ne
		} else {
			r.defaultEndstops = append(r.defaultEndstops, ne)
		}
		if endstop.IsVirtualPin(endstopPin) {
			r.virtualNames[endstopName] = true
		} else if r.registry != nil {
			r.registry.Register(endstopName, es)
		}
		r.canHome = true
	}
	return r.addExtraEndstopsFromConfig(sec)
}

// InjectStepper temporarily appends a foreign stepper to the rail.
// Used by the extruder-to-gear sync hand-off.
func (r *Rail) InjectStepper(s *motion.Stepper) {
	r.stepMu.Lock()
	r.steppers = append(r.steppers, s)
	r.stepMu.Unlock()
}

// EjectStepper removes the most recently injected stepper.
func (r *Rail) EjectStepper() {
	r.stepMu.Lock()
	if len(r.steppers) > 1 {
		r.steppers = r.steppers[:len(r.steppers)-1]
	}
	r.stepMu.Unlock()
}

// Steppers returns the rail's steppers in binding order.
func (r *Rail) Steppers() []*motion.Stepper {
	r.stepMu.Lock()
	defer r.stepMu.Unlock()
	return append([]*motion.Stepper{}, r.steppers...)
}

// Endstops returns the default endstop set.
func (r *Rail) Endstops() []NamedEndstop {
	return append([]NamedEndstop{}, r.defaultEndstops...)
}

// AddExtraEndstop creates and attaches an additional named endstop.
// Virtual pins are recorded by name and never registered with the
// endstop query registry.
func (r *Rail) AddExtraEndstop(pin, name string) (*endstop.Endstop, error) {
	if pin == "" || name == "" {
		return nil, errors.ConfigError(r.name, "extra endstop requires both pin and name")
	}
	es := endstop.New(endstop.Config{Name: name, Pin: pin})
	for _, s := range r.Steppers() {
		es.AddStepper(s)
	}
	r.extraEndstops = append(r.extraEndstops, NamedEndstop{Endstop: es, Name: name})
	if endstop.IsVirtualPin(pin) {
		r.virtualNames[name] = true
	} else if r.registry != nil {
		r.registry.Register(name, es)
	}
	return es, nil
}

// ExtraEndstopNames returns the names of the extra endstops in the
// order they were added.
func (r *Rail) ExtraEndstopNames() []string {
	names := make([]string, 0, len(r.extraEndstops))
	for _, ne := range r.extraEndstops {
		names = append(names, ne.Name)
	}
	return names
}

// GetExtraEndstop returns the extra endstops registered under name.
func (r *Rail) GetExtraEndstop(name string) []NamedEndstop {
	var matches []NamedEndstop
	for _, ne := range r.extraEndstops {
		if ne.Name == name {
			matches = append(matches, ne)
		}
	}
	return matches
}

// IsEndstopVirtual reports whether the named endstop has no physical
// sensor.
func (r *Rail) IsEndstopVirtual(name string) bool {
	return name != "" && r.virtualNames[name]
}

// SetTrapQ rebinds every rail stepper to the given trapezoidal queue.
func (r *Rail) SetTrapQ(tq *motion.TrapQ) {
	for _, s := range r.Steppers() {
		s.SetTrapQ(tq)
	}
}

// SetStepperKinematics rebinds every rail stepper's kinematic
// function.
func (r *Rail) SetStepperKinematics(kin motion.KinFunc) {
	for _, s := range r.Steppers() {
		s.SetKinematics(kin)
	}
}

// SetPosition forces the commanded position of every rail stepper.
func (r *Rail) SetPosition(pos [3]float64) {
	for _, s := range r.Steppers() {
		s.SetPosition(pos)
	}
}

// GetCommandedPosition returns the primary stepper's commanded
// position.
func (r *Rail) GetCommandedPosition() float64 {
	steppers := r.Steppers()
	if len(steppers) == 0 {
		return 0.0
	}
	return steppers[0].CommandedPosition()
}

// Dump renders the full rail state for diagnostics.
func (r *Rail) Dump() string {
	var b strings.Builder
	steppers := r.Steppers()
	fmt.Fprintf(&b, "Rail: %s\n", r.name)
	fmt.Fprintf(&b, "- Num steppers: %d\n", len(steppers))
	fmt.Fprintf(&b, "- Num default endstops: %d\n", len(r.defaultEndstops))
	fmt.Fprintf(&b, "- Num extra endstops: %d\n", len(r.extraEndstops))
	b.WriteString("Steppers:\n")
	for idx, s := range steppers {
		fmt.Fprintf(&b, "- Stepper %d: %s\n", idx, s.Name())
		fmt.Fprintf(&b, "- - Commanded Position: %.2f\n", s.CommandedPosition())
		fmt.Fprintf(&b, "- - MCU Position: %d\n", s.MCUPosition())
		rd, steps := s.RotationDistance()
		fmt.Fprintf(&b, "- - Rotation Distance: %.6f (in %d steps)\n", rd, steps)
	}
	b.WriteString("Endstops:\n")
	r.dumpEndstops(&b, r.defaultEndstops)
	b.WriteString("Extra Endstops:\n")
	r.dumpEndstops(&b, r.extraEndstops)
	return b.String()
}

func (r *Rail) dumpEndstops(b *strings.Builder, set []NamedEndstop) {
	for _, ne := range set {
		if ne.Endstop == nil {
			b.WriteString("- None (Mock - cannot home rail)\n")
			continue
		}
		fmt.Fprintf(b, "- '%s', pin: '%s'", ne.Name, ne.Endstop.Pin())
		if r.IsEndstopVirtual(ne.Name) {
			b.WriteString(" (virtual)\n")
		} else {
			b.WriteString("\n")
		}
		names := make([]string, 0)
		for idx, s := range ne.Endstop.Steppers() {
			names = append(names, fmt.Sprintf("%d: %s", idx, s.Name()))
		}
		fmt.Fprintf(b, "- - Registered on steppers: %v\n", names)
	}
}
