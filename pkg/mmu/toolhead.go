package mmu

import (
	"math"
	"sync"

	"mmu-host/pkg/config"
	"mmu-host/pkg/endstop"
	"mmu-host/pkg/errors"
	"mmu-host/pkg/log"
	"mmu-host/pkg/motion"
)

// Extruder is one extruder on the peer printer toolhead. It owns its
// own trapezoidal queue; the extruder stepper reads from it except
// while pulled into the MMU queue by a sync operation.
type Extruder struct {
	name         string
	stepper      *motion.Stepper
	trapq        *motion.TrapQ
	lastPosition float64
}

// Name returns the extruder name.
func (e *Extruder) Name() string { return e.name }

// Stepper returns the extruder's stepper.
func (e *Extruder) Stepper() *motion.Stepper { return e.stepper }

// TrapQ returns the extruder's trapezoidal queue.
func (e *Extruder) TrapQ() *motion.TrapQ { return e.trapq }

// LastPosition returns the extruder's last commanded filament
// position.
func (e *Extruder) LastPosition() float64 { return e.lastPosition }

// SetLastPosition records the extruder's commanded filament position.
func (e *Extruder) SetLastPosition(pos float64) { e.lastPosition = pos }

// PrinterToolhead is the peer motion controller: the printer's own
// toolhead, reduced to the contract the sync protocol needs. It embeds
// the same generic motion queue the MMU toolhead uses.
type PrinterToolhead struct {
	*motion.Queue
	extruders map[string]*Extruder
	order     []string
}

// NewPrinterToolhead creates the peer controller.
func NewPrinterToolhead(logger *log.Logger, maxVelocity, maxAccel float64) *PrinterToolhead {
	return &PrinterToolhead{
		Queue:     motion.NewQueue(logger, maxVelocity, maxAccel, 4),
		extruders: make(map[string]*Extruder),
	}
}

// AddExtruder registers an extruder stepper with the printer toolhead
// and binds it to a fresh extruder trapezoidal queue.
func (pt *PrinterToolhead) AddExtruder(name string, stepper *motion.Stepper) *Extruder {
	e := &Extruder{
		name:    name,
		stepper: stepper,
		trapq:   motion.NewTrapQ(),
	}
	stepper.SetKinematics(motion.ExtruderKin())
	stepper.SetTrapQ(e.trapq)
	pt.RegisterStepGenerator(stepper)
	pt.extruders[name] = e
	pt.order = append(pt.order, name)
	return e
}

// LookupExtruder resolves an extruder by name.
func (pt *PrinterToolhead) LookupExtruder(name string) (*Extruder, error) {
	e, ok := pt.extruders[name]
	if !ok {
		return nil, errors.InvalidSyncTarget(name)
	}
	return e, nil
}

// ExtruderNames returns the registered extruders in creation order.
func (pt *PrinterToolhead) ExtruderNames() []string {
	return append([]string{}, pt.order...)
}

// Toolhead is the MMU motion controller. It embeds a generic motion
// queue, owns the two-axis kinematics and implements the bidirectional
// gear/extruder sync protocol.
type Toolhead struct {
	*motion.Queue

	logger   *log.Logger
	kin      *Kinematics
	registry *endstop.Registry
	printer  *PrinterToolhead

	gearMaxVelocity     float64
	gearMaxAccel        float64
	selectorMaxVelocity float64
	selectorMaxAccel    float64

	skDefault  motion.KinFunc
	skExtruder motion.KinFunc

	// Sync state, guarded by syncMu for status readers. At most one
	// of these is non-empty; all writes happen on the motion timeline.
	syncMu               sync.Mutex
	gearMotionQueue      string
	extruderSyncedToGear string

	// Saved extruder stepper bindings for the unsync path.
	prevSK    motion.KinFunc
	prevTrapQ *motion.TrapQ
}

// NewToolhead builds the MMU toolhead from the [mmu_toolhead] config
// section, constructing its kinematics and binding all rail steppers
// to its queue. The printer toolhead is the sync peer.
func NewToolhead(cfg *config.Config, printer *PrinterToolhead, registry *endstop.Registry, logger *log.Logger) (*Toolhead, error) {
	if logger == nil {
		logger = log.Nop()
	}
	th := &Toolhead{
		logger:     logger,
		registry:   registry,
		printer:    printer,
		skDefault:  motion.CartesianKin(1),
		skExtruder: motion.ExtruderKin(),
	}

	sec := cfg.GetSectionOptional("mmu_toolhead")
	var err error
	getBounds := func(option string, bounds config.FloatBounds, fallback float64) float64 {
		if sec == nil || err != nil {
			return fallback
		}
		var v float64
		v, err = sec.GetFloatWithBounds(option, bounds, fallback)
		return v
	}
	get := func(option string, fallback float64) float64 {
		return getBounds(option, config.Above(0.0), fallback)
	}
	th.gearMaxVelocity = get("gear_max_velocity", 300.0)
	th.gearMaxAccel = get("gear_max_accel", 500.0)
	th.selectorMaxVelocity = get("selector_max_velocity", 250.0)
	th.selectorMaxAccel = get("selector_max_accel", 1500.0)
	squareCornerV := getBounds("square_corner_velocity", config.Min(0.0), 5.0)
	bufferTimeLow := get("buffer_time_low", 1.0)
	bufferTimeHigh := getBounds("buffer_time_high", config.Above(bufferTimeLow), 2.0)
	bufferTimeStart := get("buffer_time_start", 0.250)
	moveFlushTime := get("move_flush_time", 0.050)
	if err != nil {
		return nil, err
	}

	maxVelocity := math.Max(th.selectorMaxVelocity, th.gearMaxVelocity)
	maxAccel := math.Max(th.selectorMaxAccel, th.gearMaxAccel)
	th.Queue = motion.NewQueue(logger.Child("queue"), maxVelocity, maxAccel, 4)
	th.Queue.SetSquareCornerVelocity(squareCornerV)
	th.Queue.SetBufferTimes(bufferTimeLow, bufferTimeHigh, bufferTimeStart, moveFlushTime)

	th.kin, err = NewKinematics(cfg, th.Queue, th, registry, logger.Child("kinematics"))
	if err != nil {
		return nil, err
	}
	th.Queue.SetMoveChecker(th.kin.CheckMove)
	return th, nil
}

// Kinematics returns the toolhead's kinematics.
func (th *Toolhead) Kinematics() *Kinematics { return th.kin }

// PrinterToolhead returns the sync peer.
func (th *Toolhead) PrinterToolhead() *PrinterToolhead { return th.printer }

// SelectorLimits returns the selector velocity and accel ceilings.
func (th *Toolhead) SelectorLimits() (float64, float64) {
	return th.selectorMaxVelocity, th.selectorMaxAccel
}

// GearLimits returns the gear velocity and accel ceilings.
func (th *Toolhead) GearLimits() (float64, float64) {
	return th.gearMaxVelocity, th.gearMaxAccel
}

// GetPosition returns the commanded 4-slot position.
func (th *Toolhead) GetPosition() []float64 {
	return th.Queue.CommandedPosition()
}

// SetPosition forces the toolhead position, padding short vectors with
// trailing zeros. Axes in homingAxes transition to homed.
func (th *Toolhead) SetPosition(newpos []float64, homingAxes ...int) error {
	for len(newpos) < 4 {
		newpos = append(newpos, 0.0)
	}
	if err := th.Queue.SetPosition(newpos); err != nil {
		return err
	}
	th.kin.SetPosition(newpos, homingAxes)
	return nil
}

// IsGearSyncedToExtruder reports whether the gear rail is driven by an
// extruder's motion queue.
func (th *Toolhead) IsGearSyncedToExtruder() bool {
	th.syncMu.Lock()
	defer th.syncMu.Unlock()
	return th.gearMotionQueue != ""
}

// IsExtruderSyncedToGear reports whether an extruder stepper has been
// pulled into the MMU queue.
func (th *Toolhead) IsExtruderSyncedToGear() bool {
	th.syncMu.Lock()
	defer th.syncMu.Unlock()
	return th.extruderSyncedToGear != ""
}

func (th *Toolhead) setGearMotionQueue(name string) {
	th.syncMu.Lock()
	th.gearMotionQueue = name
	th.syncMu.Unlock()
}

func (th *Toolhead) setExtruderSyncedToGear(name string) {
	th.syncMu.Lock()
	th.extruderSyncedToGear = name
	th.syncMu.Unlock()
}

// IsSynced reports whether either sync direction is active.
func (th *Toolhead) IsSynced() bool {
	return th.IsGearSyncedToExtruder() || th.IsExtruderSyncedToGear()
}

// SyncGearToExtruder hands the gear rail's steppers to the named
// extruder's motion queue, or restores them when extruderName is
// empty. Engaging while the opposite sync is active first reverses it.
func (th *Toolhead) SyncGearToExtruder(extruderName string) error {
	if th.extruderSyncedToGear != "" {
		if err := th.SyncExtruderToGear(""); err != nil {
			return err
		}
	}
	gearRail := th.kin.GearRail()

	if extruderName != "" {
		if th.gearMotionQueue != "" {
			return nil
		}
		// Validate the target before any flush or rebinding.
		ex, err := th.printer.LookupExtruder(extruderName)
		if err != nil {
			return err
		}
		if err := th.flushBoth(); err != nil {
			return err
		}

		gearRail.SetStepperKinematics(th.skExtruder)
		gearRail.SetTrapQ(ex.TrapQ())
		gearRail.SetPosition([3]float64{ex.LastPosition(), 0.0, 0.0})
		for _, s := range gearRail.Steppers() {
			th.Queue.UnregisterStepGenerator(s)
			th.printer.RegisterStepGenerator(s)
		}
		th.setGearMotionQueue(extruderName)
		th.logger.Infof("gear rail synced to extruder '%s' at position %.3f",
			extruderName, ex.LastPosition())
	} else {
		if th.gearMotionQueue == "" {
			return nil
		}
		if err := th.flushBoth(); err != nil {
			return err
		}
		gearRail.SetStepperKinematics(th.skDefault)
		gearRail.SetTrapQ(th.Queue.TrapQ())
		gearRail.SetPosition([3]float64{0.0, 0.0, 0.0})
		for _, s := range gearRail.Steppers() {
			th.printer.UnregisterStepGenerator(s)
			th.Queue.RegisterStepGenerator(s)
		}
		th.logger.Infof("gear rail unsynced from extruder '%s'", th.gearMotionQueue)
		th.setGearMotionQueue("")
	}
	return nil
}

// SyncExtruderToGear pulls the named extruder's stepper into the gear
// rail and the MMU queue, or restores it when extruderName is empty.
// Engaging while the opposite sync is active first reverses it.
func (th *Toolhead) SyncExtruderToGear(extruderName string) error {
	if th.gearMotionQueue != "" {
		if err := th.SyncGearToExtruder(""); err != nil {
			return err
		}
	}
	gearRail := th.kin.GearRail()

	if extruderName != "" {
		if th.extruderSyncedToGear != "" {
			return nil
		}
		ex, err := th.printer.LookupExtruder(extruderName)
		if err != nil {
			return err
		}
		if err := th.flushBoth(); err != nil {
			return err
		}
		es := ex.Stepper()

		gearRail.InjectStepper(es)
		th.prevSK = es.SetKinematics(th.skDefault)
		th.prevTrapQ = es.SetTrapQ(th.Queue.TrapQ())
		es.SetPosition([3]float64{0.0, gearRail.GetCommandedPosition(), 0.0})
		th.printer.UnregisterStepGenerator(es)
		th.Queue.RegisterStepGenerator(es)
		th.setExtruderSyncedToGear(extruderName)
		th.logger.Infof("extruder '%s' stepper synced to gear rail at position %.3f",
			extruderName, gearRail.GetCommandedPosition())
	} else {
		if th.extruderSyncedToGear == "" {
			return nil
		}
		ex, err := th.printer.LookupExtruder(th.extruderSyncedToGear)
		if err != nil {
			return err
		}
		if err := th.flushBoth(); err != nil {
			return err
		}
		es := ex.Stepper()

		gearRail.EjectStepper()
		es.SetTrapQ(th.prevTrapQ)
		es.SetKinematics(th.prevSK)
		es.SetPosition([3]float64{0.0, 0.0, 0.0})
		th.Queue.UnregisterStepGenerator(es)
		th.printer.RegisterStepGenerator(es)
		th.logger.Infof("extruder '%s' stepper unsynced from gear rail", th.extruderSyncedToGear)
		th.setExtruderSyncedToGear("")
		th.prevSK = nil
		th.prevTrapQ = nil
	}
	return nil
}

// flushBoth drains pending step generation on both controllers so no
// in-flight motion references a stale binding.
func (th *Toolhead) flushBoth() error {
	if err := th.printer.FlushStepGeneration(); err != nil {
		return err
	}
	return th.Queue.FlushStepGeneration()
}

// MotorOff flushes motion and clears all homed state.
func (th *Toolhead) MotorOff() error {
	if err := th.Queue.FlushStepGeneration(); err != nil {
		return err
	}
	th.kin.MotorOff()
	th.logger.Info("motors off")
	return nil
}

// GetStatus reports the toolhead status snapshot.
func (th *Toolhead) GetStatus() map[string]interface{} {
	pos := th.GetPosition()
	res := map[string]interface{}{
		"print_time":              th.PrintTime(),
		"position":                pos,
		"filament_pos":            pos[1],
		"gear_synced_to_extruder": th.IsGearSyncedToExtruder(),
		"extruder_synced_to_gear": th.IsExtruderSyncedToGear(),
	}
	for k, v := range th.kin.Status() {
		res[k] = v
	}
	return res
}
