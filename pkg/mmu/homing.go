package mmu

import (
	"math"
	"strings"

	"mmu-host/pkg/endstop"
	"mmu-host/pkg/errors"
	"mmu-host/pkg/log"
	"mmu-host/pkg/motion"
)

// Homing drives the two-phase homing sequence (approach, optional
// retract and re-approach) against a rail's endstop set using the
// toolhead's drip-fed moves.
type Homing struct {
	logger   *log.Logger
	toolhead *Toolhead
}

// NewHoming creates a homing controller for the toolhead.
func NewHoming(th *Toolhead, logger *log.Logger) *Homing {
	if logger == nil {
		logger = log.Nop()
	}
	return &Homing{logger: logger, toolhead: th}
}

// HomeAxes homes the given axes through the kinematics. The session
// state of the last invocation is returned.
func (h *Homing) HomeAxes(axes ...int) (*HomingState, error) {
	hs := &HomingState{
		homing:        h,
		axes:          axes,
		triggerMCUPos: make(map[string]int64),
		adjustPos:     make(map[string]float64),
	}
	if err := h.toolhead.Kinematics().Home(hs); err != nil {
		return hs, err
	}
	return hs, nil
}

// HomingState is the transient per-invocation homing session.
type HomingState struct {
	homing        *Homing
	axes          []int
	triggerMCUPos map[string]int64
	adjustPos     map[string]float64
}

// Axes returns the axes requested for this session.
func (hs *HomingState) Axes() []int { return hs.axes }

// TriggerMCUPos returns the per-stepper MCU positions recorded at the
// endstop trigger, populated once homing completes.
func (hs *HomingState) TriggerMCUPos() map[string]int64 { return hs.triggerMCUPos }

// SetAdjustment records a post-home position correction for a stepper.
// Nonzero corrections are committed when the rails finish homing.
func (hs *HomingState) SetAdjustment(stepperName string, delta float64) {
	hs.adjustPos[stepperName] = delta
}

// fillCoord replaces NaN slots in coord with the current toolhead
// position.
func (hs *HomingState) fillCoord(coord []float64) []float64 {
	thpos := hs.homing.toolhead.GetPosition()
	for i := 0; i < len(coord) && i < len(thpos); i++ {
		if !math.IsNaN(coord[i]) {
			thpos[i] = coord[i]
		}
	}
	return thpos
}

// HomeRails homes the given rails: forces the believed position to
// forcepos, drip-moves toward homepos until the endstops trigger, then
// runs the retract and re-approach pass when configured.
func (hs *HomingState) HomeRails(rails []*Rail, forcepos, homepos []float64) error {
	th := hs.homing.toolhead
	logger := hs.homing.logger

	homingAxes := make([]int, 0, 3)
	for axis := 0; axis < 3 && axis < len(forcepos); axis++ {
		if !math.IsNaN(forcepos[axis]) {
			homingAxes = append(homingAxes, axis)
		}
	}
	startpos := hs.fillCoord(forcepos)
	movepos := hs.fillCoord(homepos)
	if err := th.SetPosition(startpos, homingAxes...); err != nil {
		return err
	}

	var endstops []NamedEndstop
	for _, rail := range rails {
		for _, ne := range rail.Endstops() {
			if ne.Endstop != nil {
				endstops = append(endstops, ne)
			}
		}
	}
	if len(endstops) == 0 {
		return errors.RuntimeError("rail " + rails[0].Name() + " has no endstop and cannot be homed")
	}
	hi := rails[0].HomingInfo()

	logger.Infof("homing %s: approach to %.3f at %.1f mm/s", rails[0].Name(),
		hi.PositionEndstop, hi.Speed)
	hm := newHomingMove(th, endstops)
	if err := hm.Move(movepos, hi.Speed); err != nil {
		return err
	}

	if hi.RetractDist != 0.0 {
		startpos = hs.fillCoord(forcepos)
		movepos = hs.fillCoord(homepos)
		axesD := make([]float64, len(movepos))
		for i := range movepos {
			axesD[i] = movepos[i] - startpos[i]
		}
		moveD := math.Sqrt(axesD[0]*axesD[0] + axesD[1]*axesD[1] + axesD[2]*axesD[2])
		// Cap the retract so it can never overshoot back past the
		// approach start.
		retractR := math.Min(1.0, hi.RetractDist/moveD)
		retractpos := make([]float64, len(movepos))
		for i := range movepos {
			retractpos[i] = movepos[i] - axesD[i]*retractR
		}
		logger.Debugf("homing %s: retract %.3f at %.1f mm/s", rails[0].Name(),
			hi.RetractDist, hi.RetractSpeed)
		if err := th.Move(retractpos, hi.RetractSpeed); err != nil {
			return err
		}
		secondStart := make([]float64, len(retractpos))
		for i := range retractpos {
			secondStart[i] = retractpos[i] - axesD[i]*retractR
		}
		if err := th.SetPosition(secondStart); err != nil {
			return err
		}
		logger.Debugf("homing %s: second approach at %.1f mm/s", rails[0].Name(),
			hi.SecondHomingSpeed)
		hm = newHomingMove(th, endstops)
		if err := hm.Move(movepos, hi.SecondHomingSpeed); err != nil {
			return err
		}
		if name := hm.CheckNoMovement(); name != "" {
			return errors.StillTriggered(name)
		}
	}

	if err := th.FlushStepGeneration(); err != nil {
		return err
	}
	for _, sp := range hm.stepperPositions {
		hs.triggerMCUPos[sp.stepper.Name()] = sp.trigPos
	}

	anyAdjust := false
	for _, v := range hs.adjustPos {
		if v != 0.0 {
			anyAdjust = true
			break
		}
	}
	if anyAdjust {
		kin := th.Kinematics()
		finalpos := th.GetPosition()
		kinSpos := make(map[string]float64)
		for _, s := range kin.Steppers() {
			kinSpos[s.Name()] = s.CommandedPosition() + hs.adjustPos[s.Name()]
		}
		newpos := kin.CalcPosition(kinSpos)
		for _, axis := range homingAxes {
			if axis < len(newpos) {
				finalpos[axis] = newpos[axis]
			}
		}
		if err := th.SetPosition(finalpos); err != nil {
			return err
		}
	}
	logger.Infof("homing %s: complete", rails[0].Name())
	return nil
}

// stepperPosition records one stepper's MCU position at the start and
// at the endstop trigger of a homing move.
type stepperPosition struct {
	stepper     *motion.Stepper
	endstopName string
	startPos    int64
	trigPos     int64
}

// homingMove drives one drip-fed move that halts when any of the
// watched endstops triggers.
type homingMove struct {
	toolhead         *Toolhead
	endstops         []NamedEndstop
	stepperPositions []stepperPosition
	queryErr         error
}

func newHomingMove(th *Toolhead, endstops []NamedEndstop) *homingMove {
	return &homingMove{toolhead: th, endstops: endstops}
}

// Move drip-feeds toward movepos, polling the endstops between drip
// segments. It fails with a no-trigger error when the full travel
// completes without any endstop firing.
func (hm *homingMove) Move(movepos []float64, speed float64) error {
	th := hm.toolhead
	if err := th.FlushStepGeneration(); err != nil {
		return err
	}

	hm.stepperPositions = hm.stepperPositions[:0]
	for _, ne := range hm.endstops {
		for _, s := range ne.Endstop.Steppers() {
			st, ok := s.(*motion.Stepper)
			if !ok {
				continue
			}
			hm.stepperPositions = append(hm.stepperPositions, stepperPosition{
				stepper:     st,
				endstopName: ne.Name,
				startPos:    st.MCUPosition(),
			})
		}
		ne.Endstop.StartHoming()
	}
	defer func() {
		for _, ne := range hm.endstops {
			ne.Endstop.StopHoming()
		}
	}()

	hm.queryErr = nil
	poll := func(flushTime float64) bool {
		for _, ne := range hm.endstops {
			st, err := ne.Endstop.Query()
			if err != nil {
				hm.queryErr = err
				return true
			}
			if st == endstop.StateTriggered {
				return true
			}
		}
		return false
	}

	halted, err := th.Queue.DripMove(movepos, speed, poll)
	for i := range hm.stepperPositions {
		hm.stepperPositions[i].trigPos = hm.stepperPositions[i].stepper.MCUPosition()
	}
	if err != nil {
		return err
	}
	if hm.queryErr != nil {
		return hm.queryErr
	}
	if !halted {
		names := make([]string, 0, len(hm.endstops))
		for _, ne := range hm.endstops {
			names = append(names, ne.Name)
		}
		return errors.NoTrigger(strings.Join(names, ","))
	}
	return nil
}

// CheckNoMovement returns the name of an endstop whose steppers did
// not move during the homing move, or "" when all moved.
func (hm *homingMove) CheckNoMovement() string {
	for _, sp := range hm.stepperPositions {
		if sp.startPos == sp.trigPos {
			return sp.endstopName
		}
	}
	return ""
}
