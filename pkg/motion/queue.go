package motion

import (
	"math"
	"sync"

	"mmu-host/pkg/errors"
	"mmu-host/pkg/log"
)

const needPrimeState = "NeedPrime"

// MoveChecker validates a planned move before it is queued. It may call
// LimitSpeed on the move to cap its velocity and acceleration.
type MoveChecker func(mv *Move) error

// DripPoll is consulted between drip segments during a homing move. It
// receives the print time flushed so far and returns true to halt the
// move.
type DripPoll func(flushTime float64) bool

// Queue plans and flushes motion for one motion system. It owns the
// commanded position, the lookahead planner, a trapezoidal queue, and
// the set of step generators sampling that queue.
type Queue struct {
	logger *log.Logger

	maxVelocity       float64
	maxAccel          float64
	minCruiseRatio    float64
	squareCornerV     float64
	junctionDeviation float64
	mcrPseudoAccel    float64

	bufferTimeLow   float64
	bufferTimeHigh  float64
	bufferTimeStart float64
	moveFlushTime   float64

	kinFlushDelay float64

	printTime    float64
	specialState string
	err          error

	// posMu guards printTime and commandedPos for status readers
	// polling concurrently with the motion timeline.
	posMu        sync.Mutex
	commandedPos []float64

	lookahead  *lookaheadQueue
	trapq      *TrapQ
	generators []*Stepper
	checkMove  MoveChecker

	lastFlushTime float64
}

// NewQueue creates a motion queue with numAxes position slots. The
// first three slots are kinematic axes.
func NewQueue(logger *log.Logger, maxVelocity, maxAccel float64, numAxes int) *Queue {
	if logger == nil {
		logger = log.Nop()
	}
	q := &Queue{
		logger:          logger,
		maxVelocity:     maxVelocity,
		maxAccel:        maxAccel,
		minCruiseRatio:  0.5,
		squareCornerV:   5.0,
		bufferTimeLow:   1.0,
		bufferTimeHigh:  2.0,
		bufferTimeStart: 0.250,
		moveFlushTime:   0.050,
		kinFlushDelay:   sdsCheckTimeSec,
		specialState:    needPrimeState,
		commandedPos:    make([]float64, numAxes),
		lookahead:       &lookaheadQueue{junctionFlush: lookaheadFlushSec},
		trapq:           NewTrapQ(),
	}
	q.calcJunctionDeviation()
	q.lookahead.setFlushTime(q.bufferTimeHigh)
	return q
}

func (q *Queue) calcJunctionDeviation() {
	scv2 := q.squareCornerV * q.squareCornerV
	q.junctionDeviation = scv2 * (math.Sqrt(2.0) - 1.0) / q.maxAccel
	q.mcrPseudoAccel = q.maxAccel * (1.0 - q.minCruiseRatio)
}

// SetVelocityLimits updates the queue's velocity and acceleration caps.
func (q *Queue) SetVelocityLimits(maxVelocity, maxAccel float64) {
	if maxVelocity > 0 {
		q.maxVelocity = maxVelocity
	}
	if maxAccel > 0 {
		q.maxAccel = maxAccel
	}
	q.calcJunctionDeviation()
}

// SetSquareCornerVelocity updates the cornering velocity used for
// junction deviation.
func (q *Queue) SetSquareCornerVelocity(scv float64) {
	if scv >= 0 {
		q.squareCornerV = scv
	}
	q.calcJunctionDeviation()
}

// SetBufferTimes updates the print time buffering parameters: the flush
// watermarks, the initial scheduling offset and the step history
// retention margin. Callers validate high > low.
func (q *Queue) SetBufferTimes(low, high, start, moveFlush float64) {
	q.bufferTimeLow = low
	q.bufferTimeHigh = high
	q.bufferTimeStart = start
	q.moveFlushTime = moveFlush
	q.lookahead.setFlushTime(q.bufferTimeHigh)
}

// BufferTimes returns the buffering parameters set by SetBufferTimes.
func (q *Queue) BufferTimes() (low, high, start, moveFlush float64) {
	return q.bufferTimeLow, q.bufferTimeHigh, q.bufferTimeStart, q.moveFlushTime
}

// MaxVelocity returns the queue's velocity cap.
func (q *Queue) MaxVelocity() float64 { return q.maxVelocity }

// MaxAccel returns the queue's acceleration cap.
func (q *Queue) MaxAccel() float64 { return q.maxAccel }

// SquareCornerVelocity returns the cornering velocity cap.
func (q *Queue) SquareCornerVelocity() float64 { return q.squareCornerV }

// SetMoveChecker installs the kinematic move validation hook.
func (q *Queue) SetMoveChecker(fn MoveChecker) {
	q.checkMove = fn
}

// TrapQ exposes the queue's trapezoidal queue for stepper binding.
func (q *Queue) TrapQ() *TrapQ { return q.trapq }

// PrintTime returns the current scheduled print time.
func (q *Queue) PrintTime() float64 {
	q.posMu.Lock()
	defer q.posMu.Unlock()
	return q.printTime
}

// CommandedPosition returns a copy of the commanded position.
func (q *Queue) CommandedPosition() []float64 {
	q.posMu.Lock()
	defer q.posMu.Unlock()
	return append([]float64{}, q.commandedPos...)
}

// RegisterStepGenerator adds a stepper to the flush set. Registering an
// already present stepper is a no-op.
func (q *Queue) RegisterStepGenerator(s *Stepper) {
	for _, g := range q.generators {
		if g == s {
			return
		}
	}
	q.generators = append(q.generators, s)
}

// UnregisterStepGenerator removes a stepper from the flush set.
func (q *Queue) UnregisterStepGenerator(s *Stepper) {
	for i, g := range q.generators {
		if g == s {
			q.generators = append(q.generators[:i], q.generators[i+1:]...)
			return
		}
	}
}

// HasStepGenerator reports whether the stepper is in the flush set.
func (q *Queue) HasStepGenerator(s *Stepper) bool {
	for _, g := range q.generators {
		if g == s {
			return true
		}
	}
	return false
}

// StepGeneratorCount returns the number of registered steppers.
func (q *Queue) StepGeneratorCount() int { return len(q.generators) }

func (q *Queue) advanceMoveTime(nextPrintTime float64) {
	q.posMu.Lock()
	if nextPrintTime > q.printTime {
		q.printTime = nextPrintTime
	}
	q.posMu.Unlock()
}

func (q *Queue) calcPrintTime() {
	minPrintTime := q.bufferTimeStart
	if t := q.lastFlushTime + q.kinFlushDelay; t > minPrintTime {
		minPrintTime = t
	}
	q.posMu.Lock()
	if minPrintTime > q.printTime {
		q.printTime = minPrintTime
	}
	q.posMu.Unlock()
}

func (q *Queue) setCommandedPos(pos []float64) {
	q.posMu.Lock()
	q.commandedPos = append(q.commandedPos[:0], pos...)
	q.posMu.Unlock()
}

func (q *Queue) generateSteps(flushTime float64) {
	for _, g := range q.generators {
		g.GenerateSteps(flushTime)
	}
	if flushTime > q.lastFlushTime {
		q.lastFlushTime = flushTime
	}
}

func (q *Queue) processLookahead(lazy bool) error {
	if q.err != nil {
		return q.err
	}
	moves := q.lookahead.flush(lazy)
	if len(moves) == 0 {
		return nil
	}
	if q.specialState != "" {
		q.specialState = ""
		q.calcPrintTime()
	}
	nextMoveTime := q.printTime
	for _, mv := range moves {
		if mv.IsKinematicMove {
			q.trapq.Append(nextMoveTime,
				mv.accelT, mv.cruiseT, mv.decelT,
				[3]float64{mv.StartPos[0], mv.StartPos[1], mv.StartPos[2]},
				[3]float64{mv.AxesR[0], mv.AxesR[1], mv.AxesR[2]},
				mv.startV, mv.cruiseV, mv.Accel)
		}
		nextMoveTime += mv.duration()
		for _, cb := range mv.timingCallbacks {
			cb(nextMoveTime)
		}
	}
	q.advanceMoveTime(nextMoveTime)
	// Keep the generated-step backlog between the buffer watermarks:
	// once more than bufferTimeHigh of motion is scheduled ahead of the
	// last flush, generate steps down to bufferTimeLow behind schedule
	// and expire trapezoid history older than the flush margin.
	if q.printTime-q.lastFlushTime > q.bufferTimeHigh {
		flushTime := q.printTime - q.bufferTimeLow
		q.generateSteps(flushTime)
		q.trapq.FinalizeMoves(flushTime - q.moveFlushTime)
	}
	return nil
}

func (q *Queue) flushLookahead() error {
	if q.err != nil {
		return q.err
	}
	if err := q.processLookahead(false); err != nil {
		q.err = err
		return err
	}
	q.specialState = needPrimeState
	q.lookahead.setFlushTime(q.bufferTimeHigh)
	return nil
}

// FlushStepGeneration flushes any queued lookahead moves, advances all
// step generators to the scheduled print time and expires the flushed
// trapezoidal segments.
func (q *Queue) FlushStepGeneration() error {
	if err := q.flushLookahead(); err != nil {
		return err
	}
	q.generateSteps(q.printTime)
	q.trapq.FinalizeMoves(q.printTime)
	return nil
}

// GetLastMoveTime flushes planning and returns the print time at which
// all queued motion completes.
func (q *Queue) GetLastMoveTime() (float64, error) {
	if q.err != nil {
		return 0.0, q.err
	}
	if q.specialState != "" {
		if err := q.flushLookahead(); err != nil {
			return 0.0, err
		}
		q.calcPrintTime()
	} else {
		if err := q.processLookahead(false); err != nil {
			return 0.0, err
		}
	}
	return q.printTime, nil
}

// Dwell schedules an idle period after all queued motion.
func (q *Queue) Dwell(delay float64) error {
	if q.err != nil {
		return q.err
	}
	if delay < 0.0 {
		delay = 0.0
	}
	if err := q.flushLookahead(); err != nil {
		return err
	}
	pt, err := q.GetLastMoveTime()
	if err != nil {
		return err
	}
	q.advanceMoveTime(pt + delay)
	return nil
}

// SetPosition forces the queue position without motion. Callers adjust
// kinematic limits and stepper positions separately.
func (q *Queue) SetPosition(newPos []float64) error {
	if err := q.FlushStepGeneration(); err != nil {
		return err
	}
	if len(newPos) < 3 {
		return errors.RuntimeError("position requires three kinematic axes")
	}
	q.trapq.SetPosition(q.printTime, [3]float64{newPos[0], newPos[1], newPos[2]})
	q.posMu.Lock()
	for i := 0; i < len(q.commandedPos) && i < len(newPos); i++ {
		q.commandedPos[i] = newPos[i]
	}
	q.posMu.Unlock()
	return nil
}

// Move plans a move to newPos at the requested speed and queues it
// through the lookahead planner.
func (q *Queue) Move(newPos []float64, speed float64) error {
	if q.err != nil {
		return q.err
	}
	mv := newMove(q, q.commandedPos, newPos, speed)
	if mv.MoveD == 0.0 {
		return nil
	}
	if mv.IsKinematicMove && q.checkMove != nil {
		if err := q.checkMove(mv); err != nil {
			return err
		}
	}
	q.setCommandedPos(mv.EndPos)
	if q.lookahead.addMove(mv) {
		return q.processLookahead(true)
	}
	return nil
}

func (q *Queue) dripLoadTrapQ(submitMove *Move) (float64, float64) {
	if submitMove != nil && submitMove.MoveD != 0.0 {
		q.setCommandedPos(submitMove.EndPos)
		q.lookahead.addMove(submitMove)
	}
	moves := q.lookahead.flush(false)
	q.calcPrintTime()
	startTime := q.printTime
	endTime := q.printTime
	for _, mv := range moves {
		q.trapq.Append(endTime,
			mv.accelT, mv.cruiseT, mv.decelT,
			[3]float64{mv.StartPos[0], mv.StartPos[1], mv.StartPos[2]},
			[3]float64{mv.AxesR[0], mv.AxesR[1], mv.AxesR[2]},
			mv.startV, mv.cruiseV, mv.Accel)
		endTime += mv.duration()
	}
	q.lookahead.reset()
	return startTime, endTime
}

// DripMove feeds a move to the step generators in small time segments,
// polling between segments so the move can be halted mid-flight. It
// returns true when the poll halted the move; the commanded position is
// then rewound to the halt point.
func (q *Queue) DripMove(newPos []float64, speed float64, poll DripPoll) (bool, error) {
	if q.err != nil {
		return false, q.err
	}
	mv := newMove(q, q.commandedPos, newPos, speed)
	if mv.MoveD != 0.0 && mv.IsKinematicMove && q.checkMove != nil {
		if err := q.checkMove(mv); err != nil {
			return false, err
		}
	}
	if err := q.Dwell(q.kinFlushDelay); err != nil {
		return false, err
	}
	if err := q.processLookahead(false); err != nil {
		return false, err
	}
	startTime, endTime := q.dripLoadTrapQ(mv)
	if poll != nil && poll(startTime) {
		// Halted before any motion was flushed.
		return true, q.dripHalt(startTime)
	}
	flushTime := startTime
	for flushTime < endTime {
		flushTime = math.Min(flushTime+dripSegmentTimeSec, endTime)
		q.generateSteps(flushTime)
		if poll != nil && poll(flushTime) {
			return true, q.dripHalt(flushTime)
		}
	}
	q.advanceMoveTime(endTime)
	q.generateSteps(endTime)
	q.trapq.FinalizeMoves(NeverTime)
	q.specialState = needPrimeState
	q.lookahead.setFlushTime(q.bufferTimeHigh)
	return false, nil
}

func (q *Queue) dripHalt(flushTime float64) error {
	halt := q.trapq.PositionAt(flushTime)
	q.generateSteps(flushTime)
	q.logger.Debugf("drip move halted at t=%.6f pos=%v", flushTime, halt)
	q.posMu.Lock()
	for i := 0; i < 3 && i < len(q.commandedPos); i++ {
		q.commandedPos[i] = halt[i]
	}
	q.posMu.Unlock()
	q.trapq.SetPosition(flushTime, halt)
	q.advanceMoveTime(flushTime)
	q.specialState = needPrimeState
	q.lookahead.setFlushTime(q.bufferTimeHigh)
	return nil
}
