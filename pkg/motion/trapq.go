// Package motion provides the generic trapezoidal move-queue engine: the
// trapezoidal position queue read by step generators, the lookahead move
// planner, and the stepper bindings that connect a kinematic function and
// a queue to one motor. The MMU controller composes these; it does not
// subclass them.
package motion

import (
	"sync"
)

// NeverTime is a print time later than any scheduled motion.
const NeverTime = 9999999999999999.0

// trapSegment is one trapezoidal velocity segment in the queue.
type trapSegment struct {
	printTime float64
	accelT    float64
	cruiseT   float64
	decelT    float64
	startPos  [3]float64
	axesR     [3]float64
	startV    float64
	cruiseV   float64
	accel     float64
}

func (s *trapSegment) duration() float64 {
	return s.accelT + s.cruiseT + s.decelT
}

// distAt returns the distance traveled along the segment dt seconds after
// its start, clamped to the segment.
func (s *trapSegment) distAt(dt float64) float64 {
	if dt <= 0 {
		return 0
	}
	total := s.duration()
	if dt > total {
		dt = total
	}
	accelD := (s.startV + 0.5*s.accel*s.accelT) * s.accelT
	if dt <= s.accelT {
		return (s.startV + 0.5*s.accel*dt) * dt
	}
	dt -= s.accelT
	if dt <= s.cruiseT {
		return accelD + s.cruiseV*dt
	}
	dt -= s.cruiseT
	return accelD + s.cruiseV*s.cruiseT + (s.cruiseV-0.5*s.accel*dt)*dt
}

func (s *trapSegment) posAt(dt float64) [3]float64 {
	d := s.distAt(dt)
	var pos [3]float64
	for i := 0; i < 3; i++ {
		pos[i] = s.startPos[i] + s.axesR[i]*d
	}
	return pos
}

// TrapQ is a time-ordered queue of trapezoidal velocity segments. Step
// generators sample it to derive motor positions. It mirrors the chelper
// trapq contract: Append, SetPosition, FinalizeMoves and position lookup.
type TrapQ struct {
	mu      sync.Mutex
	segs    []*trapSegment
	lastPos [3]float64
}

// NewTrapQ creates an empty trapezoidal queue at position zero.
func NewTrapQ() *TrapQ {
	return &TrapQ{}
}

// Append schedules one trapezoidal segment.
func (tq *TrapQ) Append(printTime, accelT, cruiseT, decelT float64,
	startPos, axesR [3]float64, startV, cruiseV, accel float64) {
	seg := &trapSegment{
		printTime: printTime,
		accelT:    accelT,
		cruiseT:   cruiseT,
		decelT:    decelT,
		startPos:  startPos,
		axesR:     axesR,
		startV:    startV,
		cruiseV:   cruiseV,
		accel:     accel,
	}
	tq.mu.Lock()
	tq.segs = append(tq.segs, seg)
	tq.lastPos = seg.posAt(seg.duration())
	tq.mu.Unlock()
}

// SetPosition discards pending segments and forces the queue position.
func (tq *TrapQ) SetPosition(printTime float64, pos [3]float64) {
	tq.mu.Lock()
	tq.segs = nil
	tq.lastPos = pos
	tq.mu.Unlock()
}

// FinalizeMoves expires segments that end at or before freeTime.
func (tq *TrapQ) FinalizeMoves(freeTime float64) {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	keep := tq.segs[:0]
	for _, seg := range tq.segs {
		if seg.printTime+seg.duration() <= freeTime {
			continue
		}
		keep = append(keep, seg)
	}
	tq.segs = keep
	if len(tq.segs) == 0 {
		tq.segs = nil
	}
}

// PositionAt samples the queue position at the given print time.
func (tq *TrapQ) PositionAt(printTime float64) [3]float64 {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	if len(tq.segs) == 0 {
		return tq.lastPos
	}
	if printTime < tq.segs[0].printTime {
		return tq.segs[0].startPos
	}
	for i, seg := range tq.segs {
		end := seg.printTime + seg.duration()
		if printTime < end {
			return seg.posAt(printTime - seg.printTime)
		}
		// Between this segment and the next the axis holds still.
		if i+1 < len(tq.segs) && printTime < tq.segs[i+1].printTime {
			return seg.posAt(seg.duration())
		}
	}
	return tq.lastPos
}

// Pending returns the number of unexpired segments.
func (tq *TrapQ) Pending() int {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	return len(tq.segs)
}
