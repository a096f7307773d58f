package motion

import "math"

const (
	sdsCheckTimeSec    = 0.001
	lookaheadFlushSec  = 0.150
	dripSegmentTimeSec = 0.050
)

// Move is a single planned move through the lookahead queue. The first
// three position slots are kinematic axes; later slots ride along
// without contributing to the move distance.
type Move struct {
	StartPos []float64
	EndPos   []float64

	Accel             float64
	junctionDeviation float64
	timingCallbacks   []func(nextPrintTime float64)

	AxesD []float64
	AxesR []float64
	MoveD float64

	MinMoveT        float64
	IsKinematicMove bool

	maxStartV2     float64
	maxCruiseV2    float64
	deltaV2        float64
	nextJunctionV2 float64

	maxMcrStartV2 float64
	mcrDeltaV2    float64

	startV  float64
	cruiseV float64
	endV    float64

	accelT  float64
	cruiseT float64
	decelT  float64
}

func newMove(q *Queue, startPos, endPos []float64, speed float64) *Move {
	sp := append([]float64{}, startPos...)
	ep := append([]float64{}, endPos...)
	mv := &Move{
		StartPos:          sp,
		EndPos:            ep,
		Accel:             q.maxAccel,
		junctionDeviation: q.junctionDeviation,
		nextJunctionV2:    999999999.9,
		IsKinematicMove:   true,
	}
	velocity := math.Min(speed, q.maxVelocity)
	mv.AxesD = make([]float64, len(ep))
	for i := 0; i < len(ep) && i < len(sp); i++ {
		mv.AxesD[i] = ep[i] - sp[i]
	}
	moveD := math.Sqrt(mv.AxesD[0]*mv.AxesD[0] + mv.AxesD[1]*mv.AxesD[1] + mv.AxesD[2]*mv.AxesD[2])
	mv.MoveD = moveD
	invMoveD := 0.0
	if moveD < 0.000000001 {
		// Degenerate move: only trailing slots change.
		mv.EndPos = append([]float64{sp[0], sp[1], sp[2]}, ep[3:]...)
		mv.AxesD[0], mv.AxesD[1], mv.AxesD[2] = 0.0, 0.0, 0.0
		maxAbs := 0.0
		for i := 3; i < len(mv.AxesD); i++ {
			if a := math.Abs(mv.AxesD[i]); a > maxAbs {
				maxAbs = a
			}
		}
		mv.MoveD = maxAbs
		if mv.MoveD != 0.0 {
			invMoveD = 1.0 / mv.MoveD
		}
		mv.Accel = 99999999.9
		velocity = speed
		mv.IsKinematicMove = false
	} else {
		invMoveD = 1.0 / mv.MoveD
	}
	mv.AxesR = make([]float64, len(mv.AxesD))
	for i := range mv.AxesD {
		mv.AxesR[i] = mv.AxesD[i] * invMoveD
	}
	if velocity != 0.0 {
		mv.MinMoveT = mv.MoveD / velocity
	}
	mv.maxStartV2 = 0.0
	mv.maxCruiseV2 = velocity * velocity
	mv.deltaV2 = 2.0 * mv.MoveD * mv.Accel
	mv.maxMcrStartV2 = 0.0
	mv.mcrDeltaV2 = 2.0 * mv.MoveD * q.mcrPseudoAccel
	return mv
}

// LimitSpeed caps the move's cruise speed and acceleration. Kinematics
// call this from their move checks.
func (mv *Move) LimitSpeed(speed, accel float64) {
	speed2 := speed * speed
	if speed2 < mv.maxCruiseV2 {
		mv.maxCruiseV2 = speed2
		mv.MinMoveT = mv.MoveD / speed
	}
	if accel < mv.Accel {
		mv.Accel = accel
	}
	mv.deltaV2 = 2.0 * mv.MoveD * mv.Accel
	if mv.deltaV2 < mv.mcrDeltaV2 {
		mv.mcrDeltaV2 = mv.deltaV2
	}
}

func (mv *Move) calcJunction(prev *Move) {
	if prev == nil || !mv.IsKinematicMove || !prev.IsKinematicMove {
		return
	}
	maxStartV2 := mv.maxCruiseV2
	if prev.maxCruiseV2 < maxStartV2 {
		maxStartV2 = prev.maxCruiseV2
	}
	if prev.nextJunctionV2 < maxStartV2 {
		maxStartV2 = prev.nextJunctionV2
	}
	if prev.maxStartV2+prev.deltaV2 < maxStartV2 {
		maxStartV2 = prev.maxStartV2 + prev.deltaV2
	}
	axesR := mv.AxesR
	prevAxesR := prev.AxesR
	junctionCosTheta := -(axesR[0]*prevAxesR[0] + axesR[1]*prevAxesR[1] + axesR[2]*prevAxesR[2])
	sinThetaD2 := math.Sqrt(math.Max(0.5*(1.0-junctionCosTheta), 0.0))
	cosThetaD2 := math.Sqrt(math.Max(0.5*(1.0+junctionCosTheta), 0.0))
	oneMinusSinThetaD2 := 1.0 - sinThetaD2
	if oneMinusSinThetaD2 > 0.0 && cosThetaD2 > 0.0 {
		rJD := sinThetaD2 / oneMinusSinThetaD2
		moveJDv2 := rJD * mv.junctionDeviation * mv.Accel
		pmoveJDv2 := rJD * prev.junctionDeviation * prev.Accel
		quarterTanThetaD2 := 0.25 * sinThetaD2 / cosThetaD2
		moveCentripetalV2 := mv.deltaV2 * quarterTanThetaD2
		pmoveCentripetalV2 := prev.deltaV2 * quarterTanThetaD2
		maxStartV2 = math.Min(maxStartV2, moveJDv2)
		maxStartV2 = math.Min(maxStartV2, pmoveJDv2)
		maxStartV2 = math.Min(maxStartV2, moveCentripetalV2)
		maxStartV2 = math.Min(maxStartV2, pmoveCentripetalV2)
	}
	mv.maxStartV2 = maxStartV2
	mv.maxMcrStartV2 = math.Min(maxStartV2, prev.maxMcrStartV2+prev.mcrDeltaV2)
}

func (mv *Move) setJunction(startV2, cruiseV2, endV2 float64) {
	halfInvAccel := 0.5 / mv.Accel
	accelD := (cruiseV2 - startV2) * halfInvAccel
	decelD := (cruiseV2 - endV2) * halfInvAccel
	cruiseD := mv.MoveD - accelD - decelD
	mv.startV = math.Sqrt(startV2)
	mv.cruiseV = math.Sqrt(cruiseV2)
	mv.endV = math.Sqrt(endV2)
	mv.accelT = accelD / ((mv.startV + mv.cruiseV) * 0.5)
	mv.cruiseT = cruiseD / mv.cruiseV
	mv.decelT = decelD / ((mv.endV + mv.cruiseV) * 0.5)
}

func (mv *Move) duration() float64 {
	return mv.accelT + mv.cruiseT + mv.decelT
}

type lookaheadQueue struct {
	queue         []*Move
	junctionFlush float64
}

func (q *lookaheadQueue) reset() {
	q.queue = q.queue[:0]
	q.junctionFlush = lookaheadFlushSec
}

func (q *lookaheadQueue) setFlushTime(flushTime float64) {
	q.junctionFlush = flushTime
}

func (q *lookaheadQueue) addMove(mv *Move) bool {
	q.queue = append(q.queue, mv)
	if len(q.queue) == 1 {
		return false
	}
	mv.calcJunction(q.queue[len(q.queue)-2])
	q.junctionFlush -= mv.MinMoveT
	return q.junctionFlush <= 0.0
}

type junctionInfo struct {
	mv          *Move
	startV2     float64
	cruiseV2    *float64
	nextStartV2 float64
}

func (q *lookaheadQueue) flush(lazy bool) []*Move {
	q.junctionFlush = lookaheadFlushSec
	updateFlushCount := lazy
	queue := q.queue
	flushCount := len(queue)
	if flushCount == 0 {
		return nil
	}
	junction := make([]junctionInfo, flushCount)
	nextStartV2 := 0.0
	nextMcrStartV2 := 0.0
	peakCruiseV2 := 0.0
	pendingCV2Assign := 0
	for i := flushCount - 1; i >= 0; i-- {
		mv := queue[i]
		reachableStartV2 := nextStartV2 + mv.deltaV2
		startV2 := math.Min(mv.maxStartV2, reachableStartV2)
		var cruiseV2 *float64
		pendingCV2Assign++
		reachMcrStartV2 := nextMcrStartV2 + mv.mcrDeltaV2
		mcrStartV2 := math.Min(mv.maxMcrStartV2, reachMcrStartV2)
		if mcrStartV2 < reachMcrStartV2 {
			if (mcrStartV2+mv.mcrDeltaV2 > nextMcrStartV2) || pendingCV2Assign > 1 {
				if updateFlushCount && peakCruiseV2 != 0.0 {
					flushCount = i + pendingCV2Assign
					updateFlushCount = false
				}
				peakCruiseV2 = (mcrStartV2 + reachMcrStartV2) * 0.5
			}
			cv2 := math.Min((startV2+reachableStartV2)*0.5, mv.maxCruiseV2)
			cv2 = math.Min(cv2, peakCruiseV2)
			cruiseV2 = &cv2
			pendingCV2Assign = 0
		}
		junction[i] = junctionInfo{mv: mv, startV2: startV2, cruiseV2: cruiseV2, nextStartV2: nextStartV2}
		nextStartV2 = startV2
		nextMcrStartV2 = mcrStartV2
	}
	if updateFlushCount || flushCount == 0 {
		return nil
	}
	prevCruiseV2 := 0.0
	for i := 0; i < flushCount; i++ {
		ji := junction[i]
		cruiseV2 := ji.cruiseV2
		if cruiseV2 == nil {
			cv2 := math.Min(prevCruiseV2, ji.startV2)
			cruiseV2 = &cv2
		}
		startV2 := math.Min(ji.startV2, *cruiseV2)
		endV2 := math.Min(ji.nextStartV2, *cruiseV2)
		ji.mv.setJunction(startV2, *cruiseV2, endV2)
		prevCruiseV2 = *cruiseV2
	}
	res := append([]*Move{}, queue[:flushCount]...)
	q.queue = append([]*Move{}, queue[flushCount:]...)
	return res
}
