package motion

import (
	"math"
	"testing"
)

func TestTrapQPositionAt(t *testing.T) {
	tq := NewTrapQ()
	tq.SetPosition(0.0, [3]float64{1.0, 0.0, 0.0})
	if got := tq.PositionAt(5.0); got[0] != 1.0 {
		t.Errorf("PositionAt on empty queue = %v, want 1.0", got[0])
	}
	// Pure cruise segment: 10mm at 10mm/s starting at t=1.
	tq.Append(1.0, 0.0, 1.0, 0.0,
		[3]float64{1.0, 0.0, 0.0}, [3]float64{1.0, 0.0, 0.0},
		10.0, 10.0, 0.0)
	cases := []struct {
		t    float64
		want float64
	}{
		{0.5, 1.0},
		{1.0, 1.0},
		{1.5, 6.0},
		{2.0, 11.0},
		{9.0, 11.0},
	}
	for _, c := range cases {
		if got := tq.PositionAt(c.t); math.Abs(got[0]-c.want) > 1e-9 {
			t.Errorf("PositionAt(%v) = %v, want %v", c.t, got[0], c.want)
		}
	}
	tq.FinalizeMoves(3.0)
	if n := tq.Pending(); n != 0 {
		t.Errorf("Pending after finalize = %d, want 0", n)
	}
	if got := tq.PositionAt(0.0); got[0] != 11.0 {
		t.Errorf("PositionAt after finalize = %v, want 11.0", got[0])
	}
}

func TestTrapQAccelSegment(t *testing.T) {
	tq := NewTrapQ()
	// Accelerate from rest at 10mm/s^2 for 1s, cruise 1s at 10mm/s,
	// decelerate 1s.
	tq.Append(0.0, 1.0, 1.0, 1.0,
		[3]float64{0.0, 0.0, 0.0}, [3]float64{1.0, 0.0, 0.0},
		0.0, 10.0, 10.0)
	if got := tq.PositionAt(1.0)[0]; math.Abs(got-5.0) > 1e-9 {
		t.Errorf("accel end position = %v, want 5.0", got)
	}
	if got := tq.PositionAt(2.0)[0]; math.Abs(got-15.0) > 1e-9 {
		t.Errorf("cruise end position = %v, want 15.0", got)
	}
	if got := tq.PositionAt(3.0)[0]; math.Abs(got-20.0) > 1e-9 {
		t.Errorf("decel end position = %v, want 20.0", got)
	}
}

func TestStepperBindingSwap(t *testing.T) {
	s := NewStepper("stepper_test", 40.0, 3200)
	tq1 := NewTrapQ()
	tq2 := NewTrapQ()
	k1 := CartesianKin(0)
	k2 := ExtruderKin()

	if prev := s.SetTrapQ(tq1); prev != nil {
		t.Errorf("first SetTrapQ returned %v, want nil", prev)
	}
	if prev := s.SetTrapQ(tq2); prev != tq1 {
		t.Errorf("SetTrapQ did not return previous queue")
	}
	if prev := s.SetKinematics(k1); prev != nil {
		t.Errorf("first SetKinematics returned non-nil")
	}
	prev := s.SetKinematics(k2)
	if prev == nil {
		t.Fatalf("SetKinematics returned nil, want previous binding")
	}
	// The returned binding must behave like the original.
	if got := prev([3]float64{7.0, 8.0, 9.0}); got != 7.0 {
		t.Errorf("restored kinematics(7,8,9) = %v, want 7.0", got)
	}
}

func TestStepperGenerateSteps(t *testing.T) {
	s := NewStepper("stepper_test", 40.0, 3200)
	tq := NewTrapQ()
	s.SetTrapQ(tq)
	s.SetKinematics(CartesianKin(0))
	tq.Append(0.0, 0.0, 1.0, 0.0,
		[3]float64{0.0, 0.0, 0.0}, [3]float64{1.0, 0.0, 0.0},
		10.0, 10.0, 0.0)
	s.GenerateSteps(1.0)
	wantSteps := int64(math.Round(10.0 / s.StepDist()))
	if got := s.MCUPosition(); got != wantSteps {
		t.Errorf("MCUPosition = %d, want %d", got, wantSteps)
	}
	if got := s.CommandedPosition(); math.Abs(got-10.0) > s.StepDist() {
		t.Errorf("CommandedPosition = %v, want ~10.0", got)
	}
	// Re-flushing the same time emits nothing.
	s.GenerateSteps(1.0)
	if got := s.MCUPosition(); got != wantSteps {
		t.Errorf("MCUPosition after second flush = %d, want %d", got, wantSteps)
	}
}

func TestQueueMoveAndFlush(t *testing.T) {
	q := NewQueue(nil, 100.0, 1000.0, 4)
	s := NewStepper("stepper_test", 40.0, 3200)
	s.SetTrapQ(q.TrapQ())
	s.SetKinematics(CartesianKin(0))
	q.RegisterStepGenerator(s)

	if err := q.Move([]float64{10.0, 0.0, 0.0, 0.0}, 50.0); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if err := q.FlushStepGeneration(); err != nil {
		t.Fatalf("FlushStepGeneration: %v", err)
	}
	if got := q.CommandedPosition()[0]; got != 10.0 {
		t.Errorf("commanded position = %v, want 10.0", got)
	}
	if got := s.CommandedPosition(); math.Abs(got-10.0) > s.StepDist() {
		t.Errorf("stepper position = %v, want ~10.0", got)
	}
	if got := q.TrapQ().Pending(); got != 0 {
		t.Errorf("pending segments after flush = %d, want 0", got)
	}
}

func TestQueueZeroDistanceMove(t *testing.T) {
	q := NewQueue(nil, 100.0, 1000.0, 4)
	checked := false
	q.SetMoveChecker(func(mv *Move) error {
		checked = true
		return nil
	})
	if err := q.Move([]float64{0.0, 0.0, 0.0, 0.0}, 50.0); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if checked {
		t.Errorf("move checker ran for zero-distance move")
	}
}

func TestQueueDwellAdvancesTime(t *testing.T) {
	q := NewQueue(nil, 100.0, 1000.0, 4)
	before, err := q.GetLastMoveTime()
	if err != nil {
		t.Fatalf("GetLastMoveTime: %v", err)
	}
	if err := q.Dwell(0.5); err != nil {
		t.Fatalf("Dwell: %v", err)
	}
	after, err := q.GetLastMoveTime()
	if err != nil {
		t.Fatalf("GetLastMoveTime: %v", err)
	}
	if after < before+0.5 {
		t.Errorf("print time after dwell = %v, want >= %v", after, before+0.5)
	}
}

func TestDripMoveRunsToCompletion(t *testing.T) {
	q := NewQueue(nil, 100.0, 1000.0, 4)
	s := NewStepper("stepper_test", 40.0, 3200)
	s.SetTrapQ(q.TrapQ())
	s.SetKinematics(CartesianKin(0))
	q.RegisterStepGenerator(s)

	polls := 0
	halted, err := q.DripMove([]float64{20.0, 0.0, 0.0, 0.0}, 25.0,
		func(flushTime float64) bool {
			polls++
			return false
		})
	if err != nil {
		t.Fatalf("DripMove: %v", err)
	}
	if halted {
		t.Errorf("DripMove halted without trigger")
	}
	if polls < 2 {
		t.Errorf("poll count = %d, want >= 2", polls)
	}
	if got := q.CommandedPosition()[0]; got != 20.0 {
		t.Errorf("commanded position = %v, want 20.0", got)
	}
	if got := s.CommandedPosition(); math.Abs(got-20.0) > s.StepDist() {
		t.Errorf("stepper position = %v, want ~20.0", got)
	}
}

func TestDripMoveHaltsMidMove(t *testing.T) {
	q := NewQueue(nil, 100.0, 1000.0, 4)
	s := NewStepper("stepper_test", 40.0, 3200)
	s.SetTrapQ(q.TrapQ())
	s.SetKinematics(CartesianKin(0))
	q.RegisterStepGenerator(s)

	halted, err := q.DripMove([]float64{50.0, 0.0, 0.0, 0.0}, 25.0,
		func(flushTime float64) bool {
			return s.CommandedPosition() >= 10.0
		})
	if err != nil {
		t.Fatalf("DripMove: %v", err)
	}
	if !halted {
		t.Fatalf("DripMove did not halt")
	}
	got := q.CommandedPosition()[0]
	if got <= 0.0 || got >= 50.0 {
		t.Errorf("halt position = %v, want inside (0, 50)", got)
	}
	// Stepper and queue agree on the halt position.
	if diff := math.Abs(s.CommandedPosition() - got); diff > 2.0*s.StepDist() {
		t.Errorf("stepper at %v, queue at %v", s.CommandedPosition(), got)
	}
	if n := q.TrapQ().Pending(); n != 0 {
		t.Errorf("pending segments after halt = %d, want 0", n)
	}
}

func TestDripMoveAlreadyTriggered(t *testing.T) {
	q := NewQueue(nil, 100.0, 1000.0, 4)
	s := NewStepper("stepper_test", 40.0, 3200)
	s.SetTrapQ(q.TrapQ())
	s.SetKinematics(CartesianKin(0))
	q.RegisterStepGenerator(s)

	halted, err := q.DripMove([]float64{50.0, 0.0, 0.0, 0.0}, 25.0,
		func(flushTime float64) bool { return true })
	if err != nil {
		t.Fatalf("DripMove: %v", err)
	}
	if !halted {
		t.Fatalf("DripMove did not halt")
	}
	if got := s.MCUPosition(); got != 0 {
		t.Errorf("MCUPosition = %d, want 0 (no movement)", got)
	}
	if got := q.CommandedPosition()[0]; got != 0.0 {
		t.Errorf("commanded position = %v, want 0.0", got)
	}
}

func TestRegisterStepGenerator(t *testing.T) {
	q := NewQueue(nil, 100.0, 1000.0, 4)
	s1 := NewStepper("a", 40.0, 3200)
	s2 := NewStepper("b", 40.0, 3200)
	q.RegisterStepGenerator(s1)
	q.RegisterStepGenerator(s1)
	q.RegisterStepGenerator(s2)
	if got := q.StepGeneratorCount(); got != 2 {
		t.Errorf("StepGeneratorCount = %d, want 2", got)
	}
	q.UnregisterStepGenerator(s1)
	if q.HasStepGenerator(s1) {
		t.Errorf("s1 still registered after unregister")
	}
	if !q.HasStepGenerator(s2) {
		t.Errorf("s2 lost during unregister of s1")
	}
}

func TestMoveLimitSpeed(t *testing.T) {
	q := NewQueue(nil, 100.0, 1000.0, 4)
	mv := newMove(q, []float64{0, 0, 0, 0}, []float64{10, 0, 0, 0}, 100.0)
	mv.LimitSpeed(20.0, 500.0)
	if mv.maxCruiseV2 != 400.0 {
		t.Errorf("maxCruiseV2 = %v, want 400.0", mv.maxCruiseV2)
	}
	if mv.Accel != 500.0 {
		t.Errorf("Accel = %v, want 500.0", mv.Accel)
	}
	// Raising the cap must not loosen existing limits.
	mv.LimitSpeed(50.0, 800.0)
	if mv.maxCruiseV2 != 400.0 {
		t.Errorf("maxCruiseV2 after looser cap = %v, want 400.0", mv.maxCruiseV2)
	}
	if mv.Accel != 500.0 {
		t.Errorf("Accel after looser cap = %v, want 500.0", mv.Accel)
	}
}
