package endstop

import (
	"testing"
)

func TestPinPrefixParsing(t *testing.T) {
	cases := []struct {
		pin          string
		wantPin      string
		wantPullUp   bool
		wantInverted bool
	}{
		{"PA1", "PA1", false, false},
		{"^PA1", "PA1", true, false},
		{"!PA1", "PA1", false, true},
		{"^!PA1", "PA1", true, true},
	}
	for _, c := range cases {
		e := New(Config{Name: "mmu_sel_home", Pin: c.pin})
		if e.Pin() != c.wantPin {
			t.Errorf("New(%q).Pin() = %q, want %q", c.pin, e.Pin(), c.wantPin)
		}
		if e.pullUp != c.wantPullUp {
			t.Errorf("New(%q) pullUp = %v, want %v", c.pin, e.pullUp, c.wantPullUp)
		}
		if e.inverted != c.wantInverted {
			t.Errorf("New(%q) inverted = %v, want %v", c.pin, e.inverted, c.wantInverted)
		}
	}
}

func TestQueryInversion(t *testing.T) {
	e := New(Config{Name: "mmu_sel_home", Pin: "!PA1"})
	level := true
	e.SetQueryCallback(func() (bool, error) { return level, nil })

	st, err := e.Query()
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if st != StateOpen {
		t.Errorf("inverted query of high level = %v, want open", st)
	}
	level = false
	st, _ = e.Query()
	if st != StateTriggered {
		t.Errorf("inverted query of low level = %v, want triggered", st)
	}
	if !e.IsTriggered() {
		t.Errorf("IsTriggered = false after triggered query")
	}
}

func TestQueryWithoutCallback(t *testing.T) {
	e := New(Config{Name: "mmu_gear_touch", Pin: "PA2"})
	if _, err := e.Query(); err != ErrNoQueryCallback {
		t.Errorf("Query without callback = %v, want ErrNoQueryCallback", err)
	}
}

func TestVirtualPinDetection(t *testing.T) {
	cases := []struct {
		pin  string
		want bool
	}{
		{"PA1", false},
		{"tmc2209_stepper_mmu_gear:virtual_endstop", true},
		{"^tmc2209_stepper_mmu_selector:virtual_endstop", true},
	}
	for _, c := range cases {
		if got := IsVirtualPin(c.pin); got != c.want {
			t.Errorf("IsVirtualPin(%q) = %v, want %v", c.pin, got, c.want)
		}
	}
}

func TestRegistrySkipsVirtual(t *testing.T) {
	r := NewRegistry()
	physical := New(Config{Name: "mmu_sel_home", Pin: "PA1"})
	virtual := New(Config{Name: "mmu_sel_touch", Pin: "tmc2209_stepper_mmu_selector:virtual_endstop"})
	r.Register("mmu_sel_home", physical)
	r.Register("mmu_sel_touch", virtual)

	names := r.Names()
	if len(names) != 1 || names[0] != "mmu_sel_home" {
		t.Errorf("Names = %v, want [mmu_sel_home]", names)
	}
	if _, ok := r.Lookup("mmu_sel_touch"); ok {
		t.Errorf("virtual endstop present in registry")
	}
}

func TestRegistryQueryAll(t *testing.T) {
	r := NewRegistry()
	a := New(Config{Name: "a", Pin: "PA1"})
	a.SetQueryCallback(func() (bool, error) { return true, nil })
	b := New(Config{Name: "b", Pin: "PA2"})
	b.SetQueryCallback(func() (bool, error) { return false, nil })
	r.Register("a", a)
	r.Register("b", b)

	states, err := r.QueryAll()
	if err != nil {
		t.Fatalf("QueryAll: %v", err)
	}
	if states["a"] != StateTriggered {
		t.Errorf("state of a = %v, want triggered", states["a"])
	}
	if states["b"] != StateOpen {
		t.Errorf("state of b = %v, want open", states["b"])
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	e := New(Config{Name: "mmu_gear_unit", Pin: "PA3"})
	r.Register("mmu_gear_unit", e)
	r.Remove("mmu_gear_unit")
	if len(r.Names()) != 0 {
		t.Errorf("Names after remove = %v, want empty", r.Names())
	}
	// Removing an absent name is a no-op.
	r.Remove("mmu_gear_unit")
}

type fakeStepper struct {
	name string
	pos  int64
}

func (f *fakeStepper) Name() string               { return f.name }
func (f *fakeStepper) MCUPosition() int64         { return f.pos }
func (f *fakeStepper) CommandedPosition() float64 { return float64(f.pos) }

func TestAddStepperDeduplicates(t *testing.T) {
	e := New(Config{Name: "mmu_sel_home", Pin: "PA1"})
	s := &fakeStepper{name: "stepper_mmu_selector"}
	e.AddStepper(s)
	e.AddStepper(s)
	if got := len(e.Steppers()); got != 1 {
		t.Errorf("stepper count = %d, want 1", got)
	}
}

func TestHomingArmDisarm(t *testing.T) {
	e := New(Config{Name: "mmu_sel_home", Pin: "PA1"})
	if e.IsHoming() {
		t.Errorf("new endstop reports homing")
	}
	e.StartHoming()
	if !e.IsHoming() {
		t.Errorf("IsHoming = false after StartHoming")
	}
	e.StopHoming()
	if e.IsHoming() {
		t.Errorf("IsHoming = true after StopHoming")
	}
}
