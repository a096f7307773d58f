package config

import (
	"strings"
	"testing"
)

const sampleConfig = `
# MMU toolhead test config
[mmu_toolhead]
gear_max_velocity: 300
gear_max_accel: 500
selector_max_velocity = 250

[stepper_mmu_selector]
position_min: 0
position_max: 100.5
endstop_pin: PA1
extra_endstop_pins: PA2, mmu:virtual_endstop
extra_endstop_names: sel_touch, sel_virtual
homing_positive_dir: false

[stepper_mmu_gear]
rotation_distance: 22.7

[stepper_mmu_gear1]
rotation_distance: 22.7
`

func mustLoad(t *testing.T) *Config {
	t.Helper()
	c, err := LoadString(sampleConfig)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	return c
}

func TestSectionsAndOrder(t *testing.T) {
	c := mustLoad(t)
	names := c.SectionNames()
	want := []string{"mmu_toolhead", "stepper_mmu_selector", "stepper_mmu_gear", "stepper_mmu_gear1"}
	if len(names) != len(want) {
		t.Fatalf("SectionNames = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("SectionNames[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestTypedGetters(t *testing.T) {
	c := mustLoad(t)
	sec, err := c.GetSection("mmu_toolhead")
	if err != nil {
		t.Fatal(err)
	}

	v, err := sec.GetFloatWithBounds("gear_max_velocity", Above(0), 300)
	if err != nil || v != 300 {
		t.Errorf("gear_max_velocity = %v, %v; want 300, nil", v, err)
	}

	// Equals-sign syntax
	v, err = sec.GetFloat("selector_max_velocity")
	if err != nil || v != 250 {
		t.Errorf("selector_max_velocity = %v, %v; want 250, nil", v, err)
	}

	// Fallback for missing option
	v, err = sec.GetFloat("selector_max_accel", 1500)
	if err != nil || v != 1500 {
		t.Errorf("selector_max_accel fallback = %v, %v; want 1500, nil", v, err)
	}

	// Missing without fallback is an error
	if _, err := sec.GetFloat("no_such_option"); err == nil {
		t.Error("expected error for missing option without fallback")
	}
}

func TestBoundsChecking(t *testing.T) {
	c, err := LoadString("[mmu_toolhead]\ngear_max_velocity: 0\n")
	if err != nil {
		t.Fatal(err)
	}
	sec, _ := c.GetSection("mmu_toolhead")
	if _, err := sec.GetFloatWithBounds("gear_max_velocity", Above(0)); err == nil {
		t.Error("expected out-of-range error for value not above 0")
	}
}

func TestListOptions(t *testing.T) {
	c := mustLoad(t)
	sec, _ := c.GetSection("stepper_mmu_selector")

	pins, err := sec.GetList("extra_endstop_pins")
	if err != nil {
		t.Fatal(err)
	}
	if len(pins) != 2 || pins[0] != "PA2" || pins[1] != "mmu:virtual_endstop" {
		t.Errorf("extra_endstop_pins = %v", pins)
	}

	names, err := sec.GetList("extra_endstop_names")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[1] != "sel_virtual" {
		t.Errorf("extra_endstop_names = %v", names)
	}

	empty, err := sec.GetList("not_present", []string{})
	if err != nil || len(empty) != 0 {
		t.Errorf("fallback list = %v, %v", empty, err)
	}
}

func TestBoolOption(t *testing.T) {
	c := mustLoad(t)
	sec, _ := c.GetSection("stepper_mmu_selector")
	b, err := sec.GetBool("homing_positive_dir", true)
	if err != nil || b {
		t.Errorf("homing_positive_dir = %v, %v; want false, nil", b, err)
	}
}

func TestPrefixSections(t *testing.T) {
	c := mustLoad(t)
	secs := c.PrefixSections("stepper_mmu_gear")
	if len(secs) != 2 {
		t.Fatalf("PrefixSections = %d sections, want 2", len(secs))
	}
	if secs[0].Name() != "stepper_mmu_gear" || secs[1].Name() != "stepper_mmu_gear1" {
		t.Errorf("prefix order wrong: %s, %s", secs[0].Name(), secs[1].Name())
	}
}

func TestAccessTracking(t *testing.T) {
	c := mustLoad(t)
	sec, _ := c.GetSection("stepper_mmu_gear")
	if _, err := sec.GetFloat("rotation_distance"); err != nil {
		t.Fatal(err)
	}
	if unused := sec.UnusedOptions(); len(unused) != 0 {
		t.Errorf("unexpected unused options: %v", unused)
	}
	unusedSections := c.UnusedSections()
	found := false
	for _, s := range unusedSections {
		if s == "stepper_mmu_gear1" {
			found = true
		}
	}
	if !found {
		t.Errorf("stepper_mmu_gear1 should be unused, got %v", unusedSections)
	}
}

func TestMalformedOption(t *testing.T) {
	_, err := LoadString("[a]\nnot an option line\n")
	if err == nil {
		t.Fatal("expected parse error for malformed option")
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Errorf("error should name the line: %v", err)
	}
}
