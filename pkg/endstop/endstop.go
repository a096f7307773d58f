// Package endstop provides endstop reading for homing and filament
// sensing. Endstops are polled through a query callback; virtual
// endstops (sensorless or software triggers) carry a virtual pin name
// and are excluded from the QUERY_ENDSTOPS registry.
package endstop

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNoQueryCallback = errors.New("endstop: no query callback set")
	ErrNotHoming       = errors.New("endstop: not in homing state")
)

// State is the last observed switch state.
type State int

const (
	StateUnknown State = iota
	StateOpen
	StateTriggered
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateTriggered:
		return "triggered"
	default:
		return "unknown"
	}
}

// IsVirtualPin reports whether a pin name denotes a virtual endstop
// rather than a physical switch.
func IsVirtualPin(pin string) bool {
	return strings.Contains(pin, "virtual_endstop")
}

// Stepper is the minimal view of a motor attached to an endstop. The
// homing code records start and trigger positions through it.
type Stepper interface {
	Name() string
	MCUPosition() int64
	CommandedPosition() float64
}

// Config holds the wiring of one endstop.
type Config struct {
	Name     string
	Pin      string
	PullUp   bool
	Inverted bool
}

// Endstop is a single endstop switch polled through a query callback.
type Endstop struct {
	mu sync.RWMutex

	name     string
	pin      string
	pullUp   bool
	inverted bool

	state  State
	homing bool

	steppers []Stepper

	queryState func() (bool, error)
}

// New creates an endstop. Pin prefixes are honored: "^" enables the
// pull-up, "!" inverts the signal.
func New(cfg Config) *Endstop {
	pin := cfg.Pin
	pullUp := cfg.PullUp
	inverted := cfg.Inverted
	for {
		if strings.HasPrefix(pin, "^") {
			pullUp = true
			pin = pin[1:]
			continue
		}
		if strings.HasPrefix(pin, "!") {
			inverted = true
			pin = pin[1:]
			continue
		}
		break
	}
	return &Endstop{
		name:     cfg.Name,
		pin:      pin,
		pullUp:   pullUp,
		inverted: inverted,
		state:    StateUnknown,
	}
}

// Name returns the endstop name.
func (e *Endstop) Name() string { return e.name }

// Pin returns the pin name with prefixes stripped.
func (e *Endstop) Pin() string { return e.pin }

// IsVirtual reports whether this endstop uses a virtual pin.
func (e *Endstop) IsVirtual() bool { return IsVirtualPin(e.pin) }

// AddStepper attaches a stepper whose motion this endstop halts.
func (e *Endstop) AddStepper(s Stepper) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, have := range e.steppers {
		if have == s {
			return
		}
	}
	e.steppers = append(e.steppers, s)
}

// Steppers returns the attached steppers.
func (e *Endstop) Steppers() []Stepper {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Stepper{}, e.steppers...)
}

// SetQueryCallback installs the state polling function. The callback
// returns the raw switch level before inversion.
func (e *Endstop) SetQueryCallback(fn func() (bool, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queryState = fn
}

// Query polls the switch and returns the observed state.
func (e *Endstop) Query() (State, error) {
	e.mu.RLock()
	query := e.queryState
	inverted := e.inverted
	e.mu.RUnlock()
	if query == nil {
		return StateUnknown, ErrNoQueryCallback
	}
	triggered, err := query()
	if err != nil {
		return StateUnknown, err
	}
	if inverted {
		triggered = !triggered
	}
	e.mu.Lock()
	if triggered {
		e.state = StateTriggered
	} else {
		e.state = StateOpen
	}
	state := e.state
	e.mu.Unlock()
	return state, nil
}

// IsTriggered returns true when the last poll saw the switch closed.
func (e *Endstop) IsTriggered() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == StateTriggered
}

// StartHoming arms the endstop for a homing move.
func (e *Endstop) StartHoming() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.homing = true
}

// StopHoming disarms the endstop.
func (e *Endstop) StopHoming() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.homing = false
}

// IsHoming reports whether a homing move is in flight.
func (e *Endstop) IsHoming() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.homing
}

// Status is a point-in-time endstop report.
type Status struct {
	Name        string `json:"name"`
	Pin         string `json:"pin"`
	State       string `json:"state"`
	IsTriggered bool   `json:"is_triggered"`
	IsHoming    bool   `json:"is_homing"`
}

// GetStatus returns the current endstop status.
func (e *Endstop) GetStatus() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		Name:        e.name,
		Pin:         e.pin,
		State:       e.state.String(),
		IsTriggered: e.state == StateTriggered,
		IsHoming:    e.homing,
	}
}

// Registry is the set of endstops reported by endstop queries. Virtual
// endstops are silently skipped on registration.
type Registry struct {
	mu     sync.RWMutex
	names  []string
	byName map[string]*Endstop
}

// NewRegistry creates an empty endstop registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Endstop)}
}

// Register adds an endstop under the given name. Virtual endstops are
// not registered. Re-registering a name replaces the endstop.
func (r *Registry) Register(name string, e *Endstop) {
	if e.IsVirtual() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; !ok {
		r.names = append(r.names, name)
	}
	r.byName[name] = e
}

// Remove drops an endstop from the registry.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; !ok {
		return
	}
	delete(r.byName, name)
	for i, n := range r.names {
		if n == name {
			r.names = append(r.names[:i], r.names[i+1:]...)
			break
		}
	}
}

// Lookup returns the endstop registered under name.
func (r *Registry) Lookup(name string) (*Endstop, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	return e, ok
}

// Names returns the registered endstop names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.names...)
}

// QueryAll polls every registered endstop and returns per-name states
// sorted by name.
func (r *Registry) QueryAll() (map[string]State, error) {
	r.mu.RLock()
	snapshot := make(map[string]*Endstop, len(r.byName))
	for n, e := range r.byName {
		snapshot[n] = e
	}
	r.mu.RUnlock()

	names := make([]string, 0, len(snapshot))
	for n := range snapshot {
		names = append(names, n)
	}
	sort.Strings(names)

	states := make(map[string]State, len(names))
	for _, n := range names {
		st, err := snapshot[n].Query()
		if err != nil {
			return nil, err
		}
		states[n] = st
	}
	return states, nil
}
