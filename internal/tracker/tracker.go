/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package tracker

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NexusGPU/slowmode/internal/pid"
)

// SeedStrategy controls how the first externally observed actuation value
// initialises the controller.
type SeedStrategy string

const (
	// SeedNone leaves the controller untouched; the integral starts at zero.
	SeedNone SeedStrategy = "none"
	// SeedIntegral loads the observed value straight into the integral.
	SeedIntegral SeedStrategy = "integral"
	// SeedBumpless sets the held output to the observed value and goes
	// through a pause/resume cycle so the integral follows it.
	SeedBumpless SeedStrategy = "bumpless"
)

func ParseSeedStrategy(s string) (SeedStrategy, error) {
	switch SeedStrategy(s) {
	case "", SeedNone:
		return SeedNone, nil
	case SeedIntegral, SeedBumpless:
		return SeedStrategy(s), nil
	}
	return "", fmt.Errorf("%w: unknown integral seed strategy %q", pid.ErrInvalidConfig, s)
}

// Config is the per-entity control configuration.
type Config struct {
	// Target rate in events per participant per second
	Setpoint  float64
	Kp        float64
	Ki        float64
	Kd        float64
	OutputMin *float64
	OutputMax *float64
	Seed      SeedStrategy
}

// Sample is the outcome of closing one sampling window.
type Sample struct {
	Events       uint64
	Participants int
	Rate         float64
	Output       float64
	// Proposed is the rounded controller output
	Proposed int
}

// Status is a point-in-time view used by the admin API.
type Status struct {
	ID               string    `json:"id"`
	Events           uint64    `json:"events"`
	Participants     int       `json:"participants"`
	HasActivity      bool      `json:"hasActivity"`
	CurrentActuation int       `json:"currentActuation"`
	ActuationPending bool      `json:"actuationPending"`
	Controller       pid.State `json:"controller"`
}

// RateTracker accumulates events for one entity over a sampling window and
// turns the window into a controller measurement.
type RateTracker struct {
	ID string

	mu               sync.Mutex
	events           uint64
	participants     map[string]struct{}
	hasActivity      bool
	currentActuation int
	seed             SeedStrategy
	seeded           bool

	// controller access is serialized separately so the ingestion path
	// never waits on a control update
	ctrlMu     sync.Mutex
	controller *pid.Controller
	dt         float64

	inFlight atomic.Bool
	removed  atomic.Bool
}

func NewRateTracker(id string, cfg Config, sampleTime time.Duration, opts ...pid.Option) (*RateTracker, error) {
	seed, err := ParseSeedStrategy(string(cfg.Seed))
	if err != nil {
		return nil, err
	}
	controller, err := pid.New(pid.Config{
		Setpoint:   cfg.Setpoint,
		Kp:         cfg.Kp,
		Ki:         cfg.Ki,
		Kd:         cfg.Kd,
		SampleTime: sampleTime,
		OutputMin:  cfg.OutputMin,
		OutputMax:  cfg.OutputMax,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("entity %s: %w", id, err)
	}
	return &RateTracker{
		ID:           id,
		participants: make(map[string]struct{}),
		seed:         seed,
		controller:   controller,
		dt:           sampleTime.Seconds(),
	}, nil
}

// RecordEvent counts one event by participantID in the current window.
func (t *RateTracker) RecordEvent(participantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events++
	t.participants[participantID] = struct{}{}
	t.hasActivity = true
}

// SampleAndAdvance closes the current window, feeds its rate to the
// controller and returns the proposed actuation. The window is reset even
// if the caller never applies the proposal.
func (t *RateTracker) SampleAndAdvance() Sample {
	return t.sample(t.controller.Update)
}

// SampleAt is SampleAndAdvance with the sample stamped at now instead of
// the controller's clock.
func (t *RateTracker) SampleAt(now time.Time) Sample {
	return t.sample(func(rate float64) float64 {
		return t.controller.UpdateAt(rate, now)
	})
}

func (t *RateTracker) sample(update func(float64) float64) Sample {
	t.mu.Lock()
	events, participants := t.events, len(t.participants)
	t.events = 0
	t.participants = make(map[string]struct{}, participants)
	t.mu.Unlock()

	rate := 0.0
	if participants > 0 {
		rate = float64(events) / float64(participants) / t.dt
	}

	t.ctrlMu.Lock()
	output := update(rate)
	t.ctrlMu.Unlock()

	return Sample{
		Events:       events,
		Participants: participants,
		Rate:         rate,
		Output:       output,
		Proposed:     int(math.Round(output)),
	}
}

func (t *RateTracker) HasActivity() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasActivity
}

func (t *RateTracker) CurrentActuation() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentActuation
}

// SetCurrentActuation records a value confirmed to be in effect.
func (t *RateTracker) SetCurrentActuation(v int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentActuation = v
}

// ObserveActuation records an out-of-band observation of the value in
// effect. The first observation also seeds the controller according to
// the configured strategy.
func (t *RateTracker) ObserveActuation(v int) {
	t.mu.Lock()
	t.currentActuation = v
	first := !t.seeded
	t.seeded = true
	seed := t.seed
	t.mu.Unlock()

	if !first {
		return
	}

	t.ctrlMu.Lock()
	defer t.ctrlMu.Unlock()
	switch seed {
	case SeedIntegral:
		t.controller.Seed(float64(v))
	case SeedBumpless:
		wasActive := t.controller.Active()
		t.controller.SetLastOutput(float64(v))
		t.controller.SetActive(false)
		t.controller.SetActive(true)
		if !wasActive {
			t.controller.SetActive(false)
		}
	}
}

// TryBeginActuation marks an actuation as in flight. It returns false if
// one is already running for this entity.
func (t *RateTracker) TryBeginActuation() bool {
	return t.inFlight.CompareAndSwap(false, true)
}

func (t *RateTracker) EndActuation() {
	t.inFlight.Store(false)
}

// MarkRemoved flags the tracker so an in-progress tick skips it.
func (t *RateTracker) MarkRemoved() {
	t.removed.Store(true)
}

func (t *RateTracker) Removed() bool {
	return t.removed.Load()
}

func (t *RateTracker) Pause() {
	t.ctrlMu.Lock()
	defer t.ctrlMu.Unlock()
	t.controller.SetActive(false)
}

func (t *RateTracker) Resume() {
	t.ctrlMu.Lock()
	defer t.ctrlMu.Unlock()
	t.controller.SetActive(true)
}

func (t *RateTracker) Retune(kp, ki, kd float64) error {
	t.ctrlMu.Lock()
	defer t.ctrlMu.Unlock()
	return t.controller.SetTunings(kp, ki, kd)
}

func (t *RateTracker) SetLimits(min, max *float64) error {
	t.ctrlMu.Lock()
	defer t.ctrlMu.Unlock()
	return t.controller.SetOutputLimits(min, max)
}

func (t *RateTracker) SetSetpoint(sp float64) error {
	t.ctrlMu.Lock()
	defer t.ctrlMu.Unlock()
	return t.controller.SetSetpoint(sp)
}

// Reconfigure applies a new entity configuration without resetting the
// controller state.
func (t *RateTracker) Reconfigure(cfg Config) error {
	seed, err := ParseSeedStrategy(string(cfg.Seed))
	if err != nil {
		return err
	}

	t.ctrlMu.Lock()
	defer t.ctrlMu.Unlock()
	// limits first so a rejected pair leaves gains untouched
	if err := t.controller.SetOutputLimits(cfg.OutputMin, cfg.OutputMax); err != nil {
		return err
	}
	if err := t.controller.SetTunings(cfg.Kp, cfg.Ki, cfg.Kd); err != nil {
		return err
	}
	if err := t.controller.SetSetpoint(cfg.Setpoint); err != nil {
		return err
	}

	t.mu.Lock()
	t.seed = seed
	t.mu.Unlock()
	return nil
}

func (t *RateTracker) Status() Status {
	t.mu.Lock()
	s := Status{
		ID:               t.ID,
		Events:           t.events,
		Participants:     len(t.participants),
		HasActivity:      t.hasActivity,
		CurrentActuation: t.currentActuation,
		ActuationPending: t.inFlight.Load(),
	}
	t.mu.Unlock()

	t.ctrlMu.Lock()
	s.Controller = t.controller.Snapshot()
	t.ctrlMu.Unlock()
	return s
}
