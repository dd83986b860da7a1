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

package pid

import (
	"errors"
	"fmt"
	"math"
	"time"

	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config holds the tuning of a single control loop.
type Config struct {
	// Target value of the measurement
	Setpoint float64

	// Gains, unscaled. Ki and Kd are scaled by SampleTime in New.
	Kp float64
	Ki float64
	Kd float64

	// Fixed sampling interval, must be positive
	SampleTime time.Duration

	// Optional output bounds, nil means unbounded on that side
	OutputMin *float64
	OutputMax *float64
}

// State is a read-only view of a controller.
type State struct {
	Setpoint        float64   `json:"setpoint"`
	Kp              float64   `json:"kp"`
	Ki              float64   `json:"ki"`
	Kd              float64   `json:"kd"`
	Integral        float64   `json:"integral"`
	LastOutput      float64   `json:"lastOutput"`
	LastMeasurement float64   `json:"lastMeasurement"`
	LastSampleTime  time.Time `json:"lastSampleTime"`
	Active          bool      `json:"active"`
	OutputMin       *float64  `json:"outputMin,omitempty"`
	OutputMax       *float64  `json:"outputMax,omitempty"`
}

// Controller is a discrete-time PID controller with output clamping,
// integral anti-windup, derivative on measurement and bumpless transfer.
// It is not safe for concurrent use.
type Controller struct {
	setpoint float64
	kp       float64
	ki       float64 // ki * dt
	kd       float64 // kd / dt
	dt       time.Duration

	integral        float64
	lastMeasurement float64
	lastOutput      float64
	lastSampleTime  time.Time

	min *float64
	max *float64

	active bool
	clock  clock.PassiveClock
}

type Option func(*Controller)

// WithClock sets the time source used for sample interval enforcement.
func WithClock(c clock.PassiveClock) Option {
	return func(pc *Controller) {
		pc.clock = c
	}
}

// New creates an active controller from cfg.
func New(cfg Config, opts ...Option) (*Controller, error) {
	if cfg.SampleTime <= 0 {
		return nil, fmt.Errorf("%w: sample time must be positive, got %s", ErrInvalidConfig, cfg.SampleTime)
	}
	for name, v := range map[string]float64{
		"setpoint": cfg.Setpoint, "kp": cfg.Kp, "ki": cfg.Ki, "kd": cfg.Kd,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: %s must be finite", ErrInvalidConfig, name)
		}
	}
	if err := validateLimits(cfg.OutputMin, cfg.OutputMax); err != nil {
		return nil, err
	}

	c := &Controller{
		setpoint: cfg.Setpoint,
		dt:       cfg.SampleTime,
		min:      copyBound(cfg.OutputMin),
		max:      copyBound(cfg.OutputMax),
		active:   true,
		clock:    clock.RealClock{},
	}
	c.scaleTunings(cfg.Kp, cfg.Ki, cfg.Kd)
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Update feeds a new measurement and returns the controller output.
// Calls arriving less than one sample time after the last computed
// sample return the previous output without touching any state.
func (c *Controller) Update(measurement float64) float64 {
	return c.UpdateAt(measurement, c.clock.Now())
}

// UpdateAt is Update for a sample taken at now. Periodic callers pass the
// scheduled tick time so delivery jitter does not read as an early call.
func (c *Controller) UpdateAt(measurement float64, now time.Time) float64 {
	if !c.active {
		return c.lastOutput
	}

	if !c.lastSampleTime.IsZero() && now.Sub(c.lastSampleTime) < c.dt {
		return c.lastOutput
	}

	err := c.setpoint - measurement
	dMeasurement := measurement - c.lastMeasurement

	candidate := c.integral + c.ki*err
	raw := c.kp*err + candidate - c.kd*dMeasurement

	// Freeze the integral while the output is pinned against a bound and
	// the error would push it further into that bound.
	saturatedLow := c.min != nil && raw <= *c.min && err > 0
	saturatedHigh := c.max != nil && raw >= *c.max && err < 0
	if !saturatedLow && !saturatedHigh {
		c.integral = candidate
	}
	c.integral = c.clamp(c.integral)

	c.lastOutput = c.clamp(c.kp*err + c.integral - c.kd*dMeasurement)
	c.lastMeasurement = measurement
	c.lastSampleTime = now
	return c.lastOutput
}

// SetActive pauses or resumes the controller. Resuming seeds the integral
// from the last output so control continues without a jump.
func (c *Controller) SetActive(active bool) {
	if active && !c.active {
		c.integral = c.clamp(c.lastOutput)
	}
	c.active = active
}

func (c *Controller) Active() bool {
	return c.active
}

// SetOutputLimits replaces the output bounds and re-clamps the output and
// the integral against them.
func (c *Controller) SetOutputLimits(min, max *float64) error {
	if err := validateLimits(min, max); err != nil {
		return err
	}
	c.min = copyBound(min)
	c.max = copyBound(max)
	c.lastOutput = c.clamp(c.lastOutput)
	c.integral = c.clamp(c.integral)
	return nil
}

// SetTunings replaces the gains. The integral and last output are kept.
func (c *Controller) SetTunings(kp, ki, kd float64) error {
	for _, v := range []float64{kp, ki, kd} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: gains must be finite", ErrInvalidConfig)
		}
	}
	c.scaleTunings(kp, ki, kd)
	return nil
}

func (c *Controller) SetSetpoint(sp float64) error {
	if math.IsNaN(sp) || math.IsInf(sp, 0) {
		return fmt.Errorf("%w: setpoint must be finite", ErrInvalidConfig)
	}
	c.setpoint = sp
	return nil
}

// Seed loads the integral accumulator directly, clamped to the output bounds.
func (c *Controller) Seed(integral float64) {
	c.integral = c.clamp(integral)
}

// SetLastOutput overrides the held output, clamped to the output bounds.
func (c *Controller) SetLastOutput(output float64) {
	c.lastOutput = c.clamp(output)
}

func (c *Controller) SampleTime() time.Duration {
	return c.dt
}

func (c *Controller) Snapshot() State {
	secs := c.dt.Seconds()
	return State{
		Setpoint:        c.setpoint,
		Kp:              c.kp,
		Ki:              c.ki / secs,
		Kd:              c.kd * secs,
		Integral:        c.integral,
		LastOutput:      c.lastOutput,
		LastMeasurement: c.lastMeasurement,
		LastSampleTime:  c.lastSampleTime,
		Active:          c.active,
		OutputMin:       copyBound(c.min),
		OutputMax:       copyBound(c.max),
	}
}

func (c *Controller) scaleTunings(kp, ki, kd float64) {
	secs := c.dt.Seconds()
	c.kp = kp
	c.ki = ki * secs
	c.kd = kd / secs
}

func (c *Controller) clamp(v float64) float64 {
	if c.max != nil && v > *c.max {
		return *c.max
	}
	if c.min != nil && v < *c.min {
		return *c.min
	}
	return v
}

func validateLimits(min, max *float64) error {
	for _, b := range []*float64{min, max} {
		if b != nil && math.IsNaN(*b) {
			return fmt.Errorf("%w: output bound must not be NaN", ErrInvalidConfig)
		}
	}
	if min != nil && max != nil && *min > *max {
		return fmt.Errorf("%w: output min %v greater than max %v", ErrInvalidConfig, *min, *max)
	}
	return nil
}

func copyBound(b *float64) *float64 {
	if b == nil {
		return nil
	}
	return ptr.To(*b)
}
