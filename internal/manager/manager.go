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

package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/NexusGPU/slowmode/internal/actuator"
	"github.com/NexusGPU/slowmode/internal/config"
	"github.com/NexusGPU/slowmode/internal/metrics"
	"github.com/NexusGPU/slowmode/internal/pid"
	"github.com/NexusGPU/slowmode/internal/tracker"
)

var (
	_ manager.Runnable               = (*Manager)(nil)
	_ manager.LeaderElectionRunnable = (*Manager)(nil)
)

const DefaultTickInterval = 30 * time.Second

var (
	ErrAlreadyRegistered = errors.New("entity already registered")
	ErrNotFound          = errors.New("entity not found")
	ErrAlreadyStarted    = errors.New("manager already started")
	ErrStopped           = errors.New("manager stopped")
)

// Manager owns the rate trackers and drives all of them from one ticker.
// Every tick samples the active trackers and pushes changed proposals to
// the actuator, one goroutine per actuation.
type Manager struct {
	actuator     actuator.Actuator
	clock        clock.WithTicker
	tickInterval time.Duration
	recorder     metrics.Recorder
	logger       logr.Logger

	// nanoseconds, replaced on config reload
	actuationTimeout atomic.Int64

	mu       sync.RWMutex
	trackers map[string]*tracker.RateTracker
	// ids created from the auto registration defaults
	autoRegistered map[string]struct{}
	autoRegister   *tracker.Config

	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	// guards the stopped flip against inFlight.Add
	stopMu   sync.Mutex
	stopCtx  context.Context
	stopFunc context.CancelFunc
	inFlight sync.WaitGroup
}

type Option func(*Manager)

func WithTickInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.tickInterval = d
	}
}

func WithActuationTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.actuationTimeout.Store(int64(d))
	}
}

func WithClock(c clock.WithTicker) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

func WithRecorder(r metrics.Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

func WithLogger(l logr.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithAutoRegister registers unknown entities with cfg on their first event.
func WithAutoRegister(cfg tracker.Config) Option {
	return func(m *Manager) {
		m.autoRegister = &cfg
	}
}

func New(act actuator.Actuator, opts ...Option) (*Manager, error) {
	if act == nil {
		return nil, errors.New("must specify actuator")
	}

	m := &Manager{
		actuator:       act,
		clock:          clock.RealClock{},
		tickInterval:   DefaultTickInterval,
		recorder:       metrics.Noop{},
		logger:         ctrl.Log.WithName("manager"),
		trackers:       map[string]*tracker.RateTracker{},
		autoRegistered: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.tickInterval <= 0 {
		return nil, fmt.Errorf("%w: tick interval must be positive, got %s", pid.ErrInvalidConfig, m.tickInterval)
	}
	if m.actuationTimeout.Load() == 0 {
		m.actuationTimeout.Store(int64(min(config.DefaultActuationTimeout, m.tickInterval)))
	}
	if m.actuationTimeout.Load() < 0 {
		return nil, fmt.Errorf("%w: actuation timeout must be positive", pid.ErrInvalidConfig)
	}
	if m.autoRegister != nil {
		// fail now rather than on the first unknown event
		if _, err := m.newTracker("defaults", *m.autoRegister); err != nil {
			return nil, err
		}
	}

	m.stopCtx, m.stopFunc = context.WithCancel(context.Background())
	return m, nil
}

func (m *Manager) TickInterval() time.Duration {
	return m.tickInterval
}

func (m *Manager) newTracker(id string, cfg tracker.Config) (*tracker.RateTracker, error) {
	return tracker.NewRateTracker(id, cfg, m.tickInterval, pid.WithClock(m.clock))
}

// Register adds an entity. Registering an id twice is an error.
func (m *Manager) Register(id string, cfg tracker.Config) error {
	t, err := m.newTracker(id, cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.trackers[id]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	m.trackers[id] = t
	m.recorder.Registered(len(m.trackers))
	return nil
}

// Remove drops an entity. A tick already holding the tracker skips it and
// results of its pending actuation are discarded.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	t, exists := m.trackers[id]
	if exists {
		delete(m.trackers, id)
		delete(m.autoRegistered, id)
		m.recorder.Registered(len(m.trackers))
	}
	m.mu.Unlock()

	if !exists {
		return false
	}
	t.MarkRemoved()
	m.recorder.Forget(id)
	return true
}

func (m *Manager) Get(id string) (*tracker.RateTracker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trackers[id]
	return t, ok
}

// IDs returns the registered ids in ascending order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	ids := lo.Keys(m.trackers)
	m.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.trackers)
}

// RecordEvent routes an event to its tracker. Events for unknown entities
// are dropped unless auto registration is enabled.
func (m *Manager) RecordEvent(id, participantID string) bool {
	if t, ok := m.Get(id); ok {
		t.RecordEvent(participantID)
		return true
	}

	t, ok := m.autoRegisterTracker(id)
	if !ok {
		return false
	}
	t.RecordEvent(participantID)
	return true
}

func (m *Manager) autoRegisterTracker(id string) (*tracker.RateTracker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, exists := m.trackers[id]; exists {
		return t, true
	}
	if m.autoRegister == nil {
		return nil, false
	}
	t, err := m.newTracker(id, *m.autoRegister)
	if err != nil {
		m.logger.Error(err, "failed to auto register entity", "entity", id)
		return nil, false
	}
	m.trackers[id] = t
	m.autoRegistered[id] = struct{}{}
	m.recorder.Registered(len(m.trackers))
	m.logger.Info("entity auto registered", "entity", id)
	return t, true
}

// ObserveActuation records a value seen in effect outside the control loop.
func (m *Manager) ObserveActuation(id string, value int) bool {
	t, ok := m.Get(id)
	if !ok {
		return false
	}
	t.ObserveActuation(value)
	return true
}

func (m *Manager) Status(id string) (tracker.Status, error) {
	t, ok := m.Get(id)
	if !ok {
		return tracker.Status{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.Status(), nil
}

// Statuses returns every tracker status ordered by id.
func (m *Manager) Statuses() []tracker.Status {
	m.mu.RLock()
	snapshot := lo.Values(m.trackers)
	m.mu.RUnlock()

	statuses := lo.Map(snapshot, func(t *tracker.RateTracker, _ int) tracker.Status {
		return t.Status()
	})
	slices.SortFunc(statuses, func(a, b tracker.Status) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return statuses
}

func (m *Manager) Pause(id string) error {
	return m.with(id, func(t *tracker.RateTracker) error {
		t.Pause()
		return nil
	})
}

func (m *Manager) Resume(id string) error {
	return m.with(id, func(t *tracker.RateTracker) error {
		t.Resume()
		return nil
	})
}

func (m *Manager) Retune(id string, kp, ki, kd float64) error {
	return m.with(id, func(t *tracker.RateTracker) error {
		return t.Retune(kp, ki, kd)
	})
}

func (m *Manager) SetLimits(id string, outputMin, outputMax *float64) error {
	return m.with(id, func(t *tracker.RateTracker) error {
		return t.SetLimits(outputMin, outputMax)
	})
}

func (m *Manager) with(id string, fn func(*tracker.RateTracker) error) error {
	t, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fn(t)
}

// Start runs the tick loop until ctx is done or Stop is called, then waits
// for in-flight actuations to return.
func (m *Manager) Start(ctx context.Context) error {
	if m.stopped.Load() {
		return ErrStopped
	}
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	log := log.FromContext(ctx)
	log.Info("Starting slowmode manager", "tickInterval", m.tickInterval, "entities", m.Len())

	ticker := m.clock.NewTicker(m.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C():
			m.TickAt(ctx, now)
		case <-ctx.Done():
			log.Info("Stopping slowmode manager")
			m.Stop()
			return nil
		case <-m.stopCtx.Done():
			log.Info("Stopping slowmode manager")
			m.Stop()
			return nil
		}
	}
}

// Stop ends the tick loop, cancels pending actuations and waits for them.
// Results that arrive afterwards are dropped. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.stopMu.Lock()
		m.stopped.Store(true)
		m.stopMu.Unlock()
		m.stopFunc()
	})
	m.inFlight.Wait()
}

// Running reports whether the tick loop is active.
func (m *Manager) Running() bool {
	return m.started.Load() && !m.stopped.Load()
}

func (m *Manager) NeedLeaderElection() bool {
	return false
}

// Tick runs one sampling pass stamped with the current time.
func (m *Manager) Tick(ctx context.Context) {
	m.TickAt(ctx, m.clock.Now())
}

// TickAt runs one sampling pass with every sample stamped at now, the
// ticker's fire time when driven by Start. It must not run concurrently
// with itself; Start guarantees that.
func (m *Manager) TickAt(ctx context.Context, now time.Time) {
	log := log.FromContext(ctx)
	start := m.clock.Now()

	m.mu.RLock()
	snapshot := lo.Values(m.trackers)
	m.mu.RUnlock()

	sampled, idle := 0, 0
	for _, t := range snapshot {
		if t.Removed() {
			continue
		}
		if !t.HasActivity() {
			idle++
			continue
		}
		sampled++

		sample := t.SampleAt(now)
		m.recorder.Sampled(t.ID, sample.Rate, sample.Output, sample.Proposed)
		log.V(1).Info("sampled", "entity", t.ID, "events", sample.Events,
			"participants", sample.Participants, "rate", sample.Rate,
			"output", sample.Output, "proposed", sample.Proposed)

		if sample.Proposed == t.CurrentActuation() {
			m.recorder.ActuationSkipped(t.ID, metrics.SkipUnchanged)
			continue
		}
		if m.stopped.Load() {
			m.recorder.ActuationSkipped(t.ID, metrics.SkipStopped)
			continue
		}
		if !t.TryBeginActuation() {
			log.V(1).Info("previous actuation still in flight", "entity", t.ID)
			m.recorder.ActuationSkipped(t.ID, metrics.SkipInFlight)
			continue
		}
		if !m.actuate(ctx, t, sample.Proposed) {
			t.EndActuation()
			m.recorder.ActuationSkipped(t.ID, metrics.SkipStopped)
		}
	}

	m.recorder.TickCompleted(sampled, idle, m.clock.Since(start))
}

// actuate launches the actuation unless the manager stopped, which Stop
// may do concurrently with a tick.
func (m *Manager) actuate(ctx context.Context, t *tracker.RateTracker, value int) bool {
	m.stopMu.Lock()
	if m.stopped.Load() {
		m.stopMu.Unlock()
		return false
	}
	m.inFlight.Add(1)
	m.stopMu.Unlock()

	go func() {
		defer m.inFlight.Done()
		defer t.EndActuation()

		log := log.FromContext(ctx).WithValues("entity", t.ID, "value", value)
		actx, cancel := context.WithTimeout(ctx, time.Duration(m.actuationTimeout.Load()))
		defer cancel()
		stopAfter := context.AfterFunc(m.stopCtx, cancel)
		defer stopAfter()

		start := m.clock.Now()
		applied, err := m.actuator.Apply(actx, t.ID, value)
		elapsed := m.clock.Since(start)

		if m.stopped.Load() || t.Removed() {
			log.V(1).Info("dropping actuation result", "stopped", m.stopped.Load(), "removed", t.Removed())
			return
		}
		if err != nil {
			m.recorder.ActuationFailed(t.ID, elapsed)
			log.Error(err, "actuation failed", "transient", actuator.IsTransient(err))
			return
		}

		t.SetCurrentActuation(applied)
		m.recorder.ActuationSucceeded(t.ID, applied, elapsed)
		log.Info("actuation applied", "applied", applied)
	}()
	return true
}

// ApplyConfig reconciles the registry with cfg. Configured entities are
// retuned in place or registered, entities no longer configured are
// removed. Auto registered entities are kept. The tick interval is bound
// into every controller and is not changed.
func (m *Manager) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	log := log.FromContext(ctx)

	if cfg.TickInterval.Duration != m.tickInterval {
		log.Info("tick interval cannot change at runtime, ignoring",
			"current", m.tickInterval, "configured", cfg.TickInterval.Duration)
	}

	desired, err := cfg.TrackerConfigs()
	if err != nil {
		return err
	}
	var defaults *tracker.Config
	if cfg.AutoRegister {
		d, err := cfg.DefaultTrackerConfig()
		if err != nil {
			return err
		}
		defaults = &d
	}

	var errs []error
	for _, id := range lo.Keys(desired) {
		tc := desired[id]
		if t, ok := m.Get(id); ok {
			if err := t.Reconfigure(tc); err != nil {
				errs = append(errs, fmt.Errorf("entity %s: %w", id, err))
			}
			m.mu.Lock()
			delete(m.autoRegistered, id)
			m.mu.Unlock()
			continue
		}
		if err := m.Register(id, tc); err != nil {
			errs = append(errs, err)
			continue
		}
		log.Info("entity registered", "entity", id)
	}

	m.mu.RLock()
	stale := lo.Filter(lo.Keys(m.trackers), func(id string, _ int) bool {
		_, configured := desired[id]
		_, auto := m.autoRegistered[id]
		return !configured && !auto
	})
	m.mu.RUnlock()
	for _, id := range stale {
		if m.Remove(id) {
			log.Info("entity removed", "entity", id)
		}
	}

	m.mu.Lock()
	m.autoRegister = defaults
	m.mu.Unlock()
	m.actuationTimeout.Store(int64(cfg.EffectiveActuationTimeout()))

	return errors.Join(errs...)
}
