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

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/yaml"

	"github.com/NexusGPU/slowmode/internal/pid"
	"github.com/NexusGPU/slowmode/internal/tracker"
	"github.com/NexusGPU/slowmode/internal/utils"
)

const (
	ActuatorBaseURLEnv = "SLOWMODE_ACTUATOR_BASE_URL"
	KafkaBrokersEnv    = "SLOWMODE_KAFKA_BROKERS"

	DefaultActuationTimeout = 10 * time.Second
	DefaultAuthScheme       = "Bot"
)

// ErrInvalidConfig is returned for any configuration that cannot be used
// to start the control loop.
var ErrInvalidConfig = pid.ErrInvalidConfig

type Config struct {
	// TickInterval is the sampling period shared by every controller
	TickInterval     metav1.Duration  `json:"tickInterval"`
	ActuationTimeout *metav1.Duration `json:"actuationTimeout,omitempty"`

	Actuator ActuatorConfig `json:"actuator"`
	Kafka    *KafkaConfig   `json:"kafka,omitempty"`

	// AutoRegister creates unknown channels from Defaults on first event
	AutoRegister bool                     `json:"autoRegister,omitempty"`
	Defaults     *ChannelConfig           `json:"defaults,omitempty"`
	Channels     map[string]ChannelConfig `json:"channels"`
}

type ActuatorConfig struct {
	BaseURL     string           `json:"baseURL"`
	TokenEnv    string           `json:"tokenEnv,omitempty"`
	AuthScheme  string           `json:"authScheme,omitempty"`
	AuditReason string           `json:"auditReason,omitempty"`
	Timeout     *metav1.Duration `json:"timeout,omitempty"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
	GroupID string   `json:"groupID,omitempty"`
}

// ChannelConfig holds the control parameters of one channel. Fields left
// unset fall back to the top level defaults.
type ChannelConfig struct {
	// Setpoint in events per participant per second
	Setpoint *float64 `json:"setpoint,omitempty"`
	// SetpointPerMinute is converted to a per second setpoint
	SetpointPerMinute *float64 `json:"setpointPerMinute,omitempty"`

	Kp *float64 `json:"kp,omitempty"`
	Ki *float64 `json:"ki,omitempty"`
	Kd *float64 `json:"kd,omitempty"`

	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`

	IntegralSeed string `json:"integralSeed,omitempty"`
}

// Load reads, overrides from the environment and validates the file.
func Load(filename string) (*Config, error) {
	cfg := &Config{}
	if err := utils.LoadConfigFromFile(filename, cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", filename, err)
	}
	return cfg, cfg.complete()
}

// Parse is Load for content already read, as delivered by the file watcher.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.complete()
}

func (c *Config) complete() error {
	c.applyEnvOverrides()
	return c.Validate()
}

func (c *Config) applyEnvOverrides() {
	c.Actuator.BaseURL = utils.GetEnvOrDefault(ActuatorBaseURLEnv, c.Actuator.BaseURL)
	if brokers := utils.GetEnvOrDefault(KafkaBrokersEnv, ""); brokers != "" {
		if c.Kafka == nil {
			c.Kafka = &KafkaConfig{}
		}
		c.Kafka.Brokers = splitList(brokers)
	}
}

func (c *Config) Validate() error {
	if c.TickInterval.Duration <= 0 {
		return fmt.Errorf("%w: tickInterval must be positive, got %s", ErrInvalidConfig, c.TickInterval.Duration)
	}
	if c.ActuationTimeout != nil && c.ActuationTimeout.Duration <= 0 {
		return fmt.Errorf("%w: actuationTimeout must be positive", ErrInvalidConfig)
	}
	if c.Kafka != nil && len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("%w: kafka topic is required when brokers are set", ErrInvalidConfig)
	}
	if c.AutoRegister {
		if c.Defaults == nil {
			return fmt.Errorf("%w: autoRegister requires defaults", ErrInvalidConfig)
		}
		if _, err := c.DefaultTrackerConfig(); err != nil {
			return err
		}
	}
	for id := range c.Channels {
		if _, err := c.TrackerConfig(id); err != nil {
			return err
		}
	}
	return nil
}

// EffectiveActuationTimeout is the configured timeout, or the default
// capped at the tick interval.
func (c *Config) EffectiveActuationTimeout() time.Duration {
	if c.ActuationTimeout != nil {
		return c.ActuationTimeout.Duration
	}
	return min(DefaultActuationTimeout, c.TickInterval.Duration)
}

// TrackerConfig resolves the channel id against the defaults.
func (c *Config) TrackerConfig(id string) (tracker.Config, error) {
	ch, ok := c.Channels[id]
	if !ok {
		return tracker.Config{}, fmt.Errorf("%w: channel %s not configured", ErrInvalidConfig, id)
	}
	resolved, err := ch.merge(c.Defaults).resolve(c.TickInterval.Duration)
	if err != nil {
		return tracker.Config{}, fmt.Errorf("channel %s: %w", id, err)
	}
	return resolved, nil
}

// TrackerConfigs resolves every configured channel.
func (c *Config) TrackerConfigs() (map[string]tracker.Config, error) {
	out := make(map[string]tracker.Config, len(c.Channels))
	for id := range c.Channels {
		tc, err := c.TrackerConfig(id)
		if err != nil {
			return nil, err
		}
		out[id] = tc
	}
	return out, nil
}

// DefaultTrackerConfig resolves the defaults alone, used for channels
// registered on first sight.
func (c *Config) DefaultTrackerConfig() (tracker.Config, error) {
	if c.Defaults == nil {
		return tracker.Config{}, fmt.Errorf("%w: no defaults configured", ErrInvalidConfig)
	}
	resolved, err := c.Defaults.resolve(c.TickInterval.Duration)
	if err != nil {
		return tracker.Config{}, fmt.Errorf("defaults: %w", err)
	}
	return resolved, nil
}

// Authorization builds the header value from the token environment
// variable. Empty when no token is available.
func (a ActuatorConfig) Authorization() string {
	if a.TokenEnv == "" {
		return ""
	}
	token := os.Getenv(a.TokenEnv)
	if token == "" {
		return ""
	}
	scheme := a.AuthScheme
	if scheme == "" {
		scheme = DefaultAuthScheme
	}
	return scheme + " " + token
}

func (ch ChannelConfig) merge(defaults *ChannelConfig) ChannelConfig {
	if defaults == nil {
		return ch
	}
	if ch.Setpoint == nil && ch.SetpointPerMinute == nil {
		ch.Setpoint = defaults.Setpoint
		ch.SetpointPerMinute = defaults.SetpointPerMinute
	}
	ch.Kp = firstSet(ch.Kp, defaults.Kp)
	ch.Ki = firstSet(ch.Ki, defaults.Ki)
	ch.Kd = firstSet(ch.Kd, defaults.Kd)
	ch.Min = firstSet(ch.Min, defaults.Min)
	ch.Max = firstSet(ch.Max, defaults.Max)
	if ch.IntegralSeed == "" {
		ch.IntegralSeed = defaults.IntegralSeed
	}
	return ch
}

func (ch ChannelConfig) resolve(tick time.Duration) (tracker.Config, error) {
	var setpoint float64
	switch {
	case ch.Setpoint != nil && ch.SetpointPerMinute != nil:
		return tracker.Config{}, fmt.Errorf("%w: setpoint and setpointPerMinute are mutually exclusive", ErrInvalidConfig)
	case ch.Setpoint != nil:
		setpoint = *ch.Setpoint
	case ch.SetpointPerMinute != nil:
		setpoint = *ch.SetpointPerMinute / 60
	default:
		return tracker.Config{}, fmt.Errorf("%w: setpoint is required", ErrInvalidConfig)
	}

	switch {
	case ch.Kp == nil:
		return tracker.Config{}, fmt.Errorf("%w: kp is required", ErrInvalidConfig)
	case ch.Ki == nil:
		return tracker.Config{}, fmt.Errorf("%w: ki is required", ErrInvalidConfig)
	case ch.Kd == nil:
		return tracker.Config{}, fmt.Errorf("%w: kd is required", ErrInvalidConfig)
	}

	seed, err := tracker.ParseSeedStrategy(ch.IntegralSeed)
	if err != nil {
		return tracker.Config{}, err
	}

	// dry run so bad gains and bounds fail at load time
	if _, err := pid.New(pid.Config{
		Setpoint:   setpoint,
		Kp:         *ch.Kp,
		Ki:         *ch.Ki,
		Kd:         *ch.Kd,
		SampleTime: tick,
		OutputMin:  ch.Min,
		OutputMax:  ch.Max,
	}); err != nil {
		return tracker.Config{}, err
	}

	return tracker.Config{
		Setpoint:  setpoint,
		Kp:        *ch.Kp,
		Ki:        *ch.Ki,
		Kd:        *ch.Kd,
		OutputMin: copyPtr(ch.Min),
		OutputMax: copyPtr(ch.Max),
		Seed:      seed,
	}, nil
}

func firstSet(v, fallback *float64) *float64 {
	if v != nil {
		return v
	}
	return fallback
}

func copyPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return ptr.To(*v)
}

func splitList(s string) []string {
	return lo.Compact(lo.Map(strings.Split(s, ","), func(part string, _ int) string {
		return strings.TrimSpace(part)
	}))
}
