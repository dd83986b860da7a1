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

package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type EventType string

const (
	MessageCreate EventType = "message_create"
	ChannelCreate EventType = "channel_create"
	ChannelUpdate EventType = "channel_update"
)

var (
	ErrInvalidEvent  = errors.New("invalid event")
	ErrUnknownEntity = errors.New("unknown entity")
)

// Event is one entry of the event feed. Message events count towards the
// channel rate, channel events report the slowmode currently in effect.
type Event struct {
	Type      EventType `json:"type"`
	ChannelID string    `json:"channel_id"`
	AuthorID  string    `json:"author_id,omitempty"`
	// RateLimitPerUser is absent when the channel has no slowmode
	RateLimitPerUser *int `json:"rate_limit_per_user,omitempty"`
}

func (e Event) Validate() error {
	if e.ChannelID == "" {
		return fmt.Errorf("%w: channel_id is required", ErrInvalidEvent)
	}
	switch e.Type {
	case MessageCreate:
		if e.AuthorID == "" {
			return fmt.Errorf("%w: author_id is required for %s", ErrInvalidEvent, e.Type)
		}
	case ChannelCreate, ChannelUpdate:
		if e.RateLimitPerUser != nil && *e.RateLimitPerUser < 0 {
			return fmt.Errorf("%w: negative rate_limit_per_user", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidEvent, e.Type)
	}
	return nil
}

// Decode accepts a single event object or an array of events.
func Decode(data []byte) ([]Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidEvent)
	}

	if data[0] == '[' {
		var events []Event
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
		return events, nil
	}

	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	return []Event{e}, nil
}

// Sink receives decoded events. The manager implements it.
type Sink interface {
	RecordEvent(entityID, participantID string) bool
	ObserveActuation(entityID string, value int) bool
}

// Dispatch validates e and hands it to sink.
func Dispatch(sink Sink, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	var accepted bool
	switch e.Type {
	case MessageCreate:
		accepted = sink.RecordEvent(e.ChannelID, e.AuthorID)
	case ChannelCreate, ChannelUpdate:
		value := 0
		if e.RateLimitPerUser != nil {
			value = *e.RateLimitPerUser
		}
		accepted = sink.ObserveActuation(e.ChannelID, value)
	}
	if !accepted {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, e.ChannelID)
	}
	return nil
}

// Result summarises a batch dispatch.
type Result struct {
	Accepted int `json:"accepted"`
	Unknown  int `json:"unknown"`
	Invalid  int `json:"invalid"`
}

func DispatchAll(sink Sink, events []Event) Result {
	var r Result
	for _, e := range events {
		switch err := Dispatch(sink, e); {
		case err == nil:
			r.Accepted++
		case errors.Is(err, ErrUnknownEntity):
			r.Unknown++
		default:
			r.Invalid++
		}
	}
	return r
}
