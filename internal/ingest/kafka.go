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
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/NexusGPU/slowmode/internal/config"
)

var _ manager.Runnable = (*Consumer)(nil)

const (
	defaultMaxBytes   = 1 << 20
	readRetryInterval = time.Second
)

// MessageReader is the part of kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer feeds events from a Kafka topic into a Sink. With a consumer
// group the reader commits offsets as messages are read.
type Consumer struct {
	reader MessageReader
	sink   Sink
	clock  clock.Clock
	topic  string
}

func NewKafkaConsumer(cfg config.KafkaConfig, sink Sink) (*Consumer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("%w: kafka brokers and topic are required", config.ErrInvalidConfig)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MaxBytes: defaultMaxBytes,
	})
	return NewConsumer(reader, sink, cfg.Topic), nil
}

func NewConsumer(reader MessageReader, sink Sink, topic string) *Consumer {
	return &Consumer{
		reader: reader,
		sink:   sink,
		clock:  clock.RealClock{},
		topic:  topic,
	}
}

// Start reads until ctx is done or the reader is closed.
func (c *Consumer) Start(ctx context.Context) error {
	log := log.FromContext(ctx).WithValues("topic", c.topic)
	log.Info("Starting event consumer")
	defer func() {
		if err := c.reader.Close(); err != nil {
			log.Error(err, "failed to close kafka reader")
		}
	}()

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				log.Info("Stopping event consumer")
				return nil
			}
			log.Error(err, "failed to read message")
			select {
			case <-ctx.Done():
				return nil
			case <-c.clock.After(readRetryInterval):
			}
			continue
		}

		events, err := Decode(msg.Value)
		if err != nil {
			log.Error(err, "dropping malformed message", "partition", msg.Partition, "offset", msg.Offset)
			continue
		}
		result := DispatchAll(c.sink, events)
		if result.Invalid > 0 {
			log.Info("message contained invalid events", "offset", msg.Offset, "invalid", result.Invalid)
		}
		log.V(2).Info("message dispatched", "offset", msg.Offset,
			"accepted", result.Accepted, "unknown", result.Unknown)
	}
}
