// OrderSense - Marketplace Order Recommendation and Cache Synchronization
// Copyright 2026 OrderSense Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ordersense/ordersense

package queue

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	natsgo "github.com/nats-io/nats.go"

	"github.com/ordersense/ordersense/internal/logging"
)

// Task topics.
const (
	TopicPreloadPool = "tasks.preload_pool"
	TopicCleanup     = "tasks.cleanup"
	TopicPoison      = "tasks.poison"
)

// TransportConfig selects and tunes the task transport.
type TransportConfig struct {
	// NATSURL connects to a JetStream endpoint. Empty selects the
	// in-process gochannel transport.
	NATSURL     string
	DurableName string
	QueueGroup  string
}

// Transport bundles the publisher and subscriber ends of the task queue.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Logger     watermill.LoggerAdapter
}

// NewTransport creates the task transport. With a NATS URL it builds
// durable JetStream endpoints with message-id deduplication; without one
// it falls back to an in-process channel transport, which loses queued
// tasks on restart.
func NewTransport(cfg TransportConfig) (*Transport, error) {
	logger := NewLoggerAdapter()

	if cfg.NATSURL == "" {
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, logger)
		logging.Warn().Msg("task queue running in-process, queued tasks will not survive restart")
		return &Transport{Publisher: ch, Subscriber: ch, Logger: logger}, nil
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.NATSURL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create task publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.NATSURL,
		QueueGroupPrefix: cfg.QueueGroup,
		AckWaitTimeout:   30 * time.Second,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			DurablePrefix: cfg.DurableName,
			SubscribeOptions: []natsgo.SubOpt{
				natsgo.MaxDeliver(5),
				natsgo.AckWait(30 * time.Second),
				natsgo.DeliverNew(),
			},
		},
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("create task subscriber: %w", err)
	}

	return &Transport{Publisher: pub, Subscriber: sub, Logger: logger}, nil
}

// Close shuts both ends down.
func (t *Transport) Close() error {
	pubErr := t.Publisher.Close()
	subErr := t.Subscriber.Close()
	if pubErr != nil {
		return pubErr
	}
	return subErr
}
