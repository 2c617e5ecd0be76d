/*
Copyright 2021.

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

package dea

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/nats-io/nats.go"
)

type Subscription interface {
	Unsubscribe() error
}

type MessageBus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (Subscription, error)
}

// NatsMessageBus talks to the DEAs over NATS
type NatsMessageBus struct {
	conn *nats.Conn
}

func NewNatsMessageBus(url string, logger logr.Logger) (*NatsMessageBus, error) {
	conn, err := nats.Connect(url,
		nats.Name("cf-crd-staging"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error(err, "disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(fmt.Sprintf("Reconnected to NATS at %s", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	return &NatsMessageBus{conn: conn}, nil
}

func (b *NatsMessageBus) Publish(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

func (b *NatsMessageBus) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Close drains pending messages before closing the connection
func (b *NatsMessageBus) Close() error {
	return b.conn.Drain()
}
