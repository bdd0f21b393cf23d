// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mqttsink forwards supervisor events to an MQTT broker, so that
// other systems can follow what nodevisord is doing.  Each event is
// published as JSON to <prefix>/events/<type>; the default process status
// is also kept as a retained message at <prefix>/status.
package mqttsink

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/gdamore/nodevisor"
	"github.com/gdamore/nodevisor/config"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
)

var (
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrNotConnected     = errors.New("mqtt: not connected")
)

// publisher is the part of a broker connection the sink needs.
type publisher interface {
	Publish(topic string, payload []byte, retained bool) error
	Close()
}

// Sink is a nodevisor.EventSink that publishes to MQTT.
type Sink struct {
	pub         publisher
	topics      Topics
	includeLogs bool
	mx          sync.Mutex
}

// Connect establishes the broker connection described by cfg.
func Connect(cfg config.MQTTConfig) (*Sink, error) {
	c, err := dial(cfg)
	if err != nil {
		return nil, err
	}
	return newSink(c, cfg.TopicPrefix, cfg.IncludeLogs), nil
}

func newSink(pub publisher, prefix string, includeLogs bool) *Sink {
	return &Sink{
		pub:         pub,
		topics:      Topics{Prefix: prefix},
		includeLogs: includeLogs,
	}
}

// HandleEvent publishes ev.  Log events are skipped unless logs were asked
// for, as they can be very chatty.
func (s *Sink) HandleEvent(ev nodevisor.Event) error {
	if ev.Type == nodevisor.EventLog && !s.includeLogs {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if err := s.pub.Publish(s.topics.Event(ev.Type), payload, false); err != nil {
		return err
	}
	if ev.Type == nodevisor.EventStatus {
		return s.pub.Publish(s.topics.Status(), []byte(ev.Status), true)
	}
	return nil
}

// Close disconnects from the broker.
func (s *Sink) Close() {
	s.pub.Close()
}

// Topics builds topic names under a common prefix.
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return "nodevisor"
	}
	return t.Prefix
}

// Event is where events of type et are published.
func (t Topics) Event(et nodevisor.EventType) string {
	return t.prefix() + "/events/" + string(et)
}

// Status holds the retained default process status.
func (t Topics) Status() string {
	return t.prefix() + "/status"
}

// Online holds the retained connection state of nodevisord itself.
func (t Topics) Online() string {
	return t.prefix() + "/online"
}

// client is a publisher backed by paho.
type client struct {
	c      pahomqtt.Client
	qos    byte
	topics Topics
}

func dial(cfg config.MQTTConfig) (*client, error) {
	topics := Topics{Prefix: cfg.TopicPrefix}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetWill(topics.Online(), "offline", byte(cfg.QoS), true)

	c := &client{
		c:      pahomqtt.NewClient(opts),
		qos:    byte(cfg.QoS),
		topics: topics,
	}
	token := c.c.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if err := c.Publish(topics.Online(), []byte("online"), true); err != nil {
		c.c.Disconnect(defaultDisconnectQuiesce)
		return nil, err
	}
	return c, nil
}

func (c *client) Publish(topic string, payload []byte, retained bool) error {
	if !c.c.IsConnected() {
		return ErrNotConnected
	}
	token := c.c.Publish(topic, c.qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

func (c *client) Close() {
	if c.c.IsConnected() {
		token := c.c.Publish(c.topics.Online(), c.qos, true, []byte("offline"))
		token.WaitTimeout(defaultPublishTimeout)
	}
	c.c.Disconnect(defaultDisconnectQuiesce)
}
