// Package pushsink provides the MQTT push backend. Values are published as
// retained messages so a device that subscribes late still sees the latest
// write; removing a key publishes an empty retained message, which clears it.
package pushsink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const connectTimeout = 10 * time.Second

// Publisher is the part of mqtt.Client the sink needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Options struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// Connect dials the broker and waits for the session to be established.
func Connect(opts Options) (mqtt.Client, error) {
	co := mqtt.NewClientOptions().AddBroker(opts.Broker).SetClientID(opts.ClientID)
	co.SetAutoReconnect(true)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	client := mqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connect to %s: timed out", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", opts.Broker, err)
	}
	return client, nil
}

type MQTT struct {
	client Publisher
	prefix string
	qos    byte

	mu     sync.Mutex
	topics map[string]struct{}
}

func New(client Publisher, prefix string, qos byte) *MQTT {
	return &MQTT{
		client: client,
		prefix: prefix,
		qos:    qos,
		topics: make(map[string]struct{}),
	}
}

func (m *MQTT) publish(ctx context.Context, topic string, payload []byte) error {
	token := m.client.Publish(topic, m.qos, true, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MQTT) Set(ctx context.Context, key string, value []byte) error {
	topic := m.prefix + key
	if err := m.publish(ctx, topic, value); err != nil {
		return err
	}
	m.mu.Lock()
	m.topics[topic] = struct{}{}
	m.mu.Unlock()
	return nil
}

// Remove clears key and every topic this sink has written below it.
func (m *MQTT) Remove(ctx context.Context, key string) error {
	root := m.prefix + key
	m.mu.Lock()
	targets := []string{root}
	for topic := range m.topics {
		if strings.HasPrefix(topic, root+"/") {
			targets = append(targets, topic)
		}
	}
	m.mu.Unlock()

	for _, topic := range targets {
		if err := m.publish(ctx, topic, nil); err != nil {
			return err
		}
		m.mu.Lock()
		delete(m.topics, topic)
		m.mu.Unlock()
	}
	return nil
}
