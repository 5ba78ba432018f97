// Package transport defines the external pub/sub broker client interface
// the SDS core depends on (the source library's "Transport"), plus the
// Connection Supervisor state machine that drives reconnect-with-backoff
// and table re-subscription on top of it. The interface is intentionally
// narrow: connect-with-will, disconnect, a connection check, publish,
// subscribe, unsubscribe, a bounded poll, and a single message callback.
package transport

import "context"

// Will describes a last-will registration attached at connect time.
type Will struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// ConnectOptions carries everything Connect needs to dial the broker.
type ConnectOptions struct {
	Host     string
	Port     int
	ClientID string
	Username string
	Password string
	Will     *Will
}

// MessageHandler receives one delivered (topic, payload) pair. The core
// treats every invocation as running under the same logical lock as
// Loop(); the handler pkg/sds.New installs acquires the node's mutex
// itself, so a binding may call it directly from its own delivery
// goroutine.
type MessageHandler func(topic string, payload []byte)

// Transport is the broker client interface. Implementations: mqtttransport
// (paho.mqtt.golang) and redistransport (go-redis pub/sub), plus Fake for
// tests.
type Transport interface {
	Connect(ctx context.Context, opts ConnectOptions) error
	Disconnect()
	Connected() bool
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
	Subscribe(pattern string) error
	Unsubscribe(pattern string) error
	// Poll drains any buffered transport events without blocking longer
	// than the context's deadline; called once per Loop() iteration.
	Poll(ctx context.Context) error
	SetMessageCallback(fn MessageHandler)
}
