// Package mqtttransport implements transport.Transport over
// github.com/eclipse/paho.mqtt.golang, the reference broker binding for
// a deployed node: one external client handle behind our own thin
// interface, dial on Connect, tear down on Disconnect, wrapping the
// async, callback-driven Paho client.
package mqtttransport

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/fieldmesh/sds/pkg/sds/log"
	"github.com/fieldmesh/sds/pkg/sds/sdserrors"
	"github.com/fieldmesh/sds/pkg/sds/transport"
)

// connectTimeout bounds how long Connect waits for the broker handshake.
const connectTimeout = 10 * time.Second

// Transport adapts a Paho client to transport.Transport.
type Transport struct {
	mu      sync.Mutex
	client  mqtt.Client
	handler transport.MessageHandler
}

// New returns an unconnected Transport.
func New() *Transport {
	return &Transport{}
}

func (t *Transport) onMessage(_ mqtt.Client, msg mqtt.Message) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(msg.Topic(), msg.Payload())
	}
}

// Connect dials the broker with the given options, registering a last
// will if opts.Will is set. It blocks up to connectTimeout.
func (t *Transport) Connect(ctx context.Context, opts transport.ConnectOptions) error {
	brokerURL := fmt.Sprintf("tcp://%s:%d", opts.Host, opts.Port)
	mqttOpts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(false). // transport.Supervisor owns reconnect/backoff
		SetConnectTimeout(connectTimeout).
		SetDefaultPublishHandler(t.onMessage)

	if opts.Username != "" {
		mqttOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		mqttOpts.SetPassword(opts.Password)
	}
	if opts.Will != nil {
		mqttOpts.SetWill(opts.Will.Topic, string(opts.Will.Payload), 1, opts.Will.Retained)
	}
	mqttOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Logger.WithError(err).Warn("mqtttransport: connection lost")
	})

	client := mqtt.NewClient(mqttOpts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("%w: connect timed out after %s", sdserrors.ErrTransportConnectFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s", sdserrors.ErrTransportConnectFailed, err)
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()
	return nil
}

// Disconnect closes the client connection, waiting up to 250ms for
// in-flight work to settle.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
}

// Connected reports whether the underlying client believes it holds a
// live connection.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	return client != nil && client.IsConnectionOpen()
}

// Publish sends payload to topic at QoS 1.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return sdserrors.ErrTransportDisconnected
	}
	token := client.Publish(topic, 1, retained, payload)
	token.Wait()
	return token.Error()
}

// Subscribe registers pattern (which may contain +/# wildcards) with the
// client, routing every delivered message through the shared handler.
func (t *Transport) Subscribe(pattern string) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return sdserrors.ErrTransportDisconnected
	}
	token := client.Subscribe(pattern, 1, func(_ mqtt.Client, msg mqtt.Message) {
		t.onMessage(nil, msg)
	})
	token.Wait()
	return token.Error()
}

// Unsubscribe drops a previously registered pattern.
func (t *Transport) Unsubscribe(pattern string) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return sdserrors.ErrTransportDisconnected
	}
	token := client.Unsubscribe(pattern)
	token.Wait()
	return token.Error()
}

// Poll is a no-op: Paho delivers messages on its own goroutines via the
// registered handler, so the cooperative loop has nothing to pump here.
func (t *Transport) Poll(ctx context.Context) error { return nil }

// SetMessageCallback installs the handler invoked for every delivered
// message, across every subscription.
func (t *Transport) SetMessageCallback(fn transport.MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}
