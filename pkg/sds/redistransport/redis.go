// Package redistransport implements transport.Transport over
// github.com/go-redis/redis/v8's PubSub, a lightweight broker binding
// used for deployments that run Redis as the pub/sub fabric and for
// tests that want a real round trip without a live MQTT broker. It
// carries a connection-handle-plus-context-per-call shape, generalized
// from key/value reads to channel publish/subscribe.
package redistransport

import (
	"context"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/fieldmesh/sds/pkg/sds/sdserrors"
	"github.com/fieldmesh/sds/pkg/sds/transport"
)

// Transport adapts a go-redis client's PubSub to transport.Transport.
// Redis has no native retained-message concept, so retained publishes
// additionally SET a mirror key ("retained:" followed by the topic)
// that a newly subscribing client can GET on
// demand; the scheduler/dispatcher layers above do not depend on this,
// since the façade always re-publishes the current shadow on startup.
type Transport struct {
	mu        sync.Mutex
	client    *redis.Client
	pubsub    *redis.PubSub
	connected bool
	handler   transport.MessageHandler
	cancel    context.CancelFunc
}

// New returns an unconnected Transport.
func New() *Transport {
	return &Transport{}
}

// Connect opens a client against the given host:port. Redis has no
// last-will primitive; opts.Will, if set, is published once right after
// connecting and is not registered anywhere, so a connection that drops
// without a graceful Shutdown produces no offline announcement.
func (t *Transport) Connect(ctx context.Context, opts transport.ConnectOptions) error {
	client := redis.NewClient(&redis.Options{
		Addr:     addr(opts),
		Username: opts.Username,
		Password: opts.Password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return sdserrors.ErrTransportConnectFailed
	}

	t.mu.Lock()
	t.client = client
	t.pubsub = client.PSubscribe(ctx) // no patterns yet; Subscribe adds them
	t.connected = true
	pctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.mu.Unlock()

	go t.pump(pctx)

	if opts.Will != nil {
		_ = t.Publish(ctx, opts.Will.Topic, opts.Will.Payload, opts.Will.Retained)
	}
	return nil
}

func addr(opts transport.ConnectOptions) string {
	if opts.Port == 0 {
		return opts.Host + ":6379"
	}
	return opts.Host + ":" + itoa(opts.Port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (t *Transport) pump(ctx context.Context) {
	t.mu.Lock()
	ps := t.pubsub
	t.mu.Unlock()
	if ps == nil {
		return
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			t.mu.Lock()
			h := t.handler
			t.mu.Unlock()
			if h != nil {
				h(msg.Channel, []byte(msg.Payload))
			}
		}
	}
}

// Disconnect closes the pubsub connection and the client.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
	if t.pubsub != nil {
		t.pubsub.Close()
		t.pubsub = nil
	}
	if t.client != nil {
		t.client.Close()
		t.client = nil
	}
	t.connected = false
}

// Connected reports whether Connect succeeded and Disconnect has not
// since been called.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Publish publishes payload on topic. retained additionally mirrors the
// payload into the key "retained:"+topic, see the Transport doc comment.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return sdserrors.ErrTransportDisconnected
	}
	if err := client.Publish(ctx, topic, payload).Err(); err != nil {
		return err
	}
	if retained {
		return client.Set(ctx, "retained:"+topic, payload, 0).Err()
	}
	return nil
}

// Subscribe adds pattern to the shared PSubscribe, translating the
// sds/+/# wildcard grammar to a Redis glob pattern. Redis glob has no
// single-level wildcard, so "+" is approximated as "*", which may over-
// match across what would be multiple MQTT topic levels; callers relying
// on strict single-level matching should prefer mqtttransport.
func (t *Transport) Subscribe(pattern string) error {
	t.mu.Lock()
	ps := t.pubsub
	t.mu.Unlock()
	if ps == nil {
		return sdserrors.ErrTransportDisconnected
	}
	return ps.PSubscribe(context.Background(), toRedisGlob(pattern))
}

// Unsubscribe drops a previously registered pattern.
func (t *Transport) Unsubscribe(pattern string) error {
	t.mu.Lock()
	ps := t.pubsub
	t.mu.Unlock()
	if ps == nil {
		return sdserrors.ErrTransportDisconnected
	}
	return ps.PUnsubscribe(context.Background(), toRedisGlob(pattern))
}

// Poll is a no-op: delivery runs on the pump goroutine started in
// Connect, so the cooperative loop has nothing to pump here.
func (t *Transport) Poll(ctx context.Context) error { return nil }

// SetMessageCallback installs the handler invoked for every delivered
// message, across every subscription.
func (t *Transport) SetMessageCallback(fn transport.MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

func toRedisGlob(pattern string) string {
	parts := strings.Split(pattern, "/")
	for i, p := range parts {
		switch p {
		case "+":
			parts[i] = "*"
		case "#":
			parts[i] = "*"
		}
	}
	return strings.Join(parts, "/")
}
