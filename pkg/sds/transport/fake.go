package transport

import (
	"context"
	"strings"
	"sync"
)

// Published is one recorded outbound publish.
type Published struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Fake is an in-memory Transport test double: it records every publish
// and subscribe call and lets tests deliver inbound messages directly,
// without a live broker, keeping these unit tests rather than
// integration tests against a real broker.
type Fake struct {
	mu            sync.Mutex
	connected     bool
	failNextConn  bool
	Published     []Published
	Subscriptions map[string]int
	handler       MessageHandler
}

// NewFake returns a ready-to-use Fake transport.
func NewFake() *Fake {
	return &Fake{Subscriptions: make(map[string]int)}
}

// FailNextConnect makes the next Connect call return an error, used to
// exercise the supervisor's backoff path.
func (f *Fake) FailNextConnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNextConn = true
}

func (f *Fake) Connect(ctx context.Context, opts ConnectOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextConn {
		f.failNextConn = false
		return context.DeadlineExceeded
	}
	f.connected = true
	return nil
}

func (f *Fake) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.Published = append(f.Published, Published{Topic: topic, Payload: cp, Retained: retained})
	return nil
}

func (f *Fake) Subscribe(pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Subscriptions[pattern]++
	return nil
}

func (f *Fake) Unsubscribe(pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Subscriptions, pattern)
	return nil
}

func (f *Fake) Poll(ctx context.Context) error { return nil }

func (f *Fake) SetMessageCallback(fn MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = fn
}

// Deliver simulates the broker delivering one message to this client.
func (f *Fake) Deliver(topic string, payload []byte) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(topic, payload)
	}
}

// PublishCountTo returns how many published messages matched a topic
// prefix, a convenience for assertions like "exactly one publish to
// sds/T/config".
func (f *Fake) PublishCountTo(topicPrefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.Published {
		if strings.HasPrefix(p.Topic, topicPrefix) {
			n++
		}
	}
	return n
}
