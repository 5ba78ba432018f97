// Package raw implements the opaque application-defined pub/sub channel:
// publish/subscribe on any topic outside the reserved sds/ namespace, with
// +/# wildcard matching on the subscriber side.
package raw

import (
	"strings"
	"sync"

	"github.com/fieldmesh/sds/pkg/sds/sdsconst"
	"github.com/fieldmesh/sds/pkg/sds/sdserrors"
)

// Callback receives a raw message matching a subscribed pattern, along
// with the opaque user_data token recorded at subscribe time.
type Callback func(topic string, payload []byte, userData interface{})

type entry struct {
	pattern  string
	callback Callback
	userData interface{}
}

// Table is the registered set of (pattern, callback, user_data) raw
// subscriptions for one node.
type Table struct {
	mu      sync.Mutex
	entries []entry
}

// NewTable returns an empty raw subscription table.
func NewTable() *Table {
	return &Table{}
}

// Subscribe records a pattern and asks the caller (normally the façade,
// which also calls transport.Subscribe) to route matching messages to cb.
// Patterns beginning with the reserved sds/ prefix are rejected per P6.
func (t *Table) Subscribe(pattern string, cb Callback, userData interface{}) error {
	if pattern == "" {
		return sdserrors.NewConfigError("pattern", pattern, "must not be empty")
	}
	if strings.HasPrefix(pattern, sdsconst.ReservedTopicPrefix) {
		return sdserrors.NewConfigError("pattern", pattern, "reserved sds/ prefix is not allowed for raw subscriptions")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, entry{pattern: pattern, callback: cb, userData: userData})
	return nil
}

// Unsubscribe removes all entries registered under pattern.
func (t *Table) Unsubscribe(pattern string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.pattern != pattern {
			kept = append(kept, e)
		}
	}
	t.entries = kept
}

// Patterns returns the currently registered subscription patterns, used
// by the façade to re-subscribe them with the Transport after a
// reconnect.
func (t *Table) Patterns() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.pattern
	}
	return out
}

// Dispatch invokes every matching subscription's callback for topic and
// reports whether at least one matched.
func (t *Table) Dispatch(topic string, payload []byte) bool {
	t.mu.Lock()
	matches := make([]entry, 0, 1)
	for _, e := range t.entries {
		if Match(e.pattern, topic) {
			matches = append(matches, e)
		}
	}
	t.mu.Unlock()

	for _, e := range matches {
		e.callback(topic, payload, e.userData)
	}
	return len(matches) > 0
}

// Match reports whether topic satisfies pattern, supporting the standard
// pub/sub wildcards: "+" matches exactly one level, "#" (only valid as
// the final pattern level) matches the remaining levels.
func Match(pattern, topic string) bool {
	pParts := strings.Split(pattern, "/")
	tParts := strings.Split(topic, "/")

	for i, p := range pParts {
		if p == "#" {
			return i == len(pParts)-1
		}
		if i >= len(tParts) {
			return false
		}
		if p != "+" && p != tParts[i] {
			return false
		}
	}
	return len(pParts) == len(tParts)
}
