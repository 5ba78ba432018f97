// Package audit implements the structured audit trail of table
// registrations, evictions, and version mismatches. It is not part of
// the wire protocol; a node built with AuditEnabled false behaves
// identically over the network, since the façade only calls into this
// package when a node opts in.
//
// Local trail entries follow the logrus WithField-chain idiom used
// throughout the rest of this module; the optional fan-out publishes
// through whichever transport.Transport the node was built with.
package audit

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/fieldmesh/sds/pkg/sds/log"
)

// EventKind enumerates the audit event types.
type EventKind string

const (
	EventTableRegistered   EventKind = "table_registered"
	EventTableUnregistered EventKind = "table_unregistered"
	EventPublish           EventKind = "publish"
	EventEviction          EventKind = "eviction"
	EventVersionMismatch   EventKind = "version_mismatch"
	EventReconnect         EventKind = "reconnect"
)

// Event is one audit record.
type Event struct {
	Kind   EventKind
	Table  string
	NodeID string
	TimeMS uint32
	Detail string
}

// Sink receives audit events as they occur. Publish must not block the
// caller for long; a fan-out sink should buffer internally.
type Sink interface {
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
}

// Trail records events to the shared logger and, if a sink is attached,
// fans them out to a channel for external collection (e.g. Redis, so a
// fleet-wide audit stream can be assembled from many nodes publishing to
// the same channel).
type Trail struct {
	nodeID string
	sink   Sink
	topic  string
}

// New returns a Trail that always logs locally. sink and topic may be
// left zero-valued to skip the fan-out.
func New(nodeID string, sink Sink, topic string) *Trail {
	return &Trail{nodeID: nodeID, sink: sink, topic: topic}
}

// Record logs one event and, if a sink is attached, best-effort
// publishes it; a fan-out failure is logged but never returned, since
// audit delivery is not allowed to affect the sync protocol's own error
// handling path.
func (t *Trail) Record(ctx context.Context, ev Event) {
	ev.NodeID = t.nodeID
	entry := log.Logger.WithFields(logrus.Fields{
		"audit_kind": ev.Kind,
		"table":      ev.Table,
		"node":       ev.NodeID,
		"ts":         ev.TimeMS,
	})
	if ev.Detail != "" {
		entry = entry.WithField("detail", ev.Detail)
	}
	entry.Info("audit event")

	if t.sink == nil {
		return
	}
	payload := []byte(fmt.Sprintf(
		`{"kind":%q,"table":%q,"node":%q,"ts":%d,"detail":%q}`,
		ev.Kind, ev.Table, ev.NodeID, ev.TimeMS, ev.Detail,
	))
	if err := t.sink.Publish(ctx, t.topic, payload, false); err != nil {
		log.Logger.WithError(err).Warn("audit: fan-out publish failed")
	}
}
