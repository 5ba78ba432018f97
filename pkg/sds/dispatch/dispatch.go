// Package dispatch routes inbound transport messages to the registered
// table shadows, the status-slot manager, or the raw channel, based on
// whether the topic falls inside the reserved sds/ namespace.
//
// A parsed change is routed to the right table handler by name; here
// the "table handler" is a shadow.Registration plus an optional
// slot.Manager, and the route key is parsed out of the topic.
package dispatch

import (
	"fmt"
	"strings"

	"github.com/fieldmesh/sds/pkg/sds/clock"
	"github.com/fieldmesh/sds/pkg/sds/codec"
	"github.com/fieldmesh/sds/pkg/sds/log"
	"github.com/fieldmesh/sds/pkg/sds/raw"
	"github.com/fieldmesh/sds/pkg/sds/sdsconst"
	"github.com/fieldmesh/sds/pkg/sds/shadow"
	"github.com/fieldmesh/sds/pkg/sds/slot"
)

// TableEntry bundles one registered table's shadow registration with its
// status-slot manager. Slots is nil for device-role registrations, which
// track no fleet of other devices.
type TableEntry struct {
	Reg   *shadow.Registration
	Slots *slot.Manager
}

// Callbacks are the application-facing hooks fired as inbound messages
// are routed. Any of them may be nil.
type Callbacks struct {
	// OnConfig fires when a device-role registration receives a config
	// section publish.
	OnConfig func(table string, payload []byte)

	// OnState fires when an owner receives a device's state publish.
	OnState func(table, fromDevice string, payload []byte)

	// OnStatus fires after a device's status has been decoded into its
	// slot, whether newly allocated or refreshed.
	OnStatus func(table, nodeID string, s *slot.Slot)

	// OnVersionMismatch is consulted when an inbound payload's "sv"
	// field does not match this node's configured schema version for
	// the table. Returning true accepts the payload anyway; false
	// rejects it. A nil callback accepts it with a logged warning.
	OnVersionMismatch func(table, nodeID, remoteVersion string) bool

	// OnError reports an inbound message the dispatcher drops: a
	// malformed payload, a rejected schema version, or a full slot table.
	// Messages for unknown tables are dropped without a report.
	OnError func(err error)

	// OnEviction fires once per device dropped by an eviction sweep.
	OnEviction func(table, nodeID string)
}

// Dispatcher owns the routing table from reserved topics to registered
// tables, the raw-channel fallback, and the schema-version / eviction
// policy applied to every inbound message.
type Dispatcher struct {
	NodeID          string
	SchemaVersion   string
	EvictionGraceMS uint32

	tables map[string]*TableEntry
	raw    *raw.Table
	cb     Callbacks
	clk    clock.Clock
}

// New builds a Dispatcher. rawTable may be nil if the node has no raw
// subscriptions configured.
func New(nodeID, schemaVersion string, evictionGraceMS uint32, rawTable *raw.Table, cb Callbacks, clk clock.Clock) *Dispatcher {
	return &Dispatcher{
		NodeID:          nodeID,
		SchemaVersion:   schemaVersion,
		EvictionGraceMS: evictionGraceMS,
		tables:          make(map[string]*TableEntry),
		raw:             rawTable,
		cb:              cb,
		clk:             clk,
	}
}

// AddTable registers (or replaces) the dispatch route for a table name.
func (d *Dispatcher) AddTable(name string, entry *TableEntry) {
	d.tables[name] = entry
}

// RemoveTable drops a table's dispatch route.
func (d *Dispatcher) RemoveTable(name string) {
	delete(d.tables, name)
}

// Handle routes one inbound (topic, payload) pair. It returns true if
// the message matched a reserved-topic route or a raw subscription,
// false if nothing claimed it. A topic under the reserved sds/ prefix
// that matches none of the reserved shapes is dropped and never offered
// to the raw channel.
func (d *Dispatcher) Handle(topic string, payload []byte) bool {
	rt, ok := parseReservedTopic(topic)
	if !ok {
		if strings.HasPrefix(topic, sdsconst.ReservedTopicPrefix) {
			return false
		}
		if d.raw != nil {
			return d.raw.Dispatch(topic, payload)
		}
		return false
	}

	switch rt.sec {
	case sectionLWT:
		d.handleLWT(rt.device, payload)
		return true
	case sectionConfig:
		d.handleConfig(rt.table, payload)
		return true
	case sectionState:
		d.handleState(rt.table, payload)
		return true
	case sectionStatus:
		d.handleStatus(rt.table, rt.device, payload)
		return true
	}
	return false
}

func (d *Dispatcher) reportError(err error) {
	log.Logger.WithError(err).Warn("dispatch: dropping inbound message")
	if d.cb.OnError != nil {
		d.cb.OnError(err)
	}
}

// checkVersion decodes the "sv" field (when present) and applies the
// mismatch policy. The default policy, with no callback registered, is
// to accept the message and log a warning for backward compatibility;
// a callback only ever narrows that default by explicitly rejecting.
func (d *Dispatcher) checkVersion(table, nodeID string, r *codec.Reader) bool {
	remote, present := r.GetStringAlloc("sv", sdsconst.MaxSchemaVersionLen)
	if !present || remote == d.SchemaVersion {
		return true
	}
	if d.cb.OnVersionMismatch == nil {
		log.WithTable(table).WithField("node", nodeID).Warn(fmt.Sprintf("dispatch: schema version mismatch (remote %q, local %q), accepting", remote, d.SchemaVersion))
		return true
	}
	if d.cb.OnVersionMismatch(table, nodeID, remote) {
		return true
	}
	d.reportError(fmt.Errorf("table %q: schema version mismatch (remote %q, local %q)", table, remote, d.SchemaVersion))
	return false
}

// handleConfig decodes a config-section publish into the matching
// device-role registration's shadow and notifies the application so it
// can apply the new config to its own state. Owner-role registrations
// ignore config publishes.
func (d *Dispatcher) handleConfig(table string, payload []byte) {
	entry, ok := d.tables[table]
	if !ok || entry.Reg.Role != shadow.RoleDevice {
		return // not a device-side subscriber of this table; not an error
	}
	r := codec.NewReader(payload)
	if !d.checkVersion(table, "", r) {
		return
	}
	data := entry.Reg.Handle.ConfigBytes()
	if err := entry.Reg.Type.Config.Deserialize(r, data); err != nil {
		d.reportError(fmt.Errorf("table %q config: %w", table, err))
		return
	}
	entry.Reg.Config.Commit(data)
	if d.cb.OnConfig != nil {
		d.cb.OnConfig(table, payload)
	}
}

// handleState decodes a device's state publish, identifying the
// publisher from the payload's own "node" field since the state topic
// carries no per-device path segment. Owners ignore their own echoed
// state; a device ignores other devices' state, since it tracks no slot
// for them. The decoded section is merged into the owner's single state
// shadow — the registration holds one state buffer per table, not one
// per device.
func (d *Dispatcher) handleState(table string, payload []byte) {
	entry, ok := d.tables[table]
	if !ok || entry.Reg.Role != shadow.RoleOwner {
		return
	}
	r := codec.NewReader(payload)
	fromDevice, present := r.GetStringAlloc("node", sdsconst.MaxNodeIDLen)
	if !present {
		d.reportError(fmt.Errorf("table %q state: missing node field", table))
		return
	}
	if fromDevice == d.NodeID {
		return
	}
	if !d.checkVersion(table, fromDevice, r) {
		return
	}

	data := entry.Reg.Handle.StateBytes()
	if err := entry.Reg.Type.State.Deserialize(r, data); err != nil {
		d.reportError(fmt.Errorf("table %q state from %q: %w", table, fromDevice, err))
		return
	}
	entry.Reg.State.Commit(data)

	if d.cb.OnState != nil {
		d.cb.OnState(table, fromDevice, payload)
	}
}

// handleStatus decodes a device's status publish into its slot, finding
// or allocating that device's slot. The payload's "online" field carries
// an in-band last-will: it defaults to true when absent, and when
// false the status section is not deserialized (there is nothing fresh
// to apply) and eviction is scheduled exactly as handleLWT does for a
// broker-level last will.
func (d *Dispatcher) handleStatus(table, nodeID string, payload []byte) {
	entry, ok := d.tables[table]
	if !ok || entry.Slots == nil {
		return
	}
	r := codec.NewReader(payload)
	if !d.checkVersion(table, nodeID, r) {
		return
	}

	online := true
	if r.Has("online") {
		v, err := r.GetBool("online")
		if err != nil {
			d.reportError(fmt.Errorf("table %q status from %q: %w", table, nodeID, err))
			return
		}
		online = v
	}

	s, ok := entry.Slots.FindOrAllocate(nodeID, d.clk.NowMS())
	if !ok {
		d.reportError(fmt.Errorf("table %q: slot table full, dropping status from %q", table, nodeID))
		return
	}

	if len(s.StatusData) != entry.Reg.Type.Status.Size {
		s.StatusData = make([]byte, entry.Reg.Type.Status.Size)
	}

	now := d.clk.NowMS()
	if !online {
		s.Online = false
		s.LastSeenMS = now
		if d.EvictionGraceMS > 0 {
			s.EvictionPending = true
			s.EvictionDeadline = now + d.EvictionGraceMS
		}
		log.WithTable(table).WithField("node", nodeID).Info("dispatch: device reported offline in status, eviction pending")
		return
	}

	if err := entry.Reg.Type.Status.Deserialize(r, s.StatusData); err != nil {
		d.reportError(fmt.Errorf("table %q status from %q: %w", table, nodeID, err))
		return
	}

	s.Online = true
	s.EvictionPending = false
	s.LastSeenMS = now
	entry.Reg.Status.Commit(s.StatusData)

	if d.cb.OnStatus != nil {
		d.cb.OnStatus(table, nodeID, s)
	}
}

// handleLWT marks a device offline and schedules it for eviction after
// the configured grace period, across every table that device appears
// in. An LWT payload with "online":true instead re-marks the device live.
// The registration a node publishes on connect carries "online":false.
func (d *Dispatcher) handleLWT(nodeID string, payload []byte) {
	r := codec.NewReader(payload)
	online, err := r.GetBool("online")
	if err != nil {
		d.reportError(fmt.Errorf("lwt for %q: %w", nodeID, err))
		return
	}

	now := d.clk.NowMS()
	for table, entry := range d.tables {
		if entry.Slots == nil {
			continue
		}
		s, found := entry.Slots.Find(nodeID)
		if !found {
			continue
		}
		if online {
			s.Online = true
			s.EvictionPending = false
			s.LastSeenMS = now
			continue
		}
		s.Online = false
		if d.EvictionGraceMS > 0 {
			s.EvictionPending = true
			s.EvictionDeadline = now + d.EvictionGraceMS
		}
		log.WithTable(table).WithField("node", nodeID).Info("dispatch: device marked offline, eviction pending")
	}
}

// SweepEvictions invalidates every slot across every owner registration
// whose eviction deadline has passed, firing OnEviction once per device
// dropped. The scheduler calls this once per tick.
func (d *Dispatcher) SweepEvictions() {
	now := d.clk.NowMS()
	for table, entry := range d.tables {
		if entry.Slots == nil {
			continue
		}
		for _, nodeID := range entry.Slots.EvictDue(now) {
			if d.cb.OnEviction != nil {
				d.cb.OnEviction(table, nodeID)
			}
		}
	}
}
