// Package sds is the top-level façade: a single Node type composing the
// registry, shadow/delta engine, status-slot manager, sync scheduler,
// inbound dispatcher, connection supervisor, and raw channel behind one
// mutex, a single-writer cooperative concurrency model: a thin wrapper
// delegating to internal components, with each exported method taking
// the lock for its own duration.
package sds

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fieldmesh/sds/pkg/sds/audit"
	"github.com/fieldmesh/sds/pkg/sds/clock"
	"github.com/fieldmesh/sds/pkg/sds/config"
	"github.com/fieldmesh/sds/pkg/sds/dispatch"
	"github.com/fieldmesh/sds/pkg/sds/log"
	"github.com/fieldmesh/sds/pkg/sds/raw"
	"github.com/fieldmesh/sds/pkg/sds/registry"
	"github.com/fieldmesh/sds/pkg/sds/scheduler"
	"github.com/fieldmesh/sds/pkg/sds/sdsconst"
	"github.com/fieldmesh/sds/pkg/sds/sdserrors"
	"github.com/fieldmesh/sds/pkg/sds/shadow"
	"github.com/fieldmesh/sds/pkg/sds/slot"
	"github.com/fieldmesh/sds/pkg/sds/stats"
	"github.com/fieldmesh/sds/pkg/sds/transport"
)

// tableEntry bundles the shadow registration and (owner-only) slot
// manager shared between the dispatcher and the scheduler for one
// registered table instance.
type tableEntry struct {
	reg   *shadow.Registration
	slots *slot.Manager
}

// Node is the single entry point an application embeds: one broker
// connection, up to sdsconst.MaxTables registered table types. Several
// Nodes may coexist in one process.
type Node struct {
	mu sync.Mutex

	cfg   config.Config
	clk   clock.Clock
	stats *stats.Stats

	registry   *registry.Registry
	tables     map[string]*tableEntry
	dispatcher *dispatch.Dispatcher
	scheduler  *scheduler.Scheduler
	supervisor *transport.Supervisor
	transport  transport.Transport
	raw        *raw.Table
	audit      *audit.Trail

	onConfigUpdate    func(table string, payload []byte)
	onStateUpdate     func(table, fromDevice string, payload []byte)
	onStatusUpdate    func(table, nodeID string, s *slot.Slot)
	onError           func(error)
	onVersionMismatch func(table, nodeID, remoteVersion string) bool
	onDeviceEvicted   func(table, nodeID string)
}

// publisherAdapter satisfies scheduler.Publisher by forwarding to the
// live transport, so the scheduler never has to know about Connected().
type publisherAdapter struct{ n *Node }

func (p publisherAdapter) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	if !p.n.transport.Connected() {
		return sdserrors.ErrTransportDisconnected
	}
	return p.n.transport.Publish(ctx, topic, payload, retained)
}

const scratchBufferSize = sdsconst.ShadowMax + 256

// recordAudit is a no-op when the node was built with AuditEnabled
// false. It stamps the event's time from the node's own clock, so
// callers never have to thread one through.
func (n *Node) recordAudit(ev audit.Event) {
	if n.audit == nil {
		return
	}
	ev.TimeMS = n.clk.NowMS()
	n.audit.Record(context.Background(), ev)
}

// New builds a Node around the given configuration and transport
// binding. cfg is validated and, if NodeID is empty, assigned one from
// clk. The node is not yet connected; call Init to dial the broker.
func New(cfg config.Config, tr transport.Transport, clk clock.Clock) (*Node, error) {
	if cfg.NodeID == "" {
		cfg.NodeID = config.GenerateNodeID(clk.NowMS())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{
		cfg:       cfg,
		clk:       clk,
		stats:     stats.New(),
		registry:  registry.New(),
		tables:    make(map[string]*tableEntry),
		raw:       raw.NewTable(),
		transport: tr,
	}
	if cfg.AuditEnabled {
		var sink audit.Sink
		if cfg.AuditSinkTopic != "" {
			sink = publisherAdapter{n}
		}
		n.audit = audit.New(cfg.NodeID, sink, cfg.AuditSinkTopic)
	}

	n.dispatcher = dispatch.New(cfg.NodeID, cfg.SchemaVersion, cfg.EvictionGraceMS, n.raw, dispatch.Callbacks{
		OnConfig: func(table string, payload []byte) {
			if n.onConfigUpdate != nil {
				n.onConfigUpdate(table, payload)
			}
		},
		OnState: func(table, fromDevice string, payload []byte) {
			if n.onStateUpdate != nil {
				n.onStateUpdate(table, fromDevice, payload)
			}
		},
		OnStatus: func(table, nodeID string, s *slot.Slot) {
			if n.onStatusUpdate != nil {
				n.onStatusUpdate(table, nodeID, s)
			}
		},
		OnVersionMismatch: func(table, nodeID, remoteVersion string) bool {
			if n.onVersionMismatch == nil {
				// Default policy: accept with a warning, for backward
				// compatibility. dispatch.checkVersion only logs when it
				// has no callback at all, so the warning is logged here.
				log.WithTable(table).WithField("node", nodeID).Warn(fmt.Sprintf("schema version mismatch (remote %q, local %q), accepting", remoteVersion, n.dispatcher.SchemaVersion))
				return true
			}
			accept := n.onVersionMismatch(table, nodeID, remoteVersion)
			if !accept {
				n.recordAudit(audit.Event{Kind: audit.EventVersionMismatch, Table: table, Detail: fmt.Sprintf("from %s: remote sv %q", nodeID, remoteVersion)})
			}
			return accept
		},
		OnError: func(err error) {
			n.stats.IncDecodeErrors()
			if n.onError != nil {
				n.onError(err)
			}
		},
		OnEviction: func(table, nodeID string) {
			n.stats.IncEvictions()
			n.recordAudit(audit.Event{Kind: audit.EventEviction, Table: table, Detail: nodeID})
			if n.onDeviceEvicted != nil {
				n.onDeviceEvicted(table, nodeID)
			}
		},
	}, clk)

	n.scheduler = scheduler.New(cfg.NodeID, n.dispatcher, publisherAdapter{n}, clk, n.stats, scratchBufferSize, cfg.EnableDeltaSync, cfg.DeltaFloatTolerance)
	if n.audit != nil {
		n.scheduler.SetOnPublish(func(table, section string, size int) {
			n.recordAudit(audit.Event{Kind: audit.EventPublish, Table: table, Detail: fmt.Sprintf("%s section, %d bytes", section, size)})
		})
	}
	n.supervisor = transport.NewSupervisor(tr, clk, cfg.NodeID)
	n.supervisor.SetErrorCallback(func(err error) {
		if n.onError != nil {
			n.onError(err)
		}
	})

	tr.SetMessageCallback(func(topic string, payload []byte) {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.stats.RecordReceive()
		n.dispatcher.Handle(topic, payload)
	})

	return n, nil
}

// On* callback setters. Each callback runs synchronously on whatever
// goroutine delivered the triggering message or tick; a handler must not
// call back into Node (Init/Loop/Shutdown/RegisterTable/...), since the
// node's own mutex is already held.
func (n *Node) OnConfigUpdate(fn func(table string, payload []byte)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onConfigUpdate = fn
}

func (n *Node) OnStateUpdate(fn func(table, fromDevice string, payload []byte)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onStateUpdate = fn
}

func (n *Node) OnStatusUpdate(fn func(table, nodeID string, s *slot.Slot)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onStatusUpdate = fn
}

func (n *Node) OnError(fn func(error)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onError = fn
}

func (n *Node) OnVersionMismatch(fn func(table, nodeID, remoteVersion string) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onVersionMismatch = fn
}

func (n *Node) OnDeviceEvicted(fn func(table, nodeID string)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onDeviceEvicted = fn
}

// RegisterTable installs a table type (if not already known to the
// registry) and creates a node-level registration for it under role,
// backed by handle. Returns sdserrors.ErrMaxTablesReached past
// sdsconst.MaxTables registrations. If the node is already connected,
// the new table's topics are subscribed immediately.
func (n *Node) RegisterTable(ctx context.Context, name string, tableType registry.TableType, role shadow.Role, handle shadow.TableHandle) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.tables[name]; exists {
		return sdserrors.NewTableError(name, sdserrors.ErrTableAlreadyRegistered)
	}
	if len(n.tables) >= sdsconst.MaxTables {
		return sdserrors.NewTableError(name, sdserrors.ErrMaxTablesReached)
	}
	if _, ok := n.registry.Find(tableType.Name); !ok {
		if err := n.registry.Register(tableType); err != nil {
			return err
		}
	}

	reg := shadow.NewRegistration(name, tableType, role, handle)
	var slots *slot.Manager
	if role == shadow.RoleOwner && tableType.MaxSlots > 0 {
		slots = slot.NewManager(tableType.MaxSlots)
	}
	entry := &tableEntry{reg: reg, slots: slots}
	n.tables[name] = entry

	n.dispatcher.AddTable(name, &dispatch.TableEntry{Reg: reg, Slots: slots})
	n.scheduler.AddTable(name, reg)

	if n.supervisor.State() == transport.StateReady {
		for _, pattern := range n.subscriptionPatterns(name, role) {
			if err := n.transport.Subscribe(pattern); err != nil {
				log.WithTable(name).WithError(err).Warn("failed to subscribe new table's topics")
			}
		}
	}
	n.recordAudit(audit.Event{Kind: audit.EventTableRegistered, Table: name, Detail: role.String()})
	return nil
}

// UnregisterTable removes a table instance and, if connected,
// unsubscribes its topics. The table type descriptor stays installed in
// the registry (it may be shared by a future registration).
func (n *Node) UnregisterTable(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	entry, ok := n.tables[name]
	if !ok {
		return sdserrors.NewTableError(name, sdserrors.ErrTableNotFound)
	}
	if n.supervisor.State() == transport.StateReady {
		for _, pattern := range n.subscriptionPatterns(name, entry.reg.Role) {
			_ = n.transport.Unsubscribe(pattern)
		}
	}
	delete(n.tables, name)
	n.dispatcher.RemoveTable(name)
	n.scheduler.RemoveTable(name)
	n.recordAudit(audit.Event{Kind: audit.EventTableUnregistered, Table: name})
	return nil
}

// subscriptionPatterns returns the topic patterns a table instance needs
// subscribed, per its role: an owner watches every device's state and
// status publishes; a device watches only its owner's config.
func (n *Node) subscriptionPatterns(name string, role shadow.Role) []string {
	switch role {
	case shadow.RoleOwner:
		return []string{
			sdsconst.ReservedTopicPrefix + name + "/state",
			sdsconst.ReservedTopicPrefix + name + "/status/+",
		}
	default:
		return []string{sdsconst.ReservedTopicPrefix + name + "/config"}
	}
}

// resubscribeAll re-subscribes every registered table's topics plus the
// last-will wildcard and every active raw pattern. It is both Init's
// first-connect subscribe step and the supervisor's onReconnected hook,
// run again on every reconnect.
func (n *Node) resubscribeAll() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(n.transport.Subscribe(sdsconst.ReservedTopicPrefix + "lwt/+"))
	for name, entry := range n.tables {
		for _, pattern := range n.subscriptionPatterns(name, entry.reg.Role) {
			record(n.transport.Subscribe(pattern))
		}
	}
	for _, pattern := range n.raw.Patterns() {
		record(n.transport.Subscribe(pattern))
	}
	return firstErr
}

// Init dials the broker and subscribes every currently registered
// table's topics. Returns sdserrors.ErrAlreadyInitialized if called more
// than once.
func (n *Node) Init(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	opts := transport.ConnectOptions{
		Host:     n.cfg.BrokerHost,
		Port:     n.cfg.BrokerPort,
		ClientID: n.cfg.NodeID,
		Username: n.cfg.Username,
		Password: n.cfg.Password,
	}
	if err := n.supervisor.Connect(ctx, opts); err != nil {
		return err
	}
	if err := n.resubscribeAll(); err != nil {
		log.WithNode(n.cfg.NodeID).WithError(err).Warn("initial subscribe encountered an error")
	}
	return nil
}

// Loop runs one cooperative iteration: a backoff-aware reconnect
// attempt, a transport poll, and (when ready) one scheduler tick. An
// application calls this repeatedly, e.g. on a short ticker, in a
// single-threaded cooperative model.
func (n *Node) Loop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clk.NowMS()

	if n.supervisor.State() == transport.StateReady && !n.transport.Connected() {
		n.supervisor.HandleDisconnect()
	}

	n.supervisor.Tick(ctx, now, func() error {
		n.stats.IncReconnects()
		n.recordAudit(audit.Event{Kind: audit.EventReconnect})
		return n.resubscribeAll()
	})

	if n.supervisor.State() != transport.StateReady {
		return nil
	}
	if err := n.transport.Poll(ctx); err != nil {
		return fmt.Errorf("sds: poll: %w", err)
	}
	n.scheduler.Tick(ctx, now)
	return nil
}

// Shutdown publishes the graceful-offline last will and disconnects.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.supervisor.Shutdown(ctx, n.clk.NowMS())
}

// IsReady reports whether the connection supervisor is in StateReady.
func (n *Node) IsReady() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.supervisor.State() == transport.StateReady
}

// IsConnected reports the underlying transport's own connection check,
// which may momentarily disagree with IsReady between an involuntary
// drop and the next Loop call noticing it.
func (n *Node) IsConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.transport.Connected()
}

// NodeID returns this node's id, assigned at New if the configuration
// left it blank.
func (n *Node) NodeID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg.NodeID
}

// Stats returns a point-in-time snapshot of publish/receive counters.
func (n *Node) Stats() stats.Snapshot {
	return n.stats.Snapshot()
}

// ReconnectCount returns the number of successful reconnects since Init.
func (n *Node) ReconnectCount() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.supervisor.ReconnectCount()
}

// FindNodeStatus returns the tracked slot for nodeID on an owner table,
// if any.
func (n *Node) FindNodeStatus(table, nodeID string) (*slot.Slot, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	entry, ok := n.tables[table]
	if !ok || entry.slots == nil {
		return nil, false
	}
	return entry.slots.Find(nodeID)
}

// ForeachNode iterates every valid slot on an owner table. fn runs
// under the node's lock; it must not call back into Node.
func (n *Node) ForeachNode(table string, fn func(s *slot.Slot)) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	entry, ok := n.tables[table]
	if !ok {
		return sdserrors.NewTableError(table, sdserrors.ErrTableNotFound)
	}
	if entry.slots == nil {
		return nil
	}
	entry.slots.ForEach(fn)
	return nil
}

// IsDeviceOnline reports a tracked device's liveness on an owner table:
// the slot must be marked online AND have been seen within timeoutMS,
// so a device that silently stopped publishing without ever triggering
// a last will eventually reads as offline.
func (n *Node) IsDeviceOnline(table, nodeID string, timeoutMS uint32) bool {
	s, ok := n.FindNodeStatus(table, nodeID)
	if !ok || !s.Online {
		return false
	}
	age := n.clk.NowMS() - s.LastSeenMS
	return age < timeoutMS
}

// GetLivenessInterval returns a table type's configured liveness
// interval in milliseconds.
func (n *Node) GetLivenessInterval(table string) (uint32, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	entry, ok := n.tables[table]
	if !ok {
		return 0, false
	}
	return entry.reg.Type.LivenessIntervalMS, true
}

// GetEvictionGrace returns the configured post-offline eviction grace
// period in milliseconds.
func (n *Node) GetEvictionGrace() uint32 {
	return n.cfg.EvictionGraceMS
}

// SchemaVersion returns the schema version this node advertises and
// checks inbound messages against.
func (n *Node) SchemaVersion() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dispatcher.SchemaVersion
}

// SetSchemaVersion updates the schema version used for outgoing
// advertisement and inbound mismatch checks.
func (n *Node) SetSchemaVersion(v string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dispatcher.SchemaVersion = v
}

// LogLevel returns the current shared log level.
func (n *Node) LogLevel() string { return log.Level() }

// SetLogLevel parses and applies a new shared log level.
func (n *Node) SetLogLevel(level string) error { return log.SetLevel(level) }

// PublishRaw publishes to an application-defined topic outside the
// reserved "sds/" namespace.
func (n *Node) PublishRaw(ctx context.Context, topic string, payload []byte, retained bool) error {
	if strings.HasPrefix(topic, sdsconst.ReservedTopicPrefix) {
		return sdserrors.NewConfigError("topic", topic, "raw publishes may not use the reserved sds/ prefix")
	}
	n.mu.Lock()
	tr := n.transport
	n.mu.Unlock()
	return tr.Publish(ctx, topic, payload, retained)
}

// SubscribeRaw registers cb for topics matching pattern and, if
// connected, subscribes it on the live transport immediately.
func (n *Node) SubscribeRaw(pattern string, cb raw.Callback, userData interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.raw.Subscribe(pattern, cb, userData); err != nil {
		return err
	}
	if n.supervisor.State() == transport.StateReady {
		return n.transport.Subscribe(pattern)
	}
	return nil
}

// UnsubscribeRaw drops a previously registered raw pattern.
func (n *Node) UnsubscribeRaw(pattern string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.raw.Unsubscribe(pattern)
	if n.supervisor.State() == transport.StateReady {
		_ = n.transport.Unsubscribe(pattern)
	}
}
