// Package scheduler drives the cooperative per-tick publish loop: for
// every registered table, in stable registration order, publish a
// changed config section (owner role, retained), then a changed state
// section (either role), then — for devices — a status section that is
// also due on a liveness timer even without a byte change, honoring
// each table's own sync interval; finally run the eviction sweep.
//
// A single-threaded "walk a fixed work list once per call, return
// control to the caller" loop shape, used instead of spawning a
// goroutine per unit of work.
package scheduler

import (
	"context"
	"fmt"

	"github.com/fieldmesh/sds/pkg/sds/clock"
	"github.com/fieldmesh/sds/pkg/sds/codec"
	"github.com/fieldmesh/sds/pkg/sds/dispatch"
	"github.com/fieldmesh/sds/pkg/sds/log"
	"github.com/fieldmesh/sds/pkg/sds/registry"
	"github.com/fieldmesh/sds/pkg/sds/shadow"
	"github.com/fieldmesh/sds/pkg/sds/stats"
)

// Publisher is the minimal transport surface the scheduler needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
}

// entry pairs a registration with the topic strings its sections publish
// to, computed once at AddTable time rather than rebuilt every tick.
type entry struct {
	name        string
	reg         *shadow.Registration
	configTopic string
	stateTopic  string
	statusTopic string
	ticked      bool
}

// dueAt reports whether this table's sync interval has elapsed. The very
// first tick is always due, regardless of interval, so the initial
// publish always happens on startup.
func (e *entry) dueAt(now uint32) bool {
	if !e.ticked {
		return true
	}
	interval := e.reg.SyncIntervalMS
	if interval == 0 {
		return true
	}
	return clock.Since(now, e.reg.LastSyncMS) >= interval
}

// Scheduler owns the ordered work list of registered tables and ticks
// them against a Publisher.
type Scheduler struct {
	nodeID              string
	enableDeltaSync     bool
	deltaFloatTolerance float64

	entries []*entry
	disp    *dispatch.Dispatcher
	pub     Publisher
	clk     clock.Clock
	stats   *stats.Stats
	buf     []byte // scratch encode buffer, reused across publishes

	// onPublish, if set, fires after every successful section publish
	// (config/state/status), for callers that want to audit or log
	// publishes beyond the Stats counters.
	onPublish func(table, section string, size int)
}

// SetOnPublish registers the publish-observed hook. Pass nil to disable.
func (s *Scheduler) SetOnPublish(fn func(table, section string, size int)) {
	s.onPublish = fn
}

// New builds a Scheduler. scratchSize must be at least as large as the
// largest section any registered table type uses (bounded by
// sdsconst.ShadowMax). enableDeltaSync/deltaFloatTolerance mirror the
// node-global config options of the same name; delta encoding only
// ever applies to the state section.
func New(nodeID string, disp *dispatch.Dispatcher, pub Publisher, clk clock.Clock, st *stats.Stats, scratchSize int, enableDeltaSync bool, deltaFloatTolerance float64) *Scheduler {
	return &Scheduler{
		nodeID:              nodeID,
		enableDeltaSync:     enableDeltaSync,
		deltaFloatTolerance: deltaFloatTolerance,
		disp:                disp,
		pub:                 pub,
		clk:                 clk,
		stats:               st,
		buf:                 make([]byte, scratchSize),
	}
}

// AddTable appends a registration to the tick work list, in the order
// registrations are added (stable across ticks).
func (s *Scheduler) AddTable(name string, reg *shadow.Registration) {
	s.entries = append(s.entries, &entry{
		name:        name,
		reg:         reg,
		configTopic: "sds/" + name + "/config",
		stateTopic:  "sds/" + name + "/state",
		statusTopic: "sds/" + name + "/status/" + s.nodeID,
	})
}

// RemoveTable drops a table from the tick work list.
func (s *Scheduler) RemoveTable(name string) {
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.name != name {
			kept = append(kept, e)
		}
	}
	s.entries = kept
}

// Tick walks the work list once. Per table, in order: an owner publishes
// config if changed; either role publishes state if changed; a device
// publishes status if changed or its liveness heartbeat is due. It then
// sweeps eviction-due slots across every owner table.
func (s *Scheduler) Tick(ctx context.Context, now uint32) {
	for _, e := range s.entries {
		if !e.dueAt(now) {
			continue
		}
		if e.reg.Role == shadow.RoleOwner {
			s.publishConfig(ctx, e, now)
		}
		s.publishState(ctx, e, now)
		if e.reg.Role == shadow.RoleDevice {
			s.publishStatus(ctx, e, now)
		}
		e.reg.LastSyncMS = now
		e.ticked = true
	}
	s.disp.SweepEvictions()
}

// beginEnvelope starts a fresh encode and writes the timestamp every
// section carries.
func (s *Scheduler) beginEnvelope(now uint32) *codec.Writer {
	w := codec.NewWriter(s.buf)
	w.Begin()
	w.SetUint("ts", uint64(now))
	return w
}

// finish closes the writer, checks for overflow, and returns an
// independent copy of the encoded bytes (the scratch buffer is reused on
// the next publish).
func (s *Scheduler) finish(w *codec.Writer, table string) ([]byte, bool) {
	w.End()
	if err := w.Err(); err != nil {
		log.WithTable(table).WithError(err).Warn("scheduler: section payload exceeded scratch buffer, skipping publish")
		return nil, false
	}
	payload := make([]byte, w.Len())
	copy(payload, w.Bytes())
	return payload, true
}

func (s *Scheduler) publishFailed(table, sectionName string, err error) {
	log.WithTable(table).WithError(err).Warn(fmt.Sprintf("scheduler: %s publish failed", sectionName))
	if s.stats != nil {
		s.stats.IncPublishErrors()
	}
}

// recordPublish updates the Stats counters and fires the onPublish hook
// for one successful section publish.
func (s *Scheduler) recordPublish(table, section string, size int) {
	if s.stats != nil {
		s.stats.RecordPublish(table, section, size)
	}
	if s.onPublish != nil {
		s.onPublish(table, section, size)
	}
}

// publishConfig publishes the config section, retained, owner role only.
// Config is never delta-encoded; owners always publish the retained
// config section in full.
func (s *Scheduler) publishConfig(ctx context.Context, e *entry, now uint32) {
	reg := e.reg
	current := reg.Handle.ConfigBytes()
	if reg.Config.EverCommitted() && !reg.Config.Changed(current) {
		return
	}

	w := s.beginEnvelope(now)
	w.SetString("from", s.nodeID)
	if err := reg.Type.Config.Serialize(current, w); err != nil {
		log.WithTable(e.name).WithError(err).Warn("scheduler: config serialize failed, skipping publish")
		return
	}
	payload, ok := s.finish(w, e.name)
	if !ok {
		return
	}
	if err := s.pub.Publish(ctx, e.configTopic, payload, true); err != nil {
		s.publishFailed(e.name, "config", err)
		return
	}
	reg.Config.Commit(current)
	s.recordPublish(e.name, "config", len(payload))
}

// publishState publishes the state section, non-retained, for either
// role: state is published by whichever role's bytes changed, not
// owner-only. When delta sync is enabled and this is not the section's
// first publish, only the changed fields are sent.
func (s *Scheduler) publishState(ctx context.Context, e *entry, now uint32) {
	reg := e.reg
	current := reg.Handle.StateBytes()
	if reg.State.EverCommitted() && !reg.State.Changed(current) {
		return
	}

	w := s.beginEnvelope(now)
	w.SetString("node", s.nodeID)
	if err := s.serializeStateSection(reg.Type.State, reg.State, current, w); err != nil {
		log.WithTable(e.name).WithError(err).Warn("scheduler: state serialize failed, skipping publish")
		return
	}
	payload, ok := s.finish(w, e.name)
	if !ok {
		return
	}
	if err := s.pub.Publish(ctx, e.stateTopic, payload, false); err != nil {
		s.publishFailed(e.name, "state", err)
		return
	}
	reg.State.Commit(current)
	s.recordPublish(e.name, "state", len(payload))
}

// serializeStateSection chooses between a full and a delta encode. Delta
// only applies once the section has a prior committed shadow to diff
// against and the table type declares field metadata.
func (s *Scheduler) serializeStateSection(layout registry.SectionLayout, sec *shadow.Section, current []byte, w *codec.Writer) error {
	if s.enableDeltaSync && sec.EverCommitted() && len(layout.Fields) > 0 {
		shadow.EmitDelta(layout, sec.Bytes(), current, s.deltaFloatTolerance, w)
		return nil
	}
	return layout.Serialize(current, w)
}

// publishStatus publishes the status section, non-retained, device role
// only, whenever it changed OR the table's liveness interval has
// elapsed since the last status publish — the latter keeps a silent but
// live device from looking stale to its owner. Status is never delta
// encoded: a liveness heartbeat always carries the full section.
func (s *Scheduler) publishStatus(ctx context.Context, e *entry, now uint32) {
	reg := e.reg
	current := reg.Handle.StatusBytes()

	changed := !reg.Status.EverCommitted() || reg.Status.Changed(current)
	livenessDue := reg.Type.LivenessIntervalMS > 0 && clock.Since(now, reg.LastPublishMS) >= reg.Type.LivenessIntervalMS
	if !changed && !livenessDue {
		return
	}

	w := s.beginEnvelope(now)
	w.SetBool("online", true)
	w.SetString("sv", s.disp.SchemaVersion)
	if err := reg.Type.Status.Serialize(current, w); err != nil {
		log.WithTable(e.name).WithError(err).Warn("scheduler: status serialize failed, skipping publish")
		return
	}
	payload, ok := s.finish(w, e.name)
	if !ok {
		return
	}
	if err := s.pub.Publish(ctx, e.statusTopic, payload, false); err != nil {
		s.publishFailed(e.name, "status", err)
		return
	}
	reg.Status.Commit(current)
	reg.LastPublishMS = now
	s.recordPublish(e.name, "status", len(payload))
}
