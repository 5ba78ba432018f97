package scheduler

import (
	"context"
	"testing"

	"github.com/fieldmesh/sds/pkg/sds/clock"
	"github.com/fieldmesh/sds/pkg/sds/codec"
	"github.com/fieldmesh/sds/pkg/sds/dispatch"
	"github.com/fieldmesh/sds/pkg/sds/registry"
	"github.com/fieldmesh/sds/pkg/sds/shadow"
	"github.com/fieldmesh/sds/pkg/sds/stats"
	"github.com/fieldmesh/sds/pkg/sds/transport"
)

type fakeHandle struct {
	config, state, status [4]byte
}

func (h *fakeHandle) ConfigBytes() []byte { return h.config[:] }
func (h *fakeHandle) StateBytes() []byte  { return h.state[:] }
func (h *fakeHandle) StatusBytes() []byte { return h.status[:] }

func byteSectionLayout() registry.SectionLayout {
	return registry.SectionLayout{
		Size: 4,
		Fields: []registry.FieldDesc{
			{Name: "v", Type: registry.ScalarU8, Offset: 0, Size: 1},
		},
		Serialize: func(data []byte, w *codec.Writer) error {
			w.SetUint("v", uint64(data[0]))
			return nil
		},
		Deserialize: func(r *codec.Reader, data []byte) error {
			v, err := r.GetUint("v", 8)
			if err != nil {
				return err
			}
			data[0] = byte(v)
			return nil
		},
	}
}

func fakeTableType(name string) registry.TableType {
	return registry.TableType{
		Name:               name,
		SyncIntervalMS:     1000,
		LivenessIntervalMS: 5000,
		MaxSlots:           4,
		Config:             byteSectionLayout(),
		State:              byteSectionLayout(),
		Status:             byteSectionLayout(),
	}
}

func newScheduler(nodeID string, st *stats.Stats, ft *transport.Fake, clk clock.Clock) (*Scheduler, *dispatch.Dispatcher) {
	disp := dispatch.New(nodeID, "", 5000, nil, dispatch.Callbacks{}, clk)
	return New(nodeID, disp, ft, clk, st, 64, false, 0), disp
}

func TestTickOwnerPublishesConfigOnceOnFirstTickThenOnlyOnChange(t *testing.T) {
	ft := transport.NewFake()
	clk := clock.NewMock(0)
	h := &fakeHandle{}
	reg := shadow.NewRegistration("fleet", fakeTableType("fleet"), shadow.RoleOwner, h)
	st := stats.New()
	sched, disp := newScheduler("owner", st, ft, clk)
	disp.AddTable("fleet", &dispatch.TableEntry{Reg: reg})
	sched.AddTable("fleet", reg)

	sched.Tick(context.Background(), 0)
	if got := ft.PublishCountTo("sds/fleet/config"); got != 1 {
		t.Fatalf("expected 1 initial config publish, got %d", got)
	}
	// Owner role never publishes status; status is device-only.
	if got := ft.PublishCountTo("sds/fleet/status"); got != 0 {
		t.Fatalf("owner must not publish status, got %d", got)
	}

	// Nothing changed: the table isn't due again until SyncIntervalMS
	// elapses, and even when due, unchanged bytes must not republish.
	clk.Advance(1000)
	sched.Tick(context.Background(), clk.NowMS())
	if got := ft.PublishCountTo("sds/fleet/config"); got != 1 {
		t.Fatalf("expected no republish of unchanged config, got %d total", got)
	}

	h.config[0] = 9
	clk.Advance(1000)
	sched.Tick(context.Background(), clk.NowMS())
	if got := ft.PublishCountTo("sds/fleet/config"); got != 2 {
		t.Fatalf("expected republish after config changed, got %d", got)
	}

	snap := st.Snapshot()
	if snap.MessagesPublished == 0 {
		t.Fatal("expected stats to record publishes")
	}
	if snap.ByTable["fleet"].ConfigPublishes != 2 {
		t.Fatalf("table stats config publishes = %d, want 2", snap.ByTable["fleet"].ConfigPublishes)
	}
}

func TestTickRespectsPerTableSyncInterval(t *testing.T) {
	ft := transport.NewFake()
	clk := clock.NewMock(0)
	h := &fakeHandle{}
	reg := shadow.NewRegistration("fleet", fakeTableType("fleet"), shadow.RoleOwner, h)
	sched, disp := newScheduler("owner", nil, ft, clk)
	disp.AddTable("fleet", &dispatch.TableEntry{Reg: reg})
	sched.AddTable("fleet", reg)

	sched.Tick(context.Background(), 0)
	h.config[0] = 1
	sched.Tick(context.Background(), 200) // well before the 1000ms interval
	if got := ft.PublishCountTo("sds/fleet/config"); got != 1 {
		t.Fatalf("expected no publish before sync interval elapses, got %d", got)
	}
}

func TestTickOwnerPublishesState(t *testing.T) {
	// State publish applies to any role, including the owner, not just
	// devices.
	ft := transport.NewFake()
	clk := clock.NewMock(0)
	h := &fakeHandle{}
	reg := shadow.NewRegistration("fleet", fakeTableType("fleet"), shadow.RoleOwner, h)
	sched, disp := newScheduler("owner", nil, ft, clk)
	disp.AddTable("fleet", &dispatch.TableEntry{Reg: reg})
	sched.AddTable("fleet", reg)

	sched.Tick(context.Background(), 0)
	if got := ft.PublishCountTo("sds/fleet/state"); got != 1 {
		t.Fatalf("expected owner to publish its own state section, got %d", got)
	}
}

func TestTickDeviceRolePublishesStateAndStatusNotConfig(t *testing.T) {
	ft := transport.NewFake()
	clk := clock.NewMock(0)
	h := &fakeHandle{}
	reg := shadow.NewRegistration("fleet", fakeTableType("fleet"), shadow.RoleDevice, h)
	sched, _ := newScheduler("dev-1", nil, ft, clk)
	sched.AddTable("fleet", reg)

	sched.Tick(context.Background(), 0)
	if got := ft.PublishCountTo("sds/fleet/state"); got != 1 {
		t.Fatalf("expected device to publish its own state, got %d", got)
	}
	if got := ft.PublishCountTo("sds/fleet/status/dev-1"); got != 1 {
		t.Fatalf("expected device to publish its own status, got %d", got)
	}
	if got := ft.PublishCountTo("sds/fleet/config"); got != 0 {
		t.Fatalf("device role must not publish config, got %d", got)
	}
}

func TestTickStatusPublishedOnLivenessHeartbeatEvenWithoutChange(t *testing.T) {
	ft := transport.NewFake()
	clk := clock.NewMock(0)
	h := &fakeHandle{}
	reg := shadow.NewRegistration("fleet", fakeTableType("fleet"), shadow.RoleDevice, h)
	sched, _ := newScheduler("dev-1", nil, ft, clk)
	// Below the table's own sync interval so dueAt isn't the reason a
	// republish happens; only the liveness heartbeat should force it.
	reg.SyncIntervalMS = 0
	sched.AddTable("fleet", reg)

	sched.Tick(context.Background(), 0)
	if got := ft.PublishCountTo("sds/fleet/status/dev-1"); got != 1 {
		t.Fatalf("expected initial status publish, got %d", got)
	}

	clk.Advance(1000)
	sched.Tick(context.Background(), clk.NowMS())
	if got := ft.PublishCountTo("sds/fleet/status/dev-1"); got != 1 {
		t.Fatalf("unchanged status before liveness interval elapses must not republish, got %d", got)
	}

	clk.Advance(5000)
	sched.Tick(context.Background(), clk.NowMS())
	if got := ft.PublishCountTo("sds/fleet/status/dev-1"); got != 2 {
		t.Fatalf("expected heartbeat republish once liveness interval elapses, got %d", got)
	}
}

func TestPublishEnvelopeFieldsArePresent(t *testing.T) {
	ft := transport.NewFake()
	clk := clock.NewMock(1234)
	h := &fakeHandle{}
	reg := shadow.NewRegistration("fleet", fakeTableType("fleet"), shadow.RoleDevice, h)
	sched, disp := newScheduler("dev-1", nil, ft, clk)
	disp.SchemaVersion = "v7"
	sched.AddTable("fleet", reg)

	sched.Tick(context.Background(), 1234)

	state := ft.Published[findPublish(t, ft, "sds/fleet/state")]
	r := codec.NewReader(state.Payload)
	if ts, err := r.GetUint("ts", 32); err != nil || ts != 1234 {
		t.Fatalf("state envelope ts = %v, %v", ts, err)
	}
	if node, ok := r.GetStringAlloc("node", 64); !ok || node != "dev-1" {
		t.Fatalf("state envelope node = %q, %v", node, ok)
	}
	if state.Retained {
		t.Fatal("state must not be retained")
	}

	status := ft.Published[findPublish(t, ft, "sds/fleet/status/dev-1")]
	rs := codec.NewReader(status.Payload)
	if online, err := rs.GetBool("online"); err != nil || !online {
		t.Fatalf("status envelope online = %v, %v", online, err)
	}
	if sv, ok := rs.GetStringAlloc("sv", 32); !ok || sv != "v7" {
		t.Fatalf("status envelope sv = %q, %v", sv, ok)
	}
	if status.Retained {
		t.Fatal("status must not be retained")
	}
}

func findPublish(t *testing.T, ft *transport.Fake, topic string) int {
	t.Helper()
	for i, p := range ft.Published {
		if p.Topic == topic {
			return i
		}
	}
	t.Fatalf("no publish recorded to %q", topic)
	return -1
}

func TestDeltaSyncAppliesToStateOnlyAfterFirstPublish(t *testing.T) {
	ft := transport.NewFake()
	clk := clock.NewMock(0)
	h := &fakeHandle{}
	reg := shadow.NewRegistration("fleet", fakeTableType("fleet"), shadow.RoleDevice, h)
	disp := dispatch.New("dev-1", "", 5000, nil, dispatch.Callbacks{}, clk)
	sched := New("dev-1", disp, ft, clk, nil, 64, true, 0.0)
	reg.SyncIntervalMS = 0
	sched.AddTable("fleet", reg)

	// The first publish has no prior shadow to diff against, so it must
	// still carry the full section regardless of enableDeltaSync.
	sched.Tick(context.Background(), 0)
	first := ft.Published[findPublish(t, ft, "sds/fleet/state")]
	r := codec.NewReader(first.Payload)
	if v, err := r.GetUint("v", 8); err != nil || v != 0 {
		t.Fatalf("first state publish v = %v, %v", v, err)
	}

	h.state[0] = 5
	clk.Advance(1000)
	sched.Tick(context.Background(), clk.NowMS())

	var publishes int
	var last transport.Published
	for _, p := range ft.Published {
		if p.Topic == "sds/fleet/state" {
			publishes++
			last = p
		}
	}
	if publishes != 2 {
		t.Fatalf("expected 2 state publishes, got %d", publishes)
	}
	r2 := codec.NewReader(last.Payload)
	if v, err := r2.GetUint("v", 8); err != nil || v != 5 {
		t.Fatalf("delta state publish v = %v, %v", v, err)
	}
}
