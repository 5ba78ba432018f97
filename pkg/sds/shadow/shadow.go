// Package shadow implements the per-registered-table byte-level shadow of
// each section, used for edge-triggered change detection, plus the
// optional per-field delta serializer: a byte-level compare keyed by
// table/section, a memcmp-on-the-raw-record model rather than a
// field-by-field diff.
package shadow

import (
	"bytes"

	"github.com/fieldmesh/sds/pkg/sds/registry"
)

// Role identifies which side of a table this node plays.
type Role int

const (
	RoleOwner Role = iota
	RoleDevice
)

func (r Role) String() string {
	if r == RoleOwner {
		return "owner"
	}
	return "device"
}

// TableHandle is the type-erased view of the application's table struct:
// a byte slice per section, already laid out per the section's
// registry.FieldDesc offsets. Struct padding is part of the compare —
// callers should zero-initialize their storage so change detection
// stays deterministic.
type TableHandle interface {
	ConfigBytes() []byte
	StateBytes() []byte
	StatusBytes() []byte // device role only; owners keep status in slots and may return nil
}

// Section is one section's shadow buffer.
type Section struct {
	buf       []byte
	published bool
}

// NewSection allocates a shadow of the given size, zero-initialized so
// the first Changed against a zeroed current buffer reports no change.
func NewSection(size int) *Section {
	return &Section{buf: make([]byte, size)}
}

// Changed reports whether current differs from the shadow.
func (s *Section) Changed(current []byte) bool {
	return !bytes.Equal(s.buf, current)
}

// Commit copies current into the shadow, as done after every successful
// outbound publish or inbound deserialize, so the shadow matches what
// was last sent or applied.
func (s *Section) Commit(current []byte) {
	if cap(s.buf) < len(current) {
		s.buf = make([]byte, len(current))
	}
	s.buf = s.buf[:len(current)]
	copy(s.buf, current)
	s.published = true
}

// EverCommitted reports whether Commit has ever run for this section;
// delta sync only applies after the first full publish.
func (s *Section) EverCommitted() bool { return s.published }

// Bytes returns the current shadow contents (read-only use).
func (s *Section) Bytes() []byte { return s.buf }

// Registration is one registered table instance: its type, role,
// application handle, and the three section shadows plus timing state
// the scheduler consults each tick.
type Registration struct {
	Name           string
	Type           registry.TableType
	Role           Role
	Handle         TableHandle
	Config         *Section
	State          *Section
	Status         *Section
	LastSyncMS     uint32
	LastPublishMS  uint32
	SyncIntervalMS uint32 // per-table override, defaults to Type.SyncIntervalMS
}

// NewRegistration builds a Registration with freshly zeroed shadows
// sized from the table type's section layouts.
func NewRegistration(name string, t registry.TableType, role Role, handle TableHandle) *Registration {
	syncInterval := t.SyncIntervalMS
	return &Registration{
		Name:           name,
		Type:           t,
		Role:           role,
		Handle:         handle,
		Config:         NewSection(t.Config.Size),
		State:          NewSection(t.State.Size),
		Status:         NewSection(t.Status.Size),
		SyncIntervalMS: syncInterval,
	}
}
