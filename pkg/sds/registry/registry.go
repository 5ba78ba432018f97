// Package registry holds the process-wide, install-once mapping from
// table-type name to its immutable metadata descriptor: section layouts,
// codec function handles, and scheduling cadence. It replaces the source
// library's void-pointer-plus-offset-table reflection layer with plain
// Go function values closed over the application's section types.
package registry

import (
	"encoding/binary"
	"math"

	"github.com/fieldmesh/sds/pkg/sds/codec"
	"github.com/fieldmesh/sds/pkg/sds/sdsconst"
	"github.com/fieldmesh/sds/pkg/sds/sdserrors"
)

// ScalarType enumerates the scalar field types the field codec and delta
// engine understand.
type ScalarType int

const (
	ScalarBool ScalarType = iota
	ScalarU8
	ScalarI8
	ScalarU16
	ScalarI16
	ScalarU32
	ScalarI32
	ScalarF32
	ScalarString
)

// FieldDesc describes one named scalar field within a section's packed
// byte layout, used by the delta engine to read and compare individual
// field values without re-deserializing the whole section.
type FieldDesc struct {
	Name   string
	Type   ScalarType
	Offset int
	Size   int // byte width; for ScalarString, the field's fixed capacity
}

// SectionLayout is the immutable per-section descriptor: its packed size,
// optional field list (for delta serialization), and the serialize/
// deserialize function handles operating on the raw section bytes.
type SectionLayout struct {
	Size        int
	Fields      []FieldDesc
	Serialize   func(data []byte, w *codec.Writer) error
	Deserialize func(r *codec.Reader, data []byte) error
}

// TableType is the immutable, process-wide descriptor for one table kind.
// It is installed once via Registry.Register and may be shared by any
// number of registered table instances (on this node or, logically,
// others in the fleet).
type TableType struct {
	Name               string
	SyncIntervalMS     uint32
	LivenessIntervalMS uint32
	Config             SectionLayout
	State              SectionLayout
	Status             SectionLayout
	MaxSlots           int // owner role only
}

func (t TableType) validate() error {
	if t.Name == "" || len(t.Name) > sdsconst.MaxTableNameLen {
		return sdserrors.NewTableError(t.Name, sdserrors.ErrInvalidTable)
	}
	for _, sec := range []struct {
		name   string
		layout SectionLayout
	}{{"config", t.Config}, {"state", t.State}, {"status", t.Status}} {
		if sec.layout.Size > sdsconst.ShadowMax {
			return sdserrors.NewSectionError(t.Name, sec.name, sdserrors.ErrSectionTooLarge)
		}
	}
	return nil
}

// Registry is the process-wide table-type descriptor store. It is
// write-once in practice: Register is called at startup for each table
// type the binary knows about, then only Find is called for the
// lifetime of the process.
type Registry struct {
	types []TableType
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Register installs a table type descriptor. Registering the same name
// twice returns sdserrors.ErrTableAlreadyRegistered.
func (r *Registry) Register(t TableType) error {
	if err := t.validate(); err != nil {
		return err
	}
	if _, ok := r.Find(t.Name); ok {
		return sdserrors.NewTableError(t.Name, sdserrors.ErrTableAlreadyRegistered)
	}
	r.types = append(r.types, t)
	return nil
}

// Find performs the linear lookup by name (N is a few dozen at most).
func (r *Registry) Find(name string) (TableType, bool) {
	for _, t := range r.types {
		if t.Name == name {
			return t, true
		}
	}
	return TableType{}, false
}

// ReadScalar reads the field's raw value out of a packed section buffer,
// returning it boxed as bool/int64/uint64/float32 depending on f.Type.
// Used by the shadow/delta engine to compare old vs. new field values
// without a full Deserialize round trip.
func ReadScalar(data []byte, f FieldDesc) interface{} {
	if f.Offset+f.Size > len(data) {
		return nil
	}
	b := data[f.Offset : f.Offset+f.Size]
	switch f.Type {
	case ScalarBool:
		return b[0] != 0
	case ScalarU8:
		return uint64(b[0])
	case ScalarI8:
		return int64(int8(b[0]))
	case ScalarU16:
		return uint64(binary.LittleEndian.Uint16(b))
	case ScalarI16:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case ScalarU32:
		return uint64(binary.LittleEndian.Uint32(b))
	case ScalarI32:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	case ScalarF32:
		bits := binary.LittleEndian.Uint32(b)
		return math.Float32frombits(bits)
	case ScalarString:
		n := 0
		for n < len(b) && b[n] != 0 {
			n++
		}
		return string(b[:n])
	}
	return nil
}
