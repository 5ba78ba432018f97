package shadow

import (
	"math"

	"github.com/fieldmesh/sds/pkg/sds/codec"
	"github.com/fieldmesh/sds/pkg/sds/registry"
)

// EmitDelta writes only the fields of layout whose value differs between
// shadow and current (float fields use |new-old| > tolerance rather than
// bit equality), returning whether any field was written. It is only
// meaningful when layout.Fields is non-empty and the section has already
// been committed once (the scheduler enforces both before calling this).
func EmitDelta(layout registry.SectionLayout, shadowBytes, currentBytes []byte, tolerance float64, w *codec.Writer) bool {
	wrote := false
	for _, f := range layout.Fields {
		oldV := registry.ReadScalar(shadowBytes, f)
		newV := registry.ReadScalar(currentBytes, f)
		if !scalarDiffers(f.Type, oldV, newV, tolerance) {
			continue
		}
		writeScalar(w, f, newV)
		wrote = true
	}
	return wrote
}

func scalarDiffers(t registry.ScalarType, oldV, newV interface{}, tolerance float64) bool {
	if oldV == nil || newV == nil {
		return oldV != newV
	}
	switch t {
	case registry.ScalarF32:
		return math.Abs(float64(newV.(float32))-float64(oldV.(float32))) > tolerance
	default:
		return oldV != newV
	}
}

func writeScalar(w *codec.Writer, f registry.FieldDesc, v interface{}) {
	switch f.Type {
	case registry.ScalarBool:
		w.SetBool(f.Name, v.(bool))
	case registry.ScalarU8, registry.ScalarU16, registry.ScalarU32:
		w.SetUint(f.Name, v.(uint64))
	case registry.ScalarI8, registry.ScalarI16, registry.ScalarI32:
		w.SetInt(f.Name, v.(int64))
	case registry.ScalarF32:
		w.SetFloat32(f.Name, v.(float32))
	case registry.ScalarString:
		w.SetString(f.Name, v.(string))
	}
}
