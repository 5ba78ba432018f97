package shadow

import (
	"math"
	"testing"

	"github.com/fieldmesh/sds/pkg/sds/codec"
	"github.com/fieldmesh/sds/pkg/sds/registry"
)

func TestSectionChangedAndCommit(t *testing.T) {
	s := NewSection(4)
	current := []byte{1, 2, 3, 4}
	if !s.Changed(current) {
		t.Fatal("expected change on first compare against zeroed shadow")
	}
	s.Commit(current)
	if s.Changed(current) {
		t.Fatal("expected no change immediately after commit")
	}
	if !s.EverCommitted() {
		t.Fatal("expected EverCommitted true after Commit")
	}
}

func TestSectionZeroInitDeterministic(t *testing.T) {
	s := NewSection(4)
	zeroed := make([]byte, 4)
	if s.Changed(zeroed) {
		t.Fatal("a zero-initialized current buffer should match a fresh zeroed shadow")
	}
}

var modeField = registry.FieldDesc{Name: "mode", Type: registry.ScalarU8, Offset: 0, Size: 1}
var thresholdField = registry.FieldDesc{Name: "threshold", Type: registry.ScalarF32, Offset: 1, Size: 4}

func TestEmitDeltaOnlyChangedFields(t *testing.T) {
	layout := registry.SectionLayout{
		Size:   5,
		Fields: []registry.FieldDesc{modeField, thresholdField},
	}
	old := make([]byte, 5)
	old[0] = 1
	putF32(old, 1, 20.0)

	cur := make([]byte, 5)
	cur[0] = 1 // unchanged
	putF32(cur, 1, 20.0005)

	buf := make([]byte, 128)
	w := codec.NewWriter(buf)
	w.Begin()
	wrote := EmitDelta(layout, old, cur, 0.001, w)
	w.End()
	if wrote {
		t.Fatal("delta within tolerance should not write any field")
	}

	putF32(cur, 1, 21.0)
	w2 := codec.NewWriter(buf)
	w2.Begin()
	wrote = EmitDelta(layout, old, cur, 0.001, w2)
	w2.End()
	if !wrote {
		t.Fatal("expected threshold delta to be written")
	}
	r := codec.NewReader(w2.Bytes())
	if r.Has("mode") {
		t.Error("unchanged field mode should not appear in delta")
	}
	if v, err := r.GetFloat32("threshold"); err != nil || v != 21.0 {
		t.Errorf("threshold = %v, %v", v, err)
	}
}

func putF32(buf []byte, offset int, v float32) {
	bits := math.Float32bits(v)
	buf[offset] = byte(bits)
	buf[offset+1] = byte(bits >> 8)
	buf[offset+2] = byte(bits >> 16)
	buf[offset+3] = byte(bits >> 24)
}
