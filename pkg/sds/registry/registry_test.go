package registry

import (
	"errors"
	"testing"

	"github.com/fieldmesh/sds/pkg/sds/sdserrors"
)

func sampleType(name string) TableType {
	return TableType{
		Name:               name,
		SyncIntervalMS:     1000,
		LivenessIntervalMS: 5000,
		MaxSlots:           32,
		Config:             SectionLayout{Size: 8},
		State:              SectionLayout{Size: 8},
		Status:             SectionLayout{Size: 8},
	}
}

func TestRegisterAndFind(t *testing.T) {
	r := New()
	if err := r.Register(sampleType("T")); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, ok := r.Find("T")
	if !ok || got.Name != "T" {
		t.Fatalf("find failed: %+v %v", got, ok)
	}
	if _, ok := r.Find("missing"); ok {
		t.Fatal("expected not found")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	if err := r.Register(sampleType("T")); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := r.Register(sampleType("T"))
	if !errors.Is(err, sdserrors.ErrTableAlreadyRegistered) {
		t.Fatalf("expected ErrTableAlreadyRegistered, got %v", err)
	}
}

func TestRegisterSectionTooLarge(t *testing.T) {
	r := New()
	tt := sampleType("Big")
	tt.State.Size = 2048
	err := r.Register(tt)
	if !errors.Is(err, sdserrors.ErrSectionTooLarge) {
		t.Fatalf("expected ErrSectionTooLarge, got %v", err)
	}
}

func TestRegisterInvalidName(t *testing.T) {
	r := New()
	err := r.Register(sampleType(""))
	if !errors.Is(err, sdserrors.ErrInvalidTable) {
		t.Fatalf("expected ErrInvalidTable, got %v", err)
	}
}

func TestReadScalar(t *testing.T) {
	data := []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0xcc, 0xcc, 0xcc}
	v := ReadScalar(data, FieldDesc{Name: "mode", Type: ScalarU8, Offset: 0, Size: 1})
	if v.(uint64) != 2 {
		t.Errorf("mode = %v", v)
	}
}
