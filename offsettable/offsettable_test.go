package offsettable

import (
	"path/filepath"
	"testing"
)

func TestSetAndGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.db")
	tbl, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tbl.Close()

	if err := tbl.Set(0, 5_000_000); err != nil {
		t.Fatalf("Set: %v", err)
	}

	slot, err := tbl.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !slot.Valid || slot.OffsetPs != 5_000_000 {
		t.Fatalf("slot = %+v, want offset 5000000", slot)
	}
}

func TestUnsetSlotIsZeroButInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.db")
	tbl, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tbl.Close()

	slot, err := tbl.Get(2)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if slot.Valid {
		t.Fatalf("slot 2 should be unset")
	}

	offsets := tbl.Offsets()
	if offsets[2] != 0 {
		t.Fatalf("Offsets()[2] = %d, want 0", offsets[2])
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.db")

	tbl, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tbl.Set(3, -123456); err != nil {
		t.Fatalf("Set: %v", err)
	}
	tbl.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	slot, err := reopened.Get(3)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !slot.Valid || slot.OffsetPs != -123456 {
		t.Fatalf("slot = %+v, want offset -123456", slot)
	}
}

func TestIndexOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.db")
	tbl, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tbl.Close()

	if _, err := tbl.Get(NumSlots); err == nil {
		t.Fatalf("expected error for out-of-range index")
	}
	if err := tbl.Set(-1, 0); err == nil {
		t.Fatalf("expected error for negative index")
	}
}
