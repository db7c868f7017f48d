package memtrack

import "testing"

func TestAllocFreeBalances(t *testing.T) {
	tr := New()

	a := tr.Alloc(7, 128)
	if tr.Usage() != 128 {
		t.Fatalf("usage = %d, want 128", tr.Usage())
	}
	if tr.Blocks() != 1 {
		t.Fatalf("blocks = %d, want 1", tr.Blocks())
	}
	if got := tr.UsageFor(7); got != 128 {
		t.Fatalf("UsageFor(7) = %d, want 128", got)
	}

	tr.Free(a)
	if tr.Usage() != 0 {
		t.Fatalf("usage after free = %d, want 0", tr.Usage())
	}
	if tr.Blocks() != 0 {
		t.Fatalf("blocks after free = %d, want 0", tr.Blocks())
	}
	if got := tr.UsageFor(7); got != 0 {
		t.Fatalf("UsageFor(7) after free = %d, want 0", got)
	}
}

func TestLoopAllocFreeConverges(t *testing.T) {
	tr := New()
	for i := 0; i < 1000; i++ {
		a := tr.Alloc(42, 64)
		tr.Free(a)
	}
	if tr.Usage() != 0 {
		t.Fatalf("usage = %d, want 0", tr.Usage())
	}
	if tr.Blocks() != 0 {
		t.Fatalf("blocks = %d, want 0", tr.Blocks())
	}
}

func TestDoubleFreePanics(t *testing.T) {
	tr := New()
	a := tr.Alloc(1, 16)
	tr.Free(a)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on double free")
		}
	}()
	tr.Free(a)
}

func TestSlotClaimedByFirstHandleSticksForThatHandle(t *testing.T) {
	tr := New()
	// Two handles that happen to collide in the same shard slot: force a
	// collision by picking handle and handle+slotCount.
	h1 := uint32(5)
	h2 := h1 + slotCount

	a1 := tr.Alloc(h1, 100)
	_ = tr.Alloc(h2, 50) // collides into the same slot, claim fails silently

	if got := tr.UsageFor(h1); got != 100 {
		t.Fatalf("UsageFor(h1) = %d, want 100", got)
	}
	// h2's bytes aren't attributed to h2's slot since h1 owns it, but still
	// count toward global usage.
	if tr.Usage() != 150 {
		t.Fatalf("global usage = %d, want 150", tr.Usage())
	}
	tr.Free(a1)
}
