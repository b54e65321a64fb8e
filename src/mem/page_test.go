package mem

import "testing"

func TestAllocMarksOrderNegativeOne(t *testing.T) {
	Init(1 << 8)
	pg, ok := Physmem.Alloc(0, 0)
	if !ok {
		t.Fatal("Alloc() failed with free pages available")
	}
	if pg.Order != -1 {
		t.Errorf("Order = %d, want -1 for an allocated page", pg.Order)
	}
	Physmem.Free(pg, 0)
}

func TestFreeCoalescesBuddies(t *testing.T) {
	Init(1 << 8)
	before := Physmem.FreePages()

	pg, ok := Physmem.Alloc(0, 0)
	if !ok {
		t.Fatal("Alloc() failed")
	}
	buddyNum := int(pg.Num) ^ 1
	buddy := &Physmem.pages[buddyNum]
	if buddy.Order != 0 {
		t.Fatalf("buddy Order = %d, want 0 (free) before allocating pg", buddy.Order)
	}

	Physmem.Free(pg, 0)
	if buddy.Order != 0 {
		t.Fatalf("buddy Order changed to %d after freeing pg alone", buddy.Order)
	}
	after := Physmem.FreePages()
	if after != before {
		t.Errorf("FreePages() = %d, want %d after alloc+free", after, before)
	}
}

func TestAllocSplitsHigherOrder(t *testing.T) {
	Init(4)
	pg0, ok := Physmem.Alloc(0, 0)
	if !ok {
		t.Fatal("Alloc(0) failed")
	}
	if pg0.Num != 0 {
		t.Fatalf("first order-0 alloc got page %d, want 0", pg0.Num)
	}
	// the order-2 run [0,4) should have split: page 1 now sits on the
	// order-0 free list, page 2 on the order-1 free list.
	if Physmem.pages[1].Order != 0 {
		t.Errorf("page 1 Order = %d, want 0 after split", Physmem.pages[1].Order)
	}
	if Physmem.pages[2].Order != 1 {
		t.Errorf("page 2 Order = %d, want 1 after split", Physmem.pages[2].Order)
	}
}

func TestAllocNowaitReturnsFalseWhenExhausted(t *testing.T) {
	Init(1)
	pg, ok := Physmem.Alloc(0, NOWAIT)
	if !ok {
		t.Fatal("first Alloc should succeed")
	}
	if _, ok := Physmem.Alloc(0, NOWAIT); ok {
		t.Error("Alloc(NOWAIT) should fail once the pool is exhausted")
	}
	Physmem.Free(pg, 0)
}

func TestAllocBlocksUntilFree(t *testing.T) {
	Init(1)
	pg, _ := Physmem.Alloc(0, NOWAIT)

	done := make(chan *Page_t, 1)
	go func() {
		got, _ := Physmem.Alloc(0, 0)
		done <- got
	}()

	select {
	case <-done:
		t.Fatal("blocking Alloc returned before any page was freed")
	default:
	}

	Physmem.Free(pg, 0)
	got := <-done
	if got == nil {
		t.Error("blocking Alloc returned a nil page after Free")
	}
}

func TestRefcount(t *testing.T) {
	Init(1 << 4)
	pg, _ := Physmem.Alloc(0, 0)
	Physmem.Refup(pg)
	if Physmem.Refdown(pg) {
		t.Error("Refdown reported zero after only one Refup")
	}
	if !Physmem.Refdown(pg) {
		t.Error("Refdown should report zero after matching Refup/Refdown pairs")
	}
	Physmem.Free(pg, 0)
}
