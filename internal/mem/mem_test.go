package mem

import "testing"

func TestAllocFreeRoundTrip(t *testing.T) {
	const npages = 8
	a := NewAllocator(0x80001000, npages)

	got := make(map[Pa_t]bool)
	var order []Pa_t
	for i := 0; i < npages; i++ {
		pa, ok := a.Alloc()
		if !ok {
			t.Fatalf("alloc %d failed early", i)
		}
		if got[pa] {
			t.Fatalf("duplicate frame %#x", pa)
		}
		got[pa] = true
		order = append(order, pa)
	}
	if _, ok := a.Alloc(); ok {
		t.Fatalf("allocator should be exhausted")
	}

	// Free in reverse order; the exact set handed back out afterwards
	// must equal the set we freed (spec §8 property 1).
	for i := len(order) - 1; i >= 0; i-- {
		a.Free(order[i])
	}

	again := make(map[Pa_t]bool)
	for i := 0; i < npages; i++ {
		pa, ok := a.Alloc()
		if !ok {
			t.Fatalf("alloc after free-all failed")
		}
		again[pa] = true
	}
	for pa := range got {
		if !again[pa] {
			t.Fatalf("frame %#x missing after round trip", pa)
		}
	}
}

func TestFreeMisalignedPanics(t *testing.T) {
	a := NewAllocator(0x80001000, 4)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on misaligned free")
		}
	}()
	a.Free(0x80001001)
}

func TestFreeOutOfRangePanics(t *testing.T) {
	a := NewAllocator(0x80001000, 4)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on out-of-range free")
		}
	}()
	a.Free(0x90000000)
}

func TestAllocPoisonsFrame(t *testing.T) {
	a := NewAllocator(0x80001000, 1)
	pa, _ := a.Alloc()
	for _, b := range a.Bytes(pa) {
		if b != allocPoison {
			t.Fatalf("freshly allocated frame not poisoned")
		}
	}
}
