package loader

import (
	"bytes"
	"testing"

	"ucore/internal/defs"
	"ucore/internal/mem"
	"ucore/internal/trapframe"
	"ucore/internal/vm"
)

func newAlloc(npages int) *mem.Allocator {
	return mem.NewAllocator(0x80400000, npages)
}

func newRoot(t *testing.T, alloc *mem.Allocator) mem.Pa_t {
	t.Helper()
	trampPa, ok := alloc.Alloc()
	if !ok {
		t.Fatal("out of memory setting up trampoline frame")
	}
	root, ok := vm.CreateUserPagetable(alloc, trampPa)
	if !ok {
		t.Fatal("failed to create user pagetable")
	}
	return root
}

func TestLoadMapsImageAndZeroFillsTail(t *testing.T) {
	alloc := newAlloc(64)
	root := newRoot(t, alloc)
	tf := &trapframe.Trapframe_t{}

	prog := bytes.Repeat([]byte{0xAB}, 100) // shorter than one page
	maxPage, heapBottom, heapTop, ok := Load(alloc, root, tf, Image{Name: "t", Data: prog})
	if !ok {
		t.Fatal("expected load to succeed")
	}
	if maxPage != defs.UserBase+uint64(defs.PGSIZE) {
		t.Fatalf("expected one page mapped, got maxPage=%#x", maxPage)
	}
	if heapBottom != maxPage || heapTop != maxPage {
		t.Fatalf("expected heap bounds to start at maxPage, got %#x/%#x", heapBottom, heapTop)
	}
	if tf.Epc != defs.UserBase {
		t.Fatalf("expected epc at UserBase, got %#x", tf.Epc)
	}

	pa, ok := vm.WalkAddr(alloc, root, defs.UserBase)
	if !ok {
		t.Fatal("expected image page to be mapped")
	}
	page := alloc.Bytes(pa)
	for i := 0; i < 100; i++ {
		if page[i] != 0xAB {
			t.Fatalf("byte %d not copied", i)
		}
	}
	for i := 100; i < defs.PGSIZE; i++ {
		if page[i] != 0 {
			t.Fatalf("expected zero-fill past image end at byte %d, got %d", i, page[i])
		}
	}
}

func TestLoadMapsStackBelowTrapframe(t *testing.T) {
	alloc := newAlloc(64)
	root := newRoot(t, alloc)
	tf := &trapframe.Trapframe_t{}

	Load(alloc, root, tf, Image{Name: "t", Data: []byte{1, 2, 3}})

	wantSP := defs.Trapframe - uint64(defs.PGSIZE)
	if tf.Sp != wantSP {
		t.Fatalf("expected sp at %#x, got %#x", wantSP, tf.Sp)
	}
	if _, ok := vm.WalkAddr(alloc, root, wantSP-1); !ok {
		t.Fatal("expected stack page mapped below trapframe")
	}
}

func TestLoadRejectsOversizedImage(t *testing.T) {
	alloc := newAlloc(4)
	root := newRoot(t, alloc)
	tf := &trapframe.Trapframe_t{}

	big := make([]byte, MaxAppSize+1)
	if _, _, _, ok := Load(alloc, root, tf, Image{Data: big}); ok {
		t.Fatal("expected oversized image to be rejected")
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	before := Count()
	Register(Image{Name: "hello", Data: []byte("hi")})
	if Count() != before+1 {
		t.Fatalf("expected registry to grow by one")
	}
	img, ok := At(before)
	if !ok || img.Name != "hello" {
		t.Fatalf("expected to find registered image, got %+v ok=%v", img, ok)
	}
	if _, ok := At(Count()); ok {
		t.Fatal("expected out-of-range At to fail")
	}
}
