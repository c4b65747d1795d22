package vm

import (
	"testing"

	"ucore/internal/defs"
	"ucore/internal/mem"
)

func newAlloc(npages int) *mem.Allocator {
	return mem.NewAllocator(0x80010000, npages)
}

func TestMapWalkAddrRoundTrip(t *testing.T) {
	alloc := newAlloc(16)
	root, ok := alloc.Alloc()
	if !ok {
		t.Fatal("alloc root failed")
	}
	alloc.Zero(root)

	data, ok := alloc.Alloc()
	if !ok {
		t.Fatal("alloc data failed")
	}
	const va = uint64(0x1000)
	if !Map(alloc, root, va, uint64(defs.PGSIZE), data, defs.PTE_R|defs.PTE_W|defs.PTE_U) {
		t.Fatal("map failed")
	}
	got, ok := WalkAddr(alloc, root, va)
	if !ok || got != data {
		t.Fatalf("walkaddr = %#x,%v want %#x,true", got, ok, data)
	}
}

func TestMapRemapFails(t *testing.T) {
	alloc := newAlloc(16)
	root, _ := alloc.Alloc()
	alloc.Zero(root)
	data, _ := alloc.Alloc()
	if !Map(alloc, root, 0, uint64(defs.PGSIZE), data, defs.PTE_R|defs.PTE_U) {
		t.Fatal("first map failed")
	}
	other, _ := alloc.Alloc()
	if Map(alloc, root, 0, uint64(defs.PGSIZE), other, defs.PTE_R|defs.PTE_U) {
		t.Fatal("remap should fail")
	}
}

func TestUnmapFreesFrame(t *testing.T) {
	alloc := newAlloc(16)
	root, _ := alloc.Alloc()
	alloc.Zero(root)
	before, _ := alloc.Stats()

	data, _ := alloc.Alloc()
	Map(alloc, root, 0, uint64(defs.PGSIZE), data, defs.PTE_R|defs.PTE_U)
	Unmap(alloc, root, 0, 1, true)

	// Only the data frame comes back: the two interior page-table pages Map
	// created stay allocated until FreePagetable.
	after, _ := alloc.Stats()
	if after != before-2 {
		t.Fatalf("expected frame reclaimed: before=%d after=%d", before, after)
	}
	if _, ok := WalkAddr(alloc, root, 0); ok {
		t.Fatal("walkaddr should fail after unmap")
	}
}

func TestGrowShrinkRoundTrip(t *testing.T) {
	alloc := newAlloc(32)
	root, _ := alloc.Alloc()
	alloc.Zero(root)
	free0, _ := alloc.Stats()

	newsz := Grow(alloc, root, 0, uint64(3*defs.PGSIZE), defs.PTE_W)
	if newsz != uint64(3*defs.PGSIZE) {
		t.Fatalf("grow returned %d", newsz)
	}
	for va := uint64(0); va < newsz; va += uint64(defs.PGSIZE) {
		if _, ok := WalkAddr(alloc, root, va); !ok {
			t.Fatalf("page at %#x not mapped after grow", va)
		}
	}

	got := Shrink(alloc, root, newsz, 0)
	if got != 0 {
		t.Fatalf("shrink returned %d", got)
	}
	// All three data frames come back; the two interior page-table pages
	// Grow created stay allocated until FreePagetable.
	freeN, _ := alloc.Stats()
	if freeN != free0-2 {
		t.Fatalf("frames leaked: free0=%d freeN=%d", free0, freeN)
	}
}

func TestCopyOutCopyIn(t *testing.T) {
	alloc := newAlloc(16)
	root, _ := alloc.Alloc()
	alloc.Zero(root)
	Grow(alloc, root, 0, uint64(2*defs.PGSIZE), defs.PTE_W)

	msg := []byte("hello, kernel")
	const va = uint64(defs.PGSIZE) - 4 // straddles the page boundary
	if err := CopyOut(alloc, root, va, msg); err != 0 {
		t.Fatalf("copyout err=%d", err)
	}
	back := make([]byte, len(msg))
	if err := CopyIn(alloc, root, back, va); err != 0 {
		t.Fatalf("copyin err=%d", err)
	}
	if string(back) != string(msg) {
		t.Fatalf("got %q want %q", back, msg)
	}
}

func TestCopyInStr(t *testing.T) {
	alloc := newAlloc(16)
	root, _ := alloc.Alloc()
	alloc.Zero(root)
	Grow(alloc, root, 0, uint64(defs.PGSIZE), defs.PTE_W)

	CopyOut(alloc, root, 0, []byte("abc\x00junk"))
	buf := make([]byte, 16)
	n, err := CopyInStr(alloc, root, buf, 0)
	if err != 0 || n != 3 || string(buf[:n]) != "abc" {
		t.Fatalf("n=%d err=%d buf=%q", n, err, buf[:n])
	}
}

func TestCopyUserPagetable(t *testing.T) {
	alloc := newAlloc(32)
	src, _ := alloc.Alloc()
	alloc.Zero(src)
	Grow(alloc, src, 0, uint64(2*defs.PGSIZE), defs.PTE_W)
	CopyOut(alloc, src, 0, []byte("parent data"))

	dst, _ := alloc.Alloc()
	alloc.Zero(dst)
	if !CopyUserPagetable(alloc, src, dst, uint64(2*defs.PGSIZE)) {
		t.Fatal("copy failed")
	}
	buf := make([]byte, len("parent data"))
	if err := CopyIn(alloc, dst, buf, 0); err != 0 || string(buf) != "parent data" {
		t.Fatalf("child missing copied data: err=%d buf=%q", err, buf)
	}

	// Mutating the child must not affect the parent (no COW).
	CopyOut(alloc, dst, 0, []byte("child write!"))
	CopyIn(alloc, src, buf, 0)
	if string(buf) != "parent data" {
		t.Fatalf("parent mutated through child: %q", buf)
	}
}
