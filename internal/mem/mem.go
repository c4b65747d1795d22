// Package mem implements the physical-frame allocator (spec §4.1): a
// page-granular free list threaded through the unused frames themselves,
// covering the single contiguous span of RAM this kernel is given.
package mem

import (
	"encoding/binary"
	"fmt"

	"ucore/internal/defs"
)

// Pa_t is a physical address.
type Pa_t uintptr

// PGSIZE mirrors defs.PGSIZE for callers that only import mem.
const PGSIZE = defs.PGSIZE

// poison bytes stamped into a frame on alloc/free, matching xv6's habit of
// scribbling freed memory so a use-after-free reads garbage instead of
// stale, plausible-looking data.
const (
	allocPoison = 0x5a
	freePoison  = 0x1a
)

// noNext marks the end of the free list (no frame has this many frames).
const noNext = ^uint64(0)

// Allocator owns every physical frame in [base, base+npages*PGSIZE) except
// the ones handed out. The free list is a singly-linked chain threaded
// through the first 8 bytes of each unused frame (spec §3): freeHead holds
// the index of the first free frame, and that frame's own leading bytes
// encode the index of the next one.
//
// Not safe for concurrent use without the caller's own lock — in this
// kernel's cooperative scheduling model (spec §5) only one of kernel code or
// an interrupt handler touches it at a time.
type Allocator struct {
	backing []byte // the simulated RAM; frame N is backing[N*PGSIZE:(N+1)*PGSIZE]
	base    Pa_t
	freeHead uint64
	nfree   int
	ntotal  int
}

// NewAllocator builds an allocator over a freshly "booted" span of RAM
// starting at base, sized to hold npages frames, and pushes every frame onto
// the free list. This stands in for the real boot-time walk of
// [kernel-end, physical-top) that spec §4.1 describes: in this simulated
// kernel the backing store is a Go byte slice rather than raw DRAM, but the
// free-list discipline — next-pointers threaded through the frames'
// leading bytes — is identical.
func NewAllocator(base Pa_t, npages int) *Allocator {
	a := &Allocator{
		backing:  make([]byte, npages*PGSIZE),
		base:     base,
		freeHead: noNext,
		ntotal:   npages,
	}
	for i := npages - 1; i >= 0; i-- {
		a.setNext(i, a.freeHead)
		a.freeHead = uint64(i)
		a.nfree++
	}
	return a
}

func (a *Allocator) frameBytes(i int) []byte {
	return a.backing[i*PGSIZE : (i+1)*PGSIZE]
}

func (a *Allocator) setNext(i int, next uint64) {
	binary.LittleEndian.PutUint64(a.frameBytes(i), next)
}

func (a *Allocator) getNext(i int) uint64 {
	return binary.LittleEndian.Uint64(a.frameBytes(i))
}

func (a *Allocator) indexOf(pa Pa_t) int {
	return int((pa - a.base) / Pa_t(PGSIZE))
}

// Bytes returns the byte slice backing the frame at pa. Panics if pa is not
// a frame this allocator owns.
func (a *Allocator) Bytes(pa Pa_t) []byte {
	i := a.indexOf(pa)
	if i < 0 || i >= a.ntotal {
		panic("mem: address out of range")
	}
	return a.frameBytes(i)
}

// Alloc pops a frame off the free list, poisons it, and returns its physical
// address. Returns (0, false) when the allocator is empty — out-of-memory is
// recoverable (spec §4.1).
func (a *Allocator) Alloc() (Pa_t, bool) {
	if a.freeHead == noNext {
		return 0, false
	}
	i := int(a.freeHead)
	a.freeHead = a.getNext(i)
	a.nfree--
	buf := a.frameBytes(i)
	for j := range buf {
		buf[j] = allocPoison
	}
	return a.base + Pa_t(i*PGSIZE), true
}

// Free validates alignment and bounds, poisons the frame, and returns it to
// the free list. Misaligned or out-of-range frees are fatal (spec §4.1).
func (a *Allocator) Free(pa Pa_t) {
	if uintptr(pa)%uintptr(PGSIZE) != 0 {
		panic("mem: free of misaligned frame")
	}
	i := a.indexOf(pa)
	if i < 0 || i >= a.ntotal {
		panic("mem: free of out-of-range frame")
	}
	buf := a.frameBytes(i)
	for j := range buf {
		buf[j] = freePoison
	}
	a.setNext(i, a.freeHead)
	a.freeHead = uint64(i)
	a.nfree++
}

// Zero clears the frame at pa to all zero bytes, used when a caller needs a
// freshly-mapped page to read as zero (heap growth, anonymous pages).
func (a *Allocator) Zero(pa Pa_t) {
	buf := a.Bytes(pa)
	for i := range buf {
		buf[i] = 0
	}
}

// Stats reports free and total frame counts, for diagnostics.
func (a *Allocator) Stats() (free, total int) {
	return a.nfree, a.ntotal
}

func (a *Allocator) String() string {
	return fmt.Sprintf("mem.Allocator{free=%d/%d}", a.nfree, a.ntotal)
}
