// Package vm implements the Sv39 page-table layer (spec §4.2): walking and
// building three-level page tables, mapping and unmapping user address
// ranges, and the copyin/copyout primitives syscalls use to cross the
// user/kernel boundary.
package vm

import (
	"unsafe"

	"ucore/internal/defs"
	"ucore/internal/kutil"
	"ucore/internal/mem"
)

// Pagetable_t is a single level of an Sv39 page table: 512 64-bit PTEs
// packed into one physical frame, the same shape as the teacher's
// mem.Pmap_t but sized for RISC-V's PTE encoding rather than x86's.
type Pagetable_t [512]defs.Pte_t

func asTable(b []byte) *Pagetable_t {
	return (*Pagetable_t)(unsafe.Pointer(&b[0]))
}

// px extracts the level-th 9-bit index (level 0..2) out of a virtual
// address, per spec §2's Sv39 geometry.
func px(level uint, va uint64) uint64 {
	shift := defs.PGSHIFT + level*defs.PTIDXBITS
	return (va >> shift) & defs.PTIDXMASK
}

func pte2pa(pte defs.Pte_t) mem.Pa_t {
	return mem.Pa_t((pte >> 10) << defs.PGSHIFT)
}

func pa2pte(pa mem.Pa_t) defs.Pte_t {
	return defs.Pte_t(uint64(pa) >> defs.PGSHIFT << 10)
}

// AS_t is a process's (or the kernel's) address space: a page-table root
// plus the allocator its frames are drawn from.
type AS_t struct {
	Alloc *mem.Allocator
	Root  mem.Pa_t
}

// walk returns the leaf PTE for va within pagetable root, descending
// through (and, if create is set, allocating) the intermediate levels.
// Mirrors the original's level-2-down-to-0 walk over a three-level tree.
func walk(alloc *mem.Allocator, root mem.Pa_t, va uint64, create bool) (*defs.Pte_t, bool) {
	if va >= defs.MaxVA {
		panic("vm: walk: va out of range")
	}
	table := root
	for level := 2; level > 0; level-- {
		pt := asTable(alloc.Bytes(table))
		idx := px(uint(level), va)
		pte := &pt[idx]
		if *pte&defs.PTE_V != 0 {
			table = pte2pa(*pte)
			continue
		}
		if !create {
			return nil, false
		}
		next, ok := alloc.Alloc()
		if !ok {
			return nil, false
		}
		alloc.Zero(next)
		*pte = pa2pte(next) | defs.PTE_V
		table = next
	}
	pt := asTable(alloc.Bytes(table))
	return &pt[px(0, va)], true
}

// WalkAddr looks up a user virtual address and returns its physical
// address, or (0, false) if unmapped or not a user-accessible leaf.
func WalkAddr(alloc *mem.Allocator, root mem.Pa_t, va uint64) (mem.Pa_t, bool) {
	if va >= defs.MaxVA {
		return 0, false
	}
	pte, ok := walk(alloc, root, va, false)
	if !ok || pte == nil {
		return 0, false
	}
	if *pte&defs.PTE_V == 0 || *pte&defs.PTE_U == 0 {
		return 0, false
	}
	return pte2pa(*pte), true
}

// Map installs PTEs covering [va, va+size) mapped to the physical range
// starting at pa, with the given permission bits. va and size need not be
// page-aligned; pa must be. Returns false if a page-table page could not be
// allocated, or if any covered virtual page is already mapped.
func Map(alloc *mem.Allocator, root mem.Pa_t, va uint64, size uint64, pa mem.Pa_t, perm defs.Pte_t) bool {
	if size == 0 {
		panic("vm: map: zero size")
	}
	a := kutil.Rounddown(va, uint64(defs.PGSIZE))
	last := kutil.Rounddown(va+size-1, uint64(defs.PGSIZE))
	for {
		pte, ok := walk(alloc, root, a, true)
		if !ok {
			return false
		}
		if *pte&defs.PTE_V != 0 {
			return false
		}
		*pte = pa2pte(pa) | perm | defs.PTE_V
		if a == last {
			break
		}
		a += uint64(defs.PGSIZE)
		pa += mem.Pa_t(defs.PGSIZE)
	}
	return true
}

// Unmap removes npages worth of mappings starting at the page-aligned va,
// freeing the backing physical frames when doFree is set. Panics if va is
// not page-aligned or if a covered PTE is not a leaf — both fatal
// inconsistencies in the kernel's own bookkeeping.
func Unmap(alloc *mem.Allocator, root mem.Pa_t, va uint64, npages uint64, doFree bool) {
	if va%uint64(defs.PGSIZE) != 0 {
		panic("vm: unmap: unaligned va")
	}
	for a := va; a < va+npages*uint64(defs.PGSIZE); a += uint64(defs.PGSIZE) {
		pte, ok := walk(alloc, root, a, false)
		if !ok || pte == nil || *pte&defs.PTE_V == 0 {
			continue
		}
		if *pte&defs.PTE_RWX == 0 {
			panic("vm: unmap: not a leaf")
		}
		if doFree {
			alloc.Free(pte2pa(*pte))
		}
		*pte = 0
	}
}

// CreateUserPagetable allocates a fresh, empty page-table root and maps the
// shared trampoline page into it, as every user address space needs it
// reachable at the same high virtual address (spec §3).
func CreateUserPagetable(alloc *mem.Allocator, trampolinePa mem.Pa_t) (mem.Pa_t, bool) {
	root, ok := alloc.Alloc()
	if !ok {
		return 0, false
	}
	alloc.Zero(root)
	if !Map(alloc, root, defs.Trampoline, uint64(defs.PGSIZE), trampolinePa, defs.PTE_R|defs.PTE_X) {
		alloc.Free(root)
		return 0, false
	}
	return root, true
}

// freewalk recursively frees the page-table pages of an emptied tree. Every
// leaf mapping must already have been removed by the caller.
func freewalk(alloc *mem.Allocator, table mem.Pa_t) {
	pt := asTable(alloc.Bytes(table))
	for i := range pt {
		pte := pt[i]
		if pte&defs.PTE_V == 0 {
			continue
		}
		if pte&defs.PTE_RWX == 0 {
			freewalk(alloc, pte2pa(pte))
			pt[i] = 0
			continue
		}
		panic("vm: freewalk: leaf still mapped")
	}
	alloc.Free(table)
}

// FreePagetable unmaps and frees every user page below maxva, then frees
// the page-table pages themselves, including the trampoline mapping's
// table entries (but not the trampoline frame, which Unmap never touches
// since it's outside [0, maxva)).
func FreePagetable(alloc *mem.Allocator, root mem.Pa_t, maxva uint64) {
	if maxva > 0 {
		npages := kutil.Roundup(maxva, uint64(defs.PGSIZE)) / uint64(defs.PGSIZE)
		Unmap(alloc, root, 0, npages, true)
	}
	Unmap(alloc, root, defs.Trampoline, 1, false)
	freewalk(alloc, root)
}

// CopyUserPagetable duplicates every mapping and backing page below maxva
// from src into dst, used by fork (spec §4.4). There is no copy-on-write in
// this kernel: each child gets its own physical copy.
func CopyUserPagetable(alloc *mem.Allocator, src, dst mem.Pa_t, maxva uint64) bool {
	var done []uint64
	ok := func() bool {
		for va := uint64(0); va < maxva; va += uint64(defs.PGSIZE) {
			pte, found := walk(alloc, src, va, false)
			if !found || pte == nil || *pte&defs.PTE_V == 0 {
				continue
			}
			pa := pte2pa(*pte)
			perm := *pte & (defs.PTE_RWX | defs.PTE_U)
			npa, got := alloc.Alloc()
			if !got {
				return false
			}
			copy(alloc.Bytes(npa), alloc.Bytes(pa))
			if !Map(alloc, dst, va, uint64(defs.PGSIZE), npa, perm) {
				alloc.Free(npa)
				return false
			}
			done = append(done, va)
		}
		return true
	}()
	if !ok {
		for _, va := range done {
			Unmap(alloc, dst, va, 1, true)
		}
	}
	return ok
}

// Grow extends a user address space from oldsz to newsz, allocating and
// zeroing fresh pages mapped with the given extra permission bits (spec
// §4.2's heap growth). Returns the new size, or oldsz on allocation
// failure (the partial extension is rolled back).
func Grow(alloc *mem.Allocator, root mem.Pa_t, oldsz, newsz uint64, extra defs.Pte_t) uint64 {
	if newsz < oldsz {
		return oldsz
	}
	start := kutil.Roundup(oldsz, uint64(defs.PGSIZE))
	for a := start; a < newsz; a += uint64(defs.PGSIZE) {
		pa, ok := alloc.Alloc()
		if !ok {
			Shrink(alloc, root, a, oldsz)
			return oldsz
		}
		alloc.Zero(pa)
		if !Map(alloc, root, a, uint64(defs.PGSIZE), pa, defs.PTE_R|defs.PTE_U|extra) {
			alloc.Free(pa)
			Shrink(alloc, root, a, oldsz)
			return oldsz
		}
	}
	return newsz
}

// Shrink releases user pages to bring the address space from oldsz down to
// newsz. newsz may exceed oldsz, in which case it is a no-op.
func Shrink(alloc *mem.Allocator, root mem.Pa_t, oldsz, newsz uint64) uint64 {
	if newsz >= oldsz {
		return oldsz
	}
	if kutil.Roundup(newsz, uint64(defs.PGSIZE)) < kutil.Roundup(oldsz, uint64(defs.PGSIZE)) {
		npages := (kutil.Roundup(oldsz, uint64(defs.PGSIZE)) - kutil.Roundup(newsz, uint64(defs.PGSIZE))) / uint64(defs.PGSIZE)
		Unmap(alloc, root, kutil.Roundup(newsz, uint64(defs.PGSIZE)), npages, true)
	}
	return newsz
}

// CopyOut copies len(src) bytes from kernel memory to the user virtual
// address dstva in root's address space, crossing page boundaries as
// needed.
func CopyOut(alloc *mem.Allocator, root mem.Pa_t, dstva uint64, src []byte) defs.Err_t {
	for len(src) > 0 {
		va0 := kutil.Rounddown(dstva, uint64(defs.PGSIZE))
		pa0, ok := WalkAddr(alloc, root, va0)
		if !ok {
			return -defs.EFAULT
		}
		off := dstva - va0
		n := uint64(defs.PGSIZE) - off
		if n > uint64(len(src)) {
			n = uint64(len(src))
		}
		copy(alloc.Bytes(pa0)[off:off+n], src[:n])
		src = src[n:]
		dstva = va0 + uint64(defs.PGSIZE)
	}
	return 0
}

// CopyIn copies len(dst) bytes from the user virtual address srcva in
// root's address space into dst, crossing page boundaries as needed.
func CopyIn(alloc *mem.Allocator, root mem.Pa_t, dst []byte, srcva uint64) defs.Err_t {
	for len(dst) > 0 {
		va0 := kutil.Rounddown(srcva, uint64(defs.PGSIZE))
		pa0, ok := WalkAddr(alloc, root, va0)
		if !ok {
			return -defs.EFAULT
		}
		off := srcva - va0
		n := uint64(defs.PGSIZE) - off
		if n > uint64(len(dst)) {
			n = uint64(len(dst))
		}
		copy(dst[:n], alloc.Bytes(pa0)[off:off+n])
		dst = dst[n:]
		srcva = va0 + uint64(defs.PGSIZE)
	}
	return 0
}

// CopyInStr copies a NUL-terminated string from the user virtual address
// srcva into dst, stopping at the first NUL or once dst is full. Returns
// the number of bytes copied (excluding the NUL) and an error if no
// terminator was found within len(dst).
func CopyInStr(alloc *mem.Allocator, root mem.Pa_t, dst []byte, srcva uint64) (int, defs.Err_t) {
	max := len(dst)
	got := 0
	for got < max {
		va0 := kutil.Rounddown(srcva, uint64(defs.PGSIZE))
		pa0, ok := WalkAddr(alloc, root, va0)
		if !ok {
			return 0, -defs.EFAULT
		}
		off := srcva - va0
		page := alloc.Bytes(pa0)[off:]
		for _, c := range page {
			if got >= max {
				break
			}
			if c == 0 {
				return got, 0
			}
			dst[got] = c
			got++
		}
		srcva = va0 + uint64(defs.PGSIZE)
	}
	return 0, -defs.ENAMETOOLONG
}
