// Package loader implements the user-program loader (spec §4.5): copying
// a flat program image into a freshly mapped user address space and
// setting up the trap frame so the scheduler can resume it as if
// returning from a trap.
//
// The original kernel this is grounded on (original_source/os/loader.c)
// has no paging at all — it memsets a fixed 0x20000-byte physical window
// and memmoves the image into it directly. This kernel maps a real Sv39
// address space per process, so Load allocates and maps only as many
// pages as the image actually needs rather than the original's flat
// MAX_APP_SIZE window (see DESIGN.md), and places the user stack near the
// top of the address space below the trapframe rather than immediately
// after the image, the way full multi-segment RISC-V kernels in this
// corpus lay out exec'd programs.
//
// Load takes its allocator, page-table root, and trap frame as plain
// parameters rather than a *proc.Proc_t so this package never needs to
// import internal/proc — proc imports loader instead, to run a fresh
// process's first program.
package loader

import (
	"ucore/internal/defs"
	"ucore/internal/kutil"
	"ucore/internal/mem"
	"ucore/internal/trapframe"
	"ucore/internal/vm"
)

// MaxAppSize bounds a single image, mirroring the original's
// MAX_APP_SIZE guard in loader.h.
const MaxAppSize = 0x20000

// Image is one loadable program: a name (for diagnostics) and its flat
// byte image, the same shape as the original's link_app.S-embedded
// [start,end) pairs.
type Image struct {
	Name string
	Data []byte
}

// registry holds every image wired in at boot, standing in for
// link_app.S's compiled-in app table (spec §4.5). Indexed in registration
// order, matching the original's app_cur/app_num walk.
var registry []Image

// Register adds img to the boot-time program table. Called from the boot
// sequence before the scheduler starts handing out processes.
func Register(img Image) {
	registry = append(registry, img)
}

// Count returns the number of registered images.
func Count() int { return len(registry) }

// At returns the i'th registered image, or (Image{}, false) if out of
// range — the loader's equivalent of the original's app_cur >= app_num
// check in run_next_app.
func At(i int) (Image, bool) {
	if i < 0 || i >= len(registry) {
		return Image{}, false
	}
	return registry[i], true
}

// Lookup finds a registered image by name, the way exec(name) resolves a
// program (spec §4.4's exec). The original's app table is similarly
// searched linearly by name in get_app_id/get_app_name.
func Lookup(name string) (Image, bool) {
	for _, img := range registry {
		if img.Name == name {
			return img, true
		}
	}
	return Image{}, false
}

// StackVA is the fixed virtual address of the one-page user stack this
// loader maps: two pages below the trapframe (the page between them stays
// unmapped), out of the [0, maxPage)
// range the heap and exec's teardown track, the same way the original
// kernel's static user_stack buffer lives entirely outside the
// max_page-tracked region. Callers that tear down or re-run Load against
// the same address space (proc.Exec, proc's freeProc) need this address
// to unmap the previous stack mapping themselves.
func StackVA() uint64 {
	return defs.Trapframe - 2*uint64(defs.PGSIZE)
}

// Load maps img into a fresh region of root starting at defs.UserBase,
// zero-filling the tail of the last page exactly the way the original's
// memset-then-memmove does for a program shorter than a whole number of
// pages, maps a one-page user stack near the top of the address space,
// and points tf at the program's entry point and stack top.
//
// Returns the new size of the mapped region (maxPage), and the heap's
// initial bottom/top (both equal to maxPage — sbrk has nothing to work
// with until the first growth). ok is false if img exceeds MaxAppSize or
// a page couldn't be allocated; any partial mapping is rolled back.
func Load(alloc *mem.Allocator, root mem.Pa_t, tf *trapframe.Trapframe_t, img Image) (maxPage, heapBottom, heapTop uint64, ok bool) {
	size := uint64(len(img.Data))
	if size > MaxAppSize {
		return 0, 0, 0, false
	}

	pgsize := uint64(defs.PGSIZE)
	npages := kutil.Roundup(size, pgsize) / pgsize

	mapped := make([]uint64, 0, npages)
	rollback := func() {
		for _, va := range mapped {
			vm.Unmap(alloc, root, va, 1, true)
		}
	}

	for i := uint64(0); i < npages; i++ {
		pa, got := alloc.Alloc()
		if !got {
			rollback()
			return 0, 0, 0, false
		}
		alloc.Zero(pa)
		start := i * pgsize
		end := start + pgsize
		if end > size {
			end = size
		}
		copy(alloc.Bytes(pa), img.Data[start:end])

		va := defs.UserBase + start
		if !vm.Map(alloc, root, va, pgsize, pa, defs.PTE_R|defs.PTE_W|defs.PTE_X|defs.PTE_U) {
			alloc.Free(pa)
			rollback()
			return 0, 0, 0, false
		}
		mapped = append(mapped, va)
	}

	stackVA := StackVA()
	stackPa, got := alloc.Alloc()
	if !got {
		rollback()
		return 0, 0, 0, false
	}
	alloc.Zero(stackPa)
	if !vm.Map(alloc, root, stackVA, pgsize, stackPa, defs.PTE_R|defs.PTE_W|defs.PTE_U) {
		alloc.Free(stackPa)
		rollback()
		return 0, 0, 0, false
	}

	tf.Epc = defs.UserBase
	tf.Sp = stackVA + pgsize

	imageTop := defs.UserBase + npages*pgsize
	return imageTop, imageTop, imageTop, true
}
