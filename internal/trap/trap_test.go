package trap

import (
	"testing"

	"ucore/internal/bio"
	"ucore/internal/defs"
	"ucore/internal/file"
	"ucore/internal/fs"
	"ucore/internal/hal"
	"ucore/internal/loader"
	"ucore/internal/mem"
	"ucore/internal/plic"
	"ucore/internal/proc"
	"ucore/internal/virtio"
	"ucore/internal/vm"
)

type memDisk struct{ blocks map[uint32][bio.BSIZE]byte }

func (d *memDisk) Rw(b *bio.Buf_t, write bool) {
	if write {
		d.blocks[b.Blockno] = b.Data
		return
	}
	b.Data = d.blocks[b.Blockno]
}

func copySuperblock(bp *bio.Buf_t, sb fs.Superblock_t) {
	put := func(off int, v uint32) {
		bp.Data[off] = byte(v)
		bp.Data[off+1] = byte(v >> 8)
		bp.Data[off+2] = byte(v >> 16)
		bp.Data[off+3] = byte(v >> 24)
	}
	put(0, sb.Magic)
	put(4, sb.Size)
	put(8, sb.NBlocks)
	put(12, sb.NInodes)
	put(16, sb.InodeStart)
	put(20, sb.BmapStart)
}

type fixture struct {
	d     *Dispatcher
	sched *proc.Scheduler_t
	alloc *mem.Allocator
	tramp mem.Pa_t
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	alloc := mem.NewAllocator(0x80400000, 2048)

	disk := &memDisk{blocks: make(map[uint32][bio.BSIZE]byte)}
	cache := bio.NewCache(disk)
	sb := fs.Superblock_t{Magic: fs.FSMAGIC, Size: 300, NBlocks: 293, NInodes: 50, InodeStart: 2, BmapStart: 6}
	bp := cache.Read(fs.ROOTDEV, 1)
	copySuperblock(bp, sb)
	cache.Write(bp)
	cache.Release(bp)
	bm := cache.Read(fs.ROOTDEV, 6)
	bm.Data[0] = 0x7f
	cache.Write(bm)
	cache.Release(bm)
	fsys := fs.Init(cache)
	root := fsys.Ialloc(fs.T_DIR)
	fsys.Iput(root)

	files := file.NewTable(fsys, hal.NullConsole{})
	sched := proc.NewScheduler(alloc, files)

	trampPa, ok := alloc.Alloc()
	if !ok {
		t.Fatal("out of memory allocating trampoline frame")
	}

	p := &plic.Plic_t{}
	disk2 := virtio.NewDisk(p)
	d := &Dispatcher{
		Sched:        sched,
		Files:        files,
		Alloc:        alloc,
		Plic:         p,
		Disk:         disk2,
		Now:          func() uint64 { return 42 },
		TrampolinePa: func() mem.Pa_t { return trampPa },
	}
	return &fixture{d: d, sched: sched, alloc: alloc, tramp: trampPa}
}

func (f *fixture) newRunningProc(t *testing.T, prog []byte) *proc.Proc_t {
	t.Helper()
	p := f.sched.AllocProc(f.tramp)
	if p == nil {
		t.Fatal("failed to allocate process")
	}
	maxPage, heapBottom, heapTop, ok := loader.Load(f.alloc, p.Root, p.Trapframe, loader.Image{Data: prog})
	if !ok {
		t.Fatal("failed to load image")
	}
	p.MaxPage, p.HeapBottom, p.ProgramBrk = maxPage, heapBottom, heapTop
	f.sched.SetCurrent(p)
	return p
}

func (f *fixture) writeUserString(t *testing.T, p *proc.Proc_t, va uint64, s string) {
	t.Helper()
	if err := vm.CopyOut(f.alloc, p.Root, va, []byte(s)); err != 0 {
		t.Fatalf("failed to stage user string: %d", err)
	}
}

func TestSyscallGetTimeReturnsNow(t *testing.T) {
	f := newFixture(t)
	p := f.newRunningProc(t, []byte("prog"))

	p.Trapframe.A7 = SysGetTime
	f.d.Syscall()
	if p.Trapframe.A0 != 42 {
		t.Fatalf("expected a0=42, got %d", p.Trapframe.A0)
	}
}

func TestSyscallUnknownReturnsNegENOSYS(t *testing.T) {
	f := newFixture(t)
	p := f.newRunningProc(t, []byte("prog"))

	p.Trapframe.A7 = 999
	f.d.Syscall()
	if int32(p.Trapframe.A0) != -int32(defs.ENOSYS) {
		t.Fatalf("expected -ENOSYS, got %d", int32(p.Trapframe.A0))
	}
}

func TestSyscallOpenWriteCloseReadBack(t *testing.T) {
	f := newFixture(t)
	p := f.newRunningProc(t, []byte("prog"))

	pathVA := p.ProgramBrk
	if ok := f.sched.GrowProc(defs.PGSIZE); !ok {
		t.Fatal("failed to grow heap for scratch buffer")
	}
	f.writeUserString(t, p, pathVA, "hello.txt\x00")
	payloadVA := pathVA + 32
	f.writeUserString(t, p, payloadVA, "payload")

	p.Trapframe.A7 = SysOpen
	p.Trapframe.A0 = pathVA
	p.Trapframe.A1 = uint64(defs.O_CREATE | defs.O_RDWR)
	f.d.Syscall()
	fd := int32(p.Trapframe.A0)
	if fd < 0 {
		t.Fatalf("expected successful open, got %d", fd)
	}

	p.Trapframe.A7 = SysWrite
	p.Trapframe.A0 = uint64(fd)
	p.Trapframe.A1 = payloadVA
	p.Trapframe.A2 = 7
	f.d.Syscall()
	if n := int32(p.Trapframe.A0); n != 7 {
		t.Fatalf("expected 7 bytes written, got %d", n)
	}

	p.Trapframe.A7 = SysClose
	p.Trapframe.A0 = uint64(fd)
	f.d.Syscall()
	if ret := int32(p.Trapframe.A0); ret != 0 {
		t.Fatalf("expected close to succeed, got %d", ret)
	}

	// Reopen read-only and read the bytes back through a fresh fd.
	p.Trapframe.A7 = SysOpen
	p.Trapframe.A0 = pathVA
	p.Trapframe.A1 = uint64(defs.O_RDONLY)
	f.d.Syscall()
	fd2 := int32(p.Trapframe.A0)
	if fd2 < 0 {
		t.Fatalf("expected successful reopen, got %d", fd2)
	}

	readVA := payloadVA + 32
	p.Trapframe.A7 = SysRead
	p.Trapframe.A0 = uint64(fd2)
	p.Trapframe.A1 = readVA
	p.Trapframe.A2 = 7
	f.d.Syscall()
	if n := int32(p.Trapframe.A0); n != 7 {
		t.Fatalf("expected 7 bytes read, got %d", n)
	}
	got := make([]byte, 7)
	if err := vm.CopyIn(f.alloc, p.Root, got, readVA); err != 0 {
		t.Fatalf("failed to read back staged bytes: %d", err)
	}
	if string(got) != "payload" {
		t.Fatalf("expected %q, got %q", "payload", got)
	}
}

func TestSyscallOpenMissingWithoutCreateFails(t *testing.T) {
	f := newFixture(t)
	p := f.newRunningProc(t, []byte("prog"))

	pathVA := p.ProgramBrk
	f.sched.GrowProc(defs.PGSIZE)
	f.writeUserString(t, p, pathVA, "nope.txt\x00")

	p.Trapframe.A7 = SysOpen
	p.Trapframe.A0 = pathVA
	p.Trapframe.A1 = uint64(defs.O_RDONLY)
	f.d.Syscall()
	if ret := int32(p.Trapframe.A0); ret >= 0 {
		t.Fatalf("expected negative error for missing file, got %d", ret)
	}
}

func TestSyscallSbrkReturnsOldBrk(t *testing.T) {
	f := newFixture(t)
	p := f.newRunningProc(t, []byte("prog"))
	before := p.ProgramBrk

	p.Trapframe.A7 = SysSbrk
	p.Trapframe.A0 = uint64(defs.PGSIZE)
	f.d.Syscall()
	if got := p.Trapframe.A0; got != before {
		t.Fatalf("expected sbrk to return old brk %#x, got %#x", before, got)
	}
	if p.ProgramBrk != before+uint64(defs.PGSIZE) {
		t.Fatalf("expected brk to advance by one page, got %#x", p.ProgramBrk)
	}
}

func TestSyscallWaitWithNoChildrenReturnsNegOne(t *testing.T) {
	f := newFixture(t)
	p := f.newRunningProc(t, []byte("prog"))

	p.Trapframe.A7 = SysWait
	p.Trapframe.A0 = 0
	p.Trapframe.A1 = 0
	f.d.Syscall()
	if ret := int32(p.Trapframe.A0); ret != -1 {
		t.Fatalf("expected -1 with no children, got %d", ret)
	}
}

func TestHandleTimerInterruptYieldsOnlyFromUser(t *testing.T) {
	f := newFixture(t)
	p := f.newRunningProc(t, []byte("a"))

	// A timer interrupt while the kernel itself was executing (fromUser
	// false) must not yield — spec §4.3's "kernel code is
	// NOT preempted" discipline.
	f.d.Handle(Trap_t{Cause: SupervisorTimer, Interrupt: true}, false)
	if p.State != proc.Running {
		t.Fatalf("expected process to remain Running across a kernel-mode timer tick, got %v", p.State)
	}

	// The same interrupt arriving while a user thread was running must
	// yield.
	f.d.Handle(Trap_t{Cause: SupervisorTimer, Interrupt: true}, true)
	if p.State != proc.Runnable {
		t.Fatalf("expected yield to mark the process Runnable, got %v", p.State)
	}
}

func TestHandleExternalClaimsAndCompletesVirtio(t *testing.T) {
	f := newFixture(t)
	f.newRunningProc(t, []byte("prog"))

	f.d.Plic.Raise(defs.VirtioIRQ)
	f.d.Handle(Trap_t{Cause: SupervisorExternal, Interrupt: true}, true)
	if f.d.Plic.Claim() != 0 {
		t.Fatal("expected the external interrupt to have been claimed and drained")
	}
}
