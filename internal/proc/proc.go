// Package proc implements the process control block pool and cooperative
// scheduler (spec §4.4, §5): a fixed 16-process table, a FIFO ready
// queue, fork/exec/wait/exit, and sbrk-style heap growth.
//
// Context_t and the Swtch hook are defined here rather than routed
// through internal/hal, so hal never needs to know this package's
// register-save layout. The real trampoline return stub and wfi
// instruction (spec §1's out-of-scope list) have no call site in this
// simulated kernel — Swtch is a substitutable no-op rather than a real
// stack switch, so nothing here ever actually jumps back into user mode
// or idles on real hardware.
package proc

import (
	"ucore/internal/defs"
	"ucore/internal/file"
	"ucore/internal/kutil"
	"ucore/internal/loader"
	"ucore/internal/mem"
	"ucore/internal/trapframe"
	"ucore/internal/vm"
)

// NPROC bounds the process table (spec §3).
const NPROC = 16

// IdlePid is the scheduler's own pseudo-process id, never handed out by
// AllocPid.
const IdlePid = 0

// Context_t is the kernel-context register save area swtch switches
// between: ra/sp plus the 12 callee-saved s-registers, matching
// original_source/os/proc.h's struct context.
type Context_t struct {
	Ra, Sp                                         uint64
	S0, S1, S2, S3, S4, S5, S6, S7, S8, S9, S10, S11 uint64
}

// Swtch performs a kernel context switch: save the caller's registers
// into old, restore new's into the CPU, and return as if new's last
// Swtch call had just returned. The real implementation is hand-written
// assembly (spec §1's out-of-scope list); it's a package variable so
// tests can run the scheduler's bookkeeping without ever truly switching
// stacks.
var Swtch func(old, new *Context_t) = func(*Context_t, *Context_t) {}

// State_t is a process's scheduling state (spec §3).
type State_t int

const (
	Unused State_t = iota
	Used
	Sleeping
	Runnable
	Running
	Zombie
)

// Proc_t is one process control block.
type Proc_t struct {
	State   State_t
	Pid     int
	Root    mem.Pa_t // page-table root
	KStack  uint64    // kernel-stack top, used as Context.Sp
	Trapframe *trapframe.Trapframe_t

	Context Context_t

	MaxPage    uint64
	HeapBottom uint64
	ProgramBrk uint64

	Parent *Proc_t

	ExitCode int

	Files [file.NFILE]*file.File_t // this process's fd table; index is the fd number

	kstackBuf []byte // backing storage for the kernel stack, kept alive here
}

// Scheduler_t owns the process pool, the shared allocator, the file
// table, and the ready queue. Packaged as a struct rather than bare
// package globals (the original keeps `pool`, `current_proc`, and
// `task_queue` as file-scope globals) so more than one kernel instance
// can exist side by side in tests.
type Scheduler_t struct {
	pool    [NPROC]Proc_t
	idle    Proc_t
	current *Proc_t

	ready []int // FIFO of indices into pool, mirroring the original's ring-buffer queue

	alloc *mem.Allocator
	files *file.Table_t

	nextPid int
}

// NewScheduler wires a scheduler over alloc (for page tables and heap
// growth) and files (for fork's fd-table duplication). Each pool slot's
// kernel stack is a plain Go byte slice rather than a real stack this
// simulated kernel never actually switches onto.
func NewScheduler(alloc *mem.Allocator, files *file.Table_t) *Scheduler_t {
	s := &Scheduler_t{alloc: alloc, files: files, nextPid: 1}
	for i := range s.pool {
		s.pool[i].State = Unused
		s.pool[i].kstackBuf = make([]byte, defs.PGSIZE)
		s.pool[i].KStack = uint64(defs.PGSIZE)
		s.pool[i].Trapframe = &trapframe.Trapframe_t{}
	}
	s.idle.Pid = IdlePid
	s.current = &s.idle
	return s
}

// Current returns the process presently selected as running.
func (s *Scheduler_t) Current() *Proc_t { return s.current }

// SetCurrent installs p as the process the scheduler considers Running,
// bypassing the ready queue. Schedule's real context switch is how a
// process normally becomes current; this is what hands control to the
// very first process at boot, before anything has ever been switched
// away from, and what lets the trap dispatcher be driven one syscall at a
// time in tests without a working Swtch.
func (s *Scheduler_t) SetCurrent(p *Proc_t) {
	p.State = Running
	s.current = p
}

// MakeRunnable marks p Runnable and adds it to the ready queue, the way
// the original's userinit marks the very first process runnable before
// the scheduler ever runs. Every later transition into Runnable (Yield,
// Wait, Fork) happens internally; this is the one
// public seam a boot sequence needs to hand the scheduler its first task.
func (s *Scheduler_t) MakeRunnable(p *Proc_t) {
	p.State = Runnable
	s.addTask(p)
}

func (s *Scheduler_t) allocPid() int {
	pid := s.nextPid
	s.nextPid++
	return pid
}

func (s *Scheduler_t) fetchTask() *Proc_t {
	if len(s.ready) == 0 {
		return nil
	}
	idx := s.ready[0]
	s.ready = s.ready[1:]
	return &s.pool[idx]
}

func (s *Scheduler_t) addTask(p *Proc_t) {
	s.ready = append(s.ready, s.indexOf(p))
}

func (s *Scheduler_t) indexOf(p *Proc_t) int {
	for i := range s.pool {
		if &s.pool[i] == p {
			return i
		}
	}
	panic("proc: process not in pool")
}

// AllocProc finds an UNUSED slot, gives it a pid and a fresh page table
// with the trampoline mapped, and returns it. Returns nil if the table
// is full or the page table couldn't be created (spec §4.4).
func (s *Scheduler_t) AllocProc(trampolinePa mem.Pa_t) *Proc_t {
	var p *Proc_t
	for i := range s.pool {
		if s.pool[i].State == Unused {
			p = &s.pool[i]
			break
		}
	}
	if p == nil {
		return nil
	}

	root, ok := vm.CreateUserPagetable(s.alloc, trampolinePa)
	if !ok {
		return nil
	}

	p.Pid = s.allocPid()
	p.State = Used
	p.MaxPage = 0
	p.HeapBottom = 0
	p.ProgramBrk = 0
	p.Parent = nil
	p.ExitCode = 0
	p.Root = root
	p.Context = Context_t{}
	*p.Trapframe = trapframe.Trapframe_t{}
	for i := range p.kstackBuf {
		p.kstackBuf[i] = 0
	}
	for i := range p.Files {
		p.Files[i] = nil
	}
	p.Context.Ra = trapReturnMarker
	p.Context.Sp = p.KStack
	return p
}

// trapReturnMarker stands in for the original's p->context.ra =
// (uint64)usertrapret: a fresh process's first kernel "return" would
// resume user mode through the trampoline's return stub. Since Swtch
// never really jumps through this address in the simulated kernel, it's
// just a recognizable sentinel rather than a real code pointer.
const trapReturnMarker = ^uint64(0)

// freeProc releases p's page table — the user mappings below MaxPage,
// the stack page the loader placed below the trapframe, and the
// page-table pages themselves, but never the shared trampoline frame —
// and returns p to the UNUSED state, mirroring original_source/os/proc.c's
// freepagetable/freeproc pair. The stack lives outside [0, MaxPage), the
// same way the original's static user_stack buffer sits outside the
// max_page-tracked region, so it's unmapped explicitly first.
func (s *Scheduler_t) freeProc(p *Proc_t) {
	if p.Root != 0 {
		vm.Unmap(s.alloc, p.Root, loader.StackVA(), 1, true)
		vm.FreePagetable(s.alloc, p.Root, p.MaxPage)
	}
	p.Root = 0
	p.State = Unused
}

// Schedule is the scheduler's main loop: it never returns. Each
// iteration it pulls the head of the ready queue, marks it Running, and
// context-switches into it; control returns here only when that process
// calls Sched via Yield/Wait/Exit.
func (s *Scheduler_t) Schedule() {
	for {
		p := s.fetchTask()
		if p == nil {
			panic("proc: all app are over")
		}
		p.State = Running
		s.current = p
		Swtch(&s.idle.Context, &p.Context)
	}
}

// Sched switches back to the scheduler loop. The caller must already
// have updated current's state away from Running.
func (s *Scheduler_t) Sched() {
	p := s.current
	if p.State == Running {
		panic("proc: sched running")
	}
	Swtch(&p.Context, &s.idle.Context)
}

// Yield gives up the CPU for one scheduling round (spec §5's cooperative
// model: yield is one of the few places control can leave a process).
func (s *Scheduler_t) Yield() {
	s.current.State = Runnable
	s.addTask(s.current)
	s.Sched()
}

// Fork duplicates the current process: a fresh PCB, a full physical copy
// of its address space (no copy-on-write, spec §4.4), a copied trap
// frame with a0 zeroed so the child's fork call appears to return 0, and
// a duplicated fd table. Returns the child's pid, or -1 on resource
// exhaustion.
func (s *Scheduler_t) Fork(trampolinePa mem.Pa_t) int {
	p := s.current
	np := s.AllocProc(trampolinePa)
	if np == nil {
		return -1
	}

	if !vm.CopyUserPagetable(s.alloc, p.Root, np.Root, p.MaxPage) {
		s.freeProc(np)
		return -1
	}
	np.MaxPage = p.MaxPage
	np.HeapBottom = p.HeapBottom
	np.ProgramBrk = p.ProgramBrk

	// The stack lives outside [0, MaxPage), so CopyUserPagetable never
	// touches it; copy it by hand the same way if the parent has run far
	// enough to have one mapped.
	if pa, ok := vm.WalkAddr(s.alloc, p.Root, loader.StackVA()); ok {
		npa, got := s.alloc.Alloc()
		if !got {
			s.freeProc(np)
			return -1
		}
		copy(s.alloc.Bytes(npa), s.alloc.Bytes(pa))
		if !vm.Map(s.alloc, np.Root, loader.StackVA(), uint64(defs.PGSIZE), npa, defs.PTE_R|defs.PTE_W|defs.PTE_U) {
			s.alloc.Free(npa)
			s.freeProc(np)
			return -1
		}
	}

	*np.Trapframe = *p.Trapframe
	np.Trapframe.A0 = 0

	for i, f := range p.Files {
		if f != nil {
			np.Files[i] = s.files.Dup(f)
		}
	}

	np.Parent = p
	np.State = Runnable
	s.addTask(np)
	return np.Pid
}

// Exec discards the current process's user memory and loads img in its
// place, resetting MaxPage/heap bounds and the trap frame's entry point
// and stack (spec §4.5's exec-like reuse of the loader).
func (s *Scheduler_t) Exec(img loader.Image) bool {
	p := s.current
	vm.Unmap(s.alloc, p.Root, 0, p.MaxPage/uint64(defs.PGSIZE), true)
	vm.Unmap(s.alloc, p.Root, loader.StackVA(), 1, true)
	p.MaxPage = 0

	maxPage, heapBottom, heapTop, ok := loader.Load(s.alloc, p.Root, p.Trapframe, img)
	if !ok {
		return false
	}
	p.MaxPage = maxPage
	p.HeapBottom = heapBottom
	p.ProgramBrk = heapTop
	return true
}

// Wait blocks until a child matching pid (or any child, if pid <= 0)
// becomes a Zombie, reaps it, and returns its pid and exit code.
// Returns -1 immediately if the current process has no matching
// children at all.
func (s *Scheduler_t) Wait(pid int) (int, int) {
	p := s.current
	for {
		haveKids := false
		for i := range s.pool {
			np := &s.pool[i]
			if np.State != Unused && np.Parent == p && (pid <= 0 || np.Pid == pid) {
				haveKids = true
				if np.State == Zombie {
					code := np.ExitCode
					gotPid := np.Pid
					np.State = Unused
					return gotPid, code
				}
			}
		}
		if !haveKids {
			return -1, 0
		}
		p.State = Runnable
		s.addTask(p)
		s.Sched()
	}
}

// Exit tears down the current process's resources, reparents its
// children to none, and — if it has a parent to reap it — leaves a
// Zombie behind; an orphan (no parent) is simply freed, mirroring
// original_source/os/proc.c's exit exactly. Never returns: the final
// Sched() only resumes the scheduler loop.
func (s *Scheduler_t) Exit(code int) {
	p := s.current
	p.ExitCode = code

	for _, f := range p.Files {
		if f != nil {
			s.files.Close(f)
		}
	}

	s.freeProc(p)
	if p.Parent != nil {
		p.State = Zombie
	}
	for i := range s.pool {
		if s.pool[i].Parent == p {
			s.pool[i].Parent = nil
		}
	}
	s.Sched()
}

// GrowProc grows or shrinks the current process's heap by n bytes
// (sbrk). The Open Question this settles (spec §9): the delta is
// rejected outright if program_brk + n would fall below heap_bottom,
// exactly like the original's `new_brk = program_brk + n - heap_bottom;
// if (new_brk < 0) return -1` — a negative n that undershoots the heap's
// own floor is refused rather than clamped.
func (s *Scheduler_t) GrowProc(n int) bool {
	p := s.current
	newBrk := int64(p.ProgramBrk) + int64(n) - int64(p.HeapBottom)
	if newBrk < 0 {
		return false
	}
	if n > 0 {
		grown := vm.Grow(s.alloc, p.Root, p.ProgramBrk, p.ProgramBrk+uint64(n), defs.PTE_W)
		if grown == p.ProgramBrk {
			return false
		}
		p.ProgramBrk = grown
		// MaxPage is the high watermark of mapped pages (spec §3); sbrk
		// growth maps fresh pages above the image, so the watermark has
		// to follow ProgramBrk the same way xv6 advances p->sz, or
		// FreePagetable's [0, MaxPage) unmap leaves them mapped for
		// freewalk to trip over.
		p.MaxPage = kutil.Max(p.MaxPage, kutil.Roundup(p.ProgramBrk, uint64(defs.PGSIZE)))
	} else if n < 0 {
		p.ProgramBrk = vm.Shrink(s.alloc, p.Root, p.ProgramBrk, uint64(int64(p.ProgramBrk)+int64(n)))
	}
	return true
}
