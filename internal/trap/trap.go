// Package trap implements the trap dispatcher (spec §4.3) and the
// syscall surface it hands user-mode environment calls off to (spec
// §4.9's syscall table). Grounded on original_source/os/trap.c's
// usertrap/usertrapret split and syscall.c's id-in-a7/args-in-a0..a5
// convention; the numeric scause values below are the standard RISC-V
// privileged-spec exception/interrupt codes trap.c's case labels refer
// to by name rather than value.
package trap

import (
	"ucore/internal/defs"
	"ucore/internal/file"
	"ucore/internal/loader"
	"ucore/internal/mem"
	"ucore/internal/plic"
	"ucore/internal/proc"
	"ucore/internal/vm"
)

// Cause_t is a scause exception code (when Interrupt is false) or
// interrupt code (when Interrupt is true).
type Cause_t uint64

// Exception causes (scause with the interrupt bit clear).
const (
	InstructionMisaligned Cause_t = 0
	IllegalInstruction    Cause_t = 2
	LoadMisaligned        Cause_t = 4
	StoreMisaligned       Cause_t = 6
	UserEnvCall           Cause_t = 8
	InstructionPageFault  Cause_t = 12
	LoadPageFault         Cause_t = 13
	StorePageFault        Cause_t = 15
)

// Interrupt causes (scause with the interrupt bit set).
const (
	SupervisorTimer    Cause_t = 5
	SupervisorExternal Cause_t = 9
)

// Trap_t is the decoded trap report the boot/hal layer hands the
// dispatcher — standing in for reading scause/stval off real CSRs.
type Trap_t struct {
	Cause     Cause_t
	Interrupt bool
}

// Syscall numbers (spec §4.9). Self-consistent within this kernel; there
// is no real userland ABI these need to match.
const (
	SysFork    = 1
	SysExit    = 2
	SysWait    = 3
	SysRead    = 4
	SysWrite   = 5
	SysOpen    = 6
	SysClose   = 7
	SysExec    = 8
	SysYield   = 9
	SysGetTime = 10
	SysSbrk    = 11
)

// pathMax bounds a path argument copied in from user space, mirroring the
// original's DIRSIZ-plus-slop sizing for sys_open's path buffer.
const pathMax = 128

// ExternalHandler dispatches a claimed PLIC IRQ to the device that owns it
// (spec §4.3's "consult the interrupt controller, dispatch to the device
// handler by claimed identifier" step). The virtio driver is the only
// source wired in; a second disk or device class would add another case.
type ExternalHandler interface {
	Complete()
}

// Dispatcher wires the scheduler, file table, and a monotonic clock
// together so syscalls and faults have everything they need to resolve
// args and report results.
type Dispatcher struct {
	Sched *proc.Scheduler_t
	Files *file.Table_t
	Alloc *mem.Allocator
	Plic  *plic.Plic_t
	Disk  ExternalHandler

	// Now returns the current tick count for SysGetTime (spec §4.9). A
	// function value rather than a direct timer read, since this kernel
	// has no real clock hardware to read from in tests.
	Now func() uint64

	// TrampolinePa returns the physical frame backing the trampoline page,
	// needed by Fork to map it into the child's fresh address space
	// (spec §4.2's CreateUserPagetable).
	TrampolinePa func() mem.Pa_t
}

// Handle processes one trap for the scheduler's current process (spec
// §4.3): a user environment call dispatches through Syscall, a timer
// interrupt yields only when the trap came from user mode (there is no
// timer device here, so nothing is re-armed for the next tick),
// an external interrupt is claimed and routed to its device, and every
// fault case terminates the offending process the way the original's
// usertrap prints-and-exits. fromUser distinguishes a trap arriving while
// a user thread was running from one arriving during kernel execution;
// spec §4.3 requires the kernel accept only timer/external interrupts and
// treat anything else as fatal when fromUser is false.
func (d *Dispatcher) Handle(tr Trap_t, fromUser bool) {
	if tr.Interrupt {
		switch tr.Cause {
		case SupervisorTimer:
			if fromUser {
				d.Sched.Yield()
			}
		case SupervisorExternal:
			d.handleExternal()
		default:
			if !fromUser {
				panic("trap: unknown interrupt from kernel mode")
			}
			d.exitWithFault(-1)
		}
		return
	}

	if !fromUser {
		panic("trap: unexpected exception from kernel mode")
	}

	switch tr.Cause {
	case UserEnvCall:
		d.Syscall()
	case StoreMisaligned, StorePageFault, InstructionMisaligned,
		InstructionPageFault, LoadMisaligned, LoadPageFault:
		d.exitWithFault(-2)
	case IllegalInstruction:
		d.exitWithFault(-3)
	default:
		d.exitWithFault(-1)
	}
}

func (d *Dispatcher) handleExternal() {
	irq := d.Plic.Claim()
	if irq == 0 {
		return
	}
	if irq == defs.VirtioIRQ && d.Disk != nil {
		d.Disk.Complete()
	}
	d.Plic.Complete(irq)
}

func (d *Dispatcher) exitWithFault(code int) {
	d.Sched.Exit(code)
}

// Syscall dispatches the current process's pending environment call,
// reading its id from a7 and arguments from a0..a5 (spec §4.9's ABI),
// and writes the result back into a0. Exit never returns, so its case
// returns out of Syscall directly instead of falling through to SetReturn.
func (d *Dispatcher) Syscall() {
	p := d.Sched.Current()
	tf := p.Trapframe
	id := tf.SyscallNo()

	var ret int64
	switch id {
	case SysWrite:
		ret = d.sysWrite(p, int(tf.Arg(0)), tf.Arg(1), tf.Arg(2))
	case SysRead:
		ret = d.sysRead(p, int(tf.Arg(0)), tf.Arg(1), tf.Arg(2))
	case SysOpen:
		ret = d.sysOpen(p, tf.Arg(0), int(tf.Arg(1)))
	case SysClose:
		ret = d.sysClose(p, int(tf.Arg(0)))
	case SysExit:
		d.Sched.Exit(int(int32(tf.Arg(0))))
		return
	case SysYield:
		d.Sched.Yield()
		ret = 0
	case SysGetTime:
		ret = int64(d.Now())
	case SysFork:
		ret = int64(d.Sched.Fork(d.TrampolinePa()))
	case SysExec:
		ret = d.sysExec(p, tf.Arg(0))
	case SysWait:
		ret = d.sysWait(p, tf)
	case SysSbrk:
		ret = d.sysSbrk(tf)
	default:
		ret = -int64(defs.ENOSYS)
	}
	tf.SetReturn(ret)
}

// fdFile resolves fd to an open file of p's, or nil if fd is out of range
// or the slot is empty.
func fdFile(p *proc.Proc_t, fd int) *file.File_t {
	if fd < 0 || fd >= len(p.Files) {
		return nil
	}
	return p.Files[fd]
}

// allocFd finds an unused descriptor slot in p's table, mirroring the
// original's fdalloc linear scan. Returns -1 if the table is full.
func allocFd(p *proc.Proc_t) int {
	for i := range p.Files {
		if p.Files[i] == nil {
			return i
		}
	}
	return -1
}

func (d *Dispatcher) sysWrite(p *proc.Proc_t, fd int, va, n uint64) int64 {
	f := fdFile(p, fd)
	if f == nil {
		return -int64(defs.EINVAL)
	}
	buf := make([]byte, n)
	if err := vm.CopyIn(d.Alloc, p.Root, buf, va); err != 0 {
		return int64(err)
	}
	written, err := d.Files.Write(f, buf)
	if err != 0 {
		return int64(err)
	}
	return int64(written)
}

func (d *Dispatcher) sysRead(p *proc.Proc_t, fd int, va, n uint64) int64 {
	f := fdFile(p, fd)
	if f == nil {
		return -int64(defs.EINVAL)
	}
	buf := make([]byte, n)
	got, err := d.Files.Read(f, buf)
	if err != 0 {
		return int64(err)
	}
	if err := vm.CopyOut(d.Alloc, p.Root, va, buf[:got]); err != 0 {
		return int64(err)
	}
	return int64(got)
}

func (d *Dispatcher) sysOpen(p *proc.Proc_t, pathVA uint64, flags int) int64 {
	var pathBuf [pathMax]byte
	n, cerr := vm.CopyInStr(d.Alloc, p.Root, pathBuf[:], pathVA)
	if cerr != 0 {
		return int64(cerr)
	}
	f, err := d.Files.Open(string(pathBuf[:n]), flags)
	if err != 0 {
		return int64(err)
	}
	fd := allocFd(p)
	if fd < 0 {
		d.Files.Close(f)
		return -int64(defs.EMFILE)
	}
	p.Files[fd] = f
	return int64(fd)
}

func (d *Dispatcher) sysClose(p *proc.Proc_t, fd int) int64 {
	f := fdFile(p, fd)
	if f == nil {
		return -int64(defs.EINVAL)
	}
	d.Files.Close(f)
	p.Files[fd] = nil
	return 0
}

func (d *Dispatcher) sysExec(p *proc.Proc_t, nameVA uint64) int64 {
	var nameBuf [pathMax]byte
	n, cerr := vm.CopyInStr(d.Alloc, p.Root, nameBuf[:], nameVA)
	if cerr != 0 {
		return int64(cerr)
	}
	img, ok := loader.Lookup(string(nameBuf[:n]))
	if !ok {
		return -int64(defs.ENOENT)
	}
	if !d.Sched.Exec(img) {
		return -int64(defs.ENOMEM)
	}
	return 0
}

func (d *Dispatcher) sysWait(p *proc.Proc_t, tf syscallFrame) int64 {
	pid, code := d.Sched.Wait(int(int32(tf.Arg(0))))
	if pid >= 0 && tf.Arg(1) != 0 {
		var buf [4]byte
		buf[0] = byte(code)
		buf[1] = byte(code >> 8)
		buf[2] = byte(code >> 16)
		buf[3] = byte(code >> 24)
		vm.CopyOut(d.Alloc, p.Root, tf.Arg(1), buf[:])
	}
	return int64(pid)
}

func (d *Dispatcher) sysSbrk(tf syscallFrame) int64 {
	n := int(int32(tf.Arg(0)))
	before := d.Sched.Current().ProgramBrk
	if !d.Sched.GrowProc(n) {
		return -1
	}
	return int64(before)
}

// syscallFrame is the slice of *trapframe.Trapframe_t's API this package
// needs, named locally so sysWait/sysSbrk don't have to import
// ucore/internal/trapframe just to spell the concrete type.
type syscallFrame interface {
	Arg(n int) uint64
}
