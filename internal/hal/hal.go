// Package hal names the boundary between this kernel's Go logic and the
// SBI console that spec.md places out of scope. It holds only the console
// interface; trampoline entry/return and CSR access have no counterpart
// here. It exists so the rest of
// the kernel can be written and tested in ordinary Go against small
// interfaces, the way gopheros's kernel/hal package separates portable
// kernel code from its assembly/multiboot layer.
package hal

// Console_i is the SBI-backed console (out of scope per spec §1). Stdio
// file entries (spec §3, §6) read and write through this interface rather
// than talking to the firmware directly.
type Console_i interface {
	ConsoleRead(buf []byte) (int, bool)
	ConsoleWrite(buf []byte) (int, bool)
}

// NullConsole discards writes and never has input ready. Useful as a
// placeholder until a real SBI console is wired in by the boot sequence.
type NullConsole struct{}

func (NullConsole) ConsoleRead(buf []byte) (int, bool)  { return 0, false }
func (NullConsole) ConsoleWrite(buf []byte) (int, bool) { return len(buf), true }
