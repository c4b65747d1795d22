// Package plic models the platform-level interrupt controller's
// claim/complete protocol (spec §4.3, §6): the external-interrupt dispatch
// path consults it to learn which device raised the interrupt, and
// acknowledges it once the device handler has run.
package plic

import "ucore/internal/defs"

// Plic_t is a single-hart PLIC: priorities are fixed at init (spec doesn't
// model per-hart enable/threshold registers, since this kernel never runs
// more than one hart), so all that remains is the claim/complete queue of
// pending IRQ numbers.
type Plic_t struct {
	pending []int
}

// VirtioIRQ is the only source this kernel enables.
const VirtioIRQ = defs.VirtioIRQ

// Raise is called by a device model to signal that it has an interrupt
// outstanding, standing in for the real PLIC's priority/enable registers
// latching the line.
func (p *Plic_t) Raise(irq int) {
	p.pending = append(p.pending, irq)
}

// Claim returns the next pending IRQ number, or 0 if none (matching the
// real PLIC's claim register, which reads 0 when nothing is outstanding).
func (p *Plic_t) Claim() int {
	if len(p.pending) == 0 {
		return 0
	}
	irq := p.pending[0]
	p.pending = p.pending[1:]
	return irq
}

// Complete acknowledges that irq has been serviced. The real register
// write doesn't need the value checked; recorded here only for symmetry.
func (p *Plic_t) Complete(irq int) {}
