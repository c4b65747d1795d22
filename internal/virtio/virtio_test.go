package virtio

import (
	"testing"

	"ucore/internal/bio"
)

type fakePlic struct{ raised []int }

func (p *fakePlic) Raise(irq int) { p.raised = append(p.raised, irq) }

func TestWriteThenReadRoundTrip(t *testing.T) {
	p := &fakePlic{}
	d := NewDisk(p)

	b := &bio.Buf_t{Blockno: 7}
	copy(b.Data[:], "hello disk")
	d.Rw(b, true)
	d.Complete()
	if b.Disk {
		t.Fatal("write should have completed")
	}
	if len(p.raised) != 1 || p.raised[0] != 1 {
		t.Fatalf("expected one VirtioIRQ raise, got %v", p.raised)
	}

	rb := &bio.Buf_t{Blockno: 7}
	d.Rw(rb, false)
	d.Complete()
	if string(rb.Data[:10]) != "hello disk" {
		t.Fatalf("got %q", rb.Data[:10])
	}
}

func TestDescriptorExhaustionRetries(t *testing.T) {
	d := NewDisk(nil)
	calls := 0
	Yield = func() { calls++; for i := range d.free { d.free[i] = true } }
	defer func() { Yield = nil }()

	for i := range d.free {
		d.free[i] = false
	}
	b := &bio.Buf_t{Blockno: 1}
	d.Rw(b, true)
	d.Complete()
	if calls == 0 {
		t.Fatal("expected Yield to be invoked while descriptors were exhausted")
	}
}
