// Package virtio implements the virtio-mmio block driver (spec §4.7):
// descriptor/available/used rings, three-descriptor request chains, and
// the busy-wait-with-interrupts-enabled completion interlock.
package virtio

import (
	"ucore/internal/bio"
	"ucore/internal/defs"
)

// NUM is the queue size (spec §4.7).
const NUM = 8

// Descriptor flags, matching the virtio legacy ring layout.
const (
	descFNext  = 1 << 0
	descFWrite = 1 << 1
)

const (
	blkTypeIn  = 0 // read the disk
	blkTypeOut = 1 // write the disk
)

type reqHeader struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

type inflight struct {
	buf    *bio.Buf_t
	status byte
	used   bool
}

// Intr_i lets the driver register itself to receive interrupts, standing
// in for the PLIC/trap-dispatcher wiring that is out of scope for a
// software model of the device.
type Intr_i interface {
	Raise(irq int)
}

// Disk_t is the driver's queue state. Unlike real hardware it has no
// separate device side to race with: Submit directly mutates the
// descriptor/avail state and Complete (driven by the interrupt dispatcher)
// walks the used ring, exactly mirroring the real split but without needing
// an actual second party.
type Disk_t struct {
	free     [NUM]bool
	avail    []uint16
	used     []uint16
	usedIdx  int
	info     [NUM]inflight
	headers  [NUM]reqHeader
	plic     Intr_i

	store   map[uint32][bio.BSIZE]byte // the simulated backing medium
	backing Backing_i                  // optional real storage, see SetBacking
}

// Backing_i is the real storage medium behind the simulated virtio queue,
// grounded on ufs/driver.go's ahci_disk_t (a host file seeked-and-read per
// block). Tests never set one, leaving Disk_t's in-memory map as the
// medium; cmd/kernel wires one so the kernel actually persists to a disk
// image file the way the real virtio-mmio device would persist to a block
// device.
type Backing_i interface {
	ReadBlock(blockno uint32) ([bio.BSIZE]byte, error)
	WriteBlock(blockno uint32, data [bio.BSIZE]byte) error
}

// NewDisk returns a ready-to-use queue with every descriptor free. It does
// not probe the device identification registers; see Magic/Version/DevID/
// Vendor below for callers that replay that check themselves.
func NewDisk(plic Intr_i) *Disk_t {
	d := &Disk_t{plic: plic, store: make(map[uint32][bio.BSIZE]byte)}
	for i := range d.free {
		d.free[i] = true
	}
	return d
}

// SetBacking wires b as the queue's real storage medium. Called once at
// boot, before any request is submitted.
func (d *Disk_t) SetBacking(b Backing_i) {
	d.backing = b
}

// Magic/version/device-id/vendor as reported at VirtioMMIOBase, so callers
// that want to faithfully replay the boot probe can check against
// defs.VirtioMagic etc. before calling NewDisk.
const (
	Magic   = defs.VirtioMagic
	Version = defs.VirtioVersion
	DevID   = defs.VirtioDevID
	Vendor  = defs.VirtioVendor
)

func (d *Disk_t) allocDesc() (int, bool) {
	for i := range d.free {
		if d.free[i] {
			d.free[i] = false
			return i, true
		}
	}
	return 0, false
}

func (d *Disk_t) freeDesc(i int) {
	d.free[i] = true
}

func (d *Disk_t) alloc3() ([3]int, bool) {
	var idx [3]int
	for i := 0; i < 3; i++ {
		n, ok := d.allocDesc()
		if !ok {
			for j := 0; j < i; j++ {
				d.freeDesc(idx[j])
			}
			return idx, false
		}
		idx[i] = n
	}
	return idx, true
}

// Rw implements bio.Disk_i: it submits a request and blocks (via Submit)
// until the completion handler clears the buffer's in-flight flag.
func (d *Disk_t) Rw(b *bio.Buf_t, write bool) {
	d.Submit(b, write)
}

// Submit issues one disk operation and busy-waits for completion, per spec
// §4.7. The "yield and retry" path for descriptor exhaustion and the
// busy-wait both appear in spec §5's list of legitimate suspension points;
// the retry yields through the package-level Yield hook so this package
// doesn't need to import the scheduler, and the busy-wait is a plain loop
// on the buffer's Disk flag.
func (d *Disk_t) Submit(b *bio.Buf_t, write bool) {
	idx, ok := d.alloc3()
	for !ok {
		if Yield != nil {
			Yield()
		}
		idx, ok = d.alloc3()
	}

	hdr := reqHeader{Sector: uint64(b.Blockno) * (bio.BSIZE / 512)}
	if write {
		hdr.Type = blkTypeOut
	} else {
		hdr.Type = blkTypeIn
	}
	d.headers[idx[0]] = hdr

	d.info[idx[0]] = inflight{buf: b, status: 0xfb, used: true}
	b.Disk = true

	if write {
		if d.backing != nil {
			if err := d.backing.WriteBlock(b.Blockno, b.Data); err != nil {
				panic("virtio: backing write failed: " + err.Error())
			}
		} else {
			d.store[b.Blockno] = b.Data
		}
	}

	d.avail = append(d.avail, uint16(idx[0]))

	d.notify(write, idx[0])

	for b.Disk {
		// Interrupts are conceptually enabled only across this wait; the
		// only way Disk clears is Complete() running the handler.
	}

	d.freeDesc(idx[0])
	d.freeDesc(idx[1])
	d.freeDesc(idx[2])
}

// notify hands the completed operation straight to the used ring and
// raises the device interrupt — the simulated device has no separate
// execution context to actually service the request asynchronously, so it
// performs the data transfer, queues the completion, and drains the used
// ring immediately. A real device would instead fire an external interrupt
// that the trap dispatcher routes to Complete while Submit's busy-wait
// spins with interrupts enabled; here Complete runs inline because there is
// no second hart to deliver that interrupt on.
func (d *Disk_t) notify(write bool, head int) {
	inf := &d.info[head]
	b := inf.buf
	if !write {
		if d.backing != nil {
			data, err := d.backing.ReadBlock(b.Blockno)
			if err != nil {
				panic("virtio: backing read failed: " + err.Error())
			}
			b.Data = data
		} else {
			b.Data = d.store[b.Blockno]
		}
	}
	inf.status = 0
	d.used = append(d.used, uint16(head))
	if d.plic != nil {
		d.plic.Raise(defs.VirtioIRQ)
	}
	d.Complete()
}

// Complete is called from the external-interrupt dispatcher (spec §4.7):
// it walks the used ring from the last seen index to the tail, clearing
// each completed buffer's in-flight flag. A non-zero status is fatal.
func (d *Disk_t) Complete() {
	for d.usedIdx < len(d.used) {
		id := d.used[d.usedIdx]
		inf := &d.info[id]
		if inf.status != 0 {
			panic("virtio: disk status error")
		}
		inf.buf.Disk = false
		d.usedIdx++
	}
}

// Yield is called by Submit when the queue is full and a chain can't be
// allocated yet (spec §4.7 step 1). It is a package-level hook rather than
// a parameter so callers that never exhaust the 8-descriptor queue (any
// caller with a single request in flight) don't need to wire a scheduler in
// at all.
var Yield func()
