// Command kernel boots the core: it opens (or formats) a disk image,
// wires the frame allocator, block cache, file system, process table and
// trap dispatcher together, loads the requested program, and hands
// control to the scheduler. It plays the role ufs.BootFS and mkfs.go's
// main split between them in the original tree — BootFS's "open or
// format a disk image" and mkfs's "walk a host directory into the image"
// — except here both halves live in one small tool, since this kernel
// has no separate offline image-building step.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ucore/internal/bio"
	"ucore/internal/defs"
	"ucore/internal/file"
	ufs "ucore/internal/fs"
	"ucore/internal/hal"
	"ucore/internal/loader"
	"ucore/internal/mem"
	"ucore/internal/plic"
	"ucore/internal/proc"
	"ucore/internal/trap"
	"ucore/internal/virtio"
)

func main() {
	diskPath := flag.String("disk", "", "path to the disk image (created and formatted if missing or too small)")
	totalBlocks := flag.Uint("blocks", 2048, "total blocks in a freshly formatted disk image")
	inodeBlocks := flag.Uint("inodeblocks", 8, "inode-table blocks reserved in a freshly formatted disk image")
	memPages := flag.Int("mempages", 4096, "physical pages available to the frame allocator")
	format := flag.Bool("format", false, "reformat the disk image even if it already holds a valid file system")
	appsDir := flag.String("apps", "", "directory of RISC-V ELF binaries to register as runnable programs")
	run := flag.String("run", "", "name of the registered program to run first (defaults to the first one registered)")
	flag.Parse()

	if *diskPath == "" {
		fmt.Fprintln(os.Stderr, "usage: kernel -disk <image> [-apps <dir>] [-run <name>] [flags]")
		os.Exit(1)
	}

	backing, needsFormat := openImage(*diskPath, uint32(*totalBlocks), *format)

	alloc := mem.NewAllocator(defs.UserBase, *memPages)
	trampPa, ok := alloc.Alloc()
	if !ok {
		log.Fatal("kernel: out of memory reserving the trampoline frame")
	}

	var sched *proc.Scheduler_t
	plicDev := &plic.Plic_t{}
	disk := virtio.NewDisk(plicDev)
	disk.SetBacking(backing)
	// Submit's descriptor-exhaustion retry yields through the scheduler
	// (spec §4.7 step 1); the scheduler doesn't exist until after the
	// cache/fs layers are built, so the hook closes over the variable
	// rather than the value.
	virtio.Yield = func() {
		if sched != nil {
			sched.Yield()
		}
	}

	cache := bio.NewCache(disk)
	if needsFormat {
		log.Printf("kernel: formatting %s (%d blocks)", *diskPath, *totalBlocks)
		formatImage(cache, uint32(*totalBlocks), uint32(*inodeBlocks))
	}
	fsys := ufs.Init(cache)
	if needsFormat {
		root := fsys.Ialloc(ufs.T_DIR)
		fsys.Iput(root)
	}

	files := file.NewTable(fsys, hal.NullConsole{})
	sched = proc.NewScheduler(alloc, files)

	dispatcher := &trap.Dispatcher{
		Sched: sched,
		Files: files,
		Alloc: alloc,
		Plic:  plicDev,
		Disk:  disk,
		// A real boot reads this off the SBI timer/mtime CSR (out of
		// scope, spec §1); wall-clock milliseconds stand in for it here.
		Now:          func() uint64 { return uint64(time.Now().UnixMilli()) },
		TrampolinePa: func() mem.Pa_t { return trampPa },
	}
	log.Printf("kernel: trap dispatcher ready, clock reads %dms", dispatcher.Now())

	if *appsDir != "" {
		registerApps(*appsDir)
	}
	if loader.Count() == 0 {
		log.Fatal("kernel: no programs registered; pass -apps <dir> with at least one RISC-V ELF binary")
	}

	img, ok := loader.At(0)
	if *run != "" {
		img, ok = loader.Lookup(*run)
	}
	if !ok {
		log.Fatalf("kernel: no such registered program %q", *run)
	}

	initProc := sched.AllocProc(trampPa)
	if initProc == nil {
		log.Fatal("kernel: failed to allocate the init process")
	}
	maxPage, heapBottom, heapTop, ok := loader.Load(alloc, initProc.Root, initProc.Trapframe, img)
	if !ok {
		log.Fatal("kernel: failed to load the init program's image")
	}
	initProc.MaxPage, initProc.HeapBottom, initProc.ProgramBrk = maxPage, heapBottom, heapTop
	sched.MakeRunnable(initProc)

	log.Printf("kernel: booting %q (pid %d)", img.Name, initProc.Pid)
	sched.Schedule()
}

// registerApps walks dir, the way mkfs.go's addfiles walks a host skeleton
// directory into a fresh image, and registers every regular file as an
// ELF program named after its base filename.
func registerApps(dir string) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		name := d.Name()
		if rerr := loader.RegisterELF(name, data); rerr != nil {
			log.Printf("kernel: skipping %s: %v", path, rerr)
			return nil
		}
		log.Printf("kernel: registered program %q from %s", name, path)
		return nil
	})
	if err != nil {
		log.Fatalf("kernel: walking %s: %v", dir, err)
	}
}

// fileBacking is the real storage medium behind virtio.Disk_t, grounded
// on ufs/driver.go's ahci_disk_t: a host file, seeked to the right block
// offset before every read or write, guarded by a mutex the way ahci_disk_t
// guards its seek-then-read/write pair.
type fileBacking struct {
	mu sync.Mutex
	f  *os.File
}

func (d *fileBacking) seek(blockno uint32) {
	if _, err := d.f.Seek(int64(blockno)*bio.BSIZE, 0); err != nil {
		panic(err)
	}
}

func (d *fileBacking) ReadBlock(blockno uint32) ([bio.BSIZE]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var buf [bio.BSIZE]byte
	d.seek(blockno)
	if _, err := d.f.Read(buf[:]); err != nil {
		return buf, err
	}
	return buf, nil
}

func (d *fileBacking) WriteBlock(blockno uint32, data [bio.BSIZE]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seek(blockno)
	_, err := d.f.Write(data[:])
	return err
}

// openImage opens (creating if necessary) the disk image at path, grows
// it to hold nblocks blocks, and reports whether it needs formatting:
// forced by the caller, freshly created, smaller than nblocks blocks before
// being grown, or carrying a
// superblock whose magic doesn't match (spec §4.8's fsinit would panic on
// exactly this, so the boot sequence heads it off instead).
func openImage(path string, nblocks uint32, force bool) (*fileBacking, bool) {
	targetSize := int64(nblocks) * bio.BSIZE

	info, statErr := os.Stat(path)
	needsFormat := force || os.IsNotExist(statErr) || (statErr == nil && info.Size() < targetSize)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		log.Fatalf("kernel: opening %s: %v", path, err)
	}
	if err := f.Truncate(targetSize); err != nil {
		log.Fatalf("kernel: sizing %s to %d bytes: %v", path, targetSize, err)
	}

	if !needsFormat {
		var magic [4]byte
		if _, err := f.ReadAt(magic[:], bio.BSIZE); err != nil || binary.LittleEndian.Uint32(magic[:]) != ufs.FSMAGIC {
			needsFormat = true
		}
	}

	return &fileBacking{f: f}, needsFormat
}

// dinodeSize mirrors the on-disk inode size fs.go keeps unexported: a
// dinode is a 2-byte Type, a 6-byte Pad, a 4-byte Size, and 13 4-byte
// Addrs, 64 bytes total. formatImage needs it to lay out the inode
// region the same way fs.Init and Ialloc expect to find it — the same
// arrangement mkfs.go would have built offline in the original tree.
const dinodeSize = 64

// formatImage lays out a fresh superblock, zeroes the inode and bitmap
// regions, and marks every block before the data region as allocated in
// the bitmap, mirroring what mkfs built offline in the original tree —
// here it runs at boot instead of as a separate tool, since this kernel
// has no disk image to hand off between build and run.
func formatImage(cache *bio.Cache_t, totalBlocks, inodeBlocks uint32) {
	const inodeStart = 2 // block 0 unused, block 1 is the superblock
	ipb := uint32(bio.BSIZE) / dinodeSize
	ninodes := inodeBlocks * ipb

	bpb := uint32(bio.BSIZE) * 8
	bmapStart := inodeStart + inodeBlocks
	bmapBlocks := (totalBlocks + bpb - 1) / bpb
	dataStart := bmapStart + bmapBlocks
	if dataStart >= totalBlocks {
		log.Fatalf("kernel: %d blocks isn't enough room for %d inode blocks plus the bitmap", totalBlocks, inodeBlocks)
	}

	sbBuf := cache.Read(ufs.ROOTDEV, 1)
	putSuperblock(sbBuf.Data[:], ufs.Superblock_t{
		Magic:      ufs.FSMAGIC,
		Size:       totalBlocks,
		NBlocks:    totalBlocks - dataStart,
		NInodes:    ninodes,
		InodeStart: inodeStart,
		BmapStart:  bmapStart,
	})
	cache.Write(sbBuf)
	cache.Release(sbBuf)

	for b := uint32(inodeStart); b < inodeStart+inodeBlocks; b++ {
		zeroBlock(cache, b)
	}
	for b := bmapStart; b < bmapStart+bmapBlocks; b++ {
		zeroBlock(cache, b)
	}

	for b := uint32(0); b < dataStart; b++ {
		bp := cache.Read(ufs.ROOTDEV, bmapStart+b/bpb)
		bi := b % bpb
		bp.Data[bi/8] |= byte(1 << (bi % 8))
		cache.Write(bp)
		cache.Release(bp)
	}
}

func zeroBlock(cache *bio.Cache_t, blockno uint32) {
	bp := cache.Read(ufs.ROOTDEV, blockno)
	for i := range bp.Data {
		bp.Data[i] = 0
	}
	cache.Write(bp)
	cache.Release(bp)
}

// putSuperblock packs sb into buf in the same field order fs.Superblock_t
// declares, since the fs package keeps its unsafe-pointer cast of a raw
// buffer into *Superblock_t unexported.
func putSuperblock(buf []byte, sb ufs.Superblock_t) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], sb.Magic)
	le.PutUint32(buf[4:], sb.Size)
	le.PutUint32(buf[8:], sb.NBlocks)
	le.PutUint32(buf[12:], sb.NInodes)
	le.PutUint32(buf[16:], sb.InodeStart)
	le.PutUint32(buf[20:], sb.BmapStart)
}
