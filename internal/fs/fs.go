// Package fs implements the single-level file system (spec §4.8): the
// on-disk layout, the bitmap block allocator, the in-memory/on-disk inode
// layers with direct and single-indirect addressing, and the root
// directory's lookup/insert/path operations.
package fs

import (
	"unsafe"

	"ucore/internal/bio"
)

const (
	BSIZE   = bio.BSIZE
	ROOTDEV = 1
	ROOTINO = 1
	FSMAGIC = 0x10203040

	T_DIR  = 1
	T_FILE = 2

	NDIRECT   = 12
	NINDIRECT = BSIZE / 4
	MAXFILE   = NDIRECT + NINDIRECT

	dinodeSize = 64
	IPB        = BSIZE / dinodeSize // inodes per block

	DIRSIZ   = 14
	direntSz = 16
	BPB      = BSIZE * 8 // bitmap bits per block

	NINODE = 50
)

// Superblock_t is the on-disk superblock (spec §3, §6).
type Superblock_t struct {
	Magic      uint32
	Size       uint32
	NBlocks    uint32
	NInodes    uint32
	InodeStart uint32
	BmapStart  uint32
}

// dinode is the on-disk inode: 64 bytes, padding preserved deliberately so
// inodes-per-block never changes shape (spec §3).
type dinode struct {
	Type  int16
	Pad   [3]int16
	Size  uint32
	Addrs [NDIRECT + 1]uint32
}

// Inode_t is the in-memory inode (spec §3). A reserved Nlink slot stands in
// for the hard-link feature the spec names as a hook but does not activate
// (Non-goals: hard links).
type Inode_t struct {
	Dev   int
	Inum  uint32
	ref   int
	valid bool
	Type  int16
	Size  uint32
	Addrs [NDIRECT + 1]uint32
	Nlink int
}

// FS_t is the file-system singleton: superblock, block cache, and the
// fixed in-memory inode table.
type FS_t struct {
	sb     Superblock_t
	cache  *bio.Cache_t
	itable [NINODE]Inode_t
}

func asSuperblock(buf []byte) *Superblock_t {
	return (*Superblock_t)(unsafe.Pointer(&buf[0]))
}

func asDinode(buf []byte) *dinode {
	return (*dinode)(unsafe.Pointer(&buf[0]))
}

// Init reads and validates the superblock (spec §4.8's fsinit). Panics if
// the magic doesn't match — a corrupt or missing image is not
// recoverable at boot.
func Init(cache *bio.Cache_t) *FS_t {
	fsys := &FS_t{cache: cache}
	b := cache.Read(ROOTDEV, 1)
	fsys.sb = *asSuperblock(b.Data[:])
	cache.Release(b)
	if fsys.sb.Magic != FSMAGIC {
		panic("fs: invalid file system")
	}
	return fsys
}

func (f *FS_t) iblock(inum uint32) uint32 {
	return inum/IPB + f.sb.InodeStart
}

func (f *FS_t) bblock(b uint32) uint32 {
	return b/BPB + f.sb.BmapStart
}

// balloc sweeps the bitmap for a clear bit, sets it, zeroes the
// corresponding data block, and returns its block number. Exhaustion is
// fatal (spec §4.8).
func (f *FS_t) balloc() uint32 {
	for base := uint32(0); base < f.sb.Size; base += BPB {
		bp := f.cache.Read(ROOTDEV, f.bblock(base))
		for bi := uint32(0); bi < BPB && base+bi < f.sb.Size; bi++ {
			m := byte(1 << (bi % 8))
			if bp.Data[bi/8]&m == 0 {
				bp.Data[bi/8] |= m
				f.cache.Write(bp)
				f.cache.Release(bp)
				f.cache.Zero(ROOTDEV, base+bi)
				return base + bi
			}
		}
		f.cache.Release(bp)
	}
	panic("fs: balloc: out of blocks")
}

// bfree clears b's bitmap bit. Freeing an already-free block is fatal.
func (f *FS_t) bfree(b uint32) {
	bp := f.cache.Read(ROOTDEV, f.bblock(b))
	bi := b % BPB
	m := byte(1 << (bi % 8))
	if bp.Data[bi/8]&m == 0 {
		panic("fs: freeing free block")
	}
	bp.Data[bi/8] &^= m
	f.cache.Write(bp)
	f.cache.Release(bp)
}

// Ialloc scans inode blocks for a free (type-zero) slot, marks it with
// type, writes it back, and returns a referenced in-memory inode for it.
func (f *FS_t) Ialloc(typ int16) *Inode_t {
	for inum := uint32(1); inum < f.sb.NInodes; inum++ {
		bp := f.cache.Read(ROOTDEV, f.iblock(inum))
		dip := f.dinodeAt(bp, inum)
		if dip.Type == 0 {
			*dip = dinode{Type: typ}
			f.cache.Write(bp)
			f.cache.Release(bp)
			return f.Iget(inum)
		}
		f.cache.Release(bp)
	}
	panic("fs: ialloc: no inodes")
}

func (f *FS_t) dinodeAt(bp *bio.Buf_t, inum uint32) *dinode {
	off := (inum % IPB) * dinodeSize
	return asDinode(bp.Data[off : off+dinodeSize])
}

// Iupdate writes ip's mutable fields back to its on-disk slot. Must be
// called after every change to a field that lives on disk.
func (f *FS_t) Iupdate(ip *Inode_t) {
	bp := f.cache.Read(ROOTDEV, f.iblock(ip.Inum))
	dip := f.dinodeAt(bp, ip.Inum)
	dip.Type = ip.Type
	dip.Size = ip.Size
	dip.Addrs = ip.Addrs
	f.cache.Write(bp)
	f.cache.Release(bp)
}

// Iget finds (or creates a metadata-only placeholder for) the in-memory
// inode for inum, bumping its reference count. Exhaustion is fatal.
func (f *FS_t) Iget(inum uint32) *Inode_t {
	var empty *Inode_t
	for i := range f.itable {
		ip := &f.itable[i]
		if ip.ref > 0 && ip.Dev == ROOTDEV && ip.Inum == inum {
			ip.ref++
			return ip
		}
		if empty == nil && ip.ref == 0 {
			empty = ip
		}
	}
	if empty == nil {
		panic("fs: iget: no inodes")
	}
	*empty = Inode_t{Dev: ROOTDEV, Inum: inum, ref: 1}
	return empty
}

// Ivalid lazily reads the on-disk inode into ip on first use. A type-zero
// on-disk inode at this point is a bug: the inode was referenced without
// ever being allocated.
func (f *FS_t) Ivalid(ip *Inode_t) {
	if ip.valid {
		return
	}
	bp := f.cache.Read(ROOTDEV, f.iblock(ip.Inum))
	dip := f.dinodeAt(bp, ip.Inum)
	ip.Type = dip.Type
	ip.Size = dip.Size
	ip.Addrs = dip.Addrs
	f.cache.Release(bp)
	ip.valid = true
	if ip.Type == 0 {
		panic("fs: ivalid: no type")
	}
}

// Iput drops a reference to ip. The reserved link-count guard (spec §9)
// is wired literal-false: hard links are a Non-goal, so a last reference is
// never treated as unlinked and itrunc/free-on-disk never fires here.
func (f *FS_t) Iput(ip *Inode_t) {
	if ip.ref == 1 && ip.valid && ip.Nlink == 0 && false {
		f.Itrunc(ip)
		ip.Type = 0
		f.Iupdate(ip)
		ip.valid = false
	}
	ip.ref--
}

// Bmap returns the disk block address of the bn'th block of ip, allocating
// one if it doesn't exist yet (spec §4.8).
func (f *FS_t) Bmap(ip *Inode_t, bn uint32) uint32 {
	if bn < NDIRECT {
		addr := ip.Addrs[bn]
		if addr == 0 {
			addr = f.balloc()
			ip.Addrs[bn] = addr
		}
		return addr
	}
	bn -= NDIRECT
	if bn < NINDIRECT {
		addr := ip.Addrs[NDIRECT]
		if addr == 0 {
			addr = f.balloc()
			ip.Addrs[NDIRECT] = addr
		}
		bp := f.cache.Read(ROOTDEV, addr)
		a := indirectBlock(bp)
		target := a[bn]
		if target == 0 {
			target = f.balloc()
			a[bn] = target
			f.cache.Write(bp)
		}
		f.cache.Release(bp)
		return target
	}
	panic("fs: bmap: out of range")
}

func indirectBlock(bp *bio.Buf_t) *[NINDIRECT]uint32 {
	return (*[NINDIRECT]uint32)(unsafe.Pointer(&bp.Data[0]))
}

// Itrunc frees every block ip refers to — direct, then the single-indirect
// block and everything it points at — and zeroes its size.
func (f *FS_t) Itrunc(ip *Inode_t) {
	for i := 0; i < NDIRECT; i++ {
		if ip.Addrs[i] != 0 {
			f.bfree(ip.Addrs[i])
			ip.Addrs[i] = 0
		}
	}
	if ip.Addrs[NDIRECT] != 0 {
		bp := f.cache.Read(ROOTDEV, ip.Addrs[NDIRECT])
		a := indirectBlock(bp)
		for j := 0; j < NINDIRECT; j++ {
			if a[j] != 0 {
				f.bfree(a[j])
			}
		}
		f.cache.Release(bp)
		f.bfree(ip.Addrs[NDIRECT])
		ip.Addrs[NDIRECT] = 0
	}
	ip.Size = 0
	f.Iupdate(ip)
}

// Readi copies up to n bytes from ip at offset off into dst, clamped to the
// file's size. Returns the number of bytes transferred.
func (f *FS_t) Readi(ip *Inode_t, dst []byte, off, n uint32) int {
	if off > ip.Size {
		return 0
	}
	if off+n > ip.Size {
		n = ip.Size - off
	}
	var tot uint32
	for tot < n {
		bp := f.cache.Read(ROOTDEV, f.Bmap(ip, off/BSIZE))
		m := kutilMin(n-tot, BSIZE-off%BSIZE)
		copy(dst[tot:tot+m], bp.Data[off%BSIZE:off%BSIZE+m])
		f.cache.Release(bp)
		tot += m
		off += m
	}
	return int(tot)
}

// Writei writes len(src) bytes to ip at offset off, extending ip.Size when
// the write grows the file. Always writes the inode back, since Bmap may
// have appended a block even when the size didn't change. Returns -1 if
// off is past the end of the file or off+n would exceed MAXFILE*BSIZE.
func (f *FS_t) Writei(ip *Inode_t, src []byte, off uint32) int {
	n := uint32(len(src))
	if off > ip.Size {
		return -1
	}
	if uint64(off)+uint64(n) > uint64(MAXFILE)*BSIZE {
		return -1
	}
	var tot uint32
	for tot < n {
		bp := f.cache.Read(ROOTDEV, f.Bmap(ip, off/BSIZE))
		m := kutilMin(n-tot, BSIZE-off%BSIZE)
		copy(bp.Data[off%BSIZE:off%BSIZE+m], src[tot:tot+m])
		f.cache.Write(bp)
		f.cache.Release(bp)
		tot += m
		off += m
	}
	if off > ip.Size {
		ip.Size = off
	}
	f.Iupdate(ip)
	return int(tot)
}

func kutilMin(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
