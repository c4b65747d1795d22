package fs

import (
	"unsafe"
)

// dirent is the on-disk directory entry: a 2-byte inode number and a
// 14-byte fixed-width name (spec §3), 16 bytes total — a single level of
// directory, no nested subdirectories (Non-goals).
type dirent struct {
	Inum uint16
	Name [DIRSIZ]byte
}

func direntAt(buf []byte, i int) *dirent {
	off := i * direntSz
	return (*dirent)(unsafe.Pointer(&buf[off]))
}

func direntsPerBlock() int { return BSIZE / direntSz }

func nameBytes(name string) [DIRSIZ]byte {
	var b [DIRSIZ]byte
	n := copy(b[:], name)
	_ = n
	return b
}

func direntName(d *dirent) string {
	n := 0
	for n < DIRSIZ && d.Name[n] != 0 {
		n++
	}
	return string(d.Name[:n])
}

// RootDir returns a referenced handle to the root directory inode (spec
// §4.8's root_dir).
func (f *FS_t) RootDir() *Inode_t {
	ip := f.Iget(ROOTINO)
	f.Ivalid(ip)
	return ip
}

// Dirlookup searches directory dp for name, returning the referenced
// inode and the byte offset of its dirent within dp. Panics if dp is not
// a directory.
func (f *FS_t) Dirlookup(dp *Inode_t, name string) (*Inode_t, uint32) {
	if dp.Type != T_DIR {
		panic("fs: dirlookup: not a directory")
	}
	perBlock := direntsPerBlock()
	n := int(dp.Size) / direntSz
	for i := 0; i < n; i++ {
		blockIdx := i / perBlock
		bp := f.cache.Read(ROOTDEV, f.Bmap(dp, uint32(blockIdx)))
		d := direntAt(bp.Data[:], i%perBlock)
		if d.Inum != 0 && direntName(d) == name {
			inum := uint32(d.Inum)
			f.cache.Release(bp)
			return f.Iget(inum), uint32(i * direntSz)
		}
		f.cache.Release(bp)
	}
	return nil, 0
}

// Dirlink writes a new (name, inum) entry into directory dp, reusing the
// first empty slot if one exists, else appending. Returns false if name
// already exists.
func (f *FS_t) Dirlink(dp *Inode_t, name string, inum uint32) bool {
	if existing, _ := f.Dirlookup(dp, name); existing != nil {
		f.Iput(existing)
		return false
	}

	perBlock := direntsPerBlock()
	n := int(dp.Size) / direntSz
	slot := n
	for i := 0; i < n; i++ {
		blockIdx := i / perBlock
		bp := f.cache.Read(ROOTDEV, f.Bmap(dp, uint32(blockIdx)))
		d := direntAt(bp.Data[:], i%perBlock)
		free := d.Inum == 0
		f.cache.Release(bp)
		if free {
			slot = i
			break
		}
	}

	blockIdx := slot / perBlock
	bp := f.cache.Read(ROOTDEV, f.Bmap(dp, uint32(blockIdx)))
	d := direntAt(bp.Data[:], slot%perBlock)
	d.Inum = uint16(inum)
	d.Name = nameBytes(name)
	f.cache.Write(bp)
	f.cache.Release(bp)

	if uint32(slot+1)*direntSz > dp.Size {
		dp.Size = uint32(slot+1) * direntSz
		f.Iupdate(dp)
	}
	return true
}

// Dirls lists every occupied entry of directory dp.
func (f *FS_t) Dirls(dp *Inode_t) []string {
	perBlock := direntsPerBlock()
	n := int(dp.Size) / direntSz
	var names []string
	for i := 0; i < n; i++ {
		blockIdx := i / perBlock
		bp := f.cache.Read(ROOTDEV, f.Bmap(dp, uint32(blockIdx)))
		d := direntAt(bp.Data[:], i%perBlock)
		if d.Inum != 0 {
			names = append(names, direntName(d))
		}
		f.cache.Release(bp)
	}
	return names
}

// Namei resolves a path to its inode. Since this file system has no
// nested directories (Non-goals), path is always a single component
// looked up directly under the root — "/" (or "") returns the root
// directory itself.
func (f *FS_t) Namei(path string) *Inode_t {
	if path == "" || path == "/" {
		return f.RootDir()
	}
	name := path
	if len(path) > 0 && path[0] == '/' {
		name = path[1:]
	}
	if len(name) > DIRSIZ {
		name = name[:DIRSIZ]
	}
	root := f.RootDir()
	ip, _ := f.Dirlookup(root, name)
	f.Iput(root)
	return ip
}

// Create makes a new file (or directory) named name in the root
// directory and returns a referenced inode for it, or nil if name
// already exists.
func (f *FS_t) Create(name string, typ int16) *Inode_t {
	root := f.RootDir()
	defer f.Iput(root)

	ip := f.Ialloc(typ)
	f.Ivalid(ip)
	if !f.Dirlink(root, name, ip.Inum) {
		f.Iput(ip)
		return nil
	}
	return ip
}
