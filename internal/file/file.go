// Package file implements the open-file abstraction (spec §4.9): a
// system-wide table of open-file entries shared by every process's file
// descriptor array, plus the read/write/close operations that dispatch to
// either the console or the file system depending on what an entry names.
//
// This package deliberately knows nothing about internal/proc — a
// process's fd table is just a fixed array of *File_t, built and owned by
// proc, so keeping that dependency one-directional (proc imports file,
// never the reverse) avoids an import cycle between the scheduler and the
// file layer.
package file

import (
	"ucore/internal/defs"
	"ucore/internal/fs"
	"ucore/internal/hal"
)

// NFILE bounds the system-wide table (spec §3).
const NFILE = 100

// Kind distinguishes what an entry's Ip/console slot means.
type Kind int

const (
	KindNone Kind = iota
	KindFile
	KindConsole
)

// File_t is one system-wide open-file entry (spec §3). Processes never
// hold these by value — every fd slot is a pointer into the shared table,
// so dup/fork sharing an entry just bumps Ref.
type File_t struct {
	Ref      int
	Kind     Kind
	Readable bool
	Writable bool
	Off      uint64
	Ip       *fs.Inode_t
}

// Table_t is the system-wide pool of NFILE entries (spec §4.9's
// filealloc/fileclose), parallel to the block cache's fixed-pool shape in
// internal/bio.
type Table_t struct {
	files   [NFILE]File_t
	fsys    *fs.FS_t
	console hal.Console_i
}

// NewTable builds the file table backed by fsys (file-system opens) and
// console (stdio), matching the teacher's composition-root style of
// wiring singletons together at boot rather than reaching for package
// globals.
func NewTable(fsys *fs.FS_t, console hal.Console_i) *Table_t {
	return &Table_t{fsys: fsys, console: console}
}

// Alloc reserves an unused entry and returns it referenced once. Returns
// nil if the table is full (spec §4.9, EMFILE).
func (t *Table_t) Alloc() *File_t {
	for i := range t.files {
		f := &t.files[i]
		if f.Ref == 0 {
			*f = File_t{Ref: 1}
			return f
		}
	}
	return nil
}

// Dup bumps f's reference count, for the fd-table sharing fork performs.
func (t *Table_t) Dup(f *File_t) *File_t {
	if f.Ref < 1 {
		panic("file: dup of closed file")
	}
	f.Ref++
	return f
}

// Close drops a reference to f, releasing its inode once nothing holds it
// any longer.
func (t *Table_t) Close(f *File_t) {
	if f.Ref < 1 {
		panic("file: close of closed file")
	}
	f.Ref--
	if f.Ref > 0 {
		return
	}
	kind, ip := f.Kind, f.Ip
	*f = File_t{}
	if kind == KindFile && ip != nil {
		t.fsys.Iput(ip)
	}
}

// OpenConsole wires an entry to stdio (spec §4.9's stdio_init).
func (t *Table_t) OpenConsole(readable, writable bool) *File_t {
	f := t.Alloc()
	if f == nil {
		return nil
	}
	f.Kind = KindConsole
	f.Readable = readable
	f.Writable = writable
	return f
}

// Open resolves path through the file system and wires an entry to it,
// creating the file first if O_CREATE is set and it doesn't already
// exist. Mirrors spec §4.9's fileopen / the original's sys_open plumbing.
func (t *Table_t) Open(path string, flags int) (*File_t, defs.Err_t) {
	var ip *fs.Inode_t
	if flags&defs.O_CREATE != 0 {
		ip = t.fsys.Create(path, fs.T_FILE)
		if ip == nil {
			ip = t.fsys.Namei(path)
			if ip == nil {
				return nil, -defs.ENOENT
			}
		}
	} else {
		ip = t.fsys.Namei(path)
		if ip == nil {
			return nil, -defs.ENOENT
		}
	}
	t.fsys.Ivalid(ip)
	if ip.Type == fs.T_DIR && flags != defs.O_RDONLY {
		t.fsys.Iput(ip)
		return nil, -defs.EISDIR
	}

	f := t.Alloc()
	if f == nil {
		t.fsys.Iput(ip)
		return nil, -defs.EMFILE
	}
	f.Kind = KindFile
	f.Ip = ip
	f.Off = 0
	f.Readable = flags&defs.O_WRONLY == 0
	f.Writable = flags&defs.O_WRONLY != 0 || flags&defs.O_RDWR != 0
	if flags&defs.O_TRUNC != 0 && ip.Type == fs.T_FILE {
		t.fsys.Itrunc(ip)
	}
	return f, 0
}

// Read reads into dst at f's current offset, advancing it (spec §4.9).
func (t *Table_t) Read(f *File_t, dst []byte) (int, defs.Err_t) {
	if !f.Readable {
		return 0, -defs.EINVAL
	}
	switch f.Kind {
	case KindConsole:
		n, ok := t.console.ConsoleRead(dst)
		if !ok {
			return 0, -defs.EFAULT
		}
		return n, 0
	case KindFile:
		n := t.fsys.Readi(f.Ip, dst, uint32(f.Off), uint32(len(dst)))
		f.Off += uint64(n)
		return n, 0
	default:
		return 0, -defs.EINVAL
	}
}

// Write writes src at f's current offset, advancing it (spec §4.9).
func (t *Table_t) Write(f *File_t, src []byte) (int, defs.Err_t) {
	if !f.Writable {
		return 0, -defs.EINVAL
	}
	switch f.Kind {
	case KindConsole:
		n, ok := t.console.ConsoleWrite(src)
		if !ok {
			return 0, -defs.EFAULT
		}
		return n, 0
	case KindFile:
		n := t.fsys.Writei(f.Ip, src, uint32(f.Off))
		if n < 0 {
			return 0, -defs.E2BIG
		}
		f.Off += uint64(n)
		return n, 0
	default:
		return 0, -defs.EINVAL
	}
}

// ShowAllFiles reports every live entry's reference count, a debugging aid
// carried over from the original kernel's proc_info-style dumps (spec
// §4.9).
func (t *Table_t) ShowAllFiles() []int {
	var refs []int
	for i := range t.files {
		if t.files[i].Ref > 0 {
			refs = append(refs, t.files[i].Ref)
		}
	}
	return refs
}
