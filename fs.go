package xv6fs

import (
	"fmt"
	"io"
	"io/fs"
	"log"
	"path"
)

// maxSymlinkDepth bounds symlink resolution, preventing loops.
const maxSymlinkDepth = 40

// FS is a mounted filesystem instance: one device, one block cache, one
// log, one inode table. It implements io/fs.FS for read access; mutating
// operations go through the transactional API.
type FS struct {
	dev    BlockDevice
	sb     Superblock
	cache  *BufCache
	log    *Log
	itable *itable
	closer io.Closer
}

// Mount attaches to a formatted device. Recovery runs here: a committed
// but uninstalled transaction left by a crash is replayed before any
// other access.
func Mount(dev BlockDevice) (*FS, error) {
	raw := make([]byte, BSIZE)
	if err := dev.ReadBlock(1, raw); err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	var sb Superblock
	if err := sb.UnmarshalBinary(raw); err != nil {
		return nil, err
	}

	if n, err := replayLog(dev, sb.Logstart); err != nil {
		return nil, err
	} else if n > 0 {
		log.Printf("xv6fs: recovered %d blocks from log", n)
	}

	x := &FS{
		dev:    dev,
		sb:     sb,
		cache:  NewBufCache(dev, NBUF),
		itable: &itable{inodes: make(map[uint32]*Inode)},
	}
	x.log = newLog(dev, x.cache, &sb)
	return x, nil
}

// Open opens an image file and mounts it with durable writes. The
// returned FS owns the file; Close releases it.
func Open(name string) (*FS, error) {
	dev, err := OpenDevice(name, true)
	if err != nil {
		return nil, err
	}
	x, err := Mount(dev)
	if err != nil {
		dev.Close()
		return nil, err
	}
	x.closer = dev
	return x, nil
}

// Close releases the backing device if this FS owns it.
func (x *FS) Close() error {
	if x.closer != nil {
		return x.closer.Close()
	}
	return nil
}

// Super returns a copy of the superblock.
func (x *FS) Super() Superblock {
	return x.sb
}

// Begin opens a transaction; every mutating call until the matching End
// is committed as one atomic group.
func (x *FS) Begin() {
	x.log.Begin()
}

// End closes the transaction opened by Begin.
func (x *FS) End() {
	x.log.End()
}

// create makes a new directory entry name in the parent of path, wired to
// a fresh inode of the given kind. Runs inside the caller's transaction
// and returns the new inode locked. When the name already exists and both
// it and the request are regular files, the existing inode is returned.
func (x *FS) create(p string, kind int16, major, minor int16) (*Inode, error) {
	dp, name, err := x.NameiParent(p)
	if err != nil {
		return nil, err
	}
	defer dp.Put()
	return x.createAt(dp, name, kind, major, minor)
}

// createAt is create with the parent handle already resolved. dp is an
// unlocked handle; the caller keeps its reference.
func (x *FS) createAt(dp *Inode, name string, kind int16, major, minor int16) (*Inode, error) {
	dp = dp.Dup()
	if err := dp.Lock(); err != nil {
		dp.Put()
		return nil, err
	}

	if ip, _, err := x.DirLookup(dp, name); err == nil {
		dp.Unlock()
		dp.Put()
		if err := ip.Lock(); err != nil {
			ip.Put()
			return nil, err
		}
		if kind == KindFile && ip.Kind == KindFile {
			return ip, nil
		}
		ip.Unlock()
		ip.Put()
		return nil, ErrExist
	} else if !isNotExist(err) {
		dp.Unlock()
		dp.Put()
		return nil, err
	}

	ip, err := x.Ialloc(kind)
	if err != nil {
		dp.Unlock()
		dp.Put()
		return nil, err
	}
	if err := ip.Lock(); err != nil {
		ip.Put()
		dp.Unlock()
		dp.Put()
		return nil, err
	}
	ip.Major = major
	ip.Minor = minor
	ip.Nlink = 1
	ip.Update()

	undo := func() {
		// wipe the half-made inode; Put frees it via nlink==0
		ip.Nlink = 0
		ip.Update()
		ip.Unlock()
		ip.Put()
		dp.Unlock()
		dp.Put()
	}

	if kind == KindDir {
		// "." and ".." are formatted here by the caller of the
		// allocator, not inside it; the fresh block arrives zeroed
		if err := x.DirLink(ip, ".", ip.inum); err != nil {
			undo()
			return nil, err
		}
		if err := x.DirLink(ip, "..", dp.inum); err != nil {
			undo()
			return nil, err
		}
	}

	if err := x.DirLink(dp, name, ip.inum); err != nil {
		undo()
		return nil, err
	}
	if kind == KindDir {
		dp.Nlink++ // for ".."
		dp.Update()
	}

	dp.Unlock()
	dp.Put()
	return ip, nil
}

// Create makes an empty regular file. Creating an existing file is a
// no-op, like open with O_CREATE.
func (x *FS) Create(p string) error {
	x.Begin()
	defer x.End()
	ip, err := x.create(p, KindFile, 0, 0)
	if err != nil {
		return err
	}
	ip.Unlock()
	ip.Put()
	return nil
}

// MkDir makes a new directory with "." and ".." entries.
func (x *FS) MkDir(p string) error {
	x.Begin()
	defer x.End()
	ip, err := x.create(p, KindDir, 0, 0)
	if err != nil {
		return err
	}
	ip.Unlock()
	ip.Put()
	return nil
}

// Symlink creates a symbolic link at p holding target as its body.
func (x *FS) Symlink(target, p string) error {
	x.Begin()
	defer x.End()
	ip, err := x.create(p, KindSymlink, 0, 0)
	if err != nil {
		return err
	}
	_, err = ip.Writei([]byte(target), 0)
	ip.Unlock()
	ip.Put()
	return err
}

// Readlink returns the target of the symbolic link at p.
func (x *FS) Readlink(p string) (string, error) {
	ip, err := x.Namei(p)
	if err != nil {
		return "", err
	}
	defer ip.Put()
	if err := ip.Lock(); err != nil {
		return "", err
	}
	defer ip.Unlock()
	if ip.Kind != KindSymlink {
		return "", fs.ErrInvalid
	}
	buf := make([]byte, ip.Size)
	if _, err := ip.Readi(buf, 0); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Link creates a new hard link newp for the inode named by oldp.
// Directories cannot be hard-linked.
func (x *FS) Link(oldp, newp string) error {
	x.Begin()
	defer x.End()

	ip, err := x.Namei(oldp)
	if err != nil {
		return err
	}
	if err := ip.Lock(); err != nil {
		ip.Put()
		return err
	}
	if ip.Kind == KindDir {
		ip.Unlock()
		ip.Put()
		return ErrIsDirectory
	}
	ip.Unlock()

	dp, name, err := x.NameiParent(newp)
	if err != nil {
		ip.Put()
		return err
	}
	err = x.linkAt(dp, name, ip)
	dp.Put()
	ip.Put()
	return err
}

// linkAt adds a hard link name in directory dp to the inode ip. Runs
// inside the caller's transaction; dp and ip are unlocked handles.
func (x *FS) linkAt(dp *Inode, name string, ip *Inode) error {
	if err := ip.Lock(); err != nil {
		return err
	}
	if ip.Kind == KindDir {
		ip.Unlock()
		return ErrIsDirectory
	}
	ip.Nlink++
	ip.Update()
	ip.Unlock()

	err := dp.Lock()
	if err == nil {
		err = x.DirLink(dp, name, ip.inum)
		dp.Unlock()
	}
	if err != nil {
		ip.Lock()
		ip.Nlink--
		ip.Update()
		ip.Unlock()
		return err
	}
	return nil
}

// Unlink removes the directory entry at p and drops the target's link
// count; the inode's blocks are freed once the last reference goes away.
// Directories must be empty.
func (x *FS) Unlink(p string) error {
	x.Begin()
	defer x.End()

	dp, name, err := x.NameiParent(p)
	if err != nil {
		return err
	}
	err = x.unlinkAt(dp, name)
	dp.Put()
	return err
}

// unlinkAt removes the entry name from directory dp. Runs inside the
// caller's transaction; dp is an unlocked handle.
func (x *FS) unlinkAt(dp *Inode, name string) error {
	if name == "." || name == ".." {
		return fs.ErrInvalid
	}
	if err := dp.Lock(); err != nil {
		return err
	}

	ip, off, err := x.DirLookup(dp, name)
	if err != nil {
		dp.Unlock()
		return err
	}
	if err := ip.Lock(); err != nil {
		ip.Put()
		dp.Unlock()
		return err
	}
	if ip.Nlink < 1 {
		panic(fmt.Sprintf("unlink: inode %d has no links", ip.inum))
	}
	if ip.Kind == KindDir {
		empty, err := dirEmpty(ip)
		if err == nil && !empty {
			err = ErrNotEmpty
		}
		if err != nil {
			ip.Unlock()
			ip.Put()
			dp.Unlock()
			return err
		}
	}

	if _, err := dp.Writei(make([]byte, DIRENTSIZE), off); err != nil {
		panic(fmt.Sprintf("unlink: clearing entry in dir %d: %s", dp.inum, err))
	}
	if ip.Kind == KindDir {
		dp.Nlink--
		dp.Update()
	}
	dp.Unlock()

	ip.Nlink--
	ip.Update()
	ip.Unlock()
	ip.Put()
	return nil
}

// Truncate discards the contents of the regular file at p.
func (x *FS) Truncate(p string) error {
	ip, err := x.Namei(p)
	if err != nil {
		return err
	}
	defer ip.Put()

	// enter the transaction before taking the inode lock; the reverse
	// order can deadlock against an in-flight op wanting this inode
	x.Begin()
	defer x.End()
	if err := ip.Lock(); err != nil {
		return err
	}
	defer ip.Unlock()
	if ip.Kind == KindDir {
		return ErrIsDirectory
	}
	ip.Trunc()
	return nil
}

// writeChunk is the largest byte count one transaction safely writes:
// each block costs up to two log slots (data + bitmap), plus the inode
// block, the indirect block and slack for bzero of fresh allocations.
const writeChunk = ((MAXOPBLOCKS - 4) / 2) * BSIZE

// WriteFile replaces the contents of the file at p, creating it when
// missing. Large bodies span several transactions, each one atomic.
func (x *FS) WriteFile(p string, data []byte) error {
	x.Begin()
	ip, err := x.create(p, KindFile, 0, 0)
	if err != nil {
		x.End()
		return err
	}
	ip.Trunc()

	off := 0
	for {
		n := len(data) - off
		if n > writeChunk {
			n = writeChunk
		}
		if n > 0 || off == 0 {
			if _, err = ip.Writei(data[off:off+n], uint32(off)); err != nil {
				break
			}
		}
		off += n
		if off >= len(data) {
			break
		}
		// chunk boundary: commit what we have and start a fresh op
		ip.Unlock()
		x.End()
		x.Begin()
		ip.Lock()
	}

	ip.Unlock()
	ip.Put()
	x.End()
	return err
}

// Lstat returns file information for p without following a final
// symbolic link.
func (x *FS) Lstat(p string) (fs.FileInfo, error) {
	ip, err := x.Namei(p)
	if err != nil {
		return nil, err
	}
	defer ip.Put()
	if err := ip.Lock(); err != nil {
		return nil, err
	}
	defer ip.Unlock()
	return infoFor(path.Base("/"+p), ip), nil
}

// resolve walks p and follows a final symbolic link, bounded by
// maxSymlinkDepth.
func (x *FS) resolve(p string) (*Inode, error) {
	for depth := 0; depth < maxSymlinkDepth; depth++ {
		ip, err := x.Namei(p)
		if err != nil {
			return nil, err
		}
		if err := ip.Lock(); err != nil {
			ip.Put()
			return nil, err
		}
		if ip.Kind != KindSymlink {
			ip.Unlock()
			return ip, nil
		}
		buf := make([]byte, ip.Size)
		_, err = ip.Readi(buf, 0)
		ip.Unlock()
		ip.Put()
		if err != nil {
			return nil, err
		}
		target := string(buf)
		if len(target) > 0 && target[0] == '/' {
			p = target
		} else {
			p = path.Join(path.Dir(p), target)
		}
	}
	return nil, ErrTooManySymlinks
}

// Open implements io/fs.FS. Directories come back as fs.ReadDirFile,
// regular files additionally implement io.ReaderAt and io.Seeker. A
// final symbolic link is followed.
func (x *FS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	p := name
	if name == "." {
		p = "/"
	}
	ip, err := x.resolve(p)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return openFile(name, ip), nil
}

var _ fs.FS = (*FS)(nil)
