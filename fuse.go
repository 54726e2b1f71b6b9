//go:build fuse

package xv6fs

import (
	"context"
	"errors"
	iofs "io/fs"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// FUSE bridge over the transactional core, using the go-fuse high-level
// API. Deliberately thin: no xattr, no rename (the on-disk format has no
// rename primitive), no device nodes, fixed permissions. Each node holds
// only the inode number; handles are taken per operation so the kernel's
// node cache never pins inode references.

// MountFUSE mounts the filesystem at dir and returns the running server;
// call Wait on it to block until unmount.
func MountFUSE(x *FS, dir string, debug bool) (*fuse.Server, error) {
	root := &fuseNode{x: x, inum: ROOTINO}
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName: "xv6fs",
			Name:   "xv6fs",
			Debug:  debug,
		},
	}
	return fs.Mount(dir, root, opts)
}

type fuseNode struct {
	fs.Inode
	x    *FS
	inum uint32
}

var _ fs.NodeGetattrer = (*fuseNode)(nil)
var _ fs.NodeSetattrer = (*fuseNode)(nil)
var _ fs.NodeLookuper = (*fuseNode)(nil)
var _ fs.NodeReaddirer = (*fuseNode)(nil)
var _ fs.NodeOpener = (*fuseNode)(nil)
var _ fs.NodeReader = (*fuseNode)(nil)
var _ fs.NodeWriter = (*fuseNode)(nil)
var _ fs.NodeCreater = (*fuseNode)(nil)
var _ fs.NodeMkdirer = (*fuseNode)(nil)
var _ fs.NodeUnlinker = (*fuseNode)(nil)
var _ fs.NodeRmdirer = (*fuseNode)(nil)
var _ fs.NodeSymlinker = (*fuseNode)(nil)
var _ fs.NodeReadlinker = (*fuseNode)(nil)
var _ fs.NodeLinker = (*fuseNode)(nil)
var _ fs.NodeStatfser = (*fuseNode)(nil)

func errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, iofs.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, ErrExist):
		return syscall.EEXIST
	case errors.Is(err, ErrOutOfSpace), errors.Is(err, ErrOutOfInodes):
		return syscall.ENOSPC
	case errors.Is(err, ErrNotDirectory):
		return syscall.ENOTDIR
	case errors.Is(err, ErrIsDirectory):
		return syscall.EISDIR
	case errors.Is(err, ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, ErrNameTooLong):
		return syscall.ENAMETOOLONG
	case errors.Is(err, ErrBadRange):
		return syscall.EFBIG
	case errors.Is(err, iofs.ErrInvalid):
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}

func kindMode(kind int16) uint32 {
	switch kind {
	case KindDir:
		return syscall.S_IFDIR | 0o755
	case KindSymlink:
		return syscall.S_IFLNK | 0o777
	default:
		return syscall.S_IFREG | 0o644
	}
}

// inode takes a fresh handle for this node; callers Put it when done.
func (n *fuseNode) inode() *Inode {
	return n.x.Iget(n.inum)
}

func fillAttr(ip *Inode, attr *fuse.Attr) {
	attr.Ino = uint64(ip.Inum())
	attr.Size = uint64(ip.Size)
	attr.Blocks = uint64((ip.Size + BSIZE - 1) / BSIZE)
	attr.Mode = kindMode(ip.Kind)
	attr.Nlink = uint32(ip.Nlink)
	attr.Blksize = BSIZE
}

// newChild wires a child inode into the kernel node tree and fills the
// entry attributes. ip must be locked.
func (n *fuseNode) newChild(ctx context.Context, ip *Inode, out *fuse.EntryOut) *fs.Inode {
	fillAttr(ip, &out.Attr)
	child := &fuseNode{x: n.x, inum: ip.Inum()}
	return n.NewInode(ctx, child, fs.StableAttr{
		Mode: kindMode(ip.Kind),
		Ino:  uint64(ip.Inum()),
	})
}

func (n *fuseNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	ip := n.inode()
	defer ip.Put()
	if err := ip.Lock(); err != nil {
		return errno(err)
	}
	defer ip.Unlock()
	fillAttr(ip, &out.Attr)
	return 0
}

// Setattr only honors truncation to zero; the format stores no
// permissions or times, and partial truncation is not a primitive.
func (n *fuseNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if sz, ok := in.GetSize(); ok {
		if sz != 0 {
			return syscall.EOPNOTSUPP
		}
		ip := n.inode()
		n.x.Begin()
		if err := ip.Lock(); err != nil {
			n.x.End()
			ip.Put()
			return errno(err)
		}
		if ip.Kind == KindDir {
			ip.Unlock()
			n.x.End()
			ip.Put()
			return syscall.EISDIR
		}
		ip.Trunc()
		ip.Unlock()
		n.x.End()
		ip.Put()
	}
	return n.Getattr(ctx, f, out)
}

func (n *fuseNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	dp := n.inode()
	defer dp.Put()
	if err := dp.Lock(); err != nil {
		return nil, errno(err)
	}
	ip, _, err := n.x.DirLookup(dp, name)
	dp.Unlock()
	if err != nil {
		return nil, errno(err)
	}
	defer ip.Put()
	if err := ip.Lock(); err != nil {
		return nil, errno(err)
	}
	defer ip.Unlock()
	return n.newChild(ctx, ip, out), 0
}

func (n *fuseNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	dp := n.inode()
	defer dp.Put()
	if err := dp.Lock(); err != nil {
		return nil, errno(err)
	}
	ents, err := readDir(dp)
	dp.Unlock()
	if err != nil {
		return nil, errno(err)
	}

	out := make([]fuse.DirEntry, 0, len(ents))
	for _, e := range ents {
		ip := n.x.Iget(uint32(e.Inum))
		mode := uint32(syscall.S_IFREG)
		if err := ip.Lock(); err == nil {
			mode = kindMode(ip.Kind)
			ip.Unlock()
		}
		ip.Put()
		out = append(out, fuse.DirEntry{
			Name: e.Name,
			Ino:  uint64(e.Inum),
			Mode: mode,
		})
	}
	return fs.NewListDirStream(out), 0
}

func (n *fuseNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	// direct IO keeps the kernel page cache out of the way of Writei
	return nil, fuse.FOPEN_DIRECT_IO, 0
}

func (n *fuseNode) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	ip := n.inode()
	defer ip.Put()
	if err := ip.Lock(); err != nil {
		return nil, errno(err)
	}
	defer ip.Unlock()
	if off >= int64(ip.Size) {
		return fuse.ReadResultData(nil), 0
	}
	cnt, err := ip.Readi(dest, uint32(off))
	if err != nil {
		return nil, errno(err)
	}
	return fuse.ReadResultData(dest[:cnt]), 0
}

func (n *fuseNode) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	ip := n.inode()
	defer ip.Put()

	// split into transaction-sized chunks like WriteFile does; the
	// transaction is entered before the inode lock each round
	tot := 0
	for tot < len(data) {
		cnt := len(data) - tot
		if cnt > writeChunk {
			cnt = writeChunk
		}
		n.x.Begin()
		if err := ip.Lock(); err != nil {
			n.x.End()
			return uint32(tot), errno(err)
		}
		w, err := ip.Writei(data[tot:tot+cnt], uint32(off)+uint32(tot))
		ip.Unlock()
		n.x.End()
		tot += w
		if err != nil {
			return uint32(tot), errno(err)
		}
		if w < cnt {
			break
		}
	}
	return uint32(tot), 0
}

func (n *fuseNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	dp := n.inode()
	defer dp.Put()
	n.x.Begin()
	ip, err := n.x.createAt(dp, name, KindFile, 0, 0)
	n.x.End()
	if err != nil {
		return nil, nil, 0, errno(err)
	}
	defer ip.Put()
	defer ip.Unlock()
	return n.newChild(ctx, ip, out), nil, fuse.FOPEN_DIRECT_IO, 0
}

func (n *fuseNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	dp := n.inode()
	defer dp.Put()
	n.x.Begin()
	ip, err := n.x.createAt(dp, name, KindDir, 0, 0)
	n.x.End()
	if err != nil {
		return nil, errno(err)
	}
	defer ip.Put()
	defer ip.Unlock()
	return n.newChild(ctx, ip, out), 0
}

func (n *fuseNode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	dp := n.inode()
	defer dp.Put()
	n.x.Begin()
	ip, err := n.x.createAt(dp, name, KindSymlink, 0, 0)
	if err == nil {
		_, err = ip.Writei([]byte(target), 0)
	}
	n.x.End()
	if err != nil {
		if ip != nil {
			ip.Unlock()
			ip.Put()
		}
		return nil, errno(err)
	}
	defer ip.Put()
	defer ip.Unlock()
	return n.newChild(ctx, ip, out), 0
}

func (n *fuseNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	ip := n.inode()
	defer ip.Put()
	if err := ip.Lock(); err != nil {
		return nil, errno(err)
	}
	defer ip.Unlock()
	if ip.Kind != KindSymlink {
		return nil, syscall.EINVAL
	}
	buf := make([]byte, ip.Size)
	if _, err := ip.Readi(buf, 0); err != nil {
		return nil, errno(err)
	}
	return buf, 0
}

func (n *fuseNode) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	tn, ok := target.(*fuseNode)
	if !ok {
		return nil, syscall.EXDEV
	}
	dp := n.inode()
	defer dp.Put()
	ip := tn.inode()
	defer ip.Put()

	n.x.Begin()
	err := n.x.linkAt(dp, name, ip)
	n.x.End()
	if err != nil {
		return nil, errno(err)
	}
	if err := ip.Lock(); err != nil {
		return nil, errno(err)
	}
	defer ip.Unlock()
	return n.newChild(ctx, ip, out), 0
}

func (n *fuseNode) Unlink(ctx context.Context, name string) syscall.Errno {
	dp := n.inode()
	defer dp.Put()
	n.x.Begin()
	err := n.x.unlinkAt(dp, name)
	n.x.End()
	return errno(err)
}

func (n *fuseNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.Unlink(ctx, name)
}

func (n *fuseNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	sb := n.x.Super()
	out.Blocks = uint64(sb.Size)
	out.Bfree = uint64(sb.Nblocks)
	out.Bavail = out.Bfree
	out.Files = uint64(sb.Ninodes)
	out.Bsize = BSIZE
	out.NameLen = DIRSIZ
	return 0
}
