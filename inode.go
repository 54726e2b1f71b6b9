package xv6fs

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// On-disk inode, 64 bytes packed little-endian:
//
//	i16 kind; i16 major; i16 minor; i16 nlink; u32 size; u32 addrs[NDIRECT+1]
//
// addrs holds twelve direct block numbers plus one indirect block number;
// 0 means unallocated. Kind 0 marks a free inode slot.
//
// Inode is the in-memory handle over one on-disk slot. The table keeps at
// most one live Inode per inode number; refcnt counts handles given out
// by Iget, valid says whether the disk copy has been loaded. The content
// fields below valid are protected by the inode's own lock (Lock/Unlock).
type Inode struct {
	fs   *FS
	inum uint32

	// refcnt is guarded by the inode table mutex
	refcnt int

	mu    sync.Mutex
	valid bool

	Kind  int16
	Major int16
	Minor int16
	Nlink int16
	Size  uint32
	addrs [NDIRECT + 1]uint32
}

// itable is the in-memory inode cache, mapping inode number to the unique
// live handle.
type itable struct {
	mu     sync.Mutex
	inodes map[uint32]*Inode
}

// Inum returns the inode number.
func (ip *Inode) Inum() uint32 {
	return ip.inum
}

// Addrs returns a copy of the block pointer array, direct slots first and
// the indirect block number last. Mostly useful for inspection tools.
func (ip *Inode) Addrs() []uint32 {
	out := make([]uint32, NDIRECT+1)
	copy(out, ip.addrs[:])
	return out
}

// load decodes the on-disk slot for ip out of its inode block.
func (ip *Inode) load(bp *Buf) {
	d := bp.Slice(int(ip.inum%IPB)*DINODESIZE, DINODESIZE)
	ip.Kind = int16(binary.LittleEndian.Uint16(d[0:]))
	ip.Major = int16(binary.LittleEndian.Uint16(d[2:]))
	ip.Minor = int16(binary.LittleEndian.Uint16(d[4:]))
	ip.Nlink = int16(binary.LittleEndian.Uint16(d[6:]))
	ip.Size = binary.LittleEndian.Uint32(d[8:])
	for i := 0; i <= NDIRECT; i++ {
		ip.addrs[i] = binary.LittleEndian.Uint32(d[12+4*i:])
	}
}

// store encodes ip into its slot inside the inode block.
func (ip *Inode) store(bp *Buf) {
	d := bp.Slice(int(ip.inum%IPB)*DINODESIZE, DINODESIZE)
	binary.LittleEndian.PutUint16(d[0:], uint16(ip.Kind))
	binary.LittleEndian.PutUint16(d[2:], uint16(ip.Major))
	binary.LittleEndian.PutUint16(d[4:], uint16(ip.Minor))
	binary.LittleEndian.PutUint16(d[6:], uint16(ip.Nlink))
	binary.LittleEndian.PutUint32(d[8:], ip.Size)
	for i := 0; i <= NDIRECT; i++ {
		binary.LittleEndian.PutUint32(d[12+4*i:], ip.addrs[i])
	}
}

// Iget returns the in-memory handle for inode inum, creating an invalid
// one on first request. No disk I/O happens here; Lock loads the content.
func (x *FS) Iget(inum uint32) *Inode {
	t := x.itable
	t.mu.Lock()
	defer t.mu.Unlock()

	if ip, ok := t.inodes[inum]; ok {
		ip.refcnt++
		return ip
	}
	ip := &Inode{fs: x, inum: inum, refcnt: 1}
	t.inodes[inum] = ip
	return ip
}

// Ialloc allocates a free on-disk inode of the given kind and returns a
// handle to it. Must be called inside a transaction.
func (x *FS) Ialloc(kind int16) (*Inode, error) {
	for inum := uint32(1); inum < x.sb.Ninodes; inum++ {
		bp, err := x.cache.Get(x.sb.IBlock(inum))
		if err != nil {
			return nil, err
		}
		d := bp.Slice(int(inum%IPB)*DINODESIZE, DINODESIZE)
		if int16(binary.LittleEndian.Uint16(d)) == KindNone {
			for i := range d {
				d[i] = 0
			}
			binary.LittleEndian.PutUint16(d, uint16(kind))
			x.log.Write(bp)
			x.cache.Release(bp)
			return x.Iget(inum), nil
		}
		x.cache.Release(bp)
	}
	return nil, ErrOutOfInodes
}

// Dup takes an extra reference on an already-held handle.
func (ip *Inode) Dup() *Inode {
	t := ip.fs.itable
	t.mu.Lock()
	ip.refcnt++
	t.mu.Unlock()
	return ip
}

// Lock acquires exclusive access to the inode content, reading it from
// disk on first use.
func (ip *Inode) Lock() error {
	ip.fs.itable.mu.Lock()
	if ip.refcnt < 1 {
		ip.fs.itable.mu.Unlock()
		panic(fmt.Sprintf("ilock: inode %d without reference", ip.inum))
	}
	ip.fs.itable.mu.Unlock()

	ip.mu.Lock()
	if ip.valid {
		return nil
	}
	bp, err := ip.fs.cache.Get(ip.fs.sb.IBlock(ip.inum))
	if err != nil {
		ip.mu.Unlock()
		return err
	}
	ip.load(bp)
	ip.fs.cache.Release(bp)
	if ip.Kind == KindNone {
		ip.mu.Unlock()
		panic(fmt.Sprintf("ilock: inode %d has no kind", ip.inum))
	}
	ip.valid = true
	return nil
}

// Unlock releases the content lock.
func (ip *Inode) Unlock() {
	ip.mu.Unlock()
}

// Put drops one reference. When the last reference goes away and the
// inode has no links left, its data blocks are freed and the on-disk
// slot is released; the caller must be inside a transaction for that
// case. May split the transaction when freeing a large file (see Trunc).
func (ip *Inode) Put() {
	t := ip.fs.itable
	t.mu.Lock()
	if ip.refcnt == 1 && ip.valid && ip.Nlink == 0 {
		// refcnt==1 means ours is the only handle, and nlink==0 means no
		// directory can reach it, so nobody else can Iget it meanwhile.
		t.mu.Unlock()

		ip.mu.Lock()
		ip.trunc()
		ip.Kind = KindNone
		ip.Update()
		ip.valid = false
		ip.mu.Unlock()

		t.mu.Lock()
	}
	ip.refcnt--
	if ip.refcnt == 0 {
		delete(t.inodes, ip.inum)
	}
	t.mu.Unlock()
}

// Update copies the in-memory inode fields into the on-disk slot through
// the log. Callers that changed Size or the block map call this inside
// the same transaction.
func (ip *Inode) Update() {
	bp, err := ip.fs.cache.Get(ip.fs.sb.IBlock(ip.inum))
	if err != nil {
		panic(fmt.Sprintf("iupdate: inode %d: %s", ip.inum, err))
	}
	ip.store(bp)
	ip.fs.log.Write(bp)
	ip.fs.cache.Release(bp)
}

// bmap maps a file-relative block index to a device block number,
// allocating direct, indirect and data blocks on demand. Mutations of
// the indirect block are logged here; the caller persists addrs changes
// with Update.
func (ip *Inode) bmap(l uint32) (uint32, error) {
	if l < NDIRECT {
		if ip.addrs[l] == 0 {
			bno, err := ip.fs.Balloc()
			if err != nil {
				return 0, err
			}
			ip.addrs[l] = bno
		}
		return ip.addrs[l], nil
	}
	l -= NDIRECT
	if l >= NINDIRECT {
		return 0, fmt.Errorf("bmap block %d: %w", l+NDIRECT, ErrBadRange)
	}

	if ip.addrs[NDIRECT] == 0 {
		bno, err := ip.fs.Balloc()
		if err != nil {
			return 0, err
		}
		ip.addrs[NDIRECT] = bno
	}
	bp, err := ip.fs.cache.Get(ip.addrs[NDIRECT])
	if err != nil {
		return 0, err
	}
	bno := bp.U32(4 * int(l))
	if bno == 0 {
		bno, err = ip.fs.Balloc()
		if err != nil {
			ip.fs.cache.Release(bp)
			return 0, err
		}
		bp.PutU32(4*int(l), bno)
		ip.fs.log.Write(bp)
	}
	ip.fs.cache.Release(bp)
	return bno, nil
}

// Bmap returns the device block backing file block l, allocating it (and
// the indirect block) on demand. The inode must be locked and, when
// allocation may happen, the caller inside a transaction; addrs changes
// are persisted by a later Update.
func (ip *Inode) Bmap(l uint32) (uint32, error) {
	return ip.bmap(l)
}

// Trunc frees every block the inode references and resets its size to
// zero. The inode must be locked and the caller inside a transaction.
// Freeing more blocks than one transaction may dirty splits the work:
// a consistent prefix is committed (addrs zeroed so far, inode updated),
// the operation is closed and a fresh one opened before continuing.
func (ip *Inode) Trunc() {
	ip.trunc()
	ip.Update()
}

func (ip *Inode) trunc() {
	x := ip.fs

	// keep room in each batch for the indirect block and the inode block
	const budget = MAXOPBLOCKS - 3
	batch := 0
	flush := func() {
		if batch >= budget {
			ip.Update()
			x.log.End()
			x.log.Begin()
			batch = 0
		}
	}

	for i := 0; i < NDIRECT; i++ {
		if ip.addrs[i] != 0 {
			if err := x.Bfree(ip.addrs[i]); err != nil {
				panic(fmt.Sprintf("itrunc: inode %d: %s", ip.inum, err))
			}
			ip.addrs[i] = 0
			batch++
			flush()
		}
	}

	if ip.addrs[NDIRECT] != 0 {
		bp, err := x.cache.Get(ip.addrs[NDIRECT])
		if err != nil {
			panic(fmt.Sprintf("itrunc: inode %d: %s", ip.inum, err))
		}
		for i := 0; i < NINDIRECT; i++ {
			bno := bp.U32(4 * i)
			if bno == 0 {
				continue
			}
			if err := x.Bfree(bno); err != nil {
				panic(fmt.Sprintf("itrunc: inode %d: %s", ip.inum, err))
			}
			// zero the slot and log the indirect block so a crash between
			// batches never leaves a freed block still referenced
			bp.PutU32(4*i, 0)
			x.log.Write(bp)
			batch++
			if batch >= budget {
				x.cache.Release(bp)
				ip.Update()
				x.log.End()
				x.log.Begin()
				batch = 0
				bp, err = x.cache.Get(ip.addrs[NDIRECT])
				if err != nil {
					panic(fmt.Sprintf("itrunc: inode %d: %s", ip.inum, err))
				}
			}
		}
		x.cache.Release(bp)
		if err := x.Bfree(ip.addrs[NDIRECT]); err != nil {
			panic(fmt.Sprintf("itrunc: inode %d: %s", ip.inum, err))
		}
		ip.addrs[NDIRECT] = 0
	}

	ip.Size = 0
}

// Readi reads up to len(dst) bytes starting at byte offset off, stitching
// direct and indirect blocks through bmap. Reads past the end return 0.
// Within the file size every block is already mapped, so no allocation
// happens on the read path.
func (ip *Inode) Readi(dst []byte, off uint32) (int, error) {
	if off > ip.Size {
		return 0, nil
	}
	n := uint32(len(dst))
	if off+n < off || off+n > ip.Size {
		n = ip.Size - off
	}

	tot := uint32(0)
	for tot < n {
		bno, err := ip.bmap(off / BSIZE)
		if err != nil {
			return int(tot), err
		}
		bp, err := ip.fs.cache.Get(bno)
		if err != nil {
			return int(tot), err
		}
		m := BSIZE - off%BSIZE
		if m > n-tot {
			m = n - tot
		}
		copy(dst[tot:tot+m], bp.Slice(int(off%BSIZE), int(m)))
		ip.fs.cache.Release(bp)
		tot += m
		off += m
	}
	return int(tot), nil
}

// Writei writes len(src) bytes at byte offset off, allocating blocks on
// demand and clipping at the maximum file size. The inode must be locked
// and the caller inside a transaction; the dirtied block count must fit
// the transaction budget. The inode is updated before returning so addrs
// changes made by bmap persist.
func (ip *Inode) Writei(src []byte, off uint32) (int, error) {
	if off > ip.Size {
		return 0, fmt.Errorf("write at %d beyond size %d: %w", off, ip.Size, ErrBadRange)
	}
	n := uint32(len(src))
	if off+n < off || off+n > MAXFILE*BSIZE {
		if off >= MAXFILE*BSIZE {
			return 0, fmt.Errorf("write at %d: %w", off, ErrBadRange)
		}
		n = MAXFILE*BSIZE - off
	}

	tot := uint32(0)
	var werr error
	for tot < n {
		bno, err := ip.bmap(off / BSIZE)
		if err != nil {
			werr = err
			break
		}
		bp, err := ip.fs.cache.Get(bno)
		if err != nil {
			werr = err
			break
		}
		m := BSIZE - off%BSIZE
		if m > n-tot {
			m = n - tot
		}
		copy(bp.Slice(int(off%BSIZE), int(m)), src[tot:tot+m])
		ip.fs.log.Write(bp)
		ip.fs.cache.Release(bp)
		tot += m
		off += m
	}

	if off > ip.Size {
		ip.Size = off
	}
	// update unconditionally: even a failed write may have grown the
	// block map through bmap, and those allocations must be referenced
	ip.Update()
	return int(tot), werr
}
