package xv6fs

import "fmt"

// Free-block bitmap. One bit per device block, LSB-first within each
// byte; bit 0 of byte 0 of the first bitmap block is device block 0.
// All operations here must run inside a transaction: the bitmap block
// and the zeroed data block go through log.Write.

// Balloc allocates a free data block, zeroes it and returns its number.
// First-fit, lowest block number wins. Charges up to two log slots
// (bitmap block + zeroed block); callers budget this against MAXOPBLOCKS.
func (x *FS) Balloc() (uint32, error) {
	for b := uint32(0); b < x.sb.Size; b += BPB {
		bp, err := x.cache.Get(x.sb.BBlock(b))
		if err != nil {
			return 0, err
		}
		for bi := uint32(0); bi < BPB && b+bi < x.sb.Size; bi++ {
			m := byte(1) << (bi % 8)
			if bp.data[bi/8]&m == 0 {
				bp.data[bi/8] |= m
				x.log.Write(bp)
				x.cache.Release(bp)
				if err := x.bzero(b + bi); err != nil {
					return 0, err
				}
				return b + bi, nil
			}
		}
		x.cache.Release(bp)
	}
	return 0, ErrOutOfSpace
}

// Bfree releases block bno back to the bitmap. The block is not zeroed;
// Balloc zeroes on the way out.
func (x *FS) Bfree(bno uint32) error {
	bp, err := x.cache.Get(x.sb.BBlock(bno))
	if err != nil {
		return err
	}
	bi := bno % BPB
	m := byte(1) << (bi % 8)
	if bp.data[bi/8]&m == 0 {
		x.cache.Release(bp)
		panic(fmt.Sprintf("bfree: block %d already free", bno))
	}
	bp.data[bi/8] &^= m
	x.log.Write(bp)
	x.cache.Release(bp)
	return nil
}

// bzero clears a freshly allocated block through the cache and the log.
func (x *FS) bzero(bno uint32) error {
	bp, err := x.cache.Get(bno)
	if err != nil {
		return err
	}
	bp.Zero()
	x.log.Write(bp)
	x.cache.Release(bp)
	return nil
}
