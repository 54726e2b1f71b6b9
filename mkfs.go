package xv6fs

import (
	"encoding/binary"
	"fmt"
	"log"
)

// Default geometry: 1000 blocks, 94 inodes. With the fixed log and
// bitmap sizes this yields the classic layout
//
//	[ boot(1) | super(1) | log(1+30) | inodes(6) | bitmap(1) | data(960) ]
const (
	DefaultSize    = 1000
	DefaultNinodes = 94
)

// MkfsOption adjusts the geometry of a new filesystem image.
type MkfsOption func(*mkfsConfig) error

type mkfsConfig struct {
	size    uint32
	ninodes uint32
}

// WithSize sets the total image size in blocks.
func WithSize(blocks uint32) MkfsOption {
	return func(c *mkfsConfig) error {
		if blocks < 64 {
			return fmt.Errorf("mkfs: %d blocks is too small", blocks)
		}
		c.size = blocks
		return nil
	}
}

// WithNinodes sets the inode table capacity.
func WithNinodes(n uint32) MkfsOption {
	return func(c *mkfsConfig) error {
		if n < 2 {
			return fmt.Errorf("mkfs: need at least 2 inodes, got %d", n)
		}
		c.ninodes = n
		return nil
	}
}

// Mkfs formats dev as an empty filesystem: superblock, empty log, inode
// table holding the root directory, and the free-block bitmap with every
// metadata block (and the root directory's block) marked used.
func Mkfs(dev BlockDevice, opts ...MkfsOption) error {
	c := &mkfsConfig{size: DefaultSize, ninodes: DefaultNinodes}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return err
		}
	}

	nbitmap := c.size/BPB + 1
	ninodeblocks := c.ninodes/IPB + 1
	nlog := uint32(LOGSIZE + 1) // header + data
	nmeta := 2 + nlog + ninodeblocks + nbitmap
	if nmeta+1 >= c.size {
		return fmt.Errorf("mkfs: %d blocks leave no room for data", c.size)
	}

	sb := Superblock{
		Magic:      FSMAGIC,
		Size:       c.size,
		Nblocks:    c.size - nmeta,
		Ninodes:    c.ninodes,
		Nlog:       nlog,
		Logstart:   2,
		Inodestart: 2 + nlog,
		Bmapstart:  2 + nlog + ninodeblocks,
	}

	zero := make([]byte, BSIZE)
	for bno := uint32(0); bno < c.size; bno++ {
		if err := dev.WriteBlock(bno, zero); err != nil {
			return fmt.Errorf("mkfs: %w", err)
		}
	}

	blk := make([]byte, BSIZE)
	raw, err := sb.MarshalBinary()
	if err != nil {
		return err
	}
	copy(blk, raw)
	if err := dev.WriteBlock(1, blk); err != nil {
		return fmt.Errorf("mkfs: %w", err)
	}

	// root directory: inode ROOTINO with one data block of "." and ".."
	rootBlock := nmeta

	for i := range blk {
		blk[i] = 0
	}
	d := blk[(ROOTINO%IPB)*DINODESIZE:]
	binary.LittleEndian.PutUint16(d[0:], uint16(KindDir))
	binary.LittleEndian.PutUint16(d[6:], 1) // nlink
	binary.LittleEndian.PutUint32(d[8:], 2*DIRENTSIZE)
	binary.LittleEndian.PutUint32(d[12:], rootBlock)
	if err := dev.WriteBlock(sb.IBlock(ROOTINO), blk); err != nil {
		return fmt.Errorf("mkfs: %w", err)
	}

	for i := range blk {
		blk[i] = 0
	}
	copy(blk[0:], encodeDirEnt(DirEnt{Inum: ROOTINO, Name: "."}))
	copy(blk[DIRENTSIZE:], encodeDirEnt(DirEnt{Inum: ROOTINO, Name: ".."}))
	if err := dev.WriteBlock(rootBlock, blk); err != nil {
		return fmt.Errorf("mkfs: %w", err)
	}

	// bitmap: everything up to and including the root block is in use
	used := nmeta + 1
	for i := range blk {
		blk[i] = 0
	}
	bmapBlock := sb.Bmapstart
	for bno := uint32(0); bno < used; bno++ {
		if sb.BBlock(bno) != bmapBlock {
			if err := dev.WriteBlock(bmapBlock, blk); err != nil {
				return fmt.Errorf("mkfs: %w", err)
			}
			for i := range blk {
				blk[i] = 0
			}
			bmapBlock = sb.BBlock(bno)
		}
		bi := bno % BPB
		blk[bi/8] |= 1 << (bi % 8)
	}
	if err := dev.WriteBlock(bmapBlock, blk); err != nil {
		return fmt.Errorf("mkfs: %w", err)
	}

	log.Printf("xv6fs: mkfs %s", sb.String())
	return nil
}
