package xv6fs

import (
	"fmt"
	"os"
	"sync"
)

// BlockDevice is a fixed-size array of BSIZE-byte blocks with synchronous,
// block-granular access. Implementations must be safe for concurrent use;
// the block cache above is the only caching layer.
type BlockDevice interface {
	// ReadBlock fills buf (len BSIZE) with the raw bytes of block bno.
	ReadBlock(bno uint32, buf []byte) error
	// WriteBlock durably replaces the bytes of block bno with buf.
	WriteBlock(bno uint32, buf []byte) error
}

// FileDevice backs a block device by an image file.
type FileDevice struct {
	f    *os.File
	sync bool // fsync after every write
}

// OpenDevice opens an image file as a block device. When syncWrites is
// true every WriteBlock is followed by an fsync, which the log's commit
// protocol relies on for durability ordering.
func OpenDevice(path string, syncWrites bool) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &FileDevice{f: f, sync: syncWrites}, nil
}

func (d *FileDevice) ReadBlock(bno uint32, buf []byte) error {
	if len(buf) != BSIZE {
		return fmt.Errorf("read block %d: short buffer", bno)
	}
	_, err := d.f.ReadAt(buf, int64(bno)*BSIZE)
	return err
}

func (d *FileDevice) WriteBlock(bno uint32, buf []byte) error {
	if len(buf) != BSIZE {
		return fmt.Errorf("write block %d: short buffer", bno)
	}
	if _, err := d.f.WriteAt(buf, int64(bno)*BSIZE); err != nil {
		return err
	}
	if d.sync {
		return datasync(d.f)
	}
	return nil
}

// Close closes the underlying image file.
func (d *FileDevice) Close() error {
	return d.f.Close()
}

// MemDevice is a RAM-backed block device used by tests and by the mkfs
// command, which builds a new image in memory.
type MemDevice struct {
	mu   sync.Mutex
	data []byte
}

// NewMemDevice returns a zeroed in-memory device of nblocks blocks.
func NewMemDevice(nblocks uint32) *MemDevice {
	return &MemDevice{data: make([]byte, int(nblocks)*BSIZE)}
}

func (d *MemDevice) ReadBlock(bno uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := int(bno) * BSIZE
	if off+BSIZE > len(d.data) {
		return fmt.Errorf("read block %d: beyond device end", bno)
	}
	copy(buf, d.data[off:off+BSIZE])
	return nil
}

func (d *MemDevice) WriteBlock(bno uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := int(bno) * BSIZE
	if off+BSIZE > len(d.data) {
		return fmt.Errorf("write block %d: beyond device end", bno)
	}
	copy(d.data[off:off+BSIZE], buf)
	return nil
}

// Blocks returns the device size in blocks.
func (d *MemDevice) Blocks() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint32(len(d.data) / BSIZE)
}

// Bytes returns a copy of the raw image contents.
func (d *MemDevice) Bytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(d.data))
	copy(cp, d.data)
	return cp
}

// Snapshot returns an independent copy of the device contents, so a test
// can fork the state a crash would have left behind.
func (d *MemDevice) Snapshot() *MemDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(d.data))
	copy(cp, d.data)
	return &MemDevice{data: cp}
}
