package xv6fs_test

import (
	"sync"
	"testing"

	"github.com/KarpelesLab/xv6fs"
)

// newTestFS formats a fresh in-memory device and mounts it.
func newTestFS(t *testing.T) (*xv6fs.FS, *xv6fs.MemDevice) {
	t.Helper()
	dev := xv6fs.NewMemDevice(xv6fs.DefaultSize)
	if err := xv6fs.Mkfs(dev); err != nil {
		t.Fatalf("mkfs failed: %s", err)
	}
	x, err := xv6fs.Mount(dev)
	if err != nil {
		t.Fatalf("mount failed: %s", err)
	}
	return x, dev
}

func readBlock(t *testing.T, dev xv6fs.BlockDevice, bno uint32) []byte {
	t.Helper()
	buf := make([]byte, xv6fs.BSIZE)
	if err := dev.ReadBlock(bno, buf); err != nil {
		t.Fatalf("read block %d: %s", bno, err)
	}
	return buf
}

// flakyDevice injects read errors for chosen blocks, to check that the
// cache never keeps a partially-read buffer.
type flakyDevice struct {
	*xv6fs.MemDevice

	mu     sync.Mutex
	failRd map[uint32]error
}

func newFlakyDevice(inner *xv6fs.MemDevice) *flakyDevice {
	return &flakyDevice{MemDevice: inner, failRd: make(map[uint32]error)}
}

func (d *flakyDevice) failRead(bno uint32, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failRd, bno)
	} else {
		d.failRd[bno] = err
	}
}

func (d *flakyDevice) ReadBlock(bno uint32, buf []byte) error {
	d.mu.Lock()
	err := d.failRd[bno]
	d.mu.Unlock()
	if err != nil {
		return err
	}
	return d.MemDevice.ReadBlock(bno, buf)
}

// cutoffDevice silently discards writes once armed past a budget,
// simulating power loss partway through a commit. Reads keep working so
// the in-memory side never notices.
type cutoffDevice struct {
	*xv6fs.MemDevice

	mu     sync.Mutex
	armed  bool
	budget int
}

func newCutoffDevice(inner *xv6fs.MemDevice) *cutoffDevice {
	return &cutoffDevice{MemDevice: inner}
}

// arm lets n more writes through, then drops the rest on the floor.
func (d *cutoffDevice) arm(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.armed = true
	d.budget = n
}

func (d *cutoffDevice) WriteBlock(bno uint32, buf []byte) error {
	d.mu.Lock()
	if d.armed {
		if d.budget == 0 {
			d.mu.Unlock()
			return nil // lost to the crash
		}
		d.budget--
	}
	d.mu.Unlock()
	return d.MemDevice.WriteBlock(bno, buf)
}

// headerSpy records every version of the log header written to disk, in
// order, so tests can observe the commit point from outside.
type headerSpy struct {
	*xv6fs.MemDevice

	logstart uint32
	mu       sync.Mutex
	heads    [][]byte
}

func newHeaderSpy(inner *xv6fs.MemDevice, logstart uint32) *headerSpy {
	return &headerSpy{MemDevice: inner, logstart: logstart}
}

func (d *headerSpy) WriteBlock(bno uint32, buf []byte) error {
	if bno == d.logstart {
		cp := make([]byte, len(buf))
		copy(cp, buf)
		d.mu.Lock()
		d.heads = append(d.heads, cp)
		d.mu.Unlock()
	}
	return d.MemDevice.WriteBlock(bno, buf)
}

func (d *headerSpy) headers() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.heads...)
}
