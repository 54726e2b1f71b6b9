package xv6fs_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/KarpelesLab/xv6fs"
)

func TestMemDevice(t *testing.T) {
	dev := xv6fs.NewMemDevice(8)

	in := bytes.Repeat([]byte{0xAA}, xv6fs.BSIZE)
	if err := dev.WriteBlock(3, in); err != nil {
		t.Fatalf("write: %s", err)
	}
	out := make([]byte, xv6fs.BSIZE)
	if err := dev.ReadBlock(3, out); err != nil {
		t.Fatalf("read: %s", err)
	}
	if !bytes.Equal(in, out) {
		t.Errorf("read back different bytes")
	}

	if err := dev.ReadBlock(8, out); err == nil {
		t.Errorf("read beyond device end should fail")
	}
	if err := dev.WriteBlock(9, in); err == nil {
		t.Errorf("write beyond device end should fail")
	}
}

func TestMemDeviceSnapshot(t *testing.T) {
	dev := xv6fs.NewMemDevice(4)
	in := bytes.Repeat([]byte{0x11}, xv6fs.BSIZE)
	dev.WriteBlock(0, in)

	snap := dev.Snapshot()
	dev.WriteBlock(0, make([]byte, xv6fs.BSIZE))

	out := make([]byte, xv6fs.BSIZE)
	snap.ReadBlock(0, out)
	if !bytes.Equal(in, out) {
		t.Errorf("snapshot changed with the original device")
	}
}

func TestFileDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, 16*xv6fs.BSIZE), 0644); err != nil {
		t.Fatalf("create image: %s", err)
	}

	dev, err := xv6fs.OpenDevice(path, true)
	if err != nil {
		t.Fatalf("open device: %s", err)
	}
	defer dev.Close()

	in := bytes.Repeat([]byte{0x42}, xv6fs.BSIZE)
	if err := dev.WriteBlock(5, in); err != nil {
		t.Fatalf("write: %s", err)
	}
	out := make([]byte, xv6fs.BSIZE)
	if err := dev.ReadBlock(5, out); err != nil {
		t.Fatalf("read: %s", err)
	}
	if !bytes.Equal(in, out) {
		t.Errorf("read back different bytes")
	}

	if err := dev.WriteBlock(5, in[:10]); err == nil {
		t.Errorf("short buffer should be rejected")
	}
}
