package xv6fs_test

import (
	"bytes"
	"errors"
	"io/fs"
	"testing"

	"github.com/KarpelesLab/xv6fs"
)

func TestDumpRestore(t *testing.T) {
	for _, comp := range []xv6fs.Compression{xv6fs.Zstd, xv6fs.Xz} {
		t.Run(comp.String(), func(t *testing.T) {
			x, dev := newTestFS(t)
			if err := x.WriteFile("hello", []byte("archive me")); err != nil {
				t.Fatalf("writefile: %s", err)
			}

			var arch bytes.Buffer
			if err := xv6fs.DumpImage(&arch, dev, comp); err != nil {
				t.Fatalf("dump: %s", err)
			}
			if arch.Len() >= xv6fs.DefaultSize*xv6fs.BSIZE {
				t.Errorf("archive is not smaller than the raw image")
			}

			img, err := xv6fs.RestoreImage(&arch)
			if err != nil {
				t.Fatalf("restore: %s", err)
			}
			if !bytes.Equal(img, dev.Bytes()) {
				t.Fatalf("restored image differs from the original")
			}

			// the restored image mounts and reads back
			rdev := xv6fs.NewMemDevice(uint32(len(img) / xv6fs.BSIZE))
			for bno := 0; bno*xv6fs.BSIZE < len(img); bno++ {
				rdev.WriteBlock(uint32(bno), img[bno*xv6fs.BSIZE:(bno+1)*xv6fs.BSIZE])
			}
			x2, err := xv6fs.Mount(rdev)
			if err != nil {
				t.Fatalf("mount restored: %s", err)
			}
			data, err := fs.ReadFile(x2, "hello")
			if err != nil || string(data) != "archive me" {
				t.Errorf("restored read got %q err=%v", data, err)
			}
		})
	}
}

func TestRestoreGarbage(t *testing.T) {
	_, err := xv6fs.RestoreImage(bytes.NewReader([]byte("not an archive at all")))
	if !errors.Is(err, xv6fs.ErrUnknownArchive) {
		t.Errorf("got %v, wanted ErrUnknownArchive", err)
	}
}

func TestCompressionString(t *testing.T) {
	if xv6fs.Zstd.String() != "zstd" || xv6fs.Xz.String() != "xz" {
		t.Errorf("unexpected names: %s %s", xv6fs.Zstd, xv6fs.Xz)
	}
	if xv6fs.Compression(9).String() == "" {
		t.Errorf("unknown compression has no name")
	}
}
