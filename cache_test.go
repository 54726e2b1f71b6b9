package xv6fs_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/KarpelesLab/xv6fs"
)

func TestCacheIdentity(t *testing.T) {
	dev := xv6fs.NewMemDevice(16)
	cache := xv6fs.NewBufCache(dev, 8)

	b1, err := cache.Get(3)
	if err != nil {
		t.Fatalf("get: %s", err)
	}
	cache.Release(b1)

	b2, err := cache.Get(3)
	if err != nil {
		t.Fatalf("get: %s", err)
	}
	cache.Release(b2)

	// at most one live buffer per block number
	if b1 != b2 {
		t.Errorf("got a second buffer for the same block")
	}
	if b1.Bno() != 3 {
		t.Errorf("buffer reports block %d, wanted 3", b1.Bno())
	}
}

func TestCacheEviction(t *testing.T) {
	dev := xv6fs.NewMemDevice(16)
	cache := xv6fs.NewBufCache(dev, 4)

	// cache block 0, then let it go
	b0, err := cache.Get(0)
	if err != nil {
		t.Fatalf("get: %s", err)
	}
	cache.Release(b0)

	// pin three more blocks so block 0 is the only eviction candidate
	var held []*xv6fs.Buf
	for bno := uint32(1); bno <= 3; bno++ {
		b, err := cache.Get(bno)
		if err != nil {
			t.Fatalf("get %d: %s", bno, err)
		}
		held = append(held, b)
	}

	// mutate block 0 behind the cache's back, then force an eviction
	dev.WriteBlock(0, bytes.Repeat([]byte{0x77}, xv6fs.BSIZE))
	b4, err := cache.Get(4)
	if err != nil {
		t.Fatalf("get 4: %s", err)
	}
	cache.Release(b4)
	for _, b := range held {
		cache.Release(b)
	}

	nb, err := cache.Get(0)
	if err != nil {
		t.Fatalf("get 0 again: %s", err)
	}
	defer cache.Release(nb)
	if nb.Data()[0] != 0x77 {
		t.Errorf("block 0 served from cache after eviction, wanted a fresh device read")
	}
}

func TestCacheReadErrorNotCached(t *testing.T) {
	dev := newFlakyDevice(xv6fs.NewMemDevice(16))
	cache := xv6fs.NewBufCache(dev, 8)

	boom := errors.New("sector unreadable")
	dev.failRead(7, boom)
	if _, err := cache.Get(7); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}

	// once the device heals, the cache must read fresh content instead of
	// serving a half-read buffer
	dev.failRead(7, nil)
	dev.WriteBlock(7, bytes.Repeat([]byte{0x55}, xv6fs.BSIZE))
	b, err := cache.Get(7)
	if err != nil {
		t.Fatalf("get after heal: %s", err)
	}
	defer cache.Release(b)
	if b.Data()[0] != 0x55 {
		t.Errorf("cache kept an invalid buffer across a failed read")
	}
}

func TestBufViews(t *testing.T) {
	dev := xv6fs.NewMemDevice(4)
	cache := xv6fs.NewBufCache(dev, 4)

	b, err := cache.Get(1)
	if err != nil {
		t.Fatalf("get: %s", err)
	}
	defer cache.Release(b)

	b.PutU32(8, 0xDEADBEEF)
	if v := b.U32(8); v != 0xDEADBEEF {
		t.Errorf("u32 view read back %#x", v)
	}

	// little-endian on the wire
	if b.Data()[8] != 0xEF || b.Data()[11] != 0xDE {
		t.Errorf("u32 not stored little-endian: % x", b.Data()[8:12])
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("out-of-block access did not panic")
			}
		}()
		b.U32(xv6fs.BSIZE - 2)
	}()
}
