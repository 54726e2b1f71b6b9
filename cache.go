package xv6fs

import (
	"fmt"
	"sync"
)

// BufCache is the identity map from block number to in-memory buffer.
// There is at most one live Buf per block number; the table mutex is held
// only for lookup and insert, never across device I/O.
//
// Eviction is by reference count: a buffer with refcnt 0 is collectable,
// and gets dropped when the table is full and a miss needs a slot. A
// buffer registered with the log keeps a reference for the whole
// transaction, so dirty buffers never leave the cache before install.
type BufCache struct {
	mu   sync.Mutex
	dev  BlockDevice
	nbuf int
	bufs map[uint32]*Buf
}

// NewBufCache creates a cache over dev holding up to nbuf buffers.
func NewBufCache(dev BlockDevice, nbuf int) *BufCache {
	if nbuf <= 0 {
		nbuf = NBUF
	}
	return &BufCache{
		dev:  dev,
		nbuf: nbuf,
		bufs: make(map[uint32]*Buf, nbuf),
	}
}

// Get returns the buffer for bno with its lock held and its contents
// read in. The caller has exclusive access to the bytes until Release.
func (c *BufCache) Get(bno uint32) (*Buf, error) {
	b := c.bget(bno)

	b.mu.Lock()
	if !b.valid {
		if err := c.dev.ReadBlock(bno, b.data[:]); err != nil {
			// never cache a partially-read buffer as valid
			b.mu.Unlock()
			c.drop(b)
			return nil, fmt.Errorf("read block %d: %w", bno, err)
		}
		b.valid = true
	}
	return b, nil
}

// bget looks up or inserts the buffer for bno and takes a reference.
func (c *BufCache) bget(bno uint32) *Buf {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.bufs[bno]; ok {
		b.refcnt++
		return b
	}

	if len(c.bufs) >= c.nbuf {
		c.evictLocked()
	}

	b := &Buf{dev: c.dev, bno: bno, refcnt: 1}
	c.bufs[bno] = b
	return b
}

// evictLocked removes one unreferenced buffer. Pinned (dirty) buffers
// hold a reference from the log and are never candidates; when every
// buffer is referenced the table simply grows past nbuf.
func (c *BufCache) evictLocked() {
	for bno, b := range c.bufs {
		if b.refcnt == 0 {
			delete(c.bufs, bno)
			return
		}
	}
}

// Release unlocks the buffer and drops the caller's reference.
func (c *BufCache) Release(b *Buf) {
	b.mu.Unlock()
	c.drop(b)
}

// Pin takes an extra reference on b so it survives Release. The log pins
// every buffer it registers until the transaction is installed.
func (c *BufCache) Pin(b *Buf) {
	c.mu.Lock()
	b.refcnt++
	c.mu.Unlock()
}

// Unpin drops a reference taken with Pin.
func (c *BufCache) Unpin(b *Buf) {
	c.drop(b)
}

func (c *BufCache) drop(b *Buf) {
	c.mu.Lock()
	b.refcnt--
	if b.refcnt < 0 {
		c.mu.Unlock()
		panic(fmt.Sprintf("bufcache: refcnt below zero for block %d", b.bno))
	}
	c.mu.Unlock()
}

// live returns the number of table entries, for tests.
func (c *BufCache) live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bufs)
}
