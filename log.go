package xv6fs

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"
)

// Log is the write-ahead redo log with group commit. A mutating caller
// brackets its work with Begin/End and registers every dirtied buffer
// with Write; when the last concurrent operation ends, the whole group
// is committed atomically:
//
//	writeLog   copy each registered buffer into its log data block
//	writeHead  write the header with n>0 — the commit point
//	install    write each buffer to its home location
//	writeHead  write the header with n=0
//
// A crash before the commit point recovers as "no transaction"; a crash
// at or after it is replayed forward at the next mount. Install writes
// are idempotent, so replaying twice is harmless.
type Log struct {
	mu    sync.Mutex
	space *sync.Cond // begin waiters, signaled when log space frees up

	dev   BlockDevice
	cache *BufCache

	start uint32 // block number of the log header
	size  int    // usable log data blocks

	outstanding int // operations currently inside a transaction
	committing  bool
	table       []logSlot // current uncommitted group, in registration order
}

// logSlot pairs a home block number with the pinned buffer carrying its
// new contents.
type logSlot struct {
	bno uint32
	buf *Buf
}

func newLog(dev BlockDevice, cache *BufCache, sb *Superblock) *Log {
	size := int(sb.Nlog) - 1 // minus the header block
	if size > LOGSIZE {
		size = LOGSIZE
	}
	if size < MAXOPBLOCKS {
		panic(fmt.Sprintf("log: %d data blocks cannot hold one operation", size))
	}
	l := &Log{
		dev:   dev,
		cache: cache,
		start: sb.Logstart,
		size:  size,
	}
	l.space = sync.NewCond(&l.mu)
	return l
}

// Begin reserves room for one operation, blocking while the log is
// oversubscribed or a commit is in flight.
func (l *Log) Begin() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if !l.committing && len(l.table)+(l.outstanding+1)*MAXOPBLOCKS <= l.size {
			l.outstanding++
			return
		}
		l.space.Wait()
	}
}

// Write registers a dirtied buffer with the current transaction and pins
// it in the cache. Registering the same block twice is a no-op: the table
// already holds the same handle, so later mutations through it are
// carried automatically (absorption).
//
// The caller still owns the buffer and releases it as usual; a typical
// sequence is Get, modify, log.Write, cache.Release.
func (l *Log) Write(b *Buf) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.outstanding < 1 {
		panic("log: write outside transaction")
	}
	if len(l.table) >= l.size {
		panic("log: transaction too big")
	}

	for _, s := range l.table {
		if s.bno == b.bno {
			return // absorption
		}
	}
	l.cache.Pin(b)
	l.table = append(l.table, logSlot{bno: b.bno, buf: b})
}

// End closes one operation. When it is the last outstanding one, the
// group is committed before End returns.
func (l *Log) End() {
	l.mu.Lock()
	if l.outstanding < 1 {
		l.mu.Unlock()
		panic("log: end without begin")
	}
	if l.committing {
		l.mu.Unlock()
		panic("log: end during commit")
	}
	l.outstanding--
	doCommit := l.outstanding == 0
	if doCommit {
		l.committing = true
	} else {
		// begin may admit another op with one fewer outstanding
		l.space.Broadcast()
	}
	l.mu.Unlock()

	if doCommit {
		// committing blocks all Begin/End, so the table is private here
		l.commit()
		l.mu.Lock()
		l.committing = false
		l.table = l.table[:0]
		l.space.Broadcast()
		l.mu.Unlock()
	}
}

func (l *Log) commit() {
	if len(l.table) == 0 {
		return
	}
	l.writeLog()
	l.writeHead(len(l.table)) // commit point
	l.installTrans()
	l.writeHead(0)
}

// writeLog copies each registered buffer into its log data block. The log
// region precedes every home block in the layout, so taking the log
// buffer before the home buffer is ascending block-number order.
func (l *Log) writeLog() {
	for i, s := range l.table {
		to, err := l.cache.Get(l.start + 1 + uint32(i))
		if err != nil {
			panic(fmt.Sprintf("log: commit read: %s", err))
		}
		s.buf.mu.Lock()
		to.CopyFrom(s.buf)
		s.buf.mu.Unlock()
		if err := to.write(); err != nil {
			panic(fmt.Sprintf("log: commit write: %s", err))
		}
		l.cache.Release(to)
	}
}

// writeHead writes the on-disk header naming n home blocks. With n>0 it
// is the atomic commit point; with n=0 it truncates the log.
func (l *Log) writeHead(n int) {
	hb, err := l.cache.Get(l.start)
	if err != nil {
		panic(fmt.Sprintf("log: head read: %s", err))
	}
	binary.LittleEndian.PutUint32(hb.data[0:], uint32(int32(n)))
	for i := 0; i < LOGSIZE; i++ {
		var bno uint32
		if i < n {
			bno = l.table[i].bno
		}
		binary.LittleEndian.PutUint32(hb.data[4+4*i:], bno)
	}
	if err := hb.write(); err != nil {
		panic(fmt.Sprintf("log: head write: %s", err))
	}
	l.cache.Release(hb)
}

// installTrans writes every registered buffer into its home location and
// unpins it, returning the buffer to normal cache life.
func (l *Log) installTrans() {
	for _, s := range l.table {
		s.buf.mu.Lock()
		err := s.buf.write()
		s.buf.mu.Unlock()
		if err != nil {
			panic(fmt.Sprintf("log: install block %d: %s", s.bno, err))
		}
		l.cache.Unpin(s.buf)
	}
}

// replayLog runs recovery against the raw device: if the on-disk header
// names n blocks, their log data is installed into the home locations and
// the header is cleared. It returns how many blocks were replayed.
// Mount calls this before any cache traffic exists.
func replayLog(dev BlockDevice, logstart uint32) (int, error) {
	head := make([]byte, BSIZE)
	if err := dev.ReadBlock(logstart, head); err != nil {
		return 0, fmt.Errorf("log recovery: %w", err)
	}
	n := int(int32(binary.LittleEndian.Uint32(head)))
	if n < 0 || n > LOGSIZE {
		panic(fmt.Sprintf("log recovery: corrupt header n=%d", n))
	}
	if n == 0 {
		return 0, nil
	}

	log.Printf("xv6fs: replaying %d committed blocks", n)
	data := make([]byte, BSIZE)
	for i := 0; i < n; i++ {
		home := binary.LittleEndian.Uint32(head[4+4*i:])
		if err := dev.ReadBlock(logstart+1+uint32(i), data); err != nil {
			return 0, fmt.Errorf("log recovery: %w", err)
		}
		if err := dev.WriteBlock(home, data); err != nil {
			panic(fmt.Sprintf("log recovery: install block %d: %s", home, err))
		}
	}

	binary.LittleEndian.PutUint32(head, 0)
	if err := dev.WriteBlock(logstart, head); err != nil {
		panic(fmt.Sprintf("log recovery: truncate: %s", err))
	}
	return n, nil
}
