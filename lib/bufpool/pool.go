// Package bufpool implements a pool of reusable byte buffers sized for
// FTP data-channel transfers, with an optional mmap-backed allocator so
// large LIST/RETR buffers don't pressure the Go heap.
package bufpool

import (
	"sync"
	"time"

	"github.com/gvfsd/ftpfs/lib/mmap"
)

// Pool manages a free list of fixed-size byte slices.
type Pool struct {
	mu         sync.Mutex
	cache      []*pooledBuffer
	minBuffers int
	bufferSize int
	inUse      int
	alloced    int
	flushTime  time.Duration
	timer      *time.Timer

	alloc func(int) ([]byte, error)
	free  func([]byte) error
}

type pooledBuffer struct {
	buf      []byte
	lastUsed time.Time
}

// New creates a Pool of buffers of bufferSize bytes. minBuffers are kept
// warm even when idle for longer than flushTime. When useMmap is true,
// buffers are allocated with mmap instead of make([]byte, n).
func New(flushTime time.Duration, bufferSize, minBuffers int, useMmap bool) *Pool {
	bp := &Pool{
		bufferSize: bufferSize,
		minBuffers: minBuffers,
		flushTime:  flushTime,
	}
	if useMmap {
		bp.alloc = mmap.Alloc
		bp.free = mmap.Free
	} else {
		bp.alloc = func(size int) ([]byte, error) { return make([]byte, size), nil }
		bp.free = func([]byte) error { return nil }
	}
	if flushTime > 0 {
		bp.timer = time.AfterFunc(flushTime, bp.flush)
	}
	return bp
}

// Get returns a buffer of Pool's bufferSize, either recycled or freshly
// allocated.
func (bp *Pool) Get() []byte {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	var buf []byte
	if n := len(bp.cache); n > 0 {
		entry := bp.cache[n-1]
		bp.cache = bp.cache[:n-1]
		buf = entry.buf
	} else {
		for {
			b, err := bp.alloc(bp.bufferSize)
			if err == nil {
				buf = b
				break
			}
			// Transient allocation failure (e.g. mmap under memory
			// pressure): back off briefly and retry rather than fail
			// a transfer outright.
			time.Sleep(time.Millisecond)
		}
		bp.alloced++
	}
	bp.inUse++
	return buf
}

// Put returns a buffer obtained from Get back to the pool.
func (bp *Pool) Put(buf []byte) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.cache = append(bp.cache, &pooledBuffer{buf: buf[:cap(buf)], lastUsed: time.Now()})
	bp.inUse--
	if bp.timer != nil {
		bp.timer.Reset(bp.flushTime)
	}
}

// flush frees buffers that have been idle for longer than flushTime,
// keeping at least minBuffers warm.
func (bp *Pool) flush() {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	cutoff := time.Now().Add(-bp.flushTime)
	for len(bp.cache) > bp.minBuffers {
		oldest := bp.cache[0]
		if oldest.lastUsed.After(cutoff) {
			break
		}
		_ = bp.free(oldest.buf)
		bp.alloced--
		bp.cache = bp.cache[1:]
	}
	if bp.timer != nil {
		bp.timer.Reset(bp.flushTime)
	}
}

// InUse returns the number of buffers currently checked out.
func (bp *Pool) InUse() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.inUse
}

// InPool returns the number of buffers currently idle in the free list.
func (bp *Pool) InPool() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.cache)
}

// Alloced returns the total number of buffers currently allocated
// (in use plus idle).
func (bp *Pool) Alloced() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.alloced
}
