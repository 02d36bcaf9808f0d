package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// maxPooledBuffer keeps one huge command output from pinning memory.
const maxPooledBuffer = 1 << 20

// BufferPool recycles byte buffers used to capture command output.
type BufferPool struct {
	pool sync.Pool
	gets atomic.Int64
	news atomic.Int64
}

// NewBufferPool creates an empty BufferPool.
func NewBufferPool() *BufferPool {
	p := &BufferPool{}
	p.pool.New = func() any {
		p.news.Add(1)
		return new(bytes.Buffer)
	}
	return p
}

// Get returns an empty buffer.
func (p *BufferPool) Get() *bytes.Buffer {
	p.gets.Add(1)
	return p.pool.Get().(*bytes.Buffer)
}

// Put resets buf and returns it to the pool.
func (p *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxPooledBuffer {
		return
	}
	buf.Reset()
	p.pool.Put(buf)
}

// HitRate is the share of Get calls served without allocating.
func (p *BufferPool) HitRate() float64 {
	gets := p.gets.Load()
	if gets == 0 {
		return 0
	}
	return float64(gets-p.news.Load()) / float64(gets)
}

// Buffers is the process-wide output buffer pool.
var Buffers = NewBufferPool()
