package transfer

import "sync"

// bufferPool hands out fixed-size copy buffers. A buffer is owned by one
// copy until it is returned.
type bufferPool struct {
	pool sync.Pool
	size int
}

func newBufferPool(size int) *bufferPool {
	p := &bufferPool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

func (p *bufferPool) get() *[]byte {
	b := p.pool.Get().(*[]byte)
	if cap(*b) < p.size {
		nb := make([]byte, p.size)
		return &nb
	}
	*b = (*b)[:p.size]
	return b
}

func (p *bufferPool) put(b *[]byte) {
	if b == nil || cap(*b) < p.size {
		return
	}
	p.pool.Put(b)
}
