package generic

import "sync"

type Pool[T any] struct {
	pool sync.Pool
}

func NewPool[T any](generate func() T) *Pool[T] {
	return &Pool[T]{
		pool: sync.Pool{
			New: func() any {
				return generate()
			},
		},
	}
}

func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(value T) {
	p.pool.Put(value)
}

// BufferPool recycles byte slices of a fixed capacity. Slices that grew past
// that capacity are dropped instead of pooled.
type BufferPool struct {
	size int
	pool *Pool[*[]byte]
}

func NewBufferPool(size int) *BufferPool {
	return &BufferPool{
		size: size,
		pool: NewPool(func() *[]byte {
			b := make([]byte, 0, size)
			return &b
		}),
	}
}

// Copy returns a pooled slice holding a copy of data.
func (p *BufferPool) Copy(data []byte) *[]byte {
	b := p.pool.Get()
	*b = append((*b)[:0], data...)
	return b
}

func (p *BufferPool) Put(b *[]byte) {
	if b == nil || cap(*b) > p.size {
		return
	}
	*b = (*b)[:0]
	p.pool.Put(b)
}
