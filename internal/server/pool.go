package server

import "sync"

// MaxDatagramSize is the largest UDP datagram the relay reads.
const MaxDatagramSize = 65535

// bufferPool hands out fixed-size byte slices.
type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

func (p *bufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *bufferPool) Put(b *[]byte) {
	if cap(*b) < p.size {
		return
	}
	*b = (*b)[:p.size]
	p.pool.Put(b)
}

var datagramPool = newBufferPool(MaxDatagramSize)

// GetDatagramBuffer returns a MaxDatagramSize buffer from the pool shared with
// AssociateUDPConn. Return it with PutDatagramBuffer.
func GetDatagramBuffer() *[]byte { return datagramPool.Get() }

func PutDatagramBuffer(b *[]byte) { datagramPool.Put(b) }
