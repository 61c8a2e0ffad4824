package fileserve

import "sync"

// fileReadChunk / throttledReadChunk are the two buffer shapes the engine
// actually allocates: 8 KiB file-state reads (spec.md §4.B "reads 8 KiB
// at a time") and a smaller throttled-state read. Grounded on
// alxayo-rtmp-go/internal/bufpool's fixed-size-class design, sized for
// this domain's two call sites instead of RTMP chunk sizes.
var bufSizeClasses = []int{4096, 8192}

type bufClassPool struct {
	size int
	pool *sync.Pool
}

// bufPool hands out reusable byte slices for file/socket reads, sized to
// the nearest predefined class.
type bufPool struct {
	pools []bufClassPool
}

var defaultBufPool = newBufPool()

// getBuf acquires a buffer from the package-level default pool.
func getBuf(size int) []byte { return defaultBufPool.get(size) }

// putBuf releases a buffer back to the package-level default pool.
func putBuf(buf []byte) { defaultBufPool.put(buf) }

func newBufPool() *bufPool {
	pools := make([]bufClassPool, len(bufSizeClasses))
	for i, size := range bufSizeClasses {
		size := size
		pools[i] = bufClassPool{
			size: size,
			pool: &sync.Pool{New: func() any { return make([]byte, size) }},
		}
	}
	return &bufPool{pools: pools}
}

func (p *bufPool) get(size int) []byte {
	if size <= 0 {
		return nil
	}
	for i := range p.pools {
		class := &p.pools[i]
		if size <= class.size {
			buf := class.pool.Get().([]byte)
			return buf[:size]
		}
	}
	return make([]byte, size)
}

func (p *bufPool) put(buf []byte) {
	if buf == nil {
		return
	}
	capBuf := cap(buf)
	for i := range p.pools {
		class := &p.pools[i]
		if capBuf == class.size {
			full := buf[:class.size]
			clear(full)
			class.pool.Put(full)
			return
		}
	}
}
