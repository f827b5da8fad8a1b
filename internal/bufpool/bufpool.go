// Package bufpool is a pool of []byte arenas sized in powers of 2. Result
// payloads copy row data out of the wire codec's reusable read buffer into
// arenas taken from here, and return them when the payload is released.
package bufpool

import "sync"

const (
	minPoolBufCap = 1 << 8  // 256
	maxPoolBufCap = 1 << 22 // 4 MiB
)

var pools [15]*sync.Pool

func init() {
	for i := range pools {
		bufCap := minPoolBufCap << i
		pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, 0, bufCap)
				return &buf
			},
		}
	}
}

// Get returns a zero-length buffer with capacity of at least size. Buffers
// larger than maxPoolBufCap are allocated directly and never pooled.
func Get(size int) *[]byte {
	i, _ := poolIdx(size)
	if i < 0 {
		buf := make([]byte, 0, size)
		return &buf
	}
	buf := pools[i].Get().(*[]byte)
	*buf = (*buf)[:0]
	return buf
}

// Put returns buf to its pool. Buffers that did not come from a pool are
// dropped for the garbage collector.
func Put(buf *[]byte) {
	i, bufCap := poolIdx(cap(*buf))
	if i < 0 || cap(*buf) != bufCap {
		return
	}
	pools[i].Put(buf)
}

func poolIdx(size int) (int, int) {
	bufCap := minPoolBufCap
	for i := 0; i < len(pools); i++ {
		if size <= bufCap {
			return i, bufCap
		}
		bufCap <<= 1
	}
	return -1, 0
}
