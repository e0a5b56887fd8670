package bytespool

import (
	"sync"
)

type (
	poolInfo struct {
		sz int
		p  *sync.Pool
	}
)

func newPoolInfo(sz int) *poolInfo {
	return &poolInfo{
		sz: sz,
		p: &sync.Pool{New: func() interface{} {
			return make([]byte, 0, sz)
		}},
	}
}

// Size classes follow frame shapes: headers and control payloads at the
// small end, data payloads up to the default frame size limit at the top.
var pools []*poolInfo

func init() {
	for sz := 16; sz <= 16*1024; sz *= 2 {
		pools = append(pools, newPoolInfo(sz))
	}
	// 64KB as the increment unit beyond buffered frame sizes
	for i := 1; i <= 16; i++ {
		pools = append(pools, newPoolInfo(i*64*1024))
	}
}

// Alloc alloc sz bytes.
func Alloc(sz int) []byte {
	if sz <= 0 {
		return nil
	}

	for _, pi := range pools {
		if sz <= pi.sz {
			// to requested size.
			return pi.p.Get().([]byte)[:sz]
		}
	}
	return make([]byte, sz)
}

// Free return bytes for future reuse.
func Free(p []byte) {
	sz := cap(p)
	if sz <= 0 {
		return
	}
	for _, pi := range pools {
		if sz == pi.sz {
			pi.p.Put(p[:0])
			return
		}
	}
}
