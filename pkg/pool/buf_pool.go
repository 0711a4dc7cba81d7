package pool

import (
	"bytes"
	"sync"
)

// Buffers larger than this are dropped instead of pooled so that one
// huge response does not pin its memory.
const maxPooledBuf = 4 << 20

var bufPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// GetBuf returns an empty buffer from the pool.
// The caller MUST call ReleaseBuf after use.
func GetBuf() *bytes.Buffer {
	return bufPool.Get().(*bytes.Buffer)
}

// ReleaseBuf returns b to the pool.
// After calling ReleaseBuf, the caller MUST NOT access b or any slice of it.
func ReleaseBuf(b *bytes.Buffer) {
	if b.Cap() > maxPooledBuf {
		return
	}
	b.Reset()
	bufPool.Put(b)
}
