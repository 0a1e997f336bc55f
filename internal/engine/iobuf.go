package engine

import "sync"

// readBufPool caches MTU-sized buffers for the TUN read loop, adapted from
// the teacher's bufferPool/CopyWithBuffer pattern in internal/tunnel — here
// a pool makes sense because every packet is copied out of the scratch
// buffer before being handed to a goroutine anyway.
var readBufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, mtu)
		return &buf
	},
}

func getReadBuf() *[]byte { return readBufPool.Get().(*[]byte) }

func putReadBuf(buf *[]byte) { readBufPool.Put(buf) }
