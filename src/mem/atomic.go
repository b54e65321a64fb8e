package mem

import "sync/atomic"

func atomicSet(p *int32, v int32) {
	atomic.StoreInt32(p, v)
}

func atomicAdd(p *int32, delta int32) int32 {
	return atomic.AddInt32(p, delta)
}
