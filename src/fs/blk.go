// Package fs implements the block cache and the inode
// cache/superblock/VFS layer built on top of it.
package fs

import (
	"container/list"
	"fmt"
	"sync"

	"bounds"
	"defs"
	"fdops"
	"hashtable"
	"mem"
	"res"
	"stats"
	"waitq"
	"workq"
)

/// BSIZE is the size of a disk block in bytes; chosen equal to the page
/// size so a block's backing memory is exactly one mem.Page_t.
const BSIZE = mem.PGSIZE

/// Blkflags_t is a block's state-flag bitmask.
type Blkflags_t uint32

const (
	B_VALID  Blkflags_t = 1 << iota /// mirrors disk
	B_DIRTY                         /// modified since read
	B_LOCKED                        /// in use by exactly one holder
)

/// BLOCK_CACHE_MAX_SIZE bounds the global block cache; once past, a
/// shrink pass runs.
const BLOCK_CACHE_MAX_SIZE = 10000

/// BLOCK_CACHE_SHRINK_COUNT is how many LRU-tail entries a shrink pass
/// removes at a time.
const BLOCK_CACHE_SHRINK_COUNT = 100

/// Disk_i is the whole-device abstraction a BlockDev_t is backed by.
/// SyncBlock is expected to call done(b) asynchronously once the I/O
/// completes (possibly synchronously, for an in-memory disk); the caller
/// holds b locked until done fires.
type Disk_i interface {
	SyncBlock(b *Block_t, done func(*Block_t))
	Stats() string
}

/// BlockDev_t is a named block device identified by (major, minor).
/// Anonymous devices (no real backing disk, used by
/// in-memory file systems) get their minor from anonMinors.
type BlockDev_t struct {
	Major, Minor int
	BlockSize    int
	Disk         Disk_i // nil for purely anonymous devices with no I/O
	refcnt       int32
}

var anonMinors struct {
	mu   sync.Mutex
	next int
}

/// NewAnonDev allocates a block device with a unique minor and no real
/// disk, used by in-memory file systems.
func NewAnonDev() *BlockDev_t {
	anonMinors.mu.Lock()
	m := anonMinors.next
	anonMinors.next++
	anonMinors.mu.Unlock()
	return &BlockDev_t{Major: 0, Minor: m, BlockSize: BSIZE}
}

/// Open increments the device's open-refcount.
func (bd *BlockDev_t) Open() { bd.refcnt++ }

/// Close decrements the device's open-refcount.
func (bd *BlockDev_t) Close() { bd.refcnt-- }

/// Block_t is a cached sector-aligned buffer, addressed by
/// (bdev, sector).
type Block_t struct {
	mu    sync.Mutex // the flags lock
	flagq waitq.Queue_t

	Bdev   *BlockDev_t
	Sector int
	Data   []byte // len == BSIZE

	flags  Blkflags_t
	refcnt int32

	lruElem *list.Element
	devElem *list.Element
}

type cacheKey struct {
	major, minor, sector int
}

func (k cacheKey) String() string {
	return fmt.Sprintf("%d:%d:%d", k.major, k.minor, k.sector)
}

/// Bcstats counts block-cache traffic, surfaced through the /proc
/// statistics view.
var Bcstats struct {
	Hits   stats.Counter_t
	Misses stats.Counter_t
	Evicts stats.Counter_t
}

var blkcache = struct {
	mu    sync.Mutex
	table *hashtable.Hashtable_t
	lru   *list.List // front = most recently used
	size  int
}{table: hashtable.MkHash(256), lru: list.New()}

func keyFor(bd *BlockDev_t, sector int) string {
	return cacheKey{bd.Major, bd.Minor, sector}.String()
}

/// Block_get implements block_get: look up (bdev, sector); on
/// miss, allocate a zeroed block and insert it into the cache. The
/// returned block has refcnt+1 and is not locked.
func Block_get(bd *BlockDev_t, sector int) *Block_t {
	k := keyFor(bd, sector)
	blkcache.mu.Lock()
	if v, ok := blkcache.table.Get(k); ok {
		b := v.(*Block_t)
		b.refcnt++
		blkcache.lru.MoveToFront(b.lruElem)
		blkcache.mu.Unlock()
		Bcstats.Hits.Inc()
		return b
	}
	Bcstats.Misses.Inc()
	b := &Block_t{Bdev: bd, Sector: sector, Data: make([]byte, BSIZE), refcnt: 1}
	blkcache.table.Set(k, b)
	b.lruElem = blkcache.lru.PushFront(b)
	blkcache.size++
	shrink := blkcache.size > BLOCK_CACHE_MAX_SIZE
	blkcache.mu.Unlock()
	if shrink {
		blockCacheShrink()
	}
	return b
}

/// Block_getlock is block_get followed by block_lock.
func Block_getlock(bd *BlockDev_t, sector int) *Block_t {
	b := Block_get(bd, sector)
	Block_lock(b)
	return b
}

/// Block_lock waits for B_LOCKED to clear and then sets it. A
/// locked block may be unconditionally read by its locker and may
/// set/clear B_VALID/B_DIRTY.
func Block_lock(b *Block_t) {
	for {
		b.mu.Lock()
		if b.flags&B_LOCKED == 0 {
			b.flags |= B_LOCKED
			b.mu.Unlock()
			return
		}
		ch := make(chan struct{})
		w := workq.NewWake(func() { closeOnce(ch) })
		tok := b.flagq.Register(w)
		b.mu.Unlock()
		<-ch
		tok.Unregister()
	}
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

/// Block_unlock clears B_LOCKED and wakes waiters.
func Block_unlock(b *Block_t) {
	b.mu.Lock()
	b.flags &^= B_LOCKED
	b.mu.Unlock()
	b.flagq.Wakeall()
}

/// Block_mark_dirty sets B_DIRTY. Caller must hold the block locked.
func Block_mark_dirty(b *Block_t) {
	b.mu.Lock()
	b.flags |= B_DIRTY
	b.mu.Unlock()
}

/// Needread reports, for the block's locker, whether the data must
/// still be read from the device; drivers use it to pick the transfer
/// direction in SyncBlock. A dirty block is always written: its locker
/// filled the data, so there is nothing left to read under it.
func (b *Block_t) Needread() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flags&B_VALID == 0 && b.flags&B_DIRTY == 0
}

/// Block_submit implements block_submit: requires the block be
/// locked. If the block is not valid or is dirty, asynchronously syncs
/// it via the device (which unlocks the block when I/O completes);
/// otherwise unlocks immediately.
func Block_submit(b *Block_t) {
	b.mu.Lock()
	needsIO := b.flags&B_VALID == 0 || b.flags&B_DIRTY != 0
	b.mu.Unlock()
	if !needsIO {
		Block_unlock(b)
		return
	}
	if b.Bdev.Disk == nil {
		// anonymous in-memory device: there is no backing store, so the
		// data the locker wrote IS the durable copy.
		b.mu.Lock()
		b.flags |= B_VALID
		b.flags &^= B_DIRTY
		b.mu.Unlock()
		Block_unlock(b)
		return
	}
	b.Bdev.Disk.SyncBlock(b, func(bb *Block_t) {
		bb.mu.Lock()
		bb.flags |= B_VALID
		bb.flags &^= B_DIRTY
		bb.mu.Unlock()
		Block_unlock(bb)
	})
}

/// Block_wait_for_sync waits until the block is VALID and not DIRTY.
func Block_wait_for_sync(b *Block_t) {
	for {
		b.mu.Lock()
		if b.flags&B_VALID != 0 && b.flags&B_DIRTY == 0 {
			b.mu.Unlock()
			return
		}
		ch := make(chan struct{})
		w := workq.NewWake(func() { closeOnce(ch) })
		tok := b.flagq.Register(w)
		b.mu.Unlock()
		<-ch
		tok.Unregister()
	}
}

/// Block_put decrements refs; the block stays cached until evicted.
func Block_put(b *Block_t) {
	blkcache.mu.Lock()
	b.refcnt--
	blkcache.mu.Unlock()
}

/// Block_unlockput unlocks and puts b in one call, the common pattern
/// after a read-modify-write.
func Block_unlockput(b *Block_t) {
	Block_unlock(b)
	Block_put(b)
}

/// Block_cache_shrink sheds unreferenced, unlocked cache entries; the
/// reclaim path calls it under memory pressure.
func Block_cache_shrink() {
	blockCacheShrink()
}

// blockCacheShrink removes up to BLOCK_CACHE_SHRINK_COUNT entries from
// the LRU tail that are unlocked and unreferenced; a block may be
// deleted only when unlocked and unreferenced.
func blockCacheShrink() {
	blkcache.mu.Lock()
	defer blkcache.mu.Unlock()
	removed := 0
	e := blkcache.lru.Back()
	for e != nil && removed < BLOCK_CACHE_SHRINK_COUNT {
		prev := e.Prev()
		b := e.Value.(*Block_t)
		b.mu.Lock()
		evictable := b.refcnt == 0 && b.flags&B_LOCKED == 0 && b.flagq.Empty()
		b.mu.Unlock()
		if evictable {
			blkcache.table.Del(keyFor(b.Bdev, b.Sector))
			blkcache.lru.Remove(e)
			blkcache.size--
			removed++
			Bcstats.Evicts.Inc()
		}
		e = prev
	}
}

/// Block_sync_all implements block_sync_all(wait): locks every
/// dirty block, submits it, and (if wait) awaits completion.
func Block_sync_all(wait bool) {
	blkcache.mu.Lock()
	var dirty []*Block_t
	for e := blkcache.lru.Front(); e != nil; e = e.Next() {
		b := e.Value.(*Block_t)
		b.mu.Lock()
		if b.flags&B_DIRTY != 0 {
			dirty = append(dirty, b)
		}
		b.mu.Unlock()
	}
	blkcache.mu.Unlock()

	for _, b := range dirty {
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_FSCORE_T_BLOCK_SYNC_ALL)) {
			break
		}
		Block_lock(b)
		Block_submit(b)
		if wait {
			Block_wait_for_sync(b)
		}
	}
}

/// Block_dev_sync writes out every dirty cached block of bd and waits.
func Block_dev_sync(bd *BlockDev_t) {
	blkcache.mu.Lock()
	var dirty []*Block_t
	for e := blkcache.lru.Front(); e != nil; e = e.Next() {
		b := e.Value.(*Block_t)
		if b.Bdev != bd {
			continue
		}
		b.mu.Lock()
		if b.flags&B_DIRTY != 0 {
			dirty = append(dirty, b)
		}
		b.mu.Unlock()
	}
	blkcache.mu.Unlock()
	for _, b := range dirty {
		Block_lock(b)
		Block_submit(b)
		Block_wait_for_sync(b)
	}
}

/// Block_dev_clear drops every cached block belonging to bd, used by
/// tests to force the next Block_getlock to re-read from the device.
func Block_dev_clear(bd *BlockDev_t) {
	blkcache.mu.Lock()
	defer blkcache.mu.Unlock()
	var next *list.Element
	for e := blkcache.lru.Front(); e != nil; e = next {
		next = e.Next()
		b := e.Value.(*Block_t)
		if b.Bdev == bd {
			blkcache.table.Del(keyFor(bd, b.Sector))
			blkcache.lru.Remove(e)
			blkcache.size--
		}
	}
}

/// BlockFile_t exposes a block device as a seekable byte stream:
/// reads and writes translate an offset to (sector, offset-in-block)
/// and copy across block boundaries a block at a time.
type BlockFile_t struct {
	Bdev *BlockDev_t
	off  int
}

func (bf *BlockFile_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	n, err := bf.Pread(dst, bf.off)
	bf.off += n
	return n, err
}

func (bf *BlockFile_t) Pread(dst fdops.Userio_i, offset int) (int, defs.Err_t) {
	total := 0
	for dst.Remain() > 0 {
		sector := offset / BSIZE
		soff := offset % BSIZE
		b := Block_getlock(bf.Bdev, sector)
		n := BSIZE - soff
		if n > dst.Remain() {
			n = dst.Remain()
		}
		wrote, err := dst.Uiowrite(b.Data[soff : soff+n])
		Block_unlockput(b)
		if err != 0 {
			return total, err
		}
		total += wrote
		offset += wrote
		if wrote == 0 {
			break
		}
	}
	return total, 0
}

func (bf *BlockFile_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	total := 0
	for src.Remain() > 0 {
		sector := bf.off / BSIZE
		soff := bf.off % BSIZE
		b := Block_getlock(bf.Bdev, sector)
		n := BSIZE - soff
		if n > src.Remain() {
			n = src.Remain()
		}
		read, err := src.Uioread(b.Data[soff : soff+n])
		if read > 0 {
			Block_mark_dirty(b)
		}
		Block_submit(b)
		Block_put(b)
		if err != 0 {
			return total, err
		}
		total += read
		bf.off += read
		if read == 0 {
			break
		}
	}
	return total, 0
}

func (bf *BlockFile_t) Lseek(off int, whence int) (int, defs.Err_t) {
	switch whence {
	case defs.SEEK_SET:
		bf.off = off
	case defs.SEEK_CUR:
		bf.off += off
	default:
		return 0, -defs.EINVAL
	}
	return bf.off, 0
}

func (bf *BlockFile_t) Close() defs.Err_t {
	bf.Bdev.Close()
	return 0
}

func (bf *BlockFile_t) Reopen() defs.Err_t {
	bf.Bdev.Open()
	return 0
}

func (bf *BlockFile_t) Fstat(dst fdops.StatDst_i) defs.Err_t {
	dst.Wmode(0660)
	dst.Wrdev(defs.Mkdev(bf.Bdev.Major, bf.Bdev.Minor))
	return 0
}

func (bf *BlockFile_t) Readdir(dst fdops.Userio_i) (int, defs.Err_t) {
	return 0, -defs.ENOTDIR
}

func (bf *BlockFile_t) Ioctl(cmd, arg int) (int, defs.Err_t) {
	return 0, -defs.EINVAL
}

func (bf *BlockFile_t) Poll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	return pm.Events & (fdops.POLLIN | fdops.POLLOUT), 0
}
