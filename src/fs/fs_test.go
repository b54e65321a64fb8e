package fs

import (
	"sync"
	"testing"

	"defs"
	"mem"
	"vm"
	"workq"
)

// testdisk is an in-memory Disk_i for exercising the block cache's
// sync contract: reads return the last synced bytes, writes capture
// them.
type testdisk struct {
	mu     sync.Mutex
	blocks map[int][]byte
}

func mktestdisk() *testdisk {
	return &testdisk{blocks: make(map[int][]byte)}
}

func (d *testdisk) SyncBlock(b *Block_t, done func(*Block_t)) {
	w := workq.NewQueued(func() {
		d.mu.Lock()
		if b.Needread() {
			if data, ok := d.blocks[b.Sector]; ok {
				copy(b.Data, data)
			} else {
				for i := range b.Data {
					b.Data[i] = 0
				}
			}
		} else {
			data := make([]byte, len(b.Data))
			copy(data, b.Data)
			d.blocks[b.Sector] = data
		}
		d.mu.Unlock()
		done(b)
	})
	w.Schedule()
}

func (d *testdisk) Stats() string { return "testdisk" }

func mkbdev() *BlockDev_t {
	return &BlockDev_t{Major: 9, Minor: 0, BlockSize: BSIZE, Disk: mktestdisk()}
}

func TestBlockCacheCoherency(t *testing.T) {
	mem.Init(512)
	bdev := mkbdev()

	b := Block_getlock(bdev, 0)
	copy(b.Data, "abcd")
	Block_mark_dirty(b)
	Block_unlockput(b)

	Block_sync_all(true)
	Block_dev_clear(bdev)

	b2 := Block_getlock(bdev, 0)
	if b2.Needread() {
		Block_fill(b2)
	}
	if string(b2.Data[:4]) != "abcd" {
		t.Fatalf("reread got %q", b2.Data[:4])
	}
	Block_unlockput(b2)
}

func TestBlockLockExcludes(t *testing.T) {
	mem.Init(512)
	bdev := mkbdev()
	b := Block_getlock(bdev, 1)

	entered := make(chan struct{})
	go func() {
		b2 := Block_get(bdev, 1)
		Block_lock(b2)
		close(entered)
		Block_unlockput(b2)
	}()
	select {
	case <-entered:
		t.Fatalf("second locker entered while block held")
	default:
	}
	Block_unlockput(b)
	<-entered
}

func TestBlockWaitForSync(t *testing.T) {
	mem.Init(512)
	bdev := mkbdev()
	b := Block_getlock(bdev, 2)
	copy(b.Data, "wxyz")
	Block_mark_dirty(b)
	Block_submit(b)
	Block_wait_for_sync(b)
	// VALID && !DIRTY on return
	b.mu.Lock()
	flags := b.flags
	b.mu.Unlock()
	if flags&B_VALID == 0 || flags&B_DIRTY != 0 {
		t.Fatalf("flags after sync: %x", flags)
	}
	Block_put(b)
}

func TestUnlockputClearsLock(t *testing.T) {
	mem.Init(512)
	bdev := mkbdev()
	b := Block_getlock(bdev, 3)
	Block_unlockput(b)
	b.mu.Lock()
	locked := b.flags&B_LOCKED != 0
	b.mu.Unlock()
	if locked {
		t.Fatalf("still locked after unlockput")
	}
}

func TestPipeRoundtrip(t *testing.T) {
	mem.Init(512)
	rfd, wfd, err := MkPipe()
	if err != 0 {
		t.Fatalf("mkpipe: %d", err)
	}
	src := &vm.Fakeubuf_t{}
	src.Fake_init([]byte("hello"))
	n, werr := wfd.Fops.Write(src)
	if werr != 0 || n != 5 {
		t.Fatalf("write: %d %d", n, werr)
	}
	buf := make([]byte, 5)
	dst := &vm.Fakeubuf_t{}
	dst.Fake_init(buf)
	n, rerr := rfd.Fops.Read(dst)
	if rerr != 0 || n != 5 {
		t.Fatalf("read: %d %d", n, rerr)
	}
	if string(buf) != "hello" {
		t.Fatalf("read %q", buf)
	}
	rfd.Fops.Close()
	wfd.Fops.Close()
}

func TestPipeEOFAndEPIPE(t *testing.T) {
	mem.Init(512)
	rfd, wfd, err := MkPipe()
	if err != 0 {
		t.Fatalf("mkpipe: %d", err)
	}
	// empty pipe with a live writer: would-block
	buf := make([]byte, 4)
	dst := &vm.Fakeubuf_t{}
	dst.Fake_init(buf)
	if _, rerr := rfd.Fops.Read(dst); rerr != -defs.EAGAIN {
		t.Fatalf("read on empty pipe: %d", rerr)
	}
	// writer gone: EOF
	wfd.Fops.Close()
	dst2 := &vm.Fakeubuf_t{}
	dst2.Fake_init(buf)
	if n, rerr := rfd.Fops.Read(dst2); rerr != 0 || n != 0 {
		t.Fatalf("read after writer close: %d %d", n, rerr)
	}

	// and the reverse: no readers means EPIPE
	rfd2, wfd2, _ := MkPipe()
	rfd2.Fops.Close()
	src := &vm.Fakeubuf_t{}
	src.Fake_init([]byte("x"))
	if _, werr := wfd2.Fops.Write(src); werr != -defs.EPIPE {
		t.Fatalf("write with no readers: %d", werr)
	}
	wfd2.Fops.Close()
	rfd.Fops.Close()
}

// inode cache over a stub filesystem
type stubsb struct {
	mu     sync.Mutex
	bodies map[Inum_t]uint
	reads  int
	writes int
}

func (s *stubsb) SbWrite(sb *Superblock_t) defs.Err_t { return 0 }
func (s *stubsb) SbPut(sb *Superblock_t) defs.Err_t   { return 0 }
func (s *stubsb) InodeAlloc(sb *Superblock_t, inum Inum_t) (*Inode_t, defs.Err_t) {
	return &Inode_t{}, 0
}
func (s *stubsb) InodeDealloc(i *Inode_t) {}
func (s *stubsb) InodeRead(i *Inode_t) defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	mode, ok := s.bodies[i.Inum]
	if !ok {
		return -defs.ENOENT
	}
	i.Mode = mode
	i.Links = 1
	return 0
}
func (s *stubsb) InodeWrite(i *Inode_t) defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	return 0
}

func mkstubsb(t *testing.T) (*Superblock_t, *stubsb) {
	ops := &stubsb{bodies: map[Inum_t]uint{1: 0100644, 2: 040755}}
	sb := MkSuper(&Superblock_t{Ops: ops, Iops: NullIops_t{}})
	sb.id = 9000 + len(ops.bodies) // unique-ish cache id per test run
	return sb, ops
}

func TestInodeGetCaches(t *testing.T) {
	mem.Init(512)
	sb, ops := mkstubsb(t)
	sb.id = 9001

	i1, err := Inode_get(sb, 1)
	if err != 0 {
		t.Fatalf("get: %d", err)
	}
	if i1.Flags()&I_VALID == 0 || i1.Flags()&I_FREEING != 0 {
		t.Fatalf("flags: %x", i1.Flags())
	}
	i2, err := Inode_get(sb, 1)
	if err != 0 {
		t.Fatalf("second get: %d", err)
	}
	if i1 != i2 {
		t.Fatalf("cache miss on second get")
	}
	if ops.reads != 1 {
		t.Fatalf("reads = %d, want 1", ops.reads)
	}
	Inode_put(i1)
	Inode_put(i2)
}

func TestInodeGetMissing(t *testing.T) {
	mem.Init(512)
	sb, _ := mkstubsb(t)
	sb.id = 9002
	if _, err := Inode_get(sb, 99); err != -defs.ENOENT {
		t.Fatalf("missing inode: %d", err)
	}
	// the BAD inode must not linger: a retry re-attempts the read
	if _, err := Inode_get(sb, 99); err != -defs.ENOENT {
		t.Fatalf("missing inode again: %d", err)
	}
}

func TestInodeDirtySync(t *testing.T) {
	mem.Init(512)
	sb, ops := mkstubsb(t)
	sb.id = 9003
	i, err := Inode_get(sb, 1)
	if err != 0 {
		t.Fatalf("get: %d", err)
	}
	i.SetDirty()
	if i.Flags()&I_DIRTY == 0 {
		t.Fatalf("not dirty")
	}
	Sb_sync_inodes(sb)
	if i.Flags()&(I_DIRTY|I_SYNC) != 0 {
		t.Fatalf("flags after sync: %x", i.Flags())
	}
	if ops.writes != 1 {
		t.Fatalf("writes = %d", ops.writes)
	}
	Inode_put(i)
}

// seq file: cached render, offset reads, SEEK_END forcing a render
type countIter struct{ n int }

func (c *countIter) Start(sf *Seqfile_t) interface{} {
	if c.n == 0 {
		return nil
	}
	return 0
}
func (c *countIter) Next(sf *Seqfile_t, pos interface{}) interface{} {
	p := pos.(int) + 1
	if p >= c.n {
		return nil
	}
	return p
}
func (c *countIter) Render(sf *Seqfile_t, pos interface{}) defs.Err_t {
	sf.Printf("row %d\n", pos.(int))
	return 0
}
func (c *countIter) End(sf *Seqfile_t) {}

func TestSeqfile(t *testing.T) {
	sf := MkSeqfile(&countIter{n: 3})
	want := "row 0\nrow 1\nrow 2\n"

	n, err := sf.Lseek(0, defs.SEEK_END)
	if err != 0 || n != len(want) {
		t.Fatalf("seek end: %d %d", n, err)
	}
	sf.Lseek(0, defs.SEEK_SET)

	buf := make([]byte, len(want))
	dst := &vm.Fakeubuf_t{}
	dst.Fake_init(buf)
	rn, rerr := sf.Read(dst)
	if rerr != 0 || rn != len(want) {
		t.Fatalf("read: %d %d", rn, rerr)
	}
	if string(buf) != want {
		t.Fatalf("got %q", buf)
	}
	// a second read is at EOF
	dst2 := &vm.Fakeubuf_t{}
	dst2.Fake_init(buf)
	if rn, _ := sf.Read(dst2); rn != 0 {
		t.Fatalf("read past end: %d", rn)
	}
}
