// Package ufs is the reference on-disk file system for the kernel core:
// a fixed-layout format (superblock, inode and block bitmaps, inode
// table, data) implementing the superblock and inode operation vtables
// over the block cache. It exists both as the root file system and as
// the harness the VFS layer is tested through.
package ufs

import (
	"sync"

	"defs"
	"fs"
	"stat"
	"ustr"
	"util"
	"vm"
)

// On-disk layout, all fields 8-byte little-endian words. Block 0 is the
// superblock; the bitmaps cover absolute block/inode numbers, with
// everything below the data area pre-marked allocated by Format.
const (
	MAGIC = 0x50554653 // "PUFS"

	// superblock field indices
	sbMagic = iota - 1
	sbNblocks
	sbNinodes
	sbImapblk
	sbImaplen
	sbItabblk
	sbItablen
	sbBmapblk
	sbBmaplen
	sbDatablk
	sbRootino
)

/// NDIRECT direct block pointers per inode, then one indirect block.
const NDIRECT = 8

/// ISIZE is the on-disk inode record size.
const ISIZE = 128

/// IPB is inodes per inode-table block.
const IPB = fs.BSIZE / ISIZE

// on-disk inode field indices (8-byte words)
const (
	ifMode = iota
	ifSize
	ifLinks
	ifUid
	ifGid
	ifMtime
	ifDev
	ifIndirect
	ifDirect0 // .. ifDirect0+NDIRECT-1
)

// directory entry record inside directory data
const (
	DENTSZ  = 64
	NAMEMAX = DENTSZ - 9 - 1
)

func fieldr(data []byte, n int) int {
	return util.Readn(data, 8, n*8)
}

func fieldw(data []byte, n int, v int) {
	util.Writen(data, 8, n*8, v)
}

// usuper_t caches the parsed superblock.
type usuper_t struct {
	mu      sync.Mutex
	nblocks int
	ninodes int
	imapblk int
	imaplen int
	itabblk int
	itablen int
	bmapblk int
	bmaplen int
	datablk int
	rootino int
}

// ibody_t is the in-memory tail of a ufs inode: its block pointers.
type ibody_t struct {
	direct   [NDIRECT]int
	indirect int
}

// read/write-through helpers over the block cache. The caller sequence
// is always getlock, fill if needed, use, unlockput.
func bread(dev *fs.BlockDev_t, sector int) *fs.Block_t {
	b := fs.Block_getlock(dev, sector)
	if b.Needread() {
		fs.Block_fill(b)
	}
	return b
}

func bwrite(b *fs.Block_t) {
	fs.Block_mark_dirty(b)
	fs.Block_submit(b)
	fs.Block_put(b)
}

// bitmap helpers: bit i of the map starting at mapblk.
func bitGet(dev *fs.BlockDev_t, mapblk, i int) bool {
	b := bread(dev, mapblk+i/(fs.BSIZE*8))
	bit := i % (fs.BSIZE * 8)
	v := b.Data[bit/8]&(1<<uint(bit%8)) != 0
	fs.Block_unlockput(b)
	return v
}

func bitSet(dev *fs.BlockDev_t, mapblk, i int, set bool) {
	b := bread(dev, mapblk+i/(fs.BSIZE*8))
	bit := i % (fs.BSIZE * 8)
	if set {
		b.Data[bit/8] |= 1 << uint(bit%8)
	} else {
		b.Data[bit/8] &^= 1 << uint(bit%8)
	}
	bwrite(b)
}

// bitScan finds and claims the first clear bit in [lo, hi).
func bitScan(dev *fs.BlockDev_t, mapblk, lo, hi int) (int, bool) {
	for blk := 0; blk*fs.BSIZE*8 < hi; blk++ {
		b := bread(dev, mapblk+blk)
		base := blk * fs.BSIZE * 8
		for bit := 0; bit < fs.BSIZE*8 && base+bit < hi; bit++ {
			if base+bit < lo {
				continue
			}
			if b.Data[bit/8]&(1<<uint(bit%8)) == 0 {
				b.Data[bit/8] |= 1 << uint(bit%8)
				bwrite(b)
				return base + bit, true
			}
		}
		fs.Block_unlockput(b)
	}
	return 0, false
}

func (u *usuper_t) balloc(dev *fs.BlockDev_t) (int, defs.Err_t) {
	u.mu.Lock()
	defer u.mu.Unlock()
	bn, ok := bitScan(dev, u.bmapblk, u.datablk, u.nblocks)
	if !ok {
		return 0, -defs.ENOSPC
	}
	// a fresh block starts zeroed
	b := fs.Block_getlock(dev, bn)
	for i := range b.Data {
		b.Data[i] = 0
	}
	bwrite(b)
	return bn, 0
}

func (u *usuper_t) bfree(dev *fs.BlockDev_t, bn int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	bitSet(dev, u.bmapblk, bn, false)
}

func (u *usuper_t) ialloc(dev *fs.BlockDev_t) (fs.Inum_t, defs.Err_t) {
	u.mu.Lock()
	defer u.mu.Unlock()
	// ino 0 is reserved so a zero dirent slot reads as empty
	ino, ok := bitScan(dev, u.imapblk, 1, u.ninodes)
	if !ok {
		return 0, -defs.ENOSPC
	}
	return fs.Inum_t(ino), 0
}

func (u *usuper_t) ifree(dev *fs.BlockDev_t, ino fs.Inum_t) {
	u.mu.Lock()
	defer u.mu.Unlock()
	bitSet(dev, u.imapblk, int(ino), false)
}

// itabAddr locates ino's record: (table block sector, byte offset).
func (u *usuper_t) itabAddr(ino fs.Inum_t) (int, int) {
	return u.itabblk + int(ino)/IPB, (int(ino) % IPB) * ISIZE
}

//
// superblock ops
//

type uops_t struct{}

func usb(sb *fs.Superblock_t) *usuper_t { return sb.Priv.(*usuper_t) }

func (uops_t) SbWrite(sb *fs.Superblock_t) defs.Err_t {
	u := usb(sb)
	b := bread(sb.Dev, 0)
	fieldw(b.Data, sbMagic, MAGIC)
	fieldw(b.Data, sbNblocks, u.nblocks)
	fieldw(b.Data, sbNinodes, u.ninodes)
	fieldw(b.Data, sbImapblk, u.imapblk)
	fieldw(b.Data, sbImaplen, u.imaplen)
	fieldw(b.Data, sbItabblk, u.itabblk)
	fieldw(b.Data, sbItablen, u.itablen)
	fieldw(b.Data, sbBmapblk, u.bmapblk)
	fieldw(b.Data, sbBmaplen, u.bmaplen)
	fieldw(b.Data, sbDatablk, u.datablk)
	fieldw(b.Data, sbRootino, u.rootino)
	bwrite(b)
	fs.Block_sync_all(true)
	return 0
}

func (uops_t) SbPut(sb *fs.Superblock_t) defs.Err_t {
	fs.Block_dev_sync(sb.Dev)
	return 0
}

func (uops_t) InodeAlloc(sb *fs.Superblock_t, inum fs.Inum_t) (*fs.Inode_t, defs.Err_t) {
	return &fs.Inode_t{Priv: &ibody_t{}}, 0
}

func (uops_t) InodeDealloc(i *fs.Inode_t) {
	// an unlinked inode gives its blocks and table slot back
	if i.Links == 0 && i.Flags()&fs.I_VALID != 0 {
		u := usb(i.Sb)
		ib := i.Priv.(*ibody_t)
		itruncBlocks(u, i.Sb.Dev, ib, i.Size, 0)
		u.ifree(i.Sb.Dev, i.Inum)
	}
}

func (uops_t) InodeRead(i *fs.Inode_t) defs.Err_t {
	u := usb(i.Sb)
	if int(i.Inum) <= 0 || int(i.Inum) >= u.ninodes {
		return -defs.ENOENT
	}
	if !bitGet(i.Sb.Dev, u.imapblk, int(i.Inum)) {
		return -defs.ENOENT
	}
	sector, off := u.itabAddr(i.Inum)
	b := bread(i.Sb.Dev, sector)
	rec := b.Data[off : off+ISIZE]
	i.Mode = uint(fieldr(rec, ifMode))
	i.Size = fieldr(rec, ifSize)
	i.Links = fieldr(rec, ifLinks)
	i.Uid = fieldr(rec, ifUid)
	i.Gid = fieldr(rec, ifGid)
	i.Mtime = int64(fieldr(rec, ifMtime))
	dev := uint(fieldr(rec, ifDev))
	i.Major, i.Minor = defs.Unmkdev(dev)
	ib := i.Priv.(*ibody_t)
	ib.indirect = fieldr(rec, ifIndirect)
	for n := 0; n < NDIRECT; n++ {
		ib.direct[n] = fieldr(rec, ifDirect0+n)
	}
	fs.Block_unlockput(b)
	return 0
}

func (uops_t) InodeWrite(i *fs.Inode_t) defs.Err_t {
	u := usb(i.Sb)
	sector, off := u.itabAddr(i.Inum)
	b := bread(i.Sb.Dev, sector)
	rec := b.Data[off : off+ISIZE]
	i.L.Lock()
	fieldw(rec, ifMode, int(i.Mode))
	fieldw(rec, ifSize, i.Size)
	fieldw(rec, ifLinks, i.Links)
	fieldw(rec, ifUid, i.Uid)
	fieldw(rec, ifGid, i.Gid)
	fieldw(rec, ifMtime, int(i.Mtime))
	fieldw(rec, ifDev, int(defs.Mkdev(i.Major, i.Minor)))
	ib := i.Priv.(*ibody_t)
	fieldw(rec, ifIndirect, ib.indirect)
	for n := 0; n < NDIRECT; n++ {
		fieldw(rec, ifDirect0+n, ib.direct[n])
	}
	i.L.Unlock()
	bwrite(b)
	return 0
}

//
// inode ops. Per the VFS convention every method runs with the relevant
// body lock(s) already held by the caller.
//

type uiops_t struct{}

func (uiops_t) Bmap(i *fs.Inode_t, bn int, alloc bool) (int, defs.Err_t) {
	u := usb(i.Sb)
	ib := i.Priv.(*ibody_t)
	if bn < NDIRECT {
		if ib.direct[bn] == 0 {
			if !alloc {
				return -1, 0
			}
			nb, err := u.balloc(i.Sb.Dev)
			if err != 0 {
				return 0, err
			}
			ib.direct[bn] = nb
			i.SetDirty()
		}
		return ib.direct[bn], 0
	}
	bn -= NDIRECT
	if bn >= fs.BSIZE/8 {
		return 0, -defs.ENOSPC
	}
	if ib.indirect == 0 {
		if !alloc {
			return -1, 0
		}
		nb, err := u.balloc(i.Sb.Dev)
		if err != 0 {
			return 0, err
		}
		ib.indirect = nb
		i.SetDirty()
	}
	b := bread(i.Sb.Dev, ib.indirect)
	sector := fieldr(b.Data, bn)
	if sector == 0 {
		if !alloc {
			fs.Block_unlockput(b)
			return -1, 0
		}
		nb, err := u.balloc(i.Sb.Dev)
		if err != 0 {
			fs.Block_unlockput(b)
			return 0, err
		}
		fieldw(b.Data, bn, nb)
		bwrite(b)
		return nb, 0
	}
	fs.Block_unlockput(b)
	return sector, 0
}

// dirScan iterates dir's dirent slots, calling f with each non-empty
// entry's (slot offset, inum, name); f returning true stops the scan.
func dirScan(dir *fs.Inode_t, f func(off int, ino fs.Inum_t, name ustr.Ustr) bool) defs.Err_t {
	var rec [DENTSZ]byte
	for off := 0; off < dir.Size; off += DENTSZ {
		fub := &vm.Fakeubuf_t{}
		fub.Fake_init(rec[:])
		n, err := fs.IreadLocked(dir, fub, off)
		if err != 0 {
			return err
		}
		if n < DENTSZ {
			break
		}
		ino := fs.Inum_t(util.Readn(rec[:], 8, 0))
		if ino == 0 {
			continue
		}
		nlen := int(rec[8])
		if f(off, ino, ustr.Ustr(append([]byte(nil), rec[9:9+nlen]...))) {
			return 0
		}
	}
	return 0
}

// dirFind locates name; returns its slot offset and inum.
func dirFind(dir *fs.Inode_t, name ustr.Ustr) (int, fs.Inum_t, bool) {
	foundOff, foundIno, found := 0, fs.Inum_t(0), false
	dirScan(dir, func(off int, ino fs.Inum_t, nm ustr.Ustr) bool {
		if nm.Eq(name) {
			foundOff, foundIno, found = off, ino, true
			return true
		}
		return false
	})
	return foundOff, foundIno, found
}

// dirAppend writes an entry into the first empty slot (or at the end).
func dirAppend(dir *fs.Inode_t, name ustr.Ustr, ino fs.Inum_t) defs.Err_t {
	if len(name) > NAMEMAX {
		return -defs.ENAMETOOLONG
	}
	slot := dir.Size
	var rec [DENTSZ]byte
	for off := 0; off < dir.Size; off += DENTSZ {
		fub := &vm.Fakeubuf_t{}
		fub.Fake_init(rec[:])
		if _, err := fs.IreadLocked(dir, fub, off); err != 0 {
			return err
		}
		if util.Readn(rec[:], 8, 0) == 0 {
			slot = off
			break
		}
	}
	for i := range rec {
		rec[i] = 0
	}
	util.Writen(rec[:], 8, 0, int(ino))
	rec[8] = uint8(len(name))
	copy(rec[9:], name)
	fub := &vm.Fakeubuf_t{}
	fub.Fake_init(rec[:])
	n, err := fs.IwriteLocked(dir, fub, slot)
	if err != 0 {
		return err
	}
	if n != DENTSZ {
		return -defs.ENOSPC
	}
	return 0
}

// dirClear empties the slot at off.
func dirClear(dir *fs.Inode_t, off int) defs.Err_t {
	var rec [DENTSZ]byte
	fub := &vm.Fakeubuf_t{}
	fub.Fake_init(rec[:])
	_, err := fs.IwriteLocked(dir, fub, off)
	return err
}

func (uiops_t) Lookup(dir *fs.Inode_t, name ustr.Ustr) (fs.Inum_t, defs.Err_t) {
	if name.Isdot() {
		return dir.Inum, 0
	}
	_, ino, ok := dirFind(dir, name)
	if !ok {
		return 0, -defs.ENOENT
	}
	return ino, 0
}

// mknod allocates an inode, writes its body, and links it into dir.
func mknod(dir *fs.Inode_t, name ustr.Ustr, mode uint, major, minor int, links int) (fs.Inum_t, defs.Err_t) {
	if _, _, ok := dirFind(dir, name); ok {
		return 0, -defs.EEXIST
	}
	u := usb(dir.Sb)
	ino, err := u.ialloc(dir.Sb.Dev)
	if err != 0 {
		return 0, err
	}
	ni, err := fs.Inode_get_invalid(dir.Sb, ino)
	if err != 0 {
		u.ifree(dir.Sb.Dev, ino)
		return 0, err
	}
	ni.Mode = mode
	ni.Size = 0
	ni.Links = links
	ni.Major = major
	ni.Minor = minor
	ni.MarkValid()
	ni.SetDirty()
	if err := dirAppend(dir, name, ino); err != 0 {
		ni.Links = 0
		fs.Inode_put(ni)
		return 0, err
	}
	fs.Inode_put(ni)
	return ino, 0
}

func (uiops_t) Create(dir *fs.Inode_t, name ustr.Ustr, mode uint, major, minor int) (fs.Inum_t, defs.Err_t) {
	if mode&stat.S_IFMT == 0 {
		mode |= stat.S_IFREG
	}
	return mknod(dir, name, mode, major, minor, 1)
}

func (uiops_t) Mkdir(dir *fs.Inode_t, name ustr.Ustr, mode uint) (fs.Inum_t, defs.Err_t) {
	ino, err := mknod(dir, name, mode|stat.S_IFDIR, 0, 0, 2)
	if err != 0 {
		return 0, err
	}
	ni, gerr := fs.Inode_get(dir.Sb, ino)
	if gerr != 0 {
		return 0, gerr
	}
	ni.L.Lock()
	dirAppend(ni, ustr.MkUstrDot(), ino)
	dirAppend(ni, ustr.Ustr(".."), dir.Inum)
	ni.L.Unlock()
	fs.Inode_put(ni)
	dir.Links++
	dir.SetDirty()
	return ino, 0
}

func (uiops_t) Link(dir *fs.Inode_t, name ustr.Ustr, target *fs.Inode_t) defs.Err_t {
	if _, _, ok := dirFind(dir, name); ok {
		return -defs.EEXIST
	}
	if err := dirAppend(dir, name, target.Inum); err != 0 {
		return err
	}
	// dir.L then target.L nests without cycles: link targets are
	// never directories.
	target.L.Lock()
	target.Links++
	target.L.Unlock()
	target.SetDirty()
	return 0
}

func (uiops_t) Unlink(dir *fs.Inode_t, name ustr.Ustr, rmdir bool) defs.Err_t {
	off, ino, ok := dirFind(dir, name)
	if !ok {
		return -defs.ENOENT
	}
	ti, err := fs.Inode_get(dir.Sb, ino)
	if err != 0 {
		return err
	}
	isdir := ti.IsDir()
	if rmdir && !isdir {
		fs.Inode_put(ti)
		return -defs.ENOTDIR
	}
	if !rmdir && isdir {
		fs.Inode_put(ti)
		return -defs.EISDIR
	}
	if isdir {
		empty := true
		ti.L.Lock()
		dirScan(ti, func(o int, in fs.Inum_t, nm ustr.Ustr) bool {
			if !nm.Isdot() && !nm.Isdotdot() {
				empty = false
				return true
			}
			return false
		})
		ti.L.Unlock()
		if !empty {
			fs.Inode_put(ti)
			return -defs.ENOTEMPTY
		}
	}
	if err := dirClear(dir, off); err != 0 {
		fs.Inode_put(ti)
		return err
	}
	ti.L.Lock()
	if isdir {
		ti.Links = 0
		dir.Links--
	} else {
		ti.Links--
	}
	ti.L.Unlock()
	ti.SetDirty()
	dir.SetDirty()
	fs.Inode_put(ti)
	return 0
}

func (uiops_t) Rename(odir *fs.Inode_t, oname ustr.Ustr, ndir *fs.Inode_t, nname ustr.Ustr) defs.Err_t {
	ooff, ino, ok := dirFind(odir, oname)
	if !ok {
		return -defs.ENOENT
	}
	if noff, nino, exists := dirFind(ndir, nname); exists {
		if nino == ino {
			return 0
		}
		// replace: clear the stale entry first
		if err := dirClear(ndir, noff); err != 0 {
			return err
		}
		if ti, err := fs.Inode_get(ndir.Sb, nino); err == 0 {
			ti.L.Lock()
			ti.Links--
			ti.L.Unlock()
			ti.SetDirty()
			fs.Inode_put(ti)
		}
	}
	if err := dirAppend(ndir, nname, ino); err != 0 {
		return err
	}
	return dirClear(odir, ooff)
}

func (uiops_t) Truncate(i *fs.Inode_t, size int) defs.Err_t {
	u := usb(i.Sb)
	ib := i.Priv.(*ibody_t)
	if size < i.Size {
		itruncBlocks(u, i.Sb.Dev, ib, i.Size, size)
	}
	i.Size = size
	i.SetDirty()
	return 0
}

// itruncBlocks frees whole blocks in (newsize, oldsize].
func itruncBlocks(u *usuper_t, dev *fs.BlockDev_t, ib *ibody_t, oldsize, newsize int) {
	first := (newsize + fs.BSIZE - 1) / fs.BSIZE
	last := (oldsize + fs.BSIZE - 1) / fs.BSIZE
	for bn := first; bn < last; bn++ {
		if bn < NDIRECT {
			if ib.direct[bn] != 0 {
				u.bfree(dev, ib.direct[bn])
				ib.direct[bn] = 0
			}
			continue
		}
		if ib.indirect == 0 {
			break
		}
		b := bread(dev, ib.indirect)
		sector := fieldr(b.Data, bn-NDIRECT)
		if sector != 0 {
			fieldw(b.Data, bn-NDIRECT, 0)
			u.bfree(dev, sector)
			bwrite(b)
		} else {
			fs.Block_unlockput(b)
		}
	}
	if first <= NDIRECT && ib.indirect != 0 && last > NDIRECT {
		u.bfree(dev, ib.indirect)
		ib.indirect = 0
	}
}

func (uiops_t) Symlink(dir *fs.Inode_t, name ustr.Ustr, target ustr.Ustr) defs.Err_t {
	ino, err := mknod(dir, name, stat.S_IFLNK|0777, 0, 0, 1)
	if err != 0 {
		return err
	}
	ni, gerr := fs.Inode_get(dir.Sb, ino)
	if gerr != 0 {
		return gerr
	}
	fub := &vm.Fakeubuf_t{}
	fub.Fake_init([]byte(target))
	ni.L.Lock()
	_, werr := fs.IwriteLocked(ni, fub, 0)
	ni.L.Unlock()
	fs.Inode_put(ni)
	return werr
}

func (uiops_t) Readlink(i *fs.Inode_t) (ustr.Ustr, defs.Err_t) {
	buf := make([]byte, i.Size)
	fub := &vm.Fakeubuf_t{}
	fub.Fake_init(buf)
	if _, err := fs.IreadLocked(i, fub, 0); err != 0 {
		return nil, err
	}
	return ustr.Ustr(buf), 0
}

func (uiops_t) Readdir(i *fs.Inode_t, off int) (fs.Dirent_t, int, bool, defs.Err_t) {
	var rec [DENTSZ]byte
	for ; off < i.Size; off += DENTSZ {
		fub := &vm.Fakeubuf_t{}
		fub.Fake_init(rec[:])
		n, err := fs.IreadLocked(i, fub, off)
		if err != 0 {
			return fs.Dirent_t{}, 0, true, err
		}
		if n < DENTSZ {
			return fs.Dirent_t{}, 0, true, 0
		}
		ino := fs.Inum_t(util.Readn(rec[:], 8, 0))
		if ino == 0 {
			continue
		}
		nlen := int(rec[8])
		name := ustr.Ustr(append([]byte(nil), rec[9:9+nlen]...))
		return fs.Dirent_t{Name: name, Inum: ino}, off + DENTSZ, false, 0
	}
	return fs.Dirent_t{}, 0, true, 0
}

//
// mount surface
//

func readSb(dev *fs.BlockDev_t) (*fs.Superblock_t, defs.Err_t) {
	b := bread(dev, 0)
	if fieldr(b.Data, sbMagic) != MAGIC {
		fs.Block_unlockput(b)
		return nil, -defs.EINVAL
	}
	u := &usuper_t{
		nblocks: fieldr(b.Data, sbNblocks),
		ninodes: fieldr(b.Data, sbNinodes),
		imapblk: fieldr(b.Data, sbImapblk),
		imaplen: fieldr(b.Data, sbImaplen),
		itabblk: fieldr(b.Data, sbItabblk),
		itablen: fieldr(b.Data, sbItablen),
		bmapblk: fieldr(b.Data, sbBmapblk),
		bmaplen: fieldr(b.Data, sbBmaplen),
		datablk: fieldr(b.Data, sbDatablk),
		rootino: fieldr(b.Data, sbRootino),
	}
	fs.Block_unlockput(b)
	sb := fs.MkSuper(&fs.Superblock_t{
		Dev:  dev,
		Root: fs.Inum_t(u.rootino),
		Ops:  uops_t{},
		Iops: uiops_t{},
		Priv: u,
	})
	return sb, 0
}

var registerOnce sync.Once

/// Register installs the "ufs" file-system type; idempotent, since the
/// type registry is boot-global.
func Register() {
	registerOnce.Do(func() {
		fs.RegisterFs(&fs.Fstype_t{Name: "ufs", ReadSb: readSb})
	})
}

/// Format writes a fresh, empty file system onto dev: superblock,
/// bitmaps with the metadata area pre-allocated, inode table, and a
/// root directory at rootino.
func Format(dev *fs.BlockDev_t, nblocks, ninodes int) defs.Err_t {
	imaplen := (ninodes + fs.BSIZE*8 - 1) / (fs.BSIZE * 8)
	itablen := (ninodes + IPB - 1) / IPB
	bmaplen := (nblocks + fs.BSIZE*8 - 1) / (fs.BSIZE * 8)
	imapblk := 1
	itabblk := imapblk + imaplen
	bmapblk := itabblk + itablen
	datablk := bmapblk + bmaplen
	if datablk >= nblocks {
		return -defs.ENOSPC
	}

	// zero the metadata area
	for bn := 0; bn < datablk; bn++ {
		b := fs.Block_getlock(dev, bn)
		for i := range b.Data {
			b.Data[i] = 0
		}
		bwrite(b)
	}

	// claim the metadata blocks and the reserved objects
	for bn := 0; bn < datablk; bn++ {
		bitSet(dev, bmapblk, bn, true)
	}
	bitSet(dev, imapblk, 0, true) // ino 0 reserved

	u := &usuper_t{
		nblocks: nblocks, ninodes: ninodes,
		imapblk: imapblk, imaplen: imaplen,
		itabblk: itabblk, itablen: itablen,
		bmapblk: bmapblk, bmaplen: bmaplen,
		datablk: datablk,
	}

	// root directory
	rootino, ok := bitScan(dev, imapblk, 1, ninodes)
	if !ok {
		return -defs.ENOSPC
	}
	u.rootino = rootino

	// root's inode record, with "." and ".." in its first data block
	db, err := u.balloc(dev)
	if err != 0 {
		return err
	}
	b := bread(dev, db)
	util.Writen(b.Data, 8, 0, rootino)
	b.Data[8] = 1
	b.Data[9] = '.'
	util.Writen(b.Data, 8, DENTSZ, rootino)
	b.Data[DENTSZ+8] = 2
	b.Data[DENTSZ+9] = '.'
	b.Data[DENTSZ+10] = '.'
	bwrite(b)

	sector, off := u.itabAddr(fs.Inum_t(rootino))
	ib := bread(dev, sector)
	rec := ib.Data[off : off+ISIZE]
	fieldw(rec, ifMode, int(stat.S_IFDIR|0755))
	fieldw(rec, ifSize, 2*DENTSZ)
	fieldw(rec, ifLinks, 2)
	fieldw(rec, ifDirect0, db)
	bwrite(ib)

	// superblock last, so a crashed format never looks mountable
	sb := bread(dev, 0)
	fieldw(sb.Data, sbMagic, MAGIC)
	fieldw(sb.Data, sbNblocks, nblocks)
	fieldw(sb.Data, sbNinodes, ninodes)
	fieldw(sb.Data, sbImapblk, imapblk)
	fieldw(sb.Data, sbImaplen, imaplen)
	fieldw(sb.Data, sbItabblk, itabblk)
	fieldw(sb.Data, sbItablen, itablen)
	fieldw(sb.Data, sbBmapblk, bmapblk)
	fieldw(sb.Data, sbBmaplen, bmaplen)
	fieldw(sb.Data, sbDatablk, datablk)
	fieldw(sb.Data, sbRootino, rootino)
	bwrite(sb)
	fs.Block_sync_all(true)
	return 0
}
