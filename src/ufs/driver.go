package ufs

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"fs"
	"workq"
)

//
// The "driver": a disk backed by a host file. The block cache hands it
// locked blocks through SyncBlock; the transfer direction comes from the
// block's own state (read when not yet valid, write when dirty), and
// completion is reported asynchronously from a workqueue worker, the
// way a real controller would complete from its interrupt handler.
//

/// FileDisk_t implements fs.Disk_i over a host file.
type FileDisk_t struct {
	mu     sync.Mutex
	f      *os.File
	writes int
	reads  int
}

/// MkFileDisk opens (creating if needed) the image file at path.
func MkFileDisk(path string) (*FileDisk_t, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &FileDisk_t{f: f}, nil
}

/// SyncBlock services one block transfer: read into b.Data if the block is not VALID, else write
/// b.Data out. done fires once the I/O is complete, off the caller's
/// stack.
func (d *FileDisk_t) SyncBlock(b *fs.Block_t, done func(*fs.Block_t)) {
	w := workq.NewQueued(func() {
		d.mu.Lock()
		off := int64(b.Sector) * int64(fs.BSIZE)
		if b.Needread() {
			n, err := d.f.ReadAt(b.Data, off)
			// reading past the current image length yields zeroes
			if err != nil && n < len(b.Data) {
				for i := n; i < len(b.Data); i++ {
					b.Data[i] = 0
				}
			}
			d.reads++
		} else {
			if _, err := d.f.WriteAt(b.Data, off); err != nil {
				panic(err)
			}
			unix.Fdatasync(int(d.f.Fd()))
			d.writes++
		}
		d.mu.Unlock()
		done(b)
	})
	w.Schedule()
}

/// Stats reports transfer counts for diagnostics.
func (d *FileDisk_t) Stats() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("reads: %d writes: %d", d.reads, d.writes)
}

/// Close flushes and closes the image file.
func (d *FileDisk_t) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	unix.Fsync(int(d.f.Fd()))
	return d.f.Close()
}

/// MkDev wraps the disk in a registered block device with the given
/// (major, minor).
func MkDev(d *FileDisk_t, major, minor int) *fs.BlockDev_t {
	bd := &fs.BlockDev_t{Major: major, Minor: minor, BlockSize: fs.BSIZE, Disk: d}
	fs.RegisterBlockdev(bd)
	return bd
}

/// MkMemDisk returns a purely in-memory disk for tests: block writes
/// land in a private map, reads come back from it.
type MemDisk_t struct {
	mu     sync.Mutex
	blocks map[int][]byte
}

func MkMemDisk() *MemDisk_t {
	return &MemDisk_t{blocks: make(map[int][]byte)}
}

func (d *MemDisk_t) SyncBlock(b *fs.Block_t, done func(*fs.Block_t)) {
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

func (d *MemDisk_t) Stats() string { return "memdisk" }
