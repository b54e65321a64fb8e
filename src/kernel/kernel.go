package kernel

import (
	"fmt"
	"sync"

	"defs"
	"fd"
	"fs"
	"mem"
	"oommsg"
	"proc"
	"sys"
	"ufs"
	"ustr"
)

// Boot ordering: every singleton gets an explicit
// init before anything can allocate from it; nothing initializes lazily
// at first use.

/// Bootmem is the simulated physical memory size in pages, adjustable
/// from the command line ("mem=<pages>") before Boot runs.
var Bootmem = 4096

var verbose = false

func init() {
	ParamInt("mem", func(n int) { Bootmem = n })
	ParamBool("verbose", func(v bool) { verbose = v })
	ParamLoglevel("loglevel", func(l int) { verbose = l >= 4 })
}

/// Boot brings the kernel core up over the given root disk image: page
/// allocator, file systems, the /proc views, and PID 1 running initBody.
/// The disk must already carry a ufs image (mkfs's output).
func Boot(diskPath, cmdlineStr string, initBody func(*proc.Task_t)) (*proc.Task_t, error) {
	ParseCmdline(cmdlineStr)
	mem.Init(Bootmem)
	proc.Init()

	fs.UnmountAll()
	ufs.Register()
	disk, err := ufs.MkFileDisk(diskPath)
	if err != nil {
		return nil, err
	}
	bdev := ufs.MkDev(disk, defs.MAJOR_DISK, 0)
	if _, ferr := fs.MountRoot("ufs", diskPath, bdev); ferr != 0 {
		return nil, fmt.Errorf("mount root: %d", ferr)
	}
	if verbose {
		fmt.Printf("root mounted from %s\n", diskPath)
	}

	mountProc()
	registerConsole()
	startReclaim()
	registerLoopback()
	registerDiag()

	t := proc.Begin("init", func(t *proc.Task_t) {
		setupCwd(t)
		initBody(t)
	})
	return t, nil
}

var bootMinor int

// BootMemFS brings the core up over a fresh in-memory disk, for tests:
// formats it first, then mounts.
func BootMemFS(initBody func(*proc.Task_t)) (*proc.Task_t, error) {
	mem.Init(Bootmem)
	proc.Init()
	fs.UnmountAll()
	ufs.Register()
	disk := ufs.MkMemDisk()
	// a distinct minor per boot keeps stale block-cache keys from a
	// previous in-process boot out of the new file system's way
	bootMinor++
	bdev := &fs.BlockDev_t{Major: defs.MAJOR_DISK, Minor: bootMinor, BlockSize: fs.BSIZE, Disk: disk}
	fs.RegisterBlockdev(bdev)
	if ferr := ufs.Format(bdev, 512, 128); ferr != 0 {
		return nil, fmt.Errorf("format: %d", ferr)
	}
	if _, ferr := fs.MountRoot("ufs", "memdisk", bdev); ferr != 0 {
		return nil, fmt.Errorf("mount root: %d", ferr)
	}
	mountProc()
	registerConsole()
	startReclaim()
	registerLoopback()
	registerDiag()
	t := proc.Begin("init", func(t *proc.Task_t) {
		setupCwd(t)
		initBody(t)
	})
	return t, nil
}

// setupCwd points a fresh task's cwd at the root mount, which
// determines PID 1's initial cwd.
func setupCwd(t *proc.Task_t) {
	root, err := fs.RootInode()
	if err != 0 {
		panic("no root inode")
	}
	nfd, oerr := fs.Fs_open_inode(root, int(defs.O_RDONLY))
	if oerr != 0 {
		panic("cannot open root")
	}
	t.Cwd = fd.MkRootCwd(nfd)
	t.Creds = proc.Cred_t{} // uid 0 everywhere
}

// mountProc mounts procfs on /proc, creating the directory if the image
// lacks it, and registers the standard views.
func mountProc() {
	ProcRegister("mounts", mountsView_t{})
	ProcRegister("tasks", tasksView_t{})
	registerTaskAPI()

	root, err := fs.RootInode()
	if err != 0 {
		return
	}
	path := ustr.Ustr("/proc")
	if _, lerr := fs.Namei(nil, path); lerr == -defs.ENOENT {
		fs.Fs_mkdir(path, 0555, nil, nil)
	}
	if target, lerr := fs.Namei(nil, path); lerr == 0 {
		fs.Vfs_mount(target, "procfs", "", nil, path)
		fs.Inode_put(target)
	}
	fs.Inode_put(root)
}

var reclaimOnce sync.Once

// startReclaim runs the out-of-memory reclaimer: blocked allocations
// post on oommsg.OomCh and wait on Resume, and the reclaimer sheds the
// shrinkable caches (slab frames, clean inodes, unreferenced blocks)
// before signalling Resume so the waiter re-checks the free lists
// after the pass, not during it.
func startReclaim() {
	reclaimOnce.Do(func() {
		go func() {
			for msg := range oommsg.OomCh {
				mem.ShrinkAll()
				fs.Icache_shrink(128)
				fs.Block_cache_shrink()
				msg.Resume <- true
			}
		}()
	})
}

/// Shutdown tears the core down: sync, unmount, stop letting tasks run.
/// Installed as the reboot hook.
func Shutdown() {
	fs.Fs_sync()
	fs.UnmountAll()
}

func init() {
	sys.RebootHook = func(cmd int) int {
		if cmd != defs.PROTURA_REBOOT_RESTART {
			return int(-defs.EINVAL)
		}
		Shutdown()
		return 0
	}
}
