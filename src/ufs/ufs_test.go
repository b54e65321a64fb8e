package ufs

import (
	"testing"

	"defs"
	"fs"
	"mem"
	"stat"
	"ustr"
	"vm"
)

var registered = false

func mount(t *testing.T) *fs.BlockDev_t {
	t.Helper()
	mem.Init(1024)
	fs.UnmountAll()
	if !registered {
		Register()
		registered = true
	}
	disk := MkMemDisk()
	bdev := &fs.BlockDev_t{Major: 1, Minor: testMinor, BlockSize: fs.BSIZE, Disk: disk}
	testMinor++
	if err := Format(bdev, 512, 128); err != 0 {
		t.Fatalf("format: %d", err)
	}
	if _, err := fs.MountRoot("ufs", "memdisk", bdev); err != 0 {
		t.Fatalf("mount: %d", err)
	}
	return bdev
}

var testMinor = 0

func mkbuf(b []byte) *vm.Fakeubuf_t {
	fub := &vm.Fakeubuf_t{}
	fub.Fake_init(b)
	return fub
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	nfd, err := fs.Fs_open(ustr.Ustr(path), int(defs.O_CREAT|defs.O_WRONLY), 0644, nil, nil, 0, 0)
	if err != 0 {
		t.Fatalf("create %s: %d", path, err)
	}
	defer nfd.Fops.Close()
	if n, werr := nfd.Fops.Write(mkbuf(data)); werr != 0 || n != len(data) {
		t.Fatalf("write %s: %d %d", path, n, werr)
	}
}

func readFile(t *testing.T, path string) ([]byte, defs.Err_t) {
	t.Helper()
	nfd, err := fs.Fs_open(ustr.Ustr(path), int(defs.O_RDONLY), 0, nil, nil, 0, 0)
	if err != 0 {
		return nil, err
	}
	defer nfd.Fops.Close()
	var out []byte
	buf := make([]byte, 512)
	for {
		fub := mkbuf(buf)
		n, rerr := nfd.Fops.Read(fub)
		if rerr != 0 {
			return out, rerr
		}
		if n == 0 {
			return out, 0
		}
		out = append(out, buf[:n]...)
	}
}

func TestCreateWriteRead(t *testing.T) {
	mount(t)

	data := []byte("the quick brown fox")
	writeFile(t, "/hello.txt", data)
	got, err := readFile(t, "/hello.txt")
	if err != 0 {
		t.Fatalf("read: %d", err)
	}
	if string(got) != string(data) {
		t.Fatalf("got %q", got)
	}
}

func TestLargeFileSpansIndirect(t *testing.T) {
	mount(t)

	// larger than the direct pointers cover
	data := make([]byte, (NDIRECT+3)*fs.BSIZE+100)
	for i := range data {
		data[i] = byte(i * 7)
	}
	writeFile(t, "/big", data)
	got, err := readFile(t, "/big")
	if err != 0 {
		t.Fatalf("read: %d", err)
	}
	if len(got) != len(data) {
		t.Fatalf("len %d, want %d", len(got), len(data))
	}
	for i := range got {
		if got[i] != data[i] {
			t.Fatalf("byte %d: %x != %x", i, got[i], data[i])
		}
	}
}

func TestPersistsAcrossCacheClear(t *testing.T) {
	bdev := mount(t)

	writeFile(t, "/persist", []byte("abcd"))
	fs.Fs_sync()
	fs.Block_dev_clear(bdev)

	got, err := readFile(t, "/persist")
	if err != 0 || string(got) != "abcd" {
		t.Fatalf("reread: %q %d", got, err)
	}
}

func TestMkdirReaddirUnlink(t *testing.T) {
	mount(t)

	if err := fs.Fs_mkdir(ustr.Ustr("/d"), 0755, nil, nil); err != 0 {
		t.Fatalf("mkdir: %d", err)
	}
	writeFile(t, "/d/a", []byte("1"))
	writeFile(t, "/d/b", []byte("2"))

	dfd, err := fs.Fs_open(ustr.Ustr("/d"), int(defs.O_RDONLY), 0, nil, nil, 0, 0)
	if err != 0 {
		t.Fatalf("open dir: %d", err)
	}
	names := map[string]bool{}
	for {
		rec := make([]byte, fs.DIRENT_SZ)
		n, rerr := dfd.Fops.Readdir(mkbuf(rec))
		if rerr != 0 {
			t.Fatalf("readdir: %d", rerr)
		}
		if n == 0 {
			break
		}
		nlen := int(rec[8])
		names[string(rec[9:9+nlen])] = true
	}
	dfd.Fops.Close()
	for _, want := range []string{".", "..", "a", "b"} {
		if !names[want] {
			t.Fatalf("missing %q in %v", want, names)
		}
	}

	// rmdir of a non-empty directory fails
	if err := fs.Fs_unlink(ustr.Ustr("/d"), nil, true); err != -defs.ENOTEMPTY {
		t.Fatalf("rmdir non-empty: %d", err)
	}
	if err := fs.Fs_unlink(ustr.Ustr("/d/a"), nil, false); err != 0 {
		t.Fatalf("unlink: %d", err)
	}
	if err := fs.Fs_unlink(ustr.Ustr("/d/b"), nil, false); err != 0 {
		t.Fatalf("unlink: %d", err)
	}
	if err := fs.Fs_unlink(ustr.Ustr("/d"), nil, true); err != 0 {
		t.Fatalf("rmdir empty: %d", err)
	}
	if _, err := readFile(t, "/d/a"); err != -defs.ENOENT {
		t.Fatalf("unlinked file still resolves: %d", err)
	}
}

func TestOpenFlags(t *testing.T) {
	mount(t)
	writeFile(t, "/f", []byte("x"))

	// O_CREAT|O_EXCL on an existing path
	if _, err := fs.Fs_open(ustr.Ustr("/f"), int(defs.O_CREAT|defs.O_EXCL|defs.O_WRONLY), 0644, nil, nil, 0, 0); err != -defs.EEXIST {
		t.Fatalf("excl create: %d", err)
	}
	// opening a directory for writing
	if _, err := fs.Fs_open(ustr.Ustr("/"), int(defs.O_WRONLY), 0, nil, nil, 0, 0); err != -defs.EISDIR {
		t.Fatalf("write dir: %d", err)
	}
	// read past EOF returns 0
	nfd, _ := fs.Fs_open(ustr.Ustr("/f"), int(defs.O_RDONLY), 0, nil, nil, 0, 0)
	nfd.Fops.Lseek(100, defs.SEEK_SET)
	buf := make([]byte, 8)
	if n, err := nfd.Fops.Read(mkbuf(buf)); err != 0 || n != 0 {
		t.Fatalf("read past eof: %d %d", n, err)
	}
	nfd.Fops.Close()
}

func TestLinkAndRename(t *testing.T) {
	mount(t)
	writeFile(t, "/one", []byte("payload"))

	if err := fs.Fs_link(ustr.Ustr("/one"), ustr.Ustr("/two"), nil); err != 0 {
		t.Fatalf("link: %d", err)
	}
	got, err := readFile(t, "/two")
	if err != 0 || string(got) != "payload" {
		t.Fatalf("link read: %q %d", got, err)
	}
	if err := fs.Fs_unlink(ustr.Ustr("/one"), nil, false); err != 0 {
		t.Fatalf("unlink: %d", err)
	}
	// the data survives through the second link
	got, err = readFile(t, "/two")
	if err != 0 || string(got) != "payload" {
		t.Fatalf("after unlink: %q %d", got, err)
	}

	if err := fs.Fs_rename(ustr.Ustr("/two"), ustr.Ustr("/three"), nil); err != 0 {
		t.Fatalf("rename: %d", err)
	}
	if _, err := readFile(t, "/two"); err != -defs.ENOENT {
		t.Fatalf("old name resolves: %d", err)
	}
	got, err = readFile(t, "/three")
	if err != 0 || string(got) != "payload" {
		t.Fatalf("new name: %q %d", got, err)
	}
}

func TestSymlink(t *testing.T) {
	mount(t)
	writeFile(t, "/target", []byte("via link"))

	root, err := fs.Namei(nil, ustr.Ustr("/"))
	if err != 0 {
		t.Fatalf("root: %d", err)
	}
	root.L.Lock()
	serr := root.Sb.Iops.Symlink(root, ustr.Ustr("ln"), ustr.Ustr("/target"))
	root.L.Unlock()
	fs.Inode_put(root)
	if serr != 0 {
		t.Fatalf("symlink: %d", serr)
	}
	got, rerr := readFile(t, "/ln")
	if rerr != 0 || string(got) != "via link" {
		t.Fatalf("through symlink: %q %d", got, rerr)
	}
}

func TestTruncate(t *testing.T) {
	mount(t)
	writeFile(t, "/t", make([]byte, 3*fs.BSIZE))

	if err := fs.Fs_truncate(ustr.Ustr("/t"), 10, nil); err != 0 {
		t.Fatalf("truncate: %d", err)
	}
	got, err := readFile(t, "/t")
	if err != 0 || len(got) != 10 {
		t.Fatalf("after truncate: %d bytes, err %d", len(got), err)
	}
}

func TestChownClearsSetid(t *testing.T) {
	mount(t)
	writeFile(t, "/suid", []byte("s"))

	i, err := fs.Namei(nil, ustr.Ustr("/suid"))
	if err != 0 {
		t.Fatalf("namei: %d", err)
	}
	root := &fs.Ucred_t{Uid: 0, Euid: 0}
	if err := fs.Fs_chmod(i, 06755, root); err != 0 {
		t.Fatalf("chmod: %d", err)
	}
	i.L.Lock()
	mode := i.Mode
	i.L.Unlock()
	if stat.Permbits(mode) != 06755 {
		t.Fatalf("mode after chmod: %o", mode)
	}
	// chown as root still clears the set-id bits
	if err := fs.Fs_chown(i, 1000, 1000, root); err != 0 {
		t.Fatalf("chown: %d", err)
	}
	i.L.Lock()
	mode = i.Mode
	uid, gid := i.Uid, i.Gid
	i.L.Unlock()
	if stat.Permbits(mode) != 0755 {
		t.Fatalf("setid bits survived chown: %o", mode)
	}
	if uid != 1000 || gid != 1000 {
		t.Fatalf("owner %d:%d", uid, gid)
	}

	// a non-owner, non-root chmod is rejected
	other := &fs.Ucred_t{Uid: 7, Euid: 7}
	if err := fs.Fs_chmod(i, 0644, other); err != -defs.EPERM {
		t.Fatalf("foreign chmod: %d", err)
	}
	fs.Inode_put(i)
}
