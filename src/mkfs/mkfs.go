// Command mkfs builds a bootable ufs disk image from a host directory
// tree: format the image, then replay the tree into the new file
// system through the same VFS paths the kernel itself uses.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"defs"
	"fs"
	"mem"
	"ufs"
	"ustr"
	"vm"
)

const (
	nblocks = 8192
	ninodes = 1024
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <image> <srcdir>\n", os.Args[0])
	os.Exit(1)
}

// copydata streams one host file into the image at dst.
func copydata(src string, dst ustr.Ustr) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	nfd, ferr := fs.Fs_open(dst, int(defs.O_CREAT|defs.O_WRONLY), 0755, nil, nil, 0, 0)
	if ferr != 0 {
		return fmt.Errorf("create %s: %d", dst, ferr)
	}
	defer nfd.Fops.Close()

	buf := make([]byte, fs.BSIZE)
	for {
		n, readErr := srcFile.Read(buf)
		if n > 0 {
			fub := &vm.Fakeubuf_t{}
			fub.Fake_init(buf[:n])
			if _, werr := nfd.Fops.Write(fub); werr != 0 {
				return fmt.Errorf("write %s: %d", dst, werr)
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

func main() {
	if len(os.Args) != 3 {
		usage()
	}
	image, srcdir := os.Args[1], os.Args[2]

	mem.Init(4096)
	ufs.Register()

	os.Remove(image)
	disk, err := ufs.MkFileDisk(image)
	if err != nil {
		panic(err)
	}
	bdev := ufs.MkDev(disk, defs.MAJOR_DISK, 0)
	if ferr := ufs.Format(bdev, nblocks, ninodes); ferr != 0 {
		panic(fmt.Sprintf("format failed: %d", ferr))
	}
	if _, ferr := fs.MountRoot("ufs", image, bdev); ferr != 0 {
		panic(fmt.Sprintf("mount failed: %d", ferr))
	}

	err = filepath.Walk(srcdir, func(path string, info os.FileInfo, werr error) error {
		if werr != nil {
			return werr
		}
		rel, rerr := filepath.Rel(srcdir, path)
		if rerr != nil {
			return rerr
		}
		if rel == "." {
			return nil
		}
		dst := ustr.Ustr("/" + strings.ReplaceAll(rel, string(os.PathSeparator), "/"))
		if info.IsDir() {
			if ferr := fs.Fs_mkdir(dst, 0755, nil, nil); ferr != 0 {
				return fmt.Errorf("mkdir %s: %d", dst, ferr)
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			fmt.Printf("skipping special file %s\n", path)
			return nil
		}
		return copydata(path, dst)
	})
	if err != nil {
		panic(err)
	}

	fs.Fs_sync()
	fs.UnmountAll()
	if cerr := disk.Close(); cerr != nil {
		panic(cerr)
	}
	fmt.Printf("wrote %s\n", image)
}
