package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/KarpelesLab/xv6fs"
	"github.com/google/renameio"
)

const usage = `xv6fs - crash-safe block filesystem tool

Usage:
  xv6fs mkfs <image> [<blocks>]         Create a new filesystem image
  xv6fs info <image>                    Display superblock information
  xv6fs ls <image> [<path>]             List files (optionally in a specific path)
  xv6fs cat <image> <file>              Display contents of a file
  xv6fs put <image> <local> <file>      Copy a local file into the image
  xv6fs mkdir <image> <path>            Create a directory
  xv6fs ln [-s] <image> <old> <new>     Create a hard (or symbolic) link
  xv6fs rm <image> <path>               Remove a file or empty directory
  xv6fs dump <image> <archive>          Archive the image (.xz selects xz, else zstd)
  xv6fs restore <archive> <image>       Recreate an image from an archive
  xv6fs mount <image> <dir>             Mount through FUSE (build tag: fuse)
  xv6fs help                            Show this help message

Examples:
  xv6fs mkfs disk.img 4096              Create a 4096-block image
  xv6fs put disk.img notes.txt notes    Copy notes.txt into the image as /notes
  xv6fs dump disk.img disk.img.zst      Archive disk.img with zstd
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	var err error
	switch cmd := os.Args[1]; cmd {
	case "mkfs":
		err = mkfsCmd(os.Args[2:])
	case "info":
		err = infoCmd(os.Args[2:])
	case "ls":
		err = lsCmd(os.Args[2:])
	case "cat":
		err = catCmd(os.Args[2:])
	case "put":
		err = putCmd(os.Args[2:])
	case "mkdir":
		err = mkdirCmd(os.Args[2:])
	case "ln":
		err = lnCmd(os.Args[2:])
	case "rm":
		err = rmCmd(os.Args[2:])
	case "dump":
		err = dumpCmd(os.Args[2:])
	case "restore":
		err = restoreCmd(os.Args[2:])
	case "mount":
		err = mountCmd(os.Args[2:])
	case "help":
		fmt.Println(usage)
	default:
		fmt.Printf("Error: Unknown command '%s'\n", cmd)
		fmt.Println(usage)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func mkfsCmd(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("missing image path")
	}
	size := uint32(xv6fs.DefaultSize)
	if len(args) > 1 {
		if _, err := fmt.Sscanf(args[1], "%d", &size); err != nil {
			return fmt.Errorf("bad block count %q", args[1])
		}
	}
	dev := xv6fs.NewMemDevice(size)
	if err := xv6fs.Mkfs(dev, xv6fs.WithSize(size)); err != nil {
		return err
	}
	// the image lands atomically: either the old file or a complete new one
	return renameio.WriteFile(args[0], dev.Bytes(), 0644)
}

func infoCmd(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("missing image path")
	}
	x, err := xv6fs.Open(args[0])
	if err != nil {
		return err
	}
	defer x.Close()
	fmt.Println(x.Super().String())
	return nil
}

// printFileInfo prints file information in a consistent format
func printFileInfo(p string, info fs.FileInfo) {
	typeChar := "-"
	if info.IsDir() {
		typeChar = "d"
	} else if info.Mode()&fs.ModeSymlink != 0 {
		typeChar = "l"
	}

	size := fmt.Sprintf("%8d", info.Size())
	if info.IsDir() {
		size = "       -"
	}

	fmt.Printf("%s%s %s %s\n", typeChar, info.Mode().String()[1:], size, p)
}

func lsCmd(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("missing image path")
	}
	dir := "."
	if len(args) > 1 {
		dir = args[1]
	}
	x, err := xv6fs.Open(args[0])
	if err != nil {
		return err
	}
	defer x.Close()

	entries, err := fs.ReadDir(x, dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return err
		}
		printFileInfo(path.Join(dir, e.Name()), info)
	}
	return nil
}

func catCmd(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("missing image path or target file")
	}
	x, err := xv6fs.Open(args[0])
	if err != nil {
		return err
	}
	defer x.Close()

	f, err := x.Open(args[1])
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(os.Stdout, f)
	return err
}

func putCmd(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("missing image, local file or target path")
	}
	data, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}
	x, err := xv6fs.Open(args[0])
	if err != nil {
		return err
	}
	defer x.Close()
	return x.WriteFile(args[2], data)
}

func mkdirCmd(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("missing image path or directory name")
	}
	x, err := xv6fs.Open(args[0])
	if err != nil {
		return err
	}
	defer x.Close()
	return x.MkDir(args[1])
}

func lnCmd(args []string) error {
	symbolic := false
	if len(args) > 0 && args[0] == "-s" {
		symbolic = true
		args = args[1:]
	}
	if len(args) < 3 {
		return fmt.Errorf("missing image path, link target or link name")
	}
	x, err := xv6fs.Open(args[0])
	if err != nil {
		return err
	}
	defer x.Close()
	if symbolic {
		return x.Symlink(args[1], args[2])
	}
	return x.Link(args[1], args[2])
}

func rmCmd(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("missing image path or target")
	}
	x, err := xv6fs.Open(args[0])
	if err != nil {
		return err
	}
	defer x.Close()
	return x.Unlink(args[1])
}

func compFor(name string) xv6fs.Compression {
	if strings.HasSuffix(name, ".xz") {
		return xv6fs.Xz
	}
	return xv6fs.Zstd
}

func dumpCmd(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("missing image or archive path")
	}
	dev, err := xv6fs.OpenDevice(args[0], false)
	if err != nil {
		return err
	}
	defer dev.Close()

	t, err := renameio.TempFile("", args[1])
	if err != nil {
		return err
	}
	defer t.Cleanup()
	if err := xv6fs.DumpImage(t, dev, compFor(args[1])); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

func restoreCmd(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("missing archive or image path")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	img, err := xv6fs.RestoreImage(f)
	if err != nil {
		return err
	}
	return renameio.WriteFile(args[1], img, 0644)
}
