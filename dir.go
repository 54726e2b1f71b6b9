package xv6fs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

// A directory's file body is an array of fixed 16-byte entries:
//
//	u16 inum; u8 name[14]
//
// Names are NUL-padded; an entry with inum 0 is an empty slot.

// DirEnt is one decoded directory entry.
type DirEnt struct {
	Inum uint16
	Name string
}

func decodeDirEnt(d []byte) DirEnt {
	name := d[2:DIRENTSIZE]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return DirEnt{
		Inum: binary.LittleEndian.Uint16(d),
		Name: string(name),
	}
}

func encodeDirEnt(e DirEnt) []byte {
	d := make([]byte, DIRENTSIZE)
	binary.LittleEndian.PutUint16(d, e.Inum)
	copy(d[2:], e.Name)
	return d
}

// DirLookup searches the locked directory dp for an entry with the given
// name. On a hit it returns an unlocked handle to the target inode and
// the byte offset of the entry; on a miss it returns fs.ErrNotExist.
func (x *FS) DirLookup(dp *Inode, name string) (*Inode, uint32, error) {
	if dp.Kind != KindDir {
		return nil, 0, ErrNotDirectory
	}

	ent := make([]byte, DIRENTSIZE)
	for off := uint32(0); off < dp.Size; off += DIRENTSIZE {
		if n, err := dp.Readi(ent, off); err != nil {
			return nil, 0, err
		} else if n != DIRENTSIZE {
			panic(fmt.Sprintf("dirlookup: short read in dir %d", dp.inum))
		}
		e := decodeDirEnt(ent)
		if e.Inum == 0 {
			continue
		}
		if e.Name == name {
			return x.Iget(uint32(e.Inum)), off, nil
		}
	}
	return nil, 0, fs.ErrNotExist
}

// DirLink adds a (name, inum) entry to the locked directory dp, reusing
// the first empty slot or growing the directory. Must run inside a
// transaction. Fails with ErrExist when the name is already present.
func (x *FS) DirLink(dp *Inode, name string, inum uint32) error {
	if len(name) > DIRSIZ {
		return ErrNameTooLong
	}
	if other, _, err := x.DirLookup(dp, name); err == nil {
		other.Put()
		return ErrExist
	} else if !isNotExist(err) {
		return err
	}

	ent := make([]byte, DIRENTSIZE)
	off := uint32(0)
	for ; off < dp.Size; off += DIRENTSIZE {
		if _, err := dp.Readi(ent, off); err != nil {
			return err
		}
		if decodeDirEnt(ent).Inum == 0 {
			break
		}
	}

	n, err := dp.Writei(encodeDirEnt(DirEnt{Inum: uint16(inum), Name: name}), off)
	if errors.Is(err, ErrBadRange) {
		// the directory already spans the maximum file size
		return ErrOutOfSpace
	}
	if err != nil {
		return err
	}
	if n != DIRENTSIZE {
		return ErrOutOfSpace
	}
	return nil
}

// dirEmpty reports whether the locked directory holds only "." and "..".
func dirEmpty(dp *Inode) (bool, error) {
	ent := make([]byte, DIRENTSIZE)
	for off := uint32(2 * DIRENTSIZE); off < dp.Size; off += DIRENTSIZE {
		if _, err := dp.Readi(ent, off); err != nil {
			return false, err
		}
		if decodeDirEnt(ent).Inum != 0 {
			return false, nil
		}
	}
	return true, nil
}

// readDir decodes all live entries of the locked directory.
func readDir(dp *Inode) ([]DirEnt, error) {
	if dp.Kind != KindDir {
		return nil, ErrNotDirectory
	}
	var out []DirEnt
	ent := make([]byte, DIRENTSIZE)
	for off := uint32(0); off < dp.Size; off += DIRENTSIZE {
		if _, err := dp.Readi(ent, off); err != nil {
			return nil, err
		}
		e := decodeDirEnt(ent)
		if e.Inum != 0 {
			out = append(out, e)
		}
	}
	return out, nil
}

// Namei resolves a slash-separated path from the root directory and
// returns an unlocked handle to the named inode. Symbolic links in the
// path are not followed; see the fs.FS surface for resolving opens.
func (x *FS) Namei(path string) (*Inode, error) {
	ip, _, err := x.namex(path, false)
	return ip, err
}

// NameiParent resolves the path up to its last element, returning the
// parent directory handle and the final name.
func (x *FS) NameiParent(path string) (*Inode, string, error) {
	return x.namex(path, true)
}

func (x *FS) namex(path string, parent bool) (*Inode, string, error) {
	ip := x.Iget(ROOTINO)

	for {
		var name string
		name, path = skipElem(path)
		if name == "" {
			break
		}
		if len(name) > DIRSIZ {
			ip.Put()
			return nil, "", ErrNameTooLong
		}
		if err := ip.Lock(); err != nil {
			ip.Put()
			return nil, "", err
		}
		if ip.Kind != KindDir {
			ip.Unlock()
			ip.Put()
			return nil, "", ErrNotDirectory
		}
		if parent && skipEmpty(path) == "" {
			ip.Unlock()
			return ip, name, nil
		}
		next, _, err := x.DirLookup(ip, name)
		ip.Unlock()
		ip.Put()
		if err != nil {
			return nil, "", err
		}
		ip = next
	}

	if parent {
		// path named the root itself; there is no parent
		ip.Put()
		return nil, "", fs.ErrInvalid
	}
	return ip, "", nil
}

// skipElem splits the next path element off, eating leading slashes.
func skipElem(path string) (string, string) {
	path = skipEmpty(path)
	if path == "" {
		return "", ""
	}
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return path, ""
}

func skipEmpty(path string) string {
	return strings.TrimLeft(path, "/")
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
