package xv6fs

import "errors"

// Package-specific error variables that can be used with errors.Is() for error handling.
var (
	// ErrInvalidSuper is returned when the superblock is corrupted or the magic
	// number does not match FSMAGIC
	ErrInvalidSuper = errors.New("invalid xv6fs superblock")

	// ErrOutOfSpace is returned when the free-block bitmap has no free bit left,
	// or a directory cannot grow any further
	ErrOutOfSpace = errors.New("no free blocks on device")

	// ErrOutOfInodes is returned when the inode table has no free slot
	ErrOutOfInodes = errors.New("no free inodes on device")

	// ErrBadRange is returned when a block map request falls outside the maximum
	// file size (NDIRECT direct blocks plus one indirect block)
	ErrBadRange = errors.New("file offset beyond maximum file size")

	// ErrNotDirectory is returned when attempting directory operations on a non-directory
	ErrNotDirectory = errors.New("not a directory")

	// ErrIsDirectory is returned when a file operation is attempted on a directory
	ErrIsDirectory = errors.New("is a directory")

	// ErrExist is returned when creating a name that is already linked
	ErrExist = errors.New("file exists")

	// ErrNotEmpty is returned when unlinking a directory that still has entries
	ErrNotEmpty = errors.New("directory not empty")

	// ErrNameTooLong is returned when a path component exceeds DIRSIZ bytes
	ErrNameTooLong = errors.New("name longer than 14 bytes")

	// ErrTooManySymlinks is returned when symlink resolution exceeds the maximum
	// depth, preventing infinite loops
	ErrTooManySymlinks = errors.New("too many levels of symbolic links")

	// ErrUnknownArchive is returned when restoring an image from a stream that
	// does not carry the archive magic
	ErrUnknownArchive = errors.New("unknown image archive format")
)
