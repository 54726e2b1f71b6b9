package xv6fs

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Image archives. The filesystem proper is raw fixed-size blocks, so
// compression only exists at the archive boundary: DumpImage streams an
// unmounted image through a registered compressor, RestoreImage undoes
// it. The stream starts with an 8-byte header: the magic "xv6ar\x00"
// and the compression id as a little-endian u16.

// Compression identifies an archive compression algorithm.
type Compression uint16

const (
	Zstd Compression = 1
	Xz   Compression = 2
)

func (c Compression) String() string {
	switch c {
	case Zstd:
		return "zstd"
	case Xz:
		return "xz"
	}
	return fmt.Sprintf("Compression(%d)", uint16(c))
}

// CompHandler provides the two stream directions for one algorithm.
type CompHandler struct {
	NewWriter func(io.Writer) (io.WriteCloser, error)
	NewReader func(io.Reader) (io.ReadCloser, error)
}

var compHandlers = map[Compression]*CompHandler{}

// RegisterCompHandler makes an algorithm available to DumpImage and
// RestoreImage; both built-in algorithms are registered at init.
func RegisterCompHandler(c Compression, h *CompHandler) {
	compHandlers[c] = h
}

func init() {
	RegisterCompHandler(Zstd, &CompHandler{
		NewWriter: func(w io.Writer) (io.WriteCloser, error) {
			return zstd.NewWriter(w)
		},
		NewReader: func(r io.Reader) (io.ReadCloser, error) {
			d, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return d.IOReadCloser(), nil
		},
	})
	RegisterCompHandler(Xz, &CompHandler{
		NewWriter: func(w io.Writer) (io.WriteCloser, error) {
			return xz.NewWriter(w)
		},
		NewReader: func(r io.Reader) (io.ReadCloser, error) {
			xr, err := xz.NewReader(r)
			if err != nil {
				return nil, err
			}
			return io.NopCloser(xr), nil
		},
	})
}

var archiveMagic = [6]byte{'x', 'v', '6', 'a', 'r', 0}

// DumpImage writes a compressed archive of the device image to w. The
// device must hold a formatted, unmounted filesystem; the superblock
// supplies the image size.
func DumpImage(w io.Writer, dev BlockDevice, comp Compression) error {
	h, ok := compHandlers[comp]
	if !ok {
		return fmt.Errorf("dump: no handler for %s", comp)
	}

	raw := make([]byte, BSIZE)
	if err := dev.ReadBlock(1, raw); err != nil {
		return fmt.Errorf("dump: %w", err)
	}
	var sb Superblock
	if err := sb.UnmarshalBinary(raw); err != nil {
		return err
	}

	hdr := make([]byte, 8)
	copy(hdr, archiveMagic[:])
	binary.LittleEndian.PutUint16(hdr[6:], uint16(comp))
	if _, err := w.Write(hdr); err != nil {
		return err
	}

	cw, err := h.NewWriter(w)
	if err != nil {
		return err
	}
	for bno := uint32(0); bno < sb.Size; bno++ {
		if err := dev.ReadBlock(bno, raw); err != nil {
			cw.Close()
			return fmt.Errorf("dump block %d: %w", bno, err)
		}
		if _, err := cw.Write(raw); err != nil {
			cw.Close()
			return err
		}
	}
	return cw.Close()
}

// RestoreImage reads an archive produced by DumpImage and returns the
// raw image bytes.
func RestoreImage(r io.Reader) ([]byte, error) {
	hdr := make([]byte, 8)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	if [6]byte(hdr[:6]) != archiveMagic {
		return nil, ErrUnknownArchive
	}
	comp := Compression(binary.LittleEndian.Uint16(hdr[6:]))
	h, ok := compHandlers[comp]
	if !ok {
		return nil, fmt.Errorf("restore: no handler for %s", comp)
	}

	cr, err := h.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer cr.Close()
	img, err := io.ReadAll(cr)
	if err != nil {
		return nil, err
	}
	if len(img)%BSIZE != 0 {
		return nil, fmt.Errorf("restore: image is not block aligned: %w", ErrUnknownArchive)
	}
	return img, nil
}
