package fs

import (
	"hash/crc32"
	"io"

	"github.com/zeebo/blake3"

	fserrors "github.com/marmos91/flashfs/pkg/errors"
)

// View exposes the content of an open Reader as slices of mapped flash.
// The slices must not be modified and must not be used after the reader is
// closed; every View method fails with DoubleRelease once it is.
type View struct {
	r *Reader
}

var (
	_ io.ReaderAt = (*View)(nil)
	_ io.WriterTo = (*View)(nil)
)

func (v *View) check() error {
	if v.r.closed.Load() {
		return fserrors.NewDoubleReleaseError(v.r.rec.Name, "view")
	}
	return nil
}

// Segments returns the content as one slice per block, in order.
func (v *View) Segments() ([][]byte, error) {
	if err := v.check(); err != nil {
		return nil, err
	}
	return append([][]byte(nil), v.r.segments...), nil
}

// Contiguous returns the content as a single slice when it fits into one
// block.
func (v *View) Contiguous() ([]byte, bool) {
	if v.check() != nil {
		return nil, false
	}
	switch len(v.r.segments) {
	case 0:
		return []byte{}, true
	case 1:
		return v.r.segments[0], true
	default:
		return nil, false
	}
}

// Len returns the content length in bytes.
func (v *View) Len() int64 {
	return int64(v.r.rec.Length)
}

// ReadAt copies content at off into p.
func (v *View) ReadAt(p []byte, off int64) (int, error) {
	if err := v.check(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, fserrors.NewInvalidArgumentError("negative offset")
	}
	if off >= v.Len() {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}

	n := 0
	for _, seg := range v.r.segments {
		if len(p) == n {
			break
		}
		segLen := int64(len(seg))
		if off >= segLen {
			off -= segLen
			continue
		}
		n += copy(p[n:], seg[off:])
		off = 0
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteTo writes the whole content to w.
func (v *View) WriteTo(w io.Writer) (int64, error) {
	if err := v.check(); err != nil {
		return 0, err
	}
	var total int64
	for _, seg := range v.r.segments {
		n, err := w.Write(seg)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// NewReader returns an io.Reader over the content.
func (v *View) NewReader() *io.SectionReader {
	return io.NewSectionReader(v, 0, v.Len())
}

// Verify checks every block payload against its CRC-32C and the whole
// content against the recorded BLAKE3 hash.
func (v *View) Verify() error {
	if err := v.check(); err != nil {
		return err
	}
	h := blake3.New()
	for i, seg := range v.r.segments {
		if crc32.Checksum(seg, castagnoli) != v.r.crcs[i] {
			return &fserrors.FSError{
				Code:    fserrors.ErrChecksumMismatch,
				Message: "block payload checksum mismatch",
				Name:    v.r.rec.Name,
				Block:   int64(v.r.rec.Blocks[i]),
			}
		}
		_, _ = h.Write(seg)
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	if sum != v.r.rec.Hash {
		return fserrors.NewChecksumMismatchError(v.r.rec.Name, "content")
	}
	return nil
}
