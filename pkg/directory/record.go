package directory

import (
	"encoding/hex"

	fserrors "github.com/marmos91/flashfs/pkg/errors"
)

// MaxNameLen is the maximum length of a file name in bytes.
const MaxNameLen = 32

// HashSize is the size of a record's content hash (BLAKE3-256).
const HashSize = 32

// Record is the committed description of one generation of a file.
type Record struct {
	Name       string         `json:"name" yaml:"name"`
	Generation uint64         `json:"generation" yaml:"generation"`
	Length     uint64         `json:"length" yaml:"length"`
	Hash       [HashSize]byte `json:"-" yaml:"-"`
	Blocks     []uint32       `json:"blocks" yaml:"blocks"`
}

// HashString returns the content hash in hex.
func (r Record) HashString() string {
	return hex.EncodeToString(r.Hash[:])
}

// clone returns a copy that shares no memory with r.
func (r Record) clone() Record {
	r.Blocks = append([]uint32(nil), r.Blocks...)
	return r
}

// ValidateName checks that name can be stored in the directory.
func ValidateName(name string) error {
	if name == "" {
		return fserrors.NewInvalidArgumentError("empty file name")
	}
	if len(name) > MaxNameLen {
		return fserrors.NewNameTooLongError(name, MaxNameLen)
	}
	return nil
}
