package upload

import (
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/marmos91/flashfs/internal/logger"
	"github.com/marmos91/flashfs/pkg/directory"
	fserrors "github.com/marmos91/flashfs/pkg/errors"
	"github.com/marmos91/flashfs/pkg/fs"
)

var (
	// ErrOutOfOrder is returned for a chunk that arrives before its
	// predecessors. Blocks are programmed in sequence, so the sender has to
	// retransmit from the first missing chunk.
	ErrOutOfOrder = errors.New("chunk out of order")

	// ErrIncomplete is returned by Finish while chunks are missing.
	ErrIncomplete = errors.New("upload incomplete")
)

// Status reports upload progress.
type Status struct {
	Received int   `json:"received" yaml:"received"`
	Total    int   `json:"total" yaml:"total"`
	Missing  []int `json:"missing,omitempty" yaml:"missing,omitempty"`
}

// Progress returns the received fraction in [0, 1].
func (s Status) Progress() float64 {
	if s.Total == 0 {
		return 1
	}
	return float64(s.Received) / float64(s.Total)
}

// Session is an upload in progress. It holds the writer of the file's name
// until Finish or Abort. A Session is not safe for concurrent use.
type Session struct {
	m    Manifest
	w    *fs.Writer
	next int   // index of the first chunk not yet written
	err  error // writer failure, returned from then on
	done bool
}

// Begin validates m and opens the writer for m.Name.
func Begin(fsys *fs.FS, m Manifest) (*Session, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if limit := fsys.MaxFileSize(); m.Length > limit {
		return nil, fserrors.Newf(fserrors.ErrOutOfSpace, "file of %d bytes exceeds limit of %d", m.Length, limit)
	}

	w, err := fsys.BeginWrite(m.Name)
	if err != nil {
		return nil, err
	}
	logger.Debug("Upload started",
		logger.KeyFilename, m.Name,
		logger.KeyGeneration, w.Generation(),
		logger.KeySize, m.Length,
		logger.KeyChunks, m.ChunkCount())
	return &Session{m: m, w: w}, nil
}

// Manifest returns the manifest the session was started with.
func (s *Session) Manifest() Manifest { return s.m }

// ReceiveChunk checks chunk index against the manifest and appends it.
// A chunk that was already written is accepted again without effect.
func (s *Session) ReceiveChunk(index int, data []byte) error {
	if s.done {
		return fserrors.NewDoubleReleaseError(s.m.Name, "upload")
	}
	if s.err != nil {
		return s.err
	}
	if index < 0 || index >= s.m.ChunkCount() {
		return fserrors.Newf(fserrors.ErrInvalidArgument, "chunk %d out of range [0, %d)", index, s.m.ChunkCount())
	}
	if want := s.m.ChunkLen(index); len(data) != want {
		return fserrors.Newf(fserrors.ErrInvalidArgument, "chunk %d has %d bytes, want %d", index, len(data), want)
	}
	if crc32.Checksum(data, castagnoli) != s.m.Checksums[index] {
		return fserrors.NewChecksumMismatchError(s.m.Name, fmt.Sprintf("chunk %d", index))
	}

	switch {
	case index < s.next:
		return nil
	case index > s.next:
		return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, index, s.next)
	}

	if _, err := s.w.Write(data); err != nil {
		s.err = err
		logger.Warn("Upload failed", logger.KeyFilename, s.m.Name, logger.KeyChunk, index, logger.Err(err))
		return err
	}
	s.next++
	return nil
}

// Missing lists the chunks that still have to be sent, in order.
func (s *Session) Missing() []int {
	missing := make([]int, 0, s.m.ChunkCount()-s.next)
	for i := s.next; i < s.m.ChunkCount(); i++ {
		missing = append(missing, i)
	}
	return missing
}

// Status reports how many chunks have been written.
func (s *Session) Status() Status {
	return Status{Received: s.next, Total: s.m.ChunkCount(), Missing: s.Missing()}
}

// Finish commits the file once every chunk has arrived and the content hash
// matches the manifest. On a hash mismatch the upload is aborted.
func (s *Session) Finish() (directory.Record, error) {
	if s.done {
		return directory.Record{}, fserrors.NewDoubleReleaseError(s.m.Name, "upload")
	}
	if s.err != nil {
		return directory.Record{}, s.err
	}
	if missing := s.m.ChunkCount() - s.next; missing > 0 {
		return directory.Record{}, fmt.Errorf("%w: %d of %d chunks missing", ErrIncomplete, missing, s.m.ChunkCount())
	}

	s.done = true
	if s.w.Sum() != s.m.Hash {
		_ = s.w.Abort()
		logger.Warn("Upload hash mismatch", logger.KeyFilename, s.m.Name, logger.KeyChunks, s.m.ChunkCount())
		return directory.Record{}, fserrors.NewChecksumMismatchError(s.m.Name, "content")
	}

	rec, err := s.w.Finalize()
	if err != nil {
		return directory.Record{}, err
	}
	logger.Info("Upload complete",
		logger.KeyFilename, rec.Name,
		logger.KeyGeneration, rec.Generation,
		logger.KeyChunks, s.m.ChunkCount())
	return rec, nil
}

// Abort discards the upload and releases its blocks.
func (s *Session) Abort() error {
	if s.done {
		return fserrors.NewDoubleReleaseError(s.m.Name, "upload")
	}
	s.done = true
	return s.w.Abort()
}
