package partition

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

type writeSession struct {
	table *FileTable
	label string
	file  *os.File
	limit int64

	mu   sync.Mutex
	done bool
}

var errSessionClosed = errors.New("write session closed")

func (s *writeSession) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return 0, errSessionClosed
	}
	if off < 0 || off+int64(len(p)) > s.limit {
		return 0, fmt.Errorf("%w: %d bytes at offset %d, partition size %d", ErrOutOfBounds, len(p), off, s.limit)
	}
	return s.file.WriteAt(p, off)
}

// Finish syncs the image and hands the slot over as pending_verify.
func (s *writeSession) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return errSessionClosed
	}
	s.done = true

	if err := s.file.Sync(); err != nil {
		s.discard()
		return fmt.Errorf("failed to sync image: %w", err)
	}
	if err := s.file.Close(); err != nil {
		s.discard()
		return fmt.Errorf("failed to close image: %w", err)
	}
	if err := s.table.finishSession(s); err != nil {
		s.discard()
		return err
	}
	return nil
}

func (s *writeSession) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return nil
	}
	s.done = true
	s.discard()
	return nil
}

func (s *writeSession) discard() {
	s.file.Close()
	os.Remove(s.file.Name())
	s.table.releaseSession(s)
}
