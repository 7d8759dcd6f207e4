package nvs

import (
	"fmt"
	"os"
)

// FileStorage persists to a fixed-size file, standing in for a flash
// region. A missing file is created pre-filled with the erased pattern.
type FileStorage struct {
	path string
	size int
}

// NewFileStorage opens (or creates) the backing file at path with the
// given region size.
func NewFileStorage(path string, size int) (*FileStorage, error) {
	if size <= 0 {
		return nil, fmt.Errorf("nvs: invalid region size %d", size)
	}

	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		blank := make([]byte, size)
		for i := range blank {
			blank[i] = 0xFF
		}
		if err := os.WriteFile(path, blank, 0o644); err != nil {
			return nil, fmt.Errorf("nvs: initializing %s: %w", path, err)
		}
	case err != nil:
		return nil, fmt.Errorf("nvs: stat %s: %w", path, err)
	case info.Size() != int64(size):
		return nil, fmt.Errorf("nvs: %s is %d bytes, want %d", path, info.Size(), size)
	}

	return &FileStorage{path: path, size: size}, nil
}

func (s *FileStorage) Load(offset int, buf []byte) error {
	if err := s.check(offset, len(buf)); err != nil {
		return err
	}

	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("nvs: open %s: %w", s.path, err)
	}
	defer f.Close()

	if _, err := f.ReadAt(buf, int64(offset)); err != nil {
		return fmt.Errorf("nvs: read %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStorage) Write(offset int, buf []byte) error {
	if err := s.check(offset, len(buf)); err != nil {
		return err
	}

	f, err := os.OpenFile(s.path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("nvs: open %s: %w", s.path, err)
	}
	defer f.Close()

	if _, err := f.WriteAt(buf, int64(offset)); err != nil {
		return fmt.Errorf("nvs: write %s: %w", s.path, err)
	}
	return f.Sync()
}

func (s *FileStorage) Erase(offset, length int) error {
	if err := s.check(offset, length); err != nil {
		return err
	}

	blank := make([]byte, length)
	for i := range blank {
		blank[i] = 0xFF
	}
	return s.Write(offset, blank)
}

func (s *FileStorage) check(offset, length int) error {
	if offset < 0 || length < 0 || offset+length > s.size {
		return fmt.Errorf("%w: [%d, %d) in %d-byte region", ErrOutOfRange, offset, offset+length, s.size)
	}
	return nil
}

// MemStorage is an in-memory Storage for tests and ephemeral simulations.
type MemStorage struct {
	data []byte
}

// NewMemStorage returns an erased in-memory region of the given size.
func NewMemStorage(size int) *MemStorage {
	data := make([]byte, size)
	for i := range data {
		data[i] = 0xFF
	}
	return &MemStorage{data: data}
}

func (s *MemStorage) Load(offset int, buf []byte) error {
	if err := s.check(offset, len(buf)); err != nil {
		return err
	}
	copy(buf, s.data[offset:])
	return nil
}

func (s *MemStorage) Write(offset int, buf []byte) error {
	if err := s.check(offset, len(buf)); err != nil {
		return err
	}
	copy(s.data[offset:], buf)
	return nil
}

func (s *MemStorage) Erase(offset, length int) error {
	if err := s.check(offset, length); err != nil {
		return err
	}
	for i := offset; i < offset+length; i++ {
		s.data[i] = 0xFF
	}
	return nil
}

func (s *MemStorage) check(offset, length int) error {
	if offset < 0 || length < 0 || offset+length > len(s.data) {
		return fmt.Errorf("%w: [%d, %d) in %d-byte region", ErrOutOfRange, offset, offset+length, len(s.data))
	}
	return nil
}
