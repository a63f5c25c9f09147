package files

import (
	"io"
	"sync"

	"github.com/cockroachdb/errors"
)

type memoryStore struct{}

func (memoryStore) create(index uint32, kind Kind) (File, error) {
	return &memFile{index: index, kind: kind}, nil
}

func (memoryStore) remove(File) error { return nil }
func (memoryStore) close(File) error  { return nil }

type memFile struct {
	index uint32
	kind  Kind

	mu   sync.RWMutex
	data []byte
}

func (f *memFile) Index() uint32 { return f.index }
func (f *memFile) Kind() Kind    { return f.kind }

func (f *memFile) Size() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return uint64(len(f.data))
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if off < 0 {
		return 0, errors.Newf("files: negative offset %d", off)
	}
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) Append(p []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	off := uint64(len(f.data))
	f.data = append(f.data, p...)
	return off, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if off < 0 || off+int64(len(p)) > int64(len(f.data)) {
		return 0, errors.Wrapf(ErrOutOfRange, "segment %d [%d,+%d)", f.index, off, len(p))
	}
	return copy(f.data[off:], p), nil
}

func (f *memFile) Sync() error { return nil }

func (f *memFile) Truncate(size uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if size > uint64(len(f.data)) {
		return errors.Wrapf(ErrOutOfRange, "truncate segment %d to %d", f.index, size)
	}
	// Readers may hold slices copied out earlier, never the backing array,
	// so shrinking in place is safe.
	f.data = f.data[:size:size]
	return nil
}
