package files

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

var errFileClosed = errors.New("files: segment closed")

type openFunc func(path string, index uint32, kind Kind, create bool) (File, error)

type diskStore struct {
	dir  string
	open openFunc
}

func segmentName(index uint32, kind Kind) string {
	return fmt.Sprintf("%06d.%s", index, kind.ext())
}

// parseSegmentName accepts exactly the names segmentName produces.
func parseSegmentName(name string) (uint32, Kind, bool) {
	for _, kind := range []Kind{KindData, KindRootLog} {
		var n uint32
		if _, err := fmt.Sscanf(name, "%06d."+kind.ext(), &n); err != nil {
			continue
		}
		if n == 0 || segmentName(n, kind) != name {
			continue
		}
		return n, kind, true
	}
	return 0, 0, false
}

func openDisk(dir string, backend Backend, open openFunc) (*collection, error) {
	if dir == "" {
		return nil, errors.New("files: directory required for on-disk backend")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	c := newCollection(backend, &diskStore{dir: dir, open: open})
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		index, kind, ok := parseSegmentName(e.Name())
		if !ok {
			continue
		}
		f, err := open(filepath.Join(dir, e.Name()), index, kind, false)
		if err != nil {
			c.Close()
			return nil, errors.Wrapf(err, "open segment %s", e.Name())
		}
		c.adopt(f)
	}
	return c, nil
}

func (s *diskStore) create(index uint32, kind Kind) (File, error) {
	return s.open(filepath.Join(s.dir, segmentName(index, kind)), index, kind, true)
}

func (s *diskStore) remove(f File) error {
	if err := s.close(f); err != nil {
		return err
	}
	return os.Remove(filepath.Join(s.dir, segmentName(f.Index(), f.Kind())))
}

func (s *diskStore) close(f File) error {
	if c, ok := f.(interface{ close() error }); ok {
		return c.close()
	}
	return nil
}

// diskFile is a segment backed by an *os.File. Appends go through WriteAt at
// the tracked size; the file is not opened with O_APPEND because hole refills
// need positioned writes too.
type diskFile struct {
	index uint32
	kind  Kind
	path  string

	mu     sync.Mutex
	file   *os.File
	size   atomic.Uint64
	closed bool
}

func openDiskFile(path string, index uint32, kind Kind, create bool) (File, error) {
	return newDiskFile(path, index, kind, create)
}

func newDiskFile(path string, index uint32, kind Kind, create bool) (*diskFile, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_EXCL
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	f := &diskFile{index: index, kind: kind, path: path, file: file}
	f.size.Store(uint64(info.Size()))
	return f, nil
}

func (f *diskFile) Index() uint32 { return f.index }
func (f *diskFile) Kind() Kind    { return f.kind }
func (f *diskFile) Size() uint64  { return f.size.Load() }

// ReadAt uses pread and needs no lock.
func (f *diskFile) ReadAt(p []byte, off int64) (int, error) {
	return f.file.ReadAt(p, off)
}

func (f *diskFile) Append(p []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, errFileClosed
	}

	off := f.size.Load()
	n, err := f.file.WriteAt(p, int64(off))
	if err != nil {
		// A partial write leaves garbage past the extent; cut it off so the
		// next append starts clean.
		if n > 0 {
			f.file.Truncate(int64(off))
		}
		return 0, err
	}
	f.size.Store(off + uint64(n))
	return off, nil
}

func (f *diskFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, errFileClosed
	}
	if off < 0 || uint64(off)+uint64(len(p)) > f.size.Load() {
		return 0, errors.Wrapf(ErrOutOfRange, "segment %d [%d,+%d)", f.index, off, len(p))
	}
	return f.file.WriteAt(p, off)
}

// Sync fsyncs the segment file.
func (f *diskFile) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return errFileClosed
	}
	return f.file.Sync()
}

func (f *diskFile) Truncate(size uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return errFileClosed
	}
	if size > f.size.Load() {
		return errors.Wrapf(ErrOutOfRange, "truncate segment %d to %d", f.index, size)
	}
	if err := f.file.Truncate(int64(size)); err != nil {
		return err
	}
	f.size.Store(size)
	return nil
}

// close fsyncs and closes the segment. After close, no further writes are
// allowed.
func (f *diskFile) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	if err := f.file.Sync(); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}
