//go:build unix

package files

import (
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// mmapFile serves reads from a shared read-only mapping of a disk segment.
// Writes go through the file descriptor; with MAP_SHARED the page cache makes
// them visible through the mapping. The mapping is grown lazily when a read
// lands past it. Replaced mappings stay valid until close because readers
// may still be copying out of them.
type mmapFile struct {
	*diskFile

	// mapMu is held shared while copying out of a mapping and exclusively
	// while close unmaps them.
	mapMu   sync.RWMutex
	current atomic.Pointer[[]byte]

	remapMu sync.Mutex
	retired [][]byte
}

var pageSize = uint64(os.Getpagesize())

func openMmapFile(path string, index uint32, kind Kind, create bool) (File, error) {
	d, err := newDiskFile(path, index, kind, create)
	if err != nil {
		return nil, err
	}
	return &mmapFile{diskFile: d}, nil
}

func (f *mmapFile) ReadAt(p []byte, off int64) (int, error) {
	end := uint64(off) + uint64(len(p))
	if off < 0 || end > f.Size() {
		// Beyond the extent the descriptor gives the right short read.
		return f.diskFile.ReadAt(p, off)
	}

	f.mapMu.RLock()
	defer f.mapMu.RUnlock()
	m := f.current.Load()
	if m == nil || uint64(len(*m)) < end {
		var err error
		if m, err = f.remap(end); err != nil || m == nil {
			return f.diskFile.ReadAt(p, off)
		}
	}
	return copy(p, (*m)[off:end]), nil
}

// remap maps at least need bytes, growing geometrically. Pages past the end
// of the file are never touched since reads are bounded by Size.
func (f *mmapFile) remap(need uint64) (*[]byte, error) {
	f.remapMu.Lock()
	defer f.remapMu.Unlock()

	if m := f.current.Load(); m != nil && uint64(len(*m)) >= need {
		return m, nil
	}

	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return nil, errFileClosed
	}

	length := need * 2
	if m := f.current.Load(); m != nil && uint64(len(*m))*2 > length {
		length = uint64(len(*m)) * 2
	}
	length = (length + pageSize - 1) &^ (pageSize - 1)

	data, err := unix.Mmap(int(f.file.Fd()), 0, int(length), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	if old := f.current.Load(); old != nil {
		f.retired = append(f.retired, *old)
	}
	f.current.Store(&data)
	return &data, nil
}

func (f *mmapFile) close() error {
	f.mapMu.Lock()
	defer f.mapMu.Unlock()
	f.remapMu.Lock()
	defer f.remapMu.Unlock()

	err := f.diskFile.close()
	if m := f.current.Swap(nil); m != nil {
		f.retired = append(f.retired, *m)
	}
	for _, m := range f.retired {
		if uerr := unix.Munmap(m); uerr != nil && err == nil {
			err = uerr
		}
	}
	f.retired = nil
	return err
}
