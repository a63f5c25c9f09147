// Package files provides the segment files a store is persisted in.
//
// A Collection owns numbered segment files. Segments are append-only except
// for WriteAt, which re-fills byte ranges the free-space tracker handed back.
// Three backends exist: Memory (throwaway), Disk (plain files) and Mmap (disk
// files read through a shared read-only mapping). For the same sequence of
// writes all three return identical bytes.
package files

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

var (
	ErrClosed     = errors.New("files: collection closed")
	ErrNoFile     = errors.New("files: no such segment")
	ErrOutOfRange = errors.New("files: write outside segment extent")
)

// Kind distinguishes segment roles. It selects the file extension on disk.
type Kind uint8

const (
	KindData Kind = iota + 1
	KindRootLog
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindRootLog:
		return "rootlog"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) ext() string {
	switch k {
	case KindData:
		return "kvd"
	case KindRootLog:
		return "kvr"
	}
	return ""
}

// Backend selects the storage implementation of a collection.
type Backend uint8

const (
	Memory Backend = iota
	Disk
	Mmap
)

func (b Backend) String() string {
	switch b {
	case Memory:
		return "memory"
	case Disk:
		return "disk"
	case Mmap:
		return "mmap"
	default:
		return fmt.Sprintf("backend(%d)", uint8(b))
	}
}

// ParseBackend maps a backend name to its value.
func ParseBackend(name string) (Backend, error) {
	switch strings.ToLower(name) {
	case "memory", "mem":
		return Memory, nil
	case "disk", "file":
		return Disk, nil
	case "mmap":
		return Mmap, nil
	}
	return 0, errors.Newf("files: unknown backend %q", name)
}

// File is one segment.
type File interface {
	io.ReaderAt

	// Index is the segment number. Indices start at 1 and are never reused
	// while the collection is open.
	Index() uint32
	Kind() Kind

	// Size is the current extent in bytes.
	Size() uint64

	// Append writes p at the end of the segment and returns where it landed.
	Append(p []byte) (off uint64, err error)

	// WriteAt overwrites bytes inside the current extent. It never grows
	// the segment.
	WriteAt(p []byte, off int64) (int, error)

	// Sync makes every completed write durable.
	Sync() error

	// Truncate shrinks the segment to size.
	Truncate(size uint64) error
}

// Collection is a set of segments.
type Collection interface {
	// AddFile creates a new, empty segment.
	AddFile(kind Kind) (File, error)

	File(index uint32) (File, bool)

	// Files returns every segment ordered by index.
	Files() []File

	// Remove deletes a segment. Its index is not handed out again.
	Remove(index uint32) error

	Backend() Backend

	Close() error
}

// Open returns a collection of the given backend. For Disk and Mmap, dir is
// created if needed and existing segments are enumerated.
func Open(backend Backend, dir string) (Collection, error) {
	switch backend {
	case Memory:
		return newCollection(Memory, &memoryStore{}), nil
	case Disk:
		return openDisk(dir, Disk, openDiskFile)
	case Mmap:
		return openDisk(dir, Mmap, openMmapFile)
	}
	return nil, errors.Newf("files: unknown backend %d", backend)
}

// store is the per-backend half of a collection.
type store interface {
	create(index uint32, kind Kind) (File, error)
	remove(f File) error
	close(f File) error
}

type collection struct {
	mu      sync.RWMutex
	backend Backend
	store   store
	files   map[uint32]File
	next    uint32
	closed  bool
}

func newCollection(b Backend, s store) *collection {
	return &collection{
		backend: b,
		store:   s,
		files:   make(map[uint32]File),
		next:    1,
	}
}

func (c *collection) Backend() Backend { return c.backend }

func (c *collection) adopt(f File) {
	c.files[f.Index()] = f
	if f.Index() >= c.next {
		c.next = f.Index() + 1
	}
}

func (c *collection) AddFile(kind Kind) (File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	f, err := c.store.create(c.next, kind)
	if err != nil {
		return nil, err
	}
	c.adopt(f)
	return f, nil
}

func (c *collection) File(index uint32) (File, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.files[index]
	return f, ok
}

func (c *collection) Files() []File {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]File, 0, len(c.files))
	for _, f := range c.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index() < out[j].Index() })
	return out
}

func (c *collection) Remove(index uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	f, ok := c.files[index]
	if !ok {
		return errors.Wrapf(ErrNoFile, "segment %d", index)
	}
	delete(c.files, index)
	return c.store.remove(f)
}

func (c *collection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	var firstErr error
	for _, f := range c.files {
		if err := c.store.close(f); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
