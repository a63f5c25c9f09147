package manifest

import (
	"github.com/cockroachdb/errors"

	"cowkv/files"
)

// Manifest appends records to a root log segment.
type Manifest struct {
	file files.File
}

// OpenManifest wraps an existing root log segment. Appends go after its
// current extent, so the segment must already be cut back to its last valid
// record.
func OpenManifest(f files.File) *Manifest {
	return &Manifest{file: f}
}

// File returns the underlying segment.
func (m *Manifest) File() files.File { return m.file }

// Size is the number of bytes written so far.
func (m *Manifest) Size() uint64 { return m.file.Size() }

// Append writes rec and, if sync is set, makes it durable.
func (m *Manifest) Append(rec Record, sync bool) error {
	raw, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	if _, err := m.file.Append(raw); err != nil {
		return err
	}
	if !sync {
		return nil
	}
	return m.file.Sync()
}

// Replay decodes f from the start and returns the last valid record and the
// offset just past it. Replay stops at the first invalid record; everything
// after it is a torn or corrupt tail.
func Replay(f files.File) (last Record, found bool, end uint64, err error) {
	size := f.Size()
	data := make([]byte, size)
	if size > 0 {
		if _, err := f.ReadAt(data, 0); err != nil {
			return Record{}, false, 0, errors.Wrapf(err, "read root log %d", f.Index())
		}
	}

	offset := 0
	for offset < len(data) {
		rec, n, err := DecodeRecord(data[offset:])
		if err != nil {
			// Hard stop on corruption
			break
		}
		last, found = rec, true
		offset += n
	}
	return last, found, uint64(offset), nil
}

// Rewrite starts a new root log holding only rec. The caller removes the old
// segment once the new one is in place; until then the old log still
// recovers the same state.
func Rewrite(c files.Collection, rec Record) (*Manifest, error) {
	f, err := c.AddFile(files.KindRootLog)
	if err != nil {
		return nil, err
	}
	m := OpenManifest(f)
	if err := m.Append(rec, true); err != nil {
		c.Remove(f.Index())
		return nil, err
	}
	return m, nil
}
