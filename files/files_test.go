package files

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
)

func openBackend(t *testing.T, b Backend) Collection {
	t.Helper()
	c, err := Open(b, t.TempDir())
	if err != nil {
		t.Fatalf("open %s: %v", b, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// script applies the same writes to any backend and returns what reads see.
func script(t *testing.T, c Collection) [][]byte {
	t.Helper()
	data, err := c.AddFile(KindData)
	if err != nil {
		t.Fatal(err)
	}
	log, err := c.AddFile(KindRootLog)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 200; i++ {
		rec := bytes.Repeat([]byte{byte(i)}, i%37+1)
		if _, err := data.Append(rec); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := log.Append([]byte("root-record")); err != nil {
		t.Fatal(err)
	}
	if _, err := data.WriteAt([]byte("hole"), 100); err != nil {
		t.Fatal(err)
	}
	if err := data.Sync(); err != nil {
		t.Fatal(err)
	}

	var out [][]byte
	for _, f := range c.Files() {
		buf := make([]byte, f.Size())
		if _, err := f.ReadAt(buf, 0); err != nil {
			t.Fatalf("read %d: %v", f.Index(), err)
		}
		out = append(out, buf)

		tail := make([]byte, 8)
		n, err := f.ReadAt(tail, int64(f.Size())-3)
		if n != 3 || err != io.EOF {
			t.Fatalf("short read at tail: n=%d err=%v", n, err)
		}
	}
	return out
}

func TestBackendsByteIdentical(t *testing.T) {
	want := script(t, openBackend(t, Memory))
	for _, b := range []Backend{Disk, Mmap} {
		got := script(t, openBackend(t, b))
		if len(got) != len(want) {
			t.Fatalf("%s: %d files, want %d", b, len(got), len(want))
		}
		for i := range want {
			if !bytes.Equal(got[i], want[i]) {
				t.Errorf("%s: file %d differs from memory backend", b, i)
			}
		}
	}
}

func TestIndicesAndOrdering(t *testing.T) {
	c := openBackend(t, Memory)
	for i := 0; i < 3; i++ {
		f, err := c.AddFile(KindData)
		if err != nil {
			t.Fatal(err)
		}
		if f.Index() != uint32(i+1) {
			t.Fatalf("index %d, want %d", f.Index(), i+1)
		}
	}
	if err := c.Remove(3); err != nil {
		t.Fatal(err)
	}
	if err := c.Remove(3); !errors.Is(err, ErrNoFile) {
		t.Fatalf("second remove: %v", err)
	}
	f, _ := c.AddFile(KindData)
	if f.Index() != 4 {
		t.Fatalf("removed index reused: %d", f.Index())
	}

	var idx []uint32
	for _, f := range c.Files() {
		idx = append(idx, f.Index())
	}
	if len(idx) != 3 || idx[0] != 1 || idx[1] != 2 || idx[2] != 4 {
		t.Fatalf("Files order = %v", idx)
	}
}

func TestDiskReopenEnumerates(t *testing.T) {
	for _, b := range []Backend{Disk, Mmap} {
		t.Run(b.String(), func(t *testing.T) {
			dir := t.TempDir()
			c, err := Open(b, dir)
			if err != nil {
				t.Fatal(err)
			}
			d, _ := c.AddFile(KindData)
			d.Append([]byte("hello"))
			l, _ := c.AddFile(KindRootLog)
			l.Append([]byte("root"))
			if err := c.Close(); err != nil {
				t.Fatal(err)
			}

			// Foreign files are ignored.
			os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644)
			os.WriteFile(filepath.Join(dir, "0000001.kvd"), []byte("x"), 0644)

			c, err = Open(b, dir)
			if err != nil {
				t.Fatal(err)
			}
			defer c.Close()

			fs := c.Files()
			if len(fs) != 2 {
				t.Fatalf("enumerated %d segments, want 2", len(fs))
			}
			if fs[0].Kind() != KindData || fs[1].Kind() != KindRootLog {
				t.Fatalf("kinds %s %s", fs[0].Kind(), fs[1].Kind())
			}
			buf := make([]byte, 5)
			if _, err := fs[0].ReadAt(buf, 0); err != nil || string(buf) != "hello" {
				t.Fatalf("reopened read %q %v", buf, err)
			}
			nf, _ := c.AddFile(KindData)
			if nf.Index() != 3 {
				t.Fatalf("next index after reopen = %d", nf.Index())
			}
		})
	}
}

func TestWriteAtStaysInsideExtent(t *testing.T) {
	for _, b := range []Backend{Memory, Disk, Mmap} {
		c := openBackend(t, b)
		f, _ := c.AddFile(KindData)
		f.Append(make([]byte, 10))
		if _, err := f.WriteAt([]byte("abc"), 8); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("%s: write past extent: %v", b, err)
		}
		if err := f.Truncate(4); err != nil {
			t.Fatalf("%s: truncate: %v", b, err)
		}
		if f.Size() != 4 {
			t.Errorf("%s: size after truncate %d", b, f.Size())
		}
		off, _ := f.Append([]byte("xy"))
		if off != 4 {
			t.Errorf("%s: append after truncate at %d", b, off)
		}
	}
}

func TestMmapConcurrentReadersWhileAppending(t *testing.T) {
	c := openBackend(t, Mmap)
	f, _ := c.AddFile(KindData)

	const recLen = 64
	const records = 2000
	var wg sync.WaitGroup
	published := make(chan uint64, records)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(published)
		for i := 0; i < records; i++ {
			off, err := f.Append(bytes.Repeat([]byte{byte(i)}, recLen))
			if err != nil {
				t.Error(err)
				return
			}
			published <- off
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, recLen)
			for off := range published {
				if _, err := f.ReadAt(buf, int64(off)); err != nil {
					t.Error(err)
					return
				}
				want := byte(off / recLen)
				for _, b := range buf {
					if b != want {
						t.Errorf("record at %d: byte %d want %d", off, b, want)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

func TestMmapCloseWhileReading(t *testing.T) {
	for round := 0; round < 20; round++ {
		c, err := Open(Mmap, t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		f, _ := c.AddFile(KindData)
		want := bytes.Repeat([]byte{7}, 4096)
		for i := 0; i < 16; i++ {
			f.Append(want)
		}

		var wg sync.WaitGroup
		start := make(chan struct{})
		for r := 0; r < 8; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				buf := make([]byte, len(want))
				<-start
				for i := 0; i < 200; i++ {
					if _, err := f.ReadAt(buf, int64(i%16)*4096); err != nil {
						// Closed underneath us: an error, never a fault.
						return
					}
					if !bytes.Equal(buf, want) {
						t.Errorf("read wrong bytes")
						return
					}
				}
			}()
		}
		close(start)
		if err := c.Close(); err != nil {
			t.Fatal(err)
		}
		wg.Wait()
	}
}
