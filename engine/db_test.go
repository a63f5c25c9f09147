package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"cowkv/files"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Backend = files.Memory
	cfg.DisableCompactor = true
	cfg.NodeMaxEntries = 8
	cfg.InlineValueLimit = 16
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

func openTest(t *testing.T, cfg *Config) *DB {
	t.Helper()
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func key(i int) []byte { return []byte(fmt.Sprintf("key-%05d", i)) }

// blobValue is larger than the inline limit of testConfig.
func blobValue(i, version int) []byte {
	return bytes.Repeat([]byte(fmt.Sprintf("value-%d-%d|", i, version)), 20)
}

// dump returns every key/value pair of the latest version.
func dump(t *testing.T, db *DB) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := db.View(func(tx *ReadTx) error {
		it := tx.NewIterator(nil)
		for it.SeekToFirst(); it.Valid(); it.Next() {
			out[string(it.Key())] = string(it.Value())
		}
		return it.Err()
	})
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	return out
}

func TestPutGetDelete(t *testing.T) {
	db := openTest(t, testConfig())

	if err := db.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := db.Put([]byte("big"), blobValue(1, 1)); err != nil {
		t.Fatal(err)
	}

	v, err := db.Get([]byte("a"))
	if err != nil || string(v) != "1" {
		t.Fatalf("Get(a) = %q, %v", v, err)
	}
	v, err = db.Get([]byte("big"))
	if err != nil || !bytes.Equal(v, blobValue(1, 1)) {
		t.Fatalf("blob value mismatch: %v", err)
	}

	if err := db.Delete([]byte("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Get([]byte("a")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// Deleting a missing key is fine.
	if err := db.Delete([]byte("nope")); err != nil {
		t.Fatal(err)
	}
	if h := db.Head(); h.Count != 1 || h.Generation != 3 {
		t.Fatalf("head = %+v", h)
	}
}

func TestEmptyKeyAndValue(t *testing.T) {
	db := openTest(t, testConfig())
	if err := db.Put([]byte{}, []byte{}); err != nil {
		t.Fatal(err)
	}
	v, err := db.Get(nil)
	if err != nil || len(v) != 0 {
		t.Fatalf("Get(empty) = %q, %v", v, err)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	db := openTest(t, testConfig())
	ctx := context.Background()

	err := db.Update(ctx, func(tx *WriteTx) error {
		for i := 0; i < 100; i++ {
			if err := tx.Upsert(key(i), blobValue(i, 1)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	old, err := db.BeginRead()
	if err != nil {
		t.Fatal(err)
	}
	defer old.Close()

	err = db.Update(ctx, func(tx *WriteTx) error {
		for i := 0; i < 100; i += 2 {
			if err := tx.Upsert(key(i), blobValue(i, 2)); err != nil {
				return err
			}
		}
		_, err := tx.DeleteRange(&IterOptions{LowerBound: key(50)})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	if n, _ := old.Count(); n != 100 {
		t.Fatalf("old snapshot count = %d", n)
	}
	for i := 0; i < 100; i++ {
		v, err := old.Get(key(i))
		if err != nil || !bytes.Equal(v, blobValue(i, 1)) {
			t.Fatalf("old snapshot key %d changed: %v", i, err)
		}
	}

	// Re-enumerating the same snapshot yields the same sequence.
	it := old.NewIterator(nil)
	var first, second [][]byte
	for it.SeekToFirst(); it.Valid(); it.Next() {
		first = append(first, it.Key())
	}
	for it.SeekToFirst(); it.Valid(); it.Next() {
		second = append(second, it.Key())
	}
	if len(first) != 100 || len(second) != 100 {
		t.Fatalf("enumerations returned %d and %d keys", len(first), len(second))
	}
	for i := range first {
		if !bytes.Equal(first[i], second[i]) {
			t.Fatalf("enumeration differs at %d", i)
		}
	}

	now := dump(t, db)
	if len(now) != 50 || now[string(key(2))] != string(blobValue(2, 2)) || now[string(key(3))] != string(blobValue(3, 1)) {
		t.Fatalf("latest version wrong: %d keys", len(now))
	}
	if old.Generation() >= db.Head().Generation {
		t.Fatalf("old generation %d not older than head %d", old.Generation(), db.Head().Generation)
	}
}

func TestWriteTxReadsOwnWritesAndRollback(t *testing.T) {
	db := openTest(t, testConfig())
	db.Put([]byte("keep"), []byte("v"))

	tx, err := db.BeginWrite(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	tx.Upsert([]byte("temp"), blobValue(0, 0))
	tx.Delete([]byte("keep"))
	if v, err := tx.Get([]byte("temp")); err != nil || !bytes.Equal(v, blobValue(0, 0)) {
		t.Fatalf("write tx cannot read its own write: %v", err)
	}
	if ok, _ := tx.Has([]byte("keep")); ok {
		t.Fatalf("write tx still sees its own delete")
	}
	tx.Rollback()

	if _, err := db.Get([]byte("temp")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rolled back write visible: %v", err)
	}
	if v, _ := db.Get([]byte("keep")); string(v) != "v" {
		t.Fatalf("rolled back delete visible")
	}

	r, err := db.Verify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.LeakedBytes != 0 {
		t.Fatalf("rollback leaked %d bytes", r.LeakedBytes)
	}
}

func TestTransactionErrors(t *testing.T) {
	cfg := testConfig()
	cfg.MaxKeySize = 8
	cfg.MaxValueSize = 1024
	db := openTest(t, cfg)
	ctx := context.Background()

	tx, _ := db.BeginWrite(ctx)
	if err := tx.Upsert(make([]byte, 9), nil); !errors.Is(err, ErrKeyTooLarge) {
		t.Fatalf("expected ErrKeyTooLarge, got %v", err)
	}
	if err := tx.Upsert([]byte("k"), make([]byte, 1025)); !errors.Is(err, ErrValueTooLarge) {
		t.Fatalf("expected ErrValueTooLarge, got %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := tx.Upsert([]byte("k"), nil); !errors.Is(err, ErrTxClosed) {
		t.Fatalf("expected ErrTxClosed, got %v", err)
	}
	if err := tx.Commit(); !errors.Is(err, ErrTxClosed) {
		t.Fatalf("second commit: %v", err)
	}

	rtx, _ := db.BeginRead()
	if err := rtx.Upsert([]byte("k"), nil); !errors.Is(err, ErrReadOnlyTx) {
		t.Fatalf("expected ErrReadOnlyTx, got %v", err)
	}
	rtx.Close()
	if _, err := rtx.Get([]byte("k")); !errors.Is(err, ErrTxClosed) {
		t.Fatalf("expected ErrTxClosed, got %v", err)
	}
}

func TestBeginWriteHonoursContext(t *testing.T) {
	db := openTest(t, testConfig())
	tx, err := db.BeginWrite(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := db.BeginWrite(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestPositionalReads(t *testing.T) {
	db := openTest(t, testConfig())
	err := db.Update(context.Background(), func(tx *WriteTx) error {
		for i := 0; i < 300; i += 3 {
			if err := tx.Upsert(key(i), []byte(fmt.Sprint(i))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	db.View(func(tx *ReadTx) error {
		idx, found, err := tx.KeyIndex(key(30))
		if err != nil || !found || idx != 10 {
			t.Fatalf("KeyIndex(30) = %d %v %v", idx, found, err)
		}
		idx, found, _ = tx.KeyIndex(key(31))
		if found || idx != 11 {
			t.Fatalf("KeyIndex(31) = %d %v", idx, found)
		}
		k, v, err := tx.GetAt(10)
		if err != nil || !bytes.Equal(k, key(30)) || string(v) != "30" {
			t.Fatalf("GetAt(10) = %s %s %v", k, v, err)
		}
		if _, _, err := tx.GetAt(100); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetAt past end: %v", err)
		}
		n, err := tx.CountRange(&IterOptions{LowerBound: key(30), UpperBound: key(60)})
		if err != nil || n != 10 {
			t.Fatalf("CountRange = %d, %v", n, err)
		}
		n, _ = tx.CountRange(&IterOptions{LowerBound: key(30), UpperBound: key(60), UpperInclusive: true})
		if n != 11 {
			t.Fatalf("inclusive CountRange = %d", n)
		}
		return nil
	})
}

func TestReverseIteration(t *testing.T) {
	db := openTest(t, testConfig())
	for i := 0; i < 50; i++ {
		db.Put(key(i), []byte("x"))
	}
	db.View(func(tx *ReadTx) error {
		it := tx.NewIterator(&IterOptions{LowerBound: key(10), UpperBound: key(20), Reverse: true})
		want := 19
		for it.SeekToFirst(); it.Valid(); it.Next() {
			if !bytes.Equal(it.Key(), key(want)) {
				t.Fatalf("got %s, want %s", it.Key(), key(want))
			}
			want--
		}
		if want != 9 {
			t.Fatalf("reverse iteration stopped at %d", want)
		}
		return it.Err()
	})
}

func TestBlobDeduplication(t *testing.T) {
	db := openTest(t, testConfig())
	shared := blobValue(7, 7)
	db.Update(context.Background(), func(tx *WriteTx) error {
		tx.Upsert([]byte("a"), shared)
		tx.Upsert([]byte("b"), shared)
		return nil
	})
	db.Put([]byte("c"), shared)

	r, err := db.Verify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.BlobRefs != 3 || r.Blobs != 1 {
		t.Fatalf("blob refs %d, distinct blobs %d", r.BlobRefs, r.Blobs)
	}
}

func TestBackendsAgree(t *testing.T) {
	var results []map[string]string
	for _, backend := range []files.Backend{files.Memory, files.Disk, files.Mmap} {
		cfg := testConfig()
		cfg.Backend = backend
		cfg.Dir = t.TempDir()
		db := openTest(t, cfg)
		for i := 0; i < 200; i++ {
			db.Put(key(i%70), blobValue(i, i/70))
		}
		for i := 0; i < 70; i += 7 {
			db.Delete(key(i))
		}
		if err := db.Compact(context.Background()); err != nil {
			t.Fatalf("%s: compact: %v", backend, err)
		}
		results = append(results, dump(t, db))
	}
	for i := 1; i < len(results); i++ {
		if len(results[i]) != len(results[0]) {
			t.Fatalf("backend %d holds %d keys, memory %d", i, len(results[i]), len(results[0]))
		}
		for k, v := range results[0] {
			if results[i][k] != v {
				t.Fatalf("backend %d differs at %s", i, k)
			}
		}
	}
}

func TestStats(t *testing.T) {
	db := openTest(t, testConfig())
	db.Put([]byte("a"), blobValue(1, 1))
	s := db.Stats()
	if s.Keys != 1 || s.Generation != 1 || s.Segments != 1 || s.Backend != "memory" || s.Compression != "snappy" {
		t.Fatalf("stats = %+v", s)
	}
	if s.TotalBytes == 0 || s.RootLogBytes == 0 {
		t.Fatalf("sizes not reported: %+v", s)
	}
}
