package engine

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// TestConcurrencySWMR runs one writer against several readers and a busy
// compactor. Every committed version holds keys 0..n-1 and a "n" key equal
// to n; readers check that invariant on whatever version they see.
func TestConcurrencySWMR(t *testing.T) {
	cfg := testConfig()
	cfg.DisableCompactor = false
	cfg.CompactionWaitTime = time.Millisecond
	cfg.SweepThreshold = 1
	cfg.MinCompactionSize = 1
	db := openTest(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stop atomic.Bool
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer stop.Store(true)
		for n := 1; n <= 200; n++ {
			err := db.Update(gctx, func(tx *WriteTx) error {
				if err := tx.Upsert(key(n-1), blobValue(n, 0)); err != nil {
					return err
				}
				var b [8]byte
				binary.BigEndian.PutUint64(b[:], uint64(n))
				return tx.Upsert([]byte("n"), b[:])
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for !stop.Load() {
				err := db.View(func(tx *ReadTx) error {
					v, err := tx.Get([]byte("n"))
					if errors.Is(err, ErrNotFound) {
						return nil
					}
					if err != nil {
						return err
					}
					n := binary.BigEndian.Uint64(v)
					count, _ := tx.Count()
					if count != n+1 {
						return errors.Newf("generation %d: count %d with n=%d", tx.Generation(), count, n)
					}
					seen := uint64(0)
					it := tx.NewIterator(&IterOptions{UpperBound: []byte("n")})
					for it.SeekToFirst(); it.Valid(); it.Next() {
						if it.Value() == nil {
							break
						}
						seen++
					}
					if err := it.Err(); err != nil {
						return err
					}
					if seen != n {
						return errors.Newf("generation %d: iterated %d keys, want %d", tx.Generation(), seen, n)
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		for !stop.Load() {
			if err := db.Compact(gctx); err != nil {
				return err
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Verify(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestHeadIsConsistent(t *testing.T) {
	db := openTest(t, testConfig())
	var stop atomic.Bool
	var g errgroup.Group
	g.Go(func() error {
		defer stop.Store(true)
		for i := 0; i < 300; i++ {
			if err := db.Put(key(i), []byte("v")); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for !stop.Load() {
			// Each commit here adds exactly one key.
			if h := db.Head(); h.Count != h.Generation {
				return errors.Newf("torn head %+v", h)
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestStatsDuringRootLogRewrites(t *testing.T) {
	cfg := testConfig()
	cfg.RootLogLimit = 256
	db := openTest(t, cfg)

	var stop atomic.Bool
	var g errgroup.Group
	g.Go(func() error {
		defer stop.Store(true)
		for i := 0; i < 200; i++ {
			if err := db.Put(key(i), []byte("v")); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for !stop.Load() {
			if s := db.Stats(); s.RootLogBytes == 0 || s.RootLogBytes > 4096 {
				return errors.Newf("root log size %d", s.RootLogBytes)
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
