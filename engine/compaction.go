package engine

import (
	"context"

	"github.com/cockroachdb/errors"

	"cowkv/btree"
	"cowkv/files"
	"cowkv/freespace"
)

// compactionState is guarded by the write slot.
type compactionState struct {
	needSweep bool

	// victim is the segment being emptied, 0 when there is none. Its live
	// data is relocated in batches starting at cursor; once a pass is done
	// the segment drains until no version references it.
	victim   uint32
	draining bool
	cursor   []byte
	moved    map[btree.Addr]btree.BlobRef

	// forceBelow makes segments up to this index victims regardless of
	// fragmentation, for an explicit Compact.
	forceBelow uint32
}

func (c *compactionState) reset() {
	c.victim, c.draining, c.cursor, c.moved = 0, false, nil, nil
}

// Compact runs compaction until there is nothing left to do: unreachable
// blobs are swept, every segment but the active one is emptied and removed,
// and a fragmented active segment is rewritten. Segments still pinned by
// open read transactions are left for the background compactor.
func (db *DB) Compact(ctx context.Context) error {
	if err := db.acquire(ctx); err != nil {
		return err
	}
	db.compaction.needSweep = true
	db.compaction.forceBelow = db.space.activeIndex()
	db.releaseSlot()

	for {
		progress, err := db.compactStep(ctx)
		if err != nil {
			return err
		}
		if !progress {
			return nil
		}
	}
}

// compactStep is the compactor action. It holds the write slot for one
// bounded unit of work and reports whether more work remains.
func (db *DB) compactStep(ctx context.Context) (bool, error) {
	if err := db.acquire(ctx); err != nil {
		return false, err
	}
	defer db.releaseSlot()
	db.compactions.Add(1)
	// Sweeping frees what the head no longer reaches, which is only safe
	// once no older version can come back after a crash.
	if err := db.makeDurable(); err != nil {
		return false, err
	}
	db.releasePending()

	c := &db.compaction
	dirty := false
	if c.needSweep || db.blobGarbage > db.cfg.SweepThreshold {
		m, err := db.mark(ctx, nil)
		if err != nil {
			return false, err
		}
		reclaimed, err := db.applySweep(m)
		if err != nil {
			return false, err
		}
		// Record the swept ranges before a tail can be cut from them.
		if reclaimed > 0 {
			if err := db.checkpoint(); err != nil {
				return false, err
			}
		}
	}

	shrank, err := db.space.trimTails()
	if err != nil {
		return false, err
	}
	dirty = dirty || shrank

	progress, changed, err := db.relocateStep(ctx)
	dirty = dirty || changed
	if dirty {
		if cerr := db.checkpoint(); cerr != nil {
			err = errors.CombineErrors(err, cerr)
		}
	}
	if err != nil {
		return false, err
	}
	if db.log.Size() > db.cfg.RootLogLimit {
		if err := db.rewriteLog(); err != nil {
			return false, err
		}
	}
	if !progress {
		c.forceBelow = 0
	}
	return progress, nil
}

// relocateStep advances the current victim by one batch, or drains it once
// relocation is done.
func (db *DB) relocateStep(ctx context.Context) (progress, changed bool, err error) {
	c := &db.compaction
	if c.victim == 0 {
		v, rolled, err := db.pickVictim()
		if err != nil || v == 0 {
			return false, rolled, err
		}
		c.reset()
		c.victim = v
		changed = rolled
		db.logger.Info("compacting segment", "segment", v)
	}

	if c.draining {
		progress, err := db.drain(ctx)
		return progress, true, err
	}

	done, err := db.relocateBatch(ctx)
	if err != nil {
		return false, changed, err
	}
	if done {
		c.draining = true
	}
	return true, changed, nil
}

// pickVictim returns the lowest non-active segment, or rolls the active
// segment over to a new one when it is fragmented enough.
func (db *DB) pickVictim() (victim uint32, rolled bool, err error) {
	active := db.space.activeIndex()
	for _, idx := range db.space.indices() {
		if idx != active {
			return idx, false, nil
		}
	}

	seg, _ := db.space.segment(active)
	size := seg.file.Size()
	free := seg.free.TotalFree()
	fragmented := size >= db.cfg.MinCompactionSize &&
		float64(free) >= db.cfg.FragmentationThreshold*float64(size)
	forced := active <= db.compaction.forceBelow && free > 0
	if !fragmented && !forced {
		return 0, false, nil
	}

	f, err := db.files.AddFile(files.KindData)
	if err != nil {
		return 0, false, err
	}
	db.space.add(f, freespace.New())
	db.space.setActive(f.Index())
	db.logger.Info("rolled active segment", "old", active, "new", f.Index(),
		"size", size, "free", free)
	return active, true, nil
}

// relocateBatch copies up to CompactionBatch leaves' worth of the victim's
// data into the active segment and commits the result.
func (db *DB) relocateBatch(ctx context.Context) (bool, error) {
	c := &db.compaction
	if c.moved == nil {
		c.moved = make(map[btree.Addr]btree.BlobRef)
	}
	tx := db.newWriteTx()
	moved := make(map[btree.Addr]btree.BlobRef)

	next, done, err := tx.w.Relocate(c.victim, c.cursor, db.cfg.CompactionBatch, func(ref btree.BlobRef) (btree.BlobRef, error) {
		if err := ctx.Err(); err != nil {
			return ref, err
		}
		if n, ok := c.moved[ref.Addr]; ok {
			return n, nil
		}
		if n, ok := moved[ref.Addr]; ok {
			return n, nil
		}
		rec, err := db.store.read(ref.Addr)
		if err != nil {
			return ref, err
		}
		if _, _, err := btree.DecodeBlob(rec); err != nil {
			return ref, errors.Wrapf(err, "blob %s", ref.Addr)
		}
		a, err := db.space.write(rec)
		if err != nil {
			return ref, err
		}
		tx.carved = append(tx.carved, a)
		n := ref
		n.Addr = a
		moved[ref.Addr] = n
		return n, nil
	})
	if err != nil {
		db.abort(tx)
		tx.done = true
		return false, err
	}
	if err := db.commit(tx); err != nil {
		tx.done = true
		return false, err
	}
	tx.done = true

	for old, n := range moved {
		c.moved[old] = n
		db.blobGarbage += uint64(old.Length)
		if db.dedup[n.Hash] == old {
			db.dedup[n.Hash] = n.Addr
		}
	}
	c.cursor = next
	return done, nil
}

// drain retires the victim once no version references it. If the current
// version still does, relocation starts over.
func (db *DB) drain(ctx context.Context) (bool, error) {
	c := &db.compaction
	m, err := db.mark(ctx, nil)
	if err != nil {
		return false, err
	}
	if _, err := db.applySweep(m); err != nil {
		return false, err
	}

	if m.headUses[c.victim] {
		db.logger.Info("segment still referenced, relocating again", "segment", c.victim)
		victim := c.victim
		c.reset()
		c.victim = victim
		return true, nil
	}
	if u := m.used[c.victim]; u != nil && u.TotalFree() > 0 {
		// Pinned by open read transactions; their Close advises again.
		return false, nil
	}
	if len(db.space.pendingIn(c.victim)) > 0 {
		return false, nil
	}

	victim := c.victim
	seg, _ := db.space.segment(victim)
	db.space.drop(victim)
	if err := db.checkpoint(); err != nil {
		db.space.add(seg.file, seg.free)
		return false, err
	}
	if err := db.files.Remove(victim); err != nil {
		db.logger.Warn("remove retired segment", "segment", victim, "err", err)
	}
	c.reset()
	db.logger.Info("retired segment", "segment", victim, "cached", db.store.forgetSegment(victim))
	return true, nil
}
