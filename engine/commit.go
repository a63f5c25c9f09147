package engine

import (
	"github.com/cockroachdb/errors"

	"cowkv/btree"
	"cowkv/manifest"
)

//
// Commit path
//

// Commit makes the transaction's changes durable and visible. After Commit,
// the transaction is closed whatever the outcome.
func (tx *WriteTx) Commit() error {
	if tx.done {
		return ErrTxClosed
	}
	defer tx.db.releaseSlot()
	err := tx.db.commit(tx)
	tx.done = true
	if err == nil {
		tx.db.advise()
	}
	return err
}

// Rollback discards the transaction. Rolling back a finished transaction is
// a no-op.
func (tx *WriteTx) Rollback() {
	if tx.done {
		return
	}
	tx.db.abort(tx)
	tx.done = true
	tx.db.releaseSlot()
}

// Close is Rollback, for use with defer.
func (tx *WriteTx) Close() error {
	tx.Rollback()
	return nil
}

// commit runs the commit sequence for a caller holding the write slot:
// write new nodes children first, sync data, append the root record, sync
// the log, then publish the new head.
func (db *DB) commit(tx *WriteTx) error {
	if !tx.w.Dirty() {
		// Nothing reachable changed; blobs it wrote are unreferenced.
		db.abort(tx)
		return nil
	}

	written, err := tx.w.Flush(func(rec []byte) (btree.Addr, error) {
		a, err := db.space.write(rec)
		if err == nil {
			tx.carved = append(tx.carved, a)
		}
		return a, err
	})
	if err != nil {
		db.abort(tx)
		return errors.Wrap(err, "write nodes")
	}
	if db.cfg.SyncWrites {
		if err := db.syncActive(); err != nil {
			db.abort(tx)
			return err
		}
	}

	root, count := tx.w.Root()
	next := Head{Root: root, Generation: tx.base.Generation + 1, Count: count}
	replaced := tx.w.Replaced()

	db.space.addPending(replaced, next.Generation)
	rec := db.record(manifest.RecordTypeCommit)
	rec.State.Root, rec.State.Generation, rec.State.Count = next.Root, next.Generation, next.Count
	if err := db.appendRecord(rec, db.cfg.SyncWrites); err != nil {
		db.space.dropPending(next.Generation)
		db.abort(tx)
		return err
	}

	db.mu.Lock()
	db.head.Store(next)
	db.mu.Unlock()
	if db.cfg.SyncWrites {
		db.durable = next.Generation
	}

	for _, w := range written {
		db.store.nodes.Set(w.Addr, w.Node)
	}
	db.blobGarbage += tx.garbage
	db.releasePending()

	if db.log.Size() > db.cfg.RootLogLimit {
		if err := db.rewriteLog(); err != nil {
			// The old log is still complete; retry on a later commit.
			db.logger.Warn("root log rewrite failed", "err", err)
		}
	}
	return nil
}

// abort releases everything tx carved out and forgets its dedup entries.
func (db *DB) abort(tx *WriteTx) {
	for _, h := range tx.newDedup {
		delete(db.dedup, h)
	}
	for _, a := range tx.carved {
		db.store.forget(a)
		db.space.release(a)
	}
	tx.carved, tx.newDedup = nil, nil
}

func (db *DB) syncActive() error {
	seg, ok := db.space.segment(db.space.activeIndex())
	if !ok {
		return errors.AssertionFailedf("engine: active segment missing")
	}
	return errors.Wrapf(seg.file.Sync(), "sync segment %d", seg.file.Index())
}

// appendRecord writes rec to the root log. A failed append is cut off so
// the log stays replayable.
func (db *DB) appendRecord(rec manifest.Record, sync bool) error {
	size := db.log.Size()
	err := db.log.Append(rec, sync)
	if err != nil {
		if terr := db.log.File().Truncate(size); terr != nil {
			err = errors.CombineErrors(err, terr)
		}
		err = errors.Wrap(err, "append root record")
	}
	db.logBytes.Store(db.log.Size())
	return err
}

// checkpoint durably records the current head with the current space state.
// Compaction removes and truncates segments only after one, so it always
// syncs.
func (db *DB) checkpoint() error {
	if err := db.syncData(); err != nil {
		return err
	}
	if err := db.appendRecord(db.record(manifest.RecordTypeCheckpoint), true); err != nil {
		return err
	}
	db.durable = db.head.Load().Generation
	return nil
}

// rewriteLog replaces the root log with one holding a single checkpoint.
func (db *DB) rewriteLog() error {
	// The new log's only record must not point at unsynced nodes.
	if err := db.syncData(); err != nil {
		return err
	}
	old := db.log
	m, err := manifest.Rewrite(db.files, db.record(manifest.RecordTypeCheckpoint))
	if err != nil {
		return err
	}
	db.log = m
	db.logBytes.Store(m.Size())
	db.durable = db.head.Load().Generation
	if err := db.files.Remove(old.File().Index()); err != nil {
		db.logger.Warn("remove old root log", "segment", old.File().Index(), "err", err)
	}
	db.logger.Info("rewrote root log", "old", old.File().Index(), "new", m.File().Index(), "size", m.Size())
	return nil
}

// releasePending frees pending ranges that no reader can reach any more
// and that no version recovery could fall back to references. The caller
// holds the write slot.
func (db *DB) releasePending() {
	limit := min(db.oldestReader(), db.durable)
	for _, a := range db.space.releasePending(limit) {
		db.store.forget(a)
	}
}
