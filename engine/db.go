// Package engine is the transactional key-value store: snapshot readers and
// a single writer over a copy-on-write B-tree, a root log recording each
// committed version, and background compaction reclaiming the space old
// versions leave behind.
package engine

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"cowkv/btree"
	"cowkv/compactor"
	"cowkv/files"
	"cowkv/freespace"
	"cowkv/manifest"
)

// DB is the main engine handle.
type DB struct {
	cfg    *Config
	logger *slog.Logger

	files     files.Collection
	ownsFiles bool
	store     *store
	space     *space
	storeID   uuid.UUID

	// slot is held by the single active write transaction or by the
	// compactor.
	slot chan struct{}

	// The fields below are guarded by the write slot.
	log         *manifest.Manifest
	dedup       map[uint64]btree.Addr
	blobGarbage uint64
	compaction  compactionState

	// durable is the newest generation whose root record and nodes are
	// known to be on stable storage. Space freed by later generations stays
	// pending until it catches up.
	durable uint64

	logBytes atomic.Uint64

	head head

	mu      sync.Mutex // guards readers
	readers map[uint64]*readerRef

	scheduler   *compactor.Scheduler
	closed      atomic.Bool
	clean       bool
	compactions atomic.Uint64
}

//
// Open / initialization
//

// Open opens or creates a store.
func Open(cfg *Config) (*DB, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db := &DB{
		cfg:     cfg,
		logger:  cfg.Logger,
		files:   cfg.Files,
		slot:    make(chan struct{}, 1),
		dedup:   make(map[uint64]btree.Addr),
		readers: make(map[uint64]*readerRef),
		space:   newSpace(cfg.Logger),
	}
	if db.files == nil {
		c, err := files.Open(cfg.Backend, cfg.Dir)
		if err != nil {
			return nil, err
		}
		db.files, db.ownsFiles = c, true
	}

	if err := db.recover(); err != nil {
		if db.ownsFiles {
			db.files.Close()
		}
		return nil, err
	}

	if !cfg.DisableCompactor {
		opts := []compactor.Option{
			compactor.WithWaitTime(cfg.CompactionWaitTime),
			compactor.WithLogger(db.logger),
		}
		if cfg.CompactionOpeningDelay > 0 {
			opts = append(opts, compactor.WithOpeningDelay(cfg.CompactionOpeningDelay))
		}
		db.scheduler = compactor.New(opts...)
		db.scheduler.Register("compact", db.compactStep)
		db.scheduler.AdviceRunning(true)
	}
	return db, nil
}

// recover loads the newest valid root log, or initializes an empty store.
func (db *DB) recover() error {
	var logs, data []files.File
	for _, f := range db.files.Files() {
		switch f.Kind() {
		case files.KindRootLog:
			logs = append(logs, f)
		case files.KindData:
			data = append(data, f)
		}
	}

	var (
		rec   manifest.Record
		found bool
		log   files.File
	)
	slices.Reverse(logs)
	for _, f := range logs {
		if found {
			db.removeOrphan(f)
			continue
		}
		last, ok, end, err := manifest.Replay(f)
		if err != nil {
			return err
		}
		if !ok {
			db.removeOrphan(f)
			continue
		}
		if end < f.Size() {
			db.logger.Warn("truncating torn root log tail",
				"segment", f.Index(), "valid", end, "size", f.Size())
			if err := f.Truncate(end); err != nil {
				return errors.Wrap(err, "truncate root log")
			}
		}
		rec, found, log = last, true, f
	}

	if !found {
		for _, f := range data {
			if f.Size() > 0 {
				return corruptf("data segment %d present without a root log", f.Index())
			}
			db.removeOrphan(f)
		}
		return db.create()
	}

	st := rec.State
	if st.Compression != db.cfg.Compression {
		db.logger.Info("store keeps its recorded compression strategy",
			"recorded", st.Compression.String(), "configured", db.cfg.Compression.String())
	}
	db.storeID = st.StoreID
	db.store = newStore(db.files, st.Compression, db.cfg)
	db.log = manifest.OpenManifest(log)
	db.logBytes.Store(db.log.Size())
	db.clean = rec.Clean()
	db.durable = st.Generation

	recorded := make(map[uint32]bool, len(st.Segments))
	for _, s := range st.Segments {
		recorded[s.Index] = true
		f, ok := db.files.File(s.Index)
		if !ok || f.Kind() != files.KindData {
			return corruptf("data segment %d missing", s.Index)
		}
		if size := f.Size(); size < s.Extent {
			// Only a free tail may be missing: compaction truncates before
			// recording the shorter extent.
			if !s.Free.Contains(size, s.Extent-size) {
				return corruptf("data segment %d truncated: %d < %d", s.Index, size, s.Extent)
			}
			s.Free.TryExclude(size, s.Extent-size)
		}
		if f.Size() > s.Extent {
			// Written by a transaction that never committed.
			if err := f.Truncate(s.Extent); err != nil {
				return errors.Wrapf(err, "truncate segment %d", s.Index)
			}
		}
		db.space.add(f, s.Free)
	}
	if _, ok := db.space.segment(st.Active); !ok {
		return corruptf("active segment %d not recorded", st.Active)
	}
	db.space.setActive(st.Active)
	for _, f := range data {
		if !recorded[f.Index()] {
			db.removeOrphan(f)
		}
	}

	if !st.Root.IsZero() {
		if _, err := db.store.Load(st.Root); err != nil {
			return errors.Wrap(err, "load root")
		}
	}
	db.head.Store(Head{Root: st.Root, Generation: st.Generation, Count: st.Count})
	if !db.clean {
		db.compaction.needSweep = true
	}
	db.logger.Info("opened store", "id", db.storeID.String(), "generation", st.Generation,
		"keys", st.Count, "segments", len(st.Segments), "clean", db.clean)
	return nil
}

func (db *DB) create() error {
	db.storeID = uuid.New()
	db.store = newStore(db.files, db.cfg.Compression, db.cfg)
	db.clean = true

	f, err := db.files.AddFile(files.KindData)
	if err != nil {
		return err
	}
	db.space.add(f, freespace.New())
	db.space.setActive(f.Index())

	logFile, err := db.files.AddFile(files.KindRootLog)
	if err != nil {
		return err
	}
	db.log = manifest.OpenManifest(logFile)
	if err := db.log.Append(db.record(manifest.RecordTypeCheckpoint), true); err != nil {
		return errors.Wrap(err, "write initial root record")
	}
	db.logBytes.Store(db.log.Size())
	db.logger.Info("created store", "id", db.storeID.String(), "backend", db.files.Backend().String(),
		"compression", db.store.strategy.String())
	return nil
}

func (db *DB) removeOrphan(f files.File) {
	db.logger.Info("removing orphan segment", "segment", f.Index(), "kind", f.Kind().String())
	if err := db.files.Remove(f.Index()); err != nil {
		db.logger.Warn("remove orphan segment", "segment", f.Index(), "err", err)
	}
}

// record builds a root log record from the published head and the space
// state.
func (db *DB) record(typ uint8) manifest.Record {
	h := db.head.Load()
	active, segs := db.space.state()
	return manifest.Record{
		Type: typ,
		State: manifest.State{
			StoreID:     db.storeID,
			Generation:  h.Generation,
			Root:        h.Root,
			Count:       h.Count,
			Compression: db.store.strategy,
			Active:      active,
			Segments:    segs,
		},
	}
}

//
// Write slot
//

func (db *DB) acquire(ctx context.Context) error {
	if db.closed.Load() {
		return ErrClosed
	}
	select {
	case db.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if db.closed.Load() {
		<-db.slot
		return ErrClosed
	}
	return nil
}

func (db *DB) releaseSlot() { <-db.slot }

// advise tells the compactor there may be work.
func (db *DB) advise() {
	if db.scheduler != nil {
		db.scheduler.AdviceRunning(false)
	}
}

//
// Close
//

// Close stops the compactor, waits for the active write transaction, and
// records an orderly shutdown. Read transactions still open fail afterwards.
func (db *DB) Close() error {
	if db.closed.Load() {
		return nil
	}
	if db.scheduler != nil {
		db.scheduler.Close()
	}
	if err := db.acquire(context.Background()); err != nil {
		return err
	}
	db.closed.Store(true)
	defer db.releaseSlot()

	var errs error
	if err := db.syncData(); err != nil {
		errs = errors.CombineErrors(errs, err)
	} else if err := db.log.Append(db.record(manifest.RecordTypeClose), true); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "write close record"))
	}
	db.logBytes.Store(db.log.Size())
	db.store.clearCaches()
	if db.ownsFiles {
		errs = errors.CombineErrors(errs, db.files.Close())
	}
	return errs
}

// Sync makes every committed transaction durable. With SyncWrites off this
// is the point up to which a crash loses nothing, and it lets space freed
// since the last sync be reused.
func (db *DB) Sync(ctx context.Context) error {
	if err := db.acquire(ctx); err != nil {
		return err
	}
	defer db.releaseSlot()
	if err := db.makeDurable(); err != nil {
		return err
	}
	db.releasePending()
	return nil
}

// makeDurable syncs every data segment and the root log, so that the
// published head survives a crash. The caller holds the write slot.
func (db *DB) makeDurable() error {
	gen := db.head.Load().Generation
	if gen <= db.durable {
		return nil
	}
	if err := db.syncData(); err != nil {
		return err
	}
	if err := db.log.File().Sync(); err != nil {
		return errors.Wrap(err, "sync root log")
	}
	db.durable = gen
	return nil
}

func (db *DB) syncData() error {
	for _, idx := range db.space.indices() {
		seg, ok := db.space.segment(idx)
		if !ok {
			continue
		}
		if err := seg.file.Sync(); err != nil {
			return errors.Wrapf(err, "sync segment %d", idx)
		}
	}
	return nil
}

//
// Introspection
//

// Head returns the published root, generation and key count without taking
// a lock.
func (db *DB) Head() Head {
	return db.head.Load()
}

// Stats describes the store.
type Stats struct {
	StoreID        string
	Generation     uint64
	Keys           uint64
	Segments       int
	ActiveSegment  uint32
	TotalBytes     uint64
	FreeBytes      uint64
	PendingBytes   uint64
	RootLogBytes   uint64
	Readers        int
	CachedNodes    int
	CachedValues   int
	Compression    string
	Backend        string
	CompactionRuns uint64
}

func (db *DB) Stats() Stats {
	h := db.head.Load()
	t := db.space.totals()
	s := Stats{
		StoreID:       db.storeID.String(),
		Generation:    h.Generation,
		Keys:          h.Count,
		Segments:      t.segments,
		ActiveSegment: db.space.activeIndex(),
		TotalBytes:    t.total,
		FreeBytes:     t.free,
		PendingBytes:  t.pending,
		Readers:       db.readerCount(),
		CachedNodes:   db.store.nodes.Len(),
		CachedValues:  db.store.values.Len(),
		Compression:   db.store.strategy.String(),
		Backend:       db.files.Backend().String(),
	}
	s.RootLogBytes = db.logBytes.Load()
	s.CompactionRuns = db.compactions.Load()
	return s
}

//
// Transaction helpers
//

// View runs fn in a read transaction.
func (db *DB) View(fn func(tx *ReadTx) error) error {
	tx, err := db.BeginRead()
	if err != nil {
		return err
	}
	defer tx.Close()
	return fn(tx)
}

// Update runs fn in a write transaction and commits it if fn returns nil.
func (db *DB) Update(ctx context.Context, fn func(tx *WriteTx) error) error {
	tx, err := db.BeginWrite(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Put stores value under key in its own transaction.
func (db *DB) Put(key, value []byte) error {
	return db.Update(context.Background(), func(tx *WriteTx) error {
		return tx.Upsert(key, value)
	})
}

// Get reads key from the latest version.
func (db *DB) Get(key []byte) ([]byte, error) {
	var v []byte
	err := db.View(func(tx *ReadTx) error {
		var err error
		v, err = tx.Get(key)
		return err
	})
	return v, err
}

// Delete removes key in its own transaction. Deleting a missing key is not
// an error.
func (db *DB) Delete(key []byte) error {
	return db.Update(context.Background(), func(tx *WriteTx) error {
		_, err := tx.Delete(key)
		return err
	})
}
