// Package metastore persists file metadata records in BadgerDB.
//
// Records are stored under an insertion sequence so that FindMatching returns
// them in the order they were created:
//
//	rec/<seq, 8 bytes big-endian>  → JSON filemeta.Record
//	name/<fileName>                → <seq>
//
// Every mutation runs inside a UnitOfWork backed by one read-write Badger
// transaction. Nothing is visible to readers until Commit succeeds; Badger's
// optimistic conflict detection rejects a commit whose reads were invalidated
// by a concurrent writer.
package metastore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/zynqcloud/go-filestore/internal/filemeta"
)

var (
	// ErrNotFound is returned when no record exists for a file name.
	ErrNotFound = errors.New("metadata record not found")
	// ErrExists is returned by Create when the file name is already taken.
	ErrExists = errors.New("metadata record already exists")
	// ErrTxClosed is returned when a unit of work is used after Commit or Abort.
	ErrTxClosed = errors.New("unit of work is closed")
)

var (
	recPrefix  = []byte("rec/")
	namePrefix = []byte("name/")
	seqKey     = []byte("meta/seq")
)

// Options configures Open.
type Options struct {
	// Path is the Badger data directory. Empty selects in-memory mode.
	Path string
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	Logger     *zap.Logger
}

// Store is the Badger-backed metadata store. It is safe for concurrent use.
type Store struct {
	db     *badgerdb.DB
	seq    *badgerdb.Sequence
	logger *zap.Logger
}

// Open opens (or creates) the metadata store.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	bopts := badgerdb.DefaultOptions(opts.Path).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(badgerLogger{logger.Sugar()})
	if opts.Path == "" {
		bopts = bopts.WithInMemory(true)
	}

	db, err := badgerdb.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	seq, err := db.GetSequence(seqKey, 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open record sequence: %w", err)
	}
	logger.Info("metadata store opened", zap.String("path", opts.Path), zap.Bool("in_memory", opts.Path == ""))
	return &Store{db: db, seq: seq, logger: logger}, nil
}

// Close releases the sequence lease and closes the database.
func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		s.logger.Warn("release record sequence", zap.Error(err))
	}
	return s.db.Close()
}

// Ping reports whether the database is open.
func (s *Store) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return errors.New("metadata store is closed")
	}
	return nil
}

// FindByName returns the committed record for name.
func (s *Store) FindByName(ctx context.Context, name string) (filemeta.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return filemeta.Record{}, false, err
	}
	var (
		rec   filemeta.Record
		found bool
	)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		r, _, err := lookup(txn, name)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		rec, found = r, true
		return nil
	})
	if err != nil {
		return filemeta.Record{}, false, fmt.Errorf("find %q: %w", name, err)
	}
	return rec, found, nil
}

// FindMatching returns every committed record that satisfies f, in insertion order.
func (s *Store) FindMatching(ctx context.Context, f filemeta.Filter) ([]filemeta.Record, error) {
	out := []filemeta.Record{}
	err := s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: recPrefix})
		defer it.Close()
		for it.Seek(recPrefix); it.ValidForPrefix(recPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec filemeta.Record
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return fmt.Errorf("decode %x: %w", it.Item().Key(), err)
			}
			if f.Match(rec) {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find matching: %w", err)
	}
	return out, nil
}

// UnitOfWork groups metadata writes that commit or abort together.
// Implementations are not safe for concurrent use.
type UnitOfWork interface {
	Create(ctx context.Context, rec filemeta.Record) error
	Update(ctx context.Context, rec filemeta.Record) error
	Delete(ctx context.Context, name string) error
	Commit(ctx context.Context) error
	// Abort discards pending writes. It is a no-op after Commit or a prior Abort.
	Abort(ctx context.Context) error
}

// Begin opens a read-write unit of work.
func (s *Store) Begin(ctx context.Context) (UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.db.IsClosed() {
		return nil, errors.New("metadata store is closed")
	}
	return &unitOfWork{store: s, txn: s.db.NewTransaction(true)}, nil
}

// Unit of work states.
const (
	uowActive int32 = iota
	uowCommitted
	uowAborted
)

type unitOfWork struct {
	store *Store
	txn   *badgerdb.Txn
	state atomic.Int32
}

func (u *unitOfWork) active() error {
	if u.state.Load() != uowActive {
		return ErrTxClosed
	}
	return nil
}

// Create stores a new record. Returns ErrExists if the name is taken.
func (u *unitOfWork) Create(_ context.Context, rec filemeta.Record) error {
	if err := u.active(); err != nil {
		return err
	}
	_, _, err := lookup(u.txn, rec.FileName)
	switch {
	case err == nil:
		return fmt.Errorf("create %q: %w", rec.FileName, ErrExists)
	case !errors.Is(err, ErrNotFound):
		return fmt.Errorf("create %q: %w", rec.FileName, err)
	}

	n, err := u.store.seq.Next()
	if err != nil {
		return fmt.Errorf("allocate sequence: %w", err)
	}
	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, n)

	if err := u.put(seq, rec); err != nil {
		return fmt.Errorf("create %q: %w", rec.FileName, err)
	}
	if err := u.txn.Set(nameKey(rec.FileName), seq); err != nil {
		return fmt.Errorf("create %q: index: %w", rec.FileName, err)
	}
	return nil
}

// Update replaces the record stored under rec.FileName, keeping its position.
func (u *unitOfWork) Update(_ context.Context, rec filemeta.Record) error {
	if err := u.active(); err != nil {
		return err
	}
	_, seq, err := lookup(u.txn, rec.FileName)
	if err != nil {
		return fmt.Errorf("update %q: %w", rec.FileName, err)
	}
	if err := u.put(seq, rec); err != nil {
		return fmt.Errorf("update %q: %w", rec.FileName, err)
	}
	return nil
}

// Delete removes the record for name.
func (u *unitOfWork) Delete(_ context.Context, name string) error {
	if err := u.active(); err != nil {
		return err
	}
	_, seq, err := lookup(u.txn, name)
	if err != nil {
		return fmt.Errorf("delete %q: %w", name, err)
	}
	if err := u.txn.Delete(recKey(seq)); err != nil {
		return fmt.Errorf("delete %q: %w", name, err)
	}
	if err := u.txn.Delete(nameKey(name)); err != nil {
		return fmt.Errorf("delete %q: index: %w", name, err)
	}
	return nil
}

// Commit applies every write of the unit of work atomically.
func (u *unitOfWork) Commit(_ context.Context) error {
	if !u.state.CompareAndSwap(uowActive, uowCommitted) {
		return ErrTxClosed
	}
	if err := u.txn.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Abort discards the unit of work. Aborting a closed unit of work is a no-op.
func (u *unitOfWork) Abort(_ context.Context) error {
	if u.state.CompareAndSwap(uowActive, uowAborted) {
		u.txn.Discard()
	}
	return nil
}

func (u *unitOfWork) put(seq []byte, rec filemeta.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return u.txn.Set(recKey(seq), data)
}

// lookup resolves name through the index and returns the record and its sequence.
func lookup(txn *badgerdb.Txn, name string) (filemeta.Record, []byte, error) {
	item, err := txn.Get(nameKey(name))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return filemeta.Record{}, nil, ErrNotFound
	}
	if err != nil {
		return filemeta.Record{}, nil, err
	}
	seq, err := item.ValueCopy(nil)
	if err != nil {
		return filemeta.Record{}, nil, err
	}
	item, err = txn.Get(recKey(seq))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return filemeta.Record{}, nil, fmt.Errorf("dangling index for %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return filemeta.Record{}, nil, err
	}
	var rec filemeta.Record
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
		return filemeta.Record{}, nil, fmt.Errorf("decode record %q: %w", name, err)
	}
	return rec, seq, nil
}

func recKey(seq []byte) []byte  { return append(append([]byte{}, recPrefix...), seq...) }
func nameKey(name string) []byte { return append(append([]byte{}, namePrefix...), name...) }

// badgerLogger routes Badger's internal logging into zap at reduced verbosity.
type badgerLogger struct{ s *zap.SugaredLogger }

func (l badgerLogger) Errorf(f string, a ...interface{})   { l.s.Errorf(f, a...) }
func (l badgerLogger) Warningf(f string, a ...interface{}) { l.s.Warnf(f, a...) }
func (l badgerLogger) Infof(f string, a ...interface{})    { l.s.Debugf(f, a...) }
func (l badgerLogger) Debugf(f string, a ...interface{})   { l.s.Debugf(f, a...) }
