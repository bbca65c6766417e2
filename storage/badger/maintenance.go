package badger

import (
	"context"
	"errors"
	"io"

	"github.com/dgraph-io/badger/v4"
)

const gcDiscardRatio = 0.5

// Backup streams a full backup of the database to w.
func (b *Backend) Backup(ctx context.Context, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	since, err := b.db.Backup(w, 0)
	if err != nil {
		return err
	}
	b.logger.Debug("backup written", "version", since)
	return nil
}

// Restore replaces the database content with a stream written by Backup.
// No other transaction may run while it does.
func (b *Backend) Restore(ctx context.Context, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.db.DropAll(); err != nil {
		return err
	}
	return b.db.Load(r, defaultLoadPendingWrites)
}

// Compact flattens the LSM tree and garbage collects the value log until
// there is nothing left to rewrite.
func (b *Backend) Compact(ctx context.Context) error {
	if b.inMemory {
		b.logger.Debug("skipping compaction of in-memory database")
		return nil
	}
	if err := b.db.Flatten(2); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.db.RunValueLogGC(gcDiscardRatio)
		if err == nil {
			continue
		}
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
			return nil
		}
		return err
	}
}

// DropAll deletes all data. Registered views stay registered.
func (b *Backend) DropAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.DropAll()
}
