package badger

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/poiesic/graphstore/storage"
)

// viewDef is a registered view map function.
type viewDef struct {
	name    string
	fn      storage.MapFunc
	version string
}

// viewDefs returns a snapshot of the registered views.
func (b *Backend) viewDefs() []*viewDef {
	b.mu.RLock()
	defer b.mu.RUnlock()

	defs := make([]*viewDef, 0, len(b.views))
	for _, v := range b.views {
		defs = append(defs, v)
	}
	return defs
}

func (b *Backend) hasView(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.views[name]
	return ok
}

// SetMapFunction registers a view and rebuilds its rows when the stored
// version differs from version. Writing documents while a view is not
// registered drops its stored version, so registering it afterwards always
// rebuilds it.
func (b *Backend) SetMapFunction(ctx context.Context, view string, fn storage.MapFunc, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	def := &viewDef{name: view, fn: fn, version: version}
	b.mu.Lock()
	b.views[view] = def
	b.mu.Unlock()

	var stored string
	err := b.WithTx(func(tx *badger.Txn) error {
		item, err := tx.Get(makeViewVersionKey(view))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		val, err := item.ValueCopy(nil)
		stored = string(val)
		return err
	}, false)
	if err != nil {
		return err
	}

	if stored == version {
		return nil
	}

	b.logger.Info("rebuilding view index", "view", view, "from", stored, "to", version)
	return b.rebuildView(ctx, def)
}

// rebuildView drops and regenerates every row of a view. It runs as a write
// batch and is not atomic with respect to concurrent writers.
func (b *Backend) rebuildView(ctx context.Context, def *viewDef) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	indexed := 0
	err := b.WithTx(func(tx *badger.Txn) error {
		// Drop existing rows
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = makeIndexViewPrefix(def.name)
		iter := tx.NewIterator(opts)
		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := wb.Delete(iter.Item().KeyCopy(nil)); err != nil {
				iter.Close()
				return err
			}
		}
		iter.Close()

		// Map every document
		opts = badger.DefaultIteratorOptions
		opts.Prefix = []byte(documentPrefix)
		iter = tx.NewIterator(opts)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := iter.Item()
			key := documentKeyFrom(item.Key())

			var env *storage.Envelope
			err := item.Value(func(val []byte) error {
				var err error
				env, err = storage.UnmarshalEnvelope(val)
				return err
			})
			if err != nil {
				return err
			}

			rows, err := mapDocument(def, env.Document(key))
			if err != nil {
				return err
			}
			for i, row := range rows {
				if err := wb.Set(makeIndexKey(def.name, key, i), storage.MarshalIndexRow(row)); err != nil {
					return err
				}
			}
			indexed++
		}
		return nil
	}, false)
	if err != nil {
		return err
	}

	if err := wb.Set(makeViewVersionKey(def.name), []byte(def.version)); err != nil {
		return err
	}
	if err := wb.Flush(); err != nil {
		return err
	}

	b.logger.Debug("view index rebuilt", "view", def.name, "documents", indexed)
	return nil
}

// mapDocument runs a view map function and fills in row document keys.
func mapDocument(def *viewDef, doc *storage.Document) ([]*storage.IndexRow, error) {
	rows, err := def.fn(doc)
	if err != nil {
		return nil, fmt.Errorf("view %s: map %s: %w", def.name, doc.Key, err)
	}
	out := make([]*storage.IndexRow, len(rows))
	for i := range rows {
		row := rows[i]
		if row.DocKey == "" {
			row.DocKey = doc.Key
		}
		out[i] = &row
	}
	return out, nil
}

// invalidateUnregistered drops the stored version of every view that is not
// registered with the backend, once per transaction. Such views miss the rows
// of the documents written here.
func (t *txn) invalidateUnregistered() error {
	if t.checked {
		return nil
	}
	t.checked = true

	var stale [][]byte
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(viewVersionPrefix)
	iter := t.tx.NewIterator(opts)
	for iter.Rewind(); iter.Valid(); iter.Next() {
		key := iter.Item().KeyCopy(nil)
		if !t.backend.hasView(viewFromVersionKey(key)) {
			stale = append(stale, key)
		}
	}
	iter.Close()

	for _, key := range stale {
		t.backend.logger.Debug("view index invalidated", "view", viewFromVersionKey(key))
		if err := t.tx.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// reindexDocument replaces the rows a document emitted into every view.
func (t *txn) reindexDocument(doc *storage.Document) error {
	for _, def := range t.backend.viewDefs() {
		if err := t.deleteViewRows(def.name, doc.Key); err != nil {
			return err
		}
		rows, err := mapDocument(def, doc)
		if err != nil {
			return err
		}
		for i, row := range rows {
			if err := t.tx.Set(makeIndexKey(def.name, doc.Key, i), storage.MarshalIndexRow(row)); err != nil {
				return err
			}
		}
	}
	return nil
}

// deleteIndexRows removes the rows a document emitted into every view.
func (t *txn) deleteIndexRows(docKey string) error {
	for _, def := range t.backend.viewDefs() {
		if err := t.deleteViewRows(def.name, docKey); err != nil {
			return err
		}
	}
	return nil
}

func (t *txn) deleteViewRows(view, docKey string) error {
	var keys [][]byte

	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = makeIndexDocPrefix(view, docKey)
	iter := t.tx.NewIterator(opts)
	for iter.Rewind(); iter.Valid(); iter.Next() {
		keys = append(keys, iter.Item().KeyCopy(nil))
	}
	iter.Close()

	for _, k := range keys {
		if err := t.tx.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Query returns the rows of view for which expression evaluates to true.
// Rows expose their keys as key0..keyN and the document ID as id.
func (t *txn) Query(view, expression string) ([]storage.IndexRow, error) {
	if !t.backend.hasView(view) {
		return nil, fmt.Errorf("%w: %s", storage.ErrUnknownView, view)
	}

	program, err := t.backend.program(expression)
	if err != nil {
		return nil, err
	}

	var rows []storage.IndexRow

	opts := badger.DefaultIteratorOptions
	opts.Prefix = makeIndexViewPrefix(view)
	iter := t.tx.NewIterator(opts)
	defer iter.Close()

	for iter.Rewind(); iter.Valid(); iter.Next() {
		var row *storage.IndexRow
		err := iter.Item().Value(func(val []byte) error {
			var err error
			row, err = storage.UnmarshalIndexRow(val)
			return err
		})
		if err != nil {
			return nil, err
		}

		if program != nil {
			out, err := expr.Run(program, rowEnv(row))
			if err != nil {
				return nil, fmt.Errorf("%w: %w", storage.ErrInvalidQuery, err)
			}
			if match, _ := out.(bool); !match {
				continue
			}
		}
		rows = append(rows, *row)
	}
	return rows, nil
}

func rowEnv(row *storage.IndexRow) map[string]any {
	env := make(map[string]any, len(row.Keys)+1)
	env["id"] = row.DocID
	for i, k := range row.Keys {
		env["key"+strconv.Itoa(i)] = k.Any()
	}
	return env
}

// program compiles an expression, caching the result. An empty expression
// yields a nil program.
func (b *Backend) program(expression string) (*vm.Program, error) {
	if expression == "" {
		return nil, nil
	}
	if p, ok := b.programs.Get(expression); ok {
		return p, nil
	}
	p, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrInvalidQuery, err)
	}
	b.programs.Add(expression, p)
	return p, nil
}
