package graphstore

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"time"

	"github.com/poiesic/graphstore/core"
	"github.com/poiesic/graphstore/serializer"
	"github.com/poiesic/graphstore/storage"
	"github.com/poiesic/graphstore/views"
)

// StorablePtr constrains P to be a pointer to T implementing core.Storable.
type StorablePtr[T any] interface {
	*T
	core.Storable
}

// RegisterView installs the index of spec.Type, replacing the one in use.
// The index is rebuilt if its definition changed since it was built.
func (s *Storage) RegisterView(ctx context.Context, spec views.Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := views.New(spec)
	if err != nil {
		return err
	}
	if err := v.Register(ctx, s.store); err != nil {
		return fmt.Errorf("register view %s: %w", v.Name(), err)
	}
	s.specs[spec.Type] = spec
	s.views[spec.Type] = v
	return nil
}

// registerViews installs the index of every registered type, every type
// given a spec and every type queried so far. It runs before anything is
// written, so no document misses its rows. Caller holds s.mu or owns s.
func (s *Storage) registerViews(ctx context.Context) error {
	specs := make(map[string]views.Spec)
	for _, name := range s.registry.Names() {
		if name == core.StorageInfoType {
			continue
		}
		if st, ok := s.registry.New(name); ok {
			specs[st.TypeName()] = views.For(st)
		}
	}
	for typeName, v := range s.views {
		specs[typeName] = v.Spec()
	}
	for typeName, spec := range s.specs {
		specs[typeName] = spec
	}

	for _, typeName := range slices.Sorted(maps.Keys(specs)) {
		v, err := views.New(specs[typeName])
		if err != nil {
			return err
		}
		if err := v.Register(ctx, s.store); err != nil {
			return fmt.Errorf("register view %s: %w", v.Name(), err)
		}
		s.views[typeName] = v
	}
	return nil
}

// view returns the index of the type of sample, building and registering
// it on first use. Caller holds s.mu.
func (s *Storage) view(ctx context.Context, sample core.Storable) (*views.View, error) {
	typeName := sample.TypeName()
	if v, ok := s.views[typeName]; ok {
		return v, nil
	}

	spec, ok := s.specs[typeName]
	if !ok {
		spec = views.For(sample)
	}
	v, err := views.New(spec)
	if err != nil {
		return nil, err
	}
	if err := v.Register(ctx, s.store); err != nil {
		return nil, fmt.Errorf("register view %s: %w", v.Name(), err)
	}
	s.views[typeName] = v
	s.logger.Debug("view registered", "view", v.Name(), "version", v.Version())
	return v, nil
}

// rows runs filter against the view of sample's type.
func (s *Storage) rows(ctx context.Context, sample core.Storable, filter *core.QueryFilter) ([]storage.IndexRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.view(ctx, sample)
	if err != nil {
		return nil, err
	}
	var rows []storage.IndexRow
	err = s.store.View(ctx, func(tx storage.Txn) error {
		var err error
		rows, err = v.Rows(tx, filter)
		return err
	})
	return rows, err
}

// Retrieve loads the entity with id and everything it references.
// It fails with storage.ErrNotFound when there is no such document and with
// storage.ErrTypeMismatch when the document is not a T.
func Retrieve[T any, P StorablePtr[T]](ctx context.Context, s *Storage, id core.ID) (P, error) {
	start := time.Now()
	target := P(new(T))

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.store.View(ctx, func(tx storage.Txn) error {
		doc, err := tx.Get(serializer.DocumentKey(id, id))
		if err != nil {
			return err
		}
		return s.serializer.Fill(serializer.NewContext(tx, nil), doc, target)
	})
	s.metrics.observe(s.info.Name, "retrieve", start, err)
	if err != nil {
		return nil, fmt.Errorf("retrieve %s %s: %w", target.TypeName(), id, err)
	}
	return target, nil
}

// Exists reports whether a T with id is stored, looking it up in the
// index of T.
func Exists[T any, P StorablePtr[T]](ctx context.Context, s *Storage, id core.ID) (bool, error) {
	rows, err := s.rows(ctx, P(new(T)), core.NewQueryFilter().Add(views.IDKey, id))
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// Count returns the number of stored T documents.
func Count[T any, P StorablePtr[T]](ctx context.Context, s *Storage) (int, error) {
	return CountFilter[T, P](ctx, s, nil)
}

// CountFilter returns the number of documents matching filter without
// loading them.
func CountFilter[T any, P StorablePtr[T]](ctx context.Context, s *Storage, filter *core.QueryFilter) (int, error) {
	rows, err := s.rows(ctx, P(new(T)), filter)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Query returns preview objects for the documents matching filter. Preview
// objects hold only the preloaded properties and report IsLoaded false;
// pass them to Fill before storing them.
//
// The matching rows are read when iteration starts. Each element is then
// decoded with the storage lock taken for that element only, so the loop
// body may use s. Rows that fail to decode are logged and skipped.
func Query[T any, P StorablePtr[T]](ctx context.Context, s *Storage, filter *core.QueryFilter) iter.Seq2[P, error] {
	return func(yield func(P, error) bool) {
		rows, err := s.rows(ctx, P(new(T)), filter)
		if err != nil {
			yield(nil, err)
			return
		}

		cache := serializer.NewCache()
		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			st, err := s.decodeRow(ctx, func(tx storage.Txn) (core.Storable, error) {
				return s.serializer.DecodePreview(serializer.NewContext(tx, cache), row.DocKey, row.Preview)
			})
			item, ok := typed[T, P](s, st, err, row)
			if !ok {
				continue
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

// QueryFull is Query returning fully loaded entities. Entities shared
// between results, or already in cache, are the same instance. A nil cache
// gets a fresh one.
func QueryFull[T any, P StorablePtr[T]](ctx context.Context, s *Storage, filter *core.QueryFilter, cache *serializer.Cache) iter.Seq2[P, error] {
	if cache == nil {
		cache = serializer.NewCache()
	}
	return func(yield func(P, error) bool) {
		rows, err := s.rows(ctx, P(new(T)), filter)
		if err != nil {
			yield(nil, err)
			return
		}

		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			st, err := s.decodeRow(ctx, func(tx storage.Txn) (core.Storable, error) {
				return s.serializer.Load(serializer.NewContext(tx, cache), row.DocKey)
			})
			item, ok := typed[T, P](s, st, err, row)
			if !ok {
				continue
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

// RetrieveAll returns preview objects for every stored T.
func RetrieveAll[T any, P StorablePtr[T]](ctx context.Context, s *Storage) iter.Seq2[P, error] {
	return Query[T, P](ctx, s, nil)
}

// decodeRow runs decode in a read transaction under the storage lock.
func (s *Storage) decodeRow(ctx context.Context, decode func(tx storage.Txn) (core.Storable, error)) (core.Storable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st core.Storable
	err := s.store.View(ctx, func(tx storage.Txn) error {
		var err error
		st, err = decode(tx)
		return err
	})
	return st, err
}

func typed[T any, P StorablePtr[T]](s *Storage, st core.Storable, err error, row storage.IndexRow) (P, bool) {
	if err != nil {
		s.logger.Warn("skipping query result", "key", row.DocKey, "err", err)
		return nil, false
	}
	item, ok := st.(P)
	if !ok {
		s.logger.Warn("skipping query result", "key", row.DocKey, "type", st.TypeName())
		return nil, false
	}
	return item, true
}
