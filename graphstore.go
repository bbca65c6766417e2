package graphstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/poiesic/graphstore/backup"
	"github.com/poiesic/graphstore/core"
	"github.com/poiesic/graphstore/serializer"
	"github.com/poiesic/graphstore/storage"
	"github.com/poiesic/graphstore/storage/badger"
	"github.com/poiesic/graphstore/tracking"
	"github.com/poiesic/graphstore/views"
)

// Storage persists entity graphs into a document store. Every operation
// holds one mutex for its whole duration and runs in one transaction.
type Storage struct {
	mu sync.Mutex

	store      storage.DocumentStore
	registry   *serializer.Registry
	serializer *serializer.Serializer
	parser     *tracking.Parser
	config     *Config
	logger     *slog.Logger
	metrics    *Metrics
	sink       backup.Sink
	now        func() time.Time

	info  *core.StorageInfo
	specs map[string]views.Spec
	views map[string]*views.View
}

func newStorage(registry *serializer.Registry, opts []Option) (*Storage, error) {
	if registry == nil {
		registry = serializer.NewRegistry()
	}
	s := &Storage{
		registry: registry,
		config:   DefaultConfig(),
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		specs:    make(map[string]views.Spec),
		views:    make(map[string]*views.View),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Open opens or creates the badger store at path. An empty path opens an
// in-memory store. Types that will be loaded must be registered in
// registry.
func Open(path string, registry *serializer.Registry, opts ...Option) (*Storage, error) {
	s, err := newStorage(registry, opts)
	if err != nil {
		return nil, err
	}

	store, err := badger.OpenBackend(path, path == "",
		badger.WithLogger(s.logger),
		badger.WithProgramCacheSize(s.config.ProgramCacheSize))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	if err := s.init(store); err != nil {
		store.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open document store. The Storage owns it from now on and
// closes it in Close.
func New(store storage.DocumentStore, registry *serializer.Registry, opts ...Option) (*Storage, error) {
	s, err := newStorage(registry, opts)
	if err != nil {
		return nil, err
	}
	if err := s.init(store); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storage) init(store storage.DocumentStore) error {
	s.store = store
	s.serializer = serializer.New(s.registry, s.logger)
	s.parser = tracking.NewParser(s.logger)

	ctx := context.Background()
	if err := s.registerViews(ctx); err != nil {
		return err
	}
	if err := s.fetchInfo(ctx); err != nil {
		return err
	}
	if s.config.Maintain() {
		if err := s.maintain(ctx); err != nil {
			s.logger.Warn("maintenance on open failed", "storage", s.info.Name, "err", err)
		}
	}
	return nil
}

// fetchInfo reads the metadata record, creating it on first open.
func (s *Storage) fetchInfo(ctx context.Context) error {
	info := &core.StorageInfo{}
	err := s.store.View(ctx, func(tx storage.Txn) error {
		doc, err := tx.Get(core.NilID.String())
		if err != nil {
			return err
		}
		return s.serializer.Fill(serializer.NewContext(tx, nil), doc, info)
	})
	if err == nil {
		s.info = info
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("read storage info: %w", err)
	}

	info = core.NewStorageInfo(s.config.Name, s.config.Version)
	now := s.now()
	info.LastModified = now
	info.LastBackup = now
	info.LastCleanup = now
	if err := s.writeInfo(ctx, info); err != nil {
		return fmt.Errorf("create storage info: %w", err)
	}
	s.logger.Debug("created storage", "name", info.Name, "version", info.Version)
	return nil
}

// writeInfo stores info in its own transaction and makes it current.
func (s *Storage) writeInfo(ctx context.Context, info *core.StorageInfo) error {
	var pass *serializer.Context
	err := s.store.Update(ctx, func(tx storage.Txn) error {
		pass = serializer.NewContext(tx, nil)
		return s.serializer.Save(pass, info, false)
	})
	if err != nil {
		return err
	}
	pass.Commit()
	s.info = info
	return nil
}

// touch writes a copy of the metadata with LastModified set to now in tx.
func (s *Storage) touch(tx storage.Txn) (*core.StorageInfo, *serializer.Context, error) {
	info := s.info.Clone()
	info.LastModified = s.now()
	pass := serializer.NewContext(tx, nil)
	if err := s.serializer.Save(pass, info, false); err != nil {
		return nil, nil, err
	}
	return info, pass, nil
}

// Info returns a copy of the metadata record.
func (s *Storage) Info() *core.StorageInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.Clone()
}

// Name returns the name recorded in the metadata.
func (s *Storage) Name() string {
	return s.Info().Name
}

// Registry returns the type registry documents are loaded with.
func (s *Storage) Registry() *serializer.Registry {
	return s.registry
}

// DocumentStore returns the underlying store.
func (s *Storage) DocumentStore() storage.DocumentStore {
	return s.store
}

// Store persists st and everything reachable from it. See StoreAll.
func (s *Storage) Store(ctx context.Context, st core.Storable, forceUpdate bool) error {
	return s.StoreAll(ctx, []core.Storable{st}, forceUpdate)
}

// StoreAll persists every item and its graph in a single transaction.
//
// Without forceUpdate only the documents of changed storables are written,
// a changed storable that is inlined into another document rewriting that
// document, and the documents of children that are no longer referenced are
// deleted. With forceUpdate every document of every graph is rewritten.
//
// On success dirty flags are cleared and the saved children of every
// written storable are refreshed. On failure nothing is applied and the
// error is a *storage.StorageError.
func (s *Storage) StoreAll(ctx context.Context, items []core.Storable, forceUpdate bool) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	written, deleted, err := s.storeAll(ctx, items, forceUpdate)
	s.metrics.observe(s.info.Name, "store", start, err)
	if err != nil {
		return storage.NewStorageError("store", err)
	}
	s.metrics.written(s.info.Name, written)
	s.metrics.deleted(s.info.Name, deleted)
	return nil
}

func (s *Storage) storeAll(ctx context.Context, items []core.Storable, forceUpdate bool) (int, int, error) {
	for _, item := range items {
		if err := core.ValidateStorable(item); err != nil {
			return 0, 0, err
		}
		if !item.IsLoaded() {
			return 0, 0, fmt.Errorf("%w: %s %s", ErrPreviewObject, item.TypeName(), item.ID())
		}
	}

	var (
		passes   []*serializer.Context
		info     *core.StorageInfo
		selfInfo *core.StorageInfo
		written  int
		deleted  int
	)
	err := s.store.Update(ctx, func(tx storage.Txn) error {
		modified := false

		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return err
			}

			pass := serializer.NewContext(tx, nil)
			pass.SetRoot(item)
			passes = append(passes, pass)

			removed, err := s.storeItem(pass, item, forceUpdate)
			if err != nil {
				return fmt.Errorf("%s %s: %w", item.TypeName(), item.ID(), err)
			}
			n := len(pass.Documents())
			written += n
			deleted += removed

			if si, ok := item.(*core.StorageInfo); ok {
				selfInfo = si
			} else if n > 0 || removed > 0 {
				modified = true
			}
		}

		if modified {
			var pass *serializer.Context
			var err error
			info, pass, err = s.touch(tx)
			if err != nil {
				return err
			}
			passes = append(passes, pass)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	for _, pass := range passes {
		pass.Commit()
	}
	if selfInfo != nil {
		s.info = selfInfo.Clone()
	}
	if info != nil {
		s.info = info
	}
	return written, deleted, nil
}

// storeItem writes one graph into the pass transaction and returns the
// number of orphaned documents it deleted.
func (s *Storage) storeItem(pass *serializer.Context, item core.Storable, forceUpdate bool) (int, error) {
	if forceUpdate {
		return 0, s.serializer.Save(pass, item, true)
	}

	root, orphans, err := s.parser.Parse(item, false)
	if err != nil {
		return 0, err
	}
	for _, node := range root.Changed() {
		if err := s.serializer.Save(pass, node.Owner().Storable, false); err != nil {
			return 0, err
		}
	}

	written := pass.Documents()
	removed := 0
	for _, orphan := range orphans {
		key := orphan.DocumentID()
		if key == "" {
			key = serializer.DocumentKey(item.ID(), orphan.ID())
		}
		// An orphan that was inlined lives in a document rewritten above.
		if _, found := slices.BinarySearch(written, key); found {
			continue
		}
		if err := pass.Txn.Delete(key); err != nil {
			return 0, err
		}
		removed++
		s.logger.Debug("deleted orphan", "type", orphan.TypeName(), "key", key)
	}
	return removed, nil
}

// Delete removes st. When st deletes its children every document stored
// under it goes too, in one range delete. The bookkeeping of st is reset,
// so storing it again needs forceUpdate to rewrite its children.
func (s *Storage) Delete(ctx context.Context, st core.Storable) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed, err := s.delete(ctx, st)
	s.metrics.observe(s.info.Name, "delete", start, err)
	if err != nil {
		return storage.NewStorageError("delete", err)
	}
	s.metrics.deleted(s.info.Name, removed)
	return nil
}

func (s *Storage) delete(ctx context.Context, st core.Storable) (int, error) {
	if core.IsNil(st) {
		return 0, core.ErrNilStorable
	}

	var (
		info    *core.StorageInfo
		pass    *serializer.Context
		removed int
	)
	err := s.store.Update(ctx, func(tx storage.Txn) error {
		removed = 0
		if st.DeleteChildren() {
			start, end := serializer.ChildRange(st.ID())
			n, err := tx.RangeDelete(start, end, true)
			if err != nil {
				return err
			}
			removed += n
		}
		if err := tx.Delete(serializer.DocumentKey(st.ID(), st.ID())); err != nil {
			return err
		}
		removed++

		if core.IsStorageInfo(st) {
			return nil
		}
		var err error
		info, pass, err = s.touch(tx)
		return err
	})
	if err != nil {
		return 0, err
	}

	if pass != nil {
		pass.Commit()
		s.info = info
	}
	st.SetDocumentID("")
	st.SetSavedChildren(nil)
	st.SetChanged(true)
	return removed, nil
}

// Fill loads the full document of st into it, turning a preview object
// returned by Query into a loaded one.
func (s *Storage) Fill(ctx context.Context, st core.Storable) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.store.View(ctx, func(tx storage.Txn) error {
		key := st.DocumentID()
		if key == "" {
			key = serializer.DocumentKey(st.ID(), st.ID())
		}
		doc, err := tx.Get(key)
		if err != nil {
			return err
		}
		return s.serializer.Fill(serializer.NewContext(tx, nil), doc, st)
	})
	s.metrics.observe(s.info.Name, "fill", start, err)
	if err != nil {
		return storage.NewStorageError("fill", err)
	}
	return nil
}

// Reset drops every document and starts over with fresh metadata.
// Registered views stay registered.
func (s *Storage) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.DropAll(ctx); err != nil {
		return storage.NewStorageError("reset", err)
	}
	if err := s.registerViews(ctx); err != nil {
		return storage.NewStorageError("reset", err)
	}
	if err := s.fetchInfo(ctx); err != nil {
		return storage.NewStorageError("reset", err)
	}
	s.logger.Info("storage reset", "storage", s.info.Name)
	return nil
}

// Close closes the document store.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Close(); err != nil {
		s.logger.Error("error closing document store", "err", err)
		return err
	}
	return nil
}
