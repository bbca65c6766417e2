package graphstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/graphstore/serializer"
)

var (
	invalidNameChars = regexp.MustCompile(`[^a-z0-9_-]`)
	// manifestFile marks a directory holding a badger store.
	manifestFile = "MANIFEST"
)

// SanitizeName turns name into a storage directory name: lowercase ASCII
// letters, digits, '_' and '-', starting with a letter.
func SanitizeName(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", ErrInvalidName
	}
	name = invalidNameChars.ReplaceAllString(name, "_")
	if name[0] < 'a' || name[0] > 'z' {
		name = "db" + name
	}
	return name, nil
}

// Manager keeps named storages as sibling directories of one directory.
type Manager struct {
	mu sync.Mutex

	dir      string
	registry *serializer.Registry
	opts     []Option
	config   *Config
	logger   *slog.Logger

	storages map[string]*Storage
	active   string
}

// NewManager manages the storages under dir. opts are applied to every
// storage it opens.
func NewManager(dir string, registry *serializer.Registry, opts ...Option) (*Manager, error) {
	// Resolve the options once for the settings the manager itself needs.
	probe, err := newStorage(registry, opts)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		dir = probe.config.Dir
	}
	if dir == "" {
		return nil, errors.New("manager directory required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}

	return &Manager{
		dir:      dir,
		registry: probe.registry,
		opts:     opts,
		config:   probe.config,
		logger:   probe.logger,
		storages: make(map[string]*Storage),
	}, nil
}

// Dir returns the managed directory.
func (m *Manager) Dir() string { return m.dir }

// Names returns the storages present on disk, sorted.
func (m *Manager) Names() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.dir, e.Name(), manifestFile)); err == nil {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

// Open returns the storage called name, opening or creating it.
func (m *Manager) Open(name string) (*Storage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open(name)
}

func (m *Manager) open(name string) (*Storage, error) {
	name, err := SanitizeName(name)
	if err != nil {
		return nil, err
	}
	if s, ok := m.storages[name]; ok {
		return s, nil
	}

	opts := append(slices.Clone(m.opts), WithName(name))
	s, err := Open(filepath.Join(m.dir, name), m.registry, opts...)
	if err != nil {
		return nil, err
	}
	m.storages[name] = s
	m.logger.Info("storage opened", "name", name)
	return s, nil
}

// SetActive makes name the active storage, creating it if needed.
func (m *Manager) SetActive(name string) (*Storage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.open(name)
	if err != nil {
		return nil, err
	}
	m.active, _ = SanitizeName(name)
	return s, nil
}

// Active returns the active storage, or nil if none was set.
func (m *Manager) Active() *Storage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storages[m.active]
}

// Delete closes the storage called name and removes its directory. The
// last storage cannot be deleted.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name, err := SanitizeName(name)
	if err != nil {
		return err
	}
	names, err := m.Names()
	if err != nil {
		return err
	}
	if !slices.Contains(names, name) {
		if _, open := m.storages[name]; !open {
			return fmt.Errorf("%w: %s", ErrUnknownStorage, name)
		}
	}
	if len(names) <= 1 {
		return ErrLastStorage
	}

	if s, ok := m.storages[name]; ok {
		if err := s.Close(); err != nil {
			return err
		}
		delete(m.storages, name)
	}
	if err := os.RemoveAll(filepath.Join(m.dir, name)); err != nil {
		return err
	}
	if m.active == name {
		m.active = ""
	}
	m.logger.Info("storage deleted", "name", name)
	return nil
}

// MaintainAll opens every storage on disk and runs its backup and
// compaction checks, concurrently on a pool of Config.Workers. Failures are
// joined in the returned error.
func (m *Manager) MaintainAll(ctx context.Context) error {
	m.mu.Lock()
	names, err := m.Names()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	var targets []*Storage
	for _, name := range names {
		s, err := m.open(name)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		targets = append(targets, s)
	}
	m.mu.Unlock()

	pool, err := ants.NewPool(m.config.Workers)
	if err != nil {
		return err
	}
	defer pool.Release()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range targets {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			if err := s.Maintain(ctx); err != nil {
				m.logger.Error("maintenance failed", "storage", s.Name(), "err", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Close closes every open storage.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, s := range m.storages {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	clear(m.storages)
	m.active = ""
	return errors.Join(errs...)
}
