package graphstore

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/graphstore/core"
	"github.com/poiesic/graphstore/internal/fixtures"
	"github.com/poiesic/graphstore/serializer"
	"github.com/poiesic/graphstore/storage"
	badgerstore "github.com/poiesic/graphstore/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openMemory(t *testing.T, opts ...Option) *Storage {
	t.Helper()
	s, err := Open("", fixtures.Registry(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// docKeys lists the stored document keys without the metadata record.
func docKeys(t *testing.T, s *Storage) []string {
	t.Helper()
	var keys []string
	err := s.store.View(context.Background(), func(tx storage.Txn) error {
		var err error
		keys, err = tx.Keys("")
		return err
	})
	require.NoError(t, err)
	keys = slices.DeleteFunc(keys, func(k string) bool { return k == core.NilID.String() })
	slices.Sort(keys)
	return keys
}

func revision(t *testing.T, s *Storage, key string) uint64 {
	t.Helper()
	var rev uint64
	err := s.store.View(context.Background(), func(tx storage.Txn) error {
		doc, err := tx.Get(key)
		if err != nil {
			return err
		}
		rev = doc.Revision
		return nil
	})
	require.NoError(t, err)
	return rev
}

func key(root, st core.Storable) string {
	return serializer.DocumentKey(root.ID(), st.ID())
}

// sampleProject returns a project owned by ann, with one team of ann and
// bob and an inlined dashboard.
func sampleProject() (*fixtures.Project, *fixtures.Team, *fixtures.Player, *fixtures.Player) {
	ann := fixtures.NewPlayer("ann", 1)
	bob := fixtures.NewPlayer("bob", 2)
	team := fixtures.NewTeam("red", ann, bob)
	p := fixtures.NewProject("final")
	p.Owner = ann
	p.Teams = []*fixtures.Team{team}
	p.Dashboard = fixtures.NewDashboard("main")
	return p, team, ann, bob
}

func TestOpen(t *testing.T) {
	t.Run("creates metadata", func(t *testing.T) {
		s := openMemory(t)
		info := s.Info()
		assert.Equal(t, DefaultName, info.Name)
		assert.Equal(t, DefaultVersion, info.Version)
		assert.Equal(t, core.NilID, info.ID())
		assert.Empty(t, docKeys(t, s))
	})

	t.Run("reads existing metadata", func(t *testing.T) {
		dir := t.TempDir()
		s, err := Open(dir, fixtures.Registry(), WithName("main"))
		require.NoError(t, err)
		created := s.Info().LastModified
		require.NoError(t, s.Close())

		s, err = Open(dir, fixtures.Registry(), WithName("other"))
		require.NoError(t, err)
		defer s.Close()
		assert.Equal(t, "main", s.Info().Name)
		assert.True(t, created.Equal(s.Info().LastModified))
	})

	t.Run("invalid option", func(t *testing.T) {
		_, err := Open("", fixtures.Registry(), WithName(""))
		assert.ErrorIs(t, err, ErrInvalidName)
	})
}

func TestStore_NewGraph(t *testing.T) {
	s := openMemory(t)
	p, team, ann, bob := sampleProject()

	require.NoError(t, s.Store(context.Background(), p, false))

	want := []string{p.ID().String(), key(p, team), key(p, ann), key(p, bob)}
	slices.Sort(want)
	assert.Equal(t, want, docKeys(t, s))

	for _, st := range []core.Storable{p, team, ann, bob, p.Dashboard} {
		assert.False(t, st.IsChanged(), st.TypeName())
	}
	assert.Equal(t, key(p, team), team.DocumentID())
	// The dashboard lives in the project document.
	assert.Equal(t, p.ID().String(), p.Dashboard.DocumentID())
	assert.Len(t, team.SavedChildren(), 2)
}

func TestStore_OnlyChangedDocumentsAreWritten(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	p, team, ann, _ := sampleProject()
	require.NoError(t, s.Store(ctx, p, false))

	t.Run("changed child", func(t *testing.T) {
		team.Name = "blue"
		team.SetChanged(true)
		require.NoError(t, s.Store(ctx, p, false))

		assert.Equal(t, uint64(2), revision(t, s, key(p, team)))
		assert.Equal(t, uint64(1), revision(t, s, p.ID().String()))
		assert.Equal(t, uint64(1), revision(t, s, key(p, ann)))
	})

	t.Run("changed local child rewrites its owner", func(t *testing.T) {
		p.Dashboard.Title = "renamed"
		p.Dashboard.SetChanged(true)
		require.NoError(t, s.Store(ctx, p, false))

		assert.Equal(t, uint64(2), revision(t, s, p.ID().String()))
		assert.Equal(t, uint64(2), revision(t, s, key(p, team)))
		assert.False(t, p.Dashboard.IsChanged())
	})

	t.Run("force rewrites everything", func(t *testing.T) {
		require.NoError(t, s.Store(ctx, p, true))
		assert.Equal(t, uint64(3), revision(t, s, p.ID().String()))
		assert.Equal(t, uint64(3), revision(t, s, key(p, team)))
		assert.Equal(t, uint64(2), revision(t, s, key(p, ann)))
	})
}

func TestStore_MetadataBookkeeping(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	s := openMemory(t, WithClock(c.Now))
	created := s.Info().LastModified

	p, team, _, _ := sampleProject()
	c.Advance(time.Hour)
	require.NoError(t, s.Store(ctx, p, false))
	assert.Equal(t, created.Add(time.Hour), s.Info().LastModified)

	t.Run("nothing changed", func(t *testing.T) {
		c.Advance(time.Hour)
		require.NoError(t, s.Store(ctx, p, false))
		assert.Equal(t, created.Add(time.Hour), s.Info().LastModified)
	})

	t.Run("change", func(t *testing.T) {
		team.SetChanged(true)
		require.NoError(t, s.Store(ctx, p, false))
		assert.Equal(t, created.Add(2*time.Hour), s.Info().LastModified)
	})

	t.Run("persisted", func(t *testing.T) {
		info, err := Retrieve[core.StorageInfo](ctx, s, core.NilID)
		require.NoError(t, err)
		assert.True(t, created.Add(2*time.Hour).Equal(info.LastModified))
	})

	t.Run("storing the metadata does not touch it", func(t *testing.T) {
		info := s.Info()
		info.Version = "2.0"
		info.SetChanged(true)
		c.Advance(time.Hour)
		require.NoError(t, s.Store(ctx, info, false))
		assert.Equal(t, "2.0", s.Info().Version)
		assert.Equal(t, created.Add(2*time.Hour), s.Info().LastModified)
	})
}

func TestStore_OrphanCleanup(t *testing.T) {
	ctx := context.Background()

	t.Run("removed child", func(t *testing.T) {
		s := openMemory(t)
		ann := fixtures.NewPlayer("ann", 1)
		bob := fixtures.NewPlayer("bob", 2)
		team := fixtures.NewTeam("red", ann, bob)
		require.NoError(t, s.Store(ctx, team, false))
		require.Len(t, docKeys(t, s), 3)

		team.Players = team.Players[:1]
		require.NoError(t, s.Store(ctx, team, false))

		want := []string{team.ID().String(), key(team, ann)}
		slices.Sort(want)
		assert.Equal(t, want, docKeys(t, s))
		assert.Len(t, team.SavedChildren(), 1)
	})

	t.Run("nested orphans", func(t *testing.T) {
		s := openMemory(t)
		p, _, ann, _ := sampleProject()
		require.NoError(t, s.Store(ctx, p, false))
		require.Len(t, docKeys(t, s), 4)

		// ann stays as the owner; the team and bob go.
		p.Teams = nil
		require.NoError(t, s.Store(ctx, p, false))

		want := []string{p.ID().String(), key(p, ann)}
		slices.Sort(want)
		assert.Equal(t, want, docKeys(t, s))
	})

	t.Run("moved child is kept", func(t *testing.T) {
		s := openMemory(t)
		p, team, _, bob := sampleProject()
		require.NoError(t, s.Store(ctx, p, false))

		team.Players = team.Players[:1]
		p.Owner = bob
		p.SetChanged(true)
		require.NoError(t, s.Store(ctx, p, false))

		assert.Contains(t, docKeys(t, s), key(p, bob))
		assert.Len(t, docKeys(t, s), 4)
	})

	t.Run("removed local child", func(t *testing.T) {
		s := openMemory(t)
		p, _, _, _ := sampleProject()
		require.NoError(t, s.Store(ctx, p, false))

		p.Dashboard = nil
		require.NoError(t, s.Store(ctx, p, false))

		assert.Contains(t, docKeys(t, s), p.ID().String())
		assert.Equal(t, uint64(2), revision(t, s, p.ID().String()))
	})
}

func TestStore_AddedChild(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	p := fixtures.NewProject("final")
	p.Teams = []*fixtures.Team{fixtures.NewTeam("red")}
	require.NoError(t, s.Store(ctx, p, true))

	loaded, err := Retrieve[fixtures.Project](ctx, s, p.ID())
	require.NoError(t, err)
	blue := fixtures.NewTeam("blue")
	loaded.Teams = append(loaded.Teams, blue)
	require.NoError(t, s.Store(ctx, loaded, false))
	assert.Equal(t, uint64(2), revision(t, s, p.ID().String()))

	reloaded, err := Retrieve[fixtures.Project](ctx, s, p.ID())
	require.NoError(t, err)
	require.Len(t, reloaded.Teams, 2)
	assert.Equal(t, "blue", reloaded.Teams[1].Name)

	t.Run("removed again", func(t *testing.T) {
		reloaded.Teams = reloaded.Teams[:1]
		require.NoError(t, s.Store(ctx, reloaded, false))
		assert.NotContains(t, docKeys(t, s), key(p, blue))
	})

	t.Run("dropped while keeping children", func(t *testing.T) {
		kept, err := Retrieve[fixtures.Project](ctx, s, p.ID())
		require.NoError(t, err)
		require.Len(t, kept.Teams, 1)
		red := kept.Teams[0]

		kept.SetDeleteChildren(false)
		kept.Teams = nil
		require.NoError(t, s.Store(ctx, kept, false))
		assert.Contains(t, docKeys(t, s), key(p, red))

		again, err := Retrieve[fixtures.Project](ctx, s, p.ID())
		require.NoError(t, err)
		assert.Empty(t, again.Teams)
	})
}

func TestStore_Cycle(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	a := fixtures.NewLink("a")
	b := fixtures.NewLink("b")
	a.Next = b
	b.Next = a

	require.NoError(t, s.Store(ctx, a, false))
	assert.Len(t, docKeys(t, s), 2)

	loaded, err := Retrieve[fixtures.Link](ctx, s, a.ID())
	require.NoError(t, err)
	require.NotNil(t, loaded.Next)
	assert.Equal(t, "b", loaded.Next.Name)
	assert.Same(t, loaded, loaded.Next.Next)
}

func TestStore_Rejects(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	t.Run("preview object", func(t *testing.T) {
		p := fixtures.NewProject("preview")
		p.SetLoaded(false)
		err := s.Store(ctx, p, false)
		assert.ErrorIs(t, err, ErrPreviewObject)
		var se *storage.StorageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "store", se.Op)
	})

	t.Run("nil", func(t *testing.T) {
		err := s.Store(ctx, nil, false)
		assert.ErrorIs(t, err, core.ErrInvalidStorable)
	})

	t.Run("missing ID", func(t *testing.T) {
		p := fixtures.NewProject("x")
		p.SetID(core.NilID)
		err := s.Store(ctx, p, false)
		assert.ErrorIs(t, err, core.ErrMissingID)
	})

	assert.Empty(t, docKeys(t, s))
}

type faultyStore struct {
	storage.DocumentStore
	failType string
}

func (f *faultyStore) Update(ctx context.Context, fn func(tx storage.Txn) error) error {
	return f.DocumentStore.Update(ctx, func(tx storage.Txn) error {
		return fn(&faultyTxn{Txn: tx, failType: f.failType})
	})
}

type faultyTxn struct {
	storage.Txn
	failType string
}

func (t *faultyTxn) Put(key string, doc storage.DocumentWrite) (uint64, error) {
	if doc.Type == t.failType {
		return 0, errors.New("disk full")
	}
	return t.Txn.Put(key, doc)
}

func TestStoreAll_IsAtomic(t *testing.T) {
	ctx := context.Background()
	backend, err := badgerstore.NewMemoryBackend()
	require.NoError(t, err)
	s, err := New(&faultyStore{DocumentStore: backend, failType: fixtures.LinkType}, fixtures.Registry())
	require.NoError(t, err)
	defer s.Close()
	before := s.Info().LastModified

	p, _, _, _ := sampleProject()
	link := fixtures.NewLink("broken")
	err = s.StoreAll(ctx, []core.Storable{p, link}, false)
	require.Error(t, err)
	var se *storage.StorageError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, err.Error(), "disk full")

	assert.Empty(t, docKeys(t, s))
	assert.True(t, p.IsChanged())
	assert.Empty(t, p.DocumentID())
	assert.Equal(t, before, s.Info().LastModified)
}

func TestStoreAll(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	a := fixtures.NewLink("a")
	b := fixtures.NewLink("b")

	require.NoError(t, s.StoreAll(ctx, []core.Storable{a, b}, false))
	assert.Equal(t, sorted([]string{a.ID().String(), b.ID().String()}), docKeys(t, s))

	t.Run("canceled context", func(t *testing.T) {
		c := fixtures.NewLink("c")
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := s.StoreAll(cctx, []core.Storable{c}, false)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotContains(t, docKeys(t, s), c.ID().String())
	})
}

func sorted(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return out
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("cascades", func(t *testing.T) {
		s := openMemory(t)
		p, _, _, _ := sampleProject()
		other := fixtures.NewLink("other")
		require.NoError(t, s.StoreAll(ctx, []core.Storable{p, other}, false))

		require.NoError(t, s.Delete(ctx, p))
		assert.Equal(t, []string{other.ID().String()}, docKeys(t, s))
		assert.Empty(t, p.DocumentID())
		assert.True(t, p.IsChanged())
	})

	t.Run("keeps children", func(t *testing.T) {
		s := openMemory(t)
		p, team, ann, bob := sampleProject()
		p.SetDeleteChildren(false)
		require.NoError(t, s.Store(ctx, p, false))

		require.NoError(t, s.Delete(ctx, p))
		want := []string{key(p, team), key(p, ann), key(p, bob)}
		slices.Sort(want)
		assert.Equal(t, want, docKeys(t, s))
	})

	t.Run("updates metadata", func(t *testing.T) {
		c := newClock()
		s := openMemory(t, WithClock(c.Now))
		link := fixtures.NewLink("a")
		require.NoError(t, s.Store(ctx, link, false))

		c.Advance(time.Minute)
		require.NoError(t, s.Delete(ctx, link))
		assert.Equal(t, c.Now(), s.Info().LastModified)
	})

	t.Run("missing document", func(t *testing.T) {
		s := openMemory(t)
		assert.NoError(t, s.Delete(ctx, fixtures.NewLink("never stored")))
	})

	t.Run("nil", func(t *testing.T) {
		s := openMemory(t)
		assert.ErrorIs(t, s.Delete(ctx, nil), core.ErrNilStorable)
	})
}

func TestRetrieve(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	p, team, _, _ := sampleProject()
	p.Budget = 1200
	require.NoError(t, s.Store(ctx, p, false))

	t.Run("graph", func(t *testing.T) {
		loaded, err := Retrieve[fixtures.Project](ctx, s, p.ID())
		require.NoError(t, err)
		assert.Equal(t, "final", loaded.Name)
		assert.Equal(t, 1200, loaded.Budget)
		assert.True(t, loaded.IsLoaded())
		assert.False(t, loaded.IsChanged())
		require.Len(t, loaded.Teams, 1)
		require.Len(t, loaded.Teams[0].Players, 2)
		assert.Same(t, loaded.Owner, loaded.Teams[0].Players[0])
		require.NotNil(t, loaded.Dashboard)
		assert.Equal(t, "main", loaded.Dashboard.Title)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := Retrieve[fixtures.Project](ctx, s, core.NewID())
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.NotErrorIs(t, err, storage.ErrTypeMismatch)
	})

	t.Run("type mismatch", func(t *testing.T) {
		_, err := Retrieve[fixtures.Team](ctx, s, p.ID())
		assert.ErrorIs(t, err, storage.ErrTypeMismatch)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("exists", func(t *testing.T) {
		ok, err := Exists[fixtures.Project](ctx, s, p.ID())
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = Exists[fixtures.Team](ctx, s, p.ID())
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = Exists[fixtures.Project](ctx, s, core.NewID())
		require.NoError(t, err)
		assert.False(t, ok)

		// Child documents are found through the index of their type.
		ok, err = Exists[fixtures.Team](ctx, s, team.ID())
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestFill(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	p, _, _, _ := sampleProject()
	p.Budget = 99
	require.NoError(t, s.Store(ctx, p, false))

	var preview *fixtures.Project
	for item, err := range RetrieveAll[fixtures.Project](ctx, s) {
		require.NoError(t, err)
		preview = item
	}
	require.NotNil(t, preview)
	assert.False(t, preview.IsLoaded())
	assert.Equal(t, "final", preview.Name)
	assert.Zero(t, preview.Budget)

	require.NoError(t, s.Fill(ctx, preview))
	assert.True(t, preview.IsLoaded())
	assert.Equal(t, 99, preview.Budget)
	assert.Len(t, preview.Teams, 1)

	t.Run("missing", func(t *testing.T) {
		err := s.Fill(ctx, fixtures.NewProject("gone"))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, WithName("main"))
	p, _, _, _ := sampleProject()
	require.NoError(t, s.Store(ctx, p, false))

	require.NoError(t, s.Reset(ctx))
	assert.Empty(t, docKeys(t, s))
	assert.Equal(t, "main", s.Info().Name)

	n, err := Count[fixtures.Project](ctx, s)
	require.NoError(t, err)
	assert.Zero(t, n)
}
