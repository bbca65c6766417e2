package graphstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/poiesic/graphstore/backup"
	"github.com/poiesic/graphstore/core"
	"github.com/poiesic/graphstore/internal/fixtures"
	"github.com/poiesic/graphstore/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDisk(t *testing.T, path string, opts ...Option) *Storage {
	t.Helper()
	s, err := Open(path, fixtures.Registry(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBackupRestore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c := newClock()
	s := openDisk(t, filepath.Join(dir, "main"), WithName("main"), WithClock(c.Now))

	p, _, _, _ := sampleProject()
	require.NoError(t, s.Store(ctx, p, false))

	c.Advance(time.Minute)
	location, err := s.Backup(ctx)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "backups", backup.ArchiveName("main", c.Now())), location)
	assert.FileExists(t, location)
	assert.Equal(t, c.Now(), s.Info().LastBackup)

	require.NoError(t, s.Delete(ctx, p))
	_, err = Retrieve[fixtures.Project](ctx, s, p.ID())
	require.ErrorIs(t, err, storage.ErrNotFound)

	t.Run("from reader", func(t *testing.T) {
		f, err := os.Open(location)
		require.NoError(t, err)
		defer f.Close()
		require.NoError(t, s.Restore(ctx, f))

		loaded, err := Retrieve[fixtures.Project](ctx, s, p.ID())
		require.NoError(t, err)
		assert.Equal(t, "final", loaded.Name)
		assert.Len(t, loaded.Teams, 1)
		assert.Equal(t, "main", s.Info().Name)

		n, err := Count[fixtures.Project](ctx, s)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("by name", func(t *testing.T) {
		require.NoError(t, s.Reset(ctx))
		assert.Empty(t, docKeys(t, s))

		require.NoError(t, s.RestoreArchive(ctx, filepath.Base(location)))
		ok, err := Exists[fixtures.Project](ctx, s, p.ID())
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("not an archive", func(t *testing.T) {
		err := s.Restore(ctx, io.NopCloser(errReader{}))
		var se *storage.StorageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "restore", se.Op)
	})
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("unreadable") }

func TestBackup_Destination(t *testing.T) {
	ctx := context.Background()

	t.Run("in memory without sink", func(t *testing.T) {
		s := openMemory(t)
		_, err := s.Backup(ctx)
		assert.ErrorIs(t, err, ErrNoBackupSink)
	})

	t.Run("explicit sink", func(t *testing.T) {
		sink, err := backup.NewDirSink(t.TempDir())
		require.NoError(t, err)
		s := openMemory(t, WithBackupSink(sink))

		location, err := s.Backup(ctx)
		require.NoError(t, err)
		assert.Equal(t, sink.Dir(), filepath.Dir(location))

		archive, err := backup.OpenFile(location)
		require.NoError(t, err)
		defer archive.Close()
		data, err := io.ReadAll(archive)
		require.NoError(t, err)
		assert.NotEmpty(t, data)
	})

	t.Run("configured directory", func(t *testing.T) {
		dir := t.TempDir()
		s := openMemory(t, WithConfig(NewConfig(WithBackupDir(dir), WithStorageName("cfg"))))

		location, err := s.Backup(ctx)
		require.NoError(t, err)
		assert.Equal(t, dir, filepath.Dir(location))
		assert.Contains(t, filepath.Base(location), "cfg-")
	})
}

// flakySink fails the first writes after consuming part of the archive.
type flakySink struct {
	backup.Sink
	fails    int
	attempts int
}

func (f *flakySink) Write(ctx context.Context, name string, r io.Reader) (string, error) {
	f.attempts++
	if f.attempts <= f.fails {
		io.CopyN(io.Discard, r, 8)
		return "", errors.New("connection reset")
	}
	return f.Sink.Write(ctx, name, r)
}

func TestBackup_RetriesUpload(t *testing.T) {
	prev := uploadBaseDelay
	uploadBaseDelay = time.Millisecond
	t.Cleanup(func() { uploadBaseDelay = prev })

	ctx := context.Background()
	dir, err := backup.NewDirSink(t.TempDir())
	require.NoError(t, err)

	t.Run("recovers", func(t *testing.T) {
		sink := &flakySink{Sink: dir, fails: 2}
		s := openMemory(t, WithBackupSink(sink))
		require.NoError(t, s.Store(ctx, fixtures.NewLink("a"), false))

		location, err := s.Backup(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, sink.attempts)

		// The archive is whole despite the partial reads.
		target := openMemory(t)
		f, err := os.Open(location)
		require.NoError(t, err)
		defer f.Close()
		require.NoError(t, target.Restore(ctx, f))
		assert.Len(t, docKeys(t, target), 1)
	})

	t.Run("gives up", func(t *testing.T) {
		sink := &flakySink{Sink: dir, fails: 10}
		s := openMemory(t, WithBackupSink(sink))
		before := s.Info().LastBackup

		_, err := s.Backup(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection reset")
		assert.Equal(t, DefaultUploadAttempts, sink.attempts)
		assert.Equal(t, before, s.Info().LastBackup)
	})
}

func TestMaintainOnOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "main")
	backups := filepath.Join(dir, "backups")
	c := newClock()

	s, err := Open(path, fixtures.Registry(), WithName("main"), WithClock(c.Now))
	require.NoError(t, err)
	c.Advance(72 * time.Hour)
	require.NoError(t, s.Store(ctx, fixtures.NewLink("a"), false))
	require.NoError(t, s.Close())

	t.Run("disabled", func(t *testing.T) {
		s, err := Open(path, fixtures.Registry(), WithClock(c.Now), WithMaintainOnOpen(false))
		require.NoError(t, err)
		defer s.Close()
		assert.NoDirExists(t, backups)
		assert.True(t, s.Info().LastBackup.Before(s.Info().LastModified))
	})

	t.Run("due", func(t *testing.T) {
		c.Advance(time.Hour)
		s, err := Open(path, fixtures.Registry(), WithClock(c.Now))
		require.NoError(t, err)
		defer s.Close()

		info := s.Info()
		assert.Equal(t, c.Now(), info.LastBackup)
		assert.Equal(t, c.Now(), info.LastCleanup)

		sink, err := backup.NewDirSink(backups)
		require.NoError(t, err)
		archives, err := sink.List()
		require.NoError(t, err)
		assert.Equal(t, []string{backup.ArchiveName("main", c.Now())}, archives)
	})

	t.Run("not due again", func(t *testing.T) {
		c.Advance(time.Hour)
		s, err := Open(path, fixtures.Registry(), WithClock(c.Now))
		require.NoError(t, err)
		defer s.Close()

		sink, err := backup.NewDirSink(backups)
		require.NoError(t, err)
		archives, err := sink.List()
		require.NoError(t, err)
		assert.Len(t, archives, 1)
	})
}

func TestMaintain_Intervals(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	sink, err := backup.NewDirSink(t.TempDir())
	require.NoError(t, err)
	s := openMemory(t,
		WithClock(c.Now),
		WithBackupSink(sink),
		WithConfig(NewConfig(WithBackupInterval(time.Hour), WithCompactInterval(24*time.Hour))))

	require.NoError(t, s.Maintain(ctx))
	archives, err := sink.List()
	require.NoError(t, err)
	assert.Empty(t, archives)

	c.Advance(2 * time.Hour)
	require.NoError(t, s.Store(ctx, fixtures.NewLink("a"), false))
	require.NoError(t, s.Maintain(ctx))

	info := s.Info()
	assert.Equal(t, c.Now(), info.LastBackup)
	assert.True(t, info.LastCleanup.Before(info.LastModified), "compaction is not due yet")
	archives, err = sink.List()
	require.NoError(t, err)
	assert.Len(t, archives, 1)
}

func TestCompact(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	s := openDisk(t, filepath.Join(t.TempDir(), "main"), WithClock(c.Now))

	link := fixtures.NewLink("a")
	require.NoError(t, s.Store(ctx, link, false))
	require.NoError(t, s.Delete(ctx, link))

	c.Advance(time.Hour)
	require.NoError(t, s.Compact(ctx))
	assert.Equal(t, c.Now(), s.Info().LastCleanup)

	persisted, err := Retrieve[core.StorageInfo](ctx, s, core.NilID)
	require.NoError(t, err)
	assert.True(t, c.Now().Equal(persisted.LastCleanup))
}
