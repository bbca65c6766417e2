package graphstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/poiesic/graphstore/backup"
	"github.com/poiesic/graphstore/backup/s3"
	"github.com/poiesic/graphstore/storage"
)

var uploadBaseDelay = time.Second

// backupSink returns the configured archive destination, creating it on
// first use: the sink given with WithBackupSink, the S3 bucket, the backup
// directory, or "backups" next to the store directory.
func (s *Storage) backupSink(ctx context.Context) (backup.Sink, error) {
	if s.sink != nil {
		return s.sink, nil
	}

	if s.config.S3.Bucket != "" {
		sink, err := s3.New(ctx, s.config.S3)
		if err != nil {
			return nil, err
		}
		s.sink = sink
		return sink, nil
	}

	dir := s.config.BackupDir
	if dir == "" {
		if s.store.Dir() == "" {
			return nil, ErrNoBackupSink
		}
		dir = filepath.Join(filepath.Dir(s.store.Dir()), "backups")
	}
	sink, err := backup.NewDirSink(dir)
	if err != nil {
		return nil, err
	}
	s.sink = sink
	return sink, nil
}

// Backup writes a compressed archive of the whole store and records the
// time in the metadata. It returns where the archive went.
func (s *Storage) Backup(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backup(ctx)
}

func (s *Storage) backup(ctx context.Context) (location string, err error) {
	start := time.Now()
	defer func() {
		s.metrics.observe(s.info.Name, "backup", start, err)
		err = storage.NewStorageError("backup", err)
	}()

	sink, err := s.backupSink(ctx)
	if err != nil {
		return "", err
	}

	// Spool to a temporary file so a failed upload can be retried without
	// streaming the store again.
	tmp, err := os.CreateTemp("", "graphstore-*"+backup.Extension)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	w, err := backup.NewWriter(tmp)
	if err != nil {
		return "", err
	}
	if err := s.store.Backup(ctx, w); err != nil {
		w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	uploader := &backup.Uploader{
		Sink:     sink,
		Attempts: s.config.UploadAttempts,
		Delay:    uploadBaseDelay,
		Logger:   s.logger,
	}
	location, err = uploader.Upload(ctx, backup.ArchiveName(s.info.Name, s.now()), tmp)
	if err != nil {
		return "", err
	}

	info := s.info.Clone()
	info.LastBackup = s.now()
	if err := s.writeInfo(ctx, info); err != nil {
		return "", err
	}
	s.logger.Info("backup written", "storage", info.Name, "location", location)
	return location, nil
}

// Compact reclaims the space of deleted and overwritten documents and
// records the time in the metadata.
func (s *Storage) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compact(ctx)
}

func (s *Storage) compact(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		s.metrics.observe(s.info.Name, "compact", start, err)
		err = storage.NewStorageError("compact", err)
	}()

	if err := s.store.Compact(ctx); err != nil {
		return err
	}
	info := s.info.Clone()
	info.LastCleanup = s.now()
	if err := s.writeInfo(ctx, info); err != nil {
		return err
	}
	s.logger.Info("storage compacted", "storage", info.Name)
	return nil
}

// Restore replaces the content of the store with an archive written by
// Backup. The metadata is read back from the archive.
func (s *Storage) Restore(ctx context.Context, r io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restore(ctx, r)
}

func (s *Storage) restore(ctx context.Context, r io.Reader) (err error) {
	start := time.Now()
	defer func() {
		s.metrics.observe(s.info.Name, "restore", start, err)
		err = storage.NewStorageError("restore", err)
	}()

	archive, err := backup.NewReader(r)
	if err != nil {
		return err
	}
	defer archive.Close()

	if err := s.store.Restore(ctx, archive); err != nil {
		return err
	}
	// Indexes built with other versions are rebuilt here.
	if err := s.registerViews(ctx); err != nil {
		return err
	}
	if err := s.fetchInfo(ctx); err != nil {
		return err
	}
	s.logger.Info("storage restored", "storage", s.info.Name)
	return nil
}

// RestoreArchive restores the archive called name from the backup
// destination, which must support reading back.
func (s *Storage) RestoreArchive(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sink, err := s.backupSink(ctx)
	if err != nil {
		return storage.NewStorageError("restore", err)
	}
	source, ok := sink.(backup.Source)
	if !ok {
		return storage.NewStorageError("restore", fmt.Errorf("%T cannot read archives", sink))
	}
	rc, err := source.Open(ctx, name)
	if err != nil {
		return storage.NewStorageError("restore", err)
	}
	defer rc.Close()
	return s.restore(ctx, rc)
}

// Maintain backs up when the storage was modified more than BackupInterval
// after the last backup, and compacts when it was modified more than
// CompactInterval after the last cleanup. It runs on open unless disabled.
func (s *Storage) Maintain(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maintain(ctx)
}

func (s *Storage) maintain(ctx context.Context) error {
	var errs []error
	info := s.info
	if info.LastModified.Sub(info.LastBackup) > s.config.BackupInterval {
		if _, err := s.backup(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	info = s.info
	if info.LastModified.Sub(info.LastCleanup) > s.config.CompactInterval {
		if err := s.compact(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
