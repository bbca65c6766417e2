// Package backup writes compressed storage archives to a destination and
// reads them back.
package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Extension is appended to every archive name.
const Extension = ".bak.gz"

// Sink stores finished archives. Write returns where the archive ended up.
type Sink interface {
	Write(ctx context.Context, name string, r io.Reader) (string, error)
}

// Source opens archives previously written to a sink.
type Source interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// ArchiveName names the archive of storage taken at t.
func ArchiveName(storage string, t time.Time) string {
	return storage + "-" + t.UTC().Format("20060102T150405Z") + Extension
}

// NewWriter compresses everything written to it into w. Closing it does not
// close w.
func NewWriter(w io.Writer) (*gzip.Writer, error) {
	return gzip.NewWriterLevel(w, gzip.BestSpeed)
}

type archiveReader struct {
	*gzip.Reader
	under io.Closer
}

func (r *archiveReader) Close() error {
	err := r.Reader.Close()
	if r.under != nil {
		if cerr := r.under.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// NewReader decompresses an archive. Closing the result closes r when it is
// an io.Closer.
func NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	under, _ := r.(io.Closer)
	return &archiveReader{Reader: zr, under: under}, nil
}

// OpenFile opens an archive file for restore.
func OpenFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	rc, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return rc, nil
}

// DirSink keeps archives in a local directory.
type DirSink struct {
	dir string
}

var (
	_ Sink   = (*DirSink)(nil)
	_ Source = (*DirSink)(nil)
)

// NewDirSink creates dir if needed.
func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	return &DirSink{dir: dir}, nil
}

// Dir returns the archive directory.
func (d *DirSink) Dir() string { return d.dir }

// Write copies r to <dir>/<name>. The file appears only once it is
// complete.
func (d *DirSink) Write(ctx context.Context, name string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid archive name %q", name)
	}

	tmp, err := os.CreateTemp(d.dir, "."+name+".*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	dst := filepath.Join(d.dir, name)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", err
	}
	return dst, nil
}

// Open opens <dir>/<name> without decompressing it.
func (d *DirSink) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Open(filepath.Join(d.dir, name))
}

// List returns the archive names in the directory, oldest first.
func (d *DirSink) List() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Extension) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}
