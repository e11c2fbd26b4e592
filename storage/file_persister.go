// Package storage writes trace files and artifacts to their
// destination. It abstracts away the where and how so the trace store
// stays a pure layout-and-content concern.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/oxtoacart/bpool"
)

// FilePersister persists files. Persist replaces a file whole, Append
// adds one line to a journal.
type FilePersister interface {
	Persist(ctx context.Context, path string, data io.Reader) error
	Append(ctx context.Context, path string, line []byte) error
}

// LocalFilePersister writes to the local disk.
type LocalFilePersister struct {
	bufs *bpool.BufferPool
}

// NewLocalFilePersister returns a persister with a small buffer pool
// for assembling journal lines.
func NewLocalFilePersister() *LocalFilePersister {
	return &LocalFilePersister{
		bufs: bpool.NewBufferPool(4),
	}
}

// Persist writes the contents of data to path, replacing whatever was
// there.
// TODO: we should not write to disk here but put it on some queue for async disk writes.
func (l *LocalFilePersister) Persist(_ context.Context, path string, data io.Reader) (err error) {
	cp := filepath.Clean(path)

	dir := filepath.Dir(cp)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating a local directory %q: %w", dir, err)
	}

	f, err := os.OpenFile(cp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating a local file %q: %w", cp, err)
	}
	defer func() {
		tempErr := f.Close()
		// Only return the close error if there isn't already an existing error.
		if tempErr != nil && err == nil {
			err = fmt.Errorf("closing the local file %q: %w", cp, tempErr)
		}
	}()

	_, err = io.Copy(f, data)

	return
}

// Append adds line to the journal at path, creating it on first use.
// The line and its trailing newline go out in one write so concurrent
// appenders cannot interleave halves.
func (l *LocalFilePersister) Append(_ context.Context, path string, line []byte) (err error) {
	cp := filepath.Clean(path)

	dir := filepath.Dir(cp)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating a local directory %q: %w", dir, err)
	}

	f, err := os.OpenFile(cp, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("opening a local journal %q: %w", cp, err)
	}
	defer func() {
		tempErr := f.Close()
		if tempErr != nil && err == nil {
			err = fmt.Errorf("closing the local journal %q: %w", cp, tempErr)
		}
	}()

	buf := l.bufs.Get()
	defer l.bufs.Put(buf)
	buf.Write(line)
	if n := len(line); n == 0 || line[n-1] != '\n' {
		buf.WriteByte('\n')
	}

	_, err = f.Write(buf.Bytes())

	return
}
