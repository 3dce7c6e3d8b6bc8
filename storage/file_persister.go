// Package storage writes run artifacts such as reports.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FilePersister persists artifacts. It abstracts away where and how they are
// written.
type FilePersister interface {
	Persist(ctx context.Context, path string, data io.Reader) error
}

// LocalFilePersister writes artifacts to the local disk. Relative paths are
// resolved against Root, or the working directory when Root is empty.
type LocalFilePersister struct {
	Root string
}

// Persist writes data to path. The file is replaced atomically so that a
// reader never sees a partial artifact.
func (l *LocalFilePersister) Persist(ctx context.Context, path string, data io.Reader) (err error) {
	cp := filepath.Clean(path)
	if l.Root != "" && !filepath.IsAbs(cp) {
		cp = filepath.Join(l.Root, cp)
	}

	dir := filepath.Dir(cp)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating a local directory %q: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(cp)+".*")
	if err != nil {
		return fmt.Errorf("creating a temporary file in %q: %w", dir, err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(f.Name())
		}
	}()

	if _, err = io.Copy(f, &ctxReader{ctx: ctx, r: data}); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %q: %w", cp, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("closing the local file %q: %w", f.Name(), err)
	}
	if err = os.Chmod(f.Name(), 0o600); err != nil {
		return fmt.Errorf("setting mode of %q: %w", f.Name(), err)
	}
	if err = os.Rename(f.Name(), cp); err != nil {
		return fmt.Errorf("moving %q to %q: %w", f.Name(), cp, err)
	}

	return nil
}

// ctxReader stops reading once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
