package sink

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Dir writes objects as files below a root directory. Keys map to relative
// paths; keys escaping the root are rejected.
type Dir struct {
	root string
	perm os.FileMode
}

func NewDir(root string) *Dir {
	if strings.TrimSpace(root) == "" {
		panic("root directory is required")
	}
	return &Dir{root: filepath.Clean(root), perm: 0o644}
}

func (d *Dir) path(key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	p := filepath.Join(d.root, filepath.FromSlash(strings.TrimLeft(key, "/")))
	if p != d.root && !strings.HasPrefix(p, d.root+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes %s", key, d.root)
	}
	return p, nil
}

func (d *Dir) Write(ctx context.Context, req WriteRequest) error {
	p, err := d.path(req.Key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return writeAtomic(p, d.perm, func(w *bufio.Writer) error {
		_, err := w.Write(req.Data)
		return err
	})
}

func (d *Dir) WriteStream(ctx context.Context, req StreamWriteRequest) error {
	p, err := d.path(req.Key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return writeAtomic(p, d.perm, func(w *bufio.Writer) error {
		return req.Writer.WriteTo(w)
	})
}

// writeAtomic writes through a temp file renamed into place, so readers never
// see a partial object.
func writeAtomic(path string, perm os.FileMode, fill func(w *bufio.Writer) error) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	w := bufio.NewWriter(f)
	if err = fill(w); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err = w.Flush(); err != nil {
		return err
	}
	if err = f.Chmod(perm); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}
