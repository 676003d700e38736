package gc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileReleaser deletes uploaded files. A file at pathname Prefix+"x/y" of
// tenant t lives at Dir/t/x/y.
type FileReleaser struct {
	Dir    string
	Prefix string
}

// Release removes the file behind pathname. Pathnames outside Prefix and
// missing files are ignored.
func (f *FileReleaser) Release(_ context.Context, tenant, pathname string) error {
	rel, ok := strings.CutPrefix(pathname, f.Prefix)
	if !ok {
		return nil
	}
	rel = strings.TrimPrefix(rel, "/")
	if !filepath.IsLocal(tenant) || rel == "" {
		return fmt.Errorf("invalid upload %q for tenant %q", pathname, tenant)
	}
	root, err := os.OpenRoot(filepath.Join(f.Dir, tenant))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer root.Close()
	if err := root.Remove(filepath.FromSlash(rel)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("release %s: %w", pathname, err)
	}
	return nil
}
