package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/persist"
)

// Persist implements persist.Persist with one file per name below a base
// directory.
type Persist struct {
	basepath string
}

// Load loads the bytes persisted in the named file.
func (p Persist) Load(_ context.Context, name string) ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(p.basepath, filepath.FromSlash(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, persist.ErrNotFound)
	}
	return b, err
}

// Store writes the bytes to a temporary file and renames it over the
// named file, so readers never see a partial write.
func (p Persist) Store(_ context.Context, name string, b []byte) error {
	path := filepath.Join(p.basepath, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// NewPersistForPath returns a Persist that loads and stores objects as
// files in the directory at the given path.
//
//	p := NewPersistForPath("/var/lib/blockdoc")
//	state, err := p.Load(ctx, "docs/note/HEAD")
func NewPersistForPath(path string) Persist {
	return Persist{path}
}
