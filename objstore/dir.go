package objstore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dcmshare/dcmrelay"
	"github.com/dcmshare/dcmrelay/part10"
)

// DirStore keeps objects as files below a root directory. It backs local
// deployments and tests.
type DirStore struct {
	root string
}

var _ dcmrelay.ObjectStore = (*DirStore)(nil)

func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, dcmrelay.ErrStorage{Op: "open", Name: root, Err: err}
	}
	return &DirStore{root: root}, nil
}

func (d *DirStore) path(name string) string {
	return filepath.Join(d.root, filepath.FromSlash(name))
}

func (d *DirStore) Put(ctx context.Context, name string, data []byte) error {
	if err := checkName(name); err != nil {
		return dcmrelay.ErrStorage{Op: "put", Name: name, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return dcmrelay.ErrStorage{Op: "put", Name: name, Err: err}
	}
	p := d.path(name)
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return dcmrelay.ErrStorage{Op: "put", Name: name, Err: err}
	}
	if err := part10.WriteAtomic(p, data); err != nil {
		return dcmrelay.ErrStorage{Op: "put", Name: name, Err: err}
	}
	return nil
}

// List returns the names below root that start with prefix, sorted.
func (d *DirStore) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(d.root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !de.Type().IsRegular() || strings.HasPrefix(de.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}
		if name := filepath.ToSlash(rel); strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, dcmrelay.ErrStorage{Op: "list", Name: prefix, Err: err}
	}
	sort.Strings(names)
	return names, nil
}

func (d *DirStore) Get(ctx context.Context, name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, dcmrelay.ErrStorage{Op: "get", Name: name, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, dcmrelay.ErrStorage{Op: "get", Name: name, Err: err}
	}
	b, err := os.ReadFile(d.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		err = ErrNotFound
	}
	if err != nil {
		return nil, dcmrelay.ErrStorage{Op: "get", Name: name, Err: err}
	}
	return b, nil
}
