package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// File is a Storage persisted as a YAML mapping of key to string value.
// Every SetItem rewrites the whole file through a temp file and rename, so
// the last write wins and readers never see a partial file.
type File struct {
	path string

	mu    sync.Mutex
	items map[string]string
}

// OpenFile loads path. A missing file is an empty store; a file that is not
// a YAML string mapping is an error.
func OpenFile(path string) (*File, error) {
	f := &File{path: path, items: make(map[string]string)}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read storage %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &f.items); err != nil {
		return nil, fmt.Errorf("decode storage %s: %w", path, err)
	}
	if f.items == nil {
		f.items = make(map[string]string)
	}
	return f, nil
}

func (f *File) Path() string { return f.path }

func (f *File) GetItem(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.items[key]
	return v, ok
}

func (f *File) SetItem(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, had := f.items[key]
	f.items[key] = value
	if err := f.flush(); err != nil {
		if had {
			f.items[key] = prev
		} else {
			delete(f.items, key)
		}
		return err
	}
	return nil
}

func (f *File) flush() error {
	b, err := yaml.Marshal(f.items)
	if err != nil {
		return fmt.Errorf("encode storage: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp storage: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write storage: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write storage: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace storage: %w", err)
	}
	return nil
}
