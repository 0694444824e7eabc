package cellstore

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const cellFileName = "cell.json"

// LocalBackend stores cells on the local filesystem. Each prefix becomes a
// nested per-symbol directory chain ("3G6F" -> 3/g/6/f/cell.json), which
// doubles as a human-browsable shard layout.
//
// Writes go to a temporary file in the target directory followed by an
// atomic rename and a directory sync, so readers never observe a partial
// document.
type LocalBackend struct {
	root string
}

// NewLocalBackend creates a backend rooted at the given directory.
// The directory is created on first write.
func NewLocalBackend(root string) *LocalBackend {
	return &LocalBackend{root: root}
}

func (b *LocalBackend) path(key string) string {
	parts := make([]string, 0, len(key)+1)
	parts = append(parts, b.root)
	for _, r := range strings.ToLower(key) {
		parts = append(parts, string(r))
	}
	parts = append(parts, cellFileName)
	return filepath.Join(parts...)
}

// Get reads the document stored under key.
func (b *LocalBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	return data, nil
}

// Put atomically replaces the document under key.
func (b *LocalBackend) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := b.path(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create cell dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, cellFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp cell file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write cell file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync cell file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace cell file: %w", err)
	}
	return syncDir(dir)
}

// Delete removes the document under key. Absent keys are not an error.
// Empty parent directories are left in place.
func (b *LocalBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(b.path(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List walks the tree and returns every stored key with the given prefix,
// sorted.
func (b *LocalBackend) List(ctx context.Context, keyPrefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []string
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || d.Name() != cellFileName {
			return nil
		}
		rel, err := filepath.Rel(b.root, filepath.Dir(path))
		if err != nil {
			return err
		}
		key := strings.ToUpper(strings.ReplaceAll(rel, string(filepath.Separator), ""))
		if strings.HasPrefix(key, keyPrefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func syncDir(dir string) error {
	f, err := os.OpenFile(dir, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
