package audiostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/lingvo-space/core/internal/pkg/apperr"
)

const metaSuffix = ".meta.json"

// LocalBackend stores chunks as files under a root directory with a JSON
// metadata sidecar next to each one.
type LocalBackend struct {
	root string
}

func NewLocalBackend(root string) (*LocalBackend, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("audiostore: empty local root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("audiostore: create root: %w", err)
	}
	return &LocalBackend{root: root}, nil
}

func (b *LocalBackend) file(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("audiostore: invalid key %q", key)
	}
	return filepath.Join(b.root, clean), nil
}

func (b *LocalBackend) Write(_ context.Context, key string, data []byte, _ string, meta Metadata) error {
	path, err := b.file(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	// Sidecar first so a listed blob always has its deleteAt.
	if err := writeFileAtomic(path+metaSuffix, metaBytes); err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (b *LocalBackend) Read(_ context.Context, key string) ([]byte, error) {
	path, err := b.file(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrNotFound, err)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.ErrNotFound
	}
	return data, err
}

func (b *LocalBackend) Remove(_ context.Context, key string) error {
	path, err := b.file(key)
	if err != nil {
		return err
	}
	for _, p := range []string{path, path + metaSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	// Drop the lesson directory once it is empty; failure just means it is not.
	_ = os.Remove(filepath.Dir(path))
	return nil
}

func (b *LocalBackend) Walk(ctx context.Context, prefix string, fn func(Object) error) error {
	start, err := b.file(strings.TrimSuffix(prefix, "/"))
	if err != nil {
		return err
	}
	err = filepath.WalkDir(start, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() || strings.HasSuffix(name, metaSuffix) || strings.HasPrefix(name, ".tmp-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		return fn(Object{Key: filepath.ToSlash(rel), Size: info.Size(), Modified: info.ModTime().UTC()})
	})
	return err
}

func (b *LocalBackend) Metadata(_ context.Context, key string) (Metadata, error) {
	path, err := b.file(key)
	if err != nil {
		return Metadata{}, err
	}
	raw, err := os.ReadFile(path + metaSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return Metadata{}, apperr.ErrNotFound
	}
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}
