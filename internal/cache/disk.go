package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	fccache "github.com/gxo-labs/flowcore/pkg/flowcore/v1/cache"
)

// DiskBackend persists each entry as snappy-compressed JSON under
// {dir}/{hash[0:2]}/{hash}.json.sz, so process-scoped entries survive
// restarts. Values come back in their JSON shape (numbers as float64, objects
// as map[string]interface{}).
type DiskBackend struct {
	dir string
}

// NewDiskBackend creates dir if needed.
func NewDiskBackend(dir string) (*DiskBackend, error) {
	if dir == "" {
		return nil, errors.New("cache directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &DiskBackend{dir: dir}, nil
}

func (b *DiskBackend) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(b.dir, name[:2], name+".json.sz")
}

func (b *DiskBackend) Get(ctx context.Context, key string) (fccache.Entry, error) {
	if err := ctx.Err(); err != nil {
		return fccache.Entry{}, err
	}
	compressed, err := os.ReadFile(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return fccache.Entry{}, fccache.ErrMiss
		}
		return fccache.Entry{}, fmt.Errorf("reading cache entry: %w", err)
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return fccache.Entry{}, fmt.Errorf("decompressing cache entry: %w", err)
	}
	var entry fccache.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return fccache.Entry{}, fmt.Errorf("decoding cache entry: %w", err)
	}
	if entry.Key != key {
		return fccache.Entry{}, fccache.ErrMiss
	}
	return entry, nil
}

func (b *DiskBackend) Put(ctx context.Context, entry fccache.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	target := b.path(entry.Key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating cache shard: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".entry-*")
	if err != nil {
		return fmt.Errorf("creating temp cache file: %w", err)
	}
	if _, err := tmp.Write(snappy.Encode(nil, data)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing cache entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("committing cache entry: %w", err)
	}
	return nil
}

func (b *DiskBackend) Delete(_ context.Context, key string) error {
	err := os.Remove(b.path(key))
	if os.IsNotExist(err) {
		return fccache.ErrMiss
	}
	return err
}

var _ fccache.Backend = (*DiskBackend)(nil)
