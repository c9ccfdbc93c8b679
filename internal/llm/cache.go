package llm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
)

// CachedEmbedder memoizes an Embedder in a badger database keyed by model
// and text hash, so re-indexing unchanged code costs no requests.
type CachedEmbedder struct {
	next   Embedder
	model  string
	db     *badger.DB
	logger *slog.Logger
}

// OpenCache opens (or creates) the cache under dir. An empty dir keeps the
// cache in memory.
func OpenCache(next Embedder, model, dir string, logger *slog.Logger) (*CachedEmbedder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil).WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open embedding cache: %w", err)
	}
	return &CachedEmbedder{next: next, model: model, db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (c *CachedEmbedder) Close() error {
	return c.db.Close()
}

func (c *CachedEmbedder) key(text string) []byte {
	return []byte("emb:" + c.model + ":" + strconv.FormatUint(xxhash.Sum64String(text), 16))
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)

	var cached []float32
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			cached = decodeVector(val)
			return nil
		})
	})
	switch {
	case err == nil && len(cached) > 0:
		return cached, nil
	case err != nil && !errors.Is(err, badger.ErrKeyNotFound):
		c.logger.Warn("embedding cache read failed", slog.String("error", err.Error()))
	}

	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, encodeVector(vec))
	}); err != nil {
		c.logger.Warn("embedding cache write failed", slog.String("error", err.Error()))
	}
	return vec, nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec
}
