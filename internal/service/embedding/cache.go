package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"
)

// Cache is the persistent embedding store keyed by content hash.
// Implemented by the storage layer.
type Cache interface {
	GetCachedEmbeddings(ctx context.Context, hashes []string) (map[string][]float32, error)
	UpsertEmbeddings(ctx context.Context, embeddings map[string][]float32) error
}

// CachedProvider wraps a Provider with a content-addressed cache. Texts
// are keyed by SHA-256 so identical chunks across runs hit the cache
// regardless of which kit they came from. Concurrent identical batches
// are collapsed with singleflight so a popular resource is embedded once.
type CachedProvider struct {
	inner  Provider
	cache  Cache
	group  singleflight.Group
	logger *slog.Logger
}

// NewCachedProvider wraps inner with the given cache.
func NewCachedProvider(inner Provider, cache Cache, logger *slog.Logger) *CachedProvider {
	return &CachedProvider{inner: inner, cache: cache, logger: logger}
}

// Dimensions returns the inner provider's vector size.
func (p *CachedProvider) Dimensions() int {
	return p.inner.Dimensions()
}

// Embed generates or retrieves a single embedding.
func (p *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns embeddings for all texts, serving what it can from
// the cache and embedding only the misses. Results are in input order.
// Cache read or write failures degrade to uncached embedding; only inner
// provider failures are returned.
func (p *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	hashes := make([]string, len(texts))
	for i, t := range texts {
		hashes[i] = hashText(t)
	}

	cached, err := p.cache.GetCachedEmbeddings(ctx, hashes)
	if err != nil {
		p.logger.Warn("embedding cache read failed, embedding uncached", "error", err)
		cached = map[string][]float32{}
	}

	var missTexts []string
	var missHashes []string
	seen := make(map[string]bool)
	for i, h := range hashes {
		if _, ok := cached[h]; ok || seen[h] {
			continue
		}
		seen[h] = true
		missTexts = append(missTexts, texts[i])
		missHashes = append(missHashes, h)
	}

	if len(missTexts) > 0 {
		fresh, err := p.embedMisses(ctx, missTexts, missHashes)
		if err != nil {
			return nil, err
		}
		for h, v := range fresh {
			cached[h] = v
		}
	}

	out := make([][]float32, len(texts))
	for i, h := range hashes {
		v, ok := cached[h]
		if !ok {
			return nil, fmt.Errorf("embedding: no vector produced for input %d", i)
		}
		out[i] = v
	}
	return out, nil
}

func (p *CachedProvider) embedMisses(ctx context.Context, texts, hashes []string) (map[string][]float32, error) {
	key := strings.Join(hashes, ",")
	result, err, _ := p.group.Do(key, func() (any, error) {
		vecs, err := p.inner.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, err
		}
		fresh := make(map[string][]float32, len(hashes))
		for i, h := range hashes {
			fresh[h] = vecs[i]
		}
		if err := p.cache.UpsertEmbeddings(ctx, fresh); err != nil {
			p.logger.Warn("embedding cache write failed", "error", err)
		}
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(map[string][]float32), nil
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
