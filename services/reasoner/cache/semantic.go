// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache implements the process-wide semantic cache.
//
// # Description
//
// A vector-indexed key→value store. Keys are embedded through the gateway,
// L2-normalized, and appended to a per-namespace inner-product index
// (cosine similarity equals inner product on unit vectors). Lookups return
// the stored payload only when the best similarity clears the configured
// threshold. Insertion order is preserved; when a namespace exceeds its
// capacity the oldest entry is evicted and the index compacted.
//
// Embedding failures degrade to a miss: the caller falls back to direct
// computation and the run proceeds.
//
// # Thread Safety
//
// Safe for concurrent use. Lookups in one namespace proceed concurrently
// under a read lock; insertions are serialized per namespace.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/SitkaAI/SitkaReason/services/reasoner/observability"
)

var tracer = otel.Tracer("sitka.reasoner.cache")

// Cache namespaces used by the engine.
const (
	NamespacePropose  = "propose"
	NamespaceEvaluate = "evaluate"
)

// Embedder is the slice of the LLM gateway the cache needs.
type Embedder interface {
	Embed(ctx context.Context, texts []string, modelTag string) ([][]float32, error)
}

// Options configures a SemanticCache.
type Options struct {
	// Dim is the required embedding dimension; vectors of any other width
	// are rejected.
	Dim int

	// SimilarityThreshold gates hits; best similarity below it is a miss.
	SimilarityThreshold float64

	// MaxEntries caps each namespace (FIFO eviction).
	MaxEntries int

	// EmbedModel is passed through to the embedder; empty uses its default.
	EmbedModel string

	// Sink receives lookup/eviction counters. Nil means no metrics.
	Sink observability.Sink
}

type entry struct {
	key     string
	vector  []float32
	payload any
}

// namespaceIndex is one namespace's ordered vector index.
type namespaceIndex struct {
	mu      sync.RWMutex
	entries []entry
}

// SemanticCache deduplicates expensive LLM calls across semantically
// equivalent keys.
type SemanticCache struct {
	embedder   Embedder
	dim        int
	threshold  float64
	maxEntries int
	embedModel string
	sink       observability.Sink

	mu         sync.RWMutex
	namespaces map[string]*namespaceIndex
}

// New builds a SemanticCache. Threshold and capacity fall back to safe
// defaults when unset.
func New(embedder Embedder, opts Options) *SemanticCache {
	if opts.SimilarityThreshold <= 0 || opts.SimilarityThreshold > 1 {
		opts.SimilarityThreshold = 0.95
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 512
	}
	sink := opts.Sink
	if sink == nil {
		sink = observability.NopSink{}
	}
	return &SemanticCache{
		embedder:   embedder,
		dim:        opts.Dim,
		threshold:  opts.SimilarityThreshold,
		maxEntries: opts.MaxEntries,
		embedModel: opts.EmbedModel,
		sink:       sink,
		namespaces: make(map[string]*namespaceIndex),
	}
}

// Threshold returns the configured similarity gate.
func (c *SemanticCache) Threshold() float64 { return c.threshold }

// Lookup embeds queryText and searches the namespace for the nearest
// stored key.
//
// # Outputs
//
//   - payload: The stored value, nil on miss.
//   - similarity: Best cosine similarity found (0 when the namespace is
//     empty or embedding failed).
//   - ok: True only when similarity cleared the threshold.
func (c *SemanticCache) Lookup(ctx context.Context, namespace, queryText string) (payload any, similarity float64, ok bool) {
	ctx, span := tracer.Start(ctx, "SemanticCache.Lookup")
	defer span.End()
	span.SetAttributes(attribute.String("cache.namespace", namespace))

	vec, err := c.embedOne(ctx, queryText)
	if err != nil {
		slog.Warn("Cache lookup embedding failed, treating as miss",
			"namespace", namespace, "error", err)
		c.count(observability.MetricCacheLookupsTotal, namespace, "error")
		return nil, 0, false
	}

	ns := c.namespace(namespace)
	ns.mu.RLock()
	var best *entry
	for i := range ns.entries {
		sim := dot(vec, ns.entries[i].vector)
		if best == nil || sim > similarity {
			similarity = sim
			best = &ns.entries[i]
		}
	}
	if best != nil {
		payload = best.payload
	}
	ns.mu.RUnlock()

	if best == nil || similarity < c.threshold {
		c.count(observability.MetricCacheLookupsTotal, namespace, "miss")
		return nil, similarity, false
	}

	span.SetAttributes(attribute.Float64("cache.similarity", similarity))
	c.count(observability.MetricCacheLookupsTotal, namespace, "hit")
	return payload, similarity, true
}

// Insert embeds keyText and appends the payload to the namespace index,
// evicting the oldest entry on overflow. Embedding failures drop the
// insertion silently; the cache is an optimization, not a store of record.
func (c *SemanticCache) Insert(ctx context.Context, namespace, keyText string, payload any) {
	ctx, span := tracer.Start(ctx, "SemanticCache.Insert")
	defer span.End()
	span.SetAttributes(attribute.String("cache.namespace", namespace))

	vec, err := c.embedOne(ctx, keyText)
	if err != nil {
		slog.Warn("Cache insert embedding failed, dropping entry",
			"namespace", namespace, "error", err)
		return
	}

	ns := c.namespace(namespace)
	ns.mu.Lock()
	ns.entries = append(ns.entries, entry{key: keyText, vector: vec, payload: payload})
	evicted := 0
	if len(ns.entries) > c.maxEntries {
		evicted = len(ns.entries) - c.maxEntries
		// Compact rather than reslice so the evicted vectors are freed.
		kept := make([]entry, c.maxEntries)
		copy(kept, ns.entries[evicted:])
		ns.entries = kept
	}
	size := len(ns.entries)
	ns.mu.Unlock()

	if evicted > 0 {
		c.sink.Increment(observability.MetricCacheEvictions,
			map[string]string{"namespace": namespace}, float64(evicted))
	}
	c.sink.Observe(observability.MetricCacheEntries,
		map[string]string{"namespace": namespace}, float64(size))
}

// Len returns the live entry count of a namespace.
func (c *SemanticCache) Len(namespace string) int {
	ns := c.namespace(namespace)
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return len(ns.entries)
}

func (c *SemanticCache) namespace(name string) *namespaceIndex {
	c.mu.RLock()
	ns, ok := c.namespaces[name]
	c.mu.RUnlock()
	if ok {
		return ns
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ns, ok = c.namespaces[name]; ok {
		return ns
	}
	ns = &namespaceIndex{}
	c.namespaces[name] = ns
	return ns
}

func (c *SemanticCache) embedOne(ctx context.Context, text string) ([]float32, error) {
	rows, err := c.embedder.Embed(ctx, []string{text}, c.embedModel)
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 {
		return nil, fmt.Errorf("embedder returned %d rows for one input", len(rows))
	}
	if c.dim > 0 && len(rows[0]) != c.dim {
		return nil, fmt.Errorf("embedding dimension mismatch: expected %d, got %d", c.dim, len(rows[0]))
	}
	return normalize(rows[0]), nil
}

func (c *SemanticCache) count(metric, namespace, outcome string) {
	c.sink.Increment(metric, map[string]string{
		"namespace": namespace,
		"outcome":   outcome,
	}, 1)
}

// normalize returns the unit-norm copy of v; a zero vector stays zero and
// can never clear a positive threshold.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

// dot is the inner product; on unit vectors it equals cosine similarity.
func dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
