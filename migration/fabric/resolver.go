package fabric

import (
	"context"
	"log/slog"
	"sync"
)

// Existence is the outcome of a pipeline existence check. Error keeps the
// transport/auth failure text so callers can tell an unreachable
// workspace from a genuinely missing pipeline, while Found keeps the
// plain boolean contract.
type Existence struct {
	Found bool   `json:"found"`
	Error string `json:"error,omitempty"`
}

// CacheStats describes the resolver cache.
type CacheStats struct {
	Size   int `json:"size"`
	Hits   int `json:"hits"`
	Misses int `json:"misses"`
}

type cacheKey struct {
	workspaceID string
	name        string
}

// Resolver resolves ExecutePipeline references against the target
// workspace with a session-scoped cache. The cache has no TTL; staleness
// between runs is handled by the caller invoking ClearCache. One Resolver
// per migration session: the cache is owned state, not a process global.
type Resolver struct {
	client Client
	logger *slog.Logger

	mu       sync.Mutex
	cache    map[cacheKey]string
	inflight map[cacheKey]*inflightLookup
	hits     int
	misses   int
}

// inflightLookup de-duplicates concurrent resolutions of one cache key.
type inflightLookup struct {
	done chan struct{}
	id   string
}

// NewResolver creates a pipeline reference resolver over the given client.
func NewResolver(client Client) *Resolver {
	return &Resolver{
		client:   client,
		logger:   slog.Default(),
		cache:    make(map[cacheKey]string),
		inflight: make(map[cacheKey]*inflightLookup),
	}
}

// CheckPipelineExists looks up a pipeline by display name in the target
// workspace. Transport and auth failures are downgraded into the Error
// field, never returned as a Go error, so one unreachable dependency
// cannot abort a batch migration.
func (r *Resolver) CheckPipelineExists(ctx context.Context, name, workspaceID, token string) Existence {
	if name == "" {
		return Existence{Found: false}
	}

	item, err := r.client.GetItemByName(ctx, workspaceID, ItemTypeDataPipeline, name, token)
	if err != nil {
		r.logger.Warn("pipeline existence check failed",
			"pipeline", name, "workspace", workspaceID, "error", err)
		return Existence{Found: false, Error: err.Error()}
	}
	if item == nil {
		return Existence{Found: false}
	}
	return Existence{Found: true}
}

// ResolvePipelineReference resolves a pipeline display name to its target
// item id. Returns "" on any failure or not-found; an empty name is a
// defined not-found, not an error. Successful resolutions are cached by
// (workspaceID, name); concurrent resolutions of the same key share one
// lookup.
func (r *Resolver) ResolvePipelineReference(ctx context.Context, name, workspaceID, token string) string {
	if name == "" {
		return ""
	}
	key := cacheKey{workspaceID: workspaceID, name: name}

	r.mu.Lock()
	if id, ok := r.cache[key]; ok {
		r.hits++
		r.mu.Unlock()
		return id
	}
	if fl, ok := r.inflight[key]; ok {
		r.mu.Unlock()
		<-fl.done
		return fl.id
	}
	r.misses++
	fl := &inflightLookup{done: make(chan struct{})}
	r.inflight[key] = fl
	r.mu.Unlock()

	item, err := r.client.GetItemByName(ctx, workspaceID, ItemTypeDataPipeline, name, token)

	r.mu.Lock()
	delete(r.inflight, key)
	if err != nil {
		r.logger.Warn("pipeline reference resolution failed",
			"pipeline", name, "workspace", workspaceID, "error", err)
	} else if item != nil {
		fl.id = item.ID
		r.cache[key] = item.ID
	}
	r.mu.Unlock()
	close(fl.done)

	return fl.id
}

// BatchValidatePipelines confirms that each already-known item id still
// exists in the workspace. Checks run concurrently; the result carries
// exactly one boolean per requested id, with unknown or invalid ids as
// false, so callers never special-case missing entries.
func (r *Resolver) BatchValidatePipelines(ctx context.Context, workspaceID string, ids []string, token string) map[string]bool {
	results := make(map[string]bool, len(ids))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for _, id := range ids {
		mu.Lock()
		if _, seen := results[id]; seen {
			mu.Unlock()
			continue
		}
		results[id] = false
		mu.Unlock()

		if id == "" {
			continue
		}

		wg.Add(1)
		go func(itemID string) {
			defer wg.Done()
			item, err := r.client.GetItemByID(ctx, workspaceID, itemID, token)
			if err != nil {
				r.logger.Warn("batch pipeline validation failed",
					"item", itemID, "workspace", workspaceID, "error", err)
				return
			}
			if item != nil {
				mu.Lock()
				results[itemID] = true
				mu.Unlock()
			}
		}(id)
	}

	wg.Wait()
	return results
}

// CacheStats returns current cache counters.
func (r *Resolver) CacheStats() CacheStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return CacheStats{Size: len(r.cache), Hits: r.hits, Misses: r.misses}
}

// ClearCache drops every cached resolution. Called between independent
// migration runs so one run's lookups cannot leak into the next.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[cacheKey]string)
	r.hits = 0
	r.misses = 0
}
