package discovery

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/zjrosen/fleetreg/internal/log"
	"github.com/zjrosen/fleetreg/internal/registry/cache"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

const defaultSearchLimit = 20

// entityDocument is what gets indexed for an entity.
type entityDocument struct {
	Name         string   `json:"name"`
	Type         string   `json:"entity_type"`
	Capabilities []string `json:"capabilities"`
	Metadata     string   `json:"metadata"`
}

func newEntityDocument(e *domain.Entity) entityDocument {
	var meta []string
	for _, k := range slices.Sorted(maps.Keys(e.Metadata)) {
		v := e.Metadata[k]
		if v.Kind() == domain.KindString || v.Kind() == domain.KindList {
			meta = append(meta, k+" "+v.Text())
		}
	}
	return entityDocument{
		Name:         e.Name,
		Type:         string(e.Type),
		Capabilities: e.Capabilities,
		Metadata:     strings.Join(meta, " "),
	}
}

func buildIndexMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	keyword := bleve.NewKeywordFieldMapping()

	doc.AddFieldMappingsAt("name", text)
	doc.AddFieldMappingsAt("capabilities", text)
	doc.AddFieldMappingsAt("metadata", text)
	doc.AddFieldMappingsAt("entity_type", keyword)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

// Index is an in-memory full-text index over live entities, kept current by
// the cache's change events.
type Index struct {
	mu    sync.RWMutex
	index bleve.Index
	cache *cache.Cache
	done  chan struct{}
}

// NewIndex creates an empty index reading entities from c.
func NewIndex(c *cache.Cache) (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("creating search index: %w", err)
	}
	return &Index{index: idx, cache: c, done: make(chan struct{})}, nil
}

// Start follows cache events until ctx is cancelled.
func (x *Index) Start(ctx context.Context) {
	sub := x.cache.Subscribe(ctx, 0, nil)
	log.SafeGo("search-index", func() {
		defer close(x.done)
		for ev := range sub.Events() {
			x.apply(&ev.Payload.Entity)
		}
	})
}

// Wait blocks until the event loop started by Start has exited.
func (x *Index) Wait() {
	<-x.done
}

func (x *Index) apply(e *domain.Entity) {
	x.mu.Lock()
	defer x.mu.Unlock()
	id := string(e.ID)
	if !e.IsLive() {
		if err := x.index.Delete(id); err != nil {
			log.Warn(log.CatDiscovery, "search delete failed", "id", id, "error", err)
		}
		return
	}
	if err := x.index.Index(id, newEntityDocument(e)); err != nil {
		log.Warn(log.CatDiscovery, "search index failed", "id", id, "error", err)
	}
}

// Rebuild indexes every live entity in entities and drops anything else.
func (x *Index) Rebuild(entities []*domain.Entity) {
	x.mu.Lock()
	defer x.mu.Unlock()

	live := make(map[string]bool, len(entities))
	batch := x.index.NewBatch()
	for _, e := range entities {
		if !e.IsLive() {
			continue
		}
		live[string(e.ID)] = true
		if err := batch.Index(string(e.ID), newEntityDocument(e)); err != nil {
			log.Warn(log.CatDiscovery, "search batch index failed", "id", e.ID, "error", err)
		}
	}

	count, err := x.index.DocCount()
	if err != nil {
		log.ErrorErr(log.CatDiscovery, "search doc count failed", err)
	}
	all := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	all.Size = int(count)
	if res, err := x.index.Search(all); err == nil {
		for _, hit := range res.Hits {
			if !live[hit.ID] {
				batch.Delete(hit.ID)
			}
		}
	}
	if err := x.index.Batch(batch); err != nil {
		log.ErrorErr(log.CatDiscovery, "search rebuild failed", err)
	}
}

// search returns matching ids, best first.
func (x *Index) search(text string, limit int) ([]domain.EntityID, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	q := bleve.NewMatchQuery(text)
	req := bleve.NewSearchRequest(q)
	req.Size = limit
	res, err := x.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	ids := make([]domain.EntityID, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, domain.EntityID(hit.ID))
	}
	return ids, nil
}

// Close releases the index.
func (x *Index) Close() error {
	return x.index.Close()
}

// Search matches text against entity names, capabilities and string
// metadata. Hits are resolved through the cache so only live entities are
// returned.
func (e *Engine) Search(ctx context.Context, text string, limit int) (Result, error) {
	if e.search == nil {
		return Result{}, fmt.Errorf("%w: search index is disabled", domain.ErrInvalidArgument)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, fmt.Errorf("%w: query is required", domain.ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	stale, err := e.ensureFresh(ctx)
	if err != nil {
		return Result{}, err
	}
	ids, err := e.search.search(text, limit)
	if err != nil {
		return Result{}, err
	}

	out := make([]*domain.Entity, 0, len(ids))
	for _, id := range ids {
		if ent, ok := e.cache.Get(ctx, id); ok && ent.IsLive() {
			out = append(out, ent)
		}
	}
	return Result{Entities: out, Stale: stale}, nil
}
