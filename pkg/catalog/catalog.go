// Package catalog is the searchable registry of installable MCP servers.
//
// The catalog is a curated list of official servers merged with the
// results of external lookups (npm registry search, GitHub repository
// search). The merged list is cached for a TTL and rebuilt wholesale when
// it expires or on RefreshCache. A failing lookup never empties the
// catalog.
package catalog

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
	"github.com/vikashloomba/mcphub-go/pkg/metrics"
)

// SortBy selects the result ordering.
type SortBy string

const (
	SortRelevance SortBy = "relevance"
	SortDownloads SortBy = "downloads"
	SortStars     SortBy = "stars"
	SortUpdated   SortBy = "updated"
	SortName      SortBy = "name"
)

const (
	DefaultLimit   = 20
	MaxLimit       = 100
	DefaultTTL     = time.Hour
	rebuildTimeout = 30 * time.Second
)

// Filters narrows a search. Zero values match everything.
type Filters struct {
	Query  string `json:"query,omitempty"`
	Source Source `json:"source,omitempty"`
	// Tags must all be present on an entry.
	Tags     []string `json:"tags,omitempty"`
	Verified *bool    `json:"verified,omitempty"`
	SortBy   SortBy   `json:"sortBy,omitempty"`
	Offset   int      `json:"offset,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

// SearchResult is one page of results.
type SearchResult struct {
	Servers []Entry `json:"servers"`
	Total   int     `json:"total"`
	HasMore bool    `json:"hasMore"`
}

// Options configures a Catalog.
type Options struct {
	TTL     time.Duration
	Lookups []Lookup
	Logger  *slog.Logger
	// Now replaces time.Now.
	Now func() time.Time
}

// Catalog caches the merged server list.
type Catalog struct {
	ttl     time.Duration
	lookups []Lookup
	logger  *slog.Logger
	now     func() time.Time
	group   singleflight.Group

	mu      sync.RWMutex
	entries []Entry
	builtAt time.Time
	built   bool
}

// New creates a Catalog. Nothing is fetched until the first read.
func New(opts *Options) *Catalog {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Catalog{ttl: o.TTL, lookups: o.Lookups, logger: o.Logger, now: o.Now}
}

// Search filters, sorts and paginates the catalog.
func (c *Catalog) Search(ctx context.Context, f Filters) (SearchResult, error) {
	sortBy, err := normalize(&f)
	if err != nil {
		return SearchResult{}, err
	}
	all, err := c.snapshot(ctx)
	if err != nil {
		return SearchResult{}, err
	}

	q := strings.ToLower(strings.TrimSpace(f.Query))
	type scored struct {
		Entry
		score int
	}
	matches := make([]scored, 0, len(all))
	for _, e := range all {
		if f.Source != "" && e.Source != f.Source {
			continue
		}
		if f.Verified != nil && e.Verified != *f.Verified {
			continue
		}
		if !hasAllTags(e, f.Tags) {
			continue
		}
		s := 0
		if q != "" {
			if s = e.score(q); s == 0 {
				continue
			}
		}
		matches = append(matches, scored{e, s})
	}

	byName := func(a, b Entry) bool {
		an, bn := strings.ToLower(a.Name), strings.ToLower(b.Name)
		if an != bn {
			return an < bn
		}
		return a.ID < b.ID
	}
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		switch sortBy {
		case SortDownloads:
			if a.Downloads != b.Downloads {
				return a.Downloads > b.Downloads
			}
		case SortStars:
			if a.Stars != b.Stars {
				return a.Stars > b.Stars
			}
		case SortUpdated:
			at, bt := updated(a.Entry), updated(b.Entry)
			if !at.Equal(bt) {
				return at.After(bt)
			}
		case SortRelevance:
			if a.score != b.score {
				return a.score > b.score
			}
			if a.Verified != b.Verified {
				return a.Verified
			}
		}
		return byName(a.Entry, b.Entry)
	})

	total := len(matches)
	start := min(f.Offset, total)
	end := min(start+f.Limit, total)
	page := make([]Entry, 0, end-start)
	for _, m := range matches[start:end] {
		page = append(page, m.Entry)
	}
	return SearchResult{Servers: page, Total: total, HasMore: end < total}, nil
}

// GetServerByID returns the entry with id or a NotFoundError.
func (c *Catalog) GetServerByID(ctx context.Context, id string) (Entry, error) {
	all, err := c.snapshot(ctx)
	if err != nil {
		return Entry{}, err
	}
	for _, e := range all {
		if e.ID == id {
			return e, nil
		}
	}
	return Entry{}, mcperr.Newf(mcperr.KindNotFound, "catalog: server %q not found", id)
}

// GetCategories returns every tag in the catalog, sorted.
func (c *Catalog) GetCategories(ctx context.Context) ([]string, error) {
	all, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	out := []string{}
	for _, e := range all {
		for _, t := range e.Tags {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				out = append(out, t)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// GetPopularServers returns the most downloaded servers, optionally from
// one source.
func (c *Catalog) GetPopularServers(ctx context.Context, limit int, source Source) ([]Entry, error) {
	res, err := c.Search(ctx, Filters{Source: source, SortBy: SortDownloads, Limit: limit})
	if err != nil {
		return nil, err
	}
	return res.Servers, nil
}

// RefreshCache rebuilds the catalog now.
func (c *Catalog) RefreshCache(ctx context.Context) error {
	_, err, _ := c.group.Do("rebuild", func() (any, error) {
		c.rebuild(ctx)
		return nil, nil
	})
	return err
}

// BuiltAt reports when the cache was last rebuilt.
func (c *Catalog) BuiltAt() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.builtAt, c.built
}

func (c *Catalog) snapshot(ctx context.Context) ([]Entry, error) {
	c.mu.RLock()
	fresh := c.built && c.now().Sub(c.builtAt) < c.ttl
	entries := c.entries
	c.mu.RUnlock()
	if fresh {
		return entries, nil
	}
	if err := c.RefreshCache(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries, nil
}

// rebuild merges the curated list with every lookup. Lookups run in
// parallel; a failed lookup contributes nothing.
func (c *Catalog) rebuild(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rebuildTimeout)
	defer cancel()

	results := make([][]Entry, len(c.lookups))
	var g errgroup.Group
	for i, l := range c.lookups {
		g.Go(func() error {
			entries, err := l.Fetch(ctx)
			if err != nil {
				c.logger.Warn("catalog lookup failed", "lookup", l.Name(), "error", err)
				metrics.CatalogRebuildsTotal.WithLabelValues(l.Name(), "error").Inc()
				return nil
			}
			results[i] = entries
			metrics.CatalogRebuildsTotal.WithLabelValues(l.Name(), "ok").Inc()
			return nil
		})
	}
	_ = g.Wait()

	merged := Curated()
	for _, r := range results {
		merged = append(merged, r...)
	}
	merged = dedupe(merged)

	c.mu.Lock()
	c.entries = merged
	c.builtAt = c.now()
	c.built = true
	c.mu.Unlock()
	c.logger.Debug("catalog rebuilt", "entries", len(merged))
}

// dedupe keeps one entry per id. The last occurrence wins but takes the
// position of the first.
func dedupe(in []Entry) []Entry {
	index := make(map[string]int, len(in))
	out := make([]Entry, 0, len(in))
	for _, e := range in {
		if i, ok := index[e.ID]; ok {
			out[i] = e
			continue
		}
		index[e.ID] = len(out)
		out = append(out, e)
	}
	return out
}

func normalize(f *Filters) (SortBy, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	switch f.Source {
	case "", SourceNPM, SourceGitHub:
	default:
		return "", mcperr.Newf(mcperr.KindConfiguration, "catalog: unknown source %q", f.Source)
	}
	switch f.SortBy {
	case "":
		return SortRelevance, nil
	case SortRelevance, SortDownloads, SortStars, SortUpdated, SortName:
		return f.SortBy, nil
	}
	return "", mcperr.Newf(mcperr.KindConfiguration, "catalog: unknown sort %q", f.SortBy)
}

func hasAllTags(e Entry, tags []string) bool {
	for _, t := range tags {
		if !e.hasTag(t) {
			return false
		}
	}
	return true
}

func updated(e Entry) time.Time {
	if e.LastUpdated == nil {
		return time.Time{}
	}
	return *e.LastUpdated
}
