// Package store keeps parsed filters indexed by domain and answers which
// filters may apply to a request host.
//
// Writers (ParseAndStore, ParseAndStoreFromStream) hold the store mutex only
// to insert one parsed filter at a time; reading the source and parsing
// happen outside it. When a batch ends the indexed state is published as a
// new immutable generation through an atomic pointer, so readers never lock
// and never see a partially indexed filter.
package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/bnema/abpfilter/internal/filter"
	"github.com/bnema/abpfilter/internal/models"
	"github.com/bnema/abpfilter/internal/parser"
)

const (
	DefaultFalsePositiveRate = 0.01
	DefaultExpectedDomains   = 10000
)

// LoadResult is the outcome of one ingestion batch.
type LoadResult struct {
	Succeeded int
	Failed    int
}

// CategoryStats accumulates load results for one category.
type CategoryStats struct {
	Succeeded   int
	Failed      int
	SkipReasons map[string]int
}

// Store is a domain-indexed filter collection. It is safe for concurrent
// use.
type Store struct {
	expected int
	fpRate   float64
	log      *slog.Logger

	mu       sync.Mutex
	urls     bucket[*filter.URLFilter]
	cosmetic bucket[*filter.CosmeticFilter]
	stats    map[int16]*CategoryStats

	current  atomic.Pointer[generation]
	disabled atomic.Pointer[map[int16]struct{}]
}

// New creates an empty store. A nil logger discards log output.
func New(cfg models.StoreConfig, log *slog.Logger) *Store {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	expected := cfg.ExpectedDomains
	if expected <= 0 {
		expected = DefaultExpectedDomains
	}
	fp := cfg.FalsePositiveRate
	if fp <= 0 || fp >= 1 {
		fp = DefaultFalsePositiveRate
	}

	s := &Store{
		expected: expected,
		fpRate:   fp,
		log:      log,
		urls:     newBucket[*filter.URLFilter](),
		cosmetic: newBucket[*filter.CosmeticFilter](),
		stats:    make(map[int16]*CategoryStats),
	}
	s.current.Store(emptyGeneration())
	s.disabled.Store(&map[int16]struct{}{})
	return s
}

// ParseAndStore parses every line and indexes the successes under category.
// A failing line never aborts the batch; blank lines are not counted.
func (s *Store) ParseAndStore(lines []string, category int16) LoadResult {
	p := parser.New()
	var res LoadResult
	for _, line := range lines {
		s.parseAndInsert(p, line, category, &res)
	}
	s.commit(category, res, p.Stats())
	return res
}

// ParseAndStoreFromStream is ParseAndStore over a line stream. Reading never
// holds the store lock. A read error or ctx cancellation ends the batch:
// filters stored so far stay stored and are published, and the error is
// returned with the partial result.
func (s *Store) ParseAndStoreFromStream(ctx context.Context, r io.Reader, category int16) (LoadResult, error) {
	p := parser.New()
	var res LoadResult

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), parser.MaxLineSize)

	var err error
	for scanner.Scan() {
		if err = ctx.Err(); err != nil {
			break
		}
		s.parseAndInsert(p, scanner.Text(), category, &res)
	}
	if err == nil {
		if serr := scanner.Err(); serr != nil {
			err = fmt.Errorf("read rules: %w", serr)
		}
	}

	s.commit(category, res, p.Stats())
	if err != nil {
		s.log.Warn("rule stream ended early", "category", category, "stored", res.Succeeded, "err", err)
	}
	return res, err
}

func (s *Store) parseAndInsert(p *parser.Parser, line string, category int16, res *LoadResult) {
	f, err := p.ParseLine(line, category)
	if err != nil {
		if !errors.Is(err, parser.ErrEmpty) {
			res.Failed++
			s.log.Debug("rule rejected", "category", category, "err", err)
		}
		return
	}

	s.mu.Lock()
	switch f := f.(type) {
	case *filter.URLFilter:
		s.urls.add(f)
	case *filter.CosmeticFilter:
		s.cosmetic.add(f)
	}
	f.MarkIndexed()
	s.mu.Unlock()

	res.Succeeded++
}

// commit records batch statistics and publishes a new generation.
func (s *Store) commit(category int16, res LoadResult, ps parser.Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stats[category]
	if !ok {
		st = &CategoryStats{SkipReasons: make(map[string]int)}
		s.stats[category] = st
	}
	st.Succeeded += res.Succeeded
	st.Failed += res.Failed
	for reason, n := range ps.SkipReasons {
		st.SkipReasons[reason] += n
	}

	g := s.publishLocked()
	s.log.Info("rules stored",
		"category", category,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"filters", g.filters,
		"domain_keys", g.keys,
	)
}

func (s *Store) publishLocked() *generation {
	bf, keys := buildBloom(s.urls.byDomain, s.cosmetic.byDomain, s.expected, s.fpRate)
	g := &generation{
		urls:     s.urls.clone(),
		cosmetic: s.cosmetic.clone(),
		bloom:    bf,
		keys:     keys,
		filters:  s.urls.size() + s.cosmetic.size(),
	}
	s.current.Store(g)
	return g
}

func (s *Store) enabled() func(f filter.Filter) bool {
	disabled := *s.disabled.Load()
	if len(disabled) == 0 {
		return func(filter.Filter) bool { return true }
	}
	return func(f filter.Filter) bool {
		_, off := disabled[f.Category()]
		return !off
	}
}

// FiltersForDomain returns the URL filters that may apply to host: those
// scoped or anchored to host or one of its parent domains, plus the
// unscoped ones.
// Filters whose exception domains cover host and filters of disabled
// categories are left out. The result is unordered and has no duplicates.
func (s *Store) FiltersForDomain(host string) []*filter.URLFilter {
	g := s.current.Load()
	keep := s.enabled()
	return lookup(g.urls, g.bloom, domainLevels(filter.NormalizeHost(host)),
		func(f *filter.URLFilter) bool { return keep(f) })
}

// CosmeticFiltersForDomain is FiltersForDomain for element hiding filters.
func (s *Store) CosmeticFiltersForDomain(host string) []*filter.CosmeticFilter {
	g := s.current.Load()
	keep := s.enabled()
	return lookup(g.cosmetic, g.bloom, domainLevels(filter.NormalizeHost(host)),
		func(f *filter.CosmeticFilter) bool { return keep(f) })
}

// MayHaveScopedRules reports whether the pre-filter allows domain-scoped
// rules for host or one of its parents. False is definitive.
func (s *Store) MayHaveScopedRules(host string) bool {
	return anyMaybe(s.current.Load().bloom, domainLevels(filter.NormalizeHost(host)))
}

// Action is the outcome of Decide.
type Action uint8

const (
	None Action = iota
	Block
	Allow
)

func (a Action) String() string {
	switch a {
	case Block:
		return "block"
	case Allow:
		return "allow"
	default:
		return "none"
	}
}

// Verdict is a decision for one request and the filter that produced it.
type Verdict struct {
	Action Action
	Filter *filter.URLFilter
}

// Decide applies the usual policy: a request is blocked when a blocking
// filter matches and no exception filter does.
func (s *Store) Decide(rq *filter.Request) Verdict {
	var blocked *filter.URLFilter
	for _, f := range s.FiltersForDomain(rq.Host()) {
		if f.IsException() {
			if f.IsMatch(rq) {
				return Verdict{Action: Allow, Filter: f}
			}
			continue
		}
		if blocked == nil && f.IsMatch(rq) {
			blocked = f
		}
	}
	if blocked != nil {
		return Verdict{Action: Block, Filter: blocked}
	}
	return Verdict{Action: None}
}

// SetCategoryEnabled turns every filter of a category on or off without
// reparsing it.
func (s *Store) SetCategoryEnabled(category int16, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := maps.Clone(*s.disabled.Load())
	if enabled {
		delete(next, category)
	} else {
		next[category] = struct{}{}
	}
	s.disabled.Store(&next)
}

// CategoryEnabled reports whether a category takes part in lookups.
func (s *Store) CategoryEnabled(category int16) bool {
	_, off := (*s.disabled.Load())[category]
	return !off
}

// Stats returns a copy of the per-category load statistics.
func (s *Store) Stats() map[int16]CategoryStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int16]CategoryStats, len(s.stats))
	for c, st := range s.stats {
		out[c] = CategoryStats{
			Succeeded:   st.Succeeded,
			Failed:      st.Failed,
			SkipReasons: maps.Clone(st.SkipReasons),
		}
	}
	return out
}

// Len returns the number of index entries in the published generation. A
// filter scoped to several domains counts once per domain.
func (s *Store) Len() int {
	return s.current.Load().filters
}

// Info describes the published index.
func (s *Store) Info() models.IndexInfo {
	g := s.current.Load()
	return models.IndexInfo{
		Filters:      g.filters,
		DomainKeys:   g.keys,
		BloomBits:    g.bloom.Cap(),
		BloomHashes:  g.bloom.K(),
		EstimatedFPR: bloom.EstimateFalsePositiveRate(g.bloom.Cap(), g.bloom.K(), uint(g.keys)),
	}
}

// Freeze releases the rule text and domain lists of every indexed filter.
// The index already holds what lookups need, so results do not change.
// It returns the number of filters frozen by this call; filters frozen by an
// earlier call are skipped. Callers must not read Raw or Domains of stored
// filters concurrently.
func (s *Store) Freeze() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	n := 0
	trim := func(f filter.Filter) {
		if f.Frozen() {
			return
		}
		if err := f.TrimExcessData(); err != nil {
			errs = append(errs, err)
			return
		}
		n++
	}
	forEach(&s.urls, func(f *filter.URLFilter) { trim(f) })
	forEach(&s.cosmetic, func(f *filter.CosmeticFilter) { trim(f) })

	s.log.Info("store frozen", "filters", n)
	return n, errors.Join(errs...)
}

// forEach visits every distinct filter of b once.
func forEach[F indexable](b *bucket[F], fn func(F)) {
	seen := make(map[F]struct{})
	visit := func(e entry[F]) {
		if _, ok := seen[e.filter]; ok {
			return
		}
		seen[e.filter] = struct{}{}
		fn(e.filter)
	}
	for _, e := range b.global {
		visit(e)
	}
	for _, es := range b.byDomain {
		for _, e := range es {
			visit(e)
		}
	}
}
