package store

import (
	"maps"
	"slices"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/bnema/abpfilter/internal/filter"
)

// indexable is the constraint of index members: a filter kind usable as a
// map key.
type indexable interface {
	filter.Filter
	comparable
}

// entry is one indexed filter together with the exception domains captured
// at indexing time, so exclusions survive TrimExcessData.
type entry[F indexable] struct {
	filter   F
	excluded []string
}

func (e entry[F]) excludes(levels []string) bool {
	for _, ex := range e.excluded {
		for _, l := range levels {
			if ex == l {
				return true
			}
		}
	}
	return false
}

// bucket maps domains to the filters scoped to them. Filters with neither
// applicable domains nor a ||domain anchor live in global.
type bucket[F indexable] struct {
	byDomain map[string][]entry[F]
	global   []entry[F]
}

func newBucket[F indexable]() bucket[F] {
	return bucket[F]{byDomain: make(map[string][]entry[F])}
}

// add indexes f under each of its keys, or globally when it has none.
func (b *bucket[F]) add(f F) {
	keys, exception := indexKeys(f)
	e := entry[F]{filter: f, excluded: exception}
	if len(keys) == 0 {
		b.global = append(b.global, e)
		return
	}
	for i, d := range keys {
		if slices.Contains(keys[:i], d) {
			continue
		}
		b.byDomain[d] = append(b.byDomain[d], e)
	}
}

// indexKeys returns the domains f is indexed under: its applicable domains,
// or for a URL filter without any, the domain of its ||domain anchor.
func indexKeys[F indexable](f F) (keys, exception []string) {
	applicable, exception := f.Domains()
	if len(applicable) > 0 {
		return applicable, exception
	}
	if uf, ok := any(f).(*filter.URLFilter); ok {
		if d := uf.AnchorDomain(); d != "" {
			return []string{d}, exception
		}
	}
	return nil, exception
}

// clone returns a bucket whose map can be published while the source keeps
// growing. Entry slices are shared: appends in the source only write past
// the length a published copy can see.
func (b *bucket[F]) clone() bucket[F] {
	return bucket[F]{
		byDomain: maps.Clone(b.byDomain),
		global:   b.global[:len(b.global):len(b.global)],
	}
}

func (b *bucket[F]) size() int {
	n := len(b.global)
	for _, es := range b.byDomain {
		n += len(es)
	}
	return n
}

// generation is an immutable, fully indexed view of the store.
type generation struct {
	urls     bucket[*filter.URLFilter]
	cosmetic bucket[*filter.CosmeticFilter]
	bloom    *bloom.BloomFilter
	keys     int
	filters  int
}

func emptyGeneration() *generation {
	return &generation{
		urls:     newBucket[*filter.URLFilter](),
		cosmetic: newBucket[*filter.CosmeticFilter](),
		bloom:    bloom.NewWithEstimates(1, DefaultFalsePositiveRate),
	}
}

// buildBloom sizes a filter for every domain key of both buckets. It holds
// every key, so a negative test is definitive.
func buildBloom(urls map[string][]entry[*filter.URLFilter], cosmetic map[string][]entry[*filter.CosmeticFilter], expected int, fp float64) (*bloom.BloomFilter, int) {
	keys := len(urls)
	for d := range cosmetic {
		if _, ok := urls[d]; !ok {
			keys++
		}
	}
	n := max(keys, expected, 1)
	bf := bloom.NewWithEstimates(uint(n), fp)
	for d := range urls {
		bf.AddString(d)
	}
	for d := range cosmetic {
		bf.AddString(d)
	}
	return bf, keys
}

// domainLevels returns host and each of its parent suffixes:
// "a.b.com" -> ["a.b.com", "b.com", "com"].
func domainLevels(host string) []string {
	if host == "" {
		return nil
	}
	levels := []string{host}
	for {
		i := strings.IndexByte(host, '.')
		if i < 0 {
			break
		}
		host = host[i+1:]
		if host == "" {
			break
		}
		levels = append(levels, host)
	}
	return levels
}

// lookup gathers the candidates of b for the host levels that the bloom
// filter reports as possibly present.
func lookup[F indexable](b bucket[F], bf *bloom.BloomFilter, levels []string, keep func(F) bool) []F {
	var out []F
	var seen map[F]struct{}
	hits := 0

	for _, l := range levels {
		if !bf.TestString(l) {
			continue
		}
		es, ok := b.byDomain[l]
		if !ok {
			continue
		}
		hits++
		if hits == 2 {
			seen = make(map[F]struct{}, len(out))
			for _, f := range out {
				seen[f] = struct{}{}
			}
		}
		for _, e := range es {
			if e.excludes(levels) || !keep(e.filter) {
				continue
			}
			if seen != nil {
				if _, dup := seen[e.filter]; dup {
					continue
				}
				seen[e.filter] = struct{}{}
			}
			out = append(out, e.filter)
		}
	}

	for _, e := range b.global {
		if e.excludes(levels) || !keep(e.filter) {
			continue
		}
		out = append(out, e.filter)
	}
	return out
}

// anyMaybe reports whether the bloom filter may hold any of the levels.
func anyMaybe(bf *bloom.BloomFilter, levels []string) bool {
	for _, l := range levels {
		if bf.TestString(l) {
			return true
		}
	}
	return false
}
