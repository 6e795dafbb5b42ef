package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/abpfilter/internal/filter"
	"github.com/bnema/abpfilter/internal/models"
	"github.com/bnema/abpfilter/internal/parser"
)

var batch = []string{
	"||testsite.com",
	"||pornsite.net",
	"||bad-subdomain.goodsite.net",
	"||goodsite.org^badurl",
	"(@$*)#()oboy-badpattern",
}

func newStore() *Store {
	return New(models.StoreConfig{ExpectedDomains: 16}, nil)
}

func rawRules[F filter.Filter](fs []F) []string {
	out := make([]string, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.Raw())
	}
	return out
}

func mustRequest(t *testing.T, raw string) *filter.Request {
	t.Helper()
	rq, err := filter.ParseRequest(raw, nil)
	require.NoError(t, err)
	return rq
}

func TestParseAndStore(t *testing.T) {
	s := newStore()
	res := s.ParseAndStore(batch, 1)

	assert.Equal(t, LoadResult{Succeeded: 4, Failed: 1}, res)
	assert.Equal(t, 4, s.Len())

	stats := s.Stats()
	require.Contains(t, stats, int16(1))
	assert.Equal(t, 4, stats[1].Succeeded)
	assert.Equal(t, 1, stats[1].Failed)
	assert.Equal(t, 1, stats[1].SkipReasons[parser.SkipUnsupportedOpt])
}

func TestParseAndStoreIgnoresBlankLines(t *testing.T) {
	s := newStore()
	res := s.ParseAndStore([]string{"", "  ", "! comment", "||a.com^"}, 1)
	assert.Equal(t, LoadResult{Succeeded: 1, Failed: 1}, res)
}

func TestParseAndStoreFromStream(t *testing.T) {
	s := newStore()
	res, err := s.ParseAndStoreFromStream(context.Background(), strings.NewReader(strings.Join(batch, "\n")), 1)

	require.NoError(t, err)
	assert.Equal(t, LoadResult{Succeeded: 4, Failed: 1}, res)
	assert.Empty(t, s.FiltersForDomain("news.org"))
	assert.Equal(t, []string{"||testsite.com"}, rawRules(s.FiltersForDomain("sub.testsite.com")))
	assert.Equal(t, []string{"||goodsite.org^badurl"}, rawRules(s.FiltersForDomain("goodsite.org")))
	assert.Equal(t, 4, s.Info().DomainKeys)
}

func TestParseAndStoreFromStreamReadError(t *testing.T) {
	errBoom := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader("||a.com^\n||b.com^\n"), iotest.ErrReader(errBoom))

	s := newStore()
	res, err := s.ParseAndStoreFromStream(context.Background(), r, 1)

	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 2, res.Succeeded)
	// what was read before the failure is published
	assert.Equal(t, 2, s.Len())
	assert.Len(t, s.FiltersForDomain("a.com"), 1)
}

func TestParseAndStoreFromStreamCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newStore()
	res, err := s.ParseAndStoreFromStream(ctx, strings.NewReader("||a.com^\n||b.com^\n"), 1)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, res.Succeeded)
	assert.Equal(t, 0, s.Len())
}

func TestFiltersForDomainScoping(t *testing.T) {
	s := newStore()
	s.ParseAndStore([]string{
		"||ads.com^$domain=news.org|~sports.news.org",
		"||track.com^",
		"||shop.com^$domain=shop.example|shop.example",
		"/pixel.gif",
	}, 1)

	tests := []struct {
		host string
		want []string
	}{
		{"news.org", []string{"||ads.com^$domain=news.org|~sports.news.org", "/pixel.gif"}},
		{"www.News.org", []string{"||ads.com^$domain=news.org|~sports.news.org", "/pixel.gif"}},
		{"sports.news.org", []string{"/pixel.gif"}},
		{"live.sports.news.org", []string{"/pixel.gif"}},
		{"other.com", []string{"/pixel.gif"}},
		{"cdn.track.com", []string{"||track.com^", "/pixel.gif"}},
		{"shop.example", []string{"||shop.com^$domain=shop.example|shop.example", "/pixel.gif"}},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.ElementsMatch(t, tt.want, rawRules(s.FiltersForDomain(tt.host)))
		})
	}
}

func TestFiltersForDomainDeduplicatesLevels(t *testing.T) {
	s := newStore()
	s.ParseAndStore([]string{"||cdn.net^$domain=example.com|www.example.com"}, 1)

	got := s.FiltersForDomain("www.example.com")
	assert.Len(t, got, 1)
	assert.Equal(t, 2, s.Info().DomainKeys)
}

func TestNoFalseNegatives(t *testing.T) {
	const n = 2000
	lines := make([]string, 0, n)
	for i := range n {
		lines = append(lines, fmt.Sprintf("||x%d.com^$domain=site%d.com", i, i))
	}

	// sized for far fewer keys than stored
	s := New(models.StoreConfig{ExpectedDomains: 10, FalsePositiveRate: 0.01}, nil)
	res := s.ParseAndStore(lines, 1)
	require.Equal(t, n, res.Succeeded)

	for i := range n {
		host := fmt.Sprintf("sub.site%d.com", i)
		got := s.FiltersForDomain(host)
		require.Len(t, got, 1, host)
		assert.Equal(t, lines[i], got[0].Raw())
		assert.True(t, s.MayHaveScopedRules(host))
	}

	info := s.Info()
	assert.Equal(t, n, info.DomainKeys)
	assert.Less(t, info.EstimatedFPR, 0.05)
}

func TestAnchoredRulesAreIndexed(t *testing.T) {
	const n = 1000
	lines := make([]string, 0, n+1)
	for i := range n {
		lines = append(lines, fmt.Sprintf("||ads%d.com^", i))
	}
	lines = append(lines, "@@||.ads7.com/ok^")

	s := newStore()
	require.Equal(t, n+1, s.ParseAndStore(lines, 1).Succeeded)

	assert.Empty(t, s.FiltersForDomain("news.org"))
	assert.Equal(t, n, s.Info().DomainKeys)
	assert.True(t, s.MayHaveScopedRules("cdn.ads42.com"))
	assert.Equal(t, []string{"||ads42.com^"}, rawRules(s.FiltersForDomain("cdn.ads42.com")))
	assert.ElementsMatch(t, []string{"||ads7.com^", "@@||.ads7.com/ok^"}, rawRules(s.FiltersForDomain("x.ads7.com")))

	assert.Equal(t, Block, s.Decide(mustRequest(t, "https://ads7.com/ok/1")).Action)
	assert.Equal(t, Allow, s.Decide(mustRequest(t, "https://x.ads7.com/ok/1")).Action)
	assert.Equal(t, None, s.Decide(mustRequest(t, "https://news.org/")).Action)
}

func TestCosmeticFiltersForDomain(t *testing.T) {
	s := newStore()
	s.ParseAndStore([]string{
		"news.org,~sports.news.org##.banner",
		"##.global-ad",
		"||ads.com^",
	}, 2)

	assert.ElementsMatch(t, []string{".banner", ".global-ad"}, selectors(s.CosmeticFiltersForDomain("www.news.org")))
	assert.ElementsMatch(t, []string{".global-ad"}, selectors(s.CosmeticFiltersForDomain("sports.news.org")))
	assert.Empty(t, s.FiltersForDomain("news.org"))
	assert.Len(t, s.FiltersForDomain("ads.com"), 1)
}

func selectors(fs []*filter.CosmeticFilter) []string {
	var out []string
	for _, f := range fs {
		out = append(out, f.Selector())
	}
	return out
}

func TestCategories(t *testing.T) {
	s := newStore()
	s.ParseAndStore([]string{"||ads.com^"}, 1)
	s.ParseAndStore([]string{"||ads.com/banner^", "/pixel.gif"}, 2)

	assert.Len(t, s.FiltersForDomain("ads.com"), 3)

	s.SetCategoryEnabled(2, false)
	assert.False(t, s.CategoryEnabled(2))
	assert.True(t, s.CategoryEnabled(1))
	assert.Equal(t, []string{"||ads.com^"}, rawRules(s.FiltersForDomain("ads.com")))

	s.SetCategoryEnabled(2, true)
	assert.Len(t, s.FiltersForDomain("ads.com"), 3)

	stats := s.Stats()
	assert.Equal(t, 1, stats[1].Succeeded)
	assert.Equal(t, 2, stats[2].Succeeded)
}

func TestDecide(t *testing.T) {
	s := newStore()
	s.ParseAndStore([]string{
		"||ads.com^",
		"@@||ads.com/allowed^",
		"||tracker.net^$third-party",
	}, 1)

	tests := []struct {
		uri    string
		action Action
		rule   string
	}{
		{"https://ads.com/banner", Block, "||ads.com^"},
		{"https://ads.com/allowed/x", Allow, "@@||ads.com/allowed^"},
		{"https://news.org/", None, ""},
		{"https://tracker.net/p.gif", None, ""},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			v := s.Decide(mustRequest(t, tt.uri))
			assert.Equal(t, tt.action, v.Action)
			if tt.rule == "" {
				assert.Nil(t, v.Filter)
				return
			}
			require.NotNil(t, v.Filter)
			assert.Equal(t, tt.rule, v.Filter.Raw())
		})
	}

	assert.Equal(t, "block", Block.String())
	assert.Equal(t, "none", None.String())
}

func TestFreeze(t *testing.T) {
	s := newStore()
	s.ParseAndStore([]string{
		"||ads.com^$domain=news.org|~sports.news.org",
		"||track.com^",
		"news.org##.banner",
	}, 1)

	before := map[string]int{
		"news.org":        len(s.FiltersForDomain("news.org")),
		"sports.news.org": len(s.FiltersForDomain("sports.news.org")),
		"other.com":       len(s.FiltersForDomain("other.com")),
	}
	rq := mustRequest(t, "https://ads.com/x")
	verdict := s.Decide(rq).Action

	n, err := s.Freeze()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for host, want := range before {
		got := s.FiltersForDomain(host)
		assert.Len(t, got, want, host)
		for _, f := range got {
			assert.Empty(t, f.Raw())
		}
	}
	assert.Equal(t, verdict, s.Decide(rq).Action)
	assert.Len(t, s.CosmeticFiltersForDomain("news.org"), 1)

	// only filters added since the last freeze are counted
	s.ParseAndStore([]string{"||late.com^"}, 1)
	n, err = s.Freeze()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Freeze()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestConcurrentReadersDuringLoad(t *testing.T) {
	s := newStore()
	s.ParseAndStore([]string{"||ads.com^"}, 1)
	rq := mustRequest(t, "https://ads.com/banner")

	var wg conc.WaitGroup
	wg.Go(func() {
		for i := range 50 {
			s.ParseAndStore([]string{
				fmt.Sprintf("||x%d.com^$domain=site%d.com", i, i),
				fmt.Sprintf("@@||x%d.com/ok^", i),
			}, 2)
		}
	})
	for range 8 {
		wg.Go(func() {
			for range 200 {
				assert.Equal(t, Block, s.Decide(rq).Action)
				assert.NotEmpty(t, s.FiltersForDomain("cdn.ads.com"))
			}
		})
	}
	wg.Wait()

	assert.Equal(t, 1+50*2, s.Len())
}

func TestDomainLevels(t *testing.T) {
	assert.Equal(t, []string{"a.b.com", "b.com", "com"}, domainLevels("a.b.com"))
	assert.Equal(t, []string{"localhost"}, domainLevels("localhost"))
	assert.Nil(t, domainLevels(""))
}
