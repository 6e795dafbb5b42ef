// Package filter implements the matching side of Adblock-Plus style rules:
// fragments, URL filters with their option requirements, and the
// element-hiding sibling kind.
//
// Filters are built by the parser package and are immutable afterwards,
// except for the explicit Indexed -> Frozen transition driven by a store.
// IsMatch never mutates a filter and may be called from many goroutines.
package filter

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
)

var (
	// ErrNotIndexed is returned by TrimExcessData on a filter that no store
	// has indexed yet.
	ErrNotIndexed = errors.New("filter has not been indexed")

	errNotAbsolute = errors.New("not an absolute URI")
)

// Kind discriminates the Filter variants.
type Kind uint8

const (
	KindURL Kind = iota
	KindCosmetic
)

func (k Kind) String() string {
	if k == KindCosmetic {
		return "cosmetic"
	}
	return "url"
}

// Filter is a parsed rule. The set of implementations is closed: *URLFilter
// and *CosmeticFilter.
type Filter interface {
	Kind() Kind
	Raw() string
	IsException() bool
	Category() int16
	// Domains returns the applicable and exception domains the filter is
	// scoped to.
	Domains() (applicable, exception []string)
	MarkIndexed()
	TrimExcessData() error
	Frozen() bool

	base() *Base
}

type lifecycle uint32

const (
	stateParsed lifecycle = iota
	stateIndexed
	stateFrozen
)

// Base holds the identity shared by every filter kind.
type Base struct {
	raw       string
	exception bool
	category  int16
	state     atomic.Uint32
}

// Raw returns the rule text, or "" once the filter was frozen.
func (b *Base) Raw() string { return b.raw }

// IsException reports whether the filter is a whitelisting rule.
func (b *Base) IsException() bool { return b.exception }

// Category returns the id of the list the filter came from.
func (b *Base) Category() int16 { return b.category }

// MarkIndexed records that a store captured the filter's domain scoping.
func (b *Base) MarkIndexed() {
	b.state.CompareAndSwap(uint32(stateParsed), uint32(stateIndexed))
}

// Frozen reports whether TrimExcessData already ran.
func (b *Base) Frozen() bool { return lifecycle(b.state.Load()) == stateFrozen }

func (b *Base) freeze() error {
	switch lifecycle(b.state.Load()) {
	case stateParsed:
		return ErrNotIndexed
	case stateFrozen:
		return nil
	}
	b.state.Store(uint32(stateFrozen))
	b.raw = ""
	return nil
}

func (b *Base) base() *Base { return b }

// URLFilter matches request URIs against an ordered list of fragments.
type URLFilter struct {
	Base

	fragments    []Fragment
	options      Option
	requirements Requirements

	applicableDomains []string
	exceptionDomains  []string

	applicableReferers map[string]struct{}
	exceptionReferers  map[string]struct{}
}

// URLSpec carries the parts of a URL filter. It is filled by the parser.
type URLSpec struct {
	Raw                string
	Exception          bool
	Category           int16
	Fragments          []Fragment
	Options            Option
	ApplicableDomains  []string
	ExceptionDomains   []string
	ApplicableReferers []string
	ExceptionReferers  []string
}

// NewURLFilter builds a URL filter from its parsed parts.
func NewURLFilter(s URLSpec) *URLFilter {
	return &URLFilter{
		Base:               Base{raw: s.Raw, exception: s.Exception, category: s.Category},
		fragments:          s.Fragments,
		options:            s.Options,
		requirements:       RequirementsOf(s.Options),
		applicableDomains:  s.ApplicableDomains,
		exceptionDomains:   s.ExceptionDomains,
		applicableReferers: hostSet(s.ApplicableReferers),
		exceptionReferers:  hostSet(s.ExceptionReferers),
	}
}

func hostSet(hosts []string) map[string]struct{} {
	if len(hosts) == 0 {
		return nil
	}
	m := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		m[strings.TrimPrefix(normalizeHost(h), "www.")] = struct{}{}
	}
	return m
}

func (f *URLFilter) Kind() Kind                 { return KindURL }
func (f *URLFilter) Fragments() []Fragment      { return f.fragments }
func (f *URLFilter) Options() Option            { return f.options }
func (f *URLFilter) Requirements() Requirements { return f.requirements }

func (f *URLFilter) Domains() (applicable, exception []string) {
	return f.applicableDomains, f.exceptionDomains
}

// AnchorDomain returns the domain of a leading ||domain fragment without a
// leading dot, or "" when the filter does not start with one. Every request
// the filter matches has this domain or one of its subdomains as host.
func (f *URLFilter) AnchorDomain() string {
	if len(f.fragments) == 0 || f.fragments[0].Kind != AnchoredDomain {
		return ""
	}
	return strings.TrimPrefix(f.fragments[0].Value, ".")
}

// IsMatch reports whether the filter matches the request.
func (f *URLFilter) IsMatch(rq *Request) bool {
	if !f.requirements.Satisfied(rq.evidence) {
		return false
	}

	// Referer lists only apply when the request has a usable referer.
	if ref := rq.evidence.RefererHost; ref != "" {
		if f.applicableReferers != nil {
			if _, ok := f.applicableReferers[ref]; !ok {
				return false
			}
		}
		if _, ok := f.exceptionReferers[ref]; ok {
			return false
		}
	}

	pos := 0
	for _, frag := range f.fragments {
		if pos = frag.Match(rq, pos); pos < 0 {
			return false
		}
	}
	return true
}

// MatchURL is a convenience wrapper building a Request for a single check.
func (f *URLFilter) MatchURL(u *url.URL, h http.Header) bool {
	return f.IsMatch(NewRequest(u, h))
}

// TrimExcessData drops the domain lists and rule text once a store holds
// them in its index. Matching is unaffected. It must not run concurrently
// with readers of Raw or Domains.
func (f *URLFilter) TrimExcessData() error {
	if err := f.freeze(); err != nil {
		return err
	}
	f.applicableDomains = nil
	f.exceptionDomains = nil
	return nil
}

// CosmeticFilter is an element-hiding rule. Only its identity and domain
// scoping are handled here; selectors are passed through untouched.
type CosmeticFilter struct {
	Base

	selector          string
	applicableDomains []string
	exceptionDomains  []string
}

// NewCosmeticFilter builds an element-hiding filter.
func NewCosmeticFilter(raw, selector string, exception bool, category int16, applicable, except []string) *CosmeticFilter {
	return &CosmeticFilter{
		Base:              Base{raw: raw, exception: exception, category: category},
		selector:          selector,
		applicableDomains: applicable,
		exceptionDomains:  except,
	}
}

func (f *CosmeticFilter) Kind() Kind       { return KindCosmetic }
func (f *CosmeticFilter) Selector() string { return f.selector }

func (f *CosmeticFilter) Domains() (applicable, exception []string) {
	return f.applicableDomains, f.exceptionDomains
}

func (f *CosmeticFilter) TrimExcessData() error {
	if err := f.freeze(); err != nil {
		return err
	}
	f.applicableDomains = nil
	f.exceptionDomains = nil
	return nil
}
