package filter

import "strings"

// FragmentKind identifies the matching behaviour of a Fragment.
type FragmentKind uint8

const (
	Wildcard        FragmentKind = iota // *
	Separator                           // ^
	AnchoredAddress                     // |literal
	AnchoredDomain                      // ||domain
	StringLiteral                       // literal
)

func (k FragmentKind) String() string {
	switch k {
	case Wildcard:
		return "wildcard"
	case Separator:
		return "separator"
	case AnchoredAddress:
		return "anchored-address"
	case AnchoredDomain:
		return "anchored-domain"
	case StringLiteral:
		return "literal"
	default:
		return "unknown"
	}
}

// SeparatorChars are the characters a Separator fragment stops on.
const SeparatorChars = "/:?=&"

// Fragment is a single matching element of a URL filter. Literal values of
// case-insensitive fragments are stored lower-cased.
type Fragment struct {
	Kind      FragmentKind
	Value     string
	MatchCase bool
}

// NewWildcard, NewSeparator and friends build fragments the way the parser
// does, folding case where needed.
func NewWildcard() Fragment  { return Fragment{Kind: Wildcard} }
func NewSeparator() Fragment { return Fragment{Kind: Separator} }

func NewAnchoredAddress(s string, matchCase bool) Fragment {
	return Fragment{Kind: AnchoredAddress, Value: fold(s, matchCase), MatchCase: matchCase}
}

func NewAnchoredDomain(domain string) Fragment {
	return Fragment{Kind: AnchoredDomain, Value: asciiLower(domain)}
}

func NewStringLiteral(s string, matchCase bool) Fragment {
	return Fragment{Kind: StringLiteral, Value: fold(s, matchCase), MatchCase: matchCase}
}

func fold(s string, matchCase bool) string {
	if matchCase {
		return s
	}
	return asciiLower(s)
}

// Match matches the fragment against rq starting at pos. It returns the
// position right after the matched span, or -1.
func (f Fragment) Match(rq *Request, pos int) int {
	uri := rq.uri
	if !f.MatchCase {
		uri = rq.lower
	}

	switch f.Kind {
	case Wildcard:
		if pos+1 <= len(uri) {
			return pos + 1
		}
		return -1

	case Separator:
		if pos > len(uri) {
			return -1
		}
		i := strings.IndexAny(uri[pos:], SeparatorChars)
		if i < 0 {
			return -1
		}
		return pos + i + 1

	case AnchoredAddress:
		if pos > 0 {
			return -1
		}
		if strings.HasPrefix(uri, f.Value) {
			return len(f.Value)
		}
		return -1

	case AnchoredDomain:
		if !domainSuffix(rq.host, f.Value) {
			return -1
		}
		return rq.hostEnd

	case StringLiteral:
		if pos > len(uri) || pos+len(f.Value) > len(uri) {
			return -1
		}
		i := strings.Index(uri[pos:], f.Value)
		if i < 0 {
			return -1
		}
		return pos + i + len(f.Value)
	}
	return -1
}

// domainSuffix reports whether host ends with domain on a label boundary.
func domainSuffix(host, domain string) bool {
	if domain == "" || !strings.HasSuffix(host, domain) {
		return false
	}
	if len(host) == len(domain) || domain[0] == '.' {
		return true
	}
	return host[len(host)-len(domain)-1] == '.'
}

func (f Fragment) String() string {
	switch f.Kind {
	case Wildcard:
		return "*"
	case Separator:
		return "^"
	case AnchoredAddress:
		return "|" + f.Value
	case AnchoredDomain:
		return "||" + f.Value
	default:
		return f.Value
	}
}
