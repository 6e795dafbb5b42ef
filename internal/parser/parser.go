package parser

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/miekg/dns"

	"github.com/bnema/abpfilter/internal/filter"
)

// MaxLineSize bounds a single rule line read from a stream.
const MaxLineSize = 1 << 20

// Parser parses ABP filter lists into filters
type Parser struct {
	stats Stats
}

// Stats tracks parsing statistics
type Stats struct {
	Total       int
	Network     int
	Exception   int
	Cosmetic    int
	Comments    int
	Unsupported int
	SkipReasons map[string]int // Detailed breakdown of rejected lines
}

// Skip reason constants
const (
	SkipComment          = "comment (! or [)"
	SkipScriptlet        = "scriptlet (##+js)"
	SkipHTMLFilter       = "html-filter (##^)"
	SkipExtendedCosmetic = "extended-cosmetic (#?#, #$#)"
	SkipRegex            = "regex-pattern (/.../)"
	SkipUnsupportedOpt   = "unsupported-option"
	SkipContradictoryOpt = "contradictory-option"
	SkipInvalidDomain    = "invalid-domain"
	SkipInvalidPattern   = "invalid-pattern"
	SkipDegenerate       = "degenerate-pattern"
	SkipEmptySelector    = "empty-selector"
)

var (
	// ErrEmpty is returned for blank lines. Batch loaders ignore them.
	ErrEmpty = errors.New("empty line")
	// ErrRejected is wrapped by every *ParseError.
	ErrRejected = errors.New("rule rejected")
)

// ParseError describes why a line could not be turned into a filter.
type ParseError struct {
	Line   string
	Reason string
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %q", e.Reason, e.Detail, e.Line)
	}
	return fmt.Sprintf("%s: %q", e.Reason, e.Line)
}

func (e *ParseError) Unwrap() error { return ErrRejected }

// New creates a new parser
func New() *Parser {
	return &Parser{
		stats: Stats{
			SkipReasons: make(map[string]int),
		},
	}
}

// Stats returns parsing statistics
func (p *Parser) Stats() Stats {
	return p.stats
}

// Parse reads filter content and returns the filters that parsed. Rejected
// lines are only counted; the returned error is the reader's.
func (p *Parser) Parse(r io.Reader, category int16) ([]filter.Filter, error) {
	var filters []filter.Filter
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)

	for scanner.Scan() {
		f, err := p.ParseLine(scanner.Text(), category)
		if err != nil {
			continue
		}
		filters = append(filters, f)
	}

	return filters, scanner.Err()
}

// ParseLine parses a single rule line. Failures are reported as *ParseError
// (or ErrEmpty for blank lines) and never as a partially built filter.
func (p *Parser) ParseLine(line string, category int16) (filter.Filter, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ErrEmpty
	}
	p.stats.Total++

	f, err := parseLine(line, category)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			if pe.Reason == SkipComment {
				p.stats.Comments++
			} else {
				p.stats.Unsupported++
			}
			p.stats.SkipReasons[pe.Reason]++
		}
		return nil, err
	}

	switch {
	case f.Kind() == filter.KindCosmetic:
		p.stats.Cosmetic++
	case f.IsException():
		p.stats.Exception++
	default:
		p.stats.Network++
	}
	return f, nil
}

func reject(line, reason, detail string) error {
	return &ParseError{Line: line, Reason: reason, Detail: detail}
}

// parseLine parses a single trimmed filter line
func parseLine(line string, category int16) (filter.Filter, error) {
	// Comments
	if strings.HasPrefix(line, "!") || strings.HasPrefix(line, "[") {
		return nil, reject(line, SkipComment, "")
	}

	// Scriptlet injection - unsupported
	if strings.Contains(line, "##+js(") || strings.Contains(line, "#@#+js(") {
		return nil, reject(line, SkipScriptlet, "")
	}

	// HTML filtering - unsupported
	if strings.Contains(line, "##^") || strings.Contains(line, "#@#^") {
		return nil, reject(line, SkipHTMLFilter, "")
	}

	if strings.Contains(line, "#?#") || strings.Contains(line, "#$#") || strings.Contains(line, "#@?#") {
		return nil, reject(line, SkipExtendedCosmetic, "")
	}

	// Cosmetic exception filters
	if idx := strings.Index(line, "#@#"); idx != -1 {
		return parseCosmetic(line, idx, true, category)
	}

	// Cosmetic filters
	if idx := strings.Index(line, "##"); idx != -1 {
		return parseCosmetic(line, idx, false, category)
	}

	// Exception rules (whitelist)
	if strings.HasPrefix(line, "@@") {
		return parseNetwork(line, line[2:], true, category)
	}

	return parseNetwork(line, line, false, category)
}

// parseCosmetic parses an element hiding filter
func parseCosmetic(line string, sepIdx int, isException bool, category int16) (filter.Filter, error) {
	separator := "##"
	if isException {
		separator = "#@#"
	}

	selector := strings.TrimSpace(line[sepIdx+len(separator):])
	if selector == "" {
		return nil, reject(line, SkipEmptySelector, "")
	}

	var include, exclude []string
	for _, d := range parseDomainList(line[:sepIdx], ",") {
		neg := strings.HasPrefix(d, "~")
		d, err := normalizeDomain(strings.TrimPrefix(d, "~"))
		if err != nil {
			return nil, reject(line, SkipInvalidDomain, err.Error())
		}
		if neg {
			exclude = append(exclude, d)
		} else {
			include = append(include, d)
		}
	}

	return filter.NewCosmeticFilter(line, selector, isException, category, include, exclude), nil
}

// parseNetwork parses a URL filter. rule is line without the "@@" prefix.
func parseNetwork(line, rule string, isException bool, category int16) (filter.Filter, error) {
	spec := filter.URLSpec{
		Raw:       line,
		Exception: isException,
		Category:  category,
	}

	pattern := rule
	hasOptions := false
	if idx := strings.LastIndex(rule, "$"); idx != -1 {
		pattern = rule[:idx]
		if err := parseOptions(rule[idx+1:], &spec); err != nil {
			return nil, reject(line, err.reason, err.detail)
		}
		hasOptions = true
	}

	if len(pattern) > 1 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
		return nil, reject(line, SkipRegex, "")
	}

	fragments, perr := parsePattern(pattern, spec.Options.Has(filter.OptMatchCase))
	if perr != nil {
		return nil, reject(line, perr.reason, perr.detail)
	}
	if len(fragments) == 0 && !hasOptions {
		return nil, reject(line, SkipDegenerate, "")
	}
	spec.Fragments = fragments

	return filter.NewURLFilter(spec), nil
}

type ruleErr struct {
	reason string
	detail string
}

// parsePattern turns the pattern part of a rule into fragments.
func parsePattern(s string, matchCase bool) ([]filter.Fragment, *ruleErr) {
	var fragments []filter.Fragment

	// A trailing end anchor has no fragment; the rule matches more broadly.
	s = strings.TrimSuffix(s, "|")

	switch {
	case strings.HasPrefix(s, "||"):
		s = s[2:]
		end := strings.IndexAny(s, "^/*|?:")
		if end == -1 {
			end = len(s)
		}
		domain := s[:end]
		if domain == "" {
			return nil, &ruleErr{SkipInvalidPattern, "empty domain anchor"}
		}
		if end < len(s) && s[end] == '*' {
			return nil, &ruleErr{SkipInvalidPattern, "wildcard in domain anchor"}
		}
		if _, ok := dns.IsDomainName(strings.TrimPrefix(domain, ".")); !ok {
			return nil, &ruleErr{SkipInvalidDomain, domain}
		}
		fragments = append(fragments, filter.NewAnchoredDomain(domain))
		s = s[end:]

	case strings.HasPrefix(s, "|"):
		s = s[1:]
		end := strings.IndexAny(s, "*^|")
		if end == -1 {
			end = len(s)
		}
		if end > 0 {
			fragments = append(fragments, filter.NewAnchoredAddress(s[:end], matchCase))
		}
		s = s[end:]

	default:
		// Leading wildcards add nothing to an unanchored pattern.
		s = strings.TrimLeft(s, "*")
	}

	for len(s) > 0 {
		pos := strings.IndexAny(s, "*^|")
		if pos < 0 {
			fragments = append(fragments, filter.NewStringLiteral(s, matchCase))
			break
		}
		if pos > 0 {
			fragments = append(fragments, filter.NewStringLiteral(s[:pos], matchCase))
		}
		switch s[pos] {
		case '*':
			fragments = append(fragments, filter.NewWildcard())
			for pos+1 < len(s) && s[pos+1] == '*' {
				pos++
			}
		case '^':
			fragments = append(fragments, filter.NewSeparator())
		case '|':
			return nil, &ruleErr{SkipInvalidPattern, "anchor inside pattern"}
		}
		s = s[pos+1:]
	}

	return fragments, nil
}

type optionBits struct {
	yes, no filter.Option
}

// options maps ABP option names to their bits. A zero no bit means the
// option cannot be inverted meaningfully; "~" is then accepted and ignored.
var options = map[string]optionBits{
	"script":            {filter.OptScript, filter.OptExceptScript},
	"image":             {filter.OptImage, filter.OptExceptImage},
	"img":               {filter.OptImage, filter.OptExceptImage},
	"stylesheet":        {filter.OptStyleSheet, filter.OptExceptStyleSheet},
	"css":               {filter.OptStyleSheet, filter.OptExceptStyleSheet},
	"object":            {filter.OptObject, filter.OptExceptObject},
	"object-subrequest": {filter.OptObjectSubrequest, filter.OptExceptObjectSubrequest},
	"popup":             {filter.OptPopUp, filter.OptExceptPopUp},
	"third-party":       {filter.OptThirdParty, filter.OptExceptThirdParty},
	"3p":                {filter.OptThirdParty, filter.OptExceptThirdParty},
	"first-party":       {filter.OptExceptThirdParty, filter.OptThirdParty},
	"1p":                {filter.OptExceptThirdParty, filter.OptThirdParty},
	"xmlhttprequest":    {filter.OptXMLHTTPRequest, filter.OptExceptXMLHTTPRequest},
	"xhr":               {filter.OptXMLHTTPRequest, filter.OptExceptXMLHTTPRequest},
	"websocket":         {filter.OptWebsocket, 0},
	"subdocument":       {filter.OptSubdocument, filter.OptExceptSubdocument},
	"frame":             {filter.OptSubdocument, filter.OptExceptSubdocument},
	"document":          {filter.OptDocument, filter.OptExceptDocument},
	"doc":               {filter.OptDocument, filter.OptExceptDocument},
	"elemhide":          {filter.OptElemHide, filter.OptExceptElemHide},
	"other":             {filter.OptOther, filter.OptExceptOther},
	"media":             {filter.OptMedia, filter.OptExceptMedia},
	"font":              {filter.OptFont, filter.OptExceptFont},
	"match-case":        {filter.OptMatchCase, 0},
	"collapse":          {filter.OptCollapse, filter.OptExceptCollapse},
	"donottrack":        {filter.OptDoNotTrack, 0},
	"generichide":       {filter.OptGenericHide, 0},
	"genericblock":      {filter.OptGenericBlock, 0},
	"ping":              {filter.OptPing, 0},
}

// pairs that must not be set together
var exclusive = []optionBits{
	{filter.OptScript, filter.OptExceptScript},
	{filter.OptImage, filter.OptExceptImage},
	{filter.OptStyleSheet, filter.OptExceptStyleSheet},
	{filter.OptThirdParty, filter.OptExceptThirdParty},
	{filter.OptXMLHTTPRequest, filter.OptExceptXMLHTTPRequest},
}

// parseOptions parses the comma separated list following '$'
func parseOptions(s string, spec *filter.URLSpec) *ruleErr {
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return &ruleErr{SkipUnsupportedOpt, "empty option"}
		}

		name, value, hasValue := strings.Cut(part, "=")
		name = strings.ToLower(name)
		if hasValue {
			var err *ruleErr
			switch name {
			case "domain":
				spec.ApplicableDomains, spec.ExceptionDomains, err = parseDomainOption(value)
			case "referer":
				spec.ApplicableReferers, spec.ExceptionReferers, err = parseDomainOption(value)
			default:
				return &ruleErr{SkipUnsupportedOpt, part}
			}
			if err != nil {
				return err
			}
			continue
		}

		invert := strings.HasPrefix(name, "~")
		bits, ok := options[strings.TrimPrefix(name, "~")]
		if !ok {
			return &ruleErr{SkipUnsupportedOpt, part}
		}
		switch {
		case !invert:
			spec.Options |= bits.yes
		case bits.no != 0:
			spec.Options |= bits.no
		}
	}

	for _, pair := range exclusive {
		if spec.Options.Has(pair.yes | pair.no) {
			return &ruleErr{SkipContradictoryOpt, s}
		}
	}
	return nil
}

// parseDomainOption parses domain=example.com|~excluded.com
func parseDomainOption(s string) (include, exclude []string, _ *ruleErr) {
	parts := parseDomainList(s, "|")
	if len(parts) == 0 {
		return nil, nil, &ruleErr{SkipInvalidDomain, "empty domain list"}
	}
	for _, d := range parts {
		neg := strings.HasPrefix(d, "~")
		d, err := normalizeDomain(strings.TrimPrefix(d, "~"))
		if err != nil {
			return nil, nil, &ruleErr{SkipInvalidDomain, err.Error()}
		}
		if neg {
			exclude = append(exclude, d)
		} else {
			include = append(include, d)
		}
	}
	return include, exclude, nil
}

// parseDomainList splits a separated domain list, dropping empty entries
func parseDomainList(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	domains := make([]string, 0, len(parts))
	for _, d := range parts {
		d = strings.TrimSpace(d)
		if d != "" {
			domains = append(domains, d)
		}
	}
	return domains
}

func normalizeDomain(d string) (string, error) {
	n := filter.NormalizeHost(d)
	if n == "" {
		return "", fmt.Errorf("empty domain")
	}
	if _, ok := dns.IsDomainName(n); !ok {
		return "", fmt.Errorf("bad domain %q", d)
	}
	return n, nil
}
