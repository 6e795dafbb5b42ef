package filter

import (
	"net/http"
	"strings"
)

// Option is a set of ABP filter options. Bit positions are stable so that
// stored option sets stay readable across versions.
type Option uint64

const (
	OptNone                   Option = 1 << 0
	OptScript                 Option = 1 << 1
	OptExceptScript           Option = 1 << 2
	OptImage                  Option = 1 << 3
	OptExceptImage            Option = 1 << 4
	OptStyleSheet             Option = 1 << 5
	OptExceptStyleSheet       Option = 1 << 6
	OptObject                 Option = 1 << 7
	OptExceptObject           Option = 1 << 8
	OptPopUp                  Option = 1 << 9
	OptExceptPopUp            Option = 1 << 10
	OptThirdParty             Option = 1 << 11
	OptExceptThirdParty       Option = 1 << 12
	OptXMLHTTPRequest         Option = 1 << 13
	OptExceptXMLHTTPRequest   Option = 1 << 14
	OptWebsocket              Option = 1 << 15
	OptObjectSubrequest       Option = 1 << 16
	OptExceptObjectSubrequest Option = 1 << 17
	OptSubdocument            Option = 1 << 18
	OptExceptSubdocument      Option = 1 << 19
	OptDocument               Option = 1 << 20
	OptExceptDocument         Option = 1 << 21
	OptElemHide               Option = 1 << 22
	OptExceptElemHide         Option = 1 << 23
	OptOther                  Option = 1 << 24
	OptExceptOther            Option = 1 << 25
	OptMedia                  Option = 1 << 26 // inert
	OptExceptMedia            Option = 1 << 27 // inert
	OptFont                   Option = 1 << 28 // inert
	OptExceptFont             Option = 1 << 29 // inert
	OptMatchCase              Option = 1 << 30
	OptCollapse               Option = 1 << 31 // inert
	OptExceptCollapse         Option = 1 << 32 // inert
	OptDoNotTrack             Option = 1 << 33
	OptGenericHide            Option = 1 << 34 // inert
	OptGenericBlock           Option = 1 << 35 // inert
	OptPing                   Option = 1 << 36 // inert
)

// Has reports whether every bit of o2 is set in o.
func (o Option) Has(o2 Option) bool { return o&o2 == o2 }

var optionNames = []struct {
	opt  Option
	name string
}{
	{OptScript, "script"}, {OptExceptScript, "~script"},
	{OptImage, "image"}, {OptExceptImage, "~image"},
	{OptStyleSheet, "stylesheet"}, {OptExceptStyleSheet, "~stylesheet"},
	{OptObject, "object"}, {OptExceptObject, "~object"},
	{OptPopUp, "popup"}, {OptExceptPopUp, "~popup"},
	{OptThirdParty, "third-party"}, {OptExceptThirdParty, "~third-party"},
	{OptXMLHTTPRequest, "xmlhttprequest"}, {OptExceptXMLHTTPRequest, "~xmlhttprequest"},
	{OptWebsocket, "websocket"},
	{OptObjectSubrequest, "object-subrequest"}, {OptExceptObjectSubrequest, "~object-subrequest"},
	{OptSubdocument, "subdocument"}, {OptExceptSubdocument, "~subdocument"},
	{OptDocument, "document"}, {OptExceptDocument, "~document"},
	{OptElemHide, "elemhide"}, {OptExceptElemHide, "~elemhide"},
	{OptOther, "other"}, {OptExceptOther, "~other"},
	{OptMedia, "media"}, {OptExceptMedia, "~media"},
	{OptFont, "font"}, {OptExceptFont, "~font"},
	{OptMatchCase, "match-case"},
	{OptCollapse, "collapse"}, {OptExceptCollapse, "~collapse"},
	{OptDoNotTrack, "donottrack"},
	{OptGenericHide, "generichide"},
	{OptGenericBlock, "genericblock"},
	{OptPing, "ping"},
}

// String renders the set in ABP option syntax.
func (o Option) String() string {
	var parts []string
	for _, n := range optionNames {
		if o&n.opt != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ",")
}

// Requirement is what a filter demands of one evaluated option category.
type Requirement uint8

const (
	NotRequired Requirement = iota
	RequireTrue
	RequireFalse
)

func (r Requirement) String() string {
	switch r {
	case RequireTrue:
		return "required"
	case RequireFalse:
		return "excluded"
	default:
		return "any"
	}
}

func requirement(o, yes, no Option) Requirement {
	switch {
	case o&yes != 0:
		return RequireTrue
	case o&no != 0:
		return RequireFalse
	default:
		return NotRequired
	}
}

// Requirements is the evaluated part of an option set, one tri-state per
// category that request evidence can settle.
type Requirements struct {
	XMLHTTPRequest Requirement
	ThirdParty     Requirement
	Script         Requirement
	Image          Requirement
	StyleSheet     Requirement
}

// RequirementsOf resolves an option set. A set holding both bits of a pair
// cannot be satisfied; the parser rejects such sets.
func RequirementsOf(o Option) Requirements {
	return Requirements{
		XMLHTTPRequest: requirement(o, OptXMLHTTPRequest, OptExceptXMLHTTPRequest),
		ThirdParty:     requirement(o, OptThirdParty, OptExceptThirdParty),
		Script:         requirement(o, OptScript, OptExceptScript),
		Image:          requirement(o, OptImage, OptExceptImage),
		StyleSheet:     requirement(o, OptStyleSheet, OptExceptStyleSheet),
	}
}

// IsZero reports whether no category is constrained.
func (r Requirements) IsZero() bool { return r == Requirements{} }

// Fact is one piece of request evidence.
type Fact uint8

const (
	Unknown Fact = iota
	True
	False
)

// ContentClass is the first content-type family found in a Content-Type
// header. The families are checked in order script, image, css.
type ContentClass uint8

const (
	ContentAbsent ContentClass = iota // no Content-Type header
	ContentScript
	ContentImage
	ContentCSS
	ContentOther
)

// Evidence is what a request tells about the evaluated option categories.
type Evidence struct {
	XMLHTTPRequest Fact
	ThirdParty     Fact
	Content        ContentClass

	// RefererHost is the www-stripped referer host, empty when there is no
	// usable Referer header.
	RefererHost string
}

func collectEvidence(host string, h http.Header) Evidence {
	var ev Evidence

	if v, ok := headerValue(h, HeaderRequestedWith); ok {
		if strings.EqualFold(v, "XMLHttpRequest") {
			ev.XMLHTTPRequest = True
		} else {
			ev.XMLHTTPRequest = False
		}
	}

	if v, ok := headerValue(h, HeaderReferer); ok {
		if ref, ok := refererHost(v); ok {
			ev.RefererHost = ref
			if ref == host {
				ev.ThirdParty = False
			} else {
				ev.ThirdParty = True
			}
		}
	} else {
		// A fresh navigation carries no referer and cannot be third-party.
		ev.ThirdParty = False
	}

	if v, ok := headerValue(h, HeaderContentType); ok {
		v = strings.ToLower(v)
		switch {
		case strings.Contains(v, "script"):
			ev.Content = ContentScript
		case strings.Contains(v, "image"):
			ev.Content = ContentImage
		case strings.Contains(v, "css"):
			ev.Content = ContentCSS
		default:
			ev.Content = ContentOther
		}
	}

	return ev
}

func resolve(r Requirement, f Fact) bool {
	switch r {
	case RequireTrue:
		return f == True
	case RequireFalse:
		return f == False
	default:
		return true
	}
}

// contentFact answers "is the content of family c" for the ordered checks.
// A family whose check is never reached because an earlier family matched
// yields Unknown, so it can satisfy neither requirement.
func contentFact(ev ContentClass, c ContentClass) Fact {
	switch {
	case ev == ContentAbsent:
		return Unknown
	case ev == c:
		return True
	case ev < c:
		return Unknown
	default:
		return False
	}
}

// Satisfied reports whether the evidence meets every requirement.
func (r Requirements) Satisfied(ev Evidence) bool {
	return resolve(r.XMLHTTPRequest, ev.XMLHTTPRequest) &&
		resolve(r.ThirdParty, ev.ThirdParty) &&
		resolve(r.Script, contentFact(ev.Content, ContentScript)) &&
		resolve(r.Image, contentFact(ev.Content, ContentImage)) &&
		resolve(r.StyleSheet, contentFact(ev.Content, ContentCSS))
}
