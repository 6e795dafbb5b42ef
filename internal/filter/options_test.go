package filter

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOptionString(t *testing.T) {
	o := OptThirdParty | OptScript | OptExceptImage
	assert.True(t, o.Has(OptScript|OptThirdParty))
	assert.False(t, o.Has(OptScript|OptImage))
	assert.Equal(t, "script,~image,third-party", o.String())
	assert.Equal(t, "", Option(0).String())
}

func TestRequirementsOf(t *testing.T) {
	r := RequirementsOf(OptScript | OptExceptThirdParty | OptMedia)
	assert.Equal(t, Requirements{Script: RequireTrue, ThirdParty: RequireFalse}, r)
	assert.True(t, RequirementsOf(OptFont|OptPing|OptMatchCase).IsZero())
}

func TestCollectEvidence(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		want   Evidence
	}{
		{
			name: "no headers is first party",
			want: Evidence{ThirdParty: False},
		},
		{
			name:   "same host referer with www",
			header: http.Header{"Referer": {"https://www.Example.com/page"}},
			want:   Evidence{ThirdParty: False, RefererHost: "example.com"},
		},
		{
			name:   "foreign referer",
			header: http.Header{"Referer": {"https://other.org/"}},
			want:   Evidence{ThirdParty: True, RefererHost: "other.org"},
		},
		{
			name:   "malformed referer is unknown",
			header: http.Header{"Referer": {"::bad"}},
			want:   Evidence{ThirdParty: Unknown},
		},
		{
			name:   "non canonical xhr header",
			header: http.Header{"x-requested-with": {"XMLHttpRequest"}},
			want:   Evidence{XMLHTTPRequest: True, ThirdParty: False},
		},
		{
			name:   "other requested-with value",
			header: http.Header{"X-Requested-With": {"fetch"}},
			want:   Evidence{XMLHTTPRequest: False, ThirdParty: False},
		},
		{
			name:   "script content",
			header: http.Header{"Content-Type": {"application/javascript"}},
			want:   Evidence{ThirdParty: False, Content: ContentScript},
		},
		{
			name:   "image content",
			header: http.Header{"Content-Type": {"image/png"}},
			want:   Evidence{ThirdParty: False, Content: ContentImage},
		},
		{
			name:   "css content with odd case",
			header: http.Header{"Content-Type": {"Text/CSS; charset=utf-8"}},
			want:   Evidence{ThirdParty: False, Content: ContentCSS},
		},
		{
			name:   "other content",
			header: http.Header{"Content-Type": {"text/html"}},
			want:   Evidence{ThirdParty: False, Content: ContentOther},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, collectEvidence("example.com", tt.header))
		})
	}
}

func TestRequirementsSatisfied(t *testing.T) {
	tests := []struct {
		name string
		req  Requirements
		ev   Evidence
		want bool
	}{
		{"nothing required", Requirements{}, Evidence{}, true},
		{"script on script", Requirements{Script: RequireTrue}, Evidence{Content: ContentScript}, true},
		{"script without content type", Requirements{Script: RequireTrue}, Evidence{}, false},
		{"not script on image", Requirements{Script: RequireFalse}, Evidence{Content: ContentImage}, true},
		{"not image on script is never reached", Requirements{Image: RequireFalse}, Evidence{Content: ContentScript}, false},
		{"not css on other", Requirements{StyleSheet: RequireFalse}, Evidence{Content: ContentOther}, true},
		{"image on css", Requirements{Image: RequireTrue}, Evidence{Content: ContentCSS}, false},
		{"third party unknown", Requirements{ThirdParty: RequireTrue}, Evidence{ThirdParty: Unknown}, false},
		{"first party", Requirements{ThirdParty: RequireFalse}, Evidence{ThirdParty: False}, true},
		{"xhr required", Requirements{XMLHTTPRequest: RequireTrue}, Evidence{XMLHTTPRequest: True}, true},
		{"xhr excluded", Requirements{XMLHTTPRequest: RequireFalse}, Evidence{XMLHTTPRequest: True}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.req.Satisfied(tt.ev))
		})
	}
}
