package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/abpfilter/internal/models"
)

func TestEncodeManifest(t *testing.T) {
	m := models.Manifest{
		GeneratedAt: "2026-01-02T03:04:05Z",
		Lists: map[string]models.ListResult{
			"easylist": {
				Name:        "easylist",
				URL:         "https://easylist.to/easylist/easylist.txt",
				Category:    1,
				Loaded:      10,
				Rejected:    2,
				SkipReasons: map[string]int{"unsupported-option": 2},
			},
		},
		Index: models.IndexInfo{Filters: 10, DomainKeys: 4, BloomBits: 958, BloomHashes: 7},
	}

	tests := []struct {
		format string
		want   []string
	}{
		{"json", []string{`"generated_at": "2026-01-02T03:04:05Z"`, `"source_url": "https://easylist.to/easylist/easylist.txt"`, `"bloom_hashes": 7`}},
		{"yaml", []string{"generated_at:", "2026-01-02T03:04:05Z", "loaded: 10", "unsupported-option: 2"}},
		{"toml", []string{"generated_at =", "2026-01-02T03:04:05Z", "loaded = 10", "domain_keys = 4"}},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, encodeManifest(&buf, tt.format, m))
			for _, w := range tt.want {
				assert.Contains(t, buf.String(), w)
			}
		})
	}

	assert.Error(t, encodeManifest(&bytes.Buffer{}, "xml", m))
}
