package models

// ListResult contains load results for a single list
type ListResult struct {
	Name        string         `json:"name" yaml:"name" toml:"name"`
	URL         string         `json:"source_url" yaml:"source_url" toml:"source_url"`
	Category    int16          `json:"category" yaml:"category" toml:"category"`
	Loaded      int            `json:"loaded" yaml:"loaded" toml:"loaded"`
	Rejected    int            `json:"rejected" yaml:"rejected" toml:"rejected"`
	SkipReasons map[string]int `json:"skip_reasons,omitempty" yaml:"skip_reasons,omitempty" toml:"skip_reasons,omitempty"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty" toml:"error,omitempty"`
}

// Manifest contains metadata about a load run
type Manifest struct {
	GeneratedAt string                `json:"generated_at" yaml:"generated_at" toml:"generated_at"`
	Lists       map[string]ListResult `json:"lists" yaml:"lists" toml:"lists"`
	Index       IndexInfo             `json:"index" yaml:"index" toml:"index"`
}

// IndexInfo describes the published domain index
type IndexInfo struct {
	Filters      int     `json:"filters" yaml:"filters" toml:"filters"`
	DomainKeys   int     `json:"domain_keys" yaml:"domain_keys" toml:"domain_keys"`
	BloomBits    uint    `json:"bloom_bits" yaml:"bloom_bits" toml:"bloom_bits"`
	BloomHashes  uint    `json:"bloom_hashes" yaml:"bloom_hashes" toml:"bloom_hashes"`
	EstimatedFPR float64 `json:"estimated_fp_rate" yaml:"estimated_fp_rate" toml:"estimated_fp_rate"`
}
