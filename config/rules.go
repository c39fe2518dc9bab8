package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"market-pipeline/models"
)

//go:embed rules.yaml
var defaultRules []byte

// Rules is the declarative knowledge the pipeline runs on: product
// categories, classification keyword lists, the attribute schema and the
// extraction patterns.
type Rules struct {
	Categories []CategoryRule `yaml:"categories"`
	Filters    FilterRules    `yaml:"filters"`
	Attributes []AttributeDef `yaml:"attributes"`
	Extraction Extraction     `yaml:"extraction"`
	Crawl      CrawlRules     `yaml:"crawl"`
}

// CategoryRule configures one product line.
type CategoryRule struct {
	ID             int        `yaml:"id"`
	Name           string     `yaml:"name"`
	Aliases        []string   `yaml:"aliases"`
	SearchKeywords []string   `yaml:"search_keywords"`
	PriceGuard     PriceRange `yaml:"price_guard"`
	// BaselineMean, when positive, takes precedence over the running mean.
	BaselineMean   float64  `yaml:"baseline_mean"`
	AccessoryCore  []string `yaml:"accessory_core"`
	DeviceHints    []string `yaml:"device_hints"`
	AttributeCodes []string `yaml:"attributes"`
}

// PriceRange is an inclusive [Min, Max] bound.
type PriceRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// Contains reports whether p lies within the bound, inclusive on both ends.
func (r PriceRange) Contains(p int) bool {
	return p >= r.Min && p <= r.Max
}

// FilterRules holds the category-independent keyword lists.
type FilterRules struct {
	Buying        []string     `yaml:"buying"`
	Service       []string     `yaml:"service"`
	AccessoryOnly []string     `yaml:"accessory_only"`
	Inclusion     []string     `yaml:"inclusion"`
	FarBelow      FarBelowRule `yaml:"far_below"`
	Outlier       OutlierRule  `yaml:"outlier"`
}

// FarBelowRule defines the "suspiciously cheap" threshold used by the
// accessory classifier: max(Floor, mean*Ratio).
type FarBelowRule struct {
	Floor int     `yaml:"floor"`
	Ratio float64 `yaml:"ratio"`
}

// OutlierRule configures the mean-relative price guard.
type OutlierRule struct {
	Enabled    bool    `yaml:"enabled"`
	Ratio      float64 `yaml:"ratio"`
	MinSamples int     `yaml:"min_samples"`
}

// AttributeDef is one entry of the attribute schema.
type AttributeDef struct {
	Code     string                   `yaml:"code"`
	Label    string                   `yaml:"label"`
	DataType models.AttributeDataType `yaml:"data_type"`
	Unit     string                   `yaml:"unit"`
	Options  []string                 `yaml:"options"`
}

// Extraction holds the title parsing rules.
type Extraction struct {
	// CapacityPattern must capture the number in group 1 and the unit in group 2.
	CapacityPattern string `yaml:"capacity_pattern"`
	// RAMMaxGB separates memory from storage for categories that carry both.
	RAMMaxGB int           `yaml:"ram_max_gb"`
	Patterns []PatternRule `yaml:"patterns"`
	Keywords []KeywordRule `yaml:"keywords"`
}

// PatternRule assigns Value (with $n expansion) to Code when Pattern matches.
type PatternRule struct {
	Code       string `yaml:"code"`
	Categories []int  `yaml:"categories"`
	Pattern    string `yaml:"pattern"`
	Value      string `yaml:"value"`
}

// KeywordRule assigns a value to Code when one of its keywords is found.
// Values are tried in file order.
type KeywordRule struct {
	Code       string         `yaml:"code"`
	Categories []int          `yaml:"categories"`
	Values     []KeywordValue `yaml:"values"`
}

// KeywordValue is one canonical value and the spellings that select it.
type KeywordValue struct {
	Value    string   `yaml:"value"`
	Keywords []string `yaml:"keywords"`
}

// CrawlRules scopes the crawl.
type CrawlRules struct {
	Regions []CrawlRegion `yaml:"regions"`
}

// CrawlRegion is a province and the districts crawled inside it.
type CrawlRegion struct {
	Province  string   `yaml:"sd"`
	Districts []string `yaml:"sgg"`
}

// LoadRules parses the rule file at path, or the embedded defaults when path
// is empty.
func LoadRules(path string) (*Rules, error) {
	data := defaultRules
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("rules: read %q: %w", path, err)
		}
		data = b
	}
	return ParseRules(data)
}

// ParseRules decodes and validates a YAML rule document.
func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("rules: decode: %w", err)
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Rules) validate() error {
	if len(r.Categories) == 0 {
		return fmt.Errorf("rules: no categories defined")
	}
	seen := make(map[int]bool)
	for _, c := range r.Categories {
		if c.ID <= 0 || c.Name == "" {
			return fmt.Errorf("rules: category %q needs a positive id and a name", c.Name)
		}
		if seen[c.ID] {
			return fmt.Errorf("rules: duplicate category id %d", c.ID)
		}
		seen[c.ID] = true
		if c.PriceGuard.Max > 0 && c.PriceGuard.Min > c.PriceGuard.Max {
			return fmt.Errorf("rules: category %d price guard min > max", c.ID)
		}
	}
	codes := make(map[string]bool)
	for _, a := range r.Attributes {
		if a.Code == "" {
			return fmt.Errorf("rules: attribute without code")
		}
		codes[a.Code] = true
	}
	for _, c := range r.Categories {
		for _, code := range c.AttributeCodes {
			if !codes[code] {
				return fmt.Errorf("rules: category %d references unknown attribute %q", c.ID, code)
			}
		}
	}
	if r.Filters.Outlier.Ratio <= 0 {
		r.Filters.Outlier.Ratio = 0.5
	}
	if r.Filters.Outlier.MinSamples <= 0 {
		r.Filters.Outlier.MinSamples = 20
	}
	return nil
}

// Category returns the rule of category id.
func (r *Rules) Category(id int) (CategoryRule, bool) {
	for _, c := range r.Categories {
		if c.ID == id {
			return c, true
		}
	}
	return CategoryRule{}, false
}

// CategoryByName resolves a product name or alias, ignoring case and spaces.
func (r *Rules) CategoryByName(name string) (CategoryRule, bool) {
	key := foldName(name)
	if key == "" {
		return CategoryRule{}, false
	}
	for _, c := range r.Categories {
		if foldName(c.Name) == key {
			return c, true
		}
		for _, a := range c.Aliases {
			if foldName(a) == key {
				return c, true
			}
		}
	}
	return CategoryRule{}, false
}

// Attribute returns the schema entry for code.
func (r *Rules) Attribute(code string) (AttributeDef, bool) {
	for _, a := range r.Attributes {
		if a.Code == code {
			return a, true
		}
	}
	return AttributeDef{}, false
}

func foldName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}
