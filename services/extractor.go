package services

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"market-pipeline/config"
)

type patternRule struct {
	code       string
	categories []int
	re         *regexp.Regexp
	template   string
}

type keywordValue struct {
	value    string
	keywords keywordSet
}

type keywordRule struct {
	code       string
	categories []int
	values     []keywordValue
}

// Extractor derives attribute values from listing titles using the
// extraction section of the rule set.
type Extractor struct {
	capacity *regexp.Regexp
	ramMaxGB int
	codes    map[int][]string
	patterns []patternRule
	keywords []keywordRule
}

// NewExtractor compiles the extraction rules.
func NewExtractor(rules *config.Rules) (*Extractor, error) {
	e := &Extractor{
		ramMaxGB: rules.Extraction.RAMMaxGB,
		codes:    make(map[int][]string, len(rules.Categories)),
	}
	if p := rules.Extraction.CapacityPattern; p != "" {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("extractor: capacity pattern: %w", err)
		}
		e.capacity = re
	}
	for _, c := range rules.Categories {
		e.codes[c.ID] = c.AttributeCodes
	}
	for _, p := range rules.Extraction.Patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("extractor: pattern for %q: %w", p.Code, err)
		}
		e.patterns = append(e.patterns, patternRule{code: p.Code, categories: p.Categories, re: re, template: p.Value})
	}
	for _, k := range rules.Extraction.Keywords {
		rule := keywordRule{code: k.Code, categories: k.Categories}
		for _, v := range k.Values {
			rule.values = append(rule.values, keywordValue{value: v.Value, keywords: newKeywordSet(v.Keywords)})
		}
		e.keywords = append(e.keywords, rule)
	}
	return e, nil
}

func (e *Extractor) wants(categoryID int, code string, scope []int) bool {
	if len(scope) > 0 && !slices.Contains(scope, categoryID) {
		return false
	}
	codes := e.codes[categoryID]
	return len(codes) == 0 || slices.Contains(codes, code)
}

// Extract returns the attributes found in title. The first matching rule
// wins for each code.
func (e *Extractor) Extract(categoryID int, title string) map[string]string {
	out := make(map[string]string)
	e.extractCapacity(categoryID, title, out)

	for _, p := range e.patterns {
		if _, done := out[p.code]; done || !e.wants(categoryID, p.code, p.categories) {
			continue
		}
		idx := p.re.FindStringSubmatchIndex(title)
		if idx == nil {
			continue
		}
		v := string(p.re.ExpandString(nil, p.template, title, idx))
		if v = strings.TrimSpace(v); v != "" {
			out[p.code] = v
		}
	}

	folded := foldTitle(title)
	for _, k := range e.keywords {
		if _, done := out[k.code]; done || !e.wants(categoryID, k.code, k.categories) {
			continue
		}
		for _, v := range k.values {
			if v.keywords.match(folded) {
				out[k.code] = v.value
				break
			}
		}
	}
	return out
}

// extractCapacity reads every "<n> GB/TB" figure. In categories that carry
// memory, figures up to ramMaxGB are memory and the largest above is
// storage; elsewhere the largest figure is storage.
func (e *Extractor) extractCapacity(categoryID int, title string, out map[string]string) {
	if e.capacity == nil {
		return
	}
	var sizes []int
	for _, m := range e.capacity.FindAllStringSubmatch(title, -1) {
		f, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		switch strings.ToLower(m[2]) {
		case "tb", "테라":
			f *= 1024
		}
		sizes = append(sizes, int(math.Round(f)))
	}
	if len(sizes) == 0 {
		return
	}

	withRAM := slices.Contains(e.codes[categoryID], "ram")
	storage, ram := 0, 0
	for _, n := range sizes {
		if withRAM && n <= e.ramMaxGB {
			if ram == 0 {
				ram = n
			}
			continue
		}
		storage = max(storage, n)
	}
	if storage > 0 && e.wants(categoryID, "storage", nil) {
		out["storage"] = strconv.Itoa(storage)
	}
	if ram > 0 {
		out["ram"] = strconv.Itoa(ram)
	}
}

// Merge extracts from title and overlays given, whose values win.
func (e *Extractor) Merge(categoryID int, title string, given map[string]string) map[string]string {
	out := e.Extract(categoryID, title)
	for k, v := range given {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && strings.TrimSpace(v) != "" {
			out[k] = v
		}
	}
	return out
}
