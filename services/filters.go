package services

import (
	"regexp"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"market-pipeline/config"
	"market-pipeline/models"
)

// RejectReason names the filter that turned a listing away.
type RejectReason string

const (
	ReasonNone            RejectReason = ""
	ReasonUnknownCategory RejectReason = "unknown_category"
	ReasonBuying          RejectReason = "buying"
	ReasonService         RejectReason = "service"
	ReasonNoPrice         RejectReason = "no_price"
	ReasonPriceGuard      RejectReason = "price_guard"
	ReasonAccessory       RejectReason = "accessory"
	ReasonOutlier         RejectReason = "outlier"
)

// Decision is the outcome of running a listing through the chain.
type Decision struct {
	Admitted bool
	Reason   RejectReason
}

func admit() Decision                     { return Decision{Admitted: true} }
func reject(reason RejectReason) Decision { return Decision{Reason: reason} }

var (
	asciiRunRegexp   = regexp.MustCompile(`[a-z0-9/]+`)
	shortASCIIRegexp = regexp.MustCompile(`^[a-z0-9/]{1,3}$`)
)

// foldedTitle is a title prepared for keyword matching.
type foldedTitle struct {
	compact string
	words   map[string]bool
}

// foldText applies NFKC, lower-cases and removes all whitespace.
func foldText(s string) string {
	s = strings.ToLower(norm.NFKC.String(s))
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func foldTitle(title string) foldedTitle {
	lowered := strings.ToLower(norm.NFKC.String(title))
	words := make(map[string]bool)
	for _, w := range asciiRunRegexp.FindAllString(lowered, -1) {
		words[w] = true
	}
	return foldedTitle{compact: foldText(title), words: words}
}

// keywordSet matches folded keywords against a folded title. Short ASCII
// keywords ("as", "se", "m1") only match a whole ASCII word.
type keywordSet struct {
	substrings []string
	words      map[string]bool
}

func newKeywordSet(keywords ...[]string) keywordSet {
	ks := keywordSet{words: make(map[string]bool)}
	for _, list := range keywords {
		for _, kw := range list {
			k := foldText(kw)
			switch {
			case k == "":
			case shortASCIIRegexp.MatchString(k):
				ks.words[k] = true
			default:
				ks.substrings = append(ks.substrings, k)
			}
		}
	}
	return ks
}

func (ks keywordSet) match(t foldedTitle) bool {
	for w := range ks.words {
		if t.words[w] {
			return true
		}
	}
	for _, s := range ks.substrings {
		if strings.Contains(t.compact, s) {
			return true
		}
	}
	return false
}

// RunningMeans tracks an online price mean per category.
type RunningMeans struct {
	mu    sync.Mutex
	stats map[int]*runningMean
}

type runningMean struct {
	n    int
	mean float64
}

// NewRunningMeans returns an empty tracker.
func NewRunningMeans() *RunningMeans {
	return &RunningMeans{stats: make(map[int]*runningMean)}
}

// Observe folds price into the category mean.
func (r *RunningMeans) Observe(categoryID, price int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.stats[categoryID]
	if !ok {
		st = &runningMean{}
		r.stats[categoryID] = st
	}
	st.n++
	st.mean += (float64(price) - st.mean) / float64(st.n)
}

// Mean returns the current mean and sample count of a category.
func (r *RunningMeans) Mean(categoryID int) (float64, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.stats[categoryID]
	if !ok {
		return 0, 0
	}
	return st.mean, st.n
}

type categoryFilter struct {
	rule          config.CategoryRule
	accessoryCore keywordSet
	deviceHints   keywordSet
}

// FilterChain decides which listings are device sales worth keeping. Build
// one per crawl run; it carries the run's running means.
type FilterChain struct {
	categories    map[int]categoryFilter
	buying        keywordSet
	service       keywordSet
	accessoryOnly keywordSet
	inclusion     keywordSet
	farBelow      config.FarBelowRule
	outlier       config.OutlierRule
	means         *RunningMeans
	logger        *zap.Logger
}

// NewFilterChain compiles rules into a chain. A nil means starts empty.
func NewFilterChain(rules *config.Rules, means *RunningMeans, logger *zap.Logger) *FilterChain {
	if means == nil {
		means = NewRunningMeans()
	}
	f := &FilterChain{
		categories:    make(map[int]categoryFilter, len(rules.Categories)),
		buying:        newKeywordSet(rules.Filters.Buying),
		service:       newKeywordSet(rules.Filters.Service),
		accessoryOnly: newKeywordSet(rules.Filters.AccessoryOnly),
		inclusion:     newKeywordSet(rules.Filters.Inclusion),
		farBelow:      rules.Filters.FarBelow,
		outlier:       rules.Filters.Outlier,
		means:         means,
		logger:        logger,
	}
	for _, c := range rules.Categories {
		f.categories[c.ID] = categoryFilter{
			rule:          c,
			accessoryCore: newKeywordSet(c.AccessoryCore),
			deviceHints:   newKeywordSet(c.DeviceHints),
		}
	}
	return f
}

// Means exposes the chain's running means.
func (f *FilterChain) Means() *RunningMeans { return f.means }

// Evaluate runs l through the buying/service, price guard, accessory and
// outlier filters in that order. Admitted prices update the running mean.
func (f *FilterChain) Evaluate(l *models.Listing) Decision {
	d := f.evaluate(l)
	if d.Admitted {
		f.means.Observe(l.CategoryID, *l.Price)
	} else {
		f.logger.Debug("listing filtered",
			zap.String("source", string(l.Source)),
			zap.String("external_id", l.ExternalID),
			zap.String("reason", string(d.Reason)))
	}
	return d
}

func (f *FilterChain) evaluate(l *models.Listing) Decision {
	cat, ok := f.categories[l.CategoryID]
	if !ok {
		return reject(ReasonUnknownCategory)
	}
	title := foldTitle(l.Title)

	if f.buying.match(title) {
		return reject(ReasonBuying)
	}
	if f.service.match(title) {
		return reject(ReasonService)
	}

	if l.Price == nil {
		return reject(ReasonNoPrice)
	}
	price := *l.Price
	if !withinGuard(cat.rule.PriceGuard, price) {
		return reject(ReasonPriceGuard)
	}

	mean := f.referenceMean(cat.rule)
	if f.isAccessory(cat, title, price, mean) {
		return reject(ReasonAccessory)
	}

	if f.outlier.Enabled && mean > 0 {
		lo, hi := mean*(1-f.outlier.Ratio), mean*(1+f.outlier.Ratio)
		if p := float64(price); p < lo || p > hi {
			return reject(ReasonOutlier)
		}
	}
	return admit()
}

func withinGuard(g config.PriceRange, price int) bool {
	if g.Max <= 0 {
		return price >= g.Min
	}
	return g.Contains(price)
}

// referenceMean prefers the configured baseline and otherwise trusts the
// running mean once it has enough samples. Zero means no reference.
func (f *FilterChain) referenceMean(rule config.CategoryRule) float64 {
	if rule.BaselineMean > 0 {
		return rule.BaselineMean
	}
	mean, n := f.means.Mean(rule.ID)
	if n >= f.outlier.MinSamples {
		return mean
	}
	return 0
}

// isAccessory rejects by default once an accessory keyword appears. An
// inclusion phrase clears the title; a device hint clears it only when the
// price is not far below the category mean.
func (f *FilterChain) isAccessory(cat categoryFilter, title foldedTitle, price int, mean float64) bool {
	if !cat.accessoryCore.match(title) {
		return false
	}
	if f.inclusion.match(title) {
		return false
	}
	if f.accessoryOnly.match(title) {
		return true
	}
	if !cat.deviceHints.match(title) {
		return true
	}
	return mean > 0 && float64(price) < f.farBelowThreshold(mean)
}

func (f *FilterChain) farBelowThreshold(mean float64) float64 {
	threshold := mean * f.farBelow.Ratio
	if floor := float64(f.farBelow.Floor); floor > threshold {
		return floor
	}
	return threshold
}
