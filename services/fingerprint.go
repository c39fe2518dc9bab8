package services

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// FingerprintLength is the number of hex characters kept from the digest.
const FingerprintLength = 32

var capacityCodes = map[string]bool{
	"storage":     true,
	"capacity":    true,
	"capacity_gb": true,
	"storage_gb":  true,
	"ram":         true,
}

var capacityValueRegexp = regexp.MustCompile(`(?i)^\s*(\d+(?:\.\d+)?)\s*(tb|gb|테라|기가)?\s*$`)

// IsCapacityCode reports whether code holds a size measured in GB.
func IsCapacityCode(code string) bool {
	return capacityCodes[strings.ToLower(code)]
}

// NormalizeCapacity converts "128", "128GB", "1TB" or "1.5 tb" into whole GB.
func NormalizeCapacity(v string) (int, bool) {
	m := capacityValueRegexp.FindStringSubmatch(v)
	if m == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	switch strings.ToLower(m[2]) {
	case "tb", "테라":
		f *= 1024
	}
	return int(math.Round(f)), true
}

// CanonicalValue normalizes a value for fingerprinting. Capacity codes become
// an integer GB count; other values are trimmed with inner whitespace
// collapsed.
func CanonicalValue(code, value string) string {
	if IsCapacityCode(code) {
		if n, ok := NormalizeCapacity(value); ok {
			return strconv.Itoa(n)
		}
	}
	return strings.Join(strings.Fields(value), " ")
}

// SpecPairs renders attrs as sorted "code:value" pairs with every value in
// CanonicalValue form. Empty values are dropped.
func SpecPairs(attrs map[string]string) []string {
	pairs := make([]string, 0, len(attrs))
	for code, value := range attrs {
		value = CanonicalValue(code, value)
		if code == "" || value == "" {
			continue
		}
		pairs = append(pairs, code+":"+value)
	}
	sort.Strings(pairs)
	return pairs
}

// FingerprintPairs hashes sorted pairs joined by "|".
func FingerprintPairs(pairs []string) string {
	sum := sha256.Sum256([]byte(strings.Join(pairs, "|")))
	return hex.EncodeToString(sum[:])[:FingerprintLength]
}

// Fingerprint is FingerprintPairs(SpecPairs(attrs)).
func Fingerprint(attrs map[string]string) string {
	return FingerprintPairs(SpecPairs(attrs))
}
