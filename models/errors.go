package models

import "errors"

// Domain outcomes of user-supplied queries. They are expected results, not
// defects, and are reported to callers as error-status responses.
var (
	ErrUnknownCategory = errors.New("unsupported product category")
	ErrEmptySpec       = errors.New("no usable specification fields")
	ErrOptionNotFound  = errors.New("specification value not found")
	ErrNoMatchingSKU   = errors.New("no SKU matches the specification")
	ErrRegionNotFound  = errors.New("region not found")
	ErrNoStats         = errors.New("no price statistics for the requested scope")
)

// IsNotFound reports whether err is one of the domain not-found outcomes.
func IsNotFound(err error) bool {
	for _, target := range []error{
		ErrUnknownCategory, ErrEmptySpec, ErrOptionNotFound,
		ErrNoMatchingSKU, ErrRegionNotFound, ErrNoStats,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
