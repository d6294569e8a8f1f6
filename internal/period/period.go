// Package period maps event timestamps onto fixed-length time buckets and
// derives the deterministic snapshot identifiers for them.
package period

import (
	"errors"
	"fmt"
	"sort"
)

// Bucket lengths in seconds.
const (
	FifteenMinutes int64 = 900
	Hour           int64 = 3600
	FourHours      int64 = 4 * Hour
	SixHours       int64 = 6 * Hour
	EightHours     int64 = 8 * Hour
	Day            int64 = 24 * Hour
	Week           int64 = 7 * Day
)

var (
	// HourlyPeriods drive every non-candle snapshot family, smallest first.
	HourlyPeriods = []int64{Hour, SixHours, Day}

	// CandlePeriods drive the spot price candles. Order is irrelevant.
	CandlePeriods = []int64{Week, Day, EightHours, FourHours, Hour, FifteenMinutes}
)

var (
	ErrEmpty       = errors.New("period: list is empty")
	ErrNotPositive = errors.New("period: length must be positive")
	ErrUnsorted    = errors.New("period: list must be strictly ascending")
	ErrNotMultiple = errors.New("period: each length must be a multiple of every smaller one")
)

// Index is the bucket number of ts.
func Index(ts, period int64) int64 {
	return ts / period
}

// BucketID returns "{subject}-{period}-{index}" for the bucket holding ts.
func BucketID(subject string, period, ts int64) string {
	return BucketIDFromIndex(subject, period, Index(ts, period))
}

// BucketIDFromIndex formats an id for an explicit bucket number.
func BucketIDFromIndex(subject string, period, index int64) string {
	return fmt.Sprintf("%s-%d-%d", subject, period, index)
}

// Boundary returns the end of the bucket containing ts. A ts already on a
// boundary maps to the following boundary.
func Boundary(ts, period int64) int64 {
	return ts + (period - ts%period)
}

// LargestApplicable returns the largest period whose bucket ends where the
// smallest period's bucket ends. periods must satisfy Validate.
func LargestApplicable(ts int64, periods []int64) int64 {
	base := periods[0]
	end := Boundary(ts, base)
	for _, p := range periods[1:] {
		if Boundary(ts, p) == end {
			base = p
		}
	}
	return base
}

// Validate checks that periods are positive, strictly ascending and nested.
func Validate(periods []int64) error {
	if len(periods) == 0 {
		return ErrEmpty
	}
	for i, p := range periods {
		if p <= 0 {
			return fmt.Errorf("%w: %d", ErrNotPositive, p)
		}
		if i == 0 {
			continue
		}
		if p <= periods[i-1] {
			return fmt.Errorf("%w: %d after %d", ErrUnsorted, p, periods[i-1])
		}
		for _, smaller := range periods[:i] {
			if p%smaller != 0 {
				return fmt.Errorf("%w: %d is not a multiple of %d", ErrNotMultiple, p, smaller)
			}
		}
	}
	return nil
}

// ValidateUnordered sorts a copy of periods before validating, for lists
// such as CandlePeriods whose iteration order carries no meaning.
func ValidateUnordered(periods []int64) error {
	sorted := append([]int64(nil), periods...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return Validate(sorted)
}
