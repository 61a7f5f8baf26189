package unit

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// Convention selects how quota suffixes are scaled.
type Convention string

// Unit convention constants.
const (
	// Decimal scales by powers of 1000 (SI).
	Decimal Convention = "decimal"
	// Binary scales by powers of 1024 (IEC).
	Binary Convention = "binary"
)

// IsValid checks if the convention is one of the supported values.
func (c Convention) IsValid() bool {
	return c == Decimal || c == Binary
}

var (
	// ErrNoDigits signals a quota string without a leading magnitude.
	ErrNoDigits = errors.New("no digits")
	// ErrUnknownUnit signals an unsupported unit suffix.
	ErrUnknownUnit = errors.New("unknown unit")
	// ErrOverflow signals a byte count that does not fit in 64 bits.
	ErrOverflow = errors.New("overflows 64 bits")
)

// ParseError reports the quota string that failed to parse.
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse quota %q: %s", e.Input, e.Err.Error())
}

func (e *ParseError) Unwrap() error { return e.Err }

var multipliers = map[Convention]map[string]uint64{
	Decimal: {
		"b":  1,
		"kb": 1000,
		"mb": 1000 * 1000,
		"gb": 1000 * 1000 * 1000,
		"tb": 1000 * 1000 * 1000 * 1000,
	},
	Binary: {
		"b":  1,
		"kb": 1 << 10,
		"mb": 1 << 20,
		"gb": 1 << 30,
		"tb": 1 << 40,
	},
}

// ParseConvention parses a config value such as "decimal" or "Binary".
func ParseConvention(s string) (Convention, error) {
	c := Convention(strings.ToLower(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", fmt.Errorf("unit type must be %q or %q, got %q", Decimal, Binary, s)
	}
	return c, nil
}

// Parse converts a quota string like "500gb" into bytes.
// The suffix is matched case-insensitively against b, kb, mb, gb and tb.
func Parse(s string, c Convention) (uint64, error) {
	table, ok := multipliers[c]
	if !ok {
		return 0, fmt.Errorf("unsupported unit convention %q", c)
	}

	s = strings.TrimSpace(s)
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, &ParseError{Input: s, Err: ErrNoDigits}
	}

	n, err := strconv.ParseUint(s[:i], 10, 64)
	if err != nil {
		// only a range error is possible for an all-digit run
		return 0, &ParseError{Input: s, Err: ErrOverflow}
	}

	mult, ok := table[strings.ToLower(strings.TrimSpace(s[i:]))]
	if !ok {
		return 0, &ParseError{Input: s, Err: ErrUnknownUnit}
	}

	hi, lo := bits.Mul64(n, mult)
	if hi != 0 {
		return 0, &ParseError{Input: s, Err: ErrOverflow}
	}
	return lo, nil
}

// MustParse is Parse for package-level constants. Panics on error.
func MustParse(s string, c Convention) uint64 {
	n, err := Parse(s, c)
	if err != nil {
		panic(err)
	}
	return n
}
