// Package rank normalizes published rank literals into a display string
// plus optional numeric bounds.
//
// Upstream feeds publish ranks in several shapes: plain numbers, tied
// positions ("=9"), open tails ("1001+"), and bands ("501-510"). The
// catalogue stores all of them as a display literal plus a lower/upper
// bound pair so that sorting and coverage checks stay numeric.
package rank

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Value is the normalized form of one rank literal. Display keeps the
// canonicalized literal; Lower and Upper are nil when the corresponding
// bound does not exist.
type Value struct {
	Display string
	Lower   *int
	Upper   *int
}

// IsZero reports whether the value carries neither a display nor bounds.
func (v Value) IsZero() bool {
	return v.Display == "" && v.Lower == nil && v.Upper == nil
}

func (v Value) String() string { return v.Display }

// ParseAmbiguousError is returned by Strict for literals that fit none of
// the recognized shapes.
type ParseAmbiguousError struct {
	Raw string
}

func (e *ParseAmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous rank literal %q", e.Raw)
}

// Normalize converts a raw rank cell into a Value. It is total: literals
// that fit no recognized shape keep their trimmed text as Display with
// both bounds nil. Nil and blank input yield the zero Value.
//
// Precedence, first match wins:
//
//	numeric        -> {itoa(n), n, n}
//	"=N"           -> {"=N", n, n}
//	"N+"           -> {"N+", n, nil}
//	"lo-hi"        -> {"lo-hi", lo, hi}
//	anything else  -> {literal, nil, nil}
func Normalize(raw any) Value {
	switch v := raw.(type) {
	case nil:
		return Value{}
	case int:
		return exact(v)
	case int32:
		return exact(int(v))
	case int64:
		return exact(int(v))
	case float32:
		return fromFloat(float64(v))
	case float64:
		return fromFloat(v)
	case json.Number:
		return parseString(v.String())
	case string:
		return parseString(v)
	default:
		return parseString(fmt.Sprint(raw))
	}
}

// Strict behaves like Normalize but rejects the fallback case: a
// non-empty literal that produced no bounds comes back as a
// ParseAmbiguousError. The pipeline never uses it; the audit command does.
func Strict(raw any) (Value, error) {
	v := Normalize(raw)
	if v.Display != "" && v.Lower == nil && v.Upper == nil {
		return Value{}, &ParseAmbiguousError{Raw: v.Display}
	}
	return v, nil
}

// UpperBound is the banding convention used by feed coverage checks: the
// upper bound when one exists, otherwise the lower. Note that this
// differs from the catalogue's scalar rank column, which always records
// the lower bound.
func UpperBound(raw any) (int, bool) {
	v := Normalize(raw)
	switch {
	case v.Upper != nil:
		return *v.Upper, true
	case v.Lower != nil:
		return *v.Lower, true
	default:
		return 0, false
	}
}

func exact(n int) Value {
	return Value{Display: strconv.Itoa(n), Lower: ptr(n), Upper: ptr(n)}
}

func fromFloat(f float64) Value {
	if f == math.Trunc(f) && !math.IsInf(f, 0) {
		return exact(int(f))
	}
	return parseString(strconv.FormatFloat(f, 'f', -1, 64))
}

func parseString(raw string) Value {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Value{}
	}

	if rest, ok := strings.CutPrefix(s, "="); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil {
			return Value{Display: "=" + strconv.Itoa(n), Lower: ptr(n), Upper: ptr(n)}
		}
		return Value{Display: s}
	}

	if base, ok := strings.CutSuffix(s, "+"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(base)); err == nil {
			return Value{Display: strconv.Itoa(n) + "+", Lower: ptr(n)}
		}
		return Value{Display: s}
	}

	if lo, hi, ok := strings.Cut(s, "-"); ok {
		a, errA := strconv.Atoi(strings.TrimSpace(lo))
		b, errB := strconv.Atoi(strings.TrimSpace(hi))
		if errA == nil && errB == nil {
			return Value{
				Display: strconv.Itoa(a) + "-" + strconv.Itoa(b),
				Lower:   ptr(a),
				Upper:   ptr(b),
			}
		}
		return Value{Display: s}
	}

	if n, err := strconv.Atoi(s); err == nil {
		return exact(n)
	}
	return Value{Display: s}
}

func ptr(n int) *int { return &n }
