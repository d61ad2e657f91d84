// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// ErrCoercion is returned when a value cannot be read as a number.
var ErrCoercion = errors.New("value is not numeric")

// =============================================================================
// Normalization
// =============================================================================

// normalize maps a fetched or referenced value onto a small set of shapes so
// that values from XML (all strings), YAML (ints) and JSON (float64) compare
// equal when they denote the same thing: scalars become strings, maps become
// map[string]any, and every slice becomes []any.
func normalize(v any) any { return reshape(v, false) }

// normalizeTyped keeps scalar types: bools stay bools and every number
// becomes float64.
func normalizeTyped(v any) any { return reshape(v, true) }

func reshape(v any, typed bool) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return t
	case bool:
		if typed {
			return t
		}
		return strconv.FormatBool(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = reshape(val, typed)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = reshape(val, typed)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = reshape(val, typed)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if typed {
			return float64(rv.Int())
		}
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if typed {
			return float64(rv.Uint())
		}
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		if typed {
			return rv.Float()
		}
		return strconv.FormatFloat(rv.Float(), 'f', -1, 64)
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = reshape(iter.Value().Interface(), typed)
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = reshape(rv.Index(i).Interface(), typed)
		}
		return out
	default:
		return fmt.Sprint(v)
	}
}

// hasTypedScalar reports whether a normalizeTyped value holds a bool or
// number anywhere. XML sources decode to strings only.
func hasTypedScalar(v any) bool {
	switch t := v.(type) {
	case bool, float64:
		return true
	case map[string]any:
		for _, val := range t {
			if hasTypedScalar(val) {
				return true
			}
		}
	case []any:
		for _, val := range t {
			if hasTypedScalar(val) {
				return true
			}
		}
	}
	return false
}

// stringify renders a value for regex matching. Scalars render bare; trees
// render as JSON with sorted keys.
func stringify(v any) string {
	switch t := normalize(v).(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	}
}

// =============================================================================
// Comparisons
// =============================================================================

// exactEqual is deep structural equality after normalization. When the
// fetched tree carries typed scalars the comparison keeps types, so 1 and "1"
// or true and "true" differ; an all-text tree compares textually.
func exactEqual(actual, reference any, structured bool) bool {
	if !structured {
		return strings.TrimSpace(stringify(actual)) == strings.TrimSpace(stringify(reference))
	}
	if typed := normalizeTyped(actual); hasTypedScalar(typed) {
		return reflect.DeepEqual(typed, normalizeTyped(reference))
	}
	return reflect.DeepEqual(normalize(actual), normalize(reference))
}

// contains reports whether reference is a sub-structure (or substring) of
// actual.
func contains(actual, reference any, structured bool) bool {
	if !structured {
		return strings.Contains(stringify(actual), stringify(reference))
	}
	return subsumes(normalize(actual), normalize(reference))
}

// subsumes is the structural containment relation:
//   - a map contains a map when every reference key is present and contained;
//   - a list contains a list when every reference element is contained in
//     some actual element, and contains a non-list when any element does;
//   - a scalar contains a scalar when it has it as a substring.
func subsumes(actual, reference any) bool {
	switch ref := reference.(type) {
	case nil:
		return true
	case map[string]any:
		switch act := actual.(type) {
		case map[string]any:
			for k, rv := range ref {
				av, ok := act[k]
				if !ok || !subsumes(av, rv) {
					return false
				}
			}
			return true
		case []any:
			return anySubsumes(act, ref)
		}
		return false
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return false
		}
		for _, r := range ref {
			if !anySubsumes(act, r) {
				return false
			}
		}
		return true
	case string:
		switch act := actual.(type) {
		case string:
			return strings.Contains(act, ref)
		case []any:
			return anySubsumes(act, ref)
		}
		return false
	}
	return false
}

func anySubsumes(list []any, ref any) bool {
	for _, el := range list {
		if subsumes(el, ref) {
			return true
		}
	}
	return false
}

// matchRegex compiles reference and matches it against the stringified
// actual value.
func matchRegex(actual, reference any) (bool, error) {
	pattern, ok := reference.(string)
	if !ok {
		return false, fmt.Errorf("regex reference must be a string, got %T", reference)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	return re.MatchString(stringify(actual)), nil
}

// =============================================================================
// Numeric comparison
// =============================================================================

// NumericOp is a comparison operator.
type NumericOp string

const (
	OpGE NumericOp = ">="
	OpLE NumericOp = "<="
	OpEQ NumericOp = "=="
	OpNE NumericOp = "!="
	OpGT NumericOp = ">"
	OpLT NumericOp = "<"
)

// Two-character operators are listed first so ">=" is never read as ">".
var numericOps = []NumericOp{OpGE, OpLE, OpEQ, OpNE, OpGT, OpLT}

// NumericReference is a parsed NUMERIC_COMPARE reference such as ">=100".
type NumericReference struct {
	Op        NumericOp
	Threshold float64
}

// ParseNumericReference parses an operator followed by a number. A bare
// number means equality.
func ParseNumericReference(reference any) (NumericReference, error) {
	if s, ok := reference.(string); ok {
		s = strings.TrimSpace(s)
		for _, op := range numericOps {
			if rest, found := strings.CutPrefix(s, string(op)); found {
				n, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
				if err != nil {
					return NumericReference{}, fmt.Errorf("invalid numeric reference %q: %w", s, err)
				}
				return NumericReference{Op: op, Threshold: n}, nil
			}
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return NumericReference{}, fmt.Errorf("invalid numeric reference %q: want <op><number>", s)
		}
		return NumericReference{Op: OpEQ, Threshold: n}, nil
	}

	n, err := toNumber(reference)
	if err != nil {
		return NumericReference{}, fmt.Errorf("invalid numeric reference %v: %w", reference, err)
	}
	return NumericReference{Op: OpEQ, Threshold: n}, nil
}

// Compare applies the operator to v.
func (r NumericReference) Compare(v float64) bool {
	switch r.Op {
	case OpGE:
		return v >= r.Threshold
	case OpLE:
		return v <= r.Threshold
	case OpGT:
		return v > r.Threshold
	case OpLT:
		return v < r.Threshold
	case OpNE:
		return v != r.Threshold
	default:
		return v == r.Threshold
	}
}

func (r NumericReference) String() string {
	return string(r.Op) + strconv.FormatFloat(r.Threshold, 'f', -1, 64)
}

// toNumber coerces a scalar to float64.
func toNumber(v any) (float64, error) {
	switch t := normalize(v).(type) {
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(n) {
			return 0, fmt.Errorf("%w: %q", ErrCoercion, t)
		}
		return n, nil
	case nil:
		return 0, fmt.Errorf("%w: no value", ErrCoercion)
	default:
		return 0, fmt.Errorf("%w: %T", ErrCoercion, v)
	}
}
