// Package params type-checks and coerces command arguments against a tool's
// parameter declarations.
package params

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/flexigpt/hostrelay-go/spec"
)

var colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// Error identifies the offending parameter. It wraps spec.ErrValidation.
type Error struct {
	Param  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("parameter %q: %s", e.Param, e.Reason)
}

func (e *Error) Unwrap() error { return spec.ErrValidation }

func fail(name, format string, args ...any) error {
	return &Error{Param: name, Reason: fmt.Sprintf(format, args...)}
}

// Validate returns a new map holding the converted value of every supplied
// declared parameter, plus the declared default of every parameter the caller
// did not supply. Unknown argument names are dropped with a warning.
//
// Validate is idempotent: feeding its output back in yields the same map.
func Validate(specs []spec.ParameterSpec, args map[string]any, logger *slog.Logger) (map[string]any, error) {
	if logger == nil {
		logger = slog.Default()
	}

	declared := make(map[string]struct{}, len(specs))
	out := make(map[string]any, len(specs))

	for _, ps := range specs {
		declared[ps.Name] = struct{}{}

		v, present := args[ps.Name]
		if !present || v == nil {
			if ps.IsRequired() {
				return nil, fail(ps.Name, "is required")
			}
			continue
		}

		cv, err := Convert(ps, v)
		if err != nil {
			return nil, err
		}
		out[ps.Name] = cv
	}

	for name := range args {
		if _, ok := declared[name]; !ok {
			logger.Warn("dropping unknown argument", "param", name)
		}
	}

	// Defaults are applied after validation so that a declared default never
	// masks a missing required argument.
	for _, ps := range specs {
		if _, ok := out[ps.Name]; ok || !ps.HasDefault() {
			continue
		}
		if cv, err := Convert(ps, ps.Default); err == nil {
			out[ps.Name] = cv
		} else {
			out[ps.Name] = ps.Default
		}
	}

	return out, nil
}

// Convert converts a single value to the declared type and checks its constraints.
func Convert(ps spec.ParameterSpec, v any) (any, error) {
	switch ps.Type {
	case spec.ParamString:
		s, ok := asString(v)
		if !ok {
			return nil, fail(ps.Name, "expected string, got %T", v)
		}
		return s, nil

	case spec.ParamInteger:
		i, err := asInt(v)
		if err != nil {
			return nil, fail(ps.Name, "expected integer: %v", err)
		}
		if err := checkRange(ps, float64(i)); err != nil {
			return nil, err
		}
		return i, nil

	case spec.ParamFloat:
		f, err := asFloat(v)
		if err != nil {
			return nil, fail(ps.Name, "expected number: %v", err)
		}
		if err := checkRange(ps, f); err != nil {
			return nil, err
		}
		return f, nil

	case spec.ParamBoolean:
		b, err := asBool(v)
		if err != nil {
			return nil, fail(ps.Name, "expected boolean: %v", err)
		}
		return b, nil

	case spec.ParamEnum:
		s, ok := asString(v)
		if !ok {
			return nil, fail(ps.Name, "expected one of %v, got %T", ps.Options, v)
		}
		if !slices.Contains(ps.Options, s) {
			return nil, fail(ps.Name, "value %q is not one of %v", s, ps.Options)
		}
		return s, nil

	case spec.ParamVector3:
		vec, err := asVector3(v)
		if err != nil {
			return nil, fail(ps.Name, "expected 3-element numeric sequence: %v", err)
		}
		return vec, nil

	case spec.ParamColor:
		s, ok := v.(string)
		if !ok || !colorPattern.MatchString(s) {
			return nil, fail(ps.Name, "expected hex color like #RRGGBB, got %v", v)
		}
		return s, nil

	case spec.ParamNameRef, spec.ParamFilePath:
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, fail(ps.Name, "expected non-empty string, got %v", v)
		}
		if ps.Type == spec.ParamFilePath && strings.ContainsRune(s, '\x00') {
			return nil, fail(ps.Name, "path contains NUL byte")
		}
		return s, nil

	default:
		return nil, fail(ps.Name, "unsupported parameter type %q", ps.Type)
	}
}

func checkRange(ps spec.ParameterSpec, f float64) error {
	if ps.Min != nil && f < *ps.Min {
		return fail(ps.Name, "value %v is below minimum %v", f, *ps.Min)
	}
	if ps.Max != nil && f > *ps.Max {
		return fail(ps.Name, "value %v is above maximum %v", f, *ps.Max)
	}
	return nil
}

func asString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case bool, int, int32, int64, float32, float64:
		return fmt.Sprint(x), true
	default:
		return "", false
	}
}

func asFloat(v any) (float64, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint64:
		f = float64(x)
	case json.Number:
		p, err := x.Float64()
		if err != nil {
			return 0, err
		}
		f = p
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot parse %q", x)
		}
		f = p
	default:
		return 0, fmt.Errorf("got %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("not a finite number")
	}
	return f, nil
}

func asInt(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case string:
		s := strings.TrimSpace(x)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
	}
	f, err := asFloat(v)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%v has a fractional part", f)
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("%v overflows int64", f)
	}
	return int64(f), nil
}

func asBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1", "yes", "y", "on":
			return true, nil
		case "false", "0", "no", "n", "off":
			return false, nil
		}
		return false, fmt.Errorf("cannot interpret %q", x)
	}
	f, err := asFloat(v)
	if err != nil {
		return false, err
	}
	switch f {
	case 1:
		return true, nil
	case 0:
		return false, nil
	}
	return false, fmt.Errorf("cannot interpret %v", f)
}

func asVector3(v any) ([]float64, error) {
	var items []any
	switch x := v.(type) {
	case []float64:
		if len(x) != 3 {
			return nil, fmt.Errorf("got %d elements", len(x))
		}
		return slices.Clone(x), nil
	case []int:
		for _, i := range x {
			items = append(items, i)
		}
	case []any:
		items = x
	default:
		return nil, fmt.Errorf("got %T", v)
	}
	if len(items) != 3 {
		return nil, fmt.Errorf("got %d elements", len(items))
	}
	out := make([]float64, 3)
	for i, it := range items {
		if _, isStr := it.(string); isStr {
			return nil, fmt.Errorf("element %d is a string", i)
		}
		f, err := asFloat(it)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = f
	}
	return out, nil
}
