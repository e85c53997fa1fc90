package reference

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Enum is implemented by named types with a closed set of cases. EnumCases
// returns every case as a value of the implementing type.
type Enum interface {
	EnumCases() []any
}

// BackedEnum is implemented by enum cases that carry a wire value distinct
// from their name. Cases of a backed enum are matched by value; plain enum
// cases are matched by name (their String form).
type BackedEnum interface {
	EnumValue() any
}

var (
	enumType     = reflect.TypeFor[Enum]()
	durationType = reflect.TypeFor[time.Duration]()
	rawJSONType  = reflect.TypeFor[json.RawMessage]()
	integerRe    = regexp.MustCompile(`^[+-]?\d+$`)
)

// coercionError carries the reason a value did not fit a type; the caller
// attaches the parameter name.
type coercionError struct {
	reason string
}

func (e *coercionError) Error() string { return e.reason }

func mismatch(want string, v any) error {
	return &coercionError{reason: fmt.Sprintf("expected %s, got %s", want, describe(v))}
}

func describe(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(v)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%T", v)
	}
}

// isNullable reports whether t can represent an absent value.
func isNullable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map:
		return true
	}
	return false
}

// coerce converts v into a value assignable to t.
func coerce(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		if isNullable(t) {
			return reflect.Zero(t), nil
		}
		if t.Kind() == reflect.String {
			return reflect.Zero(t), nil
		}
		return reflect.Value{}, mismatch(kindName(t), v)
	}

	rv := reflect.ValueOf(v)
	if rv.Type() == t {
		return rv, nil
	}

	if t.Implements(enumType) {
		return coerceEnum(v, t)
	}

	switch {
	case t == durationType:
		return coerceDuration(v)
	case t == rawJSONType:
		b, err := json.Marshal(v)
		if err != nil {
			return reflect.Value{}, &coercionError{reason: err.Error()}
		}
		return reflect.ValueOf(json.RawMessage(b)), nil
	}

	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := toInt(v)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(t).Elem()
		if out.OverflowInt(n) {
			return reflect.Value{}, &coercionError{reason: fmt.Sprintf("value %d overflows %s", n, t)}
		}
		out.SetInt(n)
		return out, nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := toInt(v)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(t).Elem()
		if n < 0 || out.OverflowUint(uint64(n)) {
			return reflect.Value{}, &coercionError{reason: fmt.Sprintf("value %d out of range for %s", n, t)}
		}
		out.SetUint(uint64(n))
		return out, nil

	case reflect.Float32, reflect.Float64:
		f, err := toFloat(v)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(t).Elem()
		if out.OverflowFloat(f) {
			return reflect.Value{}, &coercionError{reason: fmt.Sprintf("value %g overflows %s", f, t)}
		}
		out.SetFloat(f)
		return out, nil

	case reflect.Bool:
		b, err := toBool(v)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(b).Convert(t), nil

	case reflect.String:
		return reflect.ValueOf(toString(v)).Convert(t), nil

	case reflect.Slice, reflect.Array:
		return coerceList(v, t)

	case reflect.Map:
		return coerceMap(v, t)

	case reflect.Pointer:
		elem, err := coerce(v, t.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		ptr := reflect.New(t.Elem())
		ptr.Elem().Set(elem)
		return ptr, nil

	case reflect.Interface:
		if rv.Type().Implements(t) {
			out := reflect.New(t).Elem()
			out.Set(rv)
			return out, nil
		}
		return reflect.Value{}, mismatch(t.String(), v)

	case reflect.Struct:
		// Nested objects go through encoding/json so their own tags apply.
		b, err := json.Marshal(v)
		if err != nil {
			return reflect.Value{}, &coercionError{reason: err.Error()}
		}
		out := reflect.New(t)
		if err := json.Unmarshal(b, out.Interface()); err != nil {
			return reflect.Value{}, mismatch("object "+t.Name(), v)
		}
		return out.Elem(), nil
	}

	return reflect.Value{}, mismatch(t.String(), v)
}

func kindName(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Struct, reflect.Map:
		return "object"
	}
	return t.String()
}

func toInt(v any) (int64, error) {
	switch v := v.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return uintToInt(uint64(v))
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return uintToInt(v)
	case float32:
		return floatToInt(float64(v))
	case float64:
		return floatToInt(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
		f, err := v.Float64()
		if err != nil {
			return 0, mismatch("integer", v)
		}
		return floatToInt(f)
	case string:
		if !integerRe.MatchString(v) {
			return 0, mismatch("integer", v)
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, &coercionError{reason: fmt.Sprintf("integer %s out of range", v)}
		}
		return n, nil
	}
	return 0, mismatch("integer", v)
}

func uintToInt(u uint64) (int64, error) {
	if u > math.MaxInt64 {
		return 0, &coercionError{reason: fmt.Sprintf("integer %d out of range", u)}
	}
	return int64(u), nil
}

func floatToInt(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, &coercionError{reason: fmt.Sprintf("expected integer, got %v", f)}
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, &coercionError{reason: fmt.Sprintf("integer %v out of range", f)}
	}
	return int64(f), nil
}

func toFloat(v any) (float64, error) {
	switch v := v.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, mismatch("number", v)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, mismatch("number", v)
		}
		return f, nil
	case bool:
		return 0, mismatch("number", v)
	}
	n, err := toInt(v)
	if err != nil {
		return 0, mismatch("number", v)
	}
	return float64(n), nil
}

func toBool(v any) (bool, error) {
	switch v := v.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true":
			return true, nil
		case "0", "false":
			return false, nil
		}
		return false, mismatch("boolean", v)
	}
	if n, err := toInt(v); err == nil {
		switch n {
		case 1:
			return true, nil
		case 0:
			return false, nil
		}
	}
	return false, mismatch("boolean", v)
}

func toString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(v)
	case fmt.Stringer:
		return v.String()
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}

func coerceList(v any, t reflect.Type) (reflect.Value, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return reflect.Value{}, mismatch("array", v)
	}

	var out reflect.Value
	if t.Kind() == reflect.Array {
		if rv.Len() != t.Len() {
			return reflect.Value{}, &coercionError{reason: fmt.Sprintf("expected array of %d elements, got %d", t.Len(), rv.Len())}
		}
		out = reflect.New(t).Elem()
	} else {
		out = reflect.MakeSlice(t, rv.Len(), rv.Len())
	}

	for i := 0; i < rv.Len(); i++ {
		elem, err := coerce(rv.Index(i).Interface(), t.Elem())
		if err != nil {
			return reflect.Value{}, &coercionError{reason: fmt.Sprintf("element %d: %v", i, err)}
		}
		out.Index(i).Set(elem)
	}
	return out, nil
}

func coerceMap(v any, t reflect.Type) (reflect.Value, error) {
	if t.Key().Kind() != reflect.String {
		return reflect.Value{}, mismatch(t.String(), v)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return reflect.Value{}, mismatch("object", v)
	}

	out := reflect.MakeMapWithSize(t, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		elem, err := coerce(iter.Value().Interface(), t.Elem())
		if err != nil {
			return reflect.Value{}, &coercionError{reason: fmt.Sprintf("key %q: %v", iter.Key().String(), err)}
		}
		out.SetMapIndex(iter.Key().Convert(t.Key()), elem)
	}
	return out, nil
}

func coerceDuration(v any) (reflect.Value, error) {
	if s, ok := v.(string); ok && !integerRe.MatchString(s) {
		d, err := time.ParseDuration(s)
		if err != nil {
			return reflect.Value{}, mismatch("duration", v)
		}
		return reflect.ValueOf(d), nil
	}
	n, err := toInt(v)
	if err != nil {
		return reflect.Value{}, mismatch("duration", v)
	}
	return reflect.ValueOf(time.Duration(n)), nil
}

func coerceEnum(v any, t reflect.Type) (reflect.Value, error) {
	cases := reflect.Zero(t).Interface().(Enum).EnumCases()

	var options []string
	for _, c := range cases {
		cv := reflect.ValueOf(c)
		if !cv.IsValid() || cv.Type() != t {
			continue
		}
		if backed, ok := c.(BackedEnum); ok {
			options = append(options, toString(backed.EnumValue()))
			if sameScalar(backed.EnumValue(), v) {
				return cv, nil
			}
			continue
		}
		name := toString(c)
		options = append(options, name)
		if s, ok := v.(string); ok && s == name {
			return cv, nil
		}
	}
	return reflect.Value{}, &coercionError{
		reason: fmt.Sprintf("%s is not a valid %s; valid options: %s", describe(v), t.Name(), strings.Join(options, ", ")),
	}
}

// sameScalar compares a backing value with caller input, tolerating the
// numeric representation differences introduced by JSON decoding.
func sameScalar(backing, input any) bool {
	if _, ok := backing.(string); ok {
		s, ok := input.(string)
		return ok && s == backing
	}
	want, err := toFloat(backing)
	if err != nil {
		return false
	}
	if _, isString := input.(string); isString {
		return false
	}
	got, err := toFloat(input)
	return err == nil && got == want
}
