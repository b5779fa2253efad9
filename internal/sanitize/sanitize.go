// Package sanitize converts arbitrary decoded values into a JSON-safe,
// SQL-bindable form. Every function here is pure and deterministic.
package sanitize

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
)

// ErrMalformed is returned by Record when the input is not a mapping.
var ErrMalformed = eris.New("sanitize: record is not a mapping")

// Record is a cleaned mapping from column name to a value restricted to
// nil, string, int64, float64 (finite), bool, map[string]any or []any.
type Record map[string]any

// Policy controls which string values are treated as missing. The source
// data uses literal "nan", "nat" and "none" as sentinels, so those are the
// defaults; a literal "None" in user data is therefore lost unless the
// policy is narrowed.
type Policy struct {
	NullStrings []string `yaml:"null_strings" mapstructure:"null_strings"`
	NullEmpty   bool     `yaml:"null_empty_strings" mapstructure:"null_empty_strings"`
	Reserved    []string `yaml:"reserved" mapstructure:"reserved"`
}

// DefaultPolicy returns the sentinel set used by the upstream sources.
func DefaultPolicy() Policy {
	return Policy{
		NullStrings: []string{"nan", "nat", "none"},
		NullEmpty:   true,
		Reserved:    []string{"id", "created_at", "updated_at"},
	}
}

// Sanitizer applies a Policy. It is safe for concurrent use.
type Sanitizer struct {
	nulls     map[string]struct{}
	nullEmpty bool
	reserved  map[string]struct{}
}

// New builds a Sanitizer for the given policy.
func New(p Policy) *Sanitizer {
	s := &Sanitizer{
		nulls:     make(map[string]struct{}, len(p.NullStrings)),
		nullEmpty: p.NullEmpty,
		reserved:  make(map[string]struct{}, len(p.Reserved)),
	}
	for _, n := range p.NullStrings {
		s.nulls[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
	for _, r := range p.Reserved {
		s.reserved[strings.ToLower(r)] = struct{}{}
	}
	return s
}

// WithReserved returns a copy of s that additionally reserves the given
// column names.
func (s *Sanitizer) WithReserved(cols ...string) *Sanitizer {
	out := &Sanitizer{
		nulls:     s.nulls,
		nullEmpty: s.nullEmpty,
		reserved:  make(map[string]struct{}, len(s.reserved)+len(cols)),
	}
	for k := range s.reserved {
		out.reserved[k] = struct{}{}
	}
	for _, c := range cols {
		out.reserved[strings.ToLower(c)] = struct{}{}
	}
	return out
}

// IsNullString reports whether str is a missing-value sentinel under the policy.
func (s *Sanitizer) IsNullString(str string) bool {
	trimmed := strings.TrimSpace(str)
	if trimmed == "" {
		return s.nullEmpty
	}
	_, ok := s.nulls[strings.ToLower(trimmed)]
	return ok
}

// Value converts v into its persistable form. It never panics and never
// returns an error; unknown types fall back to their string form.
func (s *Sanitizer) Value(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if s.IsNullString(t) {
			return nil
		}
		return t
	case bool:
		return t
	case float64:
		return finite(t)
	case float32:
		return finite(float64(t))
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint:
		return fromUint(uint64(t))
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return fromUint(t)
	case json.Number:
		return s.number(t)
	case time.Time:
		return timestamp(t)
	case *time.Time:
		if t == nil {
			return nil
		}
		return timestamp(*t)
	case []byte:
		if utf8.Valid(t) {
			return s.Value(string(t))
		}
		return base64.StdEncoding.EncodeToString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = s.Value(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = s.Value(val)
		}
		return out
	case error:
		return t.Error()
	case fmt.Stringer:
		return t.String()
	}
	return s.reflectValue(reflect.ValueOf(v))
}

func (s *Sanitizer) number(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return finite(f)
	}
	return s.Value(n.String())
}

// reflectValue handles named types, pointers, and maps or slices with
// concrete element types.
func (s *Sanitizer) reflectValue(rv reflect.Value) any {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return s.Value(rv.Elem().Interface())
	case reflect.String:
		return s.Value(rv.String())
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return fromUint(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return finite(rv.Float())
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = s.Value(iter.Value().Interface())
		}
		return out
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			out[i] = s.Value(rv.Index(i).Interface())
		}
		return out
	case reflect.Invalid:
		return nil
	}
	return fmt.Sprint(rv.Interface())
}

// Record sanitizes a raw mapping. Keys that collide case-insensitively with
// a reserved column are renamed with a "_json" suffix. Non-mapping input
// returns ErrMalformed.
func (s *Sanitizer) Record(raw any) (Record, error) {
	m, ok := asMap(raw)
	if !ok {
		return nil, eris.Wrapf(ErrMalformed, "got %T", raw)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(Record, len(m))
	used := make(map[string]struct{}, len(m))
	for _, k := range keys {
		if _, ok := s.reserved[strings.ToLower(k)]; !ok {
			used[strings.ToLower(k)] = struct{}{}
		}
	}
	for _, k := range keys {
		name := k
		if _, ok := s.reserved[strings.ToLower(k)]; ok {
			name = s.unique(k+"_json", used)
		}
		out[name] = s.Value(m[k])
	}
	return out, nil
}

// Columns flattens a record into text columns with SQL-safe identifiers.
// Nested values are encoded as JSON; nil stays nil.
func (s *Sanitizer) Columns(rec Record) Record {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(Record, len(rec))
	used := make(map[string]struct{}, len(rec))
	for _, k := range keys {
		base := Identifier(k)
		if _, ok := s.reserved[base]; ok {
			base += "_json"
		}
		out[s.unique(base, used)] = Text(rec[k])
	}
	return out
}

func (s *Sanitizer) unique(base string, used map[string]struct{}) string {
	name := base
	for i := 1; ; i++ {
		lower := strings.ToLower(name)
		_, taken := used[lower]
		_, reserved := s.reserved[lower]
		if !taken && !reserved {
			used[lower] = struct{}{}
			return name
		}
		name = base + "_" + strconv.Itoa(i)
	}
}

// Text renders an already-sanitized value as a nullable string.
func Text(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// Identifier lowercases name and replaces anything outside [a-z0-9_] with
// underscores. Names starting with a digit get a "t_" prefix.
func Identifier(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	if out == "" || out == "_" {
		return "col"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "t_" + out
	}
	return out
}

func asMap(raw any) (map[string]any, bool) {
	switch m := raw.(type) {
	case map[string]any:
		return m, true
	case Record:
		return m, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String || rv.IsNil() {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

func finite(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

func fromUint(u uint64) any {
	if u > math.MaxInt64 {
		return strconv.FormatUint(u, 10)
	}
	return int64(u)
}

func timestamp(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
