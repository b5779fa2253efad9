package sanitize

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDefault() *Sanitizer {
	return New(DefaultPolicy())
}

func TestValue_NonFiniteFloats(t *testing.T) {
	s := newDefault()
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		assert.Nil(t, s.Value(f))
		assert.Nil(t, s.Value(float32(f)))
	}
	assert.Equal(t, 1.5, s.Value(1.5))
}

func TestValue_NullStrings(t *testing.T) {
	s := newDefault()
	for _, in := range []string{"nan", "NaN", "NAN", "None", "none", "nat", "NaT", "", "   ", "\t\n", " None "} {
		assert.Nil(t, s.Value(in), "input %q", in)
	}
	assert.Equal(t, "nonempty", s.Value("nonempty"))
	assert.Equal(t, " keep ", s.Value(" keep "))
}

func TestValue_NarrowedPolicyKeepsNone(t *testing.T) {
	s := New(Policy{NullStrings: []string{"nan", "nat"}, NullEmpty: false})
	assert.Equal(t, "None", s.Value("None"))
	assert.Equal(t, "", s.Value(""))
	assert.Nil(t, s.Value("NaN"))
}

func TestValue_Timestamps(t *testing.T) {
	s := newDefault()
	ts := time.Date(2023, 4, 5, 6, 7, 8, 0, time.UTC)
	assert.Equal(t, "2023-04-05T06:07:08Z", s.Value(ts))
	assert.Equal(t, "2023-04-05T06:07:08Z", s.Value(&ts))
	assert.Nil(t, s.Value(time.Time{}))

	var nilTime *time.Time
	assert.Nil(t, s.Value(nilTime))
}

func TestValue_Integers(t *testing.T) {
	s := newDefault()
	assert.Equal(t, int64(7), s.Value(7))
	assert.Equal(t, int64(7), s.Value(int8(7)))
	assert.Equal(t, int64(7), s.Value(uint16(7)))
	assert.Equal(t, "18446744073709551615", s.Value(uint64(math.MaxUint64)))
}

func TestValue_JSONNumbers(t *testing.T) {
	s := newDefault()
	assert.Equal(t, int64(42), s.Value(json.Number("42")))
	assert.Equal(t, 4.25, s.Value(json.Number("4.25")))
}

type opaque struct{ A int }

type named string

func TestValue_Fallbacks(t *testing.T) {
	s := newDefault()
	assert.Equal(t, "{3}", s.Value(opaque{A: 3}))
	assert.Equal(t, "boom", s.Value(errors.New("boom")))
	assert.Equal(t, "x", s.Value(named("x")))
	assert.Nil(t, s.Value(named("NaN")))
	assert.Equal(t, "raw", s.Value([]byte("raw")))
	assert.Equal(t, "/w==", s.Value([]byte{0xff}))
}

func TestValue_Nested(t *testing.T) {
	s := newDefault()
	in := map[string]any{
		"a": math.NaN(),
		"b": []any{"none", 1, map[string]any{"c": math.Inf(1), "d": "ok"}},
		"e": map[string]float64{"f": math.NaN(), "g": 2},
		"h": []int{1, 2},
	}
	out := s.Value(in).(map[string]any)
	assert.Nil(t, out["a"])
	b := out["b"].([]any)
	assert.Nil(t, b[0])
	assert.Equal(t, int64(1), b[1])
	assert.Equal(t, map[string]any{"c": nil, "d": "ok"}, b[2])
	assert.Equal(t, map[string]any{"f": nil, "g": 2.0}, out["e"])
	assert.Equal(t, []any{int64(1), int64(2)}, out["h"])

	_, err := json.Marshal(out)
	require.NoError(t, err)
}

func TestValue_Deterministic(t *testing.T) {
	s := newDefault()
	in := map[string]any{"x": []any{1.0, "NaT", time.Unix(0, 0).UTC()}}
	assert.Equal(t, s.Value(in), s.Value(in))
}

func TestRecord_Malformed(t *testing.T) {
	s := newDefault()
	for _, raw := range []any{nil, "string", 12, []any{1}, map[int]any{1: 2}} {
		_, err := s.Record(raw)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMalformed)
	}
}

func TestRecord_ReservedKeysRenamed(t *testing.T) {
	s := newDefault().WithReserved("year")
	rec, err := s.Record(map[string]any{"ID": 1, "Year": 2020, "year_json": "taken", "name": "x"})
	require.NoError(t, err)

	for k := range rec {
		lower := strings.ToLower(k)
		assert.NotEqual(t, "id", lower)
		assert.NotEqual(t, "year", lower)
	}
	assert.Equal(t, int64(1), rec["ID_json"])
	assert.Equal(t, "taken", rec["year_json"])
	assert.Equal(t, int64(2020), rec["Year_json_1"])
	assert.Equal(t, "x", rec["name"])
}

func TestRecord_TypedMap(t *testing.T) {
	s := newDefault()
	rec, err := s.Record(map[string]string{"a": "nan", "b": "1"})
	require.NoError(t, err)
	assert.Equal(t, Record{"a": nil, "b": "1"}, rec)
}

func TestColumns(t *testing.T) {
	s := newDefault().WithReserved("year", "fetched_at")
	rec := Record{
		"School Name": "Lincoln",
		"year":        int64(2020),
		"enrollment":  int64(12),
		"ratio":       0.5,
		"charter":     true,
		"missing":     nil,
		"tags":        []any{"a", "b"},
		"9th-grade":   "x",
	}
	cols := s.Columns(rec)
	assert.Equal(t, "Lincoln", cols["school_name"])
	assert.Equal(t, "2020", cols["year_json"])
	assert.Equal(t, "12", cols["enrollment"])
	assert.Equal(t, "0.5", cols["ratio"])
	assert.Equal(t, "true", cols["charter"])
	assert.Nil(t, cols["missing"])
	assert.Equal(t, `["a","b"]`, cols["tags"])
	assert.Equal(t, "x", cols["t_9th_grade"])
}

func TestIdentifier(t *testing.T) {
	cases := map[string]string{
		"School Name":   "school_name",
		"a--b":          "a_b",
		"2020_total":    "t_2020_total",
		"":              "col",
		"ÀccentedName":  "_ccentedname",
		"ncessch":       "ncessch",
		"Grade (12th)!": "grade_12th_",
	}
	for in, want := range cases {
		assert.Equal(t, want, Identifier(in), in)
	}
}
