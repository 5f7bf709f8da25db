package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.yaml.in/yaml/v3"
)

func TestParseTime(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"45s", 45 * time.Second},
		{"2h30m", 2*time.Hour + 30*time.Minute},
		{"1dd 12h", 36 * time.Hour},
		{"1mm", 30 * 24 * time.Hour},
		{"1yy", 365 * 24 * time.Hour},
		{"1yy 2mm 3dd 4h 5m 6s", (365+60+3)*24*time.Hour + 4*time.Hour + 5*time.Minute + 6*time.Second},
	}
	for _, tc := range cases {
		got, err := ParseTime(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseTimeRejectsBadExpressions(t *testing.T) {
	for _, in := range []string{"5x", "30m 2h", "h", "1.5h", "-3s", "99999999999999999999yy"} {
		_, err := ParseTime(in)
		require.Error(t, err, in)
		assert.ErrorIs(t, err, ErrTimeSyntax, in)
		var syntaxErr *TimeSyntaxError
		assert.ErrorAs(t, err, &syntaxErr)
		assert.Equal(t, in, syntaxErr.Input)
	}
}

func TestParseTimeSpec(t *testing.T) {
	ms, err := ParseTimeSpec(1500)
	require.NoError(t, err)
	assert.EqualValues(t, 1500, ms)

	ms, err = ParseTimeSpec(int64(7))
	require.NoError(t, err)
	assert.EqualValues(t, 7, ms)

	ms, err = ParseTimeSpec("1m")
	require.NoError(t, err)
	assert.EqualValues(t, 60000, ms)

	ms, err = ParseTimeSpec(Expr("2s"))
	require.NoError(t, err)
	assert.EqualValues(t, 2000, ms)

	_, err = ParseTimeSpec(1.5)
	assert.ErrorIs(t, err, ErrTimeSyntax)
}

func TestTimeSpecJSON(t *testing.T) {
	var v struct {
		A TimeSpec `json:"a"`
		B TimeSpec `json:"b"`
		C TimeSpec `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 250, "b": "1h", "c": null}`), &v))

	a, _ := v.A.Millis()
	b, _ := v.B.Millis()
	assert.EqualValues(t, 250, a)
	assert.EqualValues(t, 3600000, b)
	assert.True(t, v.C.IsZero())

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 250, "b": "1h", "c": 0}`, string(out))

	err = json.Unmarshal([]byte(`{"a": "soon"}`), &v)
	assert.ErrorIs(t, err, ErrTimeSyntax)
	err = json.Unmarshal([]byte(`{"a": -5}`), &v)
	assert.ErrorIs(t, err, ErrTimeSyntax)
}

func TestTimeSpecYAML(t *testing.T) {
	var v struct {
		A TimeSpec `yaml:"a"`
		B TimeSpec `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 1200\nb: 3dd\n"), &v))
	a, _ := v.A.Millis()
	b, _ := v.B.Millis()
	assert.EqualValues(t, 1200, a)
	assert.EqualValues(t, 3*24*3600*1000, b)

	err := yaml.Unmarshal([]byte("a: 4 fortnights\n"), &v)
	assert.ErrorIs(t, err, ErrTimeSyntax)
}

func TestRepeatCount(t *testing.T) {
	for in, want := range map[string]RepeatCount{"": 0, "3": 3, "unbounded": Unbounded, "Endlessly": Unbounded} {
		got, err := ParseRepeatCount(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseRepeatCount("-2")
	assert.Error(t, err)

	var r RepeatCount
	require.NoError(t, json.Unmarshal([]byte(`"unbounded"`), &r))
	assert.True(t, r.IsUnbounded())
	require.NoError(t, json.Unmarshal([]byte(`4`), &r))
	assert.Equal(t, RepeatCount(4), r)
	assert.Error(t, json.Unmarshal([]byte(`-1`), &r))

	out, err := json.Marshal(Unbounded)
	require.NoError(t, err)
	assert.Equal(t, `"unbounded"`, string(out))
}
