package core

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Unit sizes are fixed and not calendar-aware: a year is 365 days, a month 30 days.
const (
	msSecond int64 = 1000
	msMinute       = 60 * msSecond
	msHour         = 60 * msMinute
	msDay          = 24 * msHour
	msMonth        = 30 * msDay
	msYear         = 365 * msDay
)

var timeExpr = regexp.MustCompile(`^(?:(\d+)yy)?\s*(?:(\d+)mm)?\s*(?:(\d+)dd)?\s*(?:(\d+)h)?\s*(?:(\d+)m)?\s*(?:(\d+)s)?$`)

// unit sizes in submatch order.
var timeUnits = [...]int64{msYear, msMonth, msDay, msHour, msMinute, msSecond}

// ParseTime converts an expression such as "2h30m" or "1dd 12h" into a duration.
// Components must appear largest first; any subset may be omitted.
func ParseTime(expr string) (time.Duration, error) {
	ms, err := parseExpr(expr)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// ParseTimeSpec accepts either integer milliseconds, returned unchanged, or a
// string expression, and returns milliseconds.
func ParseTimeSpec(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint32:
		return int64(t), nil
	case string:
		return parseExpr(t)
	case TimeSpec:
		return t.Millis()
	default:
		return 0, &TimeSyntaxError{Input: fmt.Sprint(v), Reason: fmt.Sprintf("unsupported type %T", v)}
	}
}

func parseExpr(expr string) (int64, error) {
	m := timeExpr.FindStringSubmatch(expr)
	if m == nil {
		return 0, &TimeSyntaxError{Input: expr, Reason: "unknown suffix or wrong order"}
	}
	var total int64
	for i, unit := range timeUnits {
		raw := m[i+1]
		if raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n > (math.MaxInt64-total)/unit {
			return 0, &TimeSyntaxError{Input: expr, Reason: "value out of range"}
		}
		total += n * unit
	}
	return total, nil
}

// TimeSpec is a duration given either as raw milliseconds or as an expression.
// The zero value is zero milliseconds.
type TimeSpec struct {
	expr   string
	ms     int64
	isExpr bool
}

// Millis returns a TimeSpec of already-resolved milliseconds.
func Millis(ms int64) TimeSpec { return TimeSpec{ms: ms} }

// Expr returns a TimeSpec backed by an expression. It is validated lazily;
// use ParseTime to validate eagerly.
func Expr(expr string) TimeSpec { return TimeSpec{expr: expr, isExpr: true} }

// Millis resolves the spec to milliseconds.
func (t TimeSpec) Millis() (int64, error) {
	if !t.isExpr {
		if t.ms < 0 {
			return 0, &TimeSyntaxError{Input: strconv.FormatInt(t.ms, 10), Reason: "negative milliseconds"}
		}
		return t.ms, nil
	}
	return parseExpr(t.expr)
}

// Duration resolves the spec to a time.Duration.
func (t TimeSpec) Duration() (time.Duration, error) {
	ms, err := t.Millis()
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// IsZero reports whether the spec is the zero value.
func (t TimeSpec) IsZero() bool { return !t.isExpr && t.ms == 0 }

func (t TimeSpec) String() string {
	if t.isExpr {
		return t.expr
	}
	return strconv.FormatInt(t.ms, 10)
}

func (t TimeSpec) MarshalJSON() ([]byte, error) {
	if t.isExpr {
		return json.Marshal(t.expr)
	}
	return json.Marshal(t.ms)
}

func (t *TimeSpec) UnmarshalJSON(data []byte) error {
	var v any
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	return t.set(v)
}

func (t *TimeSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.ShortTag() == "!!int" {
		var ms int64
		if err := node.Decode(&ms); err != nil {
			return err
		}
		return t.set(ms)
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return t.set(s)
}

func (t *TimeSpec) set(v any) error {
	var spec TimeSpec
	switch x := v.(type) {
	case nil:
	case json.Number:
		ms, err := x.Int64()
		if err != nil {
			return &TimeSyntaxError{Input: x.String(), Reason: "milliseconds must be an integer"}
		}
		spec = Millis(ms)
	case int64:
		spec = Millis(x)
	case string:
		spec = Expr(x)
	default:
		return &TimeSyntaxError{Input: fmt.Sprint(v), Reason: fmt.Sprintf("unsupported type %T", v)}
	}
	if _, err := spec.Millis(); err != nil {
		return err
	}
	*t = spec
	return nil
}
