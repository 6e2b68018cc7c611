// Package model holds the domain entities shared across every component of
// the pipeline: Timeframe, Candle, FVG, Swing, Trade and the ticker wire
// shapes. Entities are plain structs with JSON tags — ownership lives in the
// store, copies flowing over the bus are immutable snapshots.
package model

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Unit is the single-letter token that follows the integer count in a
// Timeframe's textual form, e.g. the "h" in "4h".
type Unit byte

const (
	UnitMonth  Unit = 'M'
	UnitWeek   Unit = 'W'
	UnitDay    Unit = 'D'
	UnitHour   Unit = 'h'
	UnitMinute Unit = 'm'
)

// Timeframe is a tagged variant over five granularities. Use NewTimeframe or
// ParseTimeframe to construct one — the zero value is not a valid Timeframe.
type Timeframe struct {
	unit Unit
	n    int
}

// InvalidTimeframeError reports a Timeframe constructed or parsed with an
// out-of-range count, or a string that does not match the timeframe grammar.
type InvalidTimeframeError struct {
	Reason string
}

func (e *InvalidTimeframeError) Error() string {
	return "invalid timeframe: " + e.Reason
}

var timeframeRe = regexp.MustCompile(`^(\d+)([MWDhm])$`)

var unitRanges = map[Unit][2]int{
	UnitMonth:  {1, 12},
	UnitWeek:   {1, 52},
	UnitDay:    {1, 365},
	UnitHour:   {1, 24},
	UnitMinute: {1, 1440},
}

func unitName(u Unit) string {
	switch u {
	case UnitMonth:
		return "Month"
	case UnitWeek:
		return "Week"
	case UnitDay:
		return "Day"
	case UnitHour:
		return "Hour"
	case UnitMinute:
		return "Minute"
	default:
		return "Unknown"
	}
}

// NewTimeframe constructs and validates a Timeframe of the given unit and
// count. Out-of-range n is rejected with InvalidTimeframeError rather than
// silently accepted — see spec.md §9 on Minute(0)/off-by-one bugs upstream.
func NewTimeframe(unit Unit, n int) (Timeframe, error) {
	rng, ok := unitRanges[unit]
	if !ok {
		return Timeframe{}, &InvalidTimeframeError{Reason: fmt.Sprintf("unknown unit %q", unit)}
	}
	if n < rng[0] || n > rng[1] {
		return Timeframe{}, &InvalidTimeframeError{
			Reason: fmt.Sprintf("%s(%d) out of range [%d,%d]", unitName(unit), n, rng[0], rng[1]),
		}
	}
	return Timeframe{unit: unit, n: n}, nil
}

// ParseTimeframe parses the textual form `^(\d+)([MWDhm])$`, e.g. "4h",
// "1D", "138m". Fails with InvalidTimeframeError on malformed input or an
// out-of-range count.
func ParseTimeframe(s string) (Timeframe, error) {
	m := timeframeRe.FindStringSubmatch(s)
	if m == nil {
		return Timeframe{}, &InvalidTimeframeError{Reason: fmt.Sprintf("%q does not match ^(\\d+)([MWDhm])$", s)}
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return Timeframe{}, &InvalidTimeframeError{Reason: err.Error()}
	}
	return NewTimeframe(Unit(m[2][0]), n)
}

// MustTimeframe is ParseTimeframe that panics on error — for package-level
// configuration constants only (see aggregator.DefaultTimeframes).
func MustTimeframe(s string) Timeframe {
	tf, err := ParseTimeframe(s)
	if err != nil {
		panic(err)
	}
	return tf
}

// String renders the timeframe's short textual form, e.g. "4h", "1D".
func (tf Timeframe) String() string {
	return strconv.Itoa(tf.n) + string(tf.unit)
}

// MarshalText implements encoding.TextMarshaler so a Timeframe serializes as
// its short token directly inside JSON entities and as a URL query value.
func (tf Timeframe) MarshalText() ([]byte, error) {
	return []byte(tf.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (tf *Timeframe) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeframe(string(b))
	if err != nil {
		return err
	}
	*tf = parsed
	return nil
}

// Unit returns the timeframe's granularity unit.
func (tf Timeframe) Unit() Unit { return tf.unit }

// N returns the timeframe's count within its unit.
func (tf Timeframe) N() int { return tf.n }

// Equal reports whether two timeframes denote the same bucketing.
func (tf Timeframe) Equal(other Timeframe) bool {
	return tf.unit == other.unit && tf.n == other.n
}

// OpenAndSize maps a UTC instant to the unique window opening on or before
// it for this timeframe, and the window length in milliseconds. See
// spec.md §4.1 for the per-unit alignment rules.
func (tf Timeframe) OpenAndSize(instant time.Time) (time.Time, int64, error) {
	if _, ok := unitRanges[tf.unit]; !ok || tf.n == 0 {
		return time.Time{}, 0, &InvalidTimeframeError{Reason: "zero-value Timeframe"}
	}
	instant = instant.UTC()

	switch tf.unit {
	case UnitMonth:
		return tf.openAndSizeMonth(instant)
	case UnitWeek:
		return tf.openAndSizeWeek(instant)
	case UnitDay:
		return tf.openAndSizeDay(instant)
	case UnitHour:
		return tf.openAndSizeSubDay(instant, time.Hour)
	case UnitMinute:
		return tf.openAndSizeSubDay(instant, time.Minute)
	default:
		return time.Time{}, 0, &InvalidTimeframeError{Reason: fmt.Sprintf("unknown unit %q", tf.unit)}
	}
}

// openAndSizeSubDay handles Minute(x) and Hour(x): windows align to the
// start of the UTC day and truncate at midnight.
func (tf Timeframe) openAndSizeSubDay(instant time.Time, unit time.Duration) (time.Time, int64, error) {
	startOfDay := time.Date(instant.Year(), instant.Month(), instant.Day(), 0, 0, 0, 0, time.UTC)
	nextDay := startOfDay.AddDate(0, 0, 1)
	step := time.Duration(tf.n) * unit
	since := instant.Sub(startOfDay)
	open := startOfDay.Add(step * (since / step))
	size := nextDay.Sub(open)
	if size > step {
		size = step
	}
	return open, size.Milliseconds(), nil
}

// openAndSizeDay handles Day(x): windows align to Jan 1 of the instant's
// year and truncate at the year boundary.
func (tf Timeframe) openAndSizeDay(instant time.Time) (time.Time, int64, error) {
	janFirst := time.Date(instant.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	nextYear := time.Date(instant.Year()+1, 1, 1, 0, 0, 0, 0, time.UTC)
	step := time.Duration(tf.n) * 24 * time.Hour
	since := instant.Sub(janFirst)
	open := janFirst.Add(step * (since / step))
	size := nextYear.Sub(open)
	if size > step {
		size = step
	}
	return open, size.Milliseconds(), nil
}

// openAndSizeWeek handles Week(x): windows align on ISO-week boundaries
// starting Monday of ISO-week 1, stepping by 7x days and truncating at the
// ISO-year boundary.
func (tf Timeframe) openAndSizeWeek(instant time.Time) (time.Time, int64, error) {
	isoYear, isoWeek := instant.ISOWeek()
	week1Monday := isoWeekMonday(isoYear, 1)
	stepWeeks := tf.n
	weeksSinceWeek1 := isoWeek - 1
	windowIndex := weeksSinceWeek1 / stepWeeks
	open := week1Monday.AddDate(0, 0, 7*stepWeeks*windowIndex)
	nextISOYearMonday := isoWeekMonday(isoYear+1, 1)
	step := time.Duration(7*stepWeeks) * 24 * time.Hour
	size := nextISOYearMonday.Sub(open)
	if size > step {
		size = step
	}
	return open, size.Milliseconds(), nil
}

// isoWeekMonday returns the UTC midnight of the Monday starting the given
// ISO year/week.
func isoWeekMonday(isoYear, isoWeek int) time.Time {
	// Jan 4th is always in ISO week 1 of its year.
	jan4 := time.Date(isoYear, 1, 4, 0, 0, 0, 0, time.UTC)
	_, jan4Week := jan4.ISOWeek()
	offsetToWeek1Monday := -(int(jan4.Weekday()+6) % 7) // days back to that week's Monday
	week1Monday := jan4.AddDate(0, 0, offsetToWeek1Monday)
	_ = jan4Week
	return week1Monday.AddDate(0, 0, 7*(isoWeek-1))
}

// openAndSizeMonth handles Month(x): windows align to January and step by
// x calendar months.
func (tf Timeframe) openAndSizeMonth(instant time.Time) (time.Time, int64, error) {
	year := instant.Year()
	month := int(instant.Month())
	openMonth := 1 + ((month - 1) / tf.n) * tf.n
	open := time.Date(year, time.Month(openMonth), 1, 0, 0, 0, 0, time.UTC)

	var next time.Time
	if openMonth+tf.n > 12 {
		next = time.Date(year+1, 1, 1, 0, 0, 0, 0, time.UTC)
	} else {
		next = time.Date(year, time.Month(openMonth+tf.n), 1, 0, 0, 0, 0, time.UTC)
	}
	size := next.Sub(open)
	return open, size.Milliseconds(), nil
}
