package model

import (
	"testing"
	"time"
)

func mustUTC(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

func TestNewTimeframe_RangeValidation(t *testing.T) {
	cases := []struct {
		unit    Unit
		n       int
		wantErr bool
	}{
		{UnitMinute, 0, true},
		{UnitMinute, 1, false},
		{UnitMinute, 1440, false},
		{UnitMinute, 1441, true},
		{UnitHour, 0, true},
		{UnitHour, 24, false},
		{UnitHour, 25, true},
		{UnitDay, 365, false},
		{UnitDay, 366, true},
		{UnitWeek, 52, false},
		{UnitWeek, 53, true},
		{UnitMonth, 12, false},
		{UnitMonth, 13, true},
	}
	for _, tc := range cases {
		_, err := NewTimeframe(tc.unit, tc.n)
		if (err != nil) != tc.wantErr {
			t.Errorf("NewTimeframe(%c, %d): err=%v, wantErr=%v", tc.unit, tc.n, err, tc.wantErr)
		}
	}
}

func TestParseTimeframe_RoundTrip(t *testing.T) {
	for _, s := range []string{"1m", "138m", "1440m", "4h", "24h", "1D", "365D", "1W", "52W", "1M", "12M"} {
		tf, err := ParseTimeframe(s)
		if err != nil {
			t.Fatalf("ParseTimeframe(%q): %v", s, err)
		}
		if got := tf.String(); got != s {
			t.Errorf("ParseTimeframe(%q).String() = %q", s, got)
		}
	}
}

func TestParseTimeframe_Malformed(t *testing.T) {
	for _, s := range []string{"", "4", "h4", "4x", "-4h", "4.5h", "0m", "1441m"} {
		if _, err := ParseTimeframe(s); err == nil {
			t.Errorf("ParseTimeframe(%q): expected error, got nil", s)
		}
	}
}

func TestTimeframe_MarshalUnmarshalText(t *testing.T) {
	tf := MustTimeframe("4h")
	b, err := tf.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	var got Timeframe
	if err := got.UnmarshalText(b); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if !got.Equal(tf) {
		t.Errorf("round trip: got %v, want %v", got, tf)
	}
}

func TestTimeframe_OpenAndSize_Minute(t *testing.T) {
	tf := MustTimeframe("138m")

	cases := []struct {
		instant      string
		wantOpen     string
		wantSizeMins int64
	}{
		{"2024-01-01T01:15:36Z", "2024-01-01T00:00:00Z", 138},
		{"2024-01-01T03:00:00Z", "2024-01-01T02:18:00Z", 138},
		{"2024-01-01T23:00:00Z", "2024-01-01T23:00:00Z", 60},
		{"2024-01-02T00:00:00Z", "2024-01-02T00:00:00Z", 138},
	}
	for _, tc := range cases {
		open, sizeMs, err := tf.OpenAndSize(mustUTC(t, tc.instant))
		if err != nil {
			t.Fatalf("OpenAndSize(%s): %v", tc.instant, err)
		}
		wantOpen := mustUTC(t, tc.wantOpen)
		if !open.Equal(wantOpen) {
			t.Errorf("OpenAndSize(%s).open = %s, want %s", tc.instant, open, wantOpen)
		}
		wantSize := tc.wantSizeMins * int64(time.Minute/time.Millisecond)
		if sizeMs != wantSize {
			t.Errorf("OpenAndSize(%s).size = %dms, want %dms", tc.instant, sizeMs, wantSize)
		}
	}
}

func TestTimeframe_OpenAndSize_Hour(t *testing.T) {
	tf := MustTimeframe("24h")

	open, sizeMs, err := tf.OpenAndSize(mustUTC(t, "2024-01-01T23:59:59Z"))
	if err != nil {
		t.Fatal(err)
	}
	wantOpen := mustUTC(t, "2024-01-01T00:00:00Z")
	if !open.Equal(wantOpen) {
		t.Errorf("open = %s, want %s", open, wantOpen)
	}
	if sizeMs != int64(24*time.Hour/time.Millisecond) {
		t.Errorf("size = %dms, want 24h", sizeMs)
	}

	open2, _, err := tf.OpenAndSize(mustUTC(t, "2024-01-02T00:00:00Z"))
	if err != nil {
		t.Fatal(err)
	}
	if !open2.Equal(mustUTC(t, "2024-01-02T00:00:00Z")) {
		t.Errorf("open2 = %s, want day boundary", open2)
	}
}

func TestTimeframe_OpenAndSize_Day(t *testing.T) {
	// Day(2) windows count from Jan 1, so Feb 1 falls in the window opening Jan 31.
	tf := MustTimeframe("2D")
	open, _, err := tf.OpenAndSize(mustUTC(t, "2024-02-01T12:00:00Z"))
	if err != nil {
		t.Fatal(err)
	}
	if !open.Equal(mustUTC(t, "2024-01-31T00:00:00Z")) {
		t.Errorf("open = %s, want 2024-01-31", open)
	}

	// Day(365) in a leap year (2024, 366 days): final window truncates to 1 day.
	tf365 := MustTimeframe("365D")
	open2, sizeMs, err := tf365.OpenAndSize(mustUTC(t, "2024-12-31T00:00:00Z"))
	if err != nil {
		t.Fatal(err)
	}
	if !open2.Equal(mustUTC(t, "2024-12-31T00:00:00Z")) {
		t.Errorf("open2 = %s, want 2024-12-31", open2)
	}
	if sizeMs != int64(24*time.Hour/time.Millisecond) {
		t.Errorf("size2 = %dms, want 24h", sizeMs)
	}

	// Day(365) in a non-leap year (2023, 365 days): window spans the whole year.
	open3, sizeMs3, err := tf365.OpenAndSize(mustUTC(t, "2023-12-31T00:00:00Z"))
	if err != nil {
		t.Fatal(err)
	}
	if !open3.Equal(mustUTC(t, "2023-01-01T00:00:00Z")) {
		t.Errorf("open3 = %s, want 2023-01-01", open3)
	}
	if sizeMs3 != int64(365*24*time.Hour/time.Millisecond) {
		t.Errorf("size3 = %dms, want 365d", sizeMs3)
	}
}

func TestTimeframe_OpenAndSize_Week(t *testing.T) {
	tf := MustTimeframe("52W")
	open, sizeMs, err := tf.OpenAndSize(mustUTC(t, "2023-01-01T00:00:36Z"))
	if err != nil {
		t.Fatal(err)
	}
	if !open.Equal(mustUTC(t, "2022-01-03T00:00:00Z")) {
		t.Errorf("open = %s, want 2022-01-03", open)
	}
	wantSize := int64(364 * 24 * time.Hour / time.Millisecond)
	if sizeMs != wantSize {
		t.Errorf("size = %dms, want %dms (364 days)", sizeMs, wantSize)
	}
}

func TestTimeframe_OpenAndSize_Month(t *testing.T) {
	tf := MustTimeframe("12M")
	open, sizeMs, err := tf.OpenAndSize(mustUTC(t, "2024-01-01T23:59:59Z"))
	if err != nil {
		t.Fatal(err)
	}
	if !open.Equal(mustUTC(t, "2024-01-01T00:00:00Z")) {
		t.Errorf("open = %s, want 2024-01-01", open)
	}
	wantSize := int64(366 * 24 * time.Hour / time.Millisecond) // 2024 is a leap year
	if sizeMs != wantSize {
		t.Errorf("size = %dms, want %dms (366 days)", sizeMs, wantSize)
	}
}

func TestTimeframe_OpenAndSize_Idempotent(t *testing.T) {
	instants := []string{
		"2024-01-01T01:15:36Z", "2023-01-01T00:00:36Z", "2024-12-31T00:00:00Z",
		"2024-02-29T12:00:00Z",
	}
	tfs := []Timeframe{
		MustTimeframe("138m"), MustTimeframe("24h"), MustTimeframe("2D"),
		MustTimeframe("52W"), MustTimeframe("12M"),
	}
	for _, tf := range tfs {
		for _, s := range instants {
			open, _, err := tf.OpenAndSize(mustUTC(t, s))
			if err != nil {
				t.Fatalf("%v.OpenAndSize(%s): %v", tf, s, err)
			}
			open2, _, err := tf.OpenAndSize(open)
			if err != nil {
				t.Fatalf("%v.OpenAndSize(%s) [idempotence]: %v", tf, open, err)
			}
			if !open.Equal(open2) {
				t.Errorf("%v: OpenAndSize not idempotent: open=%s reopened=%s", tf, open, open2)
			}
		}
	}
}
