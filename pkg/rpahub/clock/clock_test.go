package clock

import (
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	cases := []struct {
		expr    string
		wantErr bool
	}{
		{"*/15 * * * *", false},
		{"0 8 * * 1-5", false},
		{"30 3 1 * *", false},
		{"* * * * * *", true}, // 6 fields
		{"* * * *", true},     // 4 fields
		{"61 * * * *", true},
		{"@daily", true},
	}
	for _, tc := range cases {
		_, err := ParseCron(tc.expr)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseCron(%q) err=%v, wantErr=%v", tc.expr, err, tc.wantErr)
		}
	}
}

func TestFireTimesWalk(t *testing.T) {
	after := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	until := after.Add(time.Hour)

	fires, err := FireTimes("*/15 * * * *", time.UTC, after, until, 0)
	if err != nil {
		t.Fatalf("FireTimes failed: %v", err)
	}
	want := []time.Time{
		time.Date(2025, 3, 1, 10, 15, 0, 0, time.UTC),
		time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC),
		time.Date(2025, 3, 1, 10, 45, 0, 0, time.UTC),
		time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC),
	}
	if len(fires) != len(want) {
		t.Fatalf("got %d fires, want %d: %v", len(fires), len(want), fires)
	}
	for i := range want {
		if !fires[i].Equal(want[i]) {
			t.Errorf("fire[%d] = %v, want %v", i, fires[i], want[i])
		}
	}
}

func TestFireTimesExcludesAfterIncludesUntil(t *testing.T) {
	after := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	until := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)

	fires, err := FireTimes("0 * * * *", time.UTC, after, until, 0)
	if err != nil {
		t.Fatalf("FireTimes failed: %v", err)
	}
	// 10:00 itself is excluded (it was the previous walk's endpoint);
	// 11:00 is included.
	if len(fires) != 1 || !fires[0].Equal(until) {
		t.Fatalf("got %v, want exactly [%v]", fires, until)
	}
}

func TestFireTimesSkipsSpringForwardGap(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}
	// On 2025-03-09 the 02:00-02:59 hour does not exist in New York.
	after := time.Date(2025, 3, 9, 0, 0, 0, 0, loc)
	until := time.Date(2025, 3, 9, 6, 0, 0, 0, loc)

	fires, err := FireTimes("30 2 * * *", loc, after.UTC(), until.UTC(), 0)
	if err != nil {
		t.Fatalf("FireTimes failed: %v", err)
	}
	if len(fires) != 0 {
		t.Fatalf("02:30 fired during the DST gap: %v", fires)
	}
}

func TestFireTimesLimit(t *testing.T) {
	after := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	until := after.Add(24 * time.Hour)

	fires, err := FireTimes("* * * * *", time.UTC, after, until, 10)
	if err != nil {
		t.Fatalf("FireTimes failed: %v", err)
	}
	if len(fires) != 10 {
		t.Fatalf("got %d fires, want cap of 10", len(fires))
	}
}

func TestParseHHMM(t *testing.T) {
	cases := []struct {
		in      string
		hour    int
		minute  int
		wantErr bool
	}{
		{"08:30", 8, 30, false},
		{"00:00", 0, 0, false},
		{"23:59", 23, 59, false},
		{"24:00", 0, 0, true},
		{"12:60", 0, 0, true},
		{"830", 0, 0, true},
		{"", 0, 0, true},
	}
	for _, tc := range cases {
		h, m, err := ParseHHMM(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseHHMM(%q) err=%v, wantErr=%v", tc.in, err, tc.wantErr)
			continue
		}
		if err == nil && (h != tc.hour || m != tc.minute) {
			t.Errorf("ParseHHMM(%q) = %d:%d, want %d:%d", tc.in, h, m, tc.hour, tc.minute)
		}
	}
}

func TestInWindow(t *testing.T) {
	at := func(hour, minute int) time.Time {
		return time.Date(2025, 6, 10, hour, minute, 0, 0, time.UTC)
	}
	cases := []struct {
		name       string
		t          time.Time
		start, end string
		want       bool
		wantErr    bool
	}{
		{"inside plain window", at(10, 0), "08:00", "18:00", true, false},
		{"boundary start", at(8, 0), "08:00", "18:00", true, false},
		{"boundary end", at(18, 0), "08:00", "18:00", true, false},
		{"outside plain window", at(19, 0), "08:00", "18:00", false, false},
		{"night wrap inside late", at(23, 30), "22:00", "06:00", true, false},
		{"night wrap inside early", at(3, 0), "22:00", "06:00", true, false},
		{"night wrap outside", at(12, 0), "22:00", "06:00", false, false},
		{"no window", at(12, 0), "", "", true, false},
		{"half-open window is invalid", at(12, 0), "08:00", "", false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := InWindow(tc.t, time.UTC, tc.start, tc.end)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v, wantErr=%v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestLoadLocationFallback(t *testing.T) {
	if loc := LoadLocation("Not/AZone", "UTC"); loc != time.UTC {
		t.Fatalf("expected UTC fallback, got %v", loc)
	}
	if loc := LoadLocation("", "Also/Bogus"); loc != time.UTC {
		t.Fatalf("expected UTC double fallback, got %v", loc)
	}
}
