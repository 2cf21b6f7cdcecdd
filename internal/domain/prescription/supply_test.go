package prescription

import (
	"testing"
	"time"
)

func date(s string) time.Time {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestRemainingDays(t *testing.T) {
	cases := []struct {
		name       string
		prescribed string
		days       int
		today      string
		want       int
	}{
		{name: "mid supply", prescribed: "2024-01-01", days: 14, today: "2024-01-10", want: 5},
		{name: "prescribed today", prescribed: "2024-03-05", days: 10, today: "2024-03-05", want: 10},
		{name: "last day", prescribed: "2024-01-01", days: 5, today: "2024-01-05", want: 1},
		{name: "exhausted exactly", prescribed: "2024-01-01", days: 5, today: "2024-01-06", want: 0},
		{name: "long exhausted", prescribed: "2023-01-01", days: 30, today: "2024-06-01", want: 0},
		{name: "zero days supply", prescribed: "2024-01-01", days: 0, today: "2024-01-01", want: 0},
		{name: "across month boundary", prescribed: "2024-01-28", days: 7, today: "2024-02-01", want: 3},
		{name: "leap day", prescribed: "2024-02-27", days: 3, today: "2024-02-29", want: 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := RemainingDays(date(tc.prescribed), tc.days, date(tc.today))
			if got != tc.want {
				t.Errorf("RemainingDays(%s, %d, %s) = %d, want %d",
					tc.prescribed, tc.days, tc.today, got, tc.want)
			}
		})
	}
}

func TestRemainingDaysIgnoresTimeOfDay(t *testing.T) {
	prescribed := date("2024-01-01")
	morning := time.Date(2024, 1, 10, 0, 1, 0, 0, time.UTC)
	evening := time.Date(2024, 1, 10, 23, 59, 0, 0, time.UTC)

	if a, b := RemainingDays(prescribed, 14, morning), RemainingDays(prescribed, 14, evening); a != b {
		t.Errorf("result changed within the same day: %d vs %d", a, b)
	}
}

func TestRemainingDaysNeverNegative(t *testing.T) {
	today := date("2024-06-01")
	for d := 0; d <= 40; d++ {
		for offset := -60; offset <= 60; offset += 5 {
			p := today.AddDate(0, 0, offset)
			if got := RemainingDays(p, d, today); got < 0 {
				t.Fatalf("RemainingDays(%s, %d, %s) = %d, want >= 0",
					p.Format(DateLayout), d, today.Format(DateLayout), got)
			}
		}
	}
}
