package schedule

import (
	"strconv"
	"testing"
	"time"
)

var base = time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)

func TestParseCron(t *testing.T) {
	s, err := Parse(`{"kind":"cron","cron_expr":"0 9 * * *"}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != KindCron || s.CronExpr != "0 9 * * *" {
		t.Errorf("unexpected schedule %+v", s)
	}
}

func TestNextCron(t *testing.T) {
	next := NextRun(`{"kind":"cron","cron_expr":"0 9 * * *"}`, base)
	if next == nil {
		t.Fatal("expected next run time, got nil")
	}
	want := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestNextInterval(t *testing.T) {
	next := NextRun(`{"kind":"interval","interval_ms":60000}`, base)
	if next == nil {
		t.Fatal("expected next run time, got nil")
	}
	if got := next.Sub(base); got != time.Minute {
		t.Errorf("expected one minute, got %v", got)
	}
}

func TestNextOnce(t *testing.T) {
	at := base.Add(time.Hour)
	raw := `{"kind":"once","at_ms":` + strconv.FormatInt(at.UnixMilli(), 10) + `}`

	next := NextRun(raw, base)
	if next == nil || !next.Equal(at) {
		t.Fatalf("expected %v, got %v", at, next)
	}
	if NextRun(raw, at) != nil {
		t.Error("expected no run once the time has passed")
	}
	if first := FirstRun(raw, at.Add(time.Hour)); first == nil || !first.Equal(at) {
		t.Error("a past one-off schedule still gets a first run")
	}
}

func TestNextInvalid(t *testing.T) {
	for _, raw := range []string{"nope", `{"kind":"weekly"}`, `{"kind":"cron","cron_expr":"bad"}`} {
		if NextRun(raw, base) != nil {
			t.Errorf("expected nil for %s", raw)
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"0 9 * * 1-5", `{"kind":"cron","cron_expr":"0 9 * * 1-5"}`},
		{"  * * * * *  ", `{"kind":"cron","cron_expr":"* * * * *"}`},
		{"every 6h", `{"kind":"interval","interval_ms":21600000}`},
		{"90m", `{"kind":"interval","interval_ms":5400000}`},
		{`{"kind":"interval","interval_ms":60000}`, `{"kind":"interval","interval_ms":60000}`},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if err != nil {
			t.Errorf("Normalize(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Normalize(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeInvalid(t *testing.T) {
	for _, in := range []string{
		"not a schedule",
		`{"kind":"cron","cron_expr":"invalid"}`,
		`{"kind":"weekly"}`,
		`{"kind":"interval","interval_ms":10}`,
		"100ms",
	} {
		if _, err := Normalize(in); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"kind":"interval","interval_ms":3600000}`, "Every hour"},
		{`{"kind":"interval","interval_ms":7200000}`, "Every 2 hours"},
		{`{"kind":"interval","interval_ms":300000}`, "Every 5 minutes"},
		{`{"kind":"interval","interval_ms":45000}`, "Every 45 seconds"},
		{`{"kind":"cron","cron_expr":"0 9 * * *"}`, "Cron: 0 9 * * *"},
		{"garbage", "garbage"},
	}
	for _, tt := range tests {
		if got := Describe(tt.in); got != tt.want {
			t.Errorf("Describe(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
