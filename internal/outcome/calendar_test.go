package outcome

import (
	"net/url"
	"strings"
	"testing"
)

func TestBuildCalendarURLRoundTrip(t *testing.T) {
	b := Booking{
		Confirmed:       true,
		Restaurant:      "Прага",
		GuestName:       "Иван",
		GuestCount:      4,
		Date:            "2026-08-15",
		Time:            "23:30",
		DurationMinutes: 90,
		Address:         "ул. Арбат, 1",
	}

	rawURL, err := BuildCalendarURL(b)
	if err != nil {
		t.Fatalf("BuildCalendarURL: %v", err)
	}

	if strings.ContainsAny(rawURL, "Прага") {
		t.Fatal("expected no raw Cyrillic in the final URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	q := parsed.Query()

	if q.Get("action") != "TEMPLATE" {
		t.Fatalf("expected action=TEMPLATE, got %q", q.Get("action"))
	}
	if q.Get("ctz") != "Europe/Moscow" {
		t.Fatalf("expected ctz=Europe/Moscow, got %q", q.Get("ctz"))
	}

	dates := q.Get("dates")
	parts := strings.Split(dates, "/")
	if len(parts) != 2 {
		t.Fatalf("expected start/end dates, got %q", dates)
	}
	if parts[0] != "20260815T233000" {
		t.Fatalf("expected start 20260815T233000, got %q", parts[0])
	}
	// 23:30 + 90 min crosses midnight into the next day.
	if parts[1] != "20260816T010000" {
		t.Fatalf("expected end 20260816T010000 (day carry), got %q", parts[1])
	}

	wantTitle := "Бронь: Прага, на имя Иван, 4 чел."
	if q.Get("text") != wantTitle {
		t.Fatalf("expected title %q, got %q", wantTitle, q.Get("text"))
	}
}

func TestBuildCalendarURLDefaultDuration(t *testing.T) {
	b := Booking{Confirmed: true, Date: "2026-01-01", Time: "12:00"}
	rawURL, err := BuildCalendarURL(b)
	if err != nil {
		t.Fatalf("BuildCalendarURL: %v", err)
	}
	parsed, _ := url.Parse(rawURL)
	dates := parsed.Query().Get("dates")
	parts := strings.Split(dates, "/")
	if parts[1] != "20260101T133000" {
		t.Fatalf("expected default 90 min duration end 20260101T133000, got %q", parts[1])
	}
}

func TestBuildCalendarURLInvalidDate(t *testing.T) {
	b := Booking{Confirmed: true, Date: "not-a-date", Time: "12:00"}
	if _, err := BuildCalendarURL(b); err == nil {
		t.Fatal("expected error for invalid date")
	}
}

func TestBuildCalendarURLLeapYearFebruary(t *testing.T) {
	b := Booking{Confirmed: true, Date: "2028-02-28", Time: "23:00", DurationMinutes: 120}
	rawURL, err := BuildCalendarURL(b)
	if err != nil {
		t.Fatalf("BuildCalendarURL: %v", err)
	}
	parsed, _ := url.Parse(rawURL)
	parts := strings.Split(parsed.Query().Get("dates"), "/")
	if parts[1] != "20280229T010000" {
		t.Fatalf("expected leap-year Feb 29 carry, got %q", parts[1])
	}
}

func TestBuildCalendarURLTitleFallback(t *testing.T) {
	b := Booking{Confirmed: true, Date: "2026-01-01", Time: "12:00"}
	rawURL, _ := BuildCalendarURL(b)
	parsed, _ := url.Parse(rawURL)
	if parsed.Query().Get("text") != "Бронирование столика" {
		t.Fatalf("expected fallback title, got %q", parsed.Query().Get("text"))
	}
}
