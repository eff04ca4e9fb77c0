package outcome

import "testing"

func TestParseDefensivelyValidBooking(t *testing.T) {
	text := `{"summary":"Гость забронировал столик","booking":{"confirmed":true,"restaurant":"Прага","guestName":"Анна","guestCount":2,"date":"2026-09-01","time":"19:00","durationMinutes":60,"address":""}}`
	result := parseDefensively(text)
	if result.Summary != "Гость забронировал столик" {
		t.Fatalf("unexpected summary: %q", result.Summary)
	}
	if result.Booking == nil || !result.Booking.Confirmed {
		t.Fatal("expected confirmed booking")
	}
	if result.Booking.GuestCount != 2 {
		t.Fatalf("expected guestCount 2, got %d", result.Booking.GuestCount)
	}
}

func TestParseDefensivelyStripsCodeFence(t *testing.T) {
	text := "```json\n{\"summary\":\"ok\",\"booking\":null}\n```"
	result := parseDefensively(text)
	if result.Summary != "ok" || result.Booking != nil {
		t.Fatalf("got %+v", result)
	}
}

func TestParseDefensivelyUnconfirmedBookingTreatedAsNone(t *testing.T) {
	text := `{"summary":"просто звонок","booking":{"confirmed":false,"restaurant":"x"}}`
	result := parseDefensively(text)
	if result.Booking != nil {
		t.Fatal("expected nil booking when confirmed is false")
	}
}

func TestParseDefensivelyWrongTypeFieldsIgnored(t *testing.T) {
	text := `{"summary":"звонок","booking":{"confirmed":true,"guestCount":"много"}}`
	result := parseDefensively(text)
	if result.Booking == nil || !result.Booking.Confirmed {
		t.Fatal("expected confirmed booking despite bad guestCount type")
	}
	if result.Booking.GuestCount != 0 {
		t.Fatalf("expected guestCount to stay zero-value on type mismatch, got %d", result.Booking.GuestCount)
	}
}

func TestParseDefensivelyMalformedJSONFallsBackToRawText(t *testing.T) {
	text := "это не json вообще"
	result := parseDefensively(text)
	if result.Summary != text || result.Booking != nil {
		t.Fatalf("got %+v", result)
	}
}
