package outcome

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// defaultDurationMinutes is applied when a booking omits durationMinutes (§4.8).
const defaultDurationMinutes = 90

// Booking is the structured booking record extracted from the transcript.
type Booking struct {
	Confirmed       bool
	Restaurant      string
	GuestName       string
	GuestCount      int
	Date            string // YYYY-MM-DD
	Time            string // HH:MM
	DurationMinutes int
	Address         string
}

// BuildCalendarURL builds a Google Calendar "TEMPLATE" event URL for a
// confirmed booking (§4.8 step 4). It never touches the host's time zone:
// the end time is computed by integer minute arithmetic on the booking's
// own (hour, minute, day) components, carrying day overflow by hand.
func BuildCalendarURL(b Booking) (string, error) {
	year, month, day, err := parseDate(b.Date)
	if err != nil {
		return "", fmt.Errorf("outcome: invalid booking date %q: %w", b.Date, err)
	}
	hour, minute, err := parseTime(b.Time)
	if err != nil {
		return "", fmt.Errorf("outcome: invalid booking time %q: %w", b.Time, err)
	}

	duration := b.DurationMinutes
	if duration <= 0 {
		duration = defaultDurationMinutes
	}

	endYear, endMonth, endDay, endHour, endMinute := addMinutes(year, month, day, hour, minute, duration)

	localStart := formatLocalDateTime(year, month, day, hour, minute)
	localEnd := formatLocalDateTime(endYear, endMonth, endDay, endHour, endMinute)

	title := buildTitle(b)
	location := b.Address
	if location == "" {
		location = b.Restaurant
	}

	values := url.Values{}
	values.Set("action", "TEMPLATE")
	values.Set("text", title)
	values.Set("dates", localStart+"/"+localEnd)
	values.Set("ctz", "Europe/Moscow")
	values.Set("location", location)

	return "https://calendar.google.com/calendar/render?" + values.Encode(), nil
}

func buildTitle(b Booking) string {
	var parts []string
	if b.Restaurant != "" {
		parts = append(parts, b.Restaurant)
	}
	if b.GuestName != "" {
		parts = append(parts, "на имя "+b.GuestName)
	}
	if b.GuestCount > 0 {
		parts = append(parts, strconv.Itoa(b.GuestCount)+" чел.")
	}
	if len(parts) == 0 {
		return "Бронирование столика"
	}
	return "Бронь: " + strings.Join(parts, ", ")
}

// parseDate parses a strict YYYY-MM-DD string without any time.Time /
// time-zone-aware parsing.
func parseDate(s string) (year, month, day int, err error) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("expected YYYY-MM-DD")
	}
	year, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, 0, err
	}
	month, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, 0, err
	}
	day, err = strconv.Atoi(parts[2])
	if err != nil {
		return 0, 0, 0, err
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return 0, 0, 0, fmt.Errorf("out of range")
	}
	return year, month, day, nil
}

func parseTime(s string) (hour, minute int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM")
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("out of range")
	}
	return hour, minute, nil
}

var daysInMonth = [...]int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

// addMinutes adds minutes to (year, month, day, hour, minute) using plain
// integer arithmetic, carrying overflow across hour/day/month/year
// boundaries. Deliberately avoids time.Time to prevent any host-timezone
// influence on the result (§9 Design Notes).
func addMinutes(year, month, day, hour, minute, add int) (int, int, int, int, int) {
	totalMinutes := hour*60 + minute + add
	dayCarry := totalMinutes / (24 * 60)
	totalMinutes %= 24 * 60

	hour = totalMinutes / 60
	minute = totalMinutes % 60

	day += dayCarry
	for day > daysInMonthFor(year, month) {
		day -= daysInMonthFor(year, month)
		month++
		if month > 12 {
			month = 1
			year++
		}
	}
	return year, month, day, hour, minute
}

func daysInMonthFor(year, month int) int {
	if month == 2 && isLeapYear(year) {
		return 29
	}
	return daysInMonth[month-1]
}

func isLeapYear(year int) bool {
	return (year%4 == 0 && year%100 != 0) || year%400 == 0
}

func formatLocalDateTime(year, month, day, hour, minute int) string {
	return fmt.Sprintf("%04d%02d%02dT%02d%02d00", year, month, day, hour, minute)
}
