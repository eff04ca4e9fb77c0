package outcome

import "testing"

func TestSanitizeTaskStripsDialPhrase(t *testing.T) {
	in := "Позвонить по номеру +7 999 123-45-67 и узнать про бронь на завтра"
	got := SanitizeTask(in)
	want := "Узнать про бронь на завтра"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSanitizeTaskCollapsesWhitespaceAndCaps(t *testing.T) {
	in := "  привет    мир  "
	got := SanitizeTask(in)
	if got != "Привет мир" {
		t.Fatalf("got %q", got)
	}
}

func TestSanitizeTaskIsIdempotent(t *testing.T) {
	in := "Позвонить +79991234567 и спросить про столик"
	once := SanitizeTask(in)
	twice := SanitizeTask(once)
	if once != twice {
		t.Fatalf("not idempotent: once=%q twice=%q", once, twice)
	}
}

func TestSanitizeTaskCapsLength(t *testing.T) {
	long := make([]rune, 400)
	for i := range long {
		long[i] = 'а'
	}
	got := SanitizeTask(string(long))
	if len([]rune(got)) != maxTaskLength {
		t.Fatalf("expected length %d, got %d", maxTaskLength, len([]rune(got)))
	}
}
