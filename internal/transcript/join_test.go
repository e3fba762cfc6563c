package transcript

import "testing"

func TestSmartJoin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		existing, next, want string
	}{
		{"", "ala", "ala"},
		{"ala", "", "ala"},
		{"Ala ma kota.", "kot ma Alę", "Ala ma kota. kot ma Alę"},
		{"Czy boli?", "Tak", "Czy boli? Tak"},
		{"boli mnie", "Od wczoraj", "boli mnie. Od wczoraj"},
		{"boli mnie", "od wczoraj", "boli mnie od wczoraj"},
		{"  boli  ", "  głowa ", "boli głowa"},
		{"pacjent", "Łukasz", "pacjent. Łukasz"},
	}
	for _, tt := range tests {
		if got := SmartJoin(tt.existing, tt.next); got != tt.want {
			t.Errorf("SmartJoin(%q, %q) = %q, want %q", tt.existing, tt.next, got, tt.want)
		}
	}
}

func TestCountWords(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"   ", 0},
		{"jeden", 1},
		{"jeden  dwa\ntrzy", 3},
	}
	for _, tt := range tests {
		if got := CountWords(tt.in); got != tt.want {
			t.Errorf("CountWords(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
