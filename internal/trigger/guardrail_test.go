package trigger

import (
	"strings"
	"testing"
)

func TestSuspicious(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in, out string
		want    bool
	}{
		{"50 to 10 rejected", strings.Repeat("a", 50), strings.Repeat("a", 10), true},
		{"50 to 40 accepted", strings.Repeat("a", 50), strings.Repeat("a", 40), false},
		{"exactly 70 percent accepted", strings.Repeat("a", 50), strings.Repeat("a", 35), false},
		{"short collapses", "co tam?", ".", true},
		{"very short untouched", "tak", "", false},
		{"growth accepted", "czy boli", "Czy boli?", false},
		{"runes not bytes", strings.Repeat("ż", 20), strings.Repeat("ż", 15), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Suspicious(tt.in, tt.out); got != tt.want {
				t.Errorf("Suspicious(%d runes, %d runes) = %v, want %v", len([]rune(tt.in)), len([]rune(tt.out)), got, tt.want)
			}
		})
	}
}

func TestPlausibleAnswer(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		want bool
	}{
		{"Tak, boli mnie od wczoraj.", true},
		{"Tak.", false},
		{"A czy to coś poważnego?", false},
		{"  nie bardzo wiem  ", true},
	}
	for _, tt := range tests {
		if got := plausibleAnswer(tt.text, 3); got != tt.want {
			t.Errorf("plausibleAnswer(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestFallbackCards_Fresh(t *testing.T) {
	t.Parallel()
	a := FallbackCards()
	if len(a) != 3 {
		t.Fatalf("len(FallbackCards()) = %d, want 3", len(a))
	}
	a[0].Text = "changed"
	if b := FallbackCards(); b[0].Text == "changed" {
		t.Error("FallbackCards shares its backing slice")
	}
}
