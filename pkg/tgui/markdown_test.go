package tgui

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestBalance(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "sin marcadores", "sin marcadores"},
		{"balanced", "*fuerte* y _cursiva_", "*fuerte* y _cursiva_"},
		{"dangling bold", "*Alerta sísmica", "*Alerta sísmica*"},
		{"dangling italic", "magnitud _6.4", "magnitud _6.4_"},
		{"dangling code", "`raw", "`raw`"},
		{"multiple dangling", "*a _b", "*a _b*_"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Balance(tt.in); got != tt.want {
				t.Errorf("Balance(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestBalanceTruncatesLongText(t *testing.T) {
	in := "*" + strings.Repeat("x", MaxMessageRunes+500)
	got := Balance(in)
	if n := utf8.RuneCountInString(got); n > MaxMessageRunes {
		t.Fatalf("balanced text is %d runes, cap is %d", n, MaxMessageRunes)
	}
	if !strings.Contains(got, "…") {
		t.Fatal("truncated text should carry an ellipsis")
	}
	if strings.Count(got, "*")%2 != 0 {
		t.Fatal("markers still unbalanced after truncation")
	}
}

func TestTruncRunes(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hola", 10, "hola"},
		{"hola", 4, "hola"},
		{"hola", 3, "hol…"},
		{"sísmico", 3, "sís…"},
		{"x", 0, ""},
	}
	for _, tt := range tests {
		if got := TruncRunes(tt.in, tt.n); got != tt.want {
			t.Errorf("TruncRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestEscape(t *testing.T) {
	if got := Escape("a_b*c`d[e"); got != `a\_b\*c`+"\\`"+`d\[e` {
		t.Errorf("Escape = %q", got)
	}
}
