package agent

import (
	"strings"
	"testing"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain", "Facture créée.", "Facture créée."},
		{"blanks", "  Un   deux\t trois  \n\n\n\nquatre ", "Un deux trois\n\nquatre"},
		{"markup", "<b>Client</b> créé<script>alert(1)</script>", "Client créé"},
		{"list", "<ul><li>un</li><li>deux</li></ul>", "un\ndeux"},
		{"entities", "<p>Total &amp; TVA</p>", "Total & TVA"},
		{"comparison", "2 < 3", "2 < 3"},
		{"bare less-than", "montant HT<TTC pour a<b", "montant HT<TTC pour a<b"},
		{"unknown tag shape", "si x<y et y>z alors x<z", "si x<y et y>z alors x<z"},
		{"void tag", "ligne 1<br/>ligne 2", "ligne 1\nligne 2"},
		{"empty", "   ", FallbackAnswer},
		{"only markup", "<div></div>", FallbackAnswer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeText(tt.raw); got != tt.want {
				t.Errorf("NormalizeText(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestChunk(t *testing.T) {
	text := strings.Repeat("Le client a été créé avec succès. ", 6)

	chunks := Chunk(text, 10)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want several", len(chunks))
	}
	if got := strings.Join(chunks, ""); got != text {
		t.Errorf("chunks do not reassemble: %q", got)
	}
	for i, c := range chunks[:len(chunks)-1] {
		if n := len([]rune(c)); n > 20 {
			t.Errorf("chunk %d has %d runes, want <= 20", i, n)
		}
	}

	if got := Chunk("", 10); got != nil {
		t.Errorf("Chunk(\"\") = %q, want nil", got)
	}
	if got := Chunk("court", 10); len(got) != 1 || got[0] != "court" {
		t.Errorf("Chunk(short) = %q", got)
	}
	long := strings.Repeat("é", 45)
	if got := strings.Join(Chunk(long, 10), ""); got != long {
		t.Errorf("unbroken text does not reassemble")
	}
}
