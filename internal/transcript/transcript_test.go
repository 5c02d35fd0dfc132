package transcript

import (
	"testing"

	"github.com/loqalabs/loqa-sign/internal/recognition"
)

func TestAccumulateDebounce(t *testing.T) {
	tests := []struct {
		name string
		text string
		out  recognition.Outcome
		want string
	}{
		{name: "repeat of tail suppressed", text: "AB", out: recognition.Symbol("B", 0.9), want: "AB"},
		{name: "new symbol appended", text: "AB", out: recognition.Symbol("C", 0.9), want: "ABC"},
		{name: "empty transcript", text: "", out: recognition.Symbol("H", 0.9), want: "H"},
		{name: "multi-char token tail", text: "hello", out: recognition.Symbol("lo", 1), want: "hello"},
		{name: "no detection", text: "AB", out: recognition.NoDetection(), want: "AB"},
		{name: "error is status only", text: "AB", out: recognition.Error("model offline"), want: "AB"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Accumulate(tt.text, tt.out); got != tt.want {
				t.Fatalf("Accumulate(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestAccumulatorSequence(t *testing.T) {
	s := NewSurface("")
	acc := NewAccumulator(s)
	for _, sym := range []string{"H", "H", "I"} {
		acc.Apply(recognition.Symbol(sym, 0.95))
	}
	if s.Text() != "HI" {
		t.Fatalf("expected HI, got %q", s.Text())
	}
}

func TestManualEditAffectsSuppression(t *testing.T) {
	s := NewSurface("")
	acc := NewAccumulator(s)
	var ed Editor

	acc.Apply(recognition.Symbol("A", 1))
	if acc.Apply(recognition.Symbol("A", 1)) {
		t.Fatal("expected repeat to be suppressed")
	}
	ed.SetOffset(s, s.Len())
	ed.DeleteAtCaret(s)
	if !acc.Apply(recognition.Symbol("A", 1)) {
		t.Fatal("expected symbol to be appended after manual delete")
	}
	if s.Text() != "A" {
		t.Fatalf("expected A, got %q", s.Text())
	}
}

func TestAppendKeepsCaret(t *testing.T) {
	s := NewSurface("AC")
	var ed Editor
	ed.SetOffset(s, 1)
	NewAccumulator(s).Apply(recognition.Symbol("D", 1))
	if got := ed.Offset(s); got != 1 {
		t.Fatalf("expected caret to stay at 1, got %d", got)
	}
}

func nestedSurface() *Surface {
	// "Ku" + ("mus" + ("") + "t") + "a" = "Kumusta"
	return NewSurfaceFromNodes(
		TextNode("Ku"),
		Element(TextNode("mus"), Element(TextNode("")), TextNode("t")),
		TextNode("a"),
	)
}

func TestCaretRoundTrip(t *testing.T) {
	surfaces := map[string]*Surface{
		"flat":    NewSurface("Kumusta"),
		"nested":  nestedSurface(),
		"unicode": NewSurfaceFromNodes(TextNode("ñá"), Element(TextNode("ü")), TextNode("")),
		"empty":   NewSurface(""),
	}
	var ed Editor
	for name, s := range surfaces {
		for o := 0; o <= s.Len(); o++ {
			ed.SetOffset(s, o)
			if got := ed.Offset(s); got != o {
				t.Fatalf("%s: SetOffset(%d) then Offset() = %d", name, o, got)
			}
		}
	}
}

func TestSetOffsetClamps(t *testing.T) {
	s := nestedSurface()
	var ed Editor
	ed.SetOffset(s, 100)
	if got := ed.Offset(s); got != 7 {
		t.Fatalf("expected caret at end (7), got %d", got)
	}
	ed.SetOffset(s, -3)
	if got := ed.Offset(s); got != 0 {
		t.Fatalf("expected caret at 0, got %d", got)
	}
}

func TestOffsetWithoutCaret(t *testing.T) {
	s := nestedSurface()
	var ed Editor
	if got := ed.Offset(s); got != 7 {
		t.Fatalf("expected full length without caret, got %d", got)
	}

	outside := TextNode("elsewhere")
	s.Select(Selection{Anchor: Point{Node: outside, Offset: 2}, Focus: Point{Node: outside, Offset: 2}})
	if got := ed.Offset(s); got != 7 {
		t.Fatalf("expected full length for caret outside surface, got %d", got)
	}
}

func TestOffsetElementAnchor(t *testing.T) {
	s := nestedSurface()
	inner := s.Root().Children[1]
	// Child index 2 of the inner element sits after "mus" and the empty element.
	s.Select(Selection{Anchor: Point{Node: inner, Offset: 2}, Focus: Point{Node: inner, Offset: 2}})
	var ed Editor
	if got := ed.Offset(s); got != 5 {
		t.Fatalf("expected offset 5, got %d", got)
	}
}

func TestDeleteAtCaretBackspace(t *testing.T) {
	s := NewSurface("Kumusta")
	var ed Editor
	ed.SetOffset(s, s.Len())
	if !ed.DeleteAtCaret(s) {
		t.Fatal("expected change")
	}
	if s.Text() != "Kumust" {
		t.Fatalf("expected Kumust, got %q", s.Text())
	}
	if got := ed.Offset(s); got != 6 {
		t.Fatalf("expected caret directly after edit point (6), got %d", got)
	}
}

func TestDeleteAtCaretMiddleOfNestedSurface(t *testing.T) {
	s := nestedSurface()
	var ed Editor
	ed.SetOffset(s, 3) // after "Kum"
	ed.DeleteAtCaret(s)
	if s.Text() != "Kuusta" {
		t.Fatalf("expected Kuusta, got %q", s.Text())
	}
	if got := ed.Offset(s); got != 2 {
		t.Fatalf("expected caret at 2, got %d", got)
	}
}

func TestDeleteAtCaretBoundaries(t *testing.T) {
	var ed Editor

	empty := NewSurface("")
	ed.SetOffset(empty, 0)
	if ed.DeleteAtCaret(empty) {
		t.Fatal("expected no-op on empty transcript")
	}

	s := NewSurface("abc")
	ed.SetOffset(s, 0)
	if ed.DeleteAtCaret(s) {
		t.Fatal("expected no-op at offset 0")
	}
	if s.Text() != "abc" {
		t.Fatalf("transcript changed: %q", s.Text())
	}
}

func TestDeleteAtCaretWithoutCaretDeletesLast(t *testing.T) {
	s := NewSurface("abc")
	var ed Editor
	ed.DeleteAtCaret(s)
	if s.Text() != "ab" {
		t.Fatalf("expected ab, got %q", s.Text())
	}
}

func TestDeleteSelection(t *testing.T) {
	s := nestedSurface()
	var ed Editor
	ed.SelectRange(s, 5, 1) // backwards selection "umus"
	ed.DeleteAtCaret(s)
	if s.Text() != "Kta" {
		t.Fatalf("expected Kta, got %q", s.Text())
	}
	if got := ed.Offset(s); got != 1 {
		t.Fatalf("expected caret at selection start, got %d", got)
	}
}

func TestInsertAtCaret(t *testing.T) {
	s := NewSurface("HLO")
	var ed Editor
	ed.SetOffset(s, 1)
	ed.InsertAtCaret(s, "E")
	ed.InsertAtCaret(s, "L")
	if s.Text() != "HELLO" {
		t.Fatalf("expected HELLO, got %q", s.Text())
	}
	if got := ed.Offset(s); got != 3 {
		t.Fatalf("expected caret at 3, got %d", got)
	}

	ed.SelectRange(s, 0, 5)
	ed.InsertAtCaret(s, "ñ")
	if s.Text() != "ñ" || ed.Offset(s) != 1 {
		t.Fatalf("unexpected state %q caret %d", s.Text(), ed.Offset(s))
	}
}

func TestClear(t *testing.T) {
	s := nestedSurface()
	var ed Editor
	if !ed.Clear(s) {
		t.Fatal("expected change")
	}
	if s.Text() != "" || ed.Offset(s) != 0 {
		t.Fatalf("expected empty transcript with caret 0")
	}
	if ed.Clear(s) {
		t.Fatal("expected clearing an empty transcript to report no change")
	}
}

func TestAppendPhrase(t *testing.T) {
	s := NewSurface("")
	AppendPhrase(s, "magandang")
	AppendPhrase(s, " umaga ")
	AppendPhrase(s, "   ")
	if s.Text() != "magandang umaga" {
		t.Fatalf("unexpected text %q", s.Text())
	}
}

func TestDecomposedInputIsComposed(t *testing.T) {
	s := NewSurface("")
	// "n" followed by a combining tilde.
	AppendPhrase(s, "man\u0303ana")
	if got := s.Text(); got != "ma\u00f1ana" || s.Len() != 6 {
		t.Fatalf("expected composed text, got %q (len %d)", got, s.Len())
	}
	if got := Accumulate("ma\u00f1ana", recognition.Symbol("a\u0303", 1)); got != "ma\u00f1ana\u00e3" {
		t.Fatalf("Accumulate = %q", got)
	}
}
