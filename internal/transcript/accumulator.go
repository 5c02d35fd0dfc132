package transcript

import (
	"strings"

	"github.com/loqalabs/loqa-sign/internal/recognition"
	"golang.org/x/text/unicode/norm"
)

// Accumulate folds one recognition outcome into text. A symbol is appended
// unless the text already ends with it. No-detection and recognizer errors
// leave the text untouched; errors are reported through status only.
func Accumulate(text string, out recognition.Outcome) string {
	if out.Kind != recognition.KindSymbol || out.Symbol == "" {
		return text
	}
	symbol := norm.NFC.String(out.Symbol)
	if strings.HasSuffix(text, symbol) {
		return text
	}
	return text + symbol
}

// Accumulator applies Accumulate to a live surface. It keeps no state of its
// own: suppression is decided from the surface's current tail, so manual
// edits are taken into account automatically.
type Accumulator struct {
	surface *Surface
}

func NewAccumulator(surface *Surface) *Accumulator {
	return &Accumulator{surface: surface}
}

// Apply returns true when the transcript changed.
func (a *Accumulator) Apply(out recognition.Outcome) bool {
	current := a.surface.Text()
	next := Accumulate(current, out)
	if next == current {
		return false
	}
	a.surface.Append(next[len(current):])
	return true
}

// AppendPhrase adds a dictated phrase, separated by a single space from any
// existing non-empty content. Phrases are stored in NFC so that caret
// offsets count what the user sees as characters.
func AppendPhrase(s *Surface, phrase string) bool {
	phrase = norm.NFC.String(strings.TrimSpace(phrase))
	if phrase == "" {
		return false
	}
	current := s.Text()
	if strings.TrimSpace(current) != "" && !strings.HasSuffix(current, " ") {
		phrase = " " + phrase
	}
	s.Append(phrase)
	return true
}
