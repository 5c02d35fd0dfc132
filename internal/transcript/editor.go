package transcript

import "golang.org/x/text/unicode/norm"

// Editor applies caret-aware manual edits. Every operation is expressed in
// character offsets so it behaves the same however the surface is rendered.
type Editor struct{}

// Offset returns the caret's character offset, or the full length when the
// caret is absent or outside the surface.
func (Editor) Offset(s *Surface) int {
	if off, ok := s.caretOffset(); ok {
		return off
	}
	return s.Len()
}

// SetOffset collapses the selection to offset, clamped to [0, len].
func (Editor) SetOffset(s *Surface, offset int) {
	s.placeCaret(offset)
}

// SelectRange selects the characters in [start, end).
func (Editor) SelectRange(s *Surface, start, end int) {
	n := s.Len()
	a := s.pointAt(clamp(start, 0, n))
	f := s.pointAt(clamp(end, 0, n))
	s.Select(Selection{Anchor: a, Focus: f})
}

// selectedRange returns the selection as ordered offsets. ok is false when
// there is no caret inside the surface.
func selectedRange(s *Surface) (start, end int, ok bool) {
	sel := s.Selection()
	if sel.Anchor.Node == nil || !s.root.contains(sel.Anchor.Node) {
		return 0, 0, false
	}
	start = s.offsetOf(sel.Anchor)
	end = start
	if sel.Focus.Node != nil && s.root.contains(sel.Focus.Node) {
		end = s.offsetOf(sel.Focus)
	}
	if end < start {
		start, end = end, start
	}
	return start, end, true
}

// DeleteAtCaret removes the selected range, or the single character before a
// collapsed caret. It reports whether the transcript changed.
func (e Editor) DeleteAtCaret(s *Surface) bool {
	start, end, ok := selectedRange(s)
	if !ok {
		start = s.Len()
		end = start
	}
	if start == end {
		if start == 0 {
			e.SetOffset(s, 0)
			return false
		}
		start--
	}
	runes := []rune(s.Text())
	s.render(string(runes[:start]) + string(runes[end:]))
	e.SetOffset(s, start)
	return true
}

// InsertAtCaret replaces the selection (if any) with text and leaves the
// caret right after the inserted text.
func (e Editor) InsertAtCaret(s *Surface, text string) bool {
	start, end, ok := selectedRange(s)
	if !ok {
		start = s.Len()
		end = start
	}
	if text == "" && start == end {
		return false
	}
	text = norm.NFC.String(text)
	runes := []rune(s.Text())
	inserted := []rune(text)
	s.render(string(runes[:start]) + text + string(runes[end:]))
	e.SetOffset(s, start+len(inserted))
	return true
}

// Clear empties the transcript and puts the caret at 0.
func (e Editor) Clear(s *Surface) bool {
	changed := s.Len() > 0
	s.render("")
	e.SetOffset(s, 0)
	return changed
}
