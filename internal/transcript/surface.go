// Package transcript holds the editable transcript surface and the two ways
// it changes: recognition results folded in by the Accumulator, and manual
// edits applied at the caret by the Editor.
//
// The surface is a small tree of presentation nodes. Its text content, read
// in document order, is the transcript; there is no other copy. All offsets
// count characters (runes), not bytes.
package transcript

import (
	"strings"
	"unicode/utf8"
)

// Node is either a text node (Text set, no children) or an element node
// grouping other nodes for presentation.
type Node struct {
	Text     string
	Children []*Node
	parent   *Node
	isText   bool
}

func TextNode(text string) *Node {
	return &Node{Text: text, isText: true}
}

func Element(children ...*Node) *Node {
	n := &Node{}
	for _, c := range children {
		n.AppendChild(c)
	}
	return n
}

func (n *Node) IsText() bool { return n != nil && n.isText }

func (n *Node) Parent() *Node { return n.parent }

func (n *Node) AppendChild(child *Node) {
	if child == nil {
		return
	}
	child.parent = n
	n.Children = append(n.Children, child)
}

// Len is the number of characters in the node's text content.
func (n *Node) Len() int {
	if n == nil {
		return 0
	}
	if n.isText {
		return utf8.RuneCountInString(n.Text)
	}
	total := 0
	for _, c := range n.Children {
		total += c.Len()
	}
	return total
}

func (n *Node) writeText(b *strings.Builder) {
	if n.isText {
		b.WriteString(n.Text)
		return
	}
	for _, c := range n.Children {
		c.writeText(b)
	}
}

func (n *Node) contains(other *Node) bool {
	for cur := other; cur != nil; cur = cur.parent {
		if cur == n {
			return true
		}
	}
	return false
}

// Point addresses a position inside the tree. For text nodes Offset is a
// character index; for element nodes it is a child index.
type Point struct {
	Node   *Node
	Offset int
}

// Selection is an anchor/focus pair. A nil Anchor means there is no caret.
type Selection struct {
	Anchor Point
	Focus  Point
}

func (s Selection) Collapsed() bool {
	return s.Anchor == s.Focus
}

// Surface is the rendered, editable transcript.
type Surface struct {
	root      *Node
	selection Selection
}

// NewSurface renders text as a single text node inside the root element.
func NewSurface(text string) *Surface {
	s := &Surface{root: Element()}
	s.render(text)
	return s
}

// NewSurfaceFromNodes builds a surface whose root contains the given nodes.
func NewSurfaceFromNodes(children ...*Node) *Surface {
	return &Surface{root: Element(children...)}
}

func (s *Surface) Root() *Node { return s.root }

func (s *Surface) Text() string {
	var b strings.Builder
	s.root.writeText(&b)
	return b.String()
}

func (s *Surface) Len() int { return s.root.Len() }

func (s *Surface) Selection() Selection { return s.selection }

// Select places the selection. Points may reference nodes outside the
// surface; such a selection is treated as absent by the editor.
func (s *Surface) Select(sel Selection) { s.selection = sel }

func (s *Surface) ClearSelection() { s.selection = Selection{} }

// SetText replaces the content and re-renders it as a single text node.
// The selection is dropped because the nodes it pointed into are gone.
func (s *Surface) SetText(text string) {
	s.render(text)
	s.selection = Selection{}
}

// Append adds text to the end, keeping a caret placed inside the surface at
// the same character offset.
func (s *Surface) Append(text string) {
	if text == "" {
		return
	}
	offset, hadCaret := s.caretOffset()
	s.render(s.Text() + text)
	s.selection = Selection{}
	if hadCaret {
		s.placeCaret(offset)
	}
}

func (s *Surface) render(text string) {
	s.root.Children = nil
	s.root.AppendChild(TextNode(text))
}

func (s *Surface) caretOffset() (int, bool) {
	a := s.selection.Anchor
	if a.Node == nil || !s.root.contains(a.Node) {
		return 0, false
	}
	return s.offsetOf(a), true
}

// offsetOf counts the characters preceding p in document order.
func (s *Surface) offsetOf(p Point) int {
	total := 0
	var walk func(n *Node) bool
	walk = func(n *Node) bool {
		if n == p.Node {
			if n.isText {
				total += clamp(p.Offset, 0, n.Len())
				return true
			}
			for i, c := range n.Children {
				if i >= p.Offset {
					break
				}
				total += c.Len()
			}
			return true
		}
		if n.isText {
			total += n.Len()
			return false
		}
		for _, c := range n.Children {
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(s.root)
	return total
}

// pointAt finds the text node holding offset. An offset on a boundary
// resolves to the end of the earlier node. Returns a point on the root when
// the surface has no text nodes.
func (s *Surface) pointAt(offset int) Point {
	remaining := offset
	var last *Node
	var found *Point
	var walk func(n *Node)
	walk = func(n *Node) {
		if found != nil {
			return
		}
		if n.isText {
			l := n.Len()
			if remaining <= l {
				found = &Point{Node: n, Offset: remaining}
				return
			}
			remaining -= l
			last = n
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(s.root)
	if found != nil {
		return *found
	}
	if last != nil {
		return Point{Node: last, Offset: last.Len()}
	}
	return Point{Node: s.root, Offset: len(s.root.Children)}
}

func (s *Surface) placeCaret(offset int) {
	p := s.pointAt(clamp(offset, 0, s.Len()))
	s.selection = Selection{Anchor: p, Focus: p}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
