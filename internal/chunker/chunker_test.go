package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/PBaumfalk/ai-lawyer/pkg/models"
)

// paragraphs builds roughly n characters of text made of short sentences
// grouped into blank-line separated paragraphs.
func paragraphs(word string, n int) string {
	var b strings.Builder
	sentence := 0
	for b.Len() < n {
		b.WriteString("Der ")
		b.WriteString(word)
		b.WriteString(" wurde im Verfahren ausführlich erörtert und gewürdigt.")
		sentence++
		if sentence%6 == 0 {
			b.WriteString("\n\n")
		} else {
			b.WriteString(" ")
		}
	}
	return strings.TrimSpace(b.String())
}

func TestChunkParentChildEmptyInput(t *testing.T) {
	for _, in := range []string{"", "   ", "\n\t \n"} {
		groups := ChunkParentChild(in)
		if groups == nil {
			t.Fatalf("expected empty non-nil slice for %q", in)
		}
		if len(groups) != 0 {
			t.Fatalf("expected no groups for %q, got %d", in, len(groups))
		}
	}
}

func TestChunkParentChildShortText(t *testing.T) {
	groups := ChunkParentChild("  Kurzer Vermerk zur Akte.  ")
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	g := groups[0]
	if g.Parent.Content != "Kurzer Vermerk zur Akte." {
		t.Errorf("parent content = %q", g.Parent.Content)
	}
	if g.Parent.Kind != models.ChunkParent {
		t.Errorf("parent kind = %s", g.Parent.Kind)
	}
	if len(g.Children) != 1 || g.Children[0].Content != g.Parent.Content {
		t.Fatalf("unexpected children: %+v", g.Children)
	}
	if g.Children[0].Kind != models.ChunkChild {
		t.Errorf("child kind = %s", g.Children[0].Kind)
	}
	if g.Parent.Embedding != nil || g.Children[0].Embedding != nil {
		t.Errorf("chunker must not embed")
	}
}

func TestChunkParentChildTwoSections(t *testing.T) {
	first := "Tatbestand\n\n" + paragraphs("Sachverhalt", 5000)
	second := "Entscheidungsgründe\n\n" + paragraphs("Anspruch", 9000)
	tail := "Die Kostenentscheidung beruht auf § 91 ZPO und bildet den Schluss."
	text := first + "\n\n" + second + "\n\n" + tail

	groups := ChunkParentChild(text)
	if len(groups) < 2 {
		t.Fatalf("expected at least 2 parent groups, got %d", len(groups))
	}

	last := groups[len(groups)-1]
	if last.Parent.End != len(text) {
		t.Fatalf("last parent ends at %d, text length %d", last.Parent.End, len(text))
	}
	lastChild := last.Children[len(last.Children)-1]
	if lastChild.End != len(text) {
		t.Fatalf("last child ends at %d, text length %d", lastChild.End, len(text))
	}
	if !strings.HasSuffix(lastChild.Content, tail) {
		t.Fatalf("tail of second section not covered by a child")
	}

	for _, g := range groups {
		if n := utf8.RuneCountInString(g.Parent.Content); n > ParentOptions.ChunkSize {
			t.Errorf("parent %d has %d runes", g.Parent.Index, n)
		}
		for _, c := range g.Children {
			if n := utf8.RuneCountInString(c.Content); n > ChildOptions.ChunkSize {
				t.Errorf("child %d has %d runes", c.Index, n)
			}
		}
	}
}

func TestChunkParentChildCoverage(t *testing.T) {
	text := paragraphs("Mietvertrag", 30000)
	groups := ChunkParentChild(text)

	prevParentEnd := 0
	for gi, g := range groups {
		if gi == 0 && g.Parent.Start != 0 {
			t.Fatalf("first parent starts at %d", g.Parent.Start)
		}
		if g.Parent.Start > prevParentEnd {
			t.Fatalf("gap between parents at %d..%d", prevParentEnd, g.Parent.Start)
		}
		if text[g.Parent.Start:g.Parent.End] != g.Parent.Content {
			t.Fatalf("parent %d content does not match its offsets", gi)
		}
		prevParentEnd = g.Parent.End

		if len(g.Children) == 0 {
			t.Fatalf("parent %d has no children", gi)
		}
		if g.Children[0].Start != g.Parent.Start {
			t.Errorf("parent %d: first child starts at %d, parent at %d", gi, g.Children[0].Start, g.Parent.Start)
		}
		if lc := g.Children[len(g.Children)-1]; lc.End != g.Parent.End {
			t.Errorf("parent %d: last child ends at %d, parent at %d", gi, lc.End, g.Parent.End)
		}

		// Rebuild the parent from its children, skipping overlap regions.
		var rebuilt strings.Builder
		pos := g.Parent.Start
		for _, c := range g.Children {
			if c.Start > pos {
				t.Fatalf("parent %d: gap before child %d", gi, c.Index)
			}
			if text[c.Start:c.End] != c.Content {
				t.Fatalf("child %d content does not match its offsets", c.Index)
			}
			rebuilt.WriteString(text[pos:c.End])
			pos = c.End
		}
		if rebuilt.String() != g.Parent.Content {
			t.Fatalf("parent %d not reproduced by its children", gi)
		}
	}
	if prevParentEnd != len(text) {
		t.Fatalf("parents end at %d, text length %d", prevParentEnd, len(text))
	}
}

func TestChunkParentChildGlobalChildIndex(t *testing.T) {
	groups := ChunkParentChild(paragraphs("Vergleich", 25000))
	if len(groups) < 2 {
		t.Fatalf("expected multiple parents, got %d", len(groups))
	}
	want := 0
	for gi, g := range groups {
		if g.Parent.Index != gi {
			t.Errorf("parent index = %d, want %d", g.Parent.Index, gi)
		}
		for _, c := range g.Children {
			if c.Index != want {
				t.Fatalf("child index = %d, want %d", c.Index, want)
			}
			want++
		}
	}
}

func TestSplitPrefersSectionHeaders(t *testing.T) {
	body := strings.Repeat("a ", 30)
	text := "Tatbestand\n" + body + "\nGründe\n" + body
	s := NewSplitter(Options{ChunkSize: 100, Overlap: 0})

	spans := s.Split(text)
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d: %+v", len(spans), spans)
	}
	if got := text[spans[1].Start:spans[1].End]; !strings.HasPrefix(got, "Gründe\n") {
		t.Fatalf("second span should start at the header, got %q", got)
	}
}

func TestSplitFallsBackToSentences(t *testing.T) {
	text := strings.Repeat("Satz eins. ", 20)
	s := NewSplitter(Options{ChunkSize: 50, Overlap: 0})

	for _, sp := range s.Split(text) {
		got := text[sp.Start:sp.End]
		if utf8.RuneCountInString(got) > 50 {
			t.Fatalf("span too long: %q", got)
		}
		if !strings.HasPrefix(got, "Satz") {
			t.Fatalf("span does not start at a sentence boundary: %q", got)
		}
	}
}

func TestSplitOverlap(t *testing.T) {
	text := strings.Repeat("Wort ", 100)
	s := NewSplitter(Options{ChunkSize: 50, Overlap: 20})

	spans := s.Split(text)
	if len(spans) < 2 {
		t.Fatalf("expected several spans, got %d", len(spans))
	}
	for i := 1; i < len(spans); i++ {
		prev, cur := spans[i-1], spans[i]
		if cur.Start >= prev.End {
			t.Fatalf("span %d does not overlap the previous one", i)
		}
		if overlap := prev.End - cur.Start; overlap > 20 {
			t.Fatalf("span %d overlaps by %d characters", i, overlap)
		}
		if cur.Start <= prev.Start {
			t.Fatalf("span %d does not advance", i)
		}
	}
	if spans[len(spans)-1].End != len(text) {
		t.Fatalf("spans do not reach the end of the text")
	}
}

func TestSplitRawCharacters(t *testing.T) {
	tests := []struct {
		name string
		text string
		size int
		want []int
	}{
		{name: "ascii", text: strings.Repeat("x", 250), size: 100, want: []int{100, 100, 50}},
		{name: "multibyte", text: strings.Repeat("ä", 25), size: 10, want: []int{10, 10, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spans := NewSplitter(Options{ChunkSize: tt.size, Overlap: 3}).Split(tt.text)
			if len(spans) != len(tt.want) {
				t.Fatalf("got %d spans, want %d", len(spans), len(tt.want))
			}
			for i, sp := range spans {
				part := tt.text[sp.Start:sp.End]
				if !utf8.ValidString(part) {
					t.Fatalf("span %d splits a rune", i)
				}
				if n := utf8.RuneCountInString(part); n != tt.want[i] {
					t.Errorf("span %d has %d runes, want %d", i, n, tt.want[i])
				}
			}
		})
	}
}

func TestNewSplitterNormalizesOptions(t *testing.T) {
	s := NewSplitter(Options{ChunkSize: 0, Overlap: -1})
	if s.size != ChildOptions.ChunkSize || s.overlap != 0 {
		t.Fatalf("unexpected normalization: %+v", s)
	}
	s = NewSplitter(Options{ChunkSize: 100, Overlap: 100})
	if s.overlap != 10 {
		t.Fatalf("overlap = %d, want 10", s.overlap)
	}
}
