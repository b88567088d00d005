// Package chunker splits extracted legal text into a two-tier parent/child
// chunk tree. Parents are large context windows; children are the smaller
// units that get embedded and searched.
package chunker

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PBaumfalk/ai-lawyer/pkg/models"
)

// Options sizes one tier. Both values are measured in characters (runes).
type Options struct {
	ChunkSize int
	Overlap   int
}

var (
	ParentOptions = Options{ChunkSize: 8000, Overlap: 400}
	ChildOptions  = Options{ChunkSize: 2000, Overlap: 200}
)

// Span is a half-open byte range [Start, End) into the text that was split.
type Span struct {
	Start int
	End   int
}

// ChunkParentChild splits text into parent groups using the default tier sizes.
// Empty or whitespace-only input yields an empty list.
func ChunkParentChild(text string) []models.ParentGroup {
	return ChunkParentChildWith(text, ParentOptions, ChildOptions)
}

// ChunkParentChildWith is ChunkParentChild with explicit tier sizes.
// Offsets on the returned chunks refer to the trimmed input, and child
// indices run sequentially across the whole document.
func ChunkParentChildWith(text string, parent, child Options) []models.ParentGroup {
	text = strings.TrimSpace(text)
	if text == "" {
		return []models.ParentGroup{}
	}

	parentSplitter := NewSplitter(parent)
	childSplitter := NewSplitter(child)

	parents := parentSplitter.Split(text)
	groups := make([]models.ParentGroup, 0, len(parents))
	childIndex := 0
	for pi, p := range parents {
		content := text[p.Start:p.End]
		g := models.ParentGroup{
			Parent: models.Chunk{
				Kind:    models.ChunkParent,
				Index:   pi,
				Start:   p.Start,
				End:     p.End,
				Content: content,
			},
		}
		for _, c := range childSplitter.Split(content) {
			g.Children = append(g.Children, models.Chunk{
				Kind:    models.ChunkChild,
				Index:   childIndex,
				Start:   p.Start + c.Start,
				End:     p.Start + c.End,
				Content: content[c.Start:c.End],
			})
			childIndex++
		}
		groups = append(groups, g)
	}
	return groups
}

// separator is one boundary kind in the fallback chain. When before is set
// the cut is placed in front of the match, otherwise behind it.
type separator struct {
	name   string
	re     *regexp.Regexp
	before bool
}

var legalHeaders = regexp.MustCompile(`(?m)^[ \t]*(?:Tenor|Tatbestand|Entscheidungsgründe|Gründe|Leitsätze|Leitsatz|Orientierungssatz|Sachverhalt|Rechtsmittelbelehrung|Im Namen des Volkes|JUDGMENT|FACTS|REASONS|ORDER|HOLDING)[ \t]*:?[ \t]*$`)

// separators in priority order; raw character splitting is the last resort.
var separators = []separator{
	{name: "section", re: legalHeaders, before: true},
	{name: "paragraph", re: regexp.MustCompile(`\n[ \t]*\n`)},
	{name: "line", re: regexp.MustCompile(`\n`)},
	{name: "sentence", re: regexp.MustCompile(`[.!?;:]["'»«”)\]]?\s+`)},
	{name: "word", re: regexp.MustCompile(`\s+`)},
}

// cuts returns the cut positions strictly inside text.
func (s separator) cuts(text string) []int {
	var out []int
	for _, m := range s.re.FindAllStringIndex(text, -1) {
		pos := m[1]
		if s.before {
			pos = m[0]
		}
		if pos <= 0 || pos >= len(text) {
			continue
		}
		if len(out) > 0 && out[len(out)-1] == pos {
			continue
		}
		out = append(out, pos)
	}
	return out
}

// Splitter performs separator-priority splitting with overlap for one tier.
type Splitter struct {
	size    int
	overlap int
}

// NewSplitter normalizes opts and returns a Splitter.
func NewSplitter(opts Options) *Splitter {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = ChildOptions.ChunkSize
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}
	if opts.Overlap >= opts.ChunkSize {
		opts.Overlap = opts.ChunkSize / 10
	}
	return &Splitter{size: opts.ChunkSize, overlap: opts.Overlap}
}

// Split returns spans covering text from its first to its last byte.
// Consecutive spans either abut or overlap, so no content is dropped.
func (s *Splitter) Split(text string) []Span {
	if text == "" {
		return nil
	}
	m := newMeasure(text)
	units := s.units(text, 0, m, separators)
	return s.merge(units, m)
}

// units recursively cuts text (located at off in the full text) into pieces no
// longer than the chunk size, falling back to the next separator only for
// pieces the current one could not bring under the limit.
func (s *Splitter) units(text string, off int, m measure, seps []separator) []Span {
	if m.width(off, off+len(text)) <= s.size {
		return []Span{{Start: off, End: off + len(text)}}
	}
	for i, sep := range seps {
		cuts := sep.cuts(text)
		if len(cuts) == 0 {
			continue
		}
		var out []Span
		prev := 0
		for _, c := range append(cuts, len(text)) {
			if m.width(off+prev, off+c) <= s.size {
				out = append(out, Span{Start: off + prev, End: off + c})
			} else {
				out = append(out, s.units(text[prev:c], off+prev, m, seps[i+1:])...)
			}
			prev = c
		}
		return out
	}
	return s.hardSplit(text, off)
}

// hardSplit cuts text every ChunkSize runes.
func (s *Splitter) hardSplit(text string, off int) []Span {
	var out []Span
	start, n := 0, 0
	for i := range text {
		if n == s.size {
			out = append(out, Span{Start: off + start, End: off + i})
			start, n = i, 0
		}
		n++
	}
	if start < len(text) {
		out = append(out, Span{Start: off + start, End: off + len(text)})
	}
	return out
}

// merge packs consecutive units into chunks of at most ChunkSize. The next
// chunk restarts at the earliest unit boundary within Overlap of the previous
// chunk end; if no unit fits, chunks abut.
func (s *Splitter) merge(units []Span, m measure) []Span {
	var chunks []Span
	i := 0
	for i < len(units) {
		start := units[i].Start
		j := i
		for j+1 < len(units) && m.width(start, units[j+1].End) <= s.size {
			j++
		}
		end := units[j].End
		chunks = append(chunks, Span{Start: start, End: end})
		if j == len(units)-1 {
			break
		}
		next := j + 1
		for k := i + 1; k <= j; k++ {
			if m.width(units[k].Start, end) <= s.overlap {
				next = k
				break
			}
		}
		i = next
	}
	return chunks
}

// measure answers rune widths of byte ranges in constant time.
type measure struct {
	prefix []int
}

func newMeasure(text string) measure {
	prefix := make([]int, len(text)+1)
	n := 0
	for i := 0; i < len(text); i++ {
		if utf8.RuneStart(text[i]) {
			n++
		}
		prefix[i+1] = n
	}
	return measure{prefix: prefix}
}

func (m measure) width(start, end int) int {
	return m.prefix[end] - m.prefix[start]
}
