// Package chunk segments markdown documents into bounded, retrieval-ready
// pieces. Splitting is header-aware: the document is first divided at a
// configurable header level, then oversized sections fall back to a
// recursive separator cascade. Fenced code blocks are treated as atomic
// units and are never split, even when a block alone exceeds the size
// limit.
//
// The package is pure: no I/O, no persistence. Callers persist the
// resulting chunks and index their embeddings under the same chunk ID.
package chunk

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	defaultSplitLevel   = 2
	defaultMaxChunkSize = 1000
	defaultOverlap      = 50

	placeholderPrefix = "CODEBLOCK_PLACEHOLDER_"
)

// separatorCascade orders fallback separators from coarsest to finest.
// The empty string means a character-level split.
var separatorCascade = []string{"\n\n", "\n", ". ", "! ", "? ", " ", ""}

var (
	codeFencePattern = regexp.MustCompile("(?ms)^```.*?^```")
	headerPattern    = regexp.MustCompile(`^(#{1,6})\s+(.*)`)
	placeholderToken = regexp.MustCompile(`^CODEBLOCK_PLACEHOLDER_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
)

// Options controls how a document is segmented.
type Options struct {
	// SplitLevel is the header level that delimits primary sections
	// (2 means split on "##"). Defaults to 2.
	SplitLevel int

	// MaxChunkSize is the maximum chunk length in bytes. Defaults to 1000.
	MaxChunkSize int

	// Overlap is the number of trailing bytes carried from one chunk into
	// the next during fallback splitting, preserving local context across
	// boundaries. Defaults to 50.
	Overlap int

	// SourceDocumentID tags every chunk with its originating document.
	SourceDocumentID string
}

func (o Options) normalized() Options {
	if o.SplitLevel < 1 || o.SplitLevel > 6 {
		o.SplitLevel = defaultSplitLevel
	}
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = defaultMaxChunkSize
	}
	if o.Overlap < 0 {
		o.Overlap = defaultOverlap
	}
	if o.Overlap >= o.MaxChunkSize {
		o.Overlap = o.MaxChunkSize / 2
	}
	return o
}

// Metadata carries the provenance attached to a chunk.
type Metadata struct {
	// Headers maps "h1".."h6" to the section titles in effect where the
	// chunk was cut. Only levels that have a title are present.
	Headers map[string]string `json:"headers,omitempty"`

	// SourceDocumentID is the originating document, when known.
	SourceDocumentID string `json:"source_document,omitempty"`

	// Position is the zero-based order of the chunk within the document.
	Position int `json:"position"`
}

// Chunk is one bounded segment of a document. ID is globally unique and is
// reused as the vector index point identifier, so a chunk and its embedding
// can always be correlated.
type Chunk struct {
	ID       string
	Text     string
	Metadata Metadata
}

// Split segments markdown into ordered chunks. Empty or whitespace-only
// input yields nil.
func Split(markdown string, opts Options) []Chunk {
	if strings.TrimSpace(markdown) == "" {
		return nil
	}
	opts = opts.normalized()

	// Swap fenced code blocks for placeholder tokens so header and size
	// splitting can never cut inside a fence.
	fences := make(map[string]string)
	processed := codeFencePattern.ReplaceAllStringFunc(markdown, func(block string) string {
		token := placeholderPrefix + uuid.NewString()
		fences[token] = block
		return token
	})

	sections := splitByHeaders(processed, opts.SplitLevel)

	var chunks []Chunk
	for _, sec := range sections {
		restored := restoreFences(sec.text, fences)
		if len(restored) <= opts.MaxChunkSize {
			chunks = append(chunks, newChunk(restored, sec.headers, opts, len(chunks)))
			continue
		}
		for _, piece := range splitRecursive(sec.text, opts.MaxChunkSize, separatorCascade, opts.Overlap) {
			chunks = append(chunks, newChunk(restoreFences(piece, fences), sec.headers, opts, len(chunks)))
		}
	}
	return chunks
}

func newChunk(text string, headers map[string]string, opts Options, position int) Chunk {
	md := Metadata{
		SourceDocumentID: opts.SourceDocumentID,
		Position:         position,
	}
	if len(headers) > 0 {
		md.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			md.Headers[k] = v
		}
	}
	return Chunk{ID: uuid.NewString(), Text: text, Metadata: md}
}

func restoreFences(text string, fences map[string]string) string {
	for token, block := range fences {
		if strings.Contains(text, token) {
			text = strings.ReplaceAll(text, token, block)
		}
	}
	return text
}

type section struct {
	headers map[string]string
	text    string
}

// splitByHeaders divides markdown at headers of splitLevel or shallower,
// tracking the running h1..h6 hierarchy. Entering a header clears all
// deeper levels, so a new "##" resets any previously seen "###". Header
// lines at the split level itself are consumed by the boundary; deeper
// header lines stay inside their section text.
func splitByHeaders(markdown string, splitLevel int) []section {
	var (
		sections []section
		lines    []string
		headers  [6]string
	)

	flush := func() {
		text := strings.TrimSpace(strings.Join(lines, "\n"))
		lines = nil
		if text == "" {
			return
		}
		m := make(map[string]string)
		for i, title := range headers {
			if title != "" {
				m["h"+string(rune('1'+i))] = title
			}
		}
		sections = append(sections, section{headers: m, text: text})
	}

	for _, line := range strings.Split(markdown, "\n") {
		match := headerPattern.FindStringSubmatch(line)
		if match == nil {
			lines = append(lines, line)
			continue
		}
		level := len(match[1])
		title := strings.TrimSpace(match[2])

		if level <= splitLevel {
			flush()
		}
		headers[level-1] = title
		for i := level; i < 6; i++ {
			headers[i] = ""
		}
		if level > splitLevel {
			lines = append(lines, line)
		}
	}
	flush()
	return sections
}

// splitRecursive breaks text into pieces no longer than maxSize using the
// given separator cascade. Pieces accumulate into a buffer until adding the
// next one would overflow; the buffer is then emitted and a new one starts
// with the previous chunk's trailing overlap prepended. A piece that alone
// exceeds maxSize recurses with the next finer separator.
func splitRecursive(text string, maxSize int, separators []string, overlap int) []string {
	remaining := strings.TrimSpace(text)
	if remaining == "" {
		return nil
	}
	if len(remaining) <= maxSize {
		return []string{remaining}
	}
	// A bare fence placeholder is atomic. It stands in for a code block
	// that must never be cut, so size loses to atomicity here.
	if placeholderToken.MatchString(remaining) {
		return []string{remaining}
	}

	sep := ""
	if len(separators) > 0 {
		sep = separators[0]
	}
	finer := separators
	if len(finer) > 0 {
		finer = finer[1:]
	}

	var parts []string
	if sep != "" {
		parts = strings.Split(remaining, sep)
	} else {
		for _, r := range remaining {
			parts = append(parts, string(r))
		}
	}

	var out []string
	current := ""
	for i, part := range parts {
		piece := part
		if sep != "" && i > 0 {
			piece = sep + part
		}

		if current == "" || len(current)+len(piece) <= maxSize {
			current += piece
			continue
		}

		if len(current) > maxSize {
			out = append(out, splitRecursive(current, maxSize, finer, overlap)...)
		} else {
			out = append(out, current)
		}

		carry := ""
		if overlap > 0 && len(out) > 0 {
			carry = tail(out[len(out)-1], overlap)
		}
		current = carry + piece
		if len(current) > maxSize {
			out = append(out, splitRecursive(piece, maxSize, finer, overlap)...)
			current = ""
		}
	}

	if current != "" {
		if len(current) > maxSize {
			out = append(out, splitRecursive(current, maxSize, finer, overlap)...)
		} else {
			out = append(out, current)
		}
	}

	kept := out[:0]
	for _, c := range out {
		if strings.TrimSpace(c) != "" {
			kept = append(kept, c)
		}
	}
	return kept
}

// tail returns at most n trailing bytes of s, backed up to a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
