// Package chunker splits Thing content into overlapping, sentence-aligned
// chunks that remember where they came from.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"unicode"
	"unicode/utf8"
)

// Defaults applied when a Chunker field is zero.
const (
	DefaultMaxTokens = 512
	DefaultOverlap   = 50
)

// Chunk is one slice of the input. Text is exactly input[Start:End].
type Chunk struct {
	ID         string
	Text       string
	Index      int
	TokenCount int
	Start      int // byte offset, inclusive
	End        int // byte offset, exclusive
}

// Chunker splits text into overlapping chunks with sentence boundary awareness.
// Tokens are approximated by whitespace-separated words.
type Chunker struct {
	MaxTokens int // Maximum tokens per chunk (default: 512)
	Overlap   int // Token overlap between chunks (default: 50); negative disables it
}

// span is a sentence (or sentence piece) located in the input.
type span struct {
	start, end int
	tokens     int
}

// Chunk splits the input text into chunks.
func (c *Chunker) Chunk(text string) []Chunk {
	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	overlap := c.Overlap
	if overlap == 0 {
		overlap = DefaultOverlap
	}
	if overlap >= maxTokens {
		overlap = maxTokens - 1
	}

	spans := splitLong(splitSentences(text), text, maxTokens)
	if len(spans) == 0 {
		return []Chunk{}
	}

	var chunks []Chunk
	var current []span
	tokens := 0

	emit := func() {
		start, end := current[0].start, current[len(current)-1].end
		chunks = append(chunks, Chunk{
			ID:         generateChunkID(text[start:end], len(chunks)),
			Text:       text[start:end],
			Index:      len(chunks),
			TokenCount: tokens,
			Start:      start,
			End:        end,
		})
	}

	for _, s := range spans {
		if tokens+s.tokens > maxTokens && len(current) > 0 {
			emit()
			current = overlapSpans(current, overlap, maxTokens-s.tokens)
			tokens = countSpanTokens(current)
		}
		current = append(current, s)
		tokens += s.tokens
	}
	if len(current) > 0 {
		emit()
	}
	return chunks
}

// splitSentences locates sentences ending in ., ! or ? followed by space or
// end of input. Surrounding whitespace is excluded from each span.
func splitSentences(text string) []span {
	var spans []span
	start := -1
	for i, r := range text {
		if start < 0 {
			if unicode.IsSpace(r) {
				continue
			}
			start = i
		}
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		next := i + utf8.RuneLen(r)
		if next < len(text) {
			nr, _ := utf8.DecodeRuneInString(text[next:])
			if !unicode.IsSpace(nr) {
				continue
			}
		}
		spans = append(spans, span{start: start, end: next, tokens: countTokens(text[start:next])})
		start = -1
	}
	if start >= 0 {
		end := len(text)
		for end > start {
			r, size := utf8.DecodeLastRuneInString(text[start:end])
			if !unicode.IsSpace(r) {
				break
			}
			end -= size
		}
		spans = append(spans, span{start: start, end: end, tokens: countTokens(text[start:end])})
	}
	return spans
}

// splitLong cuts sentences longer than maxTokens at word boundaries.
func splitLong(spans []span, text string, maxTokens int) []span {
	out := make([]span, 0, len(spans))
	for _, s := range spans {
		if s.tokens <= maxTokens {
			out = append(out, s)
			continue
		}
		words := wordSpans(text, s.start, s.end)
		for i := 0; i < len(words); i += maxTokens {
			j := i + maxTokens
			if j > len(words) {
				j = len(words)
			}
			out = append(out, span{start: words[i].start, end: words[j-1].end, tokens: j - i})
		}
	}
	return out
}

func wordSpans(text string, from, to int) []span {
	var words []span
	start := -1
	for i, r := range text[from:to] {
		if unicode.IsSpace(r) {
			if start >= 0 {
				words = append(words, span{start: from + start, end: from + i, tokens: 1})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, span{start: from + start, end: to, tokens: 1})
	}
	return words
}

// countTokens estimates token count using a word-based heuristic.
func countTokens(text string) int {
	n := 0
	inWord := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			inWord = false
		} else if !inWord {
			inWord = true
			n++
		}
	}
	return n
}

func countSpanTokens(spans []span) int {
	total := 0
	for _, s := range spans {
		total += s.tokens
	}
	return total
}

// overlapSpans returns the trailing spans worth at most overlapTokens, never
// more than room, so the next chunk still fits.
func overlapSpans(spans []span, overlapTokens, room int) []span {
	if overlapTokens <= 0 || room <= 0 {
		return nil
	}
	total := 0
	startIdx := len(spans)
	for i := len(spans) - 1; i >= 0; i-- {
		t := spans[i].tokens
		if total+t > overlapTokens || total+t > room {
			break
		}
		total += t
		startIdx = i
	}
	return append([]span(nil), spans[startIdx:]...)
}

// generateChunkID creates a deterministic ID using content hash and index.
func generateChunkID(text string, index int) string {
	hash := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%s-%d", hex.EncodeToString(hash[:8]), index)
}
