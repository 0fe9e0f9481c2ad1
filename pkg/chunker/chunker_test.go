package chunker

import (
	"strings"
	"testing"
)

func TestChunkerBasicChunking(t *testing.T) {
	c := Chunker{
		MaxTokens: 10,
		Overlap:   2,
	}

	text := "This is a test. It has multiple sentences. Each sentence should be respected."
	chunks := c.Chunk(text)

	if len(chunks) == 0 {
		t.Fatal("Expected at least one chunk")
	}

	for i, chunk := range chunks {
		if chunk.ID == "" {
			t.Errorf("Chunk %d missing ID", i)
		}
		if chunk.Index != i {
			t.Errorf("Chunk %d has wrong Index: got %d, want %d", i, chunk.Index, i)
		}
		if chunk.TokenCount == 0 || chunk.TokenCount > c.MaxTokens {
			t.Errorf("Chunk %d has TokenCount %d, want 1..%d", i, chunk.TokenCount, c.MaxTokens)
		}
		if got := text[chunk.Start:chunk.End]; got != chunk.Text {
			t.Errorf("Chunk %d offsets select %q, want %q", i, got, chunk.Text)
		}
	}
}

func TestChunkerDeterministicIDs(t *testing.T) {
	c := Chunker{MaxTokens: 10, Overlap: 2}

	text := "This is a test. And another one follows here, slightly longer."
	chunks1 := c.Chunk(text)
	chunks2 := c.Chunk(text)

	if len(chunks1) != len(chunks2) {
		t.Fatalf("Different number of chunks: %d vs %d", len(chunks1), len(chunks2))
	}
	for i := range chunks1 {
		if chunks1[i].ID != chunks2[i].ID {
			t.Errorf("Chunk %d ID mismatch: %s vs %s", i, chunks1[i].ID, chunks2[i].ID)
		}
	}
}

func TestChunkerOverlap(t *testing.T) {
	c := Chunker{MaxTokens: 4, Overlap: 2}

	text := "A b. C d. E f. G h."
	chunks := c.Chunk(text)

	want := []string{"A b. C d.", "C d. E f.", "E f. G h."}
	if len(chunks) != len(want) {
		t.Fatalf("Expected %d chunks, got %d: %+v", len(want), len(chunks), chunks)
	}
	for i, w := range want {
		if chunks[i].Text != w {
			t.Errorf("Chunk %d: got %q, want %q", i, chunks[i].Text, w)
		}
	}
	if chunks[1].Start != strings.Index(text, "C d.") {
		t.Errorf("Chunk 1 starts at %d", chunks[1].Start)
	}
	if chunks[1].Start >= chunks[0].End {
		t.Errorf("Chunks 0 and 1 do not overlap: %d >= %d", chunks[1].Start, chunks[0].End)
	}
}

func TestChunkerNoOverlap(t *testing.T) {
	c := Chunker{MaxTokens: 4, Overlap: -1}

	chunks := c.Chunk("A b. C d. E f. G h.")
	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(chunks))
	}
	if chunks[1].Text != "E f. G h." {
		t.Errorf("Second chunk: got %q", chunks[1].Text)
	}
}

func TestChunkerEmptyInput(t *testing.T) {
	c := Chunker{MaxTokens: 10, Overlap: 2}

	for _, text := range []string{"", "   \n\t "} {
		if chunks := c.Chunk(text); len(chunks) != 0 {
			t.Errorf("Expected no chunks for %q, got %d", text, len(chunks))
		}
	}
}

func TestChunkerVeryShortInput(t *testing.T) {
	c := Chunker{MaxTokens: 10, Overlap: 2}

	chunks := c.Chunk("Hi")
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 chunk for short input, got %d", len(chunks))
	}
	if chunks[0].Start != 0 || chunks[0].End != 2 {
		t.Errorf("Unexpected offsets: %d..%d", chunks[0].Start, chunks[0].End)
	}
}

func TestChunkerTrimsWhitespace(t *testing.T) {
	c := Chunker{}

	text := "  Hello world.  "
	chunks := c.Chunk(text)
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Text != "Hello world." || chunks[0].Start != 2 {
		t.Errorf("Got %q at %d", chunks[0].Text, chunks[0].Start)
	}
}

func TestChunkerSplitsLongSentences(t *testing.T) {
	c := Chunker{MaxTokens: 5, Overlap: -1}

	text := "one two three four five six seven eight nine ten eleven twelve"
	chunks := c.Chunk(text)

	wantTokens := []int{5, 5, 2}
	if len(chunks) != len(wantTokens) {
		t.Fatalf("Expected %d chunks, got %d", len(wantTokens), len(chunks))
	}
	for i, n := range wantTokens {
		if chunks[i].TokenCount != n {
			t.Errorf("Chunk %d: got %d tokens, want %d", i, chunks[i].TokenCount, n)
		}
	}
	if chunks[2].Text != "eleven twelve" {
		t.Errorf("Last chunk: got %q", chunks[2].Text)
	}
}

func TestChunkerMultibyteOffsets(t *testing.T) {
	c := Chunker{MaxTokens: 3, Overlap: -1}

	text := "Grüße aus Köln. Ça va? Très bien!"
	chunks := c.Chunk(text)

	if len(chunks) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if text[chunk.Start:chunk.End] != chunk.Text {
			t.Errorf("Chunk %d offsets do not match text %q", i, chunk.Text)
		}
	}
	if chunks[1].Text != "Ça va?" {
		t.Errorf("Chunk 1: got %q", chunks[1].Text)
	}
}
