package channels

import (
	"strings"
	"testing"
)

func TestChunkShortTextPassesThrough(t *testing.T) {
	c := NewChunker(100)
	got := c.Chunk("hello")
	if len(got) != 1 || got[0] != "hello" {
		t.Errorf("Chunk = %v", got)
	}
	if got := c.Chunk(""); got != nil {
		t.Errorf("empty input should produce no chunks, got %v", got)
	}
}

func TestChunkBreaksOnParagraphs(t *testing.T) {
	c := NewChunker(30)
	text := "first paragraph here\n\nsecond paragraph follows"
	got := c.Chunk(text)
	if len(got) != 2 {
		t.Fatalf("chunks = %v", got)
	}
	if got[0] != "first paragraph here" {
		t.Errorf("chunk 0 = %q", got[0])
	}
	if got[1] != "second paragraph follows" {
		t.Errorf("chunk 1 = %q", got[1])
	}
}

func TestChunkRespectsMaxSize(t *testing.T) {
	c := NewChunker(50)
	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("some words in a line\n")
	}
	for i, chunk := range c.Chunk(b.String()) {
		if len(chunk) > 50 {
			t.Errorf("chunk %d exceeds max: %d chars", i, len(chunk))
		}
	}
}

func TestChunkNoCharactersDropped(t *testing.T) {
	c := NewChunker(25)
	text := "alpha beta gamma delta epsilon zeta eta theta iota kappa"
	var rebuilt []string
	for _, chunk := range c.Chunk(text) {
		rebuilt = append(rebuilt, chunk)
	}
	joined := strings.Join(rebuilt, " ")
	if joined != text {
		t.Errorf("content changed:\n got %q\nwant %q", joined, text)
	}
}

func TestChunkKeepsCodeFenceTogether(t *testing.T) {
	c := NewChunker(60)
	text := "intro line\n\n```go\nfunc main() {}\n```\ntrailing text after the fence"
	got := c.Chunk(text)
	for _, chunk := range got {
		opens := strings.Count(chunk, "```")
		if opens == 1 {
			t.Errorf("fence split across chunks: %q", chunk)
		}
	}
}

func TestChunkHardBreakWhenNoBoundary(t *testing.T) {
	c := NewChunker(10)
	got := c.Chunk(strings.Repeat("x", 25))
	if len(got) != 3 {
		t.Fatalf("chunks = %v", got)
	}
	total := 0
	for _, chunk := range got {
		total += len(chunk)
	}
	if total != 25 {
		t.Errorf("characters lost in hard break: %d", total)
	}
}
