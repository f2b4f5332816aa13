package gateway

import (
	"strings"
	"testing"
)

func TestChunkTextShortPassesThrough(t *testing.T) {
	got := ChunkText("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Errorf("expected single untouched chunk, got %v", got)
	}
}

func TestChunkTextUnlimited(t *testing.T) {
	long := strings.Repeat("a", 5000)
	got := ChunkText(long, 0)
	if len(got) != 1 {
		t.Errorf("limit 0 means unlimited, got %d chunks", len(got))
	}
}

func TestChunkTextBreaksOnWords(t *testing.T) {
	text := strings.Repeat("word ", 100) // 500 chars
	got := ChunkText(text, 120)

	for i, c := range got {
		if len([]rune(c)) > 120 {
			t.Errorf("chunk %d exceeds limit: %d runes", i, len([]rune(c)))
		}
		if strings.Contains(c, "wor ") || strings.HasPrefix(c, "ord") {
			t.Errorf("chunk %d broke mid-word: %q", i, c)
		}
	}

	joined := strings.Join(got, " ")
	if strings.ReplaceAll(joined, " ", "") != strings.ReplaceAll(text, " ", "") {
		t.Error("chunks lost content")
	}
}

func TestChunkTextPrefersParagraphs(t *testing.T) {
	text := strings.Repeat("x", 80) + "\n\n" + strings.Repeat("y", 80)
	got := ChunkText(text, 100)
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(got))
	}
	if strings.Contains(got[0], "y") {
		t.Errorf("expected split at the paragraph break, got %q", got[0])
	}
}

func TestChunkTextHardCutWithoutBoundaries(t *testing.T) {
	text := strings.Repeat("z", 250)
	got := ChunkText(text, 100)
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(got))
	}
	for i, c := range got[:2] {
		if len(c) != 100 {
			t.Errorf("chunk %d: expected hard cut at 100, got %d", i, len(c))
		}
	}
}
