package ingestion

import (
	"strings"
	"testing"

	"github.com/sitespeak/kbengine/internal/domain"
	"github.com/sitespeak/kbengine/internal/extract"
)

func TestNewChunker_Defaults(t *testing.T) {
	chunker := NewChunker(domain.ChunkerConfig{})

	// Should apply defaults
	if chunker.config.TargetSize != 512 {
		t.Errorf("expected default TargetSize 512, got %d", chunker.config.TargetSize)
	}
	if chunker.config.MaxSize != 1024 {
		t.Errorf("expected default MaxSize 1024, got %d", chunker.config.MaxSize)
	}
	if chunker.config.Method != "semantic" {
		t.Errorf("expected default Method 'semantic', got %s", chunker.config.Method)
	}
}

func TestChunker_EmptyContent(t *testing.T) {
	chunker := NewChunker(domain.ChunkerConfig{Method: "fixed"})

	chunks := chunker.Chunk("")
	if chunks != nil {
		t.Errorf("expected nil for empty content, got %v", chunks)
	}

	chunks = chunker.Chunk("   ")
	if chunks != nil {
		t.Errorf("expected nil for whitespace content, got %v", chunks)
	}
}

func TestChunker_FixedMethod(t *testing.T) {
	chunker := NewChunker(domain.ChunkerConfig{
		Method:     "fixed",
		TargetSize: 10, // 10 words per chunk
		MaxSize:    20,
		Overlap:    2,
	})

	// Create content with 25 words
	words := make([]string, 25)
	for i := range words {
		words[i] = "word"
	}
	content := strings.Join(words, " ")

	chunks := chunker.Chunk(content)

	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}

	// Each chunk should have metadata
	for i, chunk := range chunks {
		if chunk.Index != i {
			t.Errorf("chunk %d has wrong index %d", i, chunk.Index)
		}
		if chunk.Metadata["method"] != "fixed" {
			t.Errorf("chunk %d has wrong method %s", i, chunk.Metadata["method"])
		}
		if chunk.Content == "" {
			t.Errorf("chunk %d has empty content", i)
		}
	}
}

func TestChunker_SentenceMethod(t *testing.T) {
	chunker := NewChunker(domain.ChunkerConfig{
		Method:     "sentence",
		TargetSize: 20,
		MaxSize:    50,
		Overlap:    5,
	})

	content := "This is the first sentence. This is the second sentence. This is the third sentence."

	chunks := chunker.Chunk(content)

	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}

	for _, chunk := range chunks {
		if chunk.Metadata["method"] != "sentence" {
			t.Errorf("expected method 'sentence', got %s", chunk.Metadata["method"])
		}
	}
}

func TestChunker_SemanticMethod(t *testing.T) {
	chunker := NewChunker(domain.ChunkerConfig{
		Method:     "semantic",
		TargetSize: 50,
		MaxSize:    100,
		Overlap:    10,
	})

	content := `# Introduction

This is the introduction paragraph with some content.

## Getting Started

Here is how you get started with the project.

### Installation

Run the following command to install.
`

	chunks := chunker.Chunk(content)

	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}

	for _, chunk := range chunks {
		if chunk.Metadata["method"] != "semantic" {
			t.Errorf("expected method 'semantic', got %s", chunk.Metadata["method"])
		}
	}
}

func TestChunker_ChunkBlocksPopulatesSectionFromHeadings(t *testing.T) {
	chunker := NewChunker(domain.ChunkerConfig{
		Method:     "semantic",
		TargetSize: 20,
		MaxSize:    100,
		Overlap:    0,
	})

	blocks := []extract.ContentBlock{
		{Kind: "heading", Level: 1, Text: "Introduction", Anchor: "#introduction"},
		{Kind: "paragraph", Text: "This is the introduction paragraph with some content."},
		{Kind: "heading", Level: 2, Text: "Getting Started", Anchor: "#getting-started"},
		{Kind: "paragraph", Text: "Here is how you get started with the project."},
	}

	chunks := chunker.ChunkBlocks(blocks)

	if len(chunks) != 2 {
		t.Fatalf("expected one chunk per heading section, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Metadata["section"] != "Introduction" {
		t.Errorf("expected section %q, got %q", "Introduction", chunks[0].Metadata["section"])
	}
	if chunks[0].Metadata["heading"] != "#introduction" {
		t.Errorf("expected heading anchor %q, got %q", "#introduction", chunks[0].Metadata["heading"])
	}
	if chunks[1].Metadata["section"] != "Getting Started" {
		t.Errorf("expected section %q, got %q", "Getting Started", chunks[1].Metadata["section"])
	}
	if !strings.Contains(chunks[1].Content, "get started with the project") {
		t.Errorf("expected second chunk to contain its paragraph text, got %q", chunks[1].Content)
	}
}

func TestChunker_ChunkBlocksBreaksAtHeadings(t *testing.T) {
	chunker := NewChunker(domain.ChunkerConfig{
		Method:     "semantic",
		TargetSize: 1000, // large enough that only heading breaks force a new chunk
		MaxSize:    2000,
		Overlap:    0,
	})

	blocks := []extract.ContentBlock{
		{Kind: "heading", Level: 1, Text: "First"},
		{Kind: "paragraph", Text: "Short first section."},
		{Kind: "heading", Level: 1, Text: "Second"},
		{Kind: "paragraph", Text: "Short second section."},
	}

	chunks := chunker.ChunkBlocks(blocks)

	if len(chunks) != 2 {
		t.Fatalf("expected heading boundaries to force separate chunks, got %d: %+v", len(chunks), chunks)
	}
	if strings.Contains(chunks[0].Content, "second section") {
		t.Error("expected first chunk not to bleed into the second heading's content")
	}
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int // expected number of sentences
	}{
		{
			name:     "empty",
			input:    "",
			expected: 0,
		},
		{
			name:     "single sentence",
			input:    "This is a sentence.",
			expected: 1,
		},
		{
			name:     "multiple sentences",
			input:    "First sentence. Second sentence. Third sentence.",
			expected: 3,
		},
		{
			name:     "with exclamation",
			input:    "Hello! How are you? I am fine.",
			expected: 3,
		},
		{
			name:     "no ending punctuation",
			input:    "This has no ending punctuation",
			expected: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sentences := splitSentences(tt.input)
			if len(sentences) != tt.expected {
				t.Errorf("expected %d sentences, got %d: %v", tt.expected, len(sentences), sentences)
			}
		})
	}
}

func TestIsAbbreviation(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"Dr.", true},
		{"Mr.", true},
		{"e.g.", true},
		{"etc.", true},
		{"Hello.", false},
		{"sentence.", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := isAbbreviation(tt.input)
			if result != tt.expected {
				t.Errorf("isAbbreviation(%q) = %v, expected %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		input    string
		expected int
	}{
		{"", 0},
		{"hello", 1},
		{"hello world", 2},
		{"one two three four five", 5},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := estimateTokens(tt.input)
			if result != tt.expected {
				t.Errorf("estimateTokens(%q) = %d, expected %d", tt.input, result, tt.expected)
			}
		})
	}
}
