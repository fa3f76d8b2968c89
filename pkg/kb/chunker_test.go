package kb

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querylens/querylens/pkg/llm"
)

// fixedEmbedder returns pre-programmed vectors keyed by sentence text,
// falling back to hash embeddings.
type fixedEmbedder struct {
	vectors map[string][]float32
}

func (f *fixedEmbedder) Generate(_ context.Context, _ *llm.GenerateRequest) (*llm.Response, error) {
	return &llm.Response{}, nil
}

func (f *fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vectors[t]; ok {
			out[i] = v
		} else {
			out[i] = llm.HashEmbedding(t, 8)
		}
	}
	return out, nil
}

func (f *fixedEmbedder) Close() error { return nil }

func TestChunkerEmptyInput(t *testing.T) {
	c := NewChunker(llm.NewScriptedClient(8))

	chunks, err := c.Chunk(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, chunks)

	chunks, err = c.Chunk(context.Background(), "   \n\t ")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestChunkerSingleSentence(t *testing.T) {
	c := NewChunker(llm.NewScriptedClient(8))

	chunks, err := c.Chunk(context.Background(), "Revenue grew in March.")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Revenue grew in March.", chunks[0].Text)
	assert.NotEmpty(t, chunks[0].Embedding)
}

func TestChunkerTopicShift(t *testing.T) {
	// Two orthogonal topics: sales sentences on one axis, penguin sentences
	// on the other.
	sales := []float32{1.0, 0.0}
	penguins := []float32{0.0, 1.0}
	embedder := &fixedEmbedder{vectors: map[string][]float32{
		"Sales grew fast.":             sales,
		"Sales doubled in spring.":     sales,
		"Sales slowed by June.":        sales,
		"Penguins live in Antarctica.": penguins,
		"Penguins eat fish.":           penguins,
		"Penguins huddle for warmth.":  penguins,
	}}
	text := "Sales grew fast. Sales doubled in spring. Sales slowed by June. " +
		"Penguins live in Antarctica. Penguins eat fish. Penguins huddle for warmth."

	c := NewChunker(embedder)
	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)

	require.Len(t, chunks, 2)
	assert.True(t, strings.HasPrefix(chunks[0].Text, "Sales grew fast."))
	assert.Contains(t, chunks[0].Text, "slowed by June")
	assert.True(t, strings.HasPrefix(chunks[1].Text, "Penguins live"))
	assert.Contains(t, chunks[1].Text, "huddle for warmth")
}

func TestChunkerSizeBudget(t *testing.T) {
	// Same topic throughout, but the size budget still splits.
	sentence := "Sales " + strings.Repeat("x", 394) + "."
	text := strings.Join([]string{sentence, sentence, sentence}, " ")

	c := NewChunker(llm.NewScriptedClient(8))
	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)

	// 400 + 400 fits in 1000; the third sentence would overflow.
	require.Len(t, chunks, 2)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk.Text), DefaultMaxChunkSize)
	}
}

func TestChunkerZeroNormSplits(t *testing.T) {
	zero := make([]float32, 8)
	embedder := &fixedEmbedder{vectors: map[string][]float32{
		"Second sentence here.": zero,
	}}

	c := NewChunker(embedder)
	chunks, err := c.Chunk(context.Background(), "First sentence here. Second sentence here.")
	require.NoError(t, err)

	// A degenerate embedding reads as dissimilar and starts its own chunk.
	require.Len(t, chunks, 2)
}

func TestChunkerCentroidDrift(t *testing.T) {
	// Vectors drift gradually; each stays close to the running centroid even
	// though the first and last differ more. The centroid keeps them together.
	embedder := &fixedEmbedder{vectors: map[string][]float32{
		"Alpha one.":   {1.0, 0.0},
		"Alpha two.":   {0.9, 0.3},
		"Alpha three.": {0.8, 0.5},
	}}

	c := NewChunker(embedder)
	chunks, err := c.Chunk(context.Background(), "Alpha one. Alpha two. Alpha three.")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Alpha one. Alpha two. Alpha three.", chunks[0].Text)
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "basic",
			text: "One. Two! Three?",
			want: []string{"One.", "Two!", "Three?"},
		},
		{
			name: "consecutive terminators",
			text: "Wait... Really?! Yes.",
			want: []string{"Wait...", "Really?!", "Yes."},
		},
		{
			name: "no trailing terminator",
			text: "First. second has no period",
			want: []string{"First.", "second has no period"},
		},
		{
			name: "decimal number stays intact",
			text: "Revenue was 3.5 million. Good.",
			want: []string{"Revenue was 3.5 million.", "Good."},
		},
		{
			name: "empty",
			text: "",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitSentences(tt.text))
		})
	}
}
