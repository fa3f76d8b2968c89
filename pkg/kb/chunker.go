// Package kb implements the knowledge base: semantic chunking, document
// ingestion, and retrieval-augmented question answering.
package kb

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/querylens/querylens/pkg/llm"
)

// Chunking defaults.
const (
	DefaultMaxChunkSize        = 1000
	DefaultSimilarityThreshold = 0.5
)

// Chunk is one semantically coherent span of a document. The embedding is
// the centroid of the chunk's sentence embeddings.
type Chunk struct {
	Text      string
	Embedding []float32
}

// Chunker splits documents into chunks along topic boundaries: a sentence
// starts a new chunk when it no longer resembles the running centroid of the
// current one, or when the size budget runs out.
type Chunker struct {
	embedder            llm.Client
	maxChunkSize        int
	similarityThreshold float64
}

// NewChunker creates a chunker with the standard bounds.
func NewChunker(embedder llm.Client) *Chunker {
	return &Chunker{
		embedder:            embedder,
		maxChunkSize:        DefaultMaxChunkSize,
		similarityThreshold: DefaultSimilarityThreshold,
	}
}

// Chunk splits text and embeds every sentence in one batch. Empty input
// yields no chunks.
func (c *Chunker) Chunk(ctx context.Context, text string) ([]Chunk, error) {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil, nil
	}

	embeddings, err := c.embedder.Embed(ctx, sentences)
	if err != nil {
		return nil, fmt.Errorf("embed %d sentences: %w", len(sentences), err)
	}
	if len(embeddings) != len(sentences) {
		return nil, fmt.Errorf("embedding count mismatch: %d sentences, %d vectors",
			len(sentences), len(embeddings))
	}

	if len(sentences) == 1 {
		return []Chunk{{Text: sentences[0], Embedding: embeddings[0]}}, nil
	}

	var chunks []Chunk
	current := newCentroid(embeddings[0])
	currentSentences := []string{sentences[0]}
	currentSize := len(sentences[0])

	flush := func() {
		chunks = append(chunks, Chunk{
			Text:      strings.Join(currentSentences, " "),
			Embedding: current.vector(),
		})
	}

	for i := 1; i < len(sentences); i++ {
		sentence := sentences[i]
		emb := embeddings[i]

		// Size bound first, then the topic check against the centroid.
		// Zero-norm vectors read as dissimilar, which forces a split rather
		// than letting a degenerate embedding absorb everything.
		if currentSize+len(sentence) > c.maxChunkSize ||
			cosineSimilarity(current.mean(), emb) < c.similarityThreshold {
			flush()
			current = newCentroid(emb)
			currentSentences = []string{sentence}
			currentSize = len(sentence)
			continue
		}

		current.add(emb)
		currentSentences = append(currentSentences, sentence)
		currentSize += len(sentence)
	}
	flush()

	return chunks, nil
}

// centroid tracks a running mean as (sum, count) so adding a sentence is one
// vector addition.
type centroid struct {
	sum   []float64
	count int
}

func newCentroid(v []float32) *centroid {
	sum := make([]float64, len(v))
	for i, x := range v {
		sum[i] = float64(x)
	}
	return &centroid{sum: sum, count: 1}
}

func (c *centroid) add(v []float32) {
	for i := 0; i < len(c.sum) && i < len(v); i++ {
		c.sum[i] += float64(v[i])
	}
	c.count++
}

func (c *centroid) mean() []float64 {
	out := make([]float64, len(c.sum))
	for i, x := range c.sum {
		out[i] = x / float64(c.count)
	}
	return out
}

func (c *centroid) vector() []float32 {
	mean := c.mean()
	out := make([]float32, len(mean))
	for i, x := range mean {
		out[i] = float32(x)
	}
	return out
}

func cosineSimilarity(a []float64, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		bv := float64(b[i])
		dot += a[i] * bv
		normA += a[i] * a[i]
		normB += bv * bv
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// splitSentences breaks text on sentence terminators followed by whitespace.
func splitSentences(text string) []string {
	var sentences []string
	var sb strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		sb.WriteRune(runes[i])
		if isTerminator(runes[i]) {
			// Swallow consecutive terminators ("..." or "?!").
			for i+1 < len(runes) && isTerminator(runes[i+1]) {
				i++
				sb.WriteRune(runes[i])
			}
			if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				if s := strings.TrimSpace(sb.String()); s != "" {
					sentences = append(sentences, s)
				}
				sb.Reset()
			}
		}
	}
	if s := strings.TrimSpace(sb.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
