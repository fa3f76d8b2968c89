package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/querylens/querylens/pkg/models"
)

// ScriptEntry defines a single scripted model response.
type ScriptEntry struct {
	// Response content (exactly one of Text/ToolCalls/Err should be set;
	// Text may accompany ToolCalls).
	Text      string
	ToolCalls []ToolCallRequest
	Err       error
}

// ScriptedClient implements Client with a dual-dispatch script: sequential
// fallback for single-stage tests, plus prompt-routed entries for flows where
// call order is non-deterministic. Embeddings are deterministic hashes so
// vector paths run without a provider.
type ScriptedClient struct {
	mu             sync.Mutex
	sequential     []ScriptEntry
	seqIndex       int
	routes         map[string][]ScriptEntry // system-prompt substring → script
	routeIndex     map[string]int
	capturedInputs []*GenerateRequest

	dimension int
}

// NewScriptedClient creates an empty scripted client.
func NewScriptedClient(dimension int) *ScriptedClient {
	return &ScriptedClient{
		routes:     make(map[string][]ScriptEntry),
		routeIndex: make(map[string]int),
		dimension:  dimension,
	}
}

// AddSequential appends an entry consumed in order for non-routed calls.
func (c *ScriptedClient) AddSequential(entry ScriptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequential = append(c.sequential, entry)
}

// AddRouted appends an entry served when the system prompt contains marker.
func (c *ScriptedClient) AddRouted(marker string, entry ScriptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[marker] = append(c.routes[marker], entry)
}

// Generate implements Client.
func (c *ScriptedClient) Generate(_ context.Context, req *GenerateRequest) (*Response, error) {
	c.mu.Lock()
	c.capturedInputs = append(c.capturedInputs, req)
	entry, err := c.nextEntry(req)
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if entry.Err != nil {
		return nil, entry.Err
	}

	return &Response{
		Text:      entry.Text,
		ToolCalls: entry.ToolCalls,
		Usage:     models.TokenUsage{PromptTokens: 10, ResponseTokens: 5, TotalTokens: 15},
	}, nil
}

// Embed implements Client with deterministic hash-based vectors.
func (c *ScriptedClient) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = HashEmbedding(t, c.dimension)
	}
	return out, nil
}

// Close implements Client.
func (c *ScriptedClient) Close() error { return nil }

// CallCount returns the total number of Generate calls made.
func (c *ScriptedClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.capturedInputs)
}

// CapturedInputs returns all Generate requests seen so far.
func (c *ScriptedClient) CapturedInputs() []*GenerateRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*GenerateRequest, len(c.capturedInputs))
	copy(out, c.capturedInputs)
	return out
}

// nextEntry selects the next entry: routed dispatch first, then sequential.
// Must be called with c.mu held.
func (c *ScriptedClient) nextEntry(req *GenerateRequest) (*ScriptEntry, error) {
	system := systemPrompt(req)
	for marker, entries := range c.routes {
		if !strings.Contains(system, marker) {
			continue
		}
		idx := c.routeIndex[marker]
		if idx < len(entries) {
			c.routeIndex[marker] = idx + 1
			return &entries[idx], nil
		}
	}

	if c.seqIndex < len(c.sequential) {
		entry := &c.sequential[c.seqIndex]
		c.seqIndex++
		return entry, nil
	}

	return nil, fmt.Errorf("scripted client: no more entries (sequential=%d/%d)",
		c.seqIndex, len(c.sequential))
}

func systemPrompt(req *GenerateRequest) string {
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			return m.Content
		}
	}
	return ""
}

// HashEmbedding produces a deterministic pseudo-embedding for text. Texts
// sharing a leading word land close together, which is enough to exercise
// chunking and retrieval without a real embedder.
func HashEmbedding(text string, dimension int) []float32 {
	if dimension <= 0 {
		dimension = 16
	}
	vec := make([]float32, dimension)

	// The first word dominates the vector so that sentences about the same
	// subject cluster.
	words := strings.Fields(strings.ToLower(text))
	var h uint32 = 2166136261
	if len(words) > 0 {
		for _, b := range []byte(words[0]) {
			h = (h ^ uint32(b)) * 16777619
		}
	}
	for i := range vec {
		h = h*1664525 + 1013904223
		vec[i] = float32(h%1000)/1000.0 - 0.5
	}
	return vec
}

var _ Client = (*ScriptedClient)(nil)
