package kb

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/querylens/querylens/pkg/llm"
	"github.com/querylens/querylens/pkg/vector"
)

// ErrNoContextAvailable means the tenant's knowledge base had nothing
// relevant to ground an answer on.
var ErrNoContextAvailable = errors.New("no context available")

const answerSystemPrompt = `You are a helpful assistant answering questions about a company's internal documentation.
Answer using ONLY the provided context. If the context does not contain the answer, say so plainly.
Keep answers concise.`

// Answerer implements retrieval-augmented question answering over a tenant's
// knowledge base: embed the question, fetch the closest chunks, and answer
// from them with a single tool-free model call.
type Answerer struct {
	store  vector.Store
	client llm.Client
	topK   int
}

// NewAnswerer creates an answerer with the standard retrieval depth.
func NewAnswerer(store vector.Store, client llm.Client) *Answerer {
	return &Answerer{store: store, client: client, topK: 4}
}

// Answer resolves one question and returns the answer together with the
// chunk texts it was grounded on. Returns ErrNoContextAvailable when
// retrieval comes back empty.
func (a *Answerer) Answer(ctx context.Context, tenantID, question string) (string, []string, error) {
	vectors, err := a.client.Embed(ctx, []string{question})
	if err != nil {
		return "", nil, fmt.Errorf("embed question: %w", err)
	}
	if len(vectors) == 0 {
		return "", nil, fmt.Errorf("embed question: no vector returned")
	}

	results, err := a.store.Query(ctx, vector.TenantCollection(tenantID), vectors[0], a.topK, nil)
	if err != nil {
		return "", nil, fmt.Errorf("retrieve context: %w", err)
	}
	if len(results) == 0 {
		return "", nil, ErrNoContextAvailable
	}

	contexts := make([]string, 0, len(results))
	var sb strings.Builder
	sb.WriteString("Context:\n\n")
	for _, r := range results {
		contexts = append(contexts, r.Content)
		if name := r.Metadata["filename"]; name != "" {
			fmt.Fprintf(&sb, "[%s]\n", name)
		}
		sb.WriteString(r.Content)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "Question: %s", question)

	resp, err := a.client.Generate(ctx, &llm.GenerateRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: answerSystemPrompt},
			{Role: llm.RoleUser, Content: sb.String()},
		},
	})
	if err != nil {
		return "", nil, fmt.Errorf("generate answer: %w", err)
	}
	return resp.Text, contexts, nil
}
