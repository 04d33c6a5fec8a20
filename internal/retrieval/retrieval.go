// Package retrieval assembles project context from stored chunks.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"panther/internal/store"
)

// DefaultK is the chunk count used when a caller passes zero.
const DefaultK = 8

// ChunkSource reads the most recent chunks of a project.
type ChunkSource interface {
	RecentChunks(ctx context.Context, projectID string, k int) ([]store.Chunk, error)
}

// RagContext is the retrieved project context.
type RagContext struct {
	Chunks       []store.Chunk
	CombinedText string
}

// Empty reports whether nothing was retrieved.
func (r RagContext) Empty() bool { return r.CombinedText == "" }

// Retriever fetches project context.
type Retriever struct {
	source ChunkSource
}

// New returns a retriever over source.
func New(source ChunkSource) *Retriever {
	return &Retriever{source: source}
}

// Retrieve returns the k most recent chunks of projectID, newest source
// first, each prefixed with its source and chunk index. An empty project
// id yields an empty context.
func (r *Retriever) Retrieve(ctx context.Context, projectID string, k int) (RagContext, error) {
	if projectID == "" || r == nil || r.source == nil {
		return RagContext{}, nil
	}
	if k <= 0 {
		k = DefaultK
	}

	chunks, err := r.source.RecentChunks(ctx, projectID, k)
	if err != nil {
		return RagContext{}, fmt.Errorf("retrieve project %q: %w", projectID, err)
	}

	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		parts = append(parts, fmt.Sprintf("[source:%s chunk:%d]\n%s", c.SourceID, c.ChunkIndex, c.Content))
	}
	return RagContext{Chunks: chunks, CombinedText: strings.Join(parts, "\n\n")}, nil
}
