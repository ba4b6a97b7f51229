package embeddings

import (
	"context"
	"fmt"

	"github.com/chorus-labs/chorus/pkg/store"
)

// Recaller answers "what past messages resemble this one" for the
// response pipeline's prompt enrichment.
type Recaller struct {
	messages *store.Store
	vectors  *Store
	tei      *TEIClient
}

// NewRecaller wires the recall path.
func NewRecaller(messages *store.Store, vectors *Store, tei *TEIClient) *Recaller {
	return &Recaller{messages: messages, vectors: vectors, tei: tei}
}

// RecallSimilar returns up to limit past message texts from the channel
// that are semantically close to the query, most similar first.
func (r *Recaller) RecallSimilar(ctx context.Context, channelID, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 3
	}

	queryVec, err := r.tei.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := r.vectors.Search(ctx, channelID, queryVec, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(results))
	for i, res := range results {
		ids[i] = res.MessageRowID
	}
	msgs, err := r.messages.MessagesByRowIDs(ids)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	byID := make(map[int64]store.Message, len(msgs))
	for _, m := range msgs {
		byID[m.RowID] = m
	}

	// Preserve similarity order from the vector search.
	var out []string
	for _, res := range results {
		if m, ok := byID[res.MessageRowID]; ok && m.Content != "" {
			out = append(out, m.Content)
		}
	}
	return out, nil
}
