package inference

import (
	"fmt"
	"sort"

	"loom-api/internal/dispatch"
	"loom-api/internal/shared"
)

// assembleEmbeddings reorders backend results into request order. Results
// may arrive in any completion order; only the original index decides
// placement. A missing or duplicate index means the pipeline broke its
// contract and is reported as an internal error, never as partial data.
func assembleEmbeddings(results []dispatch.Result, n int) ([]shared.EmbeddingData, error) {
	if len(results) != n {
		return nil, fmt.Errorf("assemble: got %d results for %d items", len(results), n)
	}

	data := make([]shared.EmbeddingData, n)
	seen := make([]bool, n)
	for _, res := range results {
		if res.Index < 0 || res.Index >= n {
			return nil, fmt.Errorf("assemble: result index %d out of range [0,%d)", res.Index, n)
		}
		if seen[res.Index] {
			return nil, fmt.Errorf("assemble: duplicate result index %d", res.Index)
		}
		seen[res.Index] = true
		data[res.Index] = shared.EmbeddingData{
			Object:    "embedding",
			Embedding: res.Vector,
			Index:     res.Index,
		}
	}
	return data, nil
}

// assembleRerank scores-sorts backend results descending, breaking ties by
// ascending original index, then truncates to topN. A nil topN, or one at
// or past the document count, returns the full sorted list.
func assembleRerank(results []dispatch.Result, documents []string, topN *int, returnDocuments bool) ([]shared.RerankResult, error) {
	n := len(documents)
	if len(results) != n {
		return nil, fmt.Errorf("assemble: got %d scores for %d documents", len(results), n)
	}

	ranked := make([]shared.RerankResult, n)
	seen := make([]bool, n)
	for _, res := range results {
		if res.Index < 0 || res.Index >= n {
			return nil, fmt.Errorf("assemble: score index %d out of range [0,%d)", res.Index, n)
		}
		if seen[res.Index] {
			return nil, fmt.Errorf("assemble: duplicate score index %d", res.Index)
		}
		seen[res.Index] = true
		ranked[res.Index] = shared.RerankResult{
			Index:          res.Index,
			RelevanceScore: res.Score,
		}
		if returnDocuments {
			doc := documents[res.Index]
			ranked[res.Index].Document = &doc
		}
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].RelevanceScore != ranked[j].RelevanceScore {
			return ranked[i].RelevanceScore > ranked[j].RelevanceScore
		}
		return ranked[i].Index < ranked[j].Index
	})

	if topN != nil && *topN < len(ranked) {
		ranked = ranked[:*topN]
	}
	return ranked, nil
}
