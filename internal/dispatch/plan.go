// Package dispatch partitions a request into backend-sized batches and
// drives them through the inference backend with bounded concurrency.
package dispatch

// Item is one input text after tokenization. Index is the position the item
// held in the caller's request and follows the item through batching,
// inference and reassembly.
type Item struct {
	Index         int
	Text          string
	TokenCount    int
	InputIDs      []int64
	AttentionMask []int64
}

// Batch is a bounded group of items sent to the backend in one call.
type Batch struct {
	Index int
	Items []Item
}

// Result is one per-item backend output, tagged with the item's original
// request index. Vector is set for embedding tasks, Score for rerank tasks.
type Result struct {
	Index  int
	Vector []float32
	Score  float32
}

// Plan greedily groups items into contiguous batches of at most maxBatch
// entries. The batches partition the input exactly: concatenated in order
// they reproduce the item sequence. An empty input plans zero batches.
func Plan(items []Item, maxBatch int) []Batch {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	if len(items) == 0 {
		return nil
	}

	batches := make([]Batch, 0, (len(items)+maxBatch-1)/maxBatch)
	for start := 0; start < len(items); start += maxBatch {
		end := start + maxBatch
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, Batch{
			Index: len(batches),
			Items: items[start:end],
		})
	}
	return batches
}
