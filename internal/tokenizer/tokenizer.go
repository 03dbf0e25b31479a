// Package tokenizer maps raw text onto the fixed-shape token tensors the
// inference backend expects. Texts longer than the configured max sequence
// length are truncated to the first maxSeq tokens; the truncated count is
// what flows into usage totals. Every row is padded to maxSeq because one
// backend call carries a single [batch, seq] shape.
package tokenizer

import (
	"fmt"

	"loom-api/internal/dispatch"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// Encoding is the raw output of an Encoder before truncation and padding.
type Encoding struct {
	IDs           []int64
	AttentionMask []int64
}

// Encoder produces token ids for a single text. Implementations must be
// safe for concurrent use and must apply the same encoding regardless of
// the text's position in a larger request.
type Encoder interface {
	Encode(text string) (Encoding, error)
}

// Adapter applies the max-sequence-length policy on top of an Encoder and
// emits dispatch items ready for batching.
type Adapter struct {
	enc    Encoder
	maxSeq int
}

func NewAdapter(enc Encoder, maxSeq int) *Adapter {
	return &Adapter{enc: enc, maxSeq: maxSeq}
}

// EncodeItems tokenizes each text into a dispatch item carrying its original
// index. The second return is the total token count across all items.
func (a *Adapter) EncodeItems(texts []string) ([]dispatch.Item, int, error) {
	items := make([]dispatch.Item, len(texts))
	total := 0
	for i, text := range texts {
		item, err := a.encodeOne(i, text)
		if err != nil {
			return nil, 0, err
		}
		items[i] = item
		total += item.TokenCount
	}
	return items, total, nil
}

// EncodePairs tokenizes every query+document pair for reranking. The pair
// text mirrors the deployed reranker's training format.
func (a *Adapter) EncodePairs(query string, documents []string) ([]dispatch.Item, int, error) {
	items := make([]dispatch.Item, len(documents))
	total := 0
	for i, doc := range documents {
		item, err := a.encodeOne(i, fmt.Sprintf("%s [SEP] %s", query, doc))
		if err != nil {
			return nil, 0, err
		}
		items[i] = item
		total += item.TokenCount
	}
	return items, total, nil
}

func (a *Adapter) encodeOne(index int, text string) (dispatch.Item, error) {
	enc, err := a.enc.Encode(text)
	if err != nil {
		return dispatch.Item{}, fmt.Errorf("tokenize item %d: %w", index, err)
	}

	ids := enc.IDs
	mask := enc.AttentionMask
	if len(mask) != len(ids) {
		return dispatch.Item{}, fmt.Errorf("tokenize item %d: %d attention values for %d tokens", index, len(mask), len(ids))
	}

	if len(ids) > a.maxSeq {
		ids = ids[:a.maxSeq]
		mask = mask[:a.maxSeq]
	}
	count := len(ids)

	if len(ids) < a.maxSeq {
		padded := make([]int64, a.maxSeq)
		copy(padded, ids)
		ids = padded
		paddedMask := make([]int64, a.maxSeq)
		copy(paddedMask, mask)
		mask = paddedMask
	}

	return dispatch.Item{
		Index:         index,
		Text:          text,
		TokenCount:    count,
		InputIDs:      ids,
		AttentionMask: mask,
	}, nil
}

// hfEncoder wraps a HuggingFace tokenizer.json definition.
type hfEncoder struct {
	tk *tokenizer.Tokenizer
}

// NewHFEncoder loads a tokenizer.json file from disk.
func NewHFEncoder(file string) (Encoder, error) {
	tk, err := pretrained.FromFile(file)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %s: %w", file, err)
	}
	return &hfEncoder{tk: tk}, nil
}

func (e *hfEncoder) Encode(text string) (Encoding, error) {
	en, err := e.tk.EncodeSingle(text, true)
	if err != nil {
		return Encoding{}, err
	}

	ids := make([]int64, len(en.Ids))
	for i, id := range en.Ids {
		ids[i] = int64(id)
	}
	mask := make([]int64, len(en.AttentionMask))
	for i, m := range en.AttentionMask {
		mask[i] = int64(m)
	}
	return Encoding{IDs: ids, AttentionMask: mask}, nil
}
