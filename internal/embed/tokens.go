package embed

import (
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// tokenCounter estimates input tokens locally for providers that omit usage
// figures from their responses. Uses the cl100k_base BPE; when the codec
// cannot be constructed it falls back to a rough word count.
type tokenCounter struct {
	codec tokenizer.Codec
}

func newTokenCounter() *tokenCounter {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return &tokenCounter{}
	}
	return &tokenCounter{codec: codec}
}

func (tc *tokenCounter) count(texts []string) int {
	total := 0
	for _, text := range texts {
		if tc.codec != nil {
			if n, err := tc.codec.Count(text); err == nil {
				total += n
				continue
			}
		}
		total += len(strings.Fields(text))
	}
	return total
}
