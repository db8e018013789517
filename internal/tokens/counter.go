// Package tokens provides model-aware token counting and budget-constrained
// batch grouping for embedding requests.
package tokens

import (
	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens the way a specific embedding model does.
type Counter struct {
	encoding *tiktoken.Tiktoken
}

// NewCounter returns a counter for the given model. If the model is unknown
// the cl100k_base encoding is used; if that also fails the counter falls back
// to a character-ratio estimate.
func NewCounter(model string) *Counter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	return &Counter{encoding: enc}
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	if c.encoding == nil {
		// Rough estimate: English text averages ~4 chars per token.
		return (len(text) + 3) / 4
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// CountAll returns the token count of each text.
func (c *Counter) CountAll(texts []string) []int {
	counts := make([]int, len(texts))
	for i, t := range texts {
		counts[i] = c.Count(t)
	}
	return counts
}

// GroupByBudget partitions the texts into ordered groups of indices such that
// each group holds at most maxItems texts and at most tokenBudget tokens.
// A single text exceeding the budget on its own is emitted as a singleton
// group rather than dropped; the caller decides how to handle it.
//
// The relative order of texts is preserved within and across groups.
func (c *Counter) GroupByBudget(texts []string, maxItems, tokenBudget int) [][]int {
	if len(texts) == 0 {
		return nil
	}

	var (
		groups  [][]int
		current []int
		used    int
	)

	flush := func() {
		if len(current) > 0 {
			groups = append(groups, current)
			current = nil
			used = 0
		}
	}

	for i, text := range texts {
		n := c.Count(text)
		if len(current) >= maxItems || (len(current) > 0 && used+n > tokenBudget) {
			flush()
		}
		current = append(current, i)
		used += n
	}
	flush()

	return groups
}
