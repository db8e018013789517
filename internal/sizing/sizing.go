// Package sizing classifies collections by point count and derives the
// retrieval parameters each size class should use.
package sizing

// Category names a collection size class.
type Category string

const (
	CategoryTiny   Category = "tiny"
	CategorySmall  Category = "small"
	CategoryMedium Category = "medium"
	CategoryLarge  Category = "large"
	CategoryHuge   Category = "huge"
)

// DefaultAssumedPoints is used when the point count cannot be determined.
const DefaultAssumedPoints = 10_000

// Info holds the retrieval parameters for a collection size class.
type Info struct {
	Category       Category `json:"category"`
	Points         uint64   `json:"points"`
	ContextWindow  int      `json:"context_window"`
	QueryLimit     int      `json:"query_limit"`
	ScoreThreshold float32  `json:"score_threshold"`
}

// Classify maps a point count to its size class and retrieval parameters.
func Classify(points uint64) Info {
	info := Info{Points: points}

	switch {
	case points < 1_000:
		info.Category = CategoryTiny
		info.ContextWindow = 4_096
		info.QueryLimit = 5
		info.ScoreThreshold = 0.15
	case points < 10_000:
		info.Category = CategorySmall
		info.ContextWindow = 8_192
		info.QueryLimit = 10
		info.ScoreThreshold = 0.25
	case points < 1_000_000:
		info.Category = CategoryMedium
		info.ContextWindow = 16_384
		info.QueryLimit = 15
		info.ScoreThreshold = 0.30
	case points < 100_000_000:
		info.Category = CategoryLarge
		info.ContextWindow = 32_768
		info.QueryLimit = 20
		info.ScoreThreshold = 0.40
	default:
		info.Category = CategoryHuge
		info.ContextWindow = 65_536
		info.QueryLimit = 25
		info.ScoreThreshold = 0.45
	}

	return info
}

// Fallback is the degraded answer shape used when sizing cannot be
// determined at query time.
func Fallback() Info {
	return Info{
		Category:      CategorySmall,
		ContextWindow: 4_096,
		QueryLimit:    5,
	}
}
