package theme

import (
	"strings"
	"unicode/utf8"
)

// PickLabel selects the most specific topic in the list as the cluster
// label: greatest whitespace-token word count, ties broken by greater
// character length, further ties by earliest occurrence. A later candidate
// must be strictly better to win.
func PickLabel(topics []string) string {
	if len(topics) == 0 {
		return Uncategorized
	}

	best := topics[0]
	bestWords := wordCount(best)
	bestChars := utf8.RuneCountInString(best)

	for _, topic := range topics[1:] {
		words := wordCount(topic)
		chars := utf8.RuneCountInString(topic)
		if words > bestWords || (words == bestWords && chars > bestChars) {
			best, bestWords, bestChars = topic, words, chars
		}
	}
	return best
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
