package nbayes

import "strings"

// trimSet is the set of punctuation stripped from both ends of a token
const trimSet = `.,!?;:"()[]{}`

// tokenize splits text on whitespace, lowercases and trims punctuation from every token.
// Tokens made of punctuation only are dropped. Fit and Classify both go through this function.
func tokenize(text string) []string {
	fields := strings.Fields(text)
	res := make([]string, 0, len(fields))
	for _, f := range fields {
		if token := normalize(f); token != "" {
			res = append(res, token)
		}
	}
	return res
}

// normalize lowercases a single token and strips leading/trailing punctuation
func normalize(token string) string {
	return strings.Trim(strings.ToLower(token), trimSet)
}
