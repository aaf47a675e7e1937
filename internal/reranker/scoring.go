package reranker

import "strings"

// tokenize converts content into a set of lowercase words for similarity comparison.
func tokenize(content string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(content))
	wordSet := make(map[string]struct{}, len(words))
	for _, word := range words {
		word = strings.Trim(word, ".,!?;:\"'()[]{}=<>")
		if len(word) > 2 {
			wordSet[word] = struct{}{}
		}
	}
	return wordSet
}

// jaccardSimilarity computes the Jaccard similarity between two word sets.
// Returns a value between 0 (no overlap) and 1 (identical).
func jaccardSimilarity(set1, set2 map[string]struct{}) float64 {
	if len(set1) == 0 && len(set2) == 0 {
		return 1.0
	}
	if len(set1) == 0 || len(set2) == 0 {
		return 0.0
	}

	intersection := 0
	for word := range set1 {
		if _, exists := set2[word]; exists {
			intersection++
		}
	}

	union := len(set1) + len(set2) - intersection
	return float64(intersection) / float64(union)
}

// LexicalScore returns the fraction of query terms present in content, a cheap
// term-overlap signal computed without an LLM call. No retrieval or rerank path
// in this module calls it.
func LexicalScore(query, content string) float64 {
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return 0
	}
	contentTerms := tokenize(content)
	matched := 0
	for term := range queryTerms {
		if _, ok := contentTerms[term]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTerms))
}

// Deduplicate removes results whose content is near-duplicate (Jaccard
// similarity >= threshold) of an already-kept, higher-scored result. results
// must already be sorted by score descending.
func Deduplicate[T any](results []T, content func(T) string, threshold float64) []T {
	if len(results) <= 1 {
		return results
	}

	wordSets := make([]map[string]struct{}, len(results))
	for i, r := range results {
		wordSets[i] = tokenize(content(r))
	}

	keep := make([]bool, len(results))
	for i := range keep {
		keep[i] = true
	}

	for i := 0; i < len(results); i++ {
		if !keep[i] {
			continue
		}
		for j := i + 1; j < len(results); j++ {
			if !keep[j] {
				continue
			}
			if jaccardSimilarity(wordSets[i], wordSets[j]) >= threshold {
				keep[j] = false
			}
		}
	}

	deduped := make([]T, 0, len(results))
	for i, r := range results {
		if keep[i] {
			deduped = append(deduped, r)
		}
	}
	return deduped
}
