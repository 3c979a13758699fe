package search

import "maps"

// DefaultAnalysis returns the analyzers attached to every index created by
// searchsync. Mappings may reference them by name.
func DefaultAnalysis() map[string]any {
	return map[string]any{
		"analyzer": map[string]any{
			"lowercase_keyword_analyzer": map[string]any{
				"type":      "custom",
				"tokenizer": "keyword",
				"filter":    []any{"lowercase"},
			},
			// Partial matching on three-character grams.
			"trigram_analyzer": map[string]any{
				"type":        "custom",
				"tokenizer":   "trigram",
				"char_filter": []any{"special_chars"},
				"filter":      []any{"lowercase"},
			},
			"english_analyzer": map[string]any{
				"type":      "custom",
				"tokenizer": "standard",
				"filter": []any{
					"english_possessive_stemmer",
					"lowercase",
					"english_stop",
					"english_stemmer",
				},
			},
			"lowercase_analyzer": map[string]any{
				"type":      "custom",
				"tokenizer": "standard",
				"filter":    []any{"lowercase"},
			},
		},
		"tokenizer": map[string]any{
			"trigram": map[string]any{
				"type":        "nGram",
				"min_gram":    3,
				"max_gram":    3,
				"token_chars": []any{"letter", "digit"},
			},
		},
		// "t-shirt" and "tshirt" match.
		"char_filter": map[string]any{
			"special_chars": map[string]any{
				"type":     "mapping",
				"mappings": []any{"-=>"},
			},
		},
		"filter": map[string]any{
			"english_possessive_stemmer": map[string]any{"type": "stemmer", "language": "possessive_english"},
			"english_stemmer":            map[string]any{"type": "stemmer", "language": "english"},
			"english_stop":               map[string]any{"type": "stop", "stopwords": "_english_"},
		},
	}
}

// NewIndexBody merges settings with the default analysis block (unless
// withAnalysis is false) and pairs them with mappings.
func NewIndexBody(settings map[string]any, mappings map[string]any, withAnalysis bool) IndexBody {
	merged := make(map[string]any, len(settings)+1)
	maps.Copy(merged, settings)
	if withAnalysis {
		if _, ok := merged["analysis"]; !ok {
			merged["analysis"] = DefaultAnalysis()
		}
	}
	return IndexBody{Settings: merged, Mappings: mappings}
}
