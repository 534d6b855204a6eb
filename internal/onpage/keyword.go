package onpage

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"
)

func tokenize(text string) ([]string, error) {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithSegmentation(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to tokenize text: %w", err)
	}

	tokens := doc.Tokens()
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, strings.ToLower(tok.Text))
	}
	return out, nil
}

func isWord(token string) bool {
	for _, r := range token {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// CountOccurrences counts non-overlapping, case-insensitive matches of the
// keyword's token sequence in text.
func CountOccurrences(text, keyword string) (int, error) {
	textTokens, err := tokenize(text)
	if err != nil {
		return 0, err
	}
	keyTokens, err := tokenize(keyword)
	if err != nil {
		return 0, err
	}
	if len(keyTokens) == 0 {
		return 0, nil
	}

	count := 0
	for i := 0; i+len(keyTokens) <= len(textTokens); {
		match := true
		for j, kt := range keyTokens {
			if textTokens[i+j] != kt {
				match = false
				break
			}
		}
		if match {
			count++
			i += len(keyTokens)
			continue
		}
		i++
	}
	return count, nil
}

// KeywordDensity is occurrences / wordCount * 100. A zero wordCount falls back
// to the number of word tokens in text.
func KeywordDensity(text, keyword string, wordCount int) (float64, error) {
	occurrences, err := CountOccurrences(text, keyword)
	if err != nil {
		return 0, err
	}

	if wordCount <= 0 {
		tokens, err := tokenize(text)
		if err != nil {
			return 0, err
		}
		for _, tok := range tokens {
			if isWord(tok) {
				wordCount++
			}
		}
	}
	if wordCount == 0 {
		return 0, nil
	}

	return float64(occurrences) / float64(wordCount) * 100, nil
}
