package chunker

import "strings"

// EstimateTokens gives a rough token count using a words-based heuristic.
// Exact tokenization is not required for budgeting; the margin is absorbed
// by the output-token reserve.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	// Roughly 1.33 tokens per word for prose.
	tokens := int(float64(words) * 1.33)
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// SplitByBudget breaks text into parts that each fit maxTokens, splitting on
// paragraph boundaries first, then sentences, then raw words for a sentence
// that alone exceeds the budget. Concatenating the parts preserves all
// content in order.
func SplitByBudget(text string, maxTokens int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if maxTokens <= 0 || EstimateTokens(text) <= maxTokens {
		return []string{text}
	}

	var result []string
	var current strings.Builder
	currentTokens := 0

	flush := func() {
		if currentTokens > 0 {
			result = append(result, current.String())
			current.Reset()
			currentTokens = 0
		}
	}

	for _, para := range splitByParagraphs(text) {
		paraTokens := EstimateTokens(para)

		// A single paragraph over the budget is split by sentences.
		if paraTokens > maxTokens {
			flush()
			result = append(result, splitBySentences(para, maxTokens)...)
			continue
		}

		if currentTokens+paraTokens > maxTokens {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
		currentTokens += paraTokens
	}
	flush()

	return result
}

// splitByParagraphs splits on double-newlines.
func splitByParagraphs(text string) []string {
	parts := strings.Split(text, "\n\n")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// splitBySentences breaks a large paragraph into sentence-based parts.
func splitBySentences(text string, maxTokens int) []string {
	var result []string
	var current strings.Builder
	currentTokens := 0

	for _, sent := range splitSentences(text) {
		sentTokens := EstimateTokens(sent)

		// A single sentence over the budget gets a hard word-boundary cut.
		if sentTokens > maxTokens {
			if currentTokens > 0 {
				result = append(result, current.String())
				current.Reset()
				currentTokens = 0
			}
			result = append(result, splitByWords(sent, maxTokens)...)
			continue
		}

		if currentTokens+sentTokens > maxTokens && currentTokens > 0 {
			result = append(result, current.String())
			current.Reset()
			currentTokens = 0
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sent)
		currentTokens += sentTokens
	}
	if currentTokens > 0 {
		result = append(result, current.String())
	}

	return result
}

// splitSentences does basic sentence splitting.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	for i, r := range text {
		current.WriteRune(r)
		if (r == '.' || r == '!' || r == '?') && i+1 < len(text) && text[i+1] == ' ' {
			sentences = append(sentences, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if current.Len() > 0 {
		sentences = append(sentences, strings.TrimSpace(current.String()))
	}

	return sentences
}

// splitByWords hard-cuts text into groups of at most maxTokens worth of words.
func splitByWords(text string, maxTokens int) []string {
	words := strings.Fields(text)
	// Approximate: 1.33 tokens per word.
	perPart := int(float64(maxTokens) / 1.33)
	if perPart < 1 {
		perPart = 1
	}

	var result []string
	for start := 0; start < len(words); start += perPart {
		end := start + perPart
		if end > len(words) {
			end = len(words)
		}
		result = append(result, strings.Join(words[start:end], " "))
	}
	return result
}
