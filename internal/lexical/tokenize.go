package lexical

import (
	"strings"
	"unicode"
)

// Tokenize splits text into lowercase search terms.
//
// Every identifier is kept whole and also split on snake_case and
// camelCase boundaries, so "parseHTTPRequest" yields "parsehttprequest",
// "parse", "http" and "request". Terms shorter than two characters are
// dropped.
func Tokenize(text string) []string {
	var tokens []string
	for _, word := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	}) {
		whole := strings.ToLower(strings.Trim(word, "_"))
		if len([]rune(whole)) < 2 {
			continue
		}
		tokens = append(tokens, whole)

		parts := splitIdentifier(word)
		if len(parts) < 2 {
			continue
		}
		for _, p := range parts {
			if len([]rune(p)) >= 2 {
				tokens = append(tokens, strings.ToLower(p))
			}
		}
	}
	return tokens
}

// splitIdentifier breaks an identifier on underscores, lower-to-upper
// transitions, acronym ends (HTTPServer -> HTTP, Server) and letter/digit
// transitions.
func splitIdentifier(word string) []string {
	var parts []string
	for _, chunk := range strings.Split(word, "_") {
		runes := []rune(chunk)
		start := 0
		for i := 1; i < len(runes); i++ {
			prev, cur := runes[i-1], runes[i]
			boundary := false
			switch {
			case unicode.IsLower(prev) && unicode.IsUpper(cur):
				boundary = true
			case unicode.IsUpper(prev) && unicode.IsUpper(cur) && i+1 < len(runes) && unicode.IsLower(runes[i+1]):
				boundary = true
			case unicode.IsDigit(prev) != unicode.IsDigit(cur):
				boundary = true
			}
			if boundary {
				parts = append(parts, string(runes[start:i]))
				start = i
			}
		}
		if start < len(runes) {
			parts = append(parts, string(runes[start:]))
		}
	}
	return parts
}
