// Package match decides whether item content satisfies a keyword rule.
package match

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/mention-monitor/internal/monitor"
)

// RE2's \b only knows ASCII word characters, so word boundaries are spelled
// out over Unicode classes.
const (
	wordClass    = `[\p{L}\p{M}\p{N}_]`
	nonWordClass = `[^\p{L}\p{M}\p{N}_]`
)

// Matches reports whether text satisfies rule.
//
// Whitespace runs are collapsed in both the term and the text, and both are
// lower-cased unless the rule is case sensitive. Whole-word rules require the
// full term between Unicode word boundaries. Other rules match when any
// space-separated sub-term occurs as a substring.
func Matches(rule monitor.KeywordRule, text string) bool {
	term := normalize(rule.Keyword)
	if term == "" {
		return false
	}
	text = normalize(text)
	if !rule.CaseSensitive {
		term = strings.ToLower(term)
		text = strings.ToLower(text)
	}

	if rule.MatchWholeWord {
		re, err := regexp.Compile(boundedPattern(term))
		if err != nil {
			zap.L().Warn("keyword pattern did not compile",
				zap.Int64("keyword_id", rule.ID),
				zap.String("keyword", rule.Keyword),
				zap.Error(err),
			)
			return false
		}
		return re.MatchString(text)
	}

	for _, sub := range strings.Split(term, " ") {
		if sub != "" && strings.Contains(text, sub) {
			return true
		}
	}
	return false
}

// boundedPattern places a word boundary on each side of term. Next to a word
// rune the boundary is a text edge or a non-word rune; next to a non-word rune
// it must be a word rune.
func boundedPattern(term string) string {
	first, _ := utf8.DecodeRuneInString(term)
	last, _ := utf8.DecodeLastRuneInString(term)
	start, end := wordClass, wordClass
	if isWordRune(first) {
		start = `(?:^|` + nonWordClass + `)`
	}
	if isWordRune(last) {
		end = `(?:$|` + nonWordClass + `)`
	}
	return start + regexp.QuoteMeta(term) + end
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsMark(r) || unicode.IsNumber(r)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
