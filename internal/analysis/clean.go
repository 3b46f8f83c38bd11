package analysis

import (
	"regexp"
	"strings"
)

// MaxContentBytes caps the text sent to the model.
const MaxContentBytes = 1500

var cleaners = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`\*\*(.*?)\*\*`), "$1"},
	{regexp.MustCompile(`\*(.*?)\*`), "$1"},
	{regexp.MustCompile(`~~(.*?)~~`), "$1"},
	{regexp.MustCompile(`\^(\w+)`), "$1"},
	{regexp.MustCompile(`https?://\S+`), "[URL]"},
	{regexp.MustCompile(`/u/(\w+)`), "user $1"},
	{regexp.MustCompile(`/r/(\w+)`), "subreddit $1"},
	{regexp.MustCompile(`u/(\w+)`), "user $1"},
	{regexp.MustCompile(`r/(\w+)`), "subreddit $1"},
}

// CleanContent strips markdown emphasis, masks URLs, spells out user and
// community references, collapses whitespace and caps the length.
func CleanContent(content string) string {
	for _, c := range cleaners {
		content = c.re.ReplaceAllString(content, c.repl)
	}
	content = strings.Join(strings.Fields(content), " ")
	if len(content) > MaxContentBytes {
		content = strings.ToValidUTF8(content[:MaxContentBytes], "") + "..."
	}
	return content
}
