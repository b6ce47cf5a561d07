package script

import (
	"regexp"
	"strings"
)

// The upstream agent emits a few recurring malformed patterns. Each rewrite
// below targets exactly one of them; anything unrecognized passes through
// unchanged.
var (
	showCallRE = regexp.MustCompile(`plt\.show\(\)`)

	// .pivot(index="a", columns="b", "c") — positional argument after
	// keyword arguments; the trailing value is meant as values=.
	pivotDoubleQuoteRE = regexp.MustCompile(`\.pivot\(\s*index\s*=\s*"([^"]+)"\s*,\s*columns\s*=\s*"([^"]+)"\s*,\s*"([^"]+)"\s*\)`)
	pivotSingleQuoteRE = regexp.MustCompile(`\.pivot\(\s*index\s*=\s*'([^']+)'\s*,\s*columns\s*=\s*'([^']+)'\s*,\s*'([^']+)'\s*\)`)
)

// Normalize applies the best-effort repairs to a script body before it is
// wrapped for execution. Failure to recognize a pattern leaves the body
// untouched; Normalize never invents code beyond the documented rewrites.
func Normalize(body string) string {
	s := strings.TrimSpace(body)

	// plt.show() blocks forever under a headless backend; the wrapper saves
	// the figure itself.
	s = showCallRE.ReplaceAllString(s, "")

	s = pivotDoubleQuoteRE.ReplaceAllString(s, `.pivot(index="$1", columns="$2", values="$3")`)
	s = pivotSingleQuoteRE.ReplaceAllString(s, `.pivot(index='$1', columns='$2', values='$3')`)

	// The agent sometimes references a `result` variable that only existed
	// in its own SQL tool; an empty frame at least keeps the script loadable.
	if strings.Contains(s, "pd.DataFrame(result)") {
		s = strings.ReplaceAll(s, "pd.DataFrame(result)", "pd.DataFrame()")
		s = "# Note: 'result' variable not available upstream\n" + s
	}

	s = strings.ReplaceAll(s, "\t", "    ")

	return s
}
