// Package compose turns a raw model reply plus script execution outcomes into
// the enhanced reply stored and shown to the user.
package compose

import (
	"fmt"
	"strings"

	"github.com/zjgxky/lulu-chat/internal/sandbox"
	"github.com/zjgxky/lulu-chat/internal/script"
)

// Execution pairs a script body extracted from the reply with the outcome of
// running it. Script is the body as extracted, before normalization, so its
// fenced form can be located in the reply verbatim.
type Execution struct {
	Script string
	Result sandbox.Result
}

// Compose splices a markup fragment after each fenced code block that was
// executed. Insertion points are computed against the original text in a
// single pass: the search for each block resumes after the previous match, so
// a reply containing the same script twice maps executions to successive
// occurrences. A block that cannot be located gets its fragment appended at
// the end instead.
func Compose(text string, execs []Execution) string {
	type insertion struct {
		at     int
		markup string
	}

	var inserts []insertion
	var appended []string
	searchFrom := 0
	for i, ex := range execs {
		markup := executionMarkup(i, ex.Result)
		block := script.Fence(ex.Script)
		idx := strings.Index(text[searchFrom:], block)
		if idx < 0 {
			appended = append(appended, markup)
			continue
		}
		end := searchFrom + idx + len(block)
		inserts = append(inserts, insertion{at: end, markup: markup})
		searchFrom = end
	}

	var b strings.Builder
	last := 0
	for _, in := range inserts {
		b.WriteString(text[last:in.at])
		b.WriteString(in.markup)
		last = in.at
	}
	b.WriteString(text[last:])
	for _, m := range appended {
		b.WriteString(m)
	}
	return b.String()
}

func executionMarkup(index int, res sandbox.Result) string {
	if res.Success {
		return successMarkup(index, res)
	}
	return failureMarkup(res)
}

func successMarkup(index int, res sandbox.Result) string {
	return fmt.Sprintf("\n\n<div class=\"auto-plot-display\">\n"+
		"<div class=\"plot-title\">Generated Plot %d</div>\n"+
		"<div class=\"plot-container\">\n"+
		"<img src=%q alt=\"Generated Plot\" style=\"max-width: 100%%; height: auto; border: 1px solid #e2e8f0; border-radius: 8px;\">\n"+
		"<button class=\"download-plot-btn\" onclick=\"downloadPlot('%s', '%s')\">📥 Download Plot</button>\n"+
		"</div>\n</div>\n\n",
		index+1, res.PlotURL, res.PlotURL, res.PlotFilename)
}

func failureMarkup(res sandbox.Result) string {
	msg := res.Error
	if msg == "" {
		msg = "Unknown error"
	}
	return fmt.Sprintf("\n\n<div class=\"plot-error\">\n"+
		"<div class=\"error\">❌ Plot Generation Failed: %s</div>\n"+
		"</div>\n\n", msg)
}
