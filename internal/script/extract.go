// Package script finds and repairs executable python blocks embedded in
// chat replies.
package script

import "regexp"

// fenceRE matches a ```python fenced block. Non-greedy body so adjacent
// blocks never merge.
var fenceRE = regexp.MustCompile("```python[ \t]*\n([\\s\\S]*?)\n```")

// Extract returns the bodies of all ```python fenced blocks in text, in
// source order. Pure and side-effect-free; returns nil when no blocks exist.
func Extract(text string) []string {
	matches := fenceRE.FindAllStringSubmatch(text, -1)
	if matches == nil {
		return nil
	}
	bodies := make([]string, len(matches))
	for i, m := range matches {
		bodies[i] = m[1]
	}
	return bodies
}

// Fence re-wraps a body in the exact fence Extract matched it from, so the
// compositor can locate the originating span verbatim.
func Fence(body string) string {
	return "```python\n" + body + "\n```"
}
