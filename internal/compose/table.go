package compose

import (
	"fmt"
	"regexp"
	"strings"
)

var tableSeparatorRE = regexp.MustCompile(`^\|?[\s:|\-]+\|?$`)

// tableHTML converts a markdown table into an HTML table. The agent's
// table_markdown field only ever carries a pipe table, optionally with prose
// lines around it; prose lines become paragraphs.
func tableHTML(md string) string {
	lines := strings.Split(strings.TrimSpace(md), "\n")

	var b strings.Builder
	var tableRows []string
	flush := func() {
		if len(tableRows) == 0 {
			return
		}
		b.WriteString(renderTable(tableRows))
		tableRows = nil
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "|") {
			tableRows = append(tableRows, trimmed)
			continue
		}
		flush()
		if trimmed != "" {
			fmt.Fprintf(&b, "<p>%s</p>\n", trimmed)
		}
	}
	flush()
	return strings.TrimRight(b.String(), "\n")
}

func renderTable(rows []string) string {
	var b strings.Builder
	b.WriteString("<table>\n")

	hasHeader := len(rows) >= 2 && tableSeparatorRE.MatchString(rows[1]) && strings.Contains(rows[1], "-")
	start := 0
	if hasHeader {
		b.WriteString("<thead>\n<tr>")
		for _, cell := range splitRow(rows[0]) {
			fmt.Fprintf(&b, "<th>%s</th>", cell)
		}
		b.WriteString("</tr>\n</thead>\n")
		start = 2
	}

	b.WriteString("<tbody>\n")
	for _, row := range rows[start:] {
		b.WriteString("<tr>")
		for _, cell := range splitRow(row) {
			fmt.Fprintf(&b, "<td>%s</td>", cell)
		}
		b.WriteString("</tr>\n")
	}
	b.WriteString("</tbody>\n</table>\n")
	return b.String()
}

func splitRow(row string) []string {
	row = strings.Trim(row, "|")
	parts := strings.Split(row, "|")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
