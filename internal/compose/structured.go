package compose

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/zjgxky/lulu-chat/internal/sandbox"
)

// Structured is the alternative reply shape the agent sometimes emits: a
// single JSON object instead of prose. Any recognized top-level key marks the
// reply as structured.
type Structured struct {
	Summary       string
	Definitions   []string
	MathFormulas  []string
	Steps         []string
	SQLQuery      string
	TableMarkdown string
	PythonCode    string
}

var structuredKeys = []string{
	"summary", "definition", "math_formula", "steps",
	"sql_query", "table_markdown", "python_code",
}

// DetectStructured reports whether text is a structured JSON reply. The whole
// text must parse as a JSON object carrying at least one recognized key, so
// prose that merely mentions braces never false-positives.
func DetectStructured(text string) (*Structured, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return nil, false
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, false
	}

	recognized := false
	for _, k := range structuredKeys {
		if _, ok := raw[k]; ok {
			recognized = true
			break
		}
	}
	if !recognized {
		return nil, false
	}

	s := &Structured{
		Summary:       stringField(raw, "summary"),
		Definitions:   listField(raw, "definition"),
		MathFormulas:  listField(raw, "math_formula"),
		Steps:         listField(raw, "steps"),
		SQLQuery:      stringField(raw, "sql_query"),
		TableMarkdown: stringField(raw, "table_markdown"),
		PythonCode:    stringField(raw, "python_code"),
	}
	return s, true
}

func stringField(raw map[string]json.RawMessage, key string) string {
	msg, ok := raw[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(msg, &s); err != nil {
		return ""
	}
	return s
}

// listField accepts either a JSON array of strings or a single string, which
// the agent emits interchangeably for definition-style fields.
func listField(raw map[string]json.RawMessage, key string) []string {
	msg, ok := raw[key]
	if !ok {
		return nil
	}
	var list []string
	if err := json.Unmarshal(msg, &list); err == nil {
		return list
	}
	var s string
	if err := json.Unmarshal(msg, &s); err == nil && s != "" {
		return []string{s}
	}
	return nil
}

// RenderStructured lays the structured reply out as markup in a fixed section
// order: Summary, Plot, Results Table, then a tabbed block for definitions,
// formulas and steps. Absent fields omit their sections. The embedded script,
// if any, is executed exactly once via run.
func RenderStructured(s *Structured, run func(body string) sandbox.Result) string {
	var sections []string

	if s.Summary != "" {
		sections = append(sections, section("", "Summary", "<p>"+s.Summary+"</p>"))
	}

	if strings.TrimSpace(s.PythonCode) != "" {
		sections = append(sections, plotSection(s.PythonCode, run))
	}

	if strings.TrimSpace(s.TableMarkdown) != "" {
		sections = append(sections, tableSection(s.TableMarkdown, s.SQLQuery))
	}

	if tabbed := tabbedSection(s); tabbed != "" {
		sections = append(sections, tabbed)
	}

	return "<div class=\"json-response-container\">\n" + strings.Join(sections, "\n") + "\n</div>"
}

func section(extraClass, title, content string) string {
	class := "json-section"
	if extraClass != "" {
		class += " " + extraClass
	}
	return fmt.Sprintf("<div class=%q>\n<h3 class=\"section-title\">%s</h3>\n"+
		"<div class=\"section-content\">\n%s\n</div>\n</div>", class, title, content)
}

func plotSection(code string, run func(string) sandbox.Result) string {
	res := run(code)
	if !res.Success {
		return section("plot-section", "Plot", plotFailureDetail(res))
	}

	id := "python-code-" + shortHash(code)
	var b strings.Builder
	fmt.Fprintf(&b, "<div class=\"plot-container\">\n"+
		"<img src=%q alt=\"Generated Plot\" style=\"max-width: 100%%; height: auto; border: 1px solid #e2e8f0; border-radius: 8px;\">\n"+
		"</div>\n", res.PlotURL)
	fmt.Fprintf(&b, "<button class=\"code-toggle-btn\" onclick=\"toggleCode('%s')\">Hide Code</button>\n", id)
	b.WriteString(codeBlock(id, "python", code))
	return section("plot-section", "Plot", b.String())
}

func plotFailureDetail(res sandbox.Result) string {
	msg := res.Error
	if msg == "" {
		msg = "Unknown error"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<div class=\"plot-error\">\n<div class=\"error\">❌ Plot Generation Failed: %s</div>\n", msg)
	if res.Stdout != "" || res.Stderr != "" || len(res.Debug) > 0 {
		b.WriteString("<details class=\"error-details\">\n<summary>Debug Information</summary>\n<div class=\"debug-output\">\n")
		if res.Stdout != "" {
			fmt.Fprintf(&b, "<h4>Standard Output:</h4><pre>%s</pre>\n", res.Stdout)
		}
		if res.Stderr != "" {
			fmt.Fprintf(&b, "<h4>Standard Error:</h4><pre>%s</pre>\n", res.Stderr)
		}
		if len(res.Debug) > 0 {
			fmt.Fprintf(&b, "<h4>Debug Info:</h4><pre>%v</pre>\n", res.Debug)
		}
		b.WriteString("</div>\n</details>\n")
	}
	b.WriteString("</div>")
	return b.String()
}

func tableSection(tableMD, sqlQuery string) string {
	tableID := "table-" + shortHash(tableMD)
	var b strings.Builder
	fmt.Fprintf(&b, "<div class=\"table-container\" id=%q>\n%s\n"+
		"<div class=\"table-toggle-container\" onclick=\"toggleTable('%s')\">\n"+
		"<span class=\"table-toggle-text\">▼ Show Complete Table</span>\n"+
		"</div>\n</div>\n", tableID, tableHTML(tableMD), tableID)
	if sqlQuery != "" {
		sqlID := "sql-query-" + shortHash(sqlQuery)
		fmt.Fprintf(&b, "<button class=\"sql-toggle-btn\" onclick=\"toggleSQL('%s')\">Hide Query</button>\n", sqlID)
		b.WriteString(codeBlock(sqlID, "sql", sqlQuery))
	}
	return section("table-section", "Results Table", b.String())
}

func codeBlock(id, language, code string) string {
	return fmt.Sprintf("<div class=\"code-block\" id=%q style=\"display: block;\">\n"+
		"<div class=\"code-header\">\n"+
		"<span class=\"code-language\">%s</span>\n"+
		"<button class=\"code-copy-btn\" onclick=\"copyToClipboard(this, '%s-content')\">📋 Copy</button>\n"+
		"</div>\n"+
		"<div class=\"code-content\">\n"+
		"<pre><code class=\"language-%s\" id=\"%s-content\">%s</code></pre>\n"+
		"</div>\n</div>\n", id, language, id, language, id, code)
}

func tabbedSection(s *Structured) string {
	type tab struct {
		id      string
		title   string
		content string
	}
	var tabs []tab

	if len(s.Definitions) > 0 {
		var b strings.Builder
		b.WriteString("<ul class='definitions-list'>\n")
		for _, d := range s.Definitions {
			if strings.TrimSpace(d) != "" {
				fmt.Fprintf(&b, "<li>%s</li>\n", d)
			}
		}
		b.WriteString("</ul>")
		tabs = append(tabs, tab{"definitions", "Definitions", b.String()})
	}

	if formulas := formulasHTML(s.MathFormulas); formulas != "" {
		tabs = append(tabs, tab{"formulas", "Formulas", formulas})
	}

	if len(s.Steps) > 0 {
		var b strings.Builder
		b.WriteString("<ol class='steps-list'>\n")
		for _, step := range s.Steps {
			if strings.TrimSpace(step) != "" {
				fmt.Fprintf(&b, "<li>%s</li>\n", step)
			}
		}
		b.WriteString("</ol>")
		tabs = append(tabs, tab{"steps", "Steps", b.String()})
	}

	if len(tabs) == 0 {
		return ""
	}

	var buttons, contents strings.Builder
	for i, t := range tabs {
		active := ""
		display := "none"
		if i == 0 {
			active = "active"
			display = "block"
		}
		fmt.Fprintf(&buttons, "<button class=\"tab-btn %s\" onclick=\"switchTab('%s')\">%s</button>\n", active, t.id, t.title)
		fmt.Fprintf(&contents, "<div class=\"tab-content\" id=%q style=\"display: %s;\">\n%s\n</div>\n", t.id, display, t.content)
	}

	body := "<div class=\"tab-bar\">\n" + buttons.String() + "</div>\n" +
		"<div class=\"tab-contents\">\n" + contents.String() + "</div>"
	return section("combined-section", "Information", body)
}

var malformedFormulaRE = regexp.MustCompile(`^text(.+?)=frac(.+)$`)
var fracPartsRE = regexp.MustCompile(`^text(.+?)text(.+)$`)

func formulasHTML(formulas []string) string {
	var b strings.Builder
	for _, f := range formulas {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		// The agent sometimes wraps formulas in $$ already.
		if strings.HasPrefix(f, "$$") && strings.HasSuffix(f, "$$") {
			f = strings.TrimSpace(f[2 : len(f)-2])
		}
		f = repairFormula(f)
		escaped := strings.ReplaceAll(f, `"`, "&quot;")
		fmt.Fprintf(&b, "<div class=\"math-formula\" data-formula=\"%s\">$$%s$$</div>\n", escaped, f)
	}
	return b.String()
}

// repairFormula rewrites the agent's known malformed LaTeX shape, where
// backslashes were stripped from a \text{X} = \frac{\text{Y}}{\text{Z}}
// expression. Anything else passes through untouched.
func repairFormula(f string) string {
	if !strings.HasPrefix(f, "text") || !strings.Contains(f, "frac") || strings.Contains(f, `\`) {
		return f
	}
	m := malformedFormulaRE.FindStringSubmatch(f)
	if m == nil {
		return f
	}
	parts := fracPartsRE.FindStringSubmatch(m[2])
	if parts == nil {
		return f
	}
	return fmt.Sprintf(`\text{%s} = \frac{\text{%s}}{\text{%s}}`, m[1], parts[1], parts[2])
}

func shortHash(s string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(s)))[:8]
}
