package forge

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"text/template"
)

// BodyData is the data available to change request body templates.
type BodyData struct {
	// Description is the patch description the session was started with.
	Description string
	// Branch is the working branch.
	Branch string
	// BaseBranch is the branch the change targets.
	BaseBranch string
	// ChangedFiles lists the committed paths.
	ChangedFiles []string
	// ValidationCommands are the commands that passed before pushing.
	ValidationCommands []string
	// IssueNumber is the linked tracking issue, 0 if none.
	IssueNumber int
	// SessionID identifies the patchflow session.
	SessionID string
}

// DefaultBodyTemplate renders the body used when no template is configured.
const DefaultBodyTemplate = `## Summary

{{.Description}}

{{- if .ChangedFiles}}

## Changed files
{{range .ChangedFiles}}
- ` + "`{{.}}`" + `
{{- end}}
{{- end}}

{{- if .ValidationCommands}}

## Validation
{{range .ValidationCommands}}
- ` + "`{{.}}`" + `
{{- end}}
{{- end}}
{{- if .IssueNumber}}

{{closes .IssueNumber}}
{{- end}}

---
patchflow session ` + "`{{.SessionID}}`" + `
`

// RenderBody renders a change request body. An empty template uses
// DefaultBodyTemplate.
func RenderBody(tmplStr string, data BodyData) (string, error) {
	if strings.TrimSpace(tmplStr) == "" {
		tmplStr = DefaultBodyTemplate
	}
	tmpl, err := template.New("change-request-body").
		Funcs(template.FuncMap{
			"closes": func(n int) string { return FormatClosesClause([]int{n}) },
		}).
		Parse(tmplStr)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// FormatClosesClause formats issue references so the forge links them.
func FormatClosesClause(issues []int) string {
	var clauses []string
	for _, n := range issues {
		if n <= 0 {
			continue
		}
		clauses = append(clauses, "Closes #"+strconv.Itoa(n))
	}
	return strings.Join(clauses, "\n")
}

var issueRefPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:fixes|fix|closes|close|resolves|resolve)\s*#(\d+)`),
	regexp.MustCompile(`#(\d+)`),
}

// ExtractIssueReference returns the first issue number referenced in text,
// preferring closing keywords. It returns 0 when none is found.
func ExtractIssueReference(text string) int {
	for _, re := range issueRefPatterns {
		if m := re.FindStringSubmatch(text); len(m) == 2 {
			n, err := strconv.Atoi(m[1])
			if err == nil && n > 0 {
				return n
			}
		}
	}
	return 0
}
