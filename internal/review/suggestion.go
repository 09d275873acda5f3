package review

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/patchflow/internal/forge"
)

const (
	fenceOpen  = "```suggestion"
	fenceClose = "```"
)

// Suggestion is a concrete edit proposed in a review comment: replace lines
// Line..EndLine (1-based, inclusive) of FilePath with Replacement.
type Suggestion struct {
	CommentID int64
	Author    string
	FilePath  string
	Line      int
	EndLine   int
	// Replacement holds the new lines. Empty means the range is deleted.
	Replacement []string
	Applied     bool
}

// Text returns the replacement as a single string.
func (s Suggestion) Text() string {
	return strings.Join(s.Replacement, "\n")
}

// ParseSuggestions extracts the suggestion blocks of a comment.
//
// A block is a fenced region opened by "```suggestion", optionally followed by
// a location "<path>:<line>" or "<path>:<line>-<endLine>", and closed by a
// line holding only "```". A location in the info string wins over the
// comment's own path and line. Blocks without a usable location are dropped.
// An unterminated fence makes the whole comment unusable and yields nothing.
func ParseSuggestions(c forge.Comment) []Suggestion {
	lines := strings.Split(strings.ReplaceAll(c.Body, "\r\n", "\n"), "\n")

	var out []Suggestion
	for i := 0; i < len(lines); i++ {
		info, ok := openingFence(lines[i])
		if !ok {
			continue
		}

		end := -1
		for j := i + 1; j < len(lines); j++ {
			if strings.TrimSpace(lines[j]) == fenceClose {
				end = j
				break
			}
		}
		if end < 0 {
			return nil
		}

		body := append([]string(nil), lines[i+1:end]...)
		i = end

		s, ok := locate(c, info)
		if !ok {
			continue
		}
		s.Replacement = body
		out = append(out, s)
	}
	return out
}

// openingFence reports whether line opens a suggestion block and returns the
// text after the fence keyword.
func openingFence(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, fenceOpen) {
		return "", false
	}
	rest := trimmed[len(fenceOpen):]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

func locate(c forge.Comment, info string) (Suggestion, bool) {
	s := Suggestion{CommentID: c.ID, Author: c.Author}

	if info != "" {
		path, line, endLine, ok := parseLocation(info)
		if !ok {
			return s, false
		}
		s.FilePath, s.Line, s.EndLine = path, line, endLine
	} else {
		s.FilePath = c.Path
		s.Line, s.EndLine = c.Line, c.Line
		if c.StartLine > 0 {
			s.Line = c.StartLine
		}
	}

	if s.FilePath == "" || !filepath.IsLocal(filepath.FromSlash(s.FilePath)) {
		return s, false
	}
	if s.Line < 1 || s.EndLine < s.Line {
		return s, false
	}
	return s, true
}

// parseLocation parses "<path>:<line>[-<endLine>]".
func parseLocation(info string) (path string, line, endLine int, ok bool) {
	idx := strings.LastIndex(info, ":")
	if idx <= 0 || idx == len(info)-1 {
		return "", 0, 0, false
	}
	path = info[:idx]
	lines := info[idx+1:]

	startStr, endStr, hasRange := strings.Cut(lines, "-")
	line, err := strconv.Atoi(startStr)
	if err != nil {
		return "", 0, 0, false
	}
	endLine = line
	if hasRange {
		endLine, err = strconv.Atoi(endStr)
		if err != nil {
			return "", 0, 0, false
		}
	}
	return path, line, endLine, true
}

// AuthorFilter restricts which comment authors may propose suggestions.
// Patterns are globs matched case-insensitively, e.g. "copilot*" or
// "*[bot]".
type AuthorFilter struct {
	patterns []glob.Glob
}

// NewAuthorFilter compiles patterns. No patterns accepts every author.
func NewAuthorFilter(patterns []string) (*AuthorFilter, error) {
	f := &AuthorFilter{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		// Escape brackets so "*[bot]" matches the literal suffix.
		escaped := strings.NewReplacer("[", `\[`, "]", `\]`).Replace(strings.ToLower(p))
		g, err := glob.Compile(escaped)
		if err != nil {
			return nil, err
		}
		f.patterns = append(f.patterns, g)
	}
	return f, nil
}

// Allows reports whether author passes the filter.
func (f *AuthorFilter) Allows(author string) bool {
	if f == nil || len(f.patterns) == 0 {
		return true
	}
	author = strings.ToLower(author)
	for _, g := range f.patterns {
		if g.Match(author) {
			return true
		}
	}
	return false
}
