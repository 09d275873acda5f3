package review

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/patchflow/internal/errors"
)

// Edit is an applied change to one file that can be reverted.
type Edit struct {
	Path     string
	original []byte
	mode     os.FileMode
}

// Patcher applies suggestions to files under a root directory.
type Patcher struct {
	fs   afero.Fs
	root string
}

// NewPatcher creates a Patcher for the tree at root.
func NewPatcher(fs afero.Fs, root string) *Patcher {
	return &Patcher{fs: fs, root: root}
}

// Apply applies suggestions that all target the same file. Line numbers refer
// to the file before any of them is applied; overlapping ranges are rejected.
func (p *Patcher) Apply(suggestions []Suggestion) (*Edit, error) {
	if len(suggestions) == 0 {
		return nil, errors.NewValidationError("no suggestions to apply")
	}
	rel := suggestions[0].FilePath
	for _, s := range suggestions[1:] {
		if s.FilePath != rel {
			return nil, errors.NewValidationError("suggestions target different files").WithField("path").WithValue(s.FilePath)
		}
	}

	path := filepath.Join(p.root, filepath.FromSlash(rel))
	info, err := p.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("file", rel).WithCause(err)
		}
		return nil, err
	}
	original, err := afero.ReadFile(p.fs, path)
	if err != nil {
		return nil, err
	}

	ordered := append([]Suggestion(nil), suggestions...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Line > ordered[j].Line })

	lines, trailingNewline := splitLines(string(original))
	for i, s := range ordered {
		if s.EndLine > len(lines) {
			return nil, errors.NewValidationError("suggestion range beyond end of file").
				WithField(rel).
				WithValue(s.EndLine)
		}
		if i > 0 && s.EndLine >= ordered[i-1].Line {
			return nil, errors.NewValidationError("overlapping suggestions").WithField(rel).WithValue(s.Line)
		}
		updated := make([]string, 0, len(lines)-(s.EndLine-s.Line+1)+len(s.Replacement))
		updated = append(updated, lines[:s.Line-1]...)
		updated = append(updated, s.Replacement...)
		updated = append(updated, lines[s.EndLine:]...)
		lines = updated
	}

	if err := afero.WriteFile(p.fs, path, []byte(joinLines(lines, trailingNewline)), info.Mode().Perm()); err != nil {
		return nil, err
	}
	return &Edit{Path: rel, original: original, mode: info.Mode().Perm()}, nil
}

// Revert restores the file to its content before the edit.
func (p *Patcher) Revert(e *Edit) error {
	if e == nil {
		return nil
	}
	return afero.WriteFile(p.fs, filepath.Join(p.root, filepath.FromSlash(e.Path)), e.original, e.mode)
}

func splitLines(content string) ([]string, bool) {
	if content == "" {
		return nil, false
	}
	trailing := strings.HasSuffix(content, "\n")
	content = strings.TrimSuffix(content, "\n")
	return strings.Split(content, "\n"), trailing
}

func joinLines(lines []string, trailingNewline bool) string {
	out := strings.Join(lines, "\n")
	if trailingNewline && len(lines) > 0 {
		out += "\n"
	}
	return out
}
