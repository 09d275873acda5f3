package review

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/patchflow/internal/errors"
)

func newTestPatcher(t *testing.T, files map[string]string) (*Patcher, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	for path, content := range files {
		require.NoError(t, afero.WriteFile(fs, "/repo/"+path, []byte(content), 0o644))
	}
	return NewPatcher(fs, "/repo"), fs
}

func read(t *testing.T, fs afero.Fs, path string) string {
	t.Helper()
	b, err := afero.ReadFile(fs, "/repo/"+path)
	require.NoError(t, err)
	return string(b)
}

func TestPatcher_Apply(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		suggestions []Suggestion
		want        string
	}{
		{
			name:        "replace single line",
			content:     "a\nb\nc\n",
			suggestions: []Suggestion{{FilePath: "f.txt", Line: 2, EndLine: 2, Replacement: []string{"B"}}},
			want:        "a\nB\nc\n",
		},
		{
			name:        "replace range with more lines",
			content:     "a\nb\nc\nd\n",
			suggestions: []Suggestion{{FilePath: "f.txt", Line: 2, EndLine: 3, Replacement: []string{"x", "y", "z"}}},
			want:        "a\nx\ny\nz\nd\n",
		},
		{
			name:        "delete range",
			content:     "a\nb\nc\n",
			suggestions: []Suggestion{{FilePath: "f.txt", Line: 1, EndLine: 2}},
			want:        "c\n",
		},
		{
			name:        "no trailing newline preserved",
			content:     "a\nb",
			suggestions: []Suggestion{{FilePath: "f.txt", Line: 2, EndLine: 2, Replacement: []string{"c"}}},
			want:        "a\nc",
		},
		{
			name:    "several suggestions use original line numbers",
			content: "1\n2\n3\n4\n5\n",
			suggestions: []Suggestion{
				{FilePath: "f.txt", Line: 1, EndLine: 1, Replacement: []string{"one", "uno"}},
				{FilePath: "f.txt", Line: 4, EndLine: 5, Replacement: []string{"four-five"}},
			},
			want: "one\nuno\n2\n3\nfour-five\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, fs := newTestPatcher(t, map[string]string{"f.txt": tt.content})
			edit, err := p.Apply(tt.suggestions)
			require.NoError(t, err)
			assert.Equal(t, tt.want, read(t, fs, "f.txt"))

			require.NoError(t, p.Revert(edit))
			assert.Equal(t, tt.content, read(t, fs, "f.txt"), "revert restores the original bytes")
		})
	}
}

func TestPatcher_ApplyErrors(t *testing.T) {
	p, fs := newTestPatcher(t, map[string]string{"f.txt": "a\nb\n"})

	_, err := p.Apply([]Suggestion{{FilePath: "gone.txt", Line: 1, EndLine: 1}})
	assert.True(t, errors.Is(err, &errors.NotFoundError{}), "got %v", err)

	_, err = p.Apply([]Suggestion{{FilePath: "f.txt", Line: 2, EndLine: 3}})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	_, err = p.Apply([]Suggestion{
		{FilePath: "f.txt", Line: 1, EndLine: 2},
		{FilePath: "f.txt", Line: 2, EndLine: 2},
	})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput), "overlapping ranges")

	_, err = p.Apply(nil)
	assert.Error(t, err)

	assert.Equal(t, "a\nb\n", read(t, fs, "f.txt"), "failed applies leave the file untouched")
}
