package orchestrator

import (
	"strings"

	"github.com/Iron-Ham/patchflow/internal/errors"
)

// DefaultMaxSlugLength is used when no positive slug length is configured.
const DefaultMaxSlugLength = 50

// Slug converts a description into a branch-name component: lowercased, with
// every character outside [a-z0-9] replaced by "-", truncated to maxLen.
// Runs of dashes and trailing dashes are kept, so Slug(Slug(d)) == Slug(d).
func Slug(description string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultMaxSlugLength
	}

	var b strings.Builder
	for _, r := range strings.ToLower(description) {
		if b.Len() >= maxLen {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// BranchName returns "<prefix>/<slug>" for a description. A description with
// no letters or digits is rejected.
func BranchName(prefix, description string, maxLen int) (string, error) {
	slug := Slug(description, maxLen)
	if strings.Trim(slug, "-") == "" {
		return "", errors.NewValidationError("description must contain at least one letter or digit").
			WithField("description").
			WithValue(description)
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return slug, nil
	}
	return prefix + "/" + slug, nil
}
