package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// maxNamePart bounds the script-name component of a job ID so IDs stay
// usable as directory names and remote labels.
const maxNamePart = 10

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewJobID derives a job identifier from the script name, the submitting
// user, and the submission time, with a random suffix to disambiguate
// same-second submissions. The result is filesystem- and label-safe.
func NewJobID(scriptName, user string, now time.Time) string {
	suffix := strings.ToLower(ulid.Make().String())
	return fmt.Sprintf("%s--%s--%s-%s",
		sanitize(scriptName, maxNamePart),
		sanitize(user, maxNamePart),
		now.UTC().Format("060102-150405"),
		suffix[len(suffix)-6:],
	)
}

// sanitize lowercases s, replaces anything outside [a-z0-9] with '-', and
// truncates to max bytes. Empty input becomes "job".
func sanitize(s string, max int) string {
	if i := strings.LastIndexByte(s, '.'); i > 0 {
		s = s[:i] // drop the extension, keep it only in the workspace copy
	}
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
		if b.Len() >= max {
			break
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "job"
	}
	return out
}
