// Package jobid mints job identifiers.
//
// An id has the form "<prefix>-<yyyymmdd>-<hhmmss>-<nanoseconds>-<random>",
// e.g. "api-20261017-142501-093412771-5f0c1e2a9b3d". The timestamp keeps ids
// roughly sortable by creation time; the random suffix keeps two calls within
// the same clock tick apart.
package jobid

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Prefixes distinguish where a job originated.
const (
	PrefixAPI = "api"
	PrefixUI  = "ui"
	PrefixCLI = "cli"
)

const randomLength = 12

// Pattern matches ids that are safe to use as record file names.
var Pattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Suggest returns a new job id in the given namespace.
func Suggest(prefix string) string {
	return suggestAt(prefix, time.Now())
}

func suggestAt(prefix string, now time.Time) string {
	prefix = sanitize(prefix)
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:randomLength]
	return fmt.Sprintf("%s-%s-%09d-%s", prefix, now.UTC().Format("20060102-150405"), now.Nanosecond(), random)
}

// Valid reports whether id can name a job record.
func Valid(id string) bool {
	return len(id) <= 128 && Pattern.MatchString(id)
}

// sanitize keeps prefixes filename safe; an empty prefix becomes "job".
func sanitize(prefix string) string {
	var b strings.Builder
	for _, r := range prefix {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "job"
	}
	return b.String()
}
